package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/destination"
	"github.com/holidaygen/tripcache/tui"
	"github.com/spf13/cobra"
)

// errUnhealthy makes health exit non-zero once the report is printed.
var errUnhealthy = errors.New("destination service is unhealthy")

func newHealthCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the model connection and cache backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var report destination.HealthReport
			check := func() { report = a.service.Health(cmd.Context()) }
			if asJSON {
				check()
			} else {
				tui.ShowSpinner(cmd.Context(), "Checking health ...", check)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "%s %s\n", tui.Bold("Status:"), report.Status)
				fmt.Fprintf(out, "%s %s (fine-tuned: %t)\n", tui.Bold("Model:"), report.Model, report.FineTuned)
				fmt.Fprintf(out, "%s %s in %s\n", tui.Bold("OpenAI:"), report.Connection, report.ResponseTime.Round(time.Millisecond))
				if report.Error != "" {
					fmt.Fprintf(out, "%s %s\n", tui.Bold("Error:"), tui.Warning(report.Error))
				}
				rows := make([][]string, 0, len(report.Backends))
				for _, b := range report.Backends {
					status := "ok"
					if !b.Available {
						status = tui.Warning(tui.MaxWidth(b.Error, 60))
					}
					rows = append(rows, []string{b.Role, b.Name, status, b.Latency.Round(time.Microsecond).String()})
				}
				tui.Table(out, []string{"Role", "Backend", "Status", "Latency"}, rows)
			}
			if report.Status == destination.StatusUnhealthy {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
