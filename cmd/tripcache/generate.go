package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/holidaygen/tripcache/destination"
	"github.com/holidaygen/tripcache/tui"
	"github.com/spf13/cobra"
)

func newGenerateCmd() *cobra.Command {
	var (
		theme       string
		count       int
		activities  bool
		asJSON      bool
		preferences map[string]string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate destinations for a theme",
		Example: `  tripcache generate --theme sports
  tripcache generate --theme "historical place" --count 3 --activities=false --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := destination.ParseTheme(theme)
			if err != nil {
				return err
			}
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			req := destination.NewGenerationRequest(t)
			req.Count = count
			req.IncludeActivities = activities
			req.UserPreferences = preferences

			var resp *destination.GenerationResponse
			run := func(ctx context.Context) {
				resp, err = a.service.Generate(ctx, req)
			}
			if asJSON {
				run(cmd.Context())
			} else {
				tui.ShowSpinner(cmd.Context(), fmt.Sprintf("Finding %s destinations ...", t), func() { run(cmd.Context()) })
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			printResponse(out, resp)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&theme, "theme", "t", "", "one of: "+themeList())
	flags.IntVarP(&count, "count", "n", destination.DefaultCount, fmt.Sprintf("number of destinations (1-%d)", destination.MaxCount))
	flags.BoolVar(&activities, "activities", true, "generate activities for every destination")
	flags.BoolVar(&asJSON, "json", false, "print the response as JSON")
	flags.StringToStringVar(&preferences, "pref", nil, "user preference as key=value, repeatable")
	_ = cmd.MarkFlagRequired("theme")
	return cmd
}

func themeList() string {
	names := make([]string, 0, len(destination.Themes))
	for _, t := range destination.Themes {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

func printResponse(w io.Writer, resp *destination.GenerationResponse) {
	fmt.Fprintln(w, tui.Title(fmt.Sprintf("%s destinations", resp.Theme)))
	fmt.Fprintln(w, tui.Muted(fmt.Sprintf("model %s, served from %s in %s", resp.Model, resp.Source, resp.GenerationTime.Round(time.Millisecond))))

	rows := make([][]string, 0, len(resp.Destinations))
	for _, d := range resp.Destinations {
		rating := "-"
		if d.Rating != nil {
			rating = strconv.FormatFloat(*d.Rating, 'f', 1, 64)
		}
		rows = append(rows, []string{d.Place, d.Country, d.Continent, d.BestTimeToVisit, rating})
	}
	tui.Table(w, []string{"Place", "Country", "Continent", "Best time", "Rating"}, rows)

	for _, d := range resp.Destinations {
		if d.Description == "" && len(d.Activities) == 0 {
			continue
		}
		var body strings.Builder
		body.WriteString(d.Description)
		for i, act := range d.Activities {
			if i == 0 && body.Len() > 0 {
				body.WriteString("\n")
			}
			body.WriteString("\n• " + act.Name)
			if act.Type != "" {
				body.WriteString(" (" + string(act.Type) + ")")
			}
		}
		fmt.Fprintln(w, tui.Banner(d.FullName(), body.String()))
	}
}
