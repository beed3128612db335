package main

import (
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/holidaygen/tripcache/cache"
	"github.com/holidaygen/tripcache/tui"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the destination cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entries per backend and whether each is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var rows [][]string
			for _, h := range a.facade.Health(ctx) {
				b := a.facade.Disk()
				if h.Role == "remote" {
					b = a.facade.Remote()
				}
				entries, size := "-", "-"
				if s, ok := b.(cache.Stater); ok && h.Available {
					if stats, err := s.Stats(ctx); err == nil {
						entries = strconv.Itoa(stats.Entries)
						size = humanize.Bytes(uint64(stats.Bytes))
					}
				}
				status := "ok"
				if !h.Available {
					status = tui.Warning("unavailable")
				}
				rows = append(rows, []string{h.Role, h.Name, status, entries, size})
			}
			tui.Table(cmd.OutOrStdout(), []string{"Role", "Backend", "Status", "Entries", "Size"}, rows)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, b := range backends(a.facade) {
				if err := b.Clear(cmd.Context()); err != nil {
					tui.ShowWarning(out, "%s: %s", b.Name(), err)
					continue
				}
				tui.ShowSuccess(out, "%s cleared", b.Name())
			}
			return nil
		},
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, b := range backends(a.facade) {
				p, ok := b.(cache.Pruner)
				if !ok {
					// redis expires keys on its own
					continue
				}
				n, err := p.Prune(cmd.Context())
				if err != nil {
					tui.ShowWarning(out, "%s: %s", b.Name(), err)
					continue
				}
				tui.ShowSuccess(out, "%s: %d expired %s removed", b.Name(), n, plural(n, "entry", "entries"))
			}
			return nil
		},
	}

	cmd.AddCommand(statsCmd, clearCmd, pruneCmd)
	return cmd
}

func backends(f *cache.Facade) []cache.Backend {
	var out []cache.Backend
	if r := f.Remote(); r != nil {
		out = append(out, r)
	}
	return append(out, f.Disk())
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
