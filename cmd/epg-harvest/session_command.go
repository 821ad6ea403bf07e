package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/snapetech/epgharvest/internal/session"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show the stored session and recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := session.Open(cfg.SessionDBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			latest, err := store.Latest(cmd.Context())
			if err != nil {
				return err
			}
			if latest == nil {
				fmt.Fprintln(out, "No stored session.")
			} else {
				rows := sessionRows(latest)
				rows = append(rows, []string{"Acquired", humanize.Time(latest.AcquiredAt)})
				fmt.Fprintln(out, keyValueTable(rows))
			}

			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Run", "Started", "Took", "Source", "Channels", "Programmes", "Failed", "Error"},
				runRows(runs),
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to show")
	return cmd
}

func runRows(runs []session.RunSummary) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		errText := r.Err
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		rows = append(rows, []string{
			id,
			humanize.Time(r.StartedAt),
			r.FinishedAt.Sub(r.StartedAt).Round(1e9).String(),
			r.Source,
			strconv.Itoa(r.Channels),
			humanize.Comma(int64(r.Programmes)),
			strconv.Itoa(r.Failed),
			errText,
		})
	}
	return rows
}
