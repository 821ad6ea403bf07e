package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/snapetech/epgharvest/internal/health"
	"github.com/snapetech/epgharvest/internal/httpclient"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the configured endpoints and report on the last guide",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			results := health.CheckEndpoints(cmd.Context(), httpclient.WithTimeout(cfg.HTTPTimeout), buildProfile(cfg), []health.Endpoint{
				{Name: "site", URL: cfg.SiteURL},
				{Name: "token", URL: cfg.TokenURL},
				{Name: "identity", URL: cfg.IdentityURL},
				{Name: "guide", URL: cfg.GuideBaseURL},
			})
			failed := 0
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				state := "ok"
				if !r.OK() {
					state = "FAIL"
					failed++
				}
				status := "-"
				if r.Status > 0 {
					status = strconv.Itoa(r.Status)
				}
				rows = append(rows, []string{r.Name, r.URL, status, r.Latency.Round(time.Millisecond).String(), state})
			}
			if len(rows) > 0 {
				fmt.Fprintln(out, renderTable(
					[]string{"Endpoint", "URL", "Status", "Latency", "State"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
			}

			st, err := health.CheckGuide(cfg.OutputPath)
			switch {
			case errors.Is(err, os.ErrNotExist):
				fmt.Fprintf(out, "No guide at %s yet.\n", cfg.OutputPath)
			case err != nil:
				return err
			default:
				covers := "no"
				if st.Covers(time.Now()) {
					covers = "yes"
				}
				fmt.Fprintln(out, keyValueTable([][]string{
					{"Guide", cfg.OutputPath},
					{"Written", humanize.Time(st.Modified)},
					{"Channels", strconv.Itoa(st.Channels)},
					{"Programmes", humanize.Comma(int64(st.Programmes))},
					{"Last stop", formatTime(st.LastStop)},
					{"Covers now", covers},
				}))
			}
			if failed > 0 {
				return fmt.Errorf("%d endpoint(s) failed", failed)
			}
			return nil
		},
	}
}
