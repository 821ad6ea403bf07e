package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/snapetech/epgharvest/internal/metrics"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		channels []string
		output   string
		offset   float64
		format   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resolve credentials, fetch every channel and write the guide",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("channels") {
				cfg.Channels = channels
			}
			if flags.Changed("output") {
				cfg.OutputPath = output
			}
			if flags.Changed("utc-offset") {
				cfg.UTCOffset = offset
			}
			if flags.Changed("format") {
				cfg.Format = format
			}

			h, closeFn, err := buildHarvester(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := h.Run(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(res.Channels))
			for _, c := range res.Channels {
				rows = append(rows, []string{c.ID, c.Outcome, c.Kind.String(), strconv.Itoa(c.Pages), strconv.Itoa(c.Programmes)})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"Channel", "Outcome", "Format", "Pages", "Programmes"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
			))
			fmt.Fprintf(out, "%d programmes from %d channels written to %s (%d failed, %d empty, %d stale dropped)\n",
				res.Programmes,
				res.Count(metrics.OutcomeOK)+res.Count(metrics.OutcomeRetried),
				res.Output,
				res.Count(metrics.OutcomeFailed),
				res.Count(metrics.OutcomeEmpty),
				res.Stale,
			)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&channels, "channels", nil, "Channel ids (overrides config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Guide output path")
	cmd.Flags().Float64Var(&offset, "utc-offset", 0, "Fixed UTC offset in hours for guide timestamps")
	cmd.Flags().StringVar(&format, "format", "", "Preferred payload format (xml or json)")
	return cmd
}
