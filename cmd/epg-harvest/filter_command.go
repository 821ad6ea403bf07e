package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/snapetech/epgharvest/internal/xmltv"
)

func newFilterCommand() *cobra.Command {
	var (
		in       string
		out      string
		channels []string
	)
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Keep only the given channels of an XMLTV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" {
				return fmt.Errorf("--in is required")
			}
			if len(channels) == 0 {
				return fmt.Errorf("--channels is required")
			}
			keep := make(map[string]bool, len(channels))
			for _, c := range channels {
				keep[c] = true
			}
			st, err := filterFile(in, out, cmd.OutOrStdout(), keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "kept %d channels, %d programmes (%d dropped)\n", st.Channels, st.Programmes, st.Dropped)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "Input XMLTV file")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Output file, - for stdout")
	cmd.Flags().StringSliceVar(&channels, "channels", nil, "Channel ids to keep")
	return cmd
}

func filterFile(in, out string, stdout io.Writer, keep map[string]bool) (xmltv.FilterStats, error) {
	src, err := os.Open(in)
	if err != nil {
		return xmltv.FilterStats{}, err
	}
	defer src.Close()

	if out == "" || out == "-" {
		return xmltv.Filter(stdout, src, keep)
	}
	pf, err := renameio.NewPendingFile(out, renameio.WithPermissions(0o644))
	if err != nil {
		return xmltv.FilterStats{}, err
	}
	defer pf.Cleanup()
	st, err := xmltv.Filter(pf, src, keep)
	if err != nil {
		return st, err
	}
	return st, pf.CloseAtomicallyReplace()
}
