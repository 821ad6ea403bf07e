package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/snapetech/epgharvest/internal/catalog"
	"github.com/snapetech/epgharvest/internal/config"
	"github.com/snapetech/epgharvest/internal/log"
	"github.com/snapetech/epgharvest/internal/rawstore"
	"github.com/snapetech/epgharvest/internal/xmltv"
)

func newReplayCommand(ctx *commandContext) *cobra.Command {
	var output, snapshot string
	cmd := &cobra.Command{
		Use:   "replay [file|dir]...",
		Short: "Rebuild a guide from saved raw responses without touching the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && snapshot == "" {
				return fmt.Errorf("replay: give raw files or directories, or --catalog")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if output == "" {
				output = cfg.OutputPath
			}
			st, err := replay(cfg, snapshot, args, output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d programmes from %d channels written to %s\n", st.Programmes, st.Channels, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "out", "o", "", "Guide output path (default: configured output)")
	cmd.Flags().StringVar(&snapshot, "catalog", "", "Catalog snapshot written by run (catalog.json) to start from")
	return cmd
}

// replay seeds a catalog from an optional snapshot, adds the records of the
// raw payloads in paths and writes the guide.
func replay(cfg *config.Config, snapshot string, paths []string, output string) (xmltv.Stats, error) {
	lg := log.WithComponent("replay")
	files, err := rawFiles(paths)
	if err != nil {
		return xmltv.Stats{}, err
	}
	if len(files) == 0 && snapshot == "" {
		return xmltv.Stats{}, fmt.Errorf("replay: no raw files in %v", paths)
	}

	n := buildNormalizer(cfg)
	cat := catalog.New()
	if snapshot != "" {
		if err := cat.Load(snapshot); err != nil {
			return xmltv.Stats{}, err
		}
		lg.Info().Str("catalog", snapshot).Int("channels", cat.Len()).Int("programmes", cat.ProgrammeCount()).Msg("snapshot loaded")
	}
	for _, f := range files {
		p, err := rawstore.Load(f)
		if err != nil {
			return xmltv.Stats{}, err
		}
		recs := n.Normalize(p)
		lg.Debug().Str("file", f).Str("channel", p.ChannelID).Int("programmes", len(recs)).Msg("replayed")
		cat.Add(p.ChannelID, recs)
	}

	if cat.Len() == 0 {
		return xmltv.Stats{}, fmt.Errorf("replay: no programmes found")
	}
	tv, st := buildAssembler(cfg).Assemble(cat)
	if err := xmltv.Write(output, tv); err != nil {
		return st, err
	}
	return st, nil
}

// rawFiles expands directories to the raw files they hold, keeping explicit
// file arguments in order.
func rawFiles(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			out = append(out, p)
			continue
		}
		store, err := rawstore.New(p)
		if err != nil {
			return nil, err
		}
		files, err := store.List()
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
		out = append(out, files...)
	}
	return out, nil
}
