package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snapetech/epgharvest/internal/session"
)

func newResolveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Run credential resolution only and print the session",
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

			r, err := buildResolver(cfg, store, false)
			if err != nil {
				return err
			}
			res, err := r.Resolve(cmd.Context())
			if err != nil {
				return err
			}
			defer res.Close()
			fmt.Fprintln(cmd.OutOrStdout(), keyValueTable(sessionRows(res.Session)))
			return nil
		},
	}
}

func sessionRows(s *session.Session) [][]string {
	names := make([]string, 0, len(s.Cookies))
	for k := range s.Cookies {
		names = append(names, k)
	}
	sort.Strings(names)
	bearer := "no"
	if s.Bearer != "" {
		bearer = "yes"
	}
	return [][]string{
		{"Source", s.Source},
		{"Cache ID", s.CacheID},
		{"Cache URL", s.CacheURL},
		{"Expires", formatTime(s.ExpiresAt)},
		{"Bearer", bearer},
		{"Cookies", strings.Join(names, ", ")},
	}
}
