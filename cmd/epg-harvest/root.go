package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/snapetech/epgharvest/internal/config"
	"github.com/snapetech/epgharvest/internal/log"
)

type commandContext struct {
	configFlag *string
	envFile    *string
	logLevel   *string
	logFormat  *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if err := config.LoadEnvFile(strings.TrimSpace(*c.envFile)); err != nil {
			c.configErr = err
			return
		}
		cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if *c.logLevel != "" {
			cfg.LogLevel = *c.logLevel
		}
		if *c.logFormat != "" {
			cfg.LogFormat = *c.logFormat
		}
		log.Reconfigure(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
		c.config = cfg
	})
	return c.config, c.configErr
}

func newRootCommand() *cobra.Command {
	var configFlag, envFile, logLevel, logFormat string
	ctx := &commandContext{configFlag: &configFlag, envFile: &envFile, logLevel: &logLevel, logFormat: &logFormat}

	rootCmd := &cobra.Command{
		Use:           "epg-harvest",
		Short:         "Harvest a TV guide backend into XMLTV",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFlag, "config", "c", "", "YAML configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "KEY=value file loaded into the environment before the config")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "Log format (json, console)")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newResolveCommand(ctx))
	rootCmd.AddCommand(newSessionCommand(ctx))
	rootCmd.AddCommand(newReplayCommand(ctx))
	rootCmd.AddCommand(newFilterCommand())
	rootCmd.AddCommand(newCheckCommand(ctx))
	return rootCmd
}
