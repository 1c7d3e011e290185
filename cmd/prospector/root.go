package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/manthysbr/prospector/internal/config"
)

const cliExecutable = "prospector"

// app is the state shared by every subcommand once the root pre-run has
// loaded the configuration.
type app struct {
	configFile string
	logLevel   string
	overrides  map[string]any

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{overrides: map[string]any{}}

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Prospector runs long-lived lead generation jobs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.logLevel != "" {
				a.overrides["log.level"] = a.logLevel
			}
			cfg, err := config.Load(a.configFile, a.overrides)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			a.cfg = cfg
			a.logger = config.NewLogger(cfg.Log, os.Stdout)
			return nil
		},
	}
	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Configuration file path (YAML)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newCleanupCommand(a))
	return cmd
}
