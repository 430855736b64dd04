// Constellation command line
// Runs find queries against graphs and serves them over gRPC
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nainya/constellation/internal/config"
	"github.com/nainya/constellation/internal/logger"
)

const (
	Version = "0.1.0"
	appName = "constellation"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand
type app struct {
	configPath string
	logLevel   string
	pretty     bool

	cfg *config.Config
	log *logger.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Find elements of attributed graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Constellation loads attributed graphs from YAML/JSON descriptions or Neo4j
and finds vertices and transactions by free-text or rule-based queries.

Queries can run once from the command line or be served over gRPC, with
saved query states and named search history kept in SQLite.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&a.pretty, "pretty", false, "Human-readable console logs")

	cmd.AddCommand(
		a.quickCmd(),
		a.advancedCmd(),
		a.serveCmd(),
		a.searchesCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)

	return cmd
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.pretty {
		cfg.Log.Pretty = true
	}
	a.cfg = cfg

	logger.InitGlobalLogger(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})
	a.log = logger.GetGlobalLogger()
	return nil
}
