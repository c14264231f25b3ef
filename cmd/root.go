// Package cmd the esmgraph command line
package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/shiroyk/esmgraph/lib/config"
	"github.com/shiroyk/esmgraph/lib/logger"
	"github.com/spf13/cobra"
)

var (
	configArg   string
	logLevelArg string
)

var rootCmd = &cobra.Command{
	Use:           "esmgraph",
	Short:         "esmgraph loads, links and evaluates ES module graphs.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.ReadConfig(configArg)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevelArg
		}
		log, err := logger.New(cmd.ErrOrStderr(), cfg.Log.Level)
		if err != nil {
			return err
		}
		slog.SetDefault(log)
		cmd.SetContext(config.NewContext(cmd.Context(), cfg))
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configArg, "config", "", "config file path (default esmgraph.yaml in the working or the config directory)")
	rootCmd.PersistentFlags().StringVar(&logLevelArg, "log-level", "info", "log level: debug, info, warn, error")
}

// Execute main command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Default().Error("esmgraph failed", "error", err)
		os.Exit(1)
	}
}
