package main

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	appconfig "streamguard/config"
	"streamguard/logger"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "streamguard",
		Short: "Market-data ingestion with resilient streams and a risk gate",
		Long: `streamguard ingests exchange kline streams into batched storage and
guards trading decisions with drawdown, kill-switch, circuit-breaker and
daily-limit checks.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load environment variables from .env if present
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.GetLogger().WithError(err).Warn("error loading .env file")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", appconfig.DefaultPath, "path to configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newValidateCmd(&configPath),
		newKillSwitchCmd(&configPath),
	)
	return root
}

// loadConfig loads the file and applies its logging section.
func loadConfig(path string) (*appconfig.Config, error) {
	cfg, err := appconfig.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := logger.GetLogger().Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return nil, err
	}
	return cfg, nil
}
