package main

import (
	"fmt"

	"github.com/spf13/cobra"

	appconfig "streamguard/config"
)

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (env=%s, sink=%s, streams=%d)\n",
				appconfig.AppEnvironment(), cfg.Storage.Sink, len(cfg.Streams.Symbols)*len(cfg.Streams.Timeframes))
			return nil
		},
	}
}
