package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"streamguard/internal/app"
	"streamguard/internal/metrics"
	"streamguard/logger"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start ingestion and the risk manager until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logger.GetLogger()
			log.WithFields(logger.Fields{
				"service": cfg.Service.Name,
				"version": cfg.Service.Version,
			}).Info("starting streamguard")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.CloudWatch.Enabled {
				metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
				defer metrics.StopCloudWatch()
			}

			a, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			go func() {
				<-ctx.Done()
				log.Info("shutdown signal received")
			}()
			return a.Run(ctx)
		},
	}
}
