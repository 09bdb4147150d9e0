package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"streamguard/internal/bus"
	"streamguard/internal/cache"
	"streamguard/internal/resilience"
	"streamguard/risk"
)

func newKillSwitchCmd(configPath *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:       "killswitch on|off",
		Short:     "Publish a kill-switch command to running instances",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var action string
			switch args[0] {
			case "on":
				action = risk.CommandKillSwitchOn
			case "off":
				action = risk.CommandKillSwitchOff
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Bus.Backend != "redis" {
				return errors.New("killswitch needs bus.backend=redis to reach a running instance")
			}

			client := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			defer client.Close()
			b := bus.NewRedisBus(client, resilience.NewCircuitBreaker("event_bus", cfg.CircuitBreaker.BreakerConfig()), cfg.Bus.History)

			env, err := risk.NewCommand(action, risk.Command{Reason: reason}, time.Now())
			if err != nil {
				return err
			}
			if !b.Publish(cmd.Context(), cfg.Risk.ControlChannel, env) {
				return fmt.Errorf("failed to publish %s on %s", action, cfg.Risk.ControlChannel)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s on %s\n", action, cfg.Risk.ControlChannel)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded with the command")
	return cmd
}
