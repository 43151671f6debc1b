package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentstack/agentstack/internal/broadcast"
	"github.com/agentstack/agentstack/internal/config"
	"github.com/agentstack/agentstack/internal/stream"
)

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Run the live alert WebSocket endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard()
		},
	}
}

func runDashboard() error {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := stream.OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer log.Close()

	hub := broadcast.NewHub(cfg, log)
	if err := hub.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
