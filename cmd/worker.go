package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentstack/agentstack/internal/analytics"
	"github.com/agentstack/agentstack/internal/config"
	"github.com/agentstack/agentstack/internal/consumer"
	"github.com/agentstack/agentstack/internal/stream"
	"github.com/agentstack/agentstack/internal/workers"
	"github.com/agentstack/agentstack/internal/workers/security"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "worker [writer|cost|security]",
		Short:     "Run a stream worker",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"writer", "cost", "security"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(args[0])
		},
	}
}

func runWorker(kind string) error {
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

	store, err := analytics.Open(ctx, analytics.Options{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
	})
	if err != nil {
		return fmt.Errorf("connect clickhouse: %w", err)
	}
	defer store.Close()

	if err := store.EnsureTables(ctx); err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	var c *consumer.Consumer
	switch kind {
	case "writer":
		h := workers.NewWriter(store, cfg.Workers.WriterBatchSize)
		c = consumer.New(log, workers.WriterOptions("worker-writer-"+hostname), h)
	case "cost":
		h := workers.NewCostMeter(store, cfg.Workers.CostBatchSize)
		c = consumer.New(log, workers.CostOptions("worker-cost-"+hostname), h)
	case "security":
		h := security.NewEngine(store, log)
		c = consumer.New(log, security.EngineOptions(), h)
	default:
		return fmt.Errorf("unknown worker kind %q", kind)
	}

	slog.Info("worker starting", "kind", kind)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
