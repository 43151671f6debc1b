package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentstack/agentstack/internal/config"
	"github.com/agentstack/agentstack/internal/gateway"
	"github.com/agentstack/agentstack/internal/store"
	"github.com/agentstack/agentstack/internal/store/pg"
	"github.com/agentstack/agentstack/internal/stream"
)

func collectorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collector",
		Short: "Run the trace ingest collector",
		Run: func(cmd *cobra.Command, args []string) {
			runCollector()
		},
	}
}

func runCollector() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := stream.OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer log.Close()

	projects, err := openProjectStore(cfg)
	if err != nil {
		slog.Error("failed to open project store", "error", err)
		os.Exit(1)
	}

	// Hot-reload the origin whitelist while running.
	go func() {
		if err := config.Watch(ctx, cfgPath, cfg); err != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	srv := gateway.NewServer(cfg, log, projects)
	if err := srv.Start(ctx); err != nil {
		slog.Error("collector failed", "error", err)
		os.Exit(1)
	}
}

// openProjectStore picks Postgres when a DSN is configured, otherwise an
// in-memory store seeded from AGENTSTACK_DEV_KEY_HASH for development.
func openProjectStore(cfg *config.Config) (store.ProjectStore, error) {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		db, err := pg.Open(dsn)
		if err != nil {
			return nil, err
		}
		return pg.NewPGProjectStore(db), nil
	}

	mem := store.NewMemoryProjectStore()
	if hash := os.Getenv("AGENTSTACK_DEV_KEY_HASH"); hash != "" {
		mem.Add(store.ProjectKey{ProjectID: "dev", KeyHash: hash})
		slog.Info("using in-memory project store with dev key")
	} else {
		slog.Warn("no postgres DSN and no dev key configured; all API keys will be rejected")
	}
	return mem, nil
}
