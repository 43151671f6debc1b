package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentstack/agentstack/internal/config"
	"github.com/agentstack/agentstack/internal/gateway"
	"github.com/agentstack/agentstack/internal/store/pg"
)

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project management",
	}
	cmd.AddCommand(projectCreateCmd())
	cmd.AddCommand(projectDeleteCmd())
	return cmd
}

func projectCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project and print its API key (shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Database.PostgresDSN == "" {
				return fmt.Errorf("AGENTSTACK_POSTGRES_DSN environment variable is not set")
			}

			apiKey, err := gateway.GenerateKey()
			if err != nil {
				return err
			}
			hash, err := gateway.HashKey(apiKey)
			if err != nil {
				return err
			}

			db, err := pg.Open(cfg.Database.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			projects := pg.NewPGProjectStore(db)
			id, err := projects.CreateProject(ctx, args[0], hash)
			if err != nil {
				return err
			}

			fmt.Printf("project created\n")
			fmt.Printf("  id:      %s\n", id)
			fmt.Printf("  name:    %s\n", args[0])
			fmt.Printf("  api key: %s\n", apiKey)
			fmt.Println()
			fmt.Println("Store the API key now; only its hash is kept.")
			return nil
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Database.PostgresDSN == "" {
				return fmt.Errorf("AGENTSTACK_POSTGRES_DSN environment variable is not set")
			}

			db, err := pg.Open(cfg.Database.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			projects := pg.NewPGProjectStore(db)
			if err := projects.DeleteProject(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("project deleted")
			return nil
		},
	}
}
