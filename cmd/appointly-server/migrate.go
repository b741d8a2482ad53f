package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"appointly/backend/internal/store/postgres"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd.Context(), "migrate up", postgres.Migrate)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last applied migration group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd.Context(), "migrate down", postgres.Rollback)
		},
	})
	return cmd
}

func runMigration(ctx context.Context, command string, run func(context.Context, *bun.DB) ([]string, error)) error {
	cfg, log, err := loadConfig("migrate")
	if err != nil {
		return err
	}
	if err := requirePostgres(cfg, command); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{MaxOpenConns: 2})
	if err != nil {
		return err
	}
	defer func() { _ = postgres.Close(db) }()

	names, err := run(ctx, db)
	if err != nil {
		log.Error("migration failed", slog.String("command", command), slog.Any("err", err))
		return err
	}
	if len(names) == 0 {
		log.Info("no migrations to run", slog.String("command", command))
		return nil
	}
	log.Info("migrations done", slog.String("command", command), slog.Any("migrations", names))
	return nil
}
