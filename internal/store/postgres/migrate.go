package postgres

import (
	"context"
	"embed"
	"io/fs"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	migrationsTable     = "schema_migrations"
	migrationLocksTable = "schema_migration_locks"
)

// Migrations returns the embedded schema migrations.
func Migrations() (*migrate.Migrations, error) {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}
	migs := migrate.NewMigrations()
	if err := migs.Discover(sub); err != nil {
		return nil, err
	}
	return migs, nil
}

func newMigrator(ctx context.Context, db *bun.DB) (*migrate.Migrator, error) {
	migs, err := Migrations()
	if err != nil {
		return nil, err
	}
	m := migrate.NewMigrator(db, migs,
		migrate.WithTableName(migrationsTable),
		migrate.WithLocksTableName(migrationLocksTable),
		migrate.WithMarkAppliedOnSuccess(true),
	)
	if err := m.Init(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Migrate applies every pending migration and returns the ones it applied.
func Migrate(ctx context.Context, db *bun.DB) ([]string, error) {
	return withMigrator(ctx, db, func(m *migrate.Migrator) (*migrate.MigrationGroup, error) {
		return m.Migrate(ctx)
	})
}

// Rollback reverts the most recently applied migration group.
func Rollback(ctx context.Context, db *bun.DB) ([]string, error) {
	return withMigrator(ctx, db, func(m *migrate.Migrator) (*migrate.MigrationGroup, error) {
		return m.Rollback(ctx)
	})
}

func withMigrator(ctx context.Context, db *bun.DB, run func(m *migrate.Migrator) (*migrate.MigrationGroup, error)) ([]string, error) {
	m, err := newMigrator(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := m.Lock(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = m.Unlock(context.WithoutCancel(ctx)) }()

	group, err := run(m)
	return migrationNames(group), err
}

func migrationNames(group *migrate.MigrationGroup) []string {
	if group == nil {
		return nil
	}
	names := make([]string, 0, len(group.Migrations))
	for _, mig := range group.Migrations {
		names = append(names, mig.String())
	}
	return names
}
