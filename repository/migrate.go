package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ApplyMigrations runs every embedded migration not yet recorded in
// schema_migrations, in file name order, one transaction per file. It
// returns the names it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB) ([]string, error) {
	return applyMigrations(ctx, db, migrationFiles)
}

// Migrate applies pending migrations to the repository's database.
func (r PostgresRepository) Migrate(ctx context.Context) ([]string, error) {
	return ApplyMigrations(ctx, r.db)
}

func applyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return nil, err
	}

	names, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var applied []string
	for _, path := range names {
		name := path[strings.LastIndex(path, "/")+1:]

		var exists bool
		err := db.QueryRowContext(
			ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename=$1)",
			name,
		).Scan(&exists)
		if err != nil {
			return applied, err
		}
		if exists {
			continue
		}

		body, err := fs.ReadFile(fsys, path)
		if err != nil {
			return applied, err
		}
		text := strings.TrimSpace(string(body))
		if text == "" {
			return applied, errors.New("empty migration: " + name)
		}

		if err := applyOne(ctx, db, name, text); err != nil {
			return applied, err
		}
		applied = append(applied, name)
	}
	return applied, nil
}

func applyOne(ctx context.Context, db *sql.DB, name, text string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, text); err != nil {
		return fmt.Errorf("migration %s failed: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations(filename) VALUES($1)", name); err != nil {
		return err
	}
	return tx.Commit()
}
