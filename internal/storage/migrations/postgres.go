package migrations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Erio-Harrison/defi-tools/internal/storage/postgres"
)

const pgLedgerTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// RunPostgresMigrations applies every account schema file not yet recorded
// in schema_migrations. Each file and its record commit in one transaction.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, log *zap.Logger) error {
	all, err := load(postgresFS, "postgres")
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgLedgerTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := pgApplied(ctx, pool)
	if err != nil {
		return err
	}

	todo := pending(all, applied)
	for _, m := range todo {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		log.Info("migration applied", zap.String("database", "postgres"), zap.String("file", m.name))
	}
	log.Debug("postgres schema current", zap.Int("applied", len(applied)+len(todo)))
	return nil
}

func pgApplied(ctx context.Context, pool *postgres.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(names))
	for _, n := range names {
		applied[n] = true
	}
	return applied, nil
}
