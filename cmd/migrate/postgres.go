package main

import (
	"context"
	"fmt"

	pgstore "github.com/dvloznov/finance-sync/internal/store/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresTarget applies migrations/postgres to the canonical store.
// Each migration and its schema_migrations row commit together.
type postgresTarget struct {
	pool *pgxpool.Pool
}

func newPostgresTarget(ctx context.Context, databaseURL string) (*postgresTarget, error) {
	pc := pgstore.DefaultPoolConfig()
	pc.MaxConns = 2
	pc.MinConns = 0
	pool, err := pgstore.Connect(ctx, databaseURL, pc)
	if err != nil {
		return nil, err
	}
	return &postgresTarget{pool: pool}, nil
}

func (p *postgresTarget) Close() error {
	p.pool.Close()
	return nil
}

func (p *postgresTarget) EnsureSchemaMigrations(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			checksum   TEXT NOT NULL DEFAULT '',
			applied_by TEXT NOT NULL DEFAULT ''
		)`)
	return err
}

func (p *postgresTarget) Applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT version, name, applied_at, checksum, applied_by
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (AppliedMigration, error) {
		var am AppliedMigration
		err := row.Scan(&am.Version, &am.Name, &am.AppliedAt, &am.Checksum, &am.AppliedBy)
		return am, err
	})
}

func (p *postgresTarget) Apply(ctx context.Context, m Migration, appliedBy string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Without arguments Exec uses the simple protocol, which accepts
	// several statements in one string.
	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("executing: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_by) VALUES ($1, $2, $3, $4)`,
		m.Version, m.Name, m.Checksum, appliedBy,
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit(ctx)
}
