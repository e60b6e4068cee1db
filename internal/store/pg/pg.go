// Package pg is the Postgres driver for the canonical store, built on
// pgxpool. Row data and cell values travel as JSONB.
package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/gridsync/gridsync/internal/store"
)

// Store implements store.Store against a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open creates a connection pool, verifies connectivity, and prepares
// the schema.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return s, nil
}

// NewWithPool wraps an existing pool (tests, shared pools). The schema
// must already exist.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_record (
			table_id   TEXT        NOT NULL,
			row_id     TEXT        NOT NULL,
			data       JSONB       NOT NULL DEFAULT '{}'::jsonb,
			version    BIGINT      NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted    BOOLEAN     NOT NULL DEFAULT FALSE,
			PRIMARY KEY (table_id, row_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_change (
			id        TEXT        PRIMARY KEY,
			user_id   TEXT        NOT NULL,
			device_id TEXT        NOT NULL,
			table_id  TEXT        NOT NULL,
			row_id    TEXT        NOT NULL,
			operation TEXT        NOT NULL,
			changes   JSONB,
			version   BIGINT      NOT NULL,
			ts        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sync_change_ts_idx ON sync_change (ts, id)`,
		`CREATE INDEX IF NOT EXISTS sync_change_table_idx ON sync_change (table_id, ts)`,
		`CREATE TABLE IF NOT EXISTS sync_conflict (
			id            TEXT        PRIMARY KEY,
			user_id       TEXT        NOT NULL,
			device_id     TEXT        NOT NULL,
			table_id      TEXT        NOT NULL,
			row_id        TEXT        NOT NULL,
			col           TEXT        NOT NULL,
			conflict_type TEXT        NOT NULL,
			local_value   JSONB,
			remote_value  JSONB,
			base_value    JSONB,
			base_version  BIGINT      NOT NULL,
			local_ts      TIMESTAMPTZ NOT NULL,
			remote_ts     TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sync_conflict_user_idx ON sync_conflict (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS sync_sibling (
			seq         BIGSERIAL   PRIMARY KEY,
			table_id    TEXT        NOT NULL,
			row_id      TEXT        NOT NULL,
			col         TEXT        NOT NULL,
			value       JSONB,
			conflict_id TEXT        NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sync_sibling_cell_idx ON sync_sibling (table_id, row_id, col, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
