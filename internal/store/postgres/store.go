// Package postgres holds the durable threat log.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civicgov/civicguard/internal/domain"
)

type Store struct {
	pool    *pgxpool.Pool
	threats *ThreatRepo
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	return &Store{
		pool:    pool,
		threats: NewThreatRepo(pool),
	}, nil
}

// Migrate creates the tables this package needs when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres.Store.Migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Threats() domain.ThreatRepository { return s.threats }

const schema = `
CREATE TABLE IF NOT EXISTS threats (
	id          UUID PRIMARY KEY,
	type        TEXT NOT NULL,
	level       TEXT NOT NULL,
	source      TEXT NOT NULL,
	target      TEXT NOT NULL DEFAULT '',
	detected_at TIMESTAMPTZ NOT NULL,
	indicators  JSONB NOT NULL DEFAULT '[]',
	status      TEXT NOT NULL,
	resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS threats_active_idx ON threats (detected_at DESC) WHERE status = 'active';
`
