package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civicgov/civicguard/internal/domain"
)

type ThreatRepo struct {
	pool *pgxpool.Pool
}

func NewThreatRepo(pool *pgxpool.Pool) *ThreatRepo {
	return &ThreatRepo{pool: pool}
}

func (r *ThreatRepo) Record(ctx context.Context, t *domain.Threat) error {
	indicators, err := json.Marshal(t.Indicators)
	if err != nil {
		return fmt.Errorf("threatRepo.Record: marshal indicators: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO threats (id, type, level, source, target, detected_at, indicators, status, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Type, t.Level, t.Source, t.Target,
		t.DetectedAt, indicators, t.Status, t.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("threatRepo.Record: %w", err)
	}

	return nil
}

func (r *ThreatRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Threat, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, type, level, source, target, detected_at, indicators, status, resolved_at
		 FROM threats WHERE id = $1`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("threatRepo.GetByID: %w", err)
	}
	defer rows.Close()

	threats, err := scanThreats(rows, "threatRepo.GetByID")
	if err != nil {
		return nil, err
	}
	if len(threats) == 0 {
		return nil, fmt.Errorf("threatRepo.GetByID: %w", domain.ErrNotFound)
	}

	return threats[0], nil
}

func (r *ThreatRepo) ListActive(ctx context.Context, limit int) ([]*domain.Threat, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, type, level, source, target, detected_at, indicators, status, resolved_at
		 FROM threats WHERE status = $1
		 ORDER BY detected_at DESC
		 LIMIT $2`,
		domain.ThreatStatusActive, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("threatRepo.ListActive: %w", err)
	}
	defer rows.Close()

	return scanThreats(rows, "threatRepo.ListActive")
}

func (r *ThreatRepo) Resolve(ctx context.Context, id uuid.UUID, at time.Time) error {
	var status domain.ThreatStatus
	err := r.pool.QueryRow(ctx,
		`UPDATE threats
		 SET status = $2, resolved_at = COALESCE(resolved_at, $3)
		 WHERE id = $1
		 RETURNING status`,
		id, domain.ThreatStatusResolved, at,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("threatRepo.Resolve: %w", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("threatRepo.Resolve: %w", err)
	}

	return nil
}

func scanThreats(rows pgx.Rows, caller string) ([]*domain.Threat, error) {
	var threats []*domain.Threat
	for rows.Next() {
		var t domain.Threat
		var indicators []byte

		if err := rows.Scan(
			&t.ID, &t.Type, &t.Level, &t.Source, &t.Target,
			&t.DetectedAt, &indicators, &t.Status, &t.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		if err := json.Unmarshal(indicators, &t.Indicators); err != nil {
			return nil, fmt.Errorf("%s: unmarshal indicators: %w", caller, err)
		}
		threats = append(threats, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}

	return threats, nil
}
