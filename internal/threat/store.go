package threat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/civicgov/civicguard/internal/domain"
)

const activeKey = "threat:active"

func threatKey(id uuid.UUID) string { return "threat:" + id.String() }

// StoreRepo keeps threats in the KeyedStore. Active threats are indexed by
// detection time; resolved threats expire after ResolvedTTL.
type StoreRepo struct {
	store       domain.KeyedStore
	resolvedTTL time.Duration
}

var _ domain.ThreatRepository = (*StoreRepo)(nil) //nolint:gochecknoglobals // compile-time check

func NewStoreRepo(store domain.KeyedStore, resolvedTTL time.Duration) *StoreRepo {
	if resolvedTTL <= 0 {
		resolvedTTL = 30 * 24 * time.Hour
	}
	return &StoreRepo{store: store, resolvedTTL: resolvedTTL}
}

func (r *StoreRepo) Record(ctx context.Context, t *domain.Threat) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("threat.StoreRepo.Record: marshal: %w", err)
	}
	err = r.store.Batch(ctx, func(b domain.Batch) error {
		b.Set(threatKey(t.ID), string(data), 0)
		if t.Status == domain.ThreatStatusActive {
			b.ZAdd(activeKey, domain.ScoredMember{Member: t.ID.String(), Score: float64(t.DetectedAt.UnixMilli())})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("threat.StoreRepo.Record: %w", err)
	}
	return nil
}

func (r *StoreRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Threat, error) {
	raw, err := r.store.Get(ctx, threatKey(id))
	if err != nil {
		return nil, fmt.Errorf("threat.StoreRepo.GetByID: %w", err)
	}
	var t domain.Threat
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("threat.StoreRepo.GetByID: unmarshal: %w", err)
	}
	return &t, nil
}

// ListActive returns active threats, newest first.
func (r *StoreRepo) ListActive(ctx context.Context, limit int) ([]*domain.Threat, error) {
	members, err := r.store.ZRevRangeByScore(ctx, activeKey, math.Inf(-1), math.Inf(1), 0, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("threat.StoreRepo.ListActive: %w", err)
	}
	out := make([]*domain.Threat, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m.Member)
		if err != nil {
			continue
		}
		t, err := r.GetByID(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("threat.StoreRepo.ListActive: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *StoreRepo) Resolve(ctx context.Context, id uuid.UUID, at time.Time) error {
	key := threatKey(id)
	err := r.store.Atomic(ctx, []string{key}, func(kr domain.KeyReader, b domain.Batch) error {
		raw, err := kr.Get(ctx, key)
		if err != nil {
			return err
		}
		var t domain.Threat
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		if t.Status == domain.ThreatStatusResolved {
			return nil
		}
		t.Status = domain.ThreatStatusResolved
		resolvedAt := at.UTC()
		t.ResolvedAt = &resolvedAt
		data, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		b.Set(key, string(data), r.resolvedTTL)
		b.ZRem(activeKey, id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("threat.StoreRepo.Resolve: %w", err)
	}
	return nil
}
