// Package threat records detected threats, publishes them for live
// subscribers and hands them to alerting.
package threat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/metrics"
	redisstore "github.com/civicgov/civicguard/internal/store/redis"
)

// Publisher broadcasts raw payloads on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Dispatcher forwards threats to alert sinks.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *domain.Threat) error
}

// ResolveNotifier is implemented by sinks that want to hear about resolution.
type ResolveNotifier interface {
	AlertResolved(ctx context.Context, t *domain.Threat) error
}

const dedupePrefix = "threat:dedupe:"

type Registry struct {
	repo       domain.ThreatRepository
	publisher  Publisher
	dispatcher Dispatcher
	resolvers  []ResolveNotifier
	now        func() time.Time

	dedupe       domain.KeyedStore
	dedupeWindow time.Duration
}

type Option func(*Registry)

func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

func WithDispatcher(d Dispatcher) Option {
	return func(r *Registry) { r.dispatcher = d }
}

func WithResolveNotifier(n ResolveNotifier) Option {
	return func(r *Registry) { r.resolvers = append(r.resolvers, n) }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithDedupe folds repeat detections of the same type, source and target
// into the first one for window, or until it is resolved. A zero window
// disables it.
func WithDedupe(store domain.KeyedStore, window time.Duration) Option {
	return func(r *Registry) {
		if window > 0 {
			r.dedupe, r.dedupeWindow = store, window
		}
	}
}

func dedupeKey(t *domain.Threat) string {
	return dedupePrefix + string(t.Type) + ":" + t.Source + ":" + t.Target
}

func NewRegistry(repo domain.ThreatRepository, opts ...Option) *Registry {
	r := &Registry{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists t, then publishes and dispatches it. Only persistence
// failures are returned; delivery failures are logged. With WithDedupe, a
// repeat of an active threat is dropped and t.ID is set to the active id.
func (r *Registry) Record(ctx context.Context, t *domain.Threat) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.DetectedAt.IsZero() {
		t.DetectedAt = r.now()
	}
	if t.Status == "" {
		t.Status = domain.ThreatStatusActive
	}
	if active, ok := r.claim(ctx, t); !ok {
		// Repeats are neither stored nor delivered.
		t.ID = active
		metrics.ThreatsSuppressedTotal.WithLabelValues(string(t.Type)).Inc()
		return nil
	}
	if err := r.repo.Record(ctx, t); err != nil {
		return fmt.Errorf("threat.Registry.Record: %w", err)
	}
	metrics.ThreatsTotal.WithLabelValues(string(t.Type), string(t.Level)).Inc()

	logger := log.With().Str("threat_id", t.ID.String()).Str("type", string(t.Type)).Logger()

	if r.publisher != nil {
		if payload, err := json.Marshal(t); err != nil {
			logger.Error().Err(err).Msg("threat: marshal for publish")
		} else {
			for _, ch := range []string{redisstore.ThreatsChannel, redisstore.LevelChannel(string(t.Level))} {
				if err := r.publisher.Publish(ctx, ch, payload); err != nil {
					logger.Warn().Err(err).Str("channel", ch).Msg("threat: publish failed")
				}
			}
		}
	}

	if r.dispatcher != nil {
		if err := r.dispatcher.Dispatch(ctx, t); err != nil {
			logger.Warn().Err(err).Msg("threat: alert dispatch failed")
		}
	}
	return nil
}

// claim reserves the dedupe key for t. It reports false with the id of the
// threat already holding the key. Store errors let t through.
func (r *Registry) claim(ctx context.Context, t *domain.Threat) (uuid.UUID, bool) {
	if r.dedupe == nil {
		return uuid.Nil, true
	}
	key := dedupeKey(t)
	var active uuid.UUID
	err := r.dedupe.Atomic(ctx, []string{key}, func(rd domain.KeyReader, b domain.Batch) error {
		v, err := rd.Get(ctx, key)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			active = uuid.Nil
			b.Set(key, t.ID.String(), r.dedupeWindow)
			return nil
		case err != nil:
			return err
		}
		active, err = uuid.Parse(v)
		if err != nil {
			// Unreadable marker: replace it.
			active = uuid.Nil
			b.Set(key, t.ID.String(), r.dedupeWindow)
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("type", string(t.Type)).Msg("threat: dedupe check failed, recording")
		return uuid.Nil, true
	}
	return active, active == uuid.Nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*domain.Threat, error) {
	t, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("threat.Registry.Get: %w", err)
	}
	return t, nil
}

func (r *Registry) ListActive(ctx context.Context, limit int) ([]*domain.Threat, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	ts, err := r.repo.ListActive(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("threat.Registry.ListActive: %w", err)
	}
	return ts, nil
}

// Resolve marks a threat resolved. Resolving twice is a no-op.
func (r *Registry) Resolve(ctx context.Context, id uuid.UUID) (*domain.Threat, error) {
	if err := r.repo.Resolve(ctx, id, r.now()); err != nil {
		return nil, fmt.Errorf("threat.Registry.Resolve: %w", err)
	}
	t, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("threat.Registry.Resolve: %w", err)
	}
	if r.dedupe != nil {
		// A new detection after resolution is a new threat.
		if _, err := r.dedupe.Del(ctx, dedupeKey(t)); err != nil {
			log.Warn().Err(err).Str("threat_id", id.String()).Msg("threat: dedupe release failed")
		}
	}
	for _, n := range r.resolvers {
		if err := n.AlertResolved(ctx, t); err != nil {
			log.Warn().Err(err).Str("threat_id", id.String()).Msg("threat: resolve notification failed")
		}
	}
	return t, nil
}
