// Package retention applies retention policies to the audit ledger: entries
// are copied into date-partitioned archive bundles, removed once expired, and
// can be re-verified and restored from their bundles.
package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/civicgov/civicguard/internal/audit"
	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/metrics"
)

const (
	policiesKey     = "retention:policies"
	archiveDatesKey = "audit:archive:dates"
	archiveTTLKey   = "audit:archive:expiry"

	dateLayout = "2006-01-02"
)

// BundleKey returns the key of the archive bundle for a UTC date (YYYY-MM-DD).
func BundleKey(date string) string {
	return "audit:archive:" + date
}

// DefaultPolicy is used when no stored default overrides it.
func DefaultPolicy() domain.RetentionPolicy {
	return domain.RetentionPolicy{
		ID:               domain.DefaultRetentionPolicyID,
		RetentionDays:    2555,
		ArchiveEnabled:   true,
		ArchiveAfterDays: 90,
	}
}

type Config struct {
	// OpsPerSecond throttles per-entry maintenance work.
	OpsPerSecond float64
	Burst        int
}

func (c Config) withDefaults() Config {
	if c.OpsPerSecond <= 0 {
		c.OpsPerSecond = 500
	}
	if c.Burst <= 0 {
		c.Burst = 50
	}
	return c
}

// Manager runs retention over a ledger.
type Manager struct {
	store   domain.KeyedStore
	ledger  *audit.Ledger
	limiter *rate.Limiter
	now     func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store domain.KeyedStore, ledger *audit.Ledger, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		store:   store,
		ledger:  ledger,
		limiter: rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), cfg.Burst),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidatePolicy checks a policy before it is stored.
func ValidatePolicy(p *domain.RetentionPolicy) error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: policy id is required", domain.ErrInvalidPolicy)
	case p.RetentionDays < 1:
		return fmt.Errorf("%w: %s: retention_days must be at least 1", domain.ErrInvalidPolicy, p.ID)
	case p.Action != "" && p.ResourceType == "":
		return fmt.Errorf("%w: %s: action filter requires resource_type", domain.ErrInvalidPolicy, p.ID)
	case p.ID == domain.DefaultRetentionPolicyID && (p.ResourceType != "" || p.Action != ""):
		return fmt.Errorf("%w: default policy cannot carry filters", domain.ErrInvalidPolicy)
	case p.ArchiveEnabled && (p.ArchiveAfterDays < 0 || p.ArchiveAfterDays >= p.RetentionDays):
		return fmt.Errorf("%w: %s: archive_after_days must be in [0, retention_days)", domain.ErrInvalidPolicy, p.ID)
	}
	return nil
}

// SetPolicy creates or replaces a policy. The default policy may be
// replaced but not removed.
func (m *Manager) SetPolicy(ctx context.Context, p domain.RetentionPolicy) error {
	if err := ValidatePolicy(&p); err != nil {
		return fmt.Errorf("retention.Manager.SetPolicy: %w", err)
	}
	policies, err := m.Policies(ctx)
	if err != nil {
		return fmt.Errorf("retention.Manager.SetPolicy: %w", err)
	}
	for _, other := range policies {
		if other.ID != p.ID && other.ResourceType == p.ResourceType && other.Action == p.Action {
			return fmt.Errorf("retention.Manager.SetPolicy: %s overlaps %s: %w", p.ID, other.ID, domain.ErrConflict)
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("retention.Manager.SetPolicy: marshal: %w", err)
	}
	if err := m.store.HSet(ctx, policiesKey, map[string]string{p.ID: string(data)}); err != nil {
		return fmt.Errorf("retention.Manager.SetPolicy: %w", err)
	}
	return nil
}

func (m *Manager) GetPolicy(ctx context.Context, id string) (*domain.RetentionPolicy, error) {
	raw, err := m.store.HGet(ctx, policiesKey, id)
	if errors.Is(err, domain.ErrNotFound) && id == domain.DefaultRetentionPolicyID {
		p := DefaultPolicy()
		return &p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retention.Manager.GetPolicy: %w", err)
	}
	var p domain.RetentionPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("retention.Manager.GetPolicy: unmarshal %s: %w", id, err)
	}
	return &p, nil
}

func (m *Manager) DeletePolicy(ctx context.Context, id string) error {
	if id == domain.DefaultRetentionPolicyID {
		return fmt.Errorf("retention.Manager.DeletePolicy: %w", domain.ErrDefaultPolicy)
	}
	if _, err := m.store.HGet(ctx, policiesKey, id); err != nil {
		return fmt.Errorf("retention.Manager.DeletePolicy: %w", err)
	}
	if err := m.store.HDel(ctx, policiesKey, id); err != nil {
		return fmt.Errorf("retention.Manager.DeletePolicy: %w", err)
	}
	return nil
}

// Policies returns all policies sorted by id. The default is always present.
func (m *Manager) Policies(ctx context.Context) ([]domain.RetentionPolicy, error) {
	raw, err := m.store.HGetAll(ctx, policiesKey)
	if err != nil {
		return nil, fmt.Errorf("retention.Manager.Policies: %w", err)
	}
	out := make([]domain.RetentionPolicy, 0, len(raw)+1)
	if _, ok := raw[domain.DefaultRetentionPolicyID]; !ok {
		out = append(out, DefaultPolicy())
	}
	for id, data := range raw {
		var p domain.RetentionPolicy
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			log.Warn().Err(err).Str("policy", id).Msg("retention: skipping unreadable policy")
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Resolve picks the most specific policy for an entry: resource type and
// action, then resource type only, then the default.
func Resolve(policies []domain.RetentionPolicy, e *domain.AuditLogEntry) domain.RetentionPolicy {
	var byType, def *domain.RetentionPolicy
	for i := range policies {
		p := &policies[i]
		switch {
		case p.ResourceType == e.ResourceType && p.Action != "" && p.Action == e.Action:
			return *p
		case p.ResourceType == e.ResourceType && p.Action == "" && p.ResourceType != "":
			byType = p
		case p.ID == domain.DefaultRetentionPolicyID:
			def = p
		}
	}
	if byType != nil {
		return *byType
	}
	if def != nil {
		return *def
	}
	return DefaultPolicy()
}

// ArchiveLogs copies every active entry past its policy's archive age into
// the bundle for the entry's date. Per-entry failures are counted and
// processing continues.
func (m *Manager) ArchiveLogs(ctx context.Context) (domain.MaintenanceResult, error) {
	var res domain.MaintenanceResult
	policies, err := m.Policies(ctx)
	if err != nil {
		return res, fmt.Errorf("retention.Manager.ArchiveLogs: %w", err)
	}

	minAge, found := time.Duration(0), false
	for i := range policies {
		if p := &policies[i]; p.ArchiveEnabled && (!found || p.ArchiveAfter() < minAge) {
			minAge, found = p.ArchiveAfter(), true
		}
	}
	if !found {
		return res, nil
	}

	now := m.now()
	// Archived entries leave the active index, so each entry is visited once.
	ids, err := m.ledger.ActiveOlderThan(ctx, now.Add(-minAge), 0)
	if err != nil {
		return res, fmt.Errorf("retention.Manager.ArchiveLogs: %w", err)
	}

	for _, id := range ids {
		if err := m.limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("retention.Manager.ArchiveLogs: %w", err)
		}
		archived, deleted, err := m.archiveOne(ctx, id, policies, now)
		switch {
		case err != nil:
			res.Errors++
			metrics.MaintenanceEntriesTotal.WithLabelValues("archive", "error").Inc()
			log.Warn().Err(err).Str("entry_id", id.String()).Msg("retention: archive failed")
		case archived:
			res.Archived++
			metrics.MaintenanceEntriesTotal.WithLabelValues("archive", "ok").Inc()
		default:
			res.Skipped++
		}
		if deleted {
			res.Deleted++
			metrics.MaintenanceEntriesTotal.WithLabelValues("delete", "ok").Inc()
		}
	}
	return res, nil
}

func (m *Manager) archiveOne(ctx context.Context, id uuid.UUID, policies []domain.RetentionPolicy, now time.Time) (archived, deleted bool, err error) {
	e, err := m.ledger.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	p := Resolve(policies, e)
	if !p.ArchiveEnabled || now.Sub(e.Timestamp) < p.ArchiveAfter() {
		return false, false, nil
	}
	state, err := m.ledger.State(ctx, id)
	if err != nil {
		return false, false, err
	}
	if state == domain.EntryStateArchived {
		return false, false, nil
	}

	if err := m.writeToBundle(ctx, e, p.ArchiveTTL(), now); err != nil {
		return false, false, err
	}
	if err := m.ledger.MarkArchived(ctx, id); err != nil {
		return false, false, err
	}
	if p.DeleteAfterArchive {
		if err := m.ledger.Remove(ctx, e); err != nil {
			return true, false, err
		}
		return true, true, nil
	}
	return true, false, nil
}

// writeToBundle adds e to its date bundle. The bundle TTL is only ever
// extended so that a shorter policy cannot expire entries archived under a
// longer one.
func (m *Manager) writeToBundle(ctx context.Context, e *domain.AuditLogEntry, ttl time.Duration, now time.Time) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	date := e.Timestamp.UTC().Format(dateLayout)
	key := BundleKey(date)
	expiry := now.Add(ttl).UnixMilli()

	return m.store.Atomic(ctx, []string{archiveTTLKey}, func(r domain.KeyReader, b domain.Batch) error {
		fields, err := r.HGetAll(ctx, archiveTTLKey)
		if err != nil {
			return err
		}
		b.HSet(key, map[string]string{e.ID.String(): string(data)})
		if cur, _ := strconv.ParseInt(fields[date], 10, 64); expiry > cur {
			b.HSet(archiveTTLKey, map[string]string{date: strconv.FormatInt(expiry, 10)})
			b.Expire(key, ttl)
		}
		b.ZAdd(archiveDatesKey, domain.ScoredMember{Member: date, Score: float64(dayNumber(e.Timestamp))})
		return nil
	})
}

func dayNumber(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}

// DeleteExpiredLogs removes entries older than their policy's retention.
func (m *Manager) DeleteExpiredLogs(ctx context.Context) (domain.MaintenanceResult, error) {
	var res domain.MaintenanceResult
	policies, err := m.Policies(ctx)
	if err != nil {
		return res, fmt.Errorf("retention.Manager.DeleteExpiredLogs: %w", err)
	}
	minRetention := policies[0].Retention()
	for i := range policies {
		minRetention = min(minRetention, policies[i].Retention())
	}

	now := m.now()
	ids, err := m.ledger.OlderThan(ctx, now.Add(-minRetention), 0)
	if err != nil {
		return res, fmt.Errorf("retention.Manager.DeleteExpiredLogs: %w", err)
	}

	for _, id := range ids {
		if err := m.limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("retention.Manager.DeleteExpiredLogs: %w", err)
		}
		deleted, err := m.deleteOne(ctx, id, policies, now)
		switch {
		case err != nil:
			res.Errors++
			metrics.MaintenanceEntriesTotal.WithLabelValues("delete", "error").Inc()
			log.Warn().Err(err).Str("entry_id", id.String()).Msg("retention: delete failed")
		case deleted:
			res.Deleted++
			metrics.MaintenanceEntriesTotal.WithLabelValues("delete", "ok").Inc()
		default:
			res.Skipped++
		}
	}
	return res, nil
}

func (m *Manager) deleteOne(ctx context.Context, id uuid.UUID, policies []domain.RetentionPolicy, now time.Time) (bool, error) {
	e, err := m.ledger.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p := Resolve(policies, e)
	if now.Sub(e.Timestamp) < p.Retention() {
		return false, nil
	}
	if err := m.ledger.Remove(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// RunMaintenance archives and then deletes, returning the combined counts.
func (m *Manager) RunMaintenance(ctx context.Context) (domain.MaintenanceResult, error) {
	start := m.now()
	archived, err := m.ArchiveLogs(ctx)
	if err != nil {
		return archived, fmt.Errorf("retention.Manager.RunMaintenance: %w", err)
	}
	deleted, err := m.DeleteExpiredLogs(ctx)
	total := domain.MaintenanceResult{
		Archived: archived.Archived,
		Deleted:  archived.Deleted + deleted.Deleted,
		Skipped:  archived.Skipped + deleted.Skipped,
		Errors:   archived.Errors + deleted.Errors,
	}
	if err != nil {
		return total, fmt.Errorf("retention.Manager.RunMaintenance: %w", err)
	}
	log.Info().
		Int("archived", total.Archived).
		Int("deleted", total.Deleted).
		Int("errors", total.Errors).
		Dur("took", m.now().Sub(start)).
		Msg("retention: maintenance complete")
	return total, nil
}
