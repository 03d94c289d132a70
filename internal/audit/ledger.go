// Package audit implements the append-only, hash-chained audit ledger.
//
// Every entry embeds the hash of its predecessor. The chain head (sequence and
// last hash) is read and advanced inside the same optimistic transaction that
// writes the entry, so concurrent writers always observe a single monotonic
// sequence.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/metrics"
)

const (
	headKey      = "audit:head"
	stateKey     = "audit:state"
	timeIndexKey = "audit:idx:time"
	seqIndexKey  = "audit:idx:seq"

	// activeIndexKey holds only entries not yet archived, scored by time.
	activeIndexKey = "audit:idx:active"

	defaultPageLimit = 50
	maxPageLimit     = 1000
	scanChunk        = 256
)

// EntryKey returns the primary storage key of an entry.
func EntryKey(id uuid.UUID) string {
	return "audit:entry:" + id.String()
}

func indexKey(kind, value string) string {
	return "audit:idx:" + kind + ":" + value
}

// Ledger is the audit ledger over a KeyedStore.
type Ledger struct {
	store domain.KeyedStore
	now   func() time.Time
}

type Option func(*Ledger)

// WithClock overrides the time source used for entries without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store domain.KeyedStore, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Head is the current tip of the chain.
type Head struct {
	Sequence int64
	Hash     string
}

// Append finalizes and stores entry. ID and timestamp are assigned when absent;
// sequence, previous hash and hash are always computed here.
func (l *Ledger) Append(ctx context.Context, entry *domain.AuditLogEntry) (*domain.AuditLogEntry, error) {
	if err := validate(entry); err != nil {
		return nil, fmt.Errorf("audit.Ledger.Append: %w", err)
	}

	e := *entry
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()

	err := l.store.Atomic(ctx, []string{headKey}, func(r domain.KeyReader, b domain.Batch) error {
		if _, err := r.Get(ctx, EntryKey(e.ID)); err == nil {
			return fmt.Errorf("entry %s already exists: %w", e.ID, domain.ErrConflict)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		head, err := readHead(ctx, r)
		if err != nil {
			return err
		}

		e.Sequence = head.Sequence + 1
		e.PreviousHash = head.Hash
		e.Hash = ChainHash(&e)

		data, err := json.Marshal(&e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}

		b.HSet(headKey, map[string]string{
			"seq":  strconv.FormatInt(e.Sequence, 10),
			"hash": e.Hash,
			"id":   e.ID.String(),
		})
		b.Set(EntryKey(e.ID), string(data), 0)
		b.HSet(stateKey, map[string]string{e.ID.String(): string(domain.EntryStateActive)})
		b.ZAdd(activeIndexKey, domain.ScoredMember{Member: e.ID.String(), Score: scoreOf(e.Timestamp)})
		addToIndices(b, &e)
		return nil
	})
	if err != nil {
		metrics.AuditAppendsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("audit.Ledger.Append: %w", err)
	}

	metrics.AuditAppendsTotal.WithLabelValues("ok").Inc()
	return &e, nil
}

// Correct appends a new entry that references original. The original entry is
// left untouched.
func (l *Ledger) Correct(ctx context.Context, originalID uuid.UUID, correction *domain.AuditLogEntry) (*domain.AuditLogEntry, error) {
	if _, err := l.Get(ctx, originalID); err != nil {
		return nil, fmt.Errorf("audit.Ledger.Correct: %w", err)
	}
	if correction == nil {
		return nil, fmt.Errorf("audit.Ledger.Correct: %w", domain.ErrInvalidInput)
	}
	c := *correction
	c.ID = uuid.Nil
	c.CorrectsID = &originalID
	return l.Append(ctx, &c)
}

func validate(e *domain.AuditLogEntry) error {
	switch {
	case e == nil:
		return fmt.Errorf("nil entry: %w", domain.ErrInvalidInput)
	case e.Action == "":
		return fmt.Errorf("action is required: %w", domain.ErrInvalidInput)
	case e.ResourceType == "":
		return fmt.Errorf("resource type is required: %w", domain.ErrInvalidInput)
	case !e.Outcome.Valid():
		return fmt.Errorf("unknown outcome %q: %w", e.Outcome, domain.ErrInvalidInput)
	}
	return nil
}

func readHead(ctx context.Context, r domain.KeyReader) (Head, error) {
	fields, err := r.HGetAll(ctx, headKey)
	if err != nil {
		return Head{}, err
	}
	var head Head
	if s := fields["seq"]; s != "" {
		head.Sequence, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Head{}, fmt.Errorf("corrupt chain head sequence %q: %w", s, err)
		}
	}
	head.Hash = fields["hash"]
	return head, nil
}

// Head returns the current chain tip. An empty ledger has sequence 0.
func (l *Ledger) Head(ctx context.Context) (Head, error) {
	head, err := readHead(ctx, l.store)
	if err != nil {
		return Head{}, fmt.Errorf("audit.Ledger.Head: %w", err)
	}
	return head, nil
}

func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// indexKeys lists every secondary index an entry belongs to.
func indexKeys(e *domain.AuditLogEntry) []string {
	keys := []string{timeIndexKey, indexKey("action", e.Action), indexKey("rtype", e.ResourceType)}
	if e.ActorID != "" {
		keys = append(keys, indexKey("actor", e.ActorID))
	}
	if e.IPAddress != "" {
		keys = append(keys, indexKey("ip", e.IPAddress))
	}
	return keys
}

func addToIndices(b domain.Batch, e *domain.AuditLogEntry) {
	id := e.ID.String()
	for _, key := range indexKeys(e) {
		b.ZAdd(key, domain.ScoredMember{Member: id, Score: scoreOf(e.Timestamp)})
	}
	b.ZAdd(seqIndexKey, domain.ScoredMember{Member: id, Score: float64(e.Sequence)})
}

// Get loads an entry by id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*domain.AuditLogEntry, error) {
	raw, err := l.store.Get(ctx, EntryKey(id))
	if err != nil {
		return nil, fmt.Errorf("audit.Ledger.Get: %w", err)
	}
	var e domain.AuditLogEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("audit.Ledger.Get: unmarshal: %w", err)
	}
	return &e, nil
}

// State returns the lifecycle state of a stored entry.
func (l *Ledger) State(ctx context.Context, id uuid.UUID) (domain.EntryState, error) {
	s, err := l.store.HGet(ctx, stateKey, id.String())
	if err != nil {
		return "", fmt.Errorf("audit.Ledger.State: %w", err)
	}
	return domain.EntryState(s), nil
}

// MarkArchived records that an entry has a copy in an archive bundle.
func (l *Ledger) MarkArchived(ctx context.Context, id uuid.UUID) error {
	cur, err := l.State(ctx, id)
	if err != nil {
		return fmt.Errorf("audit.Ledger.MarkArchived: %w", err)
	}
	if cur == domain.EntryStateArchived {
		return nil
	}
	if !cur.ValidTransition(domain.EntryStateArchived) {
		return fmt.Errorf("audit.Ledger.MarkArchived: %s -> archived: %w", cur, domain.ErrConflict)
	}
	err = l.store.Batch(ctx, func(b domain.Batch) error {
		b.HSet(stateKey, map[string]string{id.String(): string(domain.EntryStateArchived)})
		b.ZRem(activeIndexKey, id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("audit.Ledger.MarkArchived: %w", err)
	}
	return nil
}

// Remove deletes an entry from primary storage and every index in one batch.
func (l *Ledger) Remove(ctx context.Context, e *domain.AuditLogEntry) error {
	id := e.ID.String()
	err := l.store.Batch(ctx, func(b domain.Batch) error {
		b.Del(EntryKey(e.ID))
		for _, key := range indexKeys(e) {
			b.ZRem(key, id)
		}
		b.ZRem(seqIndexKey, id)
		b.ZRem(activeIndexKey, id)
		b.HDel(stateKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("audit.Ledger.Remove: %w", err)
	}
	return nil
}

// Reinstate stores an entry recovered from an archive together with its
// indices. It reports false when the entry is already present, which makes
// restoration idempotent per id. The stored hash is kept as-is so later
// verification still detects tampering.
func (l *Ledger) Reinstate(ctx context.Context, e *domain.AuditLogEntry) (bool, error) {
	key := EntryKey(e.ID)
	restored := false
	err := l.store.Atomic(ctx, []string{key}, func(r domain.KeyReader, b domain.Batch) error {
		restored = false
		if _, err := r.Get(ctx, key); err == nil {
			return nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		b.Set(key, string(data), 0)
		b.HSet(stateKey, map[string]string{e.ID.String(): string(domain.EntryStateArchived)})
		addToIndices(b, e)
		restored = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("audit.Ledger.Reinstate: %w", err)
	}
	return restored, nil
}

// OlderThan returns ids of entries whose timestamp is before cutoff, oldest
// first, at most limit of them. A limit of 0 returns all.
func (l *Ledger) OlderThan(ctx context.Context, cutoff time.Time, limit int64) ([]uuid.UUID, error) {
	ids, err := l.olderThan(ctx, timeIndexKey, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("audit.Ledger.OlderThan: %w", err)
	}
	return ids, nil
}

// ActiveOlderThan is OlderThan restricted to entries not yet archived.
func (l *Ledger) ActiveOlderThan(ctx context.Context, cutoff time.Time, limit int64) ([]uuid.UUID, error) {
	ids, err := l.olderThan(ctx, activeIndexKey, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("audit.Ledger.ActiveOlderThan: %w", err)
	}
	return ids, nil
}

func (l *Ledger) olderThan(ctx context.Context, index string, cutoff time.Time, limit int64) ([]uuid.UUID, error) {
	members, err := l.store.ZRangeByScore(ctx, index, math.Inf(-1), scoreOf(cutoff)-1, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m.Member)
		if err != nil {
			log.Warn().Str("member", m.Member).Msg("audit: skipping malformed time index member")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
