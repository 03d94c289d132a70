package audit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/hashing"
	"github.com/civicgov/civicguard/internal/metrics"
)

// ChainHash computes the hash of an entry from its canonical content, its
// timestamp and the previous hash. Details are not covered.
func ChainHash(e *domain.AuditLogEntry) string {
	content := map[string]string{
		"actor_id":      e.ActorID,
		"action":        e.Action,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"ip_address":    e.IPAddress,
		"outcome":       string(e.Outcome),
	}
	// map[string]string always encodes.
	canonical, _ := hashing.CanonicalJSON(content)
	ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
	return hashing.Hash(canonical, []byte(ts), []byte(e.PreviousHash))
}

// VerifyEntries checks a slice of entries ordered by sequence. Each entry's
// stored hash must match its recomputed hash; when the predecessor with the
// immediately preceding sequence is also present, the previous hash must
// link to it.
func VerifyEntries(entries []*domain.AuditLogEntry) domain.VerifyReport {
	report := domain.VerifyReport{Total: len(entries)}
	var prev *domain.AuditLogEntry
	for _, e := range entries {
		ok := ChainHash(e) == e.Hash
		if ok && prev != nil && prev.Sequence+1 == e.Sequence && e.PreviousHash != prev.Hash {
			ok = false
		}
		if ok {
			report.Verified++
			report.LastHash = e.Hash
		} else {
			report.Invalid++
			report.InvalidIDs = append(report.InvalidIDs, e.ID)
		}
		prev = e
	}
	return report
}

// Verify walks the chain between sequence numbers from and to (inclusive; zero
// means unbounded) and recomputes every hash. Entries removed by retention
// are skipped.
func (l *Ledger) Verify(ctx context.Context, from, to int64) (domain.VerifyReport, error) {
	minScore, maxScore := math.Inf(-1), math.Inf(1)
	if from > 0 {
		minScore = float64(from)
	}
	if to > 0 {
		maxScore = float64(to)
	}

	var entries []*domain.AuditLogEntry
	cursor := minScore
	for {
		members, err := l.store.ZRangeByScore(ctx, seqIndexKey, cursor, maxScore, scanChunk)
		if err != nil {
			return domain.VerifyReport{}, fmt.Errorf("audit.Ledger.Verify: %w", err)
		}
		for _, m := range members {
			id, err := uuid.Parse(m.Member)
			if err != nil {
				continue
			}
			e, err := l.Get(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return domain.VerifyReport{}, fmt.Errorf("audit.Ledger.Verify: %w", err)
			}
			entries = append(entries, e)
		}
		if len(members) < scanChunk {
			break
		}
		cursor = members[len(members)-1].Score + 1
	}

	report := VerifyEntries(entries)
	if report.Invalid > 0 {
		metrics.AuditVerifyInvalidTotal.Add(float64(report.Invalid))
		log.Warn().
			Int("invalid", report.Invalid).
			Int("total", report.Total).
			Msg("audit: chain verification found invalid entries")
	}
	return report, nil
}

// Query returns entries matching every non-zero field of filter, newest
// first. The most selective index drives the scan and the remaining fields
// are checked per entry.
func (l *Ledger) Query(ctx context.Context, filter domain.AuditFilter, page domain.Page) ([]*domain.AuditLogEntry, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset := max(page.Offset, 0)

	minScore, maxScore := math.Inf(-1), math.Inf(1)
	if !filter.From.IsZero() {
		minScore = scoreOf(filter.From)
	}
	if !filter.To.IsZero() {
		maxScore = scoreOf(filter.To)
	}

	key := selectIndex(filter)
	out := make([]*domain.AuditLogEntry, 0, limit)
	skipped := 0
	var pos int64
	for {
		members, err := l.store.ZRevRangeByScore(ctx, key, minScore, maxScore, pos, scanChunk)
		if err != nil {
			return nil, fmt.Errorf("audit.Ledger.Query: %w", err)
		}
		for _, m := range members {
			id, err := uuid.Parse(m.Member)
			if err != nil {
				continue
			}
			e, err := l.Get(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("audit.Ledger.Query: %w", err)
			}
			if !matches(e, filter) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				return out, nil
			}
		}
		if len(members) < scanChunk {
			return out, nil
		}
		pos += int64(len(members))
	}
}

func selectIndex(f domain.AuditFilter) string {
	switch {
	case f.ActorID != "":
		return indexKey("actor", f.ActorID)
	case f.Action != "":
		return indexKey("action", f.Action)
	case f.ResourceType != "":
		return indexKey("rtype", f.ResourceType)
	case f.IPAddress != "":
		return indexKey("ip", f.IPAddress)
	default:
		return timeIndexKey
	}
}

func matches(e *domain.AuditLogEntry, f domain.AuditFilter) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.IPAddress != "" && e.IPAddress != f.IPAddress {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
