package retention

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/audit"
	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/metrics"
)

//nolint:gochecknoglobals // immutable codec modes, built once
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("retention: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("retention: cbor decoder: " + err.Error())
	}
}

func encodeEntry(e *domain.AuditLogEntry) ([]byte, error) {
	data, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*domain.AuditLogEntry, error) {
	var e domain.AuditLogEntry
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}

func validDate(date string) error {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return fmt.Errorf("%w: archive date %q", domain.ErrInvalidInput, date)
	}
	return nil
}

// Bundle loads the archive bundle for date with entries in sequence order.
// Undecodable members are returned in bad.
func (m *Manager) Bundle(ctx context.Context, date string) (bundle *domain.ArchiveBundle, bad int, err error) {
	if err := validDate(date); err != nil {
		return nil, 0, fmt.Errorf("retention.Manager.Bundle: %w", err)
	}
	raw, err := m.store.HGetAll(ctx, BundleKey(date))
	if err != nil {
		return nil, 0, fmt.Errorf("retention.Manager.Bundle: %w", err)
	}
	if len(raw) == 0 {
		return nil, 0, fmt.Errorf("retention.Manager.Bundle: %s: %w", date, domain.ErrNotFound)
	}

	bundle = &domain.ArchiveBundle{Date: date, Entries: make([]*domain.AuditLogEntry, 0, len(raw))}
	for id, data := range raw {
		e, err := decodeEntry([]byte(data))
		if err != nil {
			bad++
			log.Warn().Err(err).Str("date", date).Str("entry_id", id).Msg("retention: unreadable archived entry")
			continue
		}
		bundle.Entries = append(bundle.Entries, e)
	}
	sort.Slice(bundle.Entries, func(i, j int) bool { return bundle.Entries[i].Sequence < bundle.Entries[j].Sequence })

	if expiry, err := m.store.HGet(ctx, archiveTTLKey, date); err == nil {
		if ms, err := strconv.ParseInt(expiry, 10, 64); err == nil {
			bundle.TTL = max(time.UnixMilli(ms).Sub(m.now()), 0)
		}
	}
	return bundle, bad, nil
}

// VerifyArchiveIntegrity recomputes every hash in the bundle for date.
func (m *Manager) VerifyArchiveIntegrity(ctx context.Context, date string) (domain.IntegrityReport, error) {
	bundle, bad, err := m.Bundle(ctx, date)
	if err != nil {
		return domain.IntegrityReport{}, fmt.Errorf("retention.Manager.VerifyArchiveIntegrity: %w", err)
	}
	report := audit.VerifyEntries(bundle.Entries)
	out := domain.IntegrityReport{
		Date:         date,
		ValidCount:   report.Verified,
		InvalidCount: report.Invalid + bad,
	}
	if out.InvalidCount > 0 {
		log.Warn().Str("date", date).Int("invalid", out.InvalidCount).Msg("retention: archive bundle failed verification")
	}
	return out, nil
}

// RestoreFromArchive reinstates every entry in the bundle for date into
// primary storage. Entries already present are skipped.
func (m *Manager) RestoreFromArchive(ctx context.Context, date string) (domain.RestoreResult, error) {
	bundle, bad, err := m.Bundle(ctx, date)
	if err != nil {
		return domain.RestoreResult{}, fmt.Errorf("retention.Manager.RestoreFromArchive: %w", err)
	}
	res := domain.RestoreResult{Date: date, Errors: bad}
	for _, e := range bundle.Entries {
		if err := m.limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("retention.Manager.RestoreFromArchive: %w", err)
		}
		restored, err := m.ledger.Reinstate(ctx, e)
		switch {
		case err != nil:
			res.Errors++
			metrics.MaintenanceEntriesTotal.WithLabelValues("restore", "error").Inc()
			log.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("retention: restore failed")
		case restored:
			res.Restored++
			metrics.MaintenanceEntriesTotal.WithLabelValues("restore", "ok").Inc()
		default:
			res.Skipped++
		}
	}
	log.Info().Str("date", date).Int("restored", res.Restored).Int("skipped", res.Skipped).Msg("retention: restore complete")
	return res, nil
}

// ListArchives returns the dates of bundles that still exist, oldest first.
func (m *Manager) ListArchives(ctx context.Context) ([]string, error) {
	members, err := m.store.ZRevRangeByScore(ctx, archiveDatesKey, math.Inf(-1), math.Inf(1), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("retention.Manager.ListArchives: %w", err)
	}
	dates := make([]string, 0, len(members))
	var stale []string
	for i := len(members) - 1; i >= 0; i-- {
		date := members[i].Member
		ok, err := m.store.Exists(ctx, BundleKey(date))
		if err != nil {
			return nil, fmt.Errorf("retention.Manager.ListArchives: %w", err)
		}
		if !ok {
			stale = append(stale, date)
			continue
		}
		dates = append(dates, date)
	}
	if len(stale) > 0 {
		err := m.store.Batch(ctx, func(b domain.Batch) error {
			b.ZRem(archiveDatesKey, stale...)
			b.HDel(archiveTTLKey, stale...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("retention.Manager.ListArchives: %w", err)
		}
	}
	return dates, nil
}

// ExportBundle writes the bundle for date to w as a zstd-compressed CBOR
// document.
func (m *Manager) ExportBundle(ctx context.Context, date string, w io.Writer) (int, error) {
	bundle, _, err := m.Bundle(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("retention.Manager.ExportBundle: %w", err)
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("retention.Manager.ExportBundle: zstd: %w", err)
	}
	if err := encMode.NewEncoder(zw).Encode(bundle); err != nil {
		_ = zw.Close()
		return 0, fmt.Errorf("retention.Manager.ExportBundle: encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("retention.Manager.ExportBundle: zstd: %w", err)
	}
	return len(bundle.Entries), nil
}

// ImportBundle reads a bundle written by ExportBundle and merges its entries
// into the archive for its date. Entries are stored unchanged; run
// VerifyArchiveIntegrity afterwards to check them.
func (m *Manager) ImportBundle(ctx context.Context, r io.Reader) (*domain.ArchiveBundle, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("retention.Manager.ImportBundle: zstd: %w", err)
	}
	defer zr.Close()

	var bundle domain.ArchiveBundle
	if err := decMode.NewDecoder(zr).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("retention.Manager.ImportBundle: decode: %w: %w", domain.ErrInvalidInput, err)
	}
	if err := validDate(bundle.Date); err != nil {
		return nil, fmt.Errorf("retention.Manager.ImportBundle: %w", err)
	}
	if len(bundle.Entries) == 0 {
		return nil, fmt.Errorf("retention.Manager.ImportBundle: %w: empty bundle", domain.ErrInvalidInput)
	}

	ttl := bundle.TTL
	if ttl <= 0 {
		p := DefaultPolicy()
		ttl = p.ArchiveTTL()
	}
	now := m.now()
	for _, e := range bundle.Entries {
		if e == nil {
			continue
		}
		if err := m.writeToBundle(ctx, e, ttl, now); err != nil {
			return nil, fmt.Errorf("retention.Manager.ImportBundle: %w", err)
		}
	}
	return &bundle, nil
}
