package retention_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgov/civicguard/internal/audit"
	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/retention"
	"github.com/civicgov/civicguard/internal/testutil"
)

var now = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // test fixture

type fixture struct {
	ledger  *audit.Ledger
	manager *retention.Manager
}

func newFixture(t *testing.T) (*fixture, *miniredis.Miniredis) {
	t.Helper()
	store, mr := testutil.NewStore(t)
	clock := func() time.Time { return now }
	ledger := audit.NewLedger(store, audit.WithClock(clock))
	return &fixture{
		ledger:  ledger,
		manager: retention.NewManager(store, ledger, retention.Config{}, retention.WithClock(clock)),
	}, mr
}

func (f *fixture) record(t *testing.T, rtype, action string, age time.Duration) *domain.AuditLogEntry {
	t.Helper()
	e, err := f.ledger.Append(context.Background(), &domain.AuditLogEntry{
		Timestamp:    now.Add(-age),
		ActorID:      "citizen-7",
		Action:       action,
		ResourceType: rtype,
		ResourceID:   "r-1",
		Outcome:      domain.OutcomeSuccess,
		IPAddress:    "192.0.2.44",
	})
	require.NoError(t, err)
	return e
}

func day(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func TestArchiveLogs_ArchivesOldEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, _ := newFixture(t)

	old := f.record(t, "bill", "view", day(100))
	young := f.record(t, "bill", "view", day(1))

	res, err := f.manager.ArchiveLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)
	assert.Zero(t, res.Deleted)
	assert.Zero(t, res.Errors)

	state, err := f.ledger.State(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStateArchived, state)
	state, err = f.ledger.State(ctx, young.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStateActive, state)

	_, err = f.ledger.Get(ctx, old.ID)
	require.NoError(t, err, "originals stay unless delete_after_archive")

	date := old.Timestamp.Format("2006-01-02")
	dates, err := f.manager.ListArchives(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{date}, dates)

	report, err := f.manager.VerifyArchiveIntegrity(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ValidCount)
	assert.Zero(t, report.InvalidCount)

	again, err := f.manager.ArchiveLogs(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Archived)
	assert.Zero(t, again.Skipped, "archived entries are not revisited")
}

func TestArchiveLogs_DeleteAfterArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, _ := newFixture(t)

	require.NoError(t, f.manager.SetPolicy(ctx, domain.RetentionPolicy{
		ID: "sessions", ResourceType: "session", RetentionDays: 30,
		ArchiveEnabled: true, ArchiveAfterDays: 7, DeleteAfterArchive: true,
	}))
	e := f.record(t, "session", "login", day(8))

	res, err := f.manager.ArchiveLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)
	assert.Equal(t, 1, res.Deleted)

	_, err = f.ledger.Get(ctx, e.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	bundle, bad, err := f.manager.Bundle(ctx, e.Timestamp.Format("2006-01-02"))
	require.NoError(t, err)
	assert.Zero(t, bad)
	require.Len(t, bundle.Entries, 1)
	assert.Equal(t, e.Hash, bundle.Entries[0].Hash)
	assert.Equal(t, day(23), bundle.TTL)
}

func TestDeleteExpiredLogs_RecoverableFromArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, _ := newFixture(t)

	require.NoError(t, f.manager.SetPolicy(ctx, domain.RetentionPolicy{
		ID: "votes", ResourceType: "vote", RetentionDays: 10,
		ArchiveEnabled: true, ArchiveAfterDays: 5,
	}))
	expired := f.record(t, "vote", "cast", day(20))
	kept := f.record(t, "vote", "cast", day(6))

	res, err := f.manager.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Archived)
	assert.Equal(t, 1, res.Deleted)
	assert.Zero(t, res.Errors)

	_, err = f.ledger.Get(ctx, expired.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.ledger.Get(ctx, kept.ID)
	require.NoError(t, err)

	page, err := f.ledger.Query(ctx, domain.AuditFilter{ResourceType: "vote"}, domain.Page{})
	require.NoError(t, err)
	require.Len(t, page, 1, "removed entries leave no index membership")

	date := expired.Timestamp.Format("2006-01-02")
	restored, err := f.manager.RestoreFromArchive(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Restored)

	got, err := f.ledger.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, expired.Hash, got.Hash)

	page, err = f.ledger.Query(ctx, domain.AuditFilter{ResourceType: "vote"}, domain.Page{})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	again, err := f.manager.RestoreFromArchive(ctx, date)
	require.NoError(t, err)
	assert.Zero(t, again.Restored)
	assert.Equal(t, 1, again.Skipped)
}

func TestVerifyArchiveIntegrity_DetectsTampering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, mr := newFixture(t)

	e := f.record(t, "bill", "amend", day(120))
	f.record(t, "bill", "amend", day(120)-time.Minute)
	_, err := f.manager.ArchiveLogs(ctx)
	require.NoError(t, err)

	date := e.Timestamp.Format("2006-01-02")
	key := retention.BundleKey(date)

	var archived domain.AuditLogEntry
	require.NoError(t, cbor.Unmarshal([]byte(mr.HGet(key, e.ID.String())), &archived))
	archived.ActorID = "someone-else"
	forged, err := cbor.Marshal(&archived)
	require.NoError(t, err)
	mr.HSet(key, e.ID.String(), string(forged))

	report, err := f.manager.VerifyArchiveIntegrity(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ValidCount)
	assert.Equal(t, 1, report.InvalidCount)

	mr.HSet(key, e.ID.String(), "not cbor")
	report, err = f.manager.VerifyArchiveIntegrity(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, 1, report.InvalidCount)
}

func TestBundle_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, _ := newFixture(t)

	_, _, err := f.manager.Bundle(ctx, "yesterday")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.manager.VerifyArchiveIntegrity(ctx, "2020-01-01")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExportImportBundle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src, _ := newFixture(t)

	e := src.record(t, "bill", "view", day(95))
	src.record(t, "bill", "view", day(95)-time.Second)
	_, err := src.manager.ArchiveLogs(ctx)
	require.NoError(t, err)

	date := e.Timestamp.Format("2006-01-02")
	var buf bytes.Buffer
	n, err := src.manager.ExportBundle(ctx, date, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dst, _ := newFixture(t)
	bundle, err := dst.manager.ImportBundle(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, date, bundle.Date)
	assert.Len(t, bundle.Entries, 2)

	report, err := dst.manager.VerifyArchiveIntegrity(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ValidCount)
	assert.Zero(t, report.InvalidCount)

	_, err = dst.manager.ImportBundle(ctx, bytes.NewReader([]byte("garbage")))
	require.Error(t, err)
}

func TestPolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, _ := newFixture(t)

	err := f.manager.DeletePolicy(ctx, domain.DefaultRetentionPolicyID)
	require.ErrorIs(t, err, domain.ErrDefaultPolicy)

	def, err := f.manager.GetPolicy(ctx, domain.DefaultRetentionPolicyID)
	require.NoError(t, err)
	assert.Equal(t, retention.DefaultPolicy(), *def)

	require.NoError(t, f.manager.SetPolicy(ctx, domain.RetentionPolicy{ID: "bills", ResourceType: "bill", RetentionDays: 365}))
	err = f.manager.SetPolicy(ctx, domain.RetentionPolicy{ID: "bills-2", ResourceType: "bill", RetentionDays: 30})
	require.ErrorIs(t, err, domain.ErrConflict)

	policies, err := f.manager.Policies(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "bills", policies[0].ID)
	assert.Equal(t, domain.DefaultRetentionPolicyID, policies[1].ID)

	require.NoError(t, f.manager.DeletePolicy(ctx, "bills"))
	err = f.manager.DeletePolicy(ctx, "bills")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestValidatePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    domain.RetentionPolicy
	}{
		{"no id", domain.RetentionPolicy{RetentionDays: 1}},
		{"zero retention", domain.RetentionPolicy{ID: "x"}},
		{"action without type", domain.RetentionPolicy{ID: "x", Action: "login", RetentionDays: 5}},
		{"archive after retention", domain.RetentionPolicy{ID: "x", RetentionDays: 5, ArchiveEnabled: true, ArchiveAfterDays: 5}},
		{"filtered default", domain.RetentionPolicy{ID: domain.DefaultRetentionPolicyID, ResourceType: "bill", RetentionDays: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, retention.ValidatePolicy(&tt.p), domain.ErrInvalidPolicy)
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	policies := []domain.RetentionPolicy{
		{ID: "bill-amend", ResourceType: "bill", Action: "amend", RetentionDays: 3650},
		{ID: "bill", ResourceType: "bill", RetentionDays: 365},
		{ID: domain.DefaultRetentionPolicyID, RetentionDays: 90},
	}
	tests := []struct {
		rtype, action, want string
	}{
		{"bill", "amend", "bill-amend"},
		{"bill", "view", "bill"},
		{"vote", "amend", domain.DefaultRetentionPolicyID},
	}
	for _, tt := range tests {
		t.Run(tt.rtype+"/"+tt.action, func(t *testing.T) {
			t.Parallel()
			got := retention.Resolve(policies, &domain.AuditLogEntry{ResourceType: tt.rtype, Action: tt.action})
			assert.Equal(t, tt.want, got.ID)
		})
	}

	got := retention.Resolve(nil, &domain.AuditLogEntry{ResourceType: "bill"})
	assert.Equal(t, domain.DefaultRetentionPolicyID, got.ID)
}
