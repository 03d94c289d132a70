package domain_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgov/civicguard/internal/domain"
)

// ---------------------------------------------------------------------------
// 1. EntryState.ValidTransition: full lifecycle matrix.
// ---------------------------------------------------------------------------

func TestEntryState_ValidTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from domain.EntryState
		to   domain.EntryState
		want bool
	}{
		{domain.EntryStateActive, domain.EntryStateArchived, true},
		{domain.EntryStateActive, domain.EntryStateDeleted, true},
		{domain.EntryStateActive, domain.EntryStateActive, false},

		{domain.EntryStateArchived, domain.EntryStateDeleted, true},
		{domain.EntryStateArchived, domain.EntryStateActive, false},
		{domain.EntryStateArchived, domain.EntryStateArchived, false},

		// Deleted is terminal.
		{domain.EntryStateDeleted, domain.EntryStateActive, false},
		{domain.EntryStateDeleted, domain.EntryStateArchived, false},
		{domain.EntryStateDeleted, domain.EntryStateDeleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, tt.from.ValidTransition(tt.to))
		})
	}
}

func TestOutcome_Valid(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.OutcomeSuccess.Valid())
	assert.True(t, domain.OutcomeFailure.Valid())
	assert.False(t, domain.Outcome("maybe").Valid())
	assert.False(t, domain.Outcome("").Valid())
}

// ---------------------------------------------------------------------------
// 2. Threat levels.
// ---------------------------------------------------------------------------

func TestLevelForConfidence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		confidence float64
		want       domain.ThreatLevel
	}{
		{0, domain.ThreatLevelInfo},
		{0.5, domain.ThreatLevelInfo},
		{0.51, domain.ThreatLevelLow},
		{0.7, domain.ThreatLevelLow},
		{0.71, domain.ThreatLevelMedium},
		{0.9, domain.ThreatLevelMedium},
		{0.91, domain.ThreatLevelHigh},
		{1, domain.ThreatLevelHigh},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.2f", tt.confidence), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, domain.LevelForConfidence(tt.confidence))
		})
	}
}

func TestThreatLevel_AtLeast(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.ThreatLevelHigh.AtLeast(domain.ThreatLevelMedium))
	assert.True(t, domain.ThreatLevelMedium.AtLeast(domain.ThreatLevelMedium))
	assert.False(t, domain.ThreatLevelLow.AtLeast(domain.ThreatLevelMedium))
	assert.False(t, domain.ThreatLevel("bogus").AtLeast(domain.ThreatLevelInfo))
}

func TestNewThreat(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	th := domain.NewThreat(domain.ThreatBotAttack, domain.ThreatLevelLow, "203.0.113.9", "/vote", at, nil)

	assert.NotEqual(t, [16]byte{}, [16]byte(th.ID))
	assert.Equal(t, domain.ThreatStatusActive, th.Status)
	assert.Equal(t, at, th.DetectedAt)
	assert.Nil(t, th.ResolvedAt)
}

// ---------------------------------------------------------------------------
// 3. Retention policy durations.
// ---------------------------------------------------------------------------

func TestRetentionPolicy_Durations(t *testing.T) {
	t.Parallel()

	p := domain.RetentionPolicy{RetentionDays: 365, ArchiveEnabled: true, ArchiveAfterDays: 90}

	assert.Equal(t, 365*24*time.Hour, p.Retention())
	assert.Equal(t, 90*24*time.Hour, p.ArchiveAfter())
	assert.Equal(t, 275*24*time.Hour, p.ArchiveTTL())
}

// ---------------------------------------------------------------------------
// 4. Sentinel errors: identity and wrapping.
// ---------------------------------------------------------------------------

func sentinels() []error {
	return []error{
		domain.ErrNotFound,
		domain.ErrConflict,
		domain.ErrUnauthorized,
		domain.ErrForbidden,
		domain.ErrStoreUnavailable,
		domain.ErrInvalidPolicy,
		domain.ErrDefaultPolicy,
		domain.ErrInvalidSignature,
		domain.ErrInvalidInput,
	}
}

func TestSentinelErrors_Distinct(t *testing.T) {
	t.Parallel()

	all := sentinels()
	for i, a := range all {
		require.Error(t, a)
		for j, b := range all {
			if i == j {
				continue
			}
			assert.NotErrorIs(t, a, b, "sentinel errors must be distinct")
		}
	}
}

func TestSentinelErrors_Wrapping(t *testing.T) {
	t.Parallel()

	for _, sentinel := range sentinels() {
		wrapped := fmt.Errorf("audit.Ledger.Append: %w", sentinel)
		assert.ErrorIs(t, wrapped, sentinel)
	}
}
