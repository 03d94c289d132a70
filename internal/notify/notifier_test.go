package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/notify"
)

// --- mocks ---

type mockAlerter struct {
	sink string
	sent []*domain.Threat
	err  error
}

func (m *mockAlerter) Alert(_ context.Context, t *domain.Threat) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, t)
	return nil
}

func (m *mockAlerter) Sink() string { return m.sink }

func threat(level domain.ThreatLevel) *domain.Threat {
	return domain.NewThreat(domain.ThreatBotAttack, level, "203.0.113.5", "/vote", time.Unix(1_700_000_000, 0), nil)
}

// --- tests ---

func TestDispatcher_Dispatch(t *testing.T) {
	t.Parallel()

	t.Run("sends at or above the minimum level", func(t *testing.T) {
		t.Parallel()
		a := &mockAlerter{sink: "slack"}
		reg := notify.NewRegistry()
		reg.Register(a)
		d := notify.NewDispatcher(reg, domain.ThreatLevelMedium)

		require.NoError(t, d.Dispatch(context.Background(), threat(domain.ThreatLevelLow)))
		require.NoError(t, d.Dispatch(context.Background(), threat(domain.ThreatLevelMedium)))
		require.NoError(t, d.Dispatch(context.Background(), threat(domain.ThreatLevelHigh)))

		require.Len(t, a.sent, 2)
		assert.Equal(t, domain.ThreatLevelMedium, a.sent[0].Level)
	})

	t.Run("no sinks only logs", func(t *testing.T) {
		t.Parallel()
		d := notify.NewDispatcher(notify.NewRegistry(), domain.ThreatLevelInfo)
		require.NoError(t, d.Dispatch(context.Background(), threat(domain.ThreatLevelHigh)))
	})

	t.Run("one failing sink does not block others", func(t *testing.T) {
		t.Parallel()
		bad := &mockAlerter{sink: "a-broken", err: errors.New("boom")}
		good := &mockAlerter{sink: "b-good"}
		reg := notify.NewRegistry()
		reg.Register(bad)
		reg.Register(good)
		d := notify.NewDispatcher(reg, "")

		err := d.Dispatch(context.Background(), threat(domain.ThreatLevelHigh))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
		assert.Len(t, good.sent, 1)
	})
}

func TestDispatcher_DispatchVia(t *testing.T) {
	t.Parallel()

	d := notify.NewDispatcher(notify.NewRegistry(), domain.ThreatLevelInfo)
	err := d.DispatchVia(context.Background(), "pager", threat(domain.ThreatLevelHigh))
	require.ErrorIs(t, err, notify.ErrSinkNotFound)
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()

	reg := notify.NewRegistry()
	reg.Register(&mockAlerter{sink: "webhook"})
	reg.Register(&mockAlerter{sink: "slack"})
	reg.Register(&mockAlerter{sink: "slack"})

	assert.Equal(t, []string{"slack", "webhook"}, reg.Names())
	_, ok := reg.Get("email")
	assert.False(t, ok)
}
