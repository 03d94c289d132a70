package slack_test

import (
	"errors"
	"testing"
	"time"

	slacklib "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgov/civicguard/internal/domain"
	guardslack "github.com/civicgov/civicguard/internal/notify/slack"
)

// --- mock SlackAPI ---

type mockSlackAPI struct {
	postChannel string
	postTS      string
	postErr     error
	postOpts    []slacklib.MsgOption

	updateChannel string
	updateTS      string
	updateErr     error
	updates       int
}

func (m *mockSlackAPI) PostMessage(channelID string, options ...slacklib.MsgOption) (ch, ts string, err error) {
	m.postChannel = channelID
	m.postOpts = options
	if m.postErr != nil {
		return "", "", m.postErr
	}
	return channelID, m.postTS, nil
}

func (m *mockSlackAPI) UpdateMessage(channelID, timestamp string, _ ...slacklib.MsgOption) (ch, ts, text string, err error) {
	m.updateChannel = channelID
	m.updateTS = timestamp
	m.updates++
	if m.updateErr != nil {
		return "", "", "", m.updateErr
	}
	return channelID, timestamp, "", nil
}

func sampleThreat() *domain.Threat {
	return domain.NewThreat(domain.ThreatVoteManipulation, domain.ThreatLevelHigh, "prop-9", "prop-9",
		time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		[]domain.FraudIndicator{{Type: "vote_burst", Confidence: 0.93, Description: "14 of 15 votes for yes within 30s"}})
}

// --- Alerter tests ---

func TestAlerter_Alert(t *testing.T) {
	t.Parallel()

	t.Run("posts to the configured channel", func(t *testing.T) {
		t.Parallel()
		api := &mockSlackAPI{postTS: "1700000000.000100"}
		a := guardslack.NewAlerter(api, "C-SEC")

		require.NoError(t, a.Alert(t.Context(), sampleThreat()))
		assert.Equal(t, "C-SEC", api.postChannel)
		assert.Len(t, api.postOpts, 2)
		assert.Equal(t, "slack", a.Sink())
	})

	t.Run("api error is wrapped", func(t *testing.T) {
		t.Parallel()
		api := &mockSlackAPI{postErr: errors.New("channel_not_found")}
		a := guardslack.NewAlerter(api, "C-SEC")

		err := a.Alert(t.Context(), sampleThreat())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "slack.Alerter.Alert")
		assert.Contains(t, err.Error(), "channel_not_found")
	})
}

func TestAlerter_AlertResolved(t *testing.T) {
	t.Parallel()

	t.Run("updates the original message once", func(t *testing.T) {
		t.Parallel()
		api := &mockSlackAPI{postTS: "1700000000.000200"}
		a := guardslack.NewAlerter(api, "C-SEC")
		th := sampleThreat()

		require.NoError(t, a.Alert(t.Context(), th))
		th.Status = domain.ThreatStatusResolved
		require.NoError(t, a.AlertResolved(t.Context(), th))
		require.NoError(t, a.AlertResolved(t.Context(), th))

		assert.Equal(t, 1, api.updates)
		assert.Equal(t, "C-SEC", api.updateChannel)
		assert.Equal(t, "1700000000.000200", api.updateTS)
	})

	t.Run("unknown threat is ignored", func(t *testing.T) {
		t.Parallel()
		api := &mockSlackAPI{}
		a := guardslack.NewAlerter(api, "C-SEC")

		require.NoError(t, a.AlertResolved(t.Context(), sampleThreat()))
		assert.Zero(t, api.updates)
	})
}

func TestBuildThreatBlocks(t *testing.T) {
	t.Parallel()

	th := sampleThreat()
	blocks := guardslack.BuildThreatBlocks(th)
	require.Len(t, blocks, 3)
	assert.Equal(t, slacklib.MBTSection, blocks[0].BlockType())
	assert.Equal(t, slacklib.MBTSection, blocks[1].BlockType())
	assert.Equal(t, slacklib.MBTContext, blocks[2].BlockType())

	th.Indicators = nil
	assert.Len(t, guardslack.BuildThreatBlocks(th), 2)
	assert.Equal(t, "[HIGH] vote_manipulation from prop-9", guardslack.Summary(th))
}
