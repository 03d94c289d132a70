package slack

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	slacklib "github.com/slack-go/slack"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/notify"
)

// SlackAPI abstracts the subset of the Slack client used by Alerter.
// This allows testing without real HTTP calls.
type SlackAPI interface {
	PostMessage(channelID string, options ...slacklib.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slacklib.MsgOption) (string, string, string, error)
}

// Alerter posts threats to a Slack channel and edits the message in place
// when the threat is resolved.
type Alerter struct {
	api     SlackAPI
	channel string

	mu     sync.Mutex
	posted map[uuid.UUID]string // threat id -> message timestamp
}

var _ notify.Alerter = (*Alerter)(nil) //nolint:gochecknoglobals // compile-time check

func NewAlerter(api SlackAPI, channel string) *Alerter {
	return &Alerter{api: api, channel: channel, posted: make(map[uuid.UUID]string)}
}

func (a *Alerter) Alert(_ context.Context, t *domain.Threat) error {
	_, ts, err := a.api.PostMessage(a.channel,
		slacklib.MsgOptionText(Summary(t), false),
		slacklib.MsgOptionBlocks(BuildThreatBlocks(t)...),
	)
	if err != nil {
		return fmt.Errorf("slack.Alerter.Alert: %w", err)
	}
	a.mu.Lock()
	a.posted[t.ID] = ts
	a.mu.Unlock()
	return nil
}

// AlertResolved rewrites the original alert for t. Threats this alerter
// never posted are ignored.
func (a *Alerter) AlertResolved(_ context.Context, t *domain.Threat) error {
	a.mu.Lock()
	ts, ok := a.posted[t.ID]
	delete(a.posted, t.ID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	_, _, _, err := a.api.UpdateMessage(a.channel, ts,
		slacklib.MsgOptionText("Resolved: "+Summary(t), false),
		slacklib.MsgOptionBlocks(BuildThreatBlocks(t)...),
	)
	if err != nil {
		return fmt.Errorf("slack.Alerter.AlertResolved: %w", err)
	}
	return nil
}

func (a *Alerter) Sink() string {
	return "slack"
}
