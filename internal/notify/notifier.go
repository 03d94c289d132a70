// Package notify forwards threats to alert sinks such as Slack.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/domain"
)

// ErrSinkNotFound is returned when an alert sink is not registered.
var ErrSinkNotFound = errors.New("notify: sink not found") //nolint:gochecknoglobals // sentinel error

// Alerter delivers a threat to one external destination.
type Alerter interface {
	Alert(ctx context.Context, t *domain.Threat) error
	// Sink returns the sink identifier (e.g. "slack").
	Sink() string
}

// Dispatcher fans threats out to every registered sink at or above MinLevel.
type Dispatcher struct {
	sinks    *Registry
	minLevel domain.ThreatLevel
}

func NewDispatcher(sinks *Registry, minLevel domain.ThreatLevel) *Dispatcher {
	if minLevel == "" {
		minLevel = domain.ThreatLevelMedium
	}
	return &Dispatcher{sinks: sinks, minLevel: minLevel}
}

// Dispatch sends t to every sink. Threats below the minimum level are
// dropped. When no sink is registered the threat is only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, t *domain.Threat) error {
	if !t.Level.AtLeast(d.minLevel) {
		return nil
	}

	names := d.sinks.Names()
	if len(names) == 0 {
		log.Info().Str("threat_id", t.ID.String()).Str("type", string(t.Type)).Str("level", string(t.Level)).
			Msg("notify: no alert sinks registered")
		return nil
	}

	var errs []error
	for _, name := range names {
		if err := d.DispatchVia(ctx, name, t); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify.Dispatcher.Dispatch: %w", err)
	}
	return nil
}

// DispatchVia sends t to one named sink regardless of level.
func (d *Dispatcher) DispatchVia(ctx context.Context, sink string, t *domain.Threat) error {
	a, ok := d.sinks.Get(sink)
	if !ok {
		return fmt.Errorf("notify.Dispatcher.DispatchVia: sink %q: %w", sink, ErrSinkNotFound)
	}
	if err := a.Alert(ctx, t); err != nil {
		return fmt.Errorf("notify.Dispatcher.DispatchVia: %s: %w", sink, err)
	}
	return nil
}
