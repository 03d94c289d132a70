// Package maintenance runs the periodic retention and reputation jobs.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/civicgov/civicguard/internal/domain"
)

// Jobs is the work the scheduler drives. *guard.Guard satisfies it.
type Jobs interface {
	RunMaintenance(ctx context.Context) (domain.MaintenanceResult, error)
	DecayReputations(ctx context.Context) (int, error)
}

type Config struct {
	// Interval between retention passes (archive then delete).
	Interval time.Duration
	// DecayInterval between reputation decay sweeps.
	DecayInterval time.Duration
	// RunOnStart performs one pass of each job before the first tick.
	RunOnStart bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = time.Hour
	}
	return c
}

type Scheduler struct {
	jobs Jobs
	cfg  Config
}

func NewScheduler(jobs Jobs, cfg Config) *Scheduler {
	return &Scheduler{jobs: jobs, cfg: cfg.withDefaults()}
}

// Run blocks until ctx is done. A failed pass is logged and retried on the
// next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop(ctx, "retention", s.cfg.Interval, s.retention)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, "decay", s.cfg.DecayInterval, s.decay)
		return nil
	})
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, job func(context.Context)) {
	log.Info().Str("job", name).Dur("interval", interval).Msg("maintenance job scheduled")

	if s.cfg.RunOnStart {
		job(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}

func (s *Scheduler) retention(ctx context.Context) {
	res, err := s.jobs.RunMaintenance(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Msg("retention pass failed")
		return
	}
	log.Debug().
		Int("archived", res.Archived).
		Int("deleted", res.Deleted).
		Int("errors", res.Errors).
		Msg("retention pass complete")
}

func (s *Scheduler) decay(ctx context.Context) {
	n, err := s.jobs.DecayReputations(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Msg("reputation decay failed")
		return
	}
	if n > 0 {
		log.Info().Int("decayed", n).Msg("reputation decay applied")
	}
}
