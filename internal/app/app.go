// Package app builds the service graph shared by the server and the admin CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"

	"github.com/civicgov/civicguard/internal/audit"
	"github.com/civicgov/civicguard/internal/auth"
	"github.com/civicgov/civicguard/internal/botdetect"
	"github.com/civicgov/civicguard/internal/config"
	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/guard"
	"github.com/civicgov/civicguard/internal/hashing"
	"github.com/civicgov/civicguard/internal/notify"
	"github.com/civicgov/civicguard/internal/notify/slack"
	"github.com/civicgov/civicguard/internal/ratelimit"
	"github.com/civicgov/civicguard/internal/reputation"
	"github.com/civicgov/civicguard/internal/retention"
	"github.com/civicgov/civicguard/internal/store/postgres"
	redisstore "github.com/civicgov/civicguard/internal/store/redis"
	"github.com/civicgov/civicguard/internal/sybil"
	"github.com/civicgov/civicguard/internal/threat"
)

// VoteSigningPurpose labels the key derived from the vote secret.
const VoteSigningPurpose = "vote-signature"

// App owns the long-lived connections and the composed Guard.
type App struct {
	Guard     *guard.Guard
	Retention *retention.Manager
	Keys      *auth.KeyStore
	PubSub    *redisstore.PubSub

	store *redisstore.Store
	pg    *postgres.Store
}

// Build connects to the configured stores and wires every service.
func Build(ctx context.Context, cfg *config.Config, policies *config.Policies) (*App, error) {
	client, err := redisstore.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("app.Build: %w", err)
	}

	a, err := Wire(ctx, cfg, policies, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return a, nil
}

// Wire builds the services on an existing Redis client. On success the App
// owns client; on error the caller still does.
func Wire(ctx context.Context, cfg *config.Config, policies *config.Policies, client *redis.Client) (*App, error) {
	a := &App{
		store:  redisstore.NewStore(client),
		PubSub: redisstore.NewPubSub(client),
	}

	repo, err := a.threatRepo(ctx, cfg)
	if err != nil {
		return nil, err
	}

	threatOpts := []threat.Option{
		threat.WithPublisher(a.PubSub),
		threat.WithDedupe(a.store, cfg.Detection.ThreatDedupeWindow),
	}
	sinks := notify.NewRegistry()
	if cfg.Slack.Enabled() {
		alerter := slack.NewAlerter(slacklib.New(cfg.Slack.BotToken), cfg.Slack.Channel)
		sinks.Register(alerter)
		threatOpts = append(threatOpts, threat.WithResolveNotifier(alerter))
		log.Info().Str("channel", cfg.Slack.Channel).Str("min_level", string(cfg.Slack.MinLevel)).Msg("slack alerting enabled")
	}
	threatOpts = append(threatOpts, threat.WithDispatcher(notify.NewDispatcher(sinks, cfg.Slack.MinLevel)))

	var signer *hashing.Signer
	if cfg.Signing.VoteSecret != "" {
		key, keyErr := hashing.DeriveKey([]byte(cfg.Signing.VoteSecret), VoteSigningPurpose)
		if keyErr != nil {
			a.closePostgres()
			return nil, fmt.Errorf("app.Wire: %w", keyErr)
		}
		if signer, keyErr = hashing.NewSigner(key); keyErr != nil {
			a.closePostgres()
			return nil, fmt.Errorf("app.Wire: %w", keyErr)
		}
	}

	limits := policies.RateLimits
	if len(limits) == 0 {
		limits = ratelimit.DefaultPolicies()
	}
	limiter, err := ratelimit.NewLimiter(a.store, limits)
	if err != nil {
		a.closePostgres()
		return nil, fmt.Errorf("app.Wire: %w", err)
	}

	ledger := audit.NewLedger(a.store)
	rep := reputation.NewService(a.store, reputation.Config{
		BadRanges:        policies.BadRanges,
		DatacenterRanges: policies.DatacenterRanges,
		DecayAmount:      cfg.Maintenance.DecayAmount,
		DecayPeriod:      cfg.Maintenance.DecayInterval,
	})
	a.Retention = retention.NewManager(a.store, ledger, retention.Config{OpsPerSecond: cfg.Maintenance.OpsPerSecond})

	a.Guard = guard.New(guard.Deps{
		Ledger:     ledger,
		Limiter:    limiter,
		Reputation: rep,
		Bots:       botdetect.NewDetector(a.store, botdetect.Config{HistoryWindow: cfg.Detection.BotHistoryWindow}, botdetect.WithReputation(rep)),
		Sybil:      sybil.NewClusterer(a.store, sybil.Config{MinWindowVotes: cfg.Detection.MinWindowVotes}),
		Retention:  a.Retention,
		Threats:    threat.NewRegistry(repo, threatOpts...),
		Signer:     signer,
	}, guard.Config{
		VoteWindow:     cfg.Detection.VoteWindow,
		BlockThreshold: cfg.Detection.BlockThreshold,
	})
	a.Keys = auth.NewKeyStore(a.store)

	if err := a.seedRetention(ctx, policies.Retention); err != nil {
		a.closePostgres()
		return nil, err
	}
	return a, nil
}

func (a *App) threatRepo(ctx context.Context, cfg *config.Config) (domain.ThreatRepository, error) {
	if !cfg.Postgres.Enabled() {
		return threat.NewStoreRepo(a.store, cfg.Detection.ThreatResolvedTTL), nil
	}

	if cfg.Postgres.MaxConns < 0 || cfg.Postgres.MaxConns > math.MaxInt32 {
		return nil, fmt.Errorf("app.Wire: postgres max_conns %d out of int32 range", cfg.Postgres.MaxConns)
	}
	pg, err := postgres.New(ctx, cfg.Postgres.DSN, int32(cfg.Postgres.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return nil, fmt.Errorf("app.Wire: %w", err)
	}
	if cfg.Postgres.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("app.Wire: %w", err)
		}
	}
	a.pg = pg
	log.Info().Msg("threat log persisted to postgres")
	return pg.Threats(), nil
}

// seedRetention stores policies from the policy file. Existing policies with
// the same id are replaced.
func (a *App) seedRetention(ctx context.Context, policies []domain.RetentionPolicy) error {
	for i := range policies {
		if err := a.Retention.SetPolicy(ctx, policies[i]); err != nil {
			return fmt.Errorf("app.seedRetention: %s: %w", policies[i].ID, err)
		}
	}
	if len(policies) > 0 {
		log.Info().Int("count", len(policies)).Msg("retention policies seeded")
	}
	return nil
}

// Ready pings every backing store.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	if err := a.store.Ping(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.pg != nil {
		if err := a.pg.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the store connections.
func (a *App) Close() {
	a.closePostgres()
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing redis store")
	}
}

func (a *App) closePostgres() {
	if a.pg != nil {
		a.pg.Close()
		a.pg = nil
	}
}
