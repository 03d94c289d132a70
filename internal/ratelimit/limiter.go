package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/metrics"
)

// FailMode tells callers what to do when the store cannot be reached.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// Policy is a named, validated algorithm configuration for one endpoint class.
type Policy struct {
	Name      string        `yaml:"name" json:"name"`
	Algorithm AlgorithmName `yaml:"algorithm" json:"algorithm"`
	FailMode  FailMode      `yaml:"fail_mode" json:"fail_mode"`
	Config    `yaml:",inline"`
}

// DefaultPolicies are the endpoint classes available without a policy file.
func DefaultPolicies() []Policy {
	return []Policy{
		{Name: "api", Algorithm: SlidingWindow, FailMode: FailOpen, Config: Config{MaxRequests: 100, Window: time.Minute}},
		{Name: "auth", Algorithm: FixedWindow, FailMode: FailClosed, Config: Config{MaxRequests: 5, Window: 15 * time.Minute}},
		{Name: "vote", Algorithm: TokenBucket, FailMode: FailClosed, Config: Config{BucketSize: 10, RefillRate: 0.2}},
		{Name: "registration", Algorithm: FixedWindow, FailMode: FailClosed, Config: Config{MaxRequests: 3, Window: time.Hour}},
		{Name: "search", Algorithm: LeakyBucket, FailMode: FailOpen, Config: Config{BucketSize: 30, LeakRate: 1}},
		{Name: "admin_adaptive", Algorithm: Adaptive, FailMode: FailOpen, Config: Config{MaxRequests: 60, Window: time.Minute}},
		{Name: "export", Algorithm: Concurrency, FailMode: FailClosed, Config: Config{MaxRequests: 2}},
	}
}

// Limiter checks identifiers against named policies.
type Limiter struct {
	store      domain.KeyedStore
	policies   map[string]Policy
	algorithms map[AlgorithmName]Algorithm
	now        func() time.Time
}

type Option func(*Limiter)

// WithClock overrides the time source used by Check.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter validates every policy up front; an unknown algorithm or a bad
// parameter fails construction with ErrInvalidPolicy.
func NewLimiter(store domain.KeyedStore, policies []Policy, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		store:      store,
		policies:   make(map[string]Policy, len(policies)),
		algorithms: algorithms(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, p := range policies {
		if err := l.validate(p); err != nil {
			return nil, fmt.Errorf("ratelimit.NewLimiter: policy %q: %w", p.Name, err)
		}
		if _, dup := l.policies[p.Name]; dup {
			return nil, fmt.Errorf("ratelimit.NewLimiter: duplicate policy %q: %w", p.Name, domain.ErrInvalidPolicy)
		}
		if p.FailMode == "" {
			p.FailMode = FailOpen
		}
		l.policies[p.Name] = p
	}
	return l, nil
}

func (l *Limiter) validate(p Policy) error {
	if p.Name == "" || strings.ContainsAny(p.Name, ":*?[]") {
		return fmt.Errorf("invalid name: %w", domain.ErrInvalidPolicy)
	}
	switch p.FailMode {
	case "", FailOpen, FailClosed:
	default:
		return fmt.Errorf("unknown fail mode %q: %w", p.FailMode, domain.ErrInvalidPolicy)
	}
	algo, ok := l.algorithms[p.Algorithm]
	if !ok {
		return fmt.Errorf("unknown algorithm %q: %w", p.Algorithm, domain.ErrInvalidPolicy)
	}
	return algo.Validate(p.Config)
}

// Policy returns a configured policy by name.
func (l *Limiter) Policy(name string) (Policy, bool) {
	p, ok := l.policies[name]
	return p, ok
}

// Policies returns all configured policies sorted by name.
func (l *Limiter) Policies() []Policy {
	out := make([]Policy, 0, len(l.policies))
	for _, p := range l.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Key returns the state key for identifier under policy p. Fixed-window
// algorithms append the window id.
func Key(p Policy, identifier string) string {
	return "rl:" + string(p.Algorithm) + ":" + p.Name + ":" + identifier
}

// Check applies the named policy to identifier at the limiter's current time.
func (l *Limiter) Check(ctx context.Context, identifier, policy string) (Decision, error) {
	return l.CheckAt(ctx, identifier, policy, l.now(), 0)
}

// CheckWithLoad is Check with a load factor for adaptive policies.
func (l *Limiter) CheckWithLoad(ctx context.Context, identifier, policy string, load float64) (Decision, error) {
	return l.CheckAt(ctx, identifier, policy, l.now(), load)
}

// CheckAt applies the named policy at an explicit time. Store failures are
// returned wrapped; the caller applies the policy's FailMode. Concurrency
// policies hold a slot until Release and are only reachable through Acquire.
func (l *Limiter) CheckAt(ctx context.Context, identifier, policy string, now time.Time, load float64) (Decision, error) {
	p, ok := l.policies[policy]
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit.Limiter.Check: unknown policy %q: %w", policy, domain.ErrInvalidPolicy)
	}
	if p.Algorithm == Concurrency {
		return Decision{}, fmt.Errorf("ratelimit.Limiter.Check: %q is a concurrency policy, use Acquire: %w", policy, domain.ErrInvalidPolicy)
	}
	return l.check(ctx, p, identifier, now, load)
}

func (l *Limiter) check(ctx context.Context, p Policy, identifier string, now time.Time, load float64) (Decision, error) {
	algo := l.algorithms[p.Algorithm]

	cfg := p.Config
	cfg.LoadFactor = load

	start := time.Now()
	d, err := algo.Check(ctx, l.store, Key(p, identifier), now, cfg)
	metrics.RateLimitCheckDurationSeconds.WithLabelValues(string(p.Algorithm)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RateLimitDecisionsTotal.WithLabelValues(p.Name, "error").Inc()
		return Decision{}, fmt.Errorf("ratelimit.Limiter.Check: %w", err)
	}
	d.Policy = p.Name

	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
		log.Debug().
			Str("policy", p.Name).
			Str("identifier", identifier).
			Dur("retry_after", d.RetryAfter).
			Msg("ratelimit: request denied")
	}
	metrics.RateLimitDecisionsTotal.WithLabelValues(p.Name, outcome).Inc()
	return d, nil
}

// Acquire takes an in-flight slot under a concurrency policy.
func (l *Limiter) Acquire(ctx context.Context, identifier, policy string) (Decision, error) {
	p, ok := l.policies[policy]
	if !ok || p.Algorithm != Concurrency {
		return Decision{}, fmt.Errorf("ratelimit.Limiter.Acquire: %q is not a concurrency policy: %w", policy, domain.ErrInvalidPolicy)
	}
	return l.check(ctx, p, identifier, l.now(), 0)
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release(ctx context.Context, identifier, policy string) error {
	p, ok := l.policies[policy]
	if !ok || p.Algorithm != Concurrency {
		return fmt.Errorf("ratelimit.Limiter.Release: %q is not a concurrency policy: %w", policy, domain.ErrInvalidPolicy)
	}
	if err := release(ctx, l.store, Key(p, identifier)); err != nil {
		return fmt.Errorf("ratelimit.Limiter.Release: %w", err)
	}
	return nil
}

// Reset clears all rate-limit state for identifier. With a policy name only
// that policy's state is cleared. It returns the number of keys removed.
func (l *Limiter) Reset(ctx context.Context, identifier, policy string) (int64, error) {
	var targets []Policy
	if policy == "" {
		targets = l.Policies()
	} else {
		p, ok := l.policies[policy]
		if !ok {
			return 0, fmt.Errorf("ratelimit.Limiter.Reset: unknown policy %q: %w", policy, domain.ErrInvalidPolicy)
		}
		targets = []Policy{p}
	}

	var removed int64
	for _, p := range targets {
		base := Key(p, identifier)
		scanned, err := l.store.Scan(ctx, escapeGlob(base)+":*")
		if err != nil {
			return removed, fmt.Errorf("ratelimit.Limiter.Reset: %w", err)
		}
		keys := []string{base}
		for _, k := range scanned {
			// Only window ids; "base:x" may be another identifier's key.
			if isWindowSuffix(strings.TrimPrefix(k, base+":")) {
				keys = append(keys, k)
			}
		}
		n, err := l.store.Del(ctx, keys...)
		if err != nil {
			return removed, fmt.Errorf("ratelimit.Limiter.Reset: %w", err)
		}
		removed += n
	}
	return removed, nil
}

// ShouldFailOpen reports whether a store error under policy should let the
// request through.
func (l *Limiter) ShouldFailOpen(policy string, err error) bool {
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		return false
	}
	p, ok := l.policies[policy]
	return ok && p.FailMode == FailOpen
}

func isWindowSuffix(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func memberID(nowMs int64) string {
	return strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
}
