// Package ratelimit implements the rate-limiting algorithms behind a single
// check contract and the named policies that select them.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/civicgov/civicguard/internal/domain"
)

// AlgorithmName selects one of the rate-limiting algorithms.
type AlgorithmName string

const (
	FixedWindow   AlgorithmName = "fixed_window"
	SlidingWindow AlgorithmName = "sliding_window"
	TokenBucket   AlgorithmName = "token_bucket"
	LeakyBucket   AlgorithmName = "leaky_bucket"
	Adaptive      AlgorithmName = "adaptive"
	Concurrency   AlgorithmName = "concurrency"
)

// Config parameterizes one check. Which fields matter depends on the algorithm.
type Config struct {
	MaxRequests int64         `yaml:"max_requests" json:"max_requests,omitempty"`
	Window      time.Duration `yaml:"window" json:"window,omitempty"`
	BucketSize  float64       `yaml:"bucket_size" json:"bucket_size,omitempty"`
	RefillRate  float64       `yaml:"refill_rate" json:"refill_rate,omitempty"` // tokens per second
	LeakRate    float64       `yaml:"leak_rate" json:"leak_rate,omitempty"`     // units per second

	// LoadFactor in [0,1] is supplied per call to the adaptive algorithm.
	LoadFactor float64 `yaml:"-" json:"-"`
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Policy     string        `json:"policy,omitempty"`
}

// Algorithm is one rate-limiting strategy. Check must consult and update the
// state stored under key using only the store's atomic primitives.
type Algorithm interface {
	Name() AlgorithmName
	Validate(cfg Config) error
	Check(ctx context.Context, store domain.KeyedStore, key string, now time.Time, cfg Config) (Decision, error)
}

func algorithms() map[AlgorithmName]Algorithm {
	return map[AlgorithmName]Algorithm{
		FixedWindow:   fixedWindow{},
		SlidingWindow: slidingWindow{},
		TokenBucket:   tokenBucket{},
		LeakyBucket:   leakyBucket{},
		Adaptive:      adaptive{},
		Concurrency:   concurrency{},
	}
}

// ---------------------------------------------------------------------------
// Fixed window
// ---------------------------------------------------------------------------

type fixedWindow struct{}

func (fixedWindow) Name() AlgorithmName { return FixedWindow }

func (fixedWindow) Validate(cfg Config) error {
	if cfg.MaxRequests < 1 {
		return fmt.Errorf("max_requests must be >= 1: %w", domain.ErrInvalidPolicy)
	}
	if cfg.Window < time.Millisecond {
		return fmt.Errorf("window must be >= 1ms: %w", domain.ErrInvalidPolicy)
	}
	return nil
}

func (fixedWindow) Check(ctx context.Context, store domain.KeyedStore, key string, now time.Time, cfg Config) (Decision, error) {
	return checkFixed(ctx, store, key, now, cfg.Window, cfg.MaxRequests)
}

// checkFixed counts requests in the window aligned to floor(now/window).
func checkFixed(ctx context.Context, store domain.KeyedStore, key string, now time.Time, window time.Duration, limit int64) (Decision, error) {
	windowMs := window.Milliseconds()
	windowID := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((windowID + 1) * windowMs)

	count, err := store.IncrWithExpiry(ctx, key+":"+strconv.FormatInt(windowID, 10), window)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Sliding window
// ---------------------------------------------------------------------------

type slidingWindow struct{}

func (slidingWindow) Name() AlgorithmName { return SlidingWindow }

func (slidingWindow) Validate(cfg Config) error {
	return fixedWindow{}.Validate(cfg)
}

// Check keeps one member per accepted request scored by its time in ms.
// Members older than now-window are pruned before counting, so a request
// exactly window ms after the oldest one is still counted against it.
func (slidingWindow) Check(ctx context.Context, store domain.KeyedStore, key string, now time.Time, cfg Config) (Decision, error) {
	nowMs := now.UnixMilli()
	windowMs := cfg.Window.Milliseconds()
	cutoff := float64(nowMs - windowMs)

	var d Decision
	err := store.Atomic(ctx, []string{key}, func(r domain.KeyReader, b domain.Batch) error {
		count, err := r.ZCount(ctx, key, cutoff, math.Inf(1))
		if err != nil {
			return err
		}

		d = Decision{Limit: cfg.MaxRequests}
		b.ZRemRangeByScore(key, math.Inf(-1), cutoff-1)

		if count < cfg.MaxRequests {
			b.ZAdd(key, domain.ScoredMember{Member: memberID(nowMs), Score: float64(nowMs)})
			b.Expire(key, cfg.Window)
			d.Allowed = true
			d.Remaining = cfg.MaxRequests - count - 1
			d.ResetAt = now.Add(cfg.Window)
			return nil
		}

		oldest, err := r.ZRangeByScore(ctx, key, cutoff, math.Inf(1), 1)
		if err != nil {
			return err
		}
		expiresAt := now.Add(cfg.Window)
		if len(oldest) > 0 {
			expiresAt = time.UnixMilli(int64(oldest[0].Score) + windowMs + 1)
		}
		d.ResetAt = expiresAt
		d.RetryAfter = max(expiresAt.Sub(now), time.Millisecond)
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Token bucket
// ---------------------------------------------------------------------------

type tokenBucket struct{}

func (tokenBucket) Name() AlgorithmName { return TokenBucket }

func (tokenBucket) Validate(cfg Config) error {
	if cfg.BucketSize < 1 {
		return fmt.Errorf("bucket_size must be >= 1: %w", domain.ErrInvalidPolicy)
	}
	if cfg.RefillRate <= 0 || math.IsInf(cfg.RefillRate, 0) || math.IsNaN(cfg.RefillRate) {
		return fmt.Errorf("refill_rate must be a positive number: %w", domain.ErrInvalidPolicy)
	}
	return nil
}

// Check refills min(size, tokens + elapsed*rate) and consumes one token. The
// read-modify-write runs in an optimistic transaction.
func (tokenBucket) Check(ctx context.Context, store domain.KeyedStore, key string, now time.Time, cfg Config) (Decision, error) {
	ttl := secondsToDuration(cfg.BucketSize/cfg.RefillRate) + time.Second

	var d Decision
	err := store.Atomic(ctx, []string{key}, func(r domain.KeyReader, b domain.Batch) error {
		state, err := readBucket(ctx, r, key, "tokens", cfg.BucketSize, now)
		if err != nil {
			return err
		}

		tokens := math.Min(cfg.BucketSize, state.value+state.elapsed.Seconds()*cfg.RefillRate)
		d = Decision{Limit: int64(cfg.BucketSize)}
		if tokens >= 1 {
			tokens--
			d.Allowed = true
		} else {
			d.RetryAfter = time.Duration(math.Ceil((1-tokens)/cfg.RefillRate)) * time.Second
		}
		d.Remaining = int64(math.Floor(tokens))
		d.ResetAt = now.Add(secondsToDuration((cfg.BucketSize - tokens) / cfg.RefillRate))

		writeBucket(b, key, "tokens", tokens, now, ttl)
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Leaky bucket
// ---------------------------------------------------------------------------

type leakyBucket struct{}

func (leakyBucket) Name() AlgorithmName { return LeakyBucket }

func (leakyBucket) Validate(cfg Config) error {
	if cfg.BucketSize < 1 {
		return fmt.Errorf("bucket_size must be >= 1: %w", domain.ErrInvalidPolicy)
	}
	if cfg.LeakRate <= 0 || math.IsInf(cfg.LeakRate, 0) || math.IsNaN(cfg.LeakRate) {
		return fmt.Errorf("leak_rate must be a positive number: %w", domain.ErrInvalidPolicy)
	}
	return nil
}

// Check drains the level by elapsed*rate and admits the request when the
// drained level is below the bucket size.
func (leakyBucket) Check(ctx context.Context, store domain.KeyedStore, key string, now time.Time, cfg Config) (Decision, error) {
	ttl := secondsToDuration(cfg.BucketSize/cfg.LeakRate) + time.Second

	var d Decision
	err := store.Atomic(ctx, []string{key}, func(r domain.KeyReader, b domain.Batch) error {
		state, err := readBucket(ctx, r, key, "level", 0, now)
		if err != nil {
			return err
		}

		level := math.Max(0, state.value-state.elapsed.Seconds()*cfg.LeakRate)
		d = Decision{Limit: int64(cfg.BucketSize)}
		if level < cfg.BucketSize {
			level++
			d.Allowed = true
		} else {
			d.RetryAfter = secondsToDuration((level-cfg.BucketSize)/cfg.LeakRate) + time.Millisecond
		}
		d.Remaining = max(int64(math.Ceil(cfg.BucketSize-level)), 0)
		d.ResetAt = now.Add(secondsToDuration(level / cfg.LeakRate))

		writeBucket(b, key, "level", level, now, ttl)
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

type bucketState struct {
	value   float64
	elapsed time.Duration
}

// readBucket loads {field, last} from a hash, falling back to initial for a
// fresh bucket. Clock skew never produces negative elapsed time.
func readBucket(ctx context.Context, r domain.KeyReader, key, field string, initial float64, now time.Time) (bucketState, error) {
	fields, err := r.HGetAll(ctx, key)
	if err != nil {
		return bucketState{}, err
	}
	raw, ok := fields[field]
	if !ok {
		return bucketState{value: initial}, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return bucketState{value: initial}, nil
	}
	lastMs, err := strconv.ParseInt(fields["last"], 10, 64)
	if err != nil {
		return bucketState{value: initial}, nil
	}
	return bucketState{value: value, elapsed: max(now.Sub(time.UnixMilli(lastMs)), 0)}, nil
}

func writeBucket(b domain.Batch, key, field string, value float64, now time.Time, ttl time.Duration) {
	b.HSet(key, map[string]string{
		field:  strconv.FormatFloat(value, 'f', -1, 64),
		"last": strconv.FormatInt(now.UnixMilli(), 10),
	})
	b.Expire(key, ttl)
}

// ---------------------------------------------------------------------------
// Adaptive
// ---------------------------------------------------------------------------

type adaptive struct{}

func (adaptive) Name() AlgorithmName { return Adaptive }

func (adaptive) Validate(cfg Config) error {
	return fixedWindow{}.Validate(cfg)
}

// Check is a fixed window whose limit shrinks with the caller's load factor.
func (adaptive) Check(ctx context.Context, store domain.KeyedStore, key string, now time.Time, cfg Config) (Decision, error) {
	return checkFixed(ctx, store, key, now, cfg.Window, AdjustedMax(cfg.MaxRequests, cfg.LoadFactor))
}

// AdjustedMax returns floor(maxRequests * (1 - load*0.5)), at least 1. Load is
// clamped to [0,1].
func AdjustedMax(maxRequests int64, load float64) int64 {
	if math.IsNaN(load) || load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	return max(int64(math.Floor(float64(maxRequests)*(1-load*0.5))), 1)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

type concurrency struct{}

// concurrencyTTL bounds how long slots leaked by crashed callers stay taken.
const concurrencyTTL = 10 * time.Minute

func (concurrency) Name() AlgorithmName { return Concurrency }

func (concurrency) Validate(cfg Config) error {
	if cfg.MaxRequests < 1 {
		return fmt.Errorf("max_requests must be >= 1: %w", domain.ErrInvalidPolicy)
	}
	return nil
}

// Check acquires one in-flight slot. A denied acquire gives its increment
// back immediately.
func (concurrency) Check(ctx context.Context, store domain.KeyedStore, key string, now time.Time, cfg Config) (Decision, error) {
	n, err := store.IncrBy(ctx, key, 1)
	if err != nil {
		return Decision{}, err
	}
	if err := store.Expire(ctx, key, concurrencyTTL); err != nil {
		return Decision{}, err
	}
	if n > cfg.MaxRequests {
		if _, err := store.IncrBy(ctx, key, -1); err != nil {
			return Decision{}, err
		}
		return Decision{
			Limit:      cfg.MaxRequests,
			ResetAt:    now.Add(time.Second),
			RetryAfter: time.Second,
		}, nil
	}
	return Decision{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests - n,
		ResetAt:   now,
	}, nil
}

// release frees one slot, never leaving the counter negative.
func release(ctx context.Context, store domain.KeyedStore, key string) error {
	n, err := store.IncrBy(ctx, key, -1)
	if err != nil {
		return err
	}
	if n < 0 {
		if _, err := store.IncrBy(ctx, key, -n); err != nil {
			return err
		}
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	if math.IsNaN(s) || s <= 0 {
		return 0
	}
	if s > float64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s * float64(time.Second))
}
