package domain

import (
	"context"
	"time"
)

// ScoredMember is a sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// KeyReader is the read side available inside an optimistic transaction.
// Missing string keys return ErrNotFound; missing hashes and sets are empty.
type KeyReader interface {
	Get(ctx context.Context, key string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	ZCount(ctx context.Context, key string, minScore, maxScore float64) (int64, error)
	ZRangeByScore(ctx context.Context, key string, minScore, maxScore float64, limit int64) ([]ScoredMember, error)
}

// Batch queues writes that are applied atomically (MULTI/EXEC).
type Batch interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	ZAdd(key string, members ...ScoredMember)
	ZRem(key string, members ...string)
	ZRemRangeByScore(key string, minScore, maxScore float64)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
}

// KeyedStore is the shared state every request-path component relies on.
// Atomicity comes only from the store: single-key increments, sorted-set
// operations, Batch and Atomic. Errors from the backing store wrap
// ErrStoreUnavailable.
type KeyedStore interface {
	KeyReader

	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)

	ZAdd(ctx context.Context, key string, members ...ScoredMember) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRemRangeByScore(ctx context.Context, key string, minScore, maxScore float64) (int64, error)
	ZRevRangeByScore(ctx context.Context, key string, minScore, maxScore float64, offset, limit int64) ([]ScoredMember, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)

	// Scan returns every key matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Batch applies the queued writes of fn in one MULTI/EXEC.
	Batch(ctx context.Context, fn func(b Batch) error) error

	// Atomic runs fn as an optimistic transaction over keys: reads made through
	// the KeyReader are invalidated if any watched key changes before the
	// queued writes commit, in which case fn is retried. ErrConflict is
	// returned once retries are exhausted.
	Atomic(ctx context.Context, keys []string, fn func(r KeyReader, b Batch) error) error
}
