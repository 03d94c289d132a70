package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civicgov/civicguard/internal/domain"
)

const defaultAtomicRetries = 16

// Store implements domain.KeyedStore on top of a Redis client.
type Store struct {
	client     *redis.Client
	maxRetries int
}

var _ domain.KeyedStore = (*Store)(nil) //nolint:gochecknoglobals // compile-time check

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.NewClient: ping: %w", err)
	}

	return client, nil
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, maxRetries: defaultAtomicRetries}
}

func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("redis.Store.Close: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr("redis.Store.Ping", err)
	}
	return nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

func toScored(zs []redis.Z) []domain.ScoredMember {
	out := make([]domain.ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			member = fmt.Sprint(z.Member)
		}
		out = append(out, domain.ScoredMember{Member: member, Score: z.Score})
	}
	return out
}

func toZ(members []domain.ScoredMember) []redis.Z {
	zs := make([]redis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, redis.Z{Score: m.Score, Member: m.Member})
	}
	return zs
}

func toArgs(values []string) []any {
	args := make([]any, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}
	return args
}

func toFieldArgs(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// readCmdable is the read subset shared by *redis.Client and *redis.Tx.
type readCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	ZCount(ctx context.Context, key, minScore, maxScore string) *redis.IntCmd
	ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd
}

type reader struct {
	c readCmdable
}

func (r reader) Get(ctx context.Context, key string) (string, error) {
	v, err := r.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", storeErr("redis.Store.Get", err)
	}
	return v, nil
}

func (r reader) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, storeErr("redis.Store.HGetAll", err)
	}
	return v, nil
}

func (r reader) ZCount(ctx context.Context, key string, minScore, maxScore float64) (int64, error) {
	n, err := r.c.ZCount(ctx, key, formatScore(minScore), formatScore(maxScore)).Result()
	if err != nil {
		return 0, storeErr("redis.Store.ZCount", err)
	}
	return n, nil
}

func (r reader) ZRangeByScore(ctx context.Context, key string, minScore, maxScore float64, limit int64) ([]domain.ScoredMember, error) {
	opt := &redis.ZRangeBy{Min: formatScore(minScore), Max: formatScore(maxScore)}
	if limit > 0 {
		opt.Count = limit
	}
	zs, err := r.c.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, storeErr("redis.Store.ZRangeByScore", err)
	}
	return toScored(zs), nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return reader{s.client}.Get(ctx, key)
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return reader{s.client}.HGetAll(ctx, key)
}

func (s *Store) ZCount(ctx context.Context, key string, minScore, maxScore float64) (int64, error) {
	return reader{s.client}.ZCount(ctx, key, minScore, maxScore)
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, minScore, maxScore float64, limit int64) ([]domain.ScoredMember, error) {
	return reader{s.client}.ZRangeByScore(ctx, key, minScore, maxScore, limit)
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return storeErr("redis.Store.Set", err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, storeErr("redis.Store.Del", err)
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, storeErr("redis.Store.Exists", err)
	}
	return n > 0, nil
}

// IncrWithExpiry increments key and sets its expiry in one MULTI/EXEC.
func (s *Store) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("redis.Store.IncrWithExpiry", err)
	}
	return incr.Val(), nil
}

func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, storeErr("redis.Store.IncrBy", err)
	}
	return v, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return storeErr("redis.Store.Expire", err)
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", storeErr("redis.Store.HGet", err)
	}
	return v, nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, key, toFieldArgs(fields)).Err(); err != nil {
		return storeErr("redis.Store.HSet", err)
	}
	return nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return storeErr("redis.Store.HDel", err)
	}
	return nil
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	v, err := s.client.HIncrBy(ctx, key, field, n).Result()
	if err != nil {
		return 0, storeErr("redis.Store.HIncrBy", err)
	}
	return v, nil
}

func (s *Store) ZAdd(ctx context.Context, key string, members ...domain.ScoredMember) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.ZAdd(ctx, key, toZ(members)...).Err(); err != nil {
		return storeErr("redis.Store.ZAdd", err)
	}
	return nil
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.ZRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return storeErr("redis.Store.ZRem", err)
	}
	return nil
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, minScore, maxScore float64) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key, formatScore(minScore), formatScore(maxScore)).Result()
	if err != nil {
		return 0, storeErr("redis.Store.ZRemRangeByScore", err)
	}
	return n, nil
}

// ZRevRangeByScore returns members between minScore and maxScore, highest first.
// A non-positive limit returns everything after offset.
func (s *Store) ZRevRangeByScore(ctx context.Context, key string, minScore, maxScore float64, offset, limit int64) ([]domain.ScoredMember, error) {
	opt := &redis.ZRangeBy{Min: formatScore(minScore), Max: formatScore(maxScore)}
	if limit > 0 || offset > 0 {
		opt.Offset = offset
		opt.Count = limit
		if limit <= 0 {
			opt.Count = -1
		}
	}
	zs, err := s.client.ZRevRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, storeErr("redis.Store.ZRevRangeByScore", err)
	}
	return toScored(zs), nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, storeErr("redis.Store.ZCard", err)
	}
	return n, nil
}

func (s *Store) ZScore(ctx context.Context, key, member string) (float64, error) {
	v, err := s.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, storeErr("redis.Store.ZScore", err)
	}
	return v, nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.SAdd(ctx, key, toArgs(members)...).Err(); err != nil {
		return storeErr("redis.Store.SAdd", err)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, storeErr("redis.Store.SMembers", err)
	}
	return v, nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.SRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return storeErr("redis.Store.SRem", err)
	}
	return nil
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, storeErr("redis.Store.SCard", err)
	}
	return n, nil
}

// Scan walks the keyspace with SCAN MATCH. SCAN may return a key more than
// once, so results are deduplicated.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return nil, storeErr("redis.Store.Scan", err)
		}
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *Store) Batch(ctx context.Context, fn func(b domain.Batch) error) error {
	b := &batch{}
	if err := fn(b); err != nil {
		return err
	}
	if len(b.ops) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		b.apply(ctx, pipe)
		return nil
	})
	if err != nil {
		return storeErr("redis.Store.Batch", err)
	}
	return nil
}

// Atomic implements the optimistic compare-and-swap loop with WATCH/MULTI/EXEC.
func (s *Store) Atomic(ctx context.Context, keys []string, fn func(r domain.KeyReader, b domain.Batch) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var fnErr error
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			b := &batch{}
			if fnErr = fn(reader{tx}, b); fnErr != nil {
				return fnErr
			}
			if len(b.ops) == 0 {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				b.apply(ctx, pipe)
				return nil
			})
			return err
		}, keys...)
		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return storeErr("redis.Store.Atomic", err)
		}
	}
	return fmt.Errorf("redis.Store.Atomic: %d attempts: %w", s.maxRetries, domain.ErrConflict)
}

// batch records writes as closures replayed onto a pipeline.
type batch struct {
	ops []func(ctx context.Context, pipe redis.Pipeliner)
}

var _ domain.Batch = (*batch)(nil) //nolint:gochecknoglobals // compile-time check

func (b *batch) apply(ctx context.Context, pipe redis.Pipeliner) {
	for _, op := range b.ops {
		op(ctx, pipe)
	}
}

func (b *batch) Set(key, value string, ttl time.Duration) {
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, key, value, ttl)
	})
}

func (b *batch) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, keys...)
	})
}

func (b *batch) Expire(key string, ttl time.Duration) {
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.PExpire(ctx, key, ttl)
	})
}

func (b *batch) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	args := toFieldArgs(fields)
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, args)
	})
}

func (b *batch) HDel(key string, fields ...string) {
	if len(fields) == 0 {
		return
	}
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HDel(ctx, key, fields...)
	})
}

func (b *batch) ZAdd(key string, members ...domain.ScoredMember) {
	if len(members) == 0 {
		return
	}
	zs := toZ(members)
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, key, zs...)
	})
}

func (b *batch) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := toArgs(members)
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.ZRem(ctx, key, args...)
	})
}

func (b *batch) ZRemRangeByScore(key string, minScore, maxScore float64) {
	lo, hi := formatScore(minScore), formatScore(maxScore)
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.ZRemRangeByScore(ctx, key, lo, hi)
	})
}

func (b *batch) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := toArgs(members)
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SAdd(ctx, key, args...)
	})
}

func (b *batch) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := toArgs(members)
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SRem(ctx, key, args...)
	})
}
