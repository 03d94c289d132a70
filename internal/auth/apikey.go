package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/hashing"
)

// ErrInvalidAPIKey is returned when an API key is not found or the hash does not match.
var ErrInvalidAPIKey = errors.New("auth: invalid API key")

const (
	apiKeyPrefix    = "cg_"
	apiKeyRandLen   = 16 // 16 bytes = 32 hex chars
	apiKeyPrefixLen = 11 // "cg_" + 8 hex chars, used for lookup
)

func apiKeyKey(prefix string) string { return "apikey:" + prefix }

// APIKey is the stored record of an issued key. Only the hash is kept.
type APIKey struct {
	Prefix     string
	Name       string
	Role       string
	KeyHash    string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
}

// KeyStore issues and validates API keys held in the keyed store.
type KeyStore struct {
	store domain.KeyedStore
	now   func() time.Time
}

type Option func(*KeyStore)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *KeyStore) { s.now = now }
}

func NewKeyStore(store domain.KeyedStore, opts ...Option) *KeyStore {
	s := &KeyStore{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate creates a key and returns the raw value, shown to the caller
// once. A zero ttl never expires.
func (s *KeyStore) Generate(ctx context.Context, name, role string, ttl time.Duration) (string, *APIKey, error) {
	if name == "" || (role != RoleAdmin && role != RoleService) {
		return "", nil, fmt.Errorf("auth.KeyStore.Generate: name and a known role are required: %w", domain.ErrInvalidInput)
	}

	raw := make([]byte, apiKeyRandLen)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("auth.KeyStore.Generate: %w", err)
	}
	rawKey := apiKeyPrefix + hex.EncodeToString(raw)

	now := s.now().UTC()
	key := &APIKey{
		Prefix:    rawKey[:apiKeyPrefixLen],
		Name:      name,
		Role:      role,
		KeyHash:   hashing.Hash([]byte(rawKey)),
		CreatedAt: now,
	}
	fields := map[string]string{
		"name":    key.Name,
		"role":    key.Role,
		"hash":    key.KeyHash,
		"created": strconv.FormatInt(now.UnixMilli(), 10),
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
		fields["expires"] = strconv.FormatInt(exp.UnixMilli(), 10)
	}

	if err := s.store.HSet(ctx, apiKeyKey(key.Prefix), fields); err != nil {
		return "", nil, fmt.Errorf("auth.KeyStore.Generate: %w", err)
	}
	if ttl > 0 {
		if err := s.store.Expire(ctx, apiKeyKey(key.Prefix), ttl); err != nil {
			return "", nil, fmt.Errorf("auth.KeyStore.Generate: %w", err)
		}
	}

	return rawKey, key, nil
}

// Validate looks the key up by prefix and compares hashes.
func (s *KeyStore) Validate(ctx context.Context, rawKey string) (*APIKey, error) {
	if len(rawKey) <= apiKeyPrefixLen || !strings.HasPrefix(rawKey, apiKeyPrefix) {
		return nil, fmt.Errorf("auth.KeyStore.Validate: %w", ErrInvalidAPIKey)
	}
	prefix := rawKey[:apiKeyPrefixLen]

	key, err := s.get(ctx, prefix)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("auth.KeyStore.Validate: %w", ErrInvalidAPIKey)
	}
	if err != nil {
		return nil, fmt.Errorf("auth.KeyStore.Validate: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hashing.Hash([]byte(rawKey)))) != 1 {
		return nil, fmt.Errorf("auth.KeyStore.Validate: %w", ErrInvalidAPIKey)
	}

	now := s.now()
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return nil, fmt.Errorf("auth.KeyStore.Validate: key expired: %w", ErrInvalidAPIKey)
	}

	// Fire and forget.
	if err := s.store.HSet(ctx, apiKeyKey(prefix), map[string]string{"last_used": strconv.FormatInt(now.UnixMilli(), 10)}); err != nil {
		log.Warn().Err(err).Str("api_key", prefix).Msg("auth: failed to update api key last_used")
	}

	return key, nil
}

// Revoke deletes the key with the given prefix.
func (s *KeyStore) Revoke(ctx context.Context, prefix string) error {
	n, err := s.store.Del(ctx, apiKeyKey(prefix))
	if err != nil {
		return fmt.Errorf("auth.KeyStore.Revoke: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("auth.KeyStore.Revoke: %w", domain.ErrNotFound)
	}
	return nil
}

// List returns every stored key sorted by prefix. Hashes are included.
func (s *KeyStore) List(ctx context.Context) ([]*APIKey, error) {
	keys, err := s.store.Scan(ctx, apiKeyKey("*"))
	if err != nil {
		return nil, fmt.Errorf("auth.KeyStore.List: %w", err)
	}
	out := make([]*APIKey, 0, len(keys))
	for _, k := range keys {
		key, err := s.get(ctx, strings.TrimPrefix(k, apiKeyKey("")))
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("auth.KeyStore.List: %w", err)
		}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out, nil
}

func (s *KeyStore) get(ctx context.Context, prefix string) (*APIKey, error) {
	fields, err := s.store.HGetAll(ctx, apiKeyKey(prefix))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 || fields["hash"] == "" {
		return nil, domain.ErrNotFound
	}

	key := &APIKey{
		Prefix:    prefix,
		Name:      fields["name"],
		Role:      fields["role"],
		KeyHash:   fields["hash"],
		CreatedAt: msTime(fields["created"]),
	}
	if v, ok := fields["expires"]; ok {
		t := msTime(v)
		key.ExpiresAt = &t
	}
	if v, ok := fields["last_used"]; ok {
		t := msTime(v)
		key.LastUsedAt = &t
	}
	return key, nil
}

func msTime(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(ms).UTC()
}
