package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/domain"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Redis       RedisConfig
	Postgres    PostgresConfig
	Server      ServerConfig
	JWT         JWTConfig
	Signing     SigningConfig
	Slack       SlackConfig
	Maintenance MaintenanceConfig
	Detection   DetectionConfig
	Log         LogConfig
	PolicyFile  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// PostgresConfig holds the optional durable threat log settings. An empty DSN
// keeps threats in Redis only.
type PostgresConfig struct {
	DSN      string
	MaxConns int
	// Migrate creates missing tables on startup.
	Migrate bool
}

// Enabled reports whether a DSN was configured.
func (c *PostgresConfig) Enabled() bool { return c.DSN != "" }

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	// TrustedProxies lists peers whose X-Forwarded-For header is honored.
	TrustedProxies []string
	// FloodRPS and FloodBurst size the in-process per-IP limiter.
	FloodRPS   float64
	FloodBurst int
}

// JWTConfig holds admin token settings.
type JWTConfig struct {
	Secret   string //nolint:gosec // G117: JWT signing secret config
	TokenTTL time.Duration
}

// SigningConfig holds the vote-signing key. Empty disables verification.
type SigningConfig struct {
	VoteSecret string //nolint:gosec // G117: HMAC key config
}

// SlackConfig holds threat alerting settings.
type SlackConfig struct {
	BotToken string
	Channel  string
	MinLevel domain.ThreatLevel
}

// Enabled reports whether Slack alerting is configured.
func (c *SlackConfig) Enabled() bool { return c.BotToken != "" && c.Channel != "" }

// MaintenanceConfig drives the background scheduler.
type MaintenanceConfig struct {
	Interval      time.Duration
	DecayInterval time.Duration
	DecayAmount   float64
	OpsPerSecond  float64
}

// DetectionConfig tunes the detectors.
type DetectionConfig struct {
	BlockThreshold    float64
	VoteWindow        time.Duration
	MinWindowVotes    int
	BotHistoryWindow  time.Duration
	ThreatResolvedTTL time.Duration

	// ThreatDedupeWindow suppresses repeats of an active (type, source,
	// target) threat. Zero records every detection.
	ThreatDedupeWindow time.Duration
}

// LogConfig selects zerolog level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production the JWT
// secret and vote-signing key must be set explicitly.
func Load() (*Config, error) {
	redisDB, err := getEnvInt("CIVICGUARD_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	pgMaxConns, err := getEnvInt("CIVICGUARD_POSTGRES_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	pgMigrate, err := getEnvBool("CIVICGUARD_POSTGRES_MIGRATE", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("CIVICGUARD_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("CIVICGUARD_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	floodRPS, err := getEnvFloat("CIVICGUARD_FLOOD_RPS", 50)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	floodBurst, err := getEnvInt("CIVICGUARD_FLOOD_BURST", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tokenTTL, err := getEnvDuration("CIVICGUARD_JWT_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maintInterval, err := getEnvDuration("CIVICGUARD_MAINTENANCE_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	decayInterval, err := getEnvDuration("CIVICGUARD_DECAY_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	decayAmount, err := getEnvFloat("CIVICGUARD_DECAY_AMOUNT", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	opsPerSecond, err := getEnvFloat("CIVICGUARD_MAINTENANCE_OPS_PER_SECOND", 500)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	blockThreshold, err := getEnvFloat("CIVICGUARD_BLOCK_THRESHOLD", 80)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	voteWindow, err := getEnvDuration("CIVICGUARD_VOTE_WINDOW", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	minWindowVotes, err := getEnvInt("CIVICGUARD_MIN_WINDOW_VOTES", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	botHistory, err := getEnvDuration("CIVICGUARD_BOT_HISTORY_WINDOW", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	resolvedTTL, err := getEnvDuration("CIVICGUARD_THREAT_RESOLVED_TTL", 30*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dedupeWindow, err := getEnvDuration("CIVICGUARD_THREAT_DEDUPE_WINDOW", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Redis: RedisConfig{
			Addr:     getEnv("CIVICGUARD_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("CIVICGUARD_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Postgres: PostgresConfig{
			DSN:      getEnv("CIVICGUARD_POSTGRES_DSN", ""),
			MaxConns: pgMaxConns,
			Migrate:  pgMigrate,
		},
		Server: ServerConfig{
			Addr:           getEnv("CIVICGUARD_SERVER_ADDR", ":8080"),
			ReadTimeout:    readTimeout,
			WriteTimeout:   writeTimeout,
			CORSOrigins:    getEnvList("CIVICGUARD_CORS_ORIGINS", []string{"http://localhost:5173"}),
			TrustedProxies: getEnvList("CIVICGUARD_TRUSTED_PROXIES", nil),
			FloodRPS:       floodRPS,
			FloodBurst:     floodBurst,
		},
		JWT: JWTConfig{
			Secret:   getEnv("CIVICGUARD_JWT_SECRET", ""),
			TokenTTL: tokenTTL,
		},
		Signing: SigningConfig{
			VoteSecret: getEnv("CIVICGUARD_VOTE_SIGNING_SECRET", ""),
		},
		Slack: SlackConfig{
			BotToken: getEnv("CIVICGUARD_SLACK_BOT_TOKEN", ""),
			Channel:  getEnv("CIVICGUARD_SLACK_CHANNEL", ""),
			MinLevel: domain.ThreatLevel(getEnv("CIVICGUARD_SLACK_MIN_LEVEL", string(domain.ThreatLevelMedium))),
		},
		Maintenance: MaintenanceConfig{
			Interval:      maintInterval,
			DecayInterval: decayInterval,
			DecayAmount:   decayAmount,
			OpsPerSecond:  opsPerSecond,
		},
		Detection: DetectionConfig{
			BlockThreshold:     blockThreshold,
			VoteWindow:         voteWindow,
			MinWindowVotes:     minWindowVotes,
			BotHistoryWindow:   botHistory,
			ThreatResolvedTTL:  resolvedTTL,
			ThreatDedupeWindow: dedupeWindow,
		},
		Log: LogConfig{
			Level:  getEnv("CIVICGUARD_LOG_LEVEL", "info"),
			Format: getEnv("CIVICGUARD_LOG_FORMAT", "json"),
		},
		PolicyFile: getEnv("CIVICGUARD_POLICY_FILE", ""),
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return errors.New("CIVICGUARD_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("CIVICGUARD_JWT_SECRET must be at least 32 characters")
	}

	if c.Signing.VoteSecret == "" {
		log.Warn().Msg("CIVICGUARD_VOTE_SIGNING_SECRET is unset; vote signatures will not be verified")
	}

	if c.Redis.DB < 0 {
		return fmt.Errorf("CIVICGUARD_REDIS_DB must be >= 0, got %d", c.Redis.DB)
	}
	if c.Postgres.MaxConns < 1 {
		return fmt.Errorf("CIVICGUARD_POSTGRES_MAX_CONNS must be >= 1, got %d", c.Postgres.MaxConns)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("CIVICGUARD_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("CIVICGUARD_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.FloodRPS <= 0 || c.Server.FloodBurst < 1 {
		return fmt.Errorf("CIVICGUARD_FLOOD_RPS and CIVICGUARD_FLOOD_BURST must be positive, got %g/%d", c.Server.FloodRPS, c.Server.FloodBurst)
	}
	if _, err := netipPrefixes(c.Server.TrustedProxies); err != nil {
		return fmt.Errorf("CIVICGUARD_TRUSTED_PROXIES: %w", err)
	}
	if c.JWT.TokenTTL <= 0 {
		return fmt.Errorf("CIVICGUARD_JWT_TTL must be positive, got %s", c.JWT.TokenTTL)
	}
	if c.Slack.MinLevel.Rank() < 0 {
		return fmt.Errorf("CIVICGUARD_SLACK_MIN_LEVEL must be info, low, medium or high, got %q", c.Slack.MinLevel)
	}
	if c.Maintenance.Interval <= 0 {
		return fmt.Errorf("CIVICGUARD_MAINTENANCE_INTERVAL must be positive, got %s", c.Maintenance.Interval)
	}
	if c.Maintenance.DecayInterval <= 0 {
		return fmt.Errorf("CIVICGUARD_DECAY_INTERVAL must be positive, got %s", c.Maintenance.DecayInterval)
	}
	if c.Maintenance.DecayAmount <= 0 {
		return fmt.Errorf("CIVICGUARD_DECAY_AMOUNT must be positive, got %g", c.Maintenance.DecayAmount)
	}
	if c.Maintenance.OpsPerSecond <= 0 {
		return fmt.Errorf("CIVICGUARD_MAINTENANCE_OPS_PER_SECOND must be positive, got %g", c.Maintenance.OpsPerSecond)
	}
	if c.Detection.BlockThreshold <= 0 || c.Detection.BlockThreshold > 100 {
		return fmt.Errorf("CIVICGUARD_BLOCK_THRESHOLD must be in (0,100], got %g", c.Detection.BlockThreshold)
	}
	if c.Detection.VoteWindow <= 0 {
		return fmt.Errorf("CIVICGUARD_VOTE_WINDOW must be positive, got %s", c.Detection.VoteWindow)
	}
	if c.Detection.MinWindowVotes < 2 {
		return fmt.Errorf("CIVICGUARD_MIN_WINDOW_VOTES must be >= 2, got %d", c.Detection.MinWindowVotes)
	}
	if c.Detection.BotHistoryWindow <= 0 {
		return fmt.Errorf("CIVICGUARD_BOT_HISTORY_WINDOW must be positive, got %s", c.Detection.BotHistoryWindow)
	}
	if c.Detection.ThreatResolvedTTL <= 0 {
		return fmt.Errorf("CIVICGUARD_THREAT_RESOLVED_TTL must be positive, got %s", c.Detection.ThreatResolvedTTL)
	}
	if c.Detection.ThreatDedupeWindow < 0 {
		return fmt.Errorf("CIVICGUARD_THREAT_DEDUPE_WINDOW must not be negative, got %s", c.Detection.ThreatDedupeWindow)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// TrustedProxyPrefixes parses Server.TrustedProxies. Bare addresses are
// treated as single-host prefixes.
func (c *Config) TrustedProxyPrefixes() []netip.Prefix {
	out, _ := netipPrefixes(c.Server.TrustedProxies)
	return out
}

func netipPrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if addr, err := netip.ParseAddr(e); err == nil {
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", e, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
