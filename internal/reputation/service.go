// Package reputation keeps a scored history per IP address and combines it
// with network-range and recent-activity signals.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/metrics"
	"github.com/civicgov/civicguard/internal/scoring"
)

const (
	scoresKey = "iprep:scores"

	badRangeBonus   = 40
	datacenterBonus = 15

	authFailureWeight = 5
	authFailureCap    = 25
	wafBlockWeight    = 10
	wafBlockCap       = 30

	maxScore = 100
)

func recordKey(ip string) string    { return "iprep:rec:" + ip }
func categoryKey(ip string) string  { return "iprep:cat:" + ip }
func whitelistKey(ip string) string { return "iprep:wl:" + ip }

func activityKey(kind, ip string) string {
	return "iprep:act:" + kind + ":" + ip
}

// SeverityWeight maps a reported severity to the score it adds.
func SeverityWeight(s domain.Severity) (float64, error) {
	switch s {
	case domain.SeverityLow:
		return 5, nil
	case domain.SeverityMedium:
		return 15, nil
	case domain.SeverityHigh:
		return 30, nil
	case domain.SeverityCritical:
		return 50, nil
	default:
		return 0, fmt.Errorf("unknown severity %q: %w", s, domain.ErrInvalidInput)
	}
}

// Config tunes scoring. Zero values fall back to the defaults below.
type Config struct {
	BadRanges        []netip.Prefix
	DatacenterRanges []netip.Prefix

	// DecayAmount is subtracted from every non-zero history score once per
	// DecayPeriod.
	DecayAmount float64
	DecayPeriod time.Duration

	// ActivityWindow is how long request, auth-failure and WAF counters live.
	ActivityWindow time.Duration
	// Request volume inside ActivityWindow above which a bonus applies.
	ElevatedVolume int64
	HighVolume     int64
}

func (c Config) withDefaults() Config {
	if c.DecayAmount <= 0 {
		c.DecayAmount = 5
	}
	if c.DecayPeriod <= 0 {
		c.DecayPeriod = 24 * time.Hour
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = time.Hour
	}
	if c.ElevatedVolume <= 0 {
		c.ElevatedVolume = 300
	}
	if c.HighVolume <= 0 {
		c.HighVolume = 1000
	}
	return c
}

// ParsePrefixes parses CIDR strings; bare addresses become single-host
// prefixes.
func ParsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, s := range cidrs {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("reputation.ParsePrefixes: %q: %w", s, domain.ErrInvalidInput)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Service is the IP reputation service.
type Service struct {
	store domain.KeyedStore
	cfg   Config
	now   func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store domain.KeyedStore, cfg Config, opts ...Option) *Service {
	s := &Service{store: store, cfg: cfg.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetReputation composes history, range and activity signals into a score
// in [0,100]. Whitelisted addresses always score 0.
func (s *Service) GetReputation(ctx context.Context, ip string) (*domain.IPReputationRecord, error) {
	rec := &domain.IPReputationRecord{IP: ip, Categories: []string{}}

	wl, err := s.store.Exists(ctx, whitelistKey(ip))
	if err != nil {
		return nil, fmt.Errorf("reputation.Service.GetReputation: %w", err)
	}
	if wl {
		rec.Whitelisted = true
		return rec, nil
	}

	fields, err := s.store.HGetAll(ctx, recordKey(ip))
	if err != nil {
		return nil, fmt.Errorf("reputation.Service.GetReputation: %w", err)
	}
	rec.HistoryScore = scoring.Clamp(parseFloat(fields["history"]), 0, maxScore)
	rec.ReportCount, _ = strconv.ParseInt(fields["reports"], 10, 64)
	if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
		rec.LastSeen = time.UnixMilli(ms).UTC()
	}

	cats, err := s.store.SMembers(ctx, categoryKey(ip))
	if err != nil {
		return nil, fmt.Errorf("reputation.Service.GetReputation: %w", err)
	}
	rec.Categories = append(rec.Categories, cats...)

	score := rec.HistoryScore
	if addr, err := netip.ParseAddr(ip); err == nil {
		addr = addr.Unmap()
		if containsAddr(s.cfg.BadRanges, addr) {
			score += badRangeBonus
			rec.Categories = append(rec.Categories, "known_bad_range")
		}
		if containsAddr(s.cfg.DatacenterRanges, addr) {
			score += datacenterBonus
			rec.Categories = append(rec.Categories, "datacenter")
		}
	}

	activity, err := s.activityBonus(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("reputation.Service.GetReputation: %w", err)
	}
	score += activity

	sort.Strings(rec.Categories)
	rec.Score = scoring.Clamp(score, 0, maxScore)
	rec.AbuseConfidence = AbuseConfidence(rec.Score, rec.ReportCount)
	return rec, nil
}

// AbuseConfidence is min(100, score*0.7 + reports*5).
func AbuseConfidence(score float64, reports int64) float64 {
	return scoring.Clamp(score*0.7+float64(reports)*5, 0, maxScore)
}

func (s *Service) activityBonus(ctx context.Context, ip string) (float64, error) {
	count := func(kind string) (int64, error) {
		v, err := s.store.Get(ctx, activityKey(kind, ip))
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		n, _ := strconv.ParseInt(v, 10, 64)
		return n, nil
	}

	requests, err := count("req")
	if err != nil {
		return 0, err
	}
	authFailures, err := count("auth")
	if err != nil {
		return 0, err
	}
	wafBlocks, err := count("waf")
	if err != nil {
		return 0, err
	}

	var bonus float64
	switch {
	case requests > s.cfg.HighVolume:
		bonus += 15
	case requests > s.cfg.ElevatedVolume:
		bonus += 5
	}
	bonus += math.Min(float64(authFailures*authFailureWeight), authFailureCap)
	bonus += math.Min(float64(wafBlocks*wafBlockWeight), wafBlockCap)
	return bonus, nil
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// RecordRequest counts one request from ip in the activity window.
func (s *Service) RecordRequest(ctx context.Context, ip string) error {
	return s.recordActivity(ctx, "req", ip)
}

// RecordAuthFailure counts a failed authentication from ip.
func (s *Service) RecordAuthFailure(ctx context.Context, ip string) error {
	return s.recordActivity(ctx, "auth", ip)
}

// RecordWAFBlock counts a request from ip blocked by the WAF.
func (s *Service) RecordWAFBlock(ctx context.Context, ip string) error {
	return s.recordActivity(ctx, "waf", ip)
}

func (s *Service) recordActivity(ctx context.Context, kind, ip string) error {
	if _, err := s.store.IncrWithExpiry(ctx, activityKey(kind, ip), s.cfg.ActivityWindow); err != nil {
		return fmt.Errorf("reputation.Service.RecordActivity: %w", err)
	}
	return nil
}

// UpdateReputation applies one report. Negative reports add their weight and
// count towards reportCount; positive reports subtract. The stored history
// always stays in [0,100]. Reports on whitelisted addresses are ignored.
func (s *Service) UpdateReputation(ctx context.Context, ip string, report domain.ReputationReport) (*domain.IPReputationRecord, error) {
	if ip == "" || report.Weight < 0 || math.IsNaN(report.Weight) || math.IsInf(report.Weight, 0) {
		return nil, fmt.Errorf("reputation.Service.UpdateReputation: %w", domain.ErrInvalidInput)
	}
	if report.Type != domain.ReportPositive && report.Type != domain.ReportNegative {
		return nil, fmt.Errorf("reputation.Service.UpdateReputation: unknown report type %q: %w", report.Type, domain.ErrInvalidInput)
	}

	wl, err := s.store.Exists(ctx, whitelistKey(ip))
	if err != nil {
		return nil, fmt.Errorf("reputation.Service.UpdateReputation: %w", err)
	}
	if wl {
		log.Debug().Str("ip", ip).Msg("reputation: ignoring report for whitelisted ip")
		return s.GetReputation(ctx, ip)
	}

	key := recordKey(ip)
	now := s.now()
	err = s.store.Atomic(ctx, []string{key}, func(r domain.KeyReader, b domain.Batch) error {
		fields, err := r.HGetAll(ctx, key)
		if err != nil {
			return err
		}
		history := scoring.Clamp(parseFloat(fields["history"]), 0, maxScore)
		reports, _ := strconv.ParseInt(fields["reports"], 10, 64)

		if report.Type == domain.ReportNegative {
			history += report.Weight
			reports++
		} else {
			history -= report.Weight
		}
		history = scoring.Clamp(history, 0, maxScore)

		b.HSet(key, map[string]string{
			"history":   strconv.FormatFloat(history, 'f', -1, 64),
			"reports":   strconv.FormatInt(reports, 10),
			"last_seen": strconv.FormatInt(now.UnixMilli(), 10),
		})
		if history > 0 {
			b.ZAdd(scoresKey, domain.ScoredMember{Member: ip, Score: history})
		} else {
			b.ZRem(scoresKey, ip)
		}
		if report.Type == domain.ReportNegative && report.Reason != "" {
			b.SAdd(categoryKey(ip), report.Reason)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reputation.Service.UpdateReputation: %w", err)
	}

	metrics.ReputationReportsTotal.WithLabelValues(string(report.Type)).Inc()
	return s.GetReputation(ctx, ip)
}

// ReportIP files a negative report weighted by severity.
func (s *Service) ReportIP(ctx context.Context, ip, reason string, severity domain.Severity) (*domain.IPReputationRecord, error) {
	weight, err := SeverityWeight(severity)
	if err != nil {
		return nil, fmt.Errorf("reputation.Service.ReportIP: %w", err)
	}
	rec, err := s.UpdateReputation(ctx, ip, domain.ReputationReport{
		Type:   domain.ReportNegative,
		Reason: reason,
		Weight: weight,
	})
	if err != nil {
		return nil, err
	}
	log.Warn().
		Str("ip", ip).
		Str("reason", reason).
		Str("severity", string(severity)).
		Float64("score", rec.Score).
		Msg("reputation: ip reported")
	return rec, nil
}

// ShouldBlock reports whether the composed score reaches threshold.
func (s *Service) ShouldBlock(ctx context.Context, ip string, threshold float64) (bool, error) {
	rec, err := s.GetReputation(ctx, ip)
	if err != nil {
		return false, err
	}
	return !rec.Whitelisted && rec.Score >= threshold, nil
}

// WhitelistIP clears history for ip and exempts it from scoring. A zero ttl
// whitelists permanently.
func (s *Service) WhitelistIP(ctx context.Context, ip, reason string, ttl time.Duration) error {
	if _, err := netip.ParseAddr(ip); err != nil {
		return fmt.Errorf("reputation.Service.WhitelistIP: %q: %w", ip, domain.ErrInvalidInput)
	}
	if reason == "" {
		reason = "manual"
	}
	err := s.store.Batch(ctx, func(b domain.Batch) error {
		b.Set(whitelistKey(ip), reason, ttl)
		b.Del(recordKey(ip), categoryKey(ip),
			activityKey("req", ip), activityKey("auth", ip), activityKey("waf", ip))
		b.ZRem(scoresKey, ip)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reputation.Service.WhitelistIP: %w", err)
	}
	log.Info().Str("ip", ip).Str("reason", reason).Dur("ttl", ttl).Msg("reputation: ip whitelisted")
	return nil
}

// RemoveFromWhitelist ends a whitelist entry early.
func (s *Service) RemoveFromWhitelist(ctx context.Context, ip string) error {
	if _, err := s.store.Del(ctx, whitelistKey(ip)); err != nil {
		return fmt.Errorf("reputation.Service.RemoveFromWhitelist: %w", err)
	}
	return nil
}

// GetTopMaliciousIPs returns up to limit addresses with the highest history
// score, most malicious first.
func (s *Service) GetTopMaliciousIPs(ctx context.Context, limit int) ([]*domain.IPReputationRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	members, err := s.store.ZRevRangeByScore(ctx, scoresKey, 0, math.Inf(1), 0, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("reputation.Service.GetTopMaliciousIPs: %w", err)
	}
	out := make([]*domain.IPReputationRecord, 0, len(members))
	for _, m := range members {
		rec, err := s.GetReputation(ctx, m.Member)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// DecayReputations subtracts the decay amount from every non-zero history
// score at most once per decay period. Re-running within the same period
// changes nothing.
func (s *Service) DecayReputations(ctx context.Context) (int, error) {
	period := strconv.FormatInt(s.now().UnixMilli()/s.cfg.DecayPeriod.Milliseconds(), 10)

	members, err := s.store.ZRevRangeByScore(ctx, scoresKey, 0, math.Inf(1), 0, 0)
	if err != nil {
		return 0, fmt.Errorf("reputation.Service.DecayReputations: %w", err)
	}

	decayed := 0
	for _, m := range members {
		ip := m.Member
		key := recordKey(ip)
		changed := false
		err := s.store.Atomic(ctx, []string{key}, func(r domain.KeyReader, b domain.Batch) error {
			changed = false
			fields, err := r.HGetAll(ctx, key)
			if err != nil {
				return err
			}
			if fields["decay_period"] == period {
				return nil
			}
			history := scoring.Clamp(parseFloat(fields["history"])-s.cfg.DecayAmount, 0, maxScore)
			b.HSet(key, map[string]string{
				"history":      strconv.FormatFloat(history, 'f', -1, 64),
				"decay_period": period,
			})
			if history > 0 {
				b.ZAdd(scoresKey, domain.ScoredMember{Member: ip, Score: history})
			} else {
				b.ZRem(scoresKey, ip)
			}
			changed = true
			return nil
		})
		if err != nil {
			return decayed, fmt.Errorf("reputation.Service.DecayReputations: %s: %w", ip, err)
		}
		if changed {
			decayed++
		}
	}

	log.Info().Int("decayed", decayed).Int("tracked", len(members)).Msg("reputation: decay complete")
	return decayed, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
