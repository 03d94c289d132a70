// Package botdetect scores requests for automation by combining user-agent,
// header, timing, fingerprint and reputation signals.
package botdetect

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/metrics"
	"github.com/civicgov/civicguard/internal/scoring"
)

// Request is one inbound request as seen by the detector.
type Request struct {
	IP        string
	UserAgent string
	Path      string
	Headers   http.Header
	// Fingerprint holds collected device attributes (screen, timezone,
	// platform, ...). It may be empty.
	Fingerprint map[string]string
	At          time.Time
}

// Result is the detector's verdict.
type Result struct {
	IsBot      bool                    `json:"is_bot"`
	Confidence float64                 `json:"confidence"`
	Level      domain.ThreatLevel      `json:"level"`
	Score      float64                 `json:"score"`
	Reasons    []string                `json:"reasons"`
	Indicators []domain.FraudIndicator `json:"indicators"`
	Crawler    bool                    `json:"crawler,omitempty"`
	Threat     *domain.Threat          `json:"threat,omitempty"`
}

// ReputationSource supplies the IP reputation signal.
type ReputationSource interface {
	GetReputation(ctx context.Context, ip string) (*domain.IPReputationRecord, error)
}

type Config struct {
	// HistoryWindow bounds the per-IP request history used for timing.
	HistoryWindow time.Duration
	// MaxHistory caps how many recent requests are read back.
	MaxHistory int64
	// FingerprintTTL is how long per-IP fingerprint tracking lives.
	FingerprintTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10 * time.Minute
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 200
	}
	if c.FingerprintTTL <= 0 {
		c.FingerprintTTL = 24 * time.Hour
	}
	return c
}

// Detector is the bot and fraud detector.
type Detector struct {
	store      domain.KeyedStore
	reputation ReputationSource
	rules      []Rule
	cfg        Config
	now        func() time.Time
}

type Option func(*Detector)

// WithReputation adds the IP reputation analyzer.
func WithReputation(src ReputationSource) Option {
	return func(d *Detector) { d.reputation = src }
}

// WithRules replaces the default rule set.
func WithRules(rules []Rule) Option {
	return func(d *Detector) { d.rules = rules }
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func NewDetector(store domain.KeyedStore, cfg Config, opts ...Option) *Detector {
	d := &Detector{
		store: store,
		rules: DefaultRules(),
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func historyKey(ip string) string     { return "bot:hist:" + ip }
func fingerprintKey(ip string) string { return "bot:fp:" + ip }

// Analyze records req in the per-IP history and scores it. Missing signals
// contribute nothing; only store failures are returned as errors.
func (d *Detector) Analyze(ctx context.Context, req Request) (*Result, error) {
	if req.At.IsZero() {
		req.At = d.now()
	}

	if IsKnownCrawler(req.UserAgent) {
		metrics.BotVerdictsTotal.WithLabelValues(string(domain.ThreatLevelInfo)).Inc()
		return &Result{
			IsBot:      true,
			Confidence: 1,
			Level:      domain.ThreatLevelInfo,
			Crawler:    true,
			Reasons:    []string{"known search crawler"},
			Indicators: []domain.FraudIndicator{},
		}, nil
	}

	sig := &Signals{UserAgent: req.UserAgent}
	if req.Headers != nil {
		_, sig.HasAcceptLang = req.Headers[http.CanonicalHeaderKey("Accept-Language")]
		_, sig.HasAcceptEnc = req.Headers[http.CanonicalHeaderKey("Accept-Encoding")]
		sig.AcceptLanguage = req.Headers.Get("Accept-Language")
		sig.AcceptEncoding = req.Headers.Get("Accept-Encoding")
	}

	if req.IP != "" {
		if err := d.timingSignals(ctx, req, sig); err != nil {
			return nil, fmt.Errorf("botdetect.Detector.Analyze: %w", err)
		}
		if err := d.fingerprintSignals(ctx, req, sig); err != nil {
			return nil, fmt.Errorf("botdetect.Detector.Analyze: %w", err)
		}
		if d.reputation != nil {
			rec, err := d.reputation.GetReputation(ctx, req.IP)
			if err != nil {
				return nil, fmt.Errorf("botdetect.Detector.Analyze: %w", err)
			}
			if !rec.Whitelisted {
				sig.ReputationScore = rec.Score
			}
		}
	}

	res := Evaluate(d.rules, sig)
	metrics.BotVerdictsTotal.WithLabelValues(string(res.Level)).Inc()

	if res.IsBot && res.Confidence >= 0.5 {
		res.Threat = domain.NewThreat(domain.ThreatBotAttack, res.Level, req.IP, req.Path, req.At, res.Indicators)
		log.Warn().
			Str("ip", req.IP).
			Str("path", req.Path).
			Float64("confidence", res.Confidence).
			Strs("reasons", res.Reasons).
			Msg("botdetect: bot detected")
	}
	return res, nil
}

// Evaluate runs rules over sig. It never touches the store.
func Evaluate(rules []Rule, sig *Signals) *Result {
	res := &Result{Reasons: []string{}, Indicators: []domain.FraudIndicator{}}
	for _, r := range rules {
		if !r.Match(sig) {
			continue
		}
		res.Score += r.Weight
		res.Reasons = append(res.Reasons, r.Reason)
		res.Indicators = append(res.Indicators, domain.FraudIndicator{
			Type:        r.Name,
			Confidence:  scoring.Clamp(r.Weight/100, 0, 1),
			Description: r.Reason,
			Evidence:    map[string]any{"analyzer": r.Analyzer, "weight": r.Weight},
		})
	}
	res.Confidence = scoring.Clamp(res.Score/100, 0, 1)
	res.IsBot = res.Confidence > 0.5
	res.Level = domain.LevelForConfidence(res.Confidence)
	return res
}

// timingSignals appends req to the history and derives interval statistics.
func (d *Detector) timingSignals(ctx context.Context, req Request, sig *Signals) error {
	key := historyKey(req.IP)
	nowMs := req.At.UnixMilli()
	cutoff := float64(nowMs - d.cfg.HistoryWindow.Milliseconds())

	err := d.store.Batch(ctx, func(b domain.Batch) error {
		b.ZRemRangeByScore(key, math.Inf(-1), cutoff-1)
		b.ZAdd(key, domain.ScoredMember{
			Member: strconv.FormatInt(nowMs, 10) + "|" + uuid.NewString()[:8] + "|" + req.Path,
			Score:  float64(nowMs),
		})
		b.Expire(key, d.cfg.HistoryWindow)
		return nil
	})
	if err != nil {
		return err
	}

	recent, err := d.store.ZRevRangeByScore(ctx, key, cutoff, math.Inf(1), 0, d.cfg.MaxHistory)
	if err != nil {
		return err
	}
	// oldest first
	sort.Slice(recent, func(i, j int) bool { return recent[i].Score < recent[j].Score })

	times := make([]float64, 0, len(recent))
	paths := make([]string, 0, len(recent))
	for _, m := range recent {
		times = append(times, m.Score)
		if parts := strings.SplitN(m.Member, "|", 3); len(parts) == 3 {
			paths = append(paths, parts[2])
		}
	}

	sig.HistoryLen = len(times)
	intervals := scoring.Intervals(times)
	if len(intervals) > 0 {
		minIv := intervals[0]
		for _, iv := range intervals[1:] {
			minIv = math.Min(minIv, iv)
		}
		sig.MinInterval = time.Duration(minIv) * time.Millisecond
		sig.IntervalCV, sig.HasIntervalCV = scoring.CoefficientOfVariation(intervals)
	} else {
		sig.MinInterval = time.Duration(math.MaxInt64)
	}

	unique := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		unique[p] = struct{}{}
	}
	sig.UniquePaths = len(unique)
	sig.SequentialRun = LongestSequentialRun(paths)
	return nil
}

// LongestSequentialRun returns the longest run of consecutive paths whose
// trailing numeric segment increases by exactly one each step.
func LongestSequentialRun(paths []string) int {
	best, run := 0, 0
	var prev int64
	havePrev := false
	for _, p := range paths {
		n, ok := trailingNumber(p)
		switch {
		case !ok:
			run = 0
			havePrev = false
			continue
		case havePrev && n == prev+1:
			run++
		default:
			run = 1
		}
		prev, havePrev = n, true
		best = max(best, run)
	}
	return best
}

func trailingNumber(path string) (int64, bool) {
	path = strings.TrimRight(path, "/")
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	seg := path[strings.LastIndex(path, "/")+1:]
	if seg == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(seg, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Fingerprint hashes device attributes into a stable hex digest. Attribute
// order does not matter.
func Fingerprint(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(attrs[k])
		b.WriteByte('\n')
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// fingerprintSignals updates per-IP fingerprint tracking and reports changes.
func (d *Detector) fingerprintSignals(ctx context.Context, req Request, sig *Signals) error {
	key := fingerprintKey(req.IP)
	fp := Fingerprint(req.Fingerprint)
	nowMs := req.At.UnixMilli()

	return d.store.Atomic(ctx, []string{key}, func(r domain.KeyReader, b domain.Batch) error {
		fields, err := r.HGetAll(ctx, key)
		if err != nil {
			return err
		}
		changes, _ := strconv.ParseInt(fields["changes"], 10, 64)
		update := map[string]string{}

		if fp != "" {
			if prev := fields["fp"]; prev != "" && prev != fp {
				changes++
			}
			update["fp"] = fp
			update["changes"] = strconv.FormatInt(changes, 10)
		}

		quick := false
		if ua := req.UserAgent; ua != "" {
			if prevUA := fields["ua"]; prevUA != "" && prevUA != ua {
				if at, err := strconv.ParseInt(fields["ua_at"], 10, 64); err == nil && nowMs-at < 60_000 {
					quick = true
				}
			}
			update["ua"] = ua
			update["ua_at"] = strconv.FormatInt(nowMs, 10)
		}

		sig.FingerprintChanges = changes
		sig.QuickUAChange = quick
		if len(update) > 0 {
			b.HSet(key, update)
		}
		b.Expire(key, d.cfg.FingerprintTTL)
		return nil
	})
}
