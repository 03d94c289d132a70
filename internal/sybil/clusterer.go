// Package sybil groups accounts by shared device and network fingerprints
// and detects coordinated voting bursts.
package sybil

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/scoring"
)

const (
	deviceClusterMin = 3
	ipClusterMin     = 5
	ipClusterFloor   = 0.6
	creationBucket   = 5 * time.Minute

	burstWindow       = 30 * time.Second
	burstMinVotes     = 10
	burstDominance    = 0.9
	behaviorMinSample = 10
	// maxVoteSkew bounds how far a cast time may run ahead of the clock.
	maxVoteSkew = time.Minute
)

type ClusterKind string

const (
	ClusterDevice ClusterKind = "device"
	ClusterIP     ClusterKind = "ip"
)

// Account is what the clusterer tracks about a registration or login.
type Account struct {
	ID         string    `json:"id"`
	DeviceHash string    `json:"device_hash,omitempty"`
	IP         string    `json:"ip,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Cluster is a group of accounts sharing one device or address.
type Cluster struct {
	Kind       ClusterKind `json:"kind"`
	Key        string      `json:"key"`
	Accounts   []string    `json:"accounts"`
	Confidence float64     `json:"confidence"`
}

// Vote is one ballot on a proposal.
type Vote struct {
	ProposalID string    `json:"proposal_id"`
	VoterID    string    `json:"voter_id"`
	Choice     string    `json:"choice"`
	At         time.Time `json:"at"`
}

type Config struct {
	// TrackingTTL is how long account associations are remembered.
	TrackingTTL time.Duration
	// VoteTTL is how long votes stay available for burst detection.
	VoteTTL time.Duration
	// MinWindowVotes is the vote count a window needs before it is examined.
	MinWindowVotes int
}

func (c Config) withDefaults() Config {
	if c.TrackingTTL <= 0 {
		c.TrackingTTL = 30 * 24 * time.Hour
	}
	if c.VoteTTL <= 0 {
		c.VoteTTL = 24 * time.Hour
	}
	if c.MinWindowVotes <= 0 {
		c.MinWindowVotes = burstMinVotes
	}
	return c
}

// Clusterer is the Sybil clusterer.
type Clusterer struct {
	store domain.KeyedStore
	cfg   Config
	now   func() time.Time
}

type Option func(*Clusterer)

func WithClock(now func() time.Time) Option {
	return func(c *Clusterer) { c.now = now }
}

func NewClusterer(store domain.KeyedStore, cfg Config, opts ...Option) *Clusterer {
	c := &Clusterer{store: store, cfg: cfg.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const (
	devicePrefix  = "sybil:dev:"
	ipPrefix      = "sybil:ip:"
	accountPrefix = "sybil:acct:"
	votesPrefix   = "sybil:votes:"
)

// TrackAccount associates an account with its device hash and address.
func (c *Clusterer) TrackAccount(ctx context.Context, acct Account) error {
	if acct.ID == "" {
		return fmt.Errorf("sybil.Clusterer.TrackAccount: empty account id: %w", domain.ErrInvalidInput)
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = c.now()
	}
	ttl := c.cfg.TrackingTTL
	err := c.store.Batch(ctx, func(b domain.Batch) error {
		b.HSet(accountPrefix+acct.ID, map[string]string{
			"created": strconv.FormatInt(acct.CreatedAt.UnixMilli(), 10),
			"device":  acct.DeviceHash,
			"ip":      acct.IP,
		})
		b.Expire(accountPrefix+acct.ID, ttl)
		if acct.DeviceHash != "" {
			b.SAdd(devicePrefix+acct.DeviceHash, acct.ID)
			b.Expire(devicePrefix+acct.DeviceHash, ttl)
		}
		if acct.IP != "" {
			b.SAdd(ipPrefix+acct.IP, acct.ID)
			b.Expire(ipPrefix+acct.IP, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sybil.Clusterer.TrackAccount: %w", err)
	}
	return nil
}

// DeviceConfidence is min(0.5 + 0.1n, 0.95).
func DeviceConfidence(n int) float64 {
	return math.Min(0.5+0.1*float64(n), 0.95)
}

// DeviceCluster returns the accounts sharing deviceHash, or nil when fewer
// than three do.
func (c *Clusterer) DeviceCluster(ctx context.Context, deviceHash string) (*Cluster, error) {
	ids, err := c.store.SMembers(ctx, devicePrefix+deviceHash)
	if err != nil {
		return nil, fmt.Errorf("sybil.Clusterer.DeviceCluster: %w", err)
	}
	if len(ids) < deviceClusterMin {
		return nil, nil
	}
	sort.Strings(ids)
	return &Cluster{Kind: ClusterDevice, Key: deviceHash, Accounts: ids, Confidence: DeviceConfidence(len(ids))}, nil
}

// IPConfidence combines cluster size with the fraction of accounts created in
// the same 5-minute bucket as another account.
func IPConfidence(n int, sharedCreationFraction float64) float64 {
	base := math.Min(0.4+float64(n-ipClusterMin)*0.05, 0.7)
	return math.Min(base+scoring.Clamp(sharedCreationFraction, 0, 1)*0.3, 0.95)
}

// SharedCreationFraction is the fraction of timestamps whose 5-minute bucket
// contains at least one other timestamp.
func SharedCreationFraction(created []time.Time) float64 {
	if len(created) == 0 {
		return 0
	}
	buckets := make(map[int64]int, len(created))
	for _, t := range created {
		buckets[t.UnixMilli()/creationBucket.Milliseconds()]++
	}
	shared := 0
	for _, t := range created {
		if buckets[t.UnixMilli()/creationBucket.Milliseconds()] > 1 {
			shared++
		}
	}
	return float64(shared) / float64(len(created))
}

// IPCluster returns the accounts seen from ip when there are at least five
// and the combined confidence reaches 0.6.
func (c *Clusterer) IPCluster(ctx context.Context, ip string) (*Cluster, error) {
	ids, err := c.store.SMembers(ctx, ipPrefix+ip)
	if err != nil {
		return nil, fmt.Errorf("sybil.Clusterer.IPCluster: %w", err)
	}
	if len(ids) < ipClusterMin {
		return nil, nil
	}

	created := make([]time.Time, 0, len(ids))
	for _, id := range ids {
		fields, err := c.store.HGetAll(ctx, accountPrefix+id)
		if err != nil {
			return nil, fmt.Errorf("sybil.Clusterer.IPCluster: %w", err)
		}
		if ms, err := strconv.ParseInt(fields["created"], 10, 64); err == nil {
			created = append(created, time.UnixMilli(ms))
		}
	}

	conf := IPConfidence(len(ids), SharedCreationFraction(created))
	if conf < ipClusterFloor {
		return nil, nil
	}
	sort.Strings(ids)
	return &Cluster{Kind: ClusterIP, Key: ip, Accounts: ids, Confidence: conf}, nil
}

// ScanClusters evaluates every tracked device and address.
func (c *Clusterer) ScanClusters(ctx context.Context) ([]*Cluster, error) {
	var out []*Cluster

	devices, err := c.store.Scan(ctx, devicePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("sybil.Clusterer.ScanClusters: %w", err)
	}
	for _, key := range devices {
		cl, err := c.DeviceCluster(ctx, strings.TrimPrefix(key, devicePrefix))
		if err != nil {
			return nil, err
		}
		if cl != nil {
			out = append(out, cl)
		}
	}

	ips, err := c.store.Scan(ctx, ipPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("sybil.Clusterer.ScanClusters: %w", err)
	}
	for _, key := range ips {
		cl, err := c.IPCluster(ctx, strings.TrimPrefix(key, ipPrefix))
		if err != nil {
			return nil, err
		}
		if cl != nil {
			out = append(out, cl)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

// ClusterThreat turns a cluster into a sybil_cluster threat.
func ClusterThreat(cl *Cluster, at time.Time) *domain.Threat {
	ind := domain.FraudIndicator{
		Type:        string(cl.Kind) + "_cluster",
		Confidence:  cl.Confidence,
		Description: fmt.Sprintf("%d accounts share one %s", len(cl.Accounts), cl.Kind),
		Evidence:    map[string]any{"accounts": cl.Accounts, "key": cl.Key},
	}
	return domain.NewThreat(domain.ThreatSybilCluster, domain.LevelForConfidence(cl.Confidence),
		cl.Key, string(cl.Kind), at, []domain.FraudIndicator{ind})
}

// BehaviorSamples are behavioural biometrics collected for one account.
type BehaviorSamples struct {
	TypingIntervals  []float64 `json:"typing_intervals"`
	SessionDurations []float64 `json:"session_durations"`
}

// AnalyzeBehavior flags machine-like typing cadence and collapsed session
// lengths. Too few samples yield no indicators.
func AnalyzeBehavior(s BehaviorSamples) []domain.FraudIndicator {
	var out []domain.FraudIndicator

	if len(s.TypingIntervals) >= behaviorMinSample {
		if cv, ok := scoring.CoefficientOfVariation(s.TypingIntervals); ok && cv < 0.05 {
			out = append(out, domain.FraudIndicator{
				Type:        "uniform_typing",
				Confidence:  scoring.Clamp(1-cv/0.05, 0.5, 0.9),
				Description: "typing cadence is too regular for a human",
				Evidence:    map[string]any{"cv": cv, "samples": len(s.TypingIntervals)},
			})
		}
	}

	if len(s.SessionDurations) >= behaviorMinSample {
		distinct := make(map[int64]struct{})
		for _, d := range s.SessionDurations {
			if math.IsNaN(d) || math.IsInf(d, 0) {
				continue
			}
			distinct[int64(math.Round(d))] = struct{}{}
		}
		if len(distinct) <= 2 {
			out = append(out, domain.FraudIndicator{
				Type:        "repetitive_sessions",
				Confidence:  0.7,
				Description: "session durations collapse to at most two values",
				Evidence:    map[string]any{"distinct": len(distinct), "samples": len(s.SessionDurations)},
			})
		}
	}
	return out
}

// CheckCastTime rejects cast times more than a minute ahead of the clock or
// older than VoteTTL.
func (c *Clusterer) CheckCastTime(at time.Time) error {
	now := c.now()
	if at.After(now.Add(maxVoteSkew)) {
		return fmt.Errorf("cast time %s is in the future: %w", at.Format(time.RFC3339), domain.ErrInvalidInput)
	}
	if !at.After(now.Add(-c.cfg.VoteTTL)) {
		return fmt.Errorf("cast time %s is older than %s: %w", at.Format(time.RFC3339), c.cfg.VoteTTL, domain.ErrInvalidInput)
	}
	return nil
}

// RecordVote stores a vote for coordinated-voting detection.
func (c *Clusterer) RecordVote(ctx context.Context, v Vote) error {
	if v.ProposalID == "" || v.VoterID == "" || v.Choice == "" {
		return fmt.Errorf("sybil.Clusterer.RecordVote: %w", domain.ErrInvalidInput)
	}
	if strings.Contains(v.VoterID, "|") || strings.Contains(v.Choice, "|") {
		return fmt.Errorf("sybil.Clusterer.RecordVote: '|' not allowed: %w", domain.ErrInvalidInput)
	}
	now := c.now()
	if v.At.IsZero() {
		v.At = now
	}
	if err := c.CheckCastTime(v.At); err != nil {
		return fmt.Errorf("sybil.Clusterer.RecordVote: %w", err)
	}
	key := votesPrefix + v.ProposalID
	ms := v.At.UnixMilli()
	err := c.store.Batch(ctx, func(b domain.Batch) error {
		b.ZAdd(key, domain.ScoredMember{
			Member: strconv.FormatInt(ms, 10) + "|" + v.VoterID + "|" + v.Choice + "|" + uuid.NewString()[:8],
			Score:  float64(ms),
		})
		// Pruning follows the clock so a caller-supplied time cannot evict others.
		b.ZRemRangeByScore(key, math.Inf(-1), float64(now.UnixMilli()-c.cfg.VoteTTL.Milliseconds()))
		b.Expire(key, c.cfg.VoteTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("sybil.Clusterer.RecordVote: %w", err)
	}
	return nil
}

// Burst is the densest 30-second run of votes in a window.
type Burst struct {
	Start          time.Time `json:"start"`
	Votes          int       `json:"votes"`
	DominantChoice string    `json:"dominant_choice"`
	DominantShare  float64   `json:"dominant_share"`
}

// FindBurst returns the largest set of votes that fall within 30 seconds of
// each other. Votes must be sorted by time.
func FindBurst(votes []Vote) Burst {
	var best Burst
	bestStart, bestEnd := 0, -1
	j := 0
	for i := range votes {
		if j < i {
			j = i
		}
		for j+1 < len(votes) && votes[j+1].At.Sub(votes[i].At) < burstWindow {
			j++
		}
		if n := j - i + 1; n > best.Votes {
			best.Votes = n
			bestStart, bestEnd = i, j
		}
	}
	if best.Votes == 0 {
		return best
	}

	counts := make(map[string]int)
	for _, v := range votes[bestStart : bestEnd+1] {
		counts[v.Choice]++
	}
	for choice, n := range counts {
		share := float64(n) / float64(best.Votes)
		if share > best.DominantShare || (share == best.DominantShare && choice < best.DominantChoice) {
			best.DominantChoice, best.DominantShare = choice, share
		}
	}
	best.Start = votes[bestStart].At
	return best
}

// DetectCoordinatedVoting examines the trailing window of votes on a proposal.
// A burst of at least ten votes inside 30 seconds where one choice holds more
// than 90% yields a high vote_manipulation threat; otherwise nil.
func (c *Clusterer) DetectCoordinatedVoting(ctx context.Context, proposalID string, window time.Duration) (*domain.Threat, error) {
	now := c.now()
	members, err := c.store.ZRangeByScore(ctx, votesPrefix+proposalID,
		float64(now.Add(-window).UnixMilli()), float64(now.UnixMilli()), 0)
	if err != nil {
		return nil, fmt.Errorf("sybil.Clusterer.DetectCoordinatedVoting: %w", err)
	}
	if len(members) < c.cfg.MinWindowVotes {
		return nil, nil
	}

	votes := make([]Vote, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m.Member, "|", 4)
		if len(parts) != 4 {
			continue
		}
		votes = append(votes, Vote{ProposalID: proposalID, VoterID: parts[1], Choice: parts[2], At: time.UnixMilli(int64(m.Score))})
	}
	sort.SliceStable(votes, func(i, j int) bool { return votes[i].At.Before(votes[j].At) })

	burst := FindBurst(votes)
	if burst.Votes < burstMinVotes || burst.DominantShare <= burstDominance {
		return nil, nil
	}

	threat := domain.NewThreat(domain.ThreatVoteManipulation, domain.ThreatLevelHigh, "proposal:"+proposalID, proposalID, now,
		[]domain.FraudIndicator{{
			Type:        "coordinated_burst",
			Confidence:  burst.DominantShare,
			Description: fmt.Sprintf("%d votes within 30s, %.0f%% for %q", burst.Votes, burst.DominantShare*100, burst.DominantChoice),
			Evidence: map[string]any{
				"burst_votes":     burst.Votes,
				"window_votes":    len(votes),
				"dominant_choice": burst.DominantChoice,
				"burst_start":     burst.Start,
			},
		}})
	log.Warn().
		Str("proposal_id", proposalID).
		Int("burst_votes", burst.Votes).
		Float64("dominant_share", burst.DominantShare).
		Msg("sybil: coordinated voting detected")
	return threat, nil
}
