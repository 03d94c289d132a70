// Package guard is the entry point the platform calls into. It composes the
// security components and writes every request-path outcome into the audit
// ledger.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/audit"
	"github.com/civicgov/civicguard/internal/botdetect"
	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/hashing"
	"github.com/civicgov/civicguard/internal/ratelimit"
	"github.com/civicgov/civicguard/internal/reputation"
	"github.com/civicgov/civicguard/internal/retention"
	"github.com/civicgov/civicguard/internal/sybil"
	"github.com/civicgov/civicguard/internal/threat"
)

// SystemActor is the actor recorded for scheduled work.
const SystemActor = "system"

// Deps are the components a Guard composes. Signer may be nil, which
// disables vote signature checks.
type Deps struct {
	Ledger     *audit.Ledger
	Limiter    *ratelimit.Limiter
	Reputation *reputation.Service
	Bots       *botdetect.Detector
	Sybil      *sybil.Clusterer
	Retention  *retention.Manager
	Threats    *threat.Registry
	Signer     *hashing.Signer
}

type Config struct {
	// VoteWindow is the trailing window examined for coordinated voting.
	VoteWindow time.Duration
	// BlockThreshold is the reputation score at which an IP is reported as a
	// malicious_ip threat.
	BlockThreshold float64
	// BotReportWeight is the negative reputation weight applied to an IP
	// whose request raised a bot threat.
	BotReportWeight float64
}

func (c Config) withDefaults() Config {
	if c.VoteWindow <= 0 {
		c.VoteWindow = 10 * time.Minute
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = 80
	}
	if c.BotReportWeight <= 0 {
		c.BotReportWeight = 5
	}
	return c
}

type Guard struct {
	Deps
	cfg Config
	now func() time.Time
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func New(deps Deps, cfg Config, opts ...Option) *Guard {
	g := &Guard{Deps: deps, cfg: cfg.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// record appends an audit entry. Failures are logged, never returned: the
// outcome being audited has already happened.
func (g *Guard) record(ctx context.Context, e *domain.AuditLogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = g.now()
	}
	if _, err := g.Ledger.Append(ctx, e); err != nil {
		log.Error().Err(err).Str("action", e.Action).Str("resource_type", e.ResourceType).Msg("guard: audit append failed")
	}
}

func (g *Guard) raise(ctx context.Context, t *domain.Threat) {
	if t == nil {
		return
	}
	if err := g.Threats.Record(ctx, t); err != nil {
		log.Error().Err(err).Str("type", string(t.Type)).Msg("guard: threat record failed")
	}
}

func outcome(ok bool) domain.Outcome {
	if ok {
		return domain.OutcomeSuccess
	}
	return domain.OutcomeFailure
}

// RecordAuditEvent appends an externally produced event to the ledger. An
// event with CorrectsID must reference a stored entry.
func (g *Guard) RecordAuditEvent(ctx context.Context, e *domain.AuditLogEntry) (*domain.AuditLogEntry, error) {
	var (
		out *domain.AuditLogEntry
		err error
	)
	if e != nil && e.CorrectsID != nil {
		out, err = g.Ledger.Correct(ctx, *e.CorrectsID, e)
	} else {
		out, err = g.Ledger.Append(ctx, e)
	}
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.RecordAuditEvent: %w", err)
	}
	return out, nil
}

// CheckRateLimit applies policy to identifier. When the store is
// unreachable the policy's fail mode decides: fail-open policies allow the
// request with a nil error, fail-closed ones return the error.
func (g *Guard) CheckRateLimit(ctx context.Context, identifier, ip, policy string, load float64) (ratelimit.Decision, error) {
	d, err := g.Limiter.CheckWithLoad(ctx, identifier, policy, load)
	if err != nil {
		if g.Limiter.ShouldFailOpen(policy, err) {
			log.Warn().Err(err).Str("policy", policy).Msg("guard: rate limit store unavailable, failing open")
			return ratelimit.Decision{Allowed: true, Policy: policy}, nil
		}
		return ratelimit.Decision{Policy: policy}, fmt.Errorf("guard.Guard.CheckRateLimit: %w", err)
	}
	if !d.Allowed {
		g.record(ctx, &domain.AuditLogEntry{
			ActorID:      identifier,
			Action:       "rate_limit.exceeded",
			ResourceType: "rate_limit",
			ResourceID:   policy,
			Outcome:      domain.OutcomeFailure,
			IPAddress:    ip,
			Details:      map[string]string{"retry_after": d.RetryAfter.String()},
		})
	}
	return d, nil
}

// AcquireSlot takes an in-flight slot under a concurrency policy. Every
// allowed acquire must be paired with ReleaseSlot; slots not released expire
// after ten minutes.
func (g *Guard) AcquireSlot(ctx context.Context, identifier, ip, policy string) (ratelimit.Decision, error) {
	d, err := g.Limiter.Acquire(ctx, identifier, policy)
	if err != nil {
		if g.Limiter.ShouldFailOpen(policy, err) {
			log.Warn().Err(err).Str("policy", policy).Msg("guard: concurrency store unavailable, failing open")
			return ratelimit.Decision{Allowed: true, Policy: policy}, nil
		}
		return ratelimit.Decision{Policy: policy}, fmt.Errorf("guard.Guard.AcquireSlot: %w", err)
	}
	if !d.Allowed {
		g.record(ctx, &domain.AuditLogEntry{
			ActorID:      identifier,
			Action:       "rate_limit.exceeded",
			ResourceType: "rate_limit",
			ResourceID:   policy,
			Outcome:      domain.OutcomeFailure,
			IPAddress:    ip,
			Details:      map[string]string{"limit": fmt.Sprint(d.Limit)},
		})
	}
	return d, nil
}

// ReleaseSlot frees a slot taken by AcquireSlot.
func (g *Guard) ReleaseSlot(ctx context.Context, identifier, policy string) error {
	if err := g.Limiter.Release(ctx, identifier, policy); err != nil {
		return fmt.Errorf("guard.Guard.ReleaseSlot: %w", err)
	}
	return nil
}

// VoteRequest is one ballot submission.
type VoteRequest struct {
	ProposalID string
	VoterID    string
	Choice     string
	Signature  string
	IP         string
	SessionID  string
	At         time.Time
}

// VoteSigningMessage is the byte string a ballot signature covers.
func VoteSigningMessage(proposalID, voterID, choice string) []byte {
	return []byte(proposalID + "|" + voterID + "|" + choice)
}

type VoteResult struct {
	Accepted bool           `json:"accepted"`
	Threat   *domain.Threat `json:"threat,omitempty"`
}

// RecordVote verifies and records a ballot, then checks the proposal for
// coordinated voting.
func (g *Guard) RecordVote(ctx context.Context, v VoteRequest) (*VoteResult, error) {
	if v.At.IsZero() {
		v.At = g.now()
	}
	if err := g.Sybil.CheckCastTime(v.At); err != nil {
		return nil, fmt.Errorf("guard.Guard.RecordVote: %w", err)
	}
	// The ledger keeps its own time; the caller's cast time is a detail.
	entry := &domain.AuditLogEntry{
		ActorID:      v.VoterID,
		SessionID:    v.SessionID,
		Action:       "vote.cast",
		ResourceType: "proposal",
		ResourceID:   v.ProposalID,
		IPAddress:    v.IP,
		Details:      map[string]string{"cast_at": v.At.UTC().Format(time.RFC3339Nano)},
	}

	if g.Signer != nil && !g.Signer.Verify(VoteSigningMessage(v.ProposalID, v.VoterID, v.Choice), v.Signature) {
		entry.Outcome = domain.OutcomeFailure
		entry.Details["reason"] = "invalid_signature"
		g.record(ctx, entry)
		return nil, fmt.Errorf("guard.Guard.RecordVote: %w", domain.ErrInvalidSignature)
	}

	err := g.Sybil.RecordVote(ctx, sybil.Vote{ProposalID: v.ProposalID, VoterID: v.VoterID, Choice: v.Choice, At: v.At})
	entry.Outcome = outcome(err == nil)
	g.record(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.RecordVote: %w", err)
	}

	res := &VoteResult{Accepted: true}
	th, err := g.Sybil.DetectCoordinatedVoting(ctx, v.ProposalID, g.cfg.VoteWindow)
	if err != nil {
		log.Warn().Err(err).Str("proposal_id", v.ProposalID).Msg("guard: coordinated voting check failed")
		return res, nil
	}
	if th != nil {
		g.raise(ctx, th)
		res.Threat = th
	}
	return res, nil
}

// ReportIP files a negative report and raises a malicious_ip threat once the
// score reaches the block threshold.
func (g *Guard) ReportIP(ctx context.Context, reporter, ip, reason string, severity domain.Severity) (*domain.IPReputationRecord, error) {
	rec, err := g.Reputation.ReportIP(ctx, ip, reason, severity)
	g.record(ctx, &domain.AuditLogEntry{
		ActorID:      reporter,
		Action:       "ip.report",
		ResourceType: "ip",
		ResourceID:   ip,
		Outcome:      outcome(err == nil),
		IPAddress:    ip,
		Details:      map[string]string{"reason": reason, "severity": string(severity)},
	})
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.ReportIP: %w", err)
	}
	if rec.Score >= g.cfg.BlockThreshold {
		g.raise(ctx, maliciousIPThreat(rec, g.now()))
	}
	return rec, nil
}

// RecordAuthFailure counts a rejected credential from ip towards its
// reputation.
func (g *Guard) RecordAuthFailure(ctx context.Context, ip string) error {
	if err := g.Reputation.RecordAuthFailure(ctx, ip); err != nil {
		return fmt.Errorf("guard.Guard.RecordAuthFailure: %w", err)
	}
	return nil
}

// RecordWAFBlock counts a request the edge firewall blocked. The returned
// record reflects the new activity.
func (g *Guard) RecordWAFBlock(ctx context.Context, reporter, ip, rule string) (*domain.IPReputationRecord, error) {
	err := g.Reputation.RecordWAFBlock(ctx, ip)
	g.record(ctx, &domain.AuditLogEntry{
		ActorID:      reporter,
		Action:       "ip.waf_block",
		ResourceType: "ip",
		ResourceID:   ip,
		Outcome:      outcome(err == nil),
		IPAddress:    ip,
		Details:      map[string]string{"rule": rule},
	})
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.RecordWAFBlock: %w", err)
	}
	rec, err := g.Reputation.GetReputation(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.RecordWAFBlock: %w", err)
	}
	return rec, nil
}

// ShouldBlock reports whether ip's score reaches threshold. A zero
// threshold uses the configured block threshold.
func (g *Guard) ShouldBlock(ctx context.Context, ip string, threshold float64) (bool, error) {
	if threshold <= 0 {
		threshold = g.cfg.BlockThreshold
	}
	block, err := g.Reputation.ShouldBlock(ctx, ip, threshold)
	if err != nil {
		return false, fmt.Errorf("guard.Guard.ShouldBlock: %w", err)
	}
	return block, nil
}

func maliciousIPThreat(rec *domain.IPReputationRecord, at time.Time) *domain.Threat {
	level := domain.ThreatLevelMedium
	if rec.Score >= 90 {
		level = domain.ThreatLevelHigh
	}
	return domain.NewThreat(domain.ThreatMaliciousIP, level, rec.IP, "", at, []domain.FraudIndicator{{
		Type:        "reputation_score",
		Confidence:  rec.AbuseConfidence,
		Description: fmt.Sprintf("reputation score %.0f", rec.Score),
		Evidence:    map[string]any{"categories": rec.Categories, "reports": rec.ReportCount},
	}})
}

// AnalyzeRequest records request activity for the client IP and runs bot
// detection. A bot threat is recorded and fed back into the IP's reputation.
func (g *Guard) AnalyzeRequest(ctx context.Context, req botdetect.Request) (*botdetect.Result, error) {
	if req.IP != "" {
		if err := g.Reputation.RecordRequest(ctx, req.IP); err != nil {
			return nil, fmt.Errorf("guard.Guard.AnalyzeRequest: %w", err)
		}
	}
	res, err := g.Bots.Analyze(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.AnalyzeRequest: %w", err)
	}
	if res.Threat == nil {
		return res, nil
	}

	g.raise(ctx, res.Threat)
	g.record(ctx, &domain.AuditLogEntry{
		Timestamp:    req.At,
		ActorID:      req.IP,
		Action:       "bot.detected",
		ResourceType: "request",
		ResourceID:   req.Path,
		Outcome:      domain.OutcomeFailure,
		IPAddress:    req.IP,
		Details:      map[string]string{"level": string(res.Level), "score": fmt.Sprintf("%.0f", res.Score)},
	})
	if req.IP != "" {
		_, err := g.Reputation.UpdateReputation(ctx, req.IP, domain.ReputationReport{
			Type:   domain.ReportNegative,
			Reason: "bot_activity",
			Weight: g.cfg.BotReportWeight,
		})
		if err != nil {
			log.Warn().Err(err).Str("ip", req.IP).Msg("guard: bot reputation feedback failed")
		}
	}
	return res, nil
}

// TrackAccount registers an account and reports the clusters it now
// belongs to, raising a sybil threat for each.
func (g *Guard) TrackAccount(ctx context.Context, acct sybil.Account) ([]*sybil.Cluster, error) {
	if err := g.Sybil.TrackAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("guard.Guard.TrackAccount: %w", err)
	}
	var clusters []*sybil.Cluster
	if acct.DeviceHash != "" {
		cl, err := g.Sybil.DeviceCluster(ctx, acct.DeviceHash)
		if err != nil {
			return nil, fmt.Errorf("guard.Guard.TrackAccount: %w", err)
		}
		if cl != nil {
			clusters = append(clusters, cl)
		}
	}
	if acct.IP != "" {
		cl, err := g.Sybil.IPCluster(ctx, acct.IP)
		if err != nil {
			return nil, fmt.Errorf("guard.Guard.TrackAccount: %w", err)
		}
		if cl != nil {
			clusters = append(clusters, cl)
		}
	}
	for _, cl := range clusters {
		g.raise(ctx, sybil.ClusterThreat(cl, g.now()))
	}
	return clusters, nil
}

// AnalyzeBehavior checks an account's behavioural samples and raises a
// bot_attack threat sourced at the account when any indicator fires.
func (g *Guard) AnalyzeBehavior(ctx context.Context, accountID string, samples sybil.BehaviorSamples) []domain.FraudIndicator {
	inds := sybil.AnalyzeBehavior(samples)
	if len(inds) == 0 {
		return inds
	}
	top := 0.0
	for _, ind := range inds {
		top = max(top, ind.Confidence)
	}
	g.raise(ctx, domain.NewThreat(domain.ThreatBotAttack, domain.LevelForConfidence(top), accountID, "behavior", g.now(), inds))
	return inds
}

// --- admin ---

func (g *Guard) ResetRateLimit(ctx context.Context, actor, identifier, policy string) (int64, error) {
	n, err := g.Limiter.Reset(ctx, identifier, policy)
	g.record(ctx, &domain.AuditLogEntry{
		ActorID:      actor,
		Action:       "rate_limit.reset",
		ResourceType: "rate_limit",
		ResourceID:   identifier,
		Outcome:      outcome(err == nil),
		Details:      map[string]string{"policy": policy},
	})
	if err != nil {
		return 0, fmt.Errorf("guard.Guard.ResetRateLimit: %w", err)
	}
	return n, nil
}

func (g *Guard) WhitelistIP(ctx context.Context, actor, ip, reason string, ttl time.Duration) error {
	err := g.Reputation.WhitelistIP(ctx, ip, reason, ttl)
	g.record(ctx, &domain.AuditLogEntry{
		ActorID:      actor,
		Action:       "ip.whitelist",
		ResourceType: "ip",
		ResourceID:   ip,
		Outcome:      outcome(err == nil),
		IPAddress:    ip,
		Details:      map[string]string{"reason": reason, "ttl": ttl.String()},
	})
	if err != nil {
		return fmt.Errorf("guard.Guard.WhitelistIP: %w", err)
	}
	return nil
}

func (g *Guard) GetTopMaliciousIPs(ctx context.Context, limit int) ([]*domain.IPReputationRecord, error) {
	recs, err := g.Reputation.GetTopMaliciousIPs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.GetTopMaliciousIPs: %w", err)
	}
	return recs, nil
}

func (g *Guard) RestoreFromArchive(ctx context.Context, actor, date string) (domain.RestoreResult, error) {
	res, err := g.Retention.RestoreFromArchive(ctx, date)
	g.record(ctx, &domain.AuditLogEntry{
		ActorID:      actor,
		Action:       "archive.restore",
		ResourceType: "audit_archive",
		ResourceID:   date,
		Outcome:      outcome(err == nil),
		Details:      map[string]string{"restored": fmt.Sprint(res.Restored), "skipped": fmt.Sprint(res.Skipped)},
	})
	if err != nil {
		return res, fmt.Errorf("guard.Guard.RestoreFromArchive: %w", err)
	}
	return res, nil
}

func (g *Guard) QueryAudit(ctx context.Context, filter domain.AuditFilter, page domain.Page) ([]*domain.AuditLogEntry, error) {
	entries, err := g.Ledger.Query(ctx, filter, page)
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.QueryAudit: %w", err)
	}
	return entries, nil
}

func (g *Guard) VerifyAudit(ctx context.Context, from, to int64) (domain.VerifyReport, error) {
	report, err := g.Ledger.Verify(ctx, from, to)
	if err != nil {
		return report, fmt.Errorf("guard.Guard.VerifyAudit: %w", err)
	}
	return report, nil
}

func (g *Guard) ResolveThreat(ctx context.Context, actor string, id uuid.UUID) (*domain.Threat, error) {
	t, err := g.Threats.Resolve(ctx, id)
	g.record(ctx, &domain.AuditLogEntry{
		ActorID:      actor,
		Action:       "threat.resolve",
		ResourceType: "threat",
		ResourceID:   id.String(),
		Outcome:      outcome(err == nil),
	})
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.ResolveThreat: %w", err)
	}
	return t, nil
}

// --- maintenance ---

// RunMaintenance archives and deletes audit entries per retention policy.
func (g *Guard) RunMaintenance(ctx context.Context) (domain.MaintenanceResult, error) {
	res, err := g.Retention.RunMaintenance(ctx)
	g.record(ctx, &domain.AuditLogEntry{
		ActorID:      SystemActor,
		Action:       "maintenance.run",
		ResourceType: "audit_log",
		Outcome:      outcome(err == nil && res.Errors == 0),
		Details: map[string]string{
			"archived": fmt.Sprint(res.Archived),
			"deleted":  fmt.Sprint(res.Deleted),
			"errors":   fmt.Sprint(res.Errors),
		},
	})
	if err != nil {
		return res, fmt.Errorf("guard.Guard.RunMaintenance: %w", err)
	}
	return res, nil
}

// SybilClusters lists every current device and IP cluster.
func (g *Guard) SybilClusters(ctx context.Context) ([]*sybil.Cluster, error) {
	clusters, err := g.Sybil.ScanClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.SybilClusters: %w", err)
	}
	return clusters, nil
}

func (g *Guard) DecayReputations(ctx context.Context) (int, error) {
	n, err := g.Reputation.DecayReputations(ctx)
	if err != nil {
		return n, fmt.Errorf("guard.Guard.DecayReputations: %w", err)
	}
	return n, nil
}

func (g *Guard) GetReputation(ctx context.Context, ip string) (*domain.IPReputationRecord, error) {
	rec, err := g.Reputation.GetReputation(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.GetReputation: %w", err)
	}
	return rec, nil
}

func (g *Guard) RemoveFromWhitelist(ctx context.Context, actor, ip string) error {
	err := g.Reputation.RemoveFromWhitelist(ctx, ip)
	g.record(ctx, &domain.AuditLogEntry{
		ActorID:      actor,
		Action:       "ip.unwhitelist",
		ResourceType: "ip",
		ResourceID:   ip,
		Outcome:      outcome(err == nil),
		IPAddress:    ip,
	})
	if err != nil {
		return fmt.Errorf("guard.Guard.RemoveFromWhitelist: %w", err)
	}
	return nil
}

func (g *Guard) RateLimitPolicies() []ratelimit.Policy {
	return g.Limiter.Policies()
}

func (g *Guard) ActiveThreats(ctx context.Context, limit int) ([]*domain.Threat, error) {
	ts, err := g.Threats.ListActive(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.ActiveThreats: %w", err)
	}
	return ts, nil
}

func (g *Guard) Threat(ctx context.Context, id uuid.UUID) (*domain.Threat, error) {
	t, err := g.Threats.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.Threat: %w", err)
	}
	return t, nil
}

// SetRetentionPolicy creates or replaces a retention policy.
func (g *Guard) SetRetentionPolicy(ctx context.Context, actor string, p domain.RetentionPolicy) error {
	err := g.Retention.SetPolicy(ctx, p)
	g.record(ctx, &domain.AuditLogEntry{
		ActorID:      actor,
		Action:       "retention.set",
		ResourceType: "retention_policy",
		ResourceID:   p.ID,
		Outcome:      outcome(err == nil),
		Details:      map[string]string{"retention_days": fmt.Sprint(p.RetentionDays)},
	})
	if err != nil {
		return fmt.Errorf("guard.Guard.SetRetentionPolicy: %w", err)
	}
	return nil
}

func (g *Guard) DeleteRetentionPolicy(ctx context.Context, actor, id string) error {
	err := g.Retention.DeletePolicy(ctx, id)
	g.record(ctx, &domain.AuditLogEntry{
		ActorID:      actor,
		Action:       "retention.delete",
		ResourceType: "retention_policy",
		ResourceID:   id,
		Outcome:      outcome(err == nil),
	})
	if err != nil {
		return fmt.Errorf("guard.Guard.DeleteRetentionPolicy: %w", err)
	}
	return nil
}

func (g *Guard) RetentionPolicies(ctx context.Context) ([]domain.RetentionPolicy, error) {
	ps, err := g.Retention.Policies(ctx)
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.RetentionPolicies: %w", err)
	}
	return ps, nil
}

func (g *Guard) ListArchives(ctx context.Context) ([]string, error) {
	dates, err := g.Retention.ListArchives(ctx)
	if err != nil {
		return nil, fmt.Errorf("guard.Guard.ListArchives: %w", err)
	}
	return dates, nil
}

func (g *Guard) VerifyArchive(ctx context.Context, date string) (domain.IntegrityReport, error) {
	rep, err := g.Retention.VerifyArchiveIntegrity(ctx, date)
	if err != nil {
		return rep, fmt.Errorf("guard.Guard.VerifyArchive: %w", err)
	}
	return rep, nil
}
