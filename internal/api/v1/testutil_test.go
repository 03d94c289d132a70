package v1_test

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/civicgov/civicguard/internal/auth"
	"github.com/civicgov/civicguard/internal/botdetect"
	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/guard"
	"github.com/civicgov/civicguard/internal/ratelimit"
	"github.com/civicgov/civicguard/internal/server/middleware"
	"github.com/civicgov/civicguard/internal/sybil"
)

// ---------------------------------------------------------------------------
// Context helpers: inject principal and client address for DoCtx
// ---------------------------------------------------------------------------

func callerCtx(id, role, ip string) context.Context {
	ctx := middleware.WithPrincipal(context.Background(), middleware.Principal{ID: id, Role: role, Via: "api_key"})
	return context.WithValue(ctx, middleware.ContextKeyClientIP, ip)
}

func serviceCtx() context.Context {
	return callerCtx("ballot-service", auth.RoleService, "198.51.100.7")
}

func adminCtx() context.Context {
	return callerCtx("admin-1", auth.RoleAdmin, "10.0.0.5")
}

// ---------------------------------------------------------------------------
// Mock Security
// ---------------------------------------------------------------------------

type mockSecurity struct {
	recordAuditEventFunc func(ctx context.Context, e *domain.AuditLogEntry) (*domain.AuditLogEntry, error)
	checkRateLimitFunc   func(ctx context.Context, identifier, ip, policy string, load float64) (ratelimit.Decision, error)
	acquireSlotFunc      func(ctx context.Context, identifier, ip, policy string) (ratelimit.Decision, error)
	releaseSlotFunc      func(ctx context.Context, identifier, policy string) error
	recordVoteFunc       func(ctx context.Context, v guard.VoteRequest) (*guard.VoteResult, error)
	reportIPFunc         func(ctx context.Context, reporter, ip, reason string, severity domain.Severity) (*domain.IPReputationRecord, error)
	getReputationFunc    func(ctx context.Context, ip string) (*domain.IPReputationRecord, error)
	recordWAFBlockFunc   func(ctx context.Context, reporter, ip, rule string) (*domain.IPReputationRecord, error)
	shouldBlockFunc      func(ctx context.Context, ip string, threshold float64) (bool, error)
	analyzeRequestFunc   func(ctx context.Context, req botdetect.Request) (*botdetect.Result, error)
	trackAccountFunc     func(ctx context.Context, acct sybil.Account) ([]*sybil.Cluster, error)
	analyzeBehaviorFunc  func(ctx context.Context, accountID string, samples sybil.BehaviorSamples) []domain.FraudIndicator
}

func (m *mockSecurity) RecordAuditEvent(ctx context.Context, e *domain.AuditLogEntry) (*domain.AuditLogEntry, error) {
	return m.recordAuditEventFunc(ctx, e)
}

func (m *mockSecurity) CheckRateLimit(ctx context.Context, identifier, ip, policy string, load float64) (ratelimit.Decision, error) {
	if m.checkRateLimitFunc == nil {
		return ratelimit.Decision{Allowed: true, Policy: policy}, nil
	}
	return m.checkRateLimitFunc(ctx, identifier, ip, policy, load)
}

func (m *mockSecurity) AcquireSlot(ctx context.Context, identifier, ip, policy string) (ratelimit.Decision, error) {
	return m.acquireSlotFunc(ctx, identifier, ip, policy)
}

func (m *mockSecurity) ReleaseSlot(ctx context.Context, identifier, policy string) error {
	return m.releaseSlotFunc(ctx, identifier, policy)
}

func (m *mockSecurity) RecordVote(ctx context.Context, v guard.VoteRequest) (*guard.VoteResult, error) {
	return m.recordVoteFunc(ctx, v)
}

func (m *mockSecurity) ReportIP(ctx context.Context, reporter, ip, reason string, severity domain.Severity) (*domain.IPReputationRecord, error) {
	return m.reportIPFunc(ctx, reporter, ip, reason, severity)
}

func (m *mockSecurity) GetReputation(ctx context.Context, ip string) (*domain.IPReputationRecord, error) {
	return m.getReputationFunc(ctx, ip)
}

func (m *mockSecurity) RecordWAFBlock(ctx context.Context, reporter, ip, rule string) (*domain.IPReputationRecord, error) {
	return m.recordWAFBlockFunc(ctx, reporter, ip, rule)
}

func (m *mockSecurity) ShouldBlock(ctx context.Context, ip string, threshold float64) (bool, error) {
	return m.shouldBlockFunc(ctx, ip, threshold)
}

func (m *mockSecurity) AnalyzeRequest(ctx context.Context, req botdetect.Request) (*botdetect.Result, error) {
	return m.analyzeRequestFunc(ctx, req)
}

func (m *mockSecurity) TrackAccount(ctx context.Context, acct sybil.Account) ([]*sybil.Cluster, error) {
	return m.trackAccountFunc(ctx, acct)
}

func (m *mockSecurity) AnalyzeBehavior(ctx context.Context, accountID string, samples sybil.BehaviorSamples) []domain.FraudIndicator {
	return m.analyzeBehaviorFunc(ctx, accountID, samples)
}

// ---------------------------------------------------------------------------
// Mock Admin
// ---------------------------------------------------------------------------

type mockAdmin struct {
	queryAuditFunc            func(ctx context.Context, f domain.AuditFilter, p domain.Page) ([]*domain.AuditLogEntry, error)
	verifyAuditFunc           func(ctx context.Context, from, to int64) (domain.VerifyReport, error)
	resetRateLimitFunc        func(ctx context.Context, actor, identifier, policy string) (int64, error)
	rateLimitPolicies         []ratelimit.Policy
	whitelistIPFunc           func(ctx context.Context, actor, ip, reason string, ttl time.Duration) error
	removeFromWhitelistFunc   func(ctx context.Context, actor, ip string) error
	getTopMaliciousIPsFunc    func(ctx context.Context, limit int) ([]*domain.IPReputationRecord, error)
	decayReputationsFunc      func(ctx context.Context) (int, error)
	activeThreatsFunc         func(ctx context.Context, limit int) ([]*domain.Threat, error)
	threatFunc                func(ctx context.Context, id uuid.UUID) (*domain.Threat, error)
	resolveThreatFunc         func(ctx context.Context, actor string, id uuid.UUID) (*domain.Threat, error)
	sybilClustersFunc         func(ctx context.Context) ([]*sybil.Cluster, error)
	retentionPoliciesFunc     func(ctx context.Context) ([]domain.RetentionPolicy, error)
	setRetentionPolicyFunc    func(ctx context.Context, actor string, p domain.RetentionPolicy) error
	deleteRetentionPolicyFunc func(ctx context.Context, actor, id string) error
	listArchivesFunc          func(ctx context.Context) ([]string, error)
	verifyArchiveFunc         func(ctx context.Context, date string) (domain.IntegrityReport, error)
	restoreFromArchiveFunc    func(ctx context.Context, actor, date string) (domain.RestoreResult, error)
	runMaintenanceFunc        func(ctx context.Context) (domain.MaintenanceResult, error)
}

func (m *mockAdmin) QueryAudit(ctx context.Context, f domain.AuditFilter, p domain.Page) ([]*domain.AuditLogEntry, error) {
	return m.queryAuditFunc(ctx, f, p)
}

func (m *mockAdmin) VerifyAudit(ctx context.Context, from, to int64) (domain.VerifyReport, error) {
	return m.verifyAuditFunc(ctx, from, to)
}

func (m *mockAdmin) ResetRateLimit(ctx context.Context, actor, identifier, policy string) (int64, error) {
	return m.resetRateLimitFunc(ctx, actor, identifier, policy)
}

func (m *mockAdmin) RateLimitPolicies() []ratelimit.Policy { return m.rateLimitPolicies }

func (m *mockAdmin) WhitelistIP(ctx context.Context, actor, ip, reason string, ttl time.Duration) error {
	return m.whitelistIPFunc(ctx, actor, ip, reason, ttl)
}

func (m *mockAdmin) RemoveFromWhitelist(ctx context.Context, actor, ip string) error {
	return m.removeFromWhitelistFunc(ctx, actor, ip)
}

func (m *mockAdmin) GetTopMaliciousIPs(ctx context.Context, limit int) ([]*domain.IPReputationRecord, error) {
	return m.getTopMaliciousIPsFunc(ctx, limit)
}

func (m *mockAdmin) DecayReputations(ctx context.Context) (int, error) {
	return m.decayReputationsFunc(ctx)
}

func (m *mockAdmin) ActiveThreats(ctx context.Context, limit int) ([]*domain.Threat, error) {
	return m.activeThreatsFunc(ctx, limit)
}

func (m *mockAdmin) Threat(ctx context.Context, id uuid.UUID) (*domain.Threat, error) {
	return m.threatFunc(ctx, id)
}

func (m *mockAdmin) ResolveThreat(ctx context.Context, actor string, id uuid.UUID) (*domain.Threat, error) {
	return m.resolveThreatFunc(ctx, actor, id)
}

func (m *mockAdmin) SybilClusters(ctx context.Context) ([]*sybil.Cluster, error) {
	return m.sybilClustersFunc(ctx)
}

func (m *mockAdmin) RetentionPolicies(ctx context.Context) ([]domain.RetentionPolicy, error) {
	return m.retentionPoliciesFunc(ctx)
}

func (m *mockAdmin) SetRetentionPolicy(ctx context.Context, actor string, p domain.RetentionPolicy) error {
	return m.setRetentionPolicyFunc(ctx, actor, p)
}

func (m *mockAdmin) DeleteRetentionPolicy(ctx context.Context, actor, id string) error {
	return m.deleteRetentionPolicyFunc(ctx, actor, id)
}

func (m *mockAdmin) ListArchives(ctx context.Context) ([]string, error) {
	return m.listArchivesFunc(ctx)
}

func (m *mockAdmin) VerifyArchive(ctx context.Context, date string) (domain.IntegrityReport, error) {
	return m.verifyArchiveFunc(ctx, date)
}

func (m *mockAdmin) RestoreFromArchive(ctx context.Context, actor, date string) (domain.RestoreResult, error) {
	return m.restoreFromArchiveFunc(ctx, actor, date)
}

func (m *mockAdmin) RunMaintenance(ctx context.Context) (domain.MaintenanceResult, error) {
	return m.runMaintenanceFunc(ctx)
}
