package v1

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/civicgov/civicguard/internal/botdetect"
	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/guard"
	"github.com/civicgov/civicguard/internal/ratelimit"
	"github.com/civicgov/civicguard/internal/sybil"
)

// Security is the request-path surface called by platform services.
// *guard.Guard satisfies this interface.
type Security interface {
	RecordAuditEvent(ctx context.Context, e *domain.AuditLogEntry) (*domain.AuditLogEntry, error)
	CheckRateLimit(ctx context.Context, identifier, ip, policy string, load float64) (ratelimit.Decision, error)
	AcquireSlot(ctx context.Context, identifier, ip, policy string) (ratelimit.Decision, error)
	ReleaseSlot(ctx context.Context, identifier, policy string) error
	RecordVote(ctx context.Context, v guard.VoteRequest) (*guard.VoteResult, error)
	ReportIP(ctx context.Context, reporter, ip, reason string, severity domain.Severity) (*domain.IPReputationRecord, error)
	GetReputation(ctx context.Context, ip string) (*domain.IPReputationRecord, error)
	RecordWAFBlock(ctx context.Context, reporter, ip, rule string) (*domain.IPReputationRecord, error)
	ShouldBlock(ctx context.Context, ip string, threshold float64) (bool, error)
	AnalyzeRequest(ctx context.Context, req botdetect.Request) (*botdetect.Result, error)
	TrackAccount(ctx context.Context, acct sybil.Account) ([]*sybil.Cluster, error)
	AnalyzeBehavior(ctx context.Context, accountID string, samples sybil.BehaviorSamples) []domain.FraudIndicator
}

// Admin is the operator surface. *guard.Guard satisfies this interface.
type Admin interface {
	QueryAudit(ctx context.Context, filter domain.AuditFilter, page domain.Page) ([]*domain.AuditLogEntry, error)
	VerifyAudit(ctx context.Context, from, to int64) (domain.VerifyReport, error)

	ResetRateLimit(ctx context.Context, actor, identifier, policy string) (int64, error)
	RateLimitPolicies() []ratelimit.Policy

	WhitelistIP(ctx context.Context, actor, ip, reason string, ttl time.Duration) error
	RemoveFromWhitelist(ctx context.Context, actor, ip string) error
	GetTopMaliciousIPs(ctx context.Context, limit int) ([]*domain.IPReputationRecord, error)
	DecayReputations(ctx context.Context) (int, error)

	ActiveThreats(ctx context.Context, limit int) ([]*domain.Threat, error)
	Threat(ctx context.Context, id uuid.UUID) (*domain.Threat, error)
	ResolveThreat(ctx context.Context, actor string, id uuid.UUID) (*domain.Threat, error)
	SybilClusters(ctx context.Context) ([]*sybil.Cluster, error)

	RetentionPolicies(ctx context.Context) ([]domain.RetentionPolicy, error)
	SetRetentionPolicy(ctx context.Context, actor string, p domain.RetentionPolicy) error
	DeleteRetentionPolicy(ctx context.Context, actor, id string) error
	ListArchives(ctx context.Context) ([]string, error)
	VerifyArchive(ctx context.Context, date string) (domain.IntegrityReport, error)
	RestoreFromArchive(ctx context.Context, actor, date string) (domain.RestoreResult, error)
	RunMaintenance(ctx context.Context) (domain.MaintenanceResult, error)
}
