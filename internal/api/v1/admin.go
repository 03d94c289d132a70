package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/ratelimit"
	"github.com/civicgov/civicguard/internal/sybil"
)

const dateLayout = "2006-01-02"

type QueryAuditInput struct {
	ActorID      string    `query:"actor_id" doc:"Filter by actor"`
	Action       string    `query:"action" doc:"Filter by action"`
	ResourceType string    `query:"resource_type" doc:"Filter by resource type"`
	IPAddress    string    `query:"ip" doc:"Filter by client address"`
	From         time.Time `query:"from" doc:"Earliest timestamp, RFC 3339"`
	To           time.Time `query:"to" doc:"Latest timestamp, RFC 3339"`
	Limit        int       `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Page size"`
	Offset       int       `query:"offset" minimum:"0" doc:"Entries to skip"`
}

type QueryAuditOutput struct {
	Body []*domain.AuditLogEntry
}

type VerifyAuditInput struct {
	From int64 `query:"from" minimum:"0" doc:"First sequence; 0 for the chain start"`
	To   int64 `query:"to" minimum:"0" doc:"Last sequence; 0 for the chain head"`
}

type VerifyAuditOutput struct {
	Body domain.VerifyReport
}

type ResetRateLimitInput struct {
	Body struct {
		Identifier string `json:"identifier" minLength:"1" doc:"Limited identifier"`
		Policy     string `json:"policy,omitempty" doc:"Policy name; empty resets every policy"`
	}
}

type ResetRateLimitOutput struct {
	Body struct {
		Cleared int64 `json:"cleared"`
	}
}

type RateLimitPoliciesOutput struct {
	Body []ratelimit.Policy
}

type WhitelistIPInput struct {
	Body struct {
		IP     string `json:"ip" minLength:"1" doc:"Address to whitelist"`
		Reason string `json:"reason" minLength:"1" doc:"Why the address is trusted"`
		TTL    string `json:"ttl,omitempty" doc:"Go duration, e.g. 72h; empty means no expiry"`
	}
}

type IPPathInput struct {
	IP string `path:"ip" doc:"Address"`
}

type TopIPsInput struct {
	Limit int `query:"limit" default:"10" minimum:"1" maximum:"500" doc:"Number of addresses"`
}

type TopIPsOutput struct {
	Body []*domain.IPReputationRecord
}

type CountOutput struct {
	Body struct {
		Count int `json:"count"`
	}
}

type ListThreatsInput struct {
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Number of threats"`
}

type ListThreatsOutput struct {
	Body []*domain.Threat
}

type ThreatPathInput struct {
	ID uuid.UUID `path:"id" doc:"Threat ID"`
}

type ThreatOutput struct {
	Body *domain.Threat
}

type SybilClustersOutput struct {
	Body []*sybil.Cluster
}

type RetentionPoliciesOutput struct {
	Body []domain.RetentionPolicy
}

type PutRetentionPolicyInput struct {
	ID   string `path:"id" doc:"Policy ID"`
	Body struct {
		ResourceType       string `json:"resource_type,omitempty" doc:"Resource type the policy applies to"`
		Action             string `json:"action,omitempty" doc:"Action the policy applies to; requires resource_type"`
		RetentionDays      int    `json:"retention_days" minimum:"1" doc:"Days an entry is kept"`
		ArchiveEnabled     bool   `json:"archive_enabled,omitempty" doc:"Archive before deletion"`
		ArchiveAfterDays   int    `json:"archive_after_days,omitempty" minimum:"0" doc:"Days before archival"`
		DeleteAfterArchive bool   `json:"delete_after_archive,omitempty" doc:"Drop live entries once archived"`
	}
}

type RetentionPolicyOutput struct {
	Body domain.RetentionPolicy
}

type PolicyPathInput struct {
	ID string `path:"id" doc:"Policy ID"`
}

type ListArchivesOutput struct {
	Body []string
}

type ArchiveDateInput struct {
	Date string `path:"date" pattern:"^[0-9]{4}-[0-9]{2}-[0-9]{2}$" doc:"Archive date, YYYY-MM-DD"`
}

type VerifyArchiveOutput struct {
	Body domain.IntegrityReport
}

type RestoreArchiveOutput struct {
	Body domain.RestoreResult
}

type MaintenanceOutput struct {
	Body domain.MaintenanceResult
}

// RegisterAdminRoutes mounts the operator operations. Callers must already be
// authenticated as admin.
func RegisterAdminRoutes(api huma.API, adm Admin) {
	registerAuditAdmin(api, adm)
	registerIPAdmin(api, adm)
	registerThreatAdmin(api, adm)
	registerRetentionAdmin(api, adm)
}

func registerAuditAdmin(api huma.API, adm Admin) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/admin/audit",
		Summary:     "Query the audit ledger",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *QueryAuditInput) (*QueryAuditOutput, error) {
		entries, err := adm.QueryAudit(ctx, domain.AuditFilter{
			ActorID:      input.ActorID,
			Action:       input.Action,
			ResourceType: input.ResourceType,
			IPAddress:    input.IPAddress,
			From:         input.From,
			To:           input.To,
		}, domain.Page{Limit: input.Limit, Offset: input.Offset})
		if err != nil {
			return nil, toHTTPError("query-audit", err)
		}
		if entries == nil {
			entries = []*domain.AuditLogEntry{}
		}
		return &QueryAuditOutput{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit",
		Method:      http.MethodGet,
		Path:        "/admin/audit/verify",
		Summary:     "Verify the audit hash chain",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *VerifyAuditInput) (*VerifyAuditOutput, error) {
		if input.To != 0 && input.To < input.From {
			return nil, huma.Error422UnprocessableEntity("to must not precede from")
		}
		report, err := adm.VerifyAudit(ctx, input.From, input.To)
		if err != nil {
			return nil, toHTTPError("verify-audit", err)
		}
		return &VerifyAuditOutput{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-rate-limit",
		Method:      http.MethodPost,
		Path:        "/admin/ratelimit/reset",
		Summary:     "Clear rate-limit state for an identifier",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *ResetRateLimitInput) (*ResetRateLimitOutput, error) {
		n, err := adm.ResetRateLimit(ctx, actor(ctx), input.Body.Identifier, input.Body.Policy)
		if err != nil {
			return nil, toHTTPError("reset-rate-limit", err)
		}
		out := &ResetRateLimitOutput{}
		out.Body.Cleared = n
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rate-limit-policies",
		Method:      http.MethodGet,
		Path:        "/admin/ratelimit/policies",
		Summary:     "List configured rate-limit policies",
		Tags:        []string{"Admin"},
	}, func(_ context.Context, _ *struct{}) (*RateLimitPoliciesOutput, error) {
		return &RateLimitPoliciesOutput{Body: adm.RateLimitPolicies()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-maintenance",
		Method:      http.MethodPost,
		Path:        "/admin/maintenance/run",
		Summary:     "Run archival and deletion now",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, _ *struct{}) (*MaintenanceOutput, error) {
		res, err := adm.RunMaintenance(ctx)
		if err != nil {
			return nil, toHTTPError("run-maintenance", err)
		}
		return &MaintenanceOutput{Body: res}, nil
	})
}

func registerIPAdmin(api huma.API, adm Admin) {
	huma.Register(api, huma.Operation{
		OperationID:   "whitelist-ip",
		Method:        http.MethodPost,
		Path:          "/admin/ip/whitelist",
		Summary:       "Whitelist an address",
		Tags:          []string{"Admin"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *WhitelistIPInput) (*struct{}, error) {
		if !validIP(input.Body.IP) {
			return nil, huma.Error422UnprocessableEntity("ip is not a valid address")
		}
		var ttl time.Duration
		if input.Body.TTL != "" {
			d, err := time.ParseDuration(input.Body.TTL)
			if err != nil || d < 0 {
				return nil, huma.Error422UnprocessableEntity("ttl must be a non-negative duration")
			}
			ttl = d
		}
		if err := adm.WhitelistIP(ctx, actor(ctx), input.Body.IP, input.Body.Reason, ttl); err != nil {
			return nil, toHTTPError("whitelist-ip", err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unwhitelist-ip",
		Method:        http.MethodDelete,
		Path:          "/admin/ip/whitelist/{ip}",
		Summary:       "Remove an address from the whitelist",
		Tags:          []string{"Admin"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *IPPathInput) (*struct{}, error) {
		if !validIP(input.IP) {
			return nil, huma.Error422UnprocessableEntity("ip is not a valid address")
		}
		if err := adm.RemoveFromWhitelist(ctx, actor(ctx), input.IP); err != nil {
			return nil, toHTTPError("unwhitelist-ip", err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "top-malicious-ips",
		Method:      http.MethodGet,
		Path:        "/admin/ip/top",
		Summary:     "Addresses with the worst reputation",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *TopIPsInput) (*TopIPsOutput, error) {
		recs, err := adm.GetTopMaliciousIPs(ctx, input.Limit)
		if err != nil {
			return nil, toHTTPError("top-malicious-ips", err)
		}
		if recs == nil {
			recs = []*domain.IPReputationRecord{}
		}
		return &TopIPsOutput{Body: recs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decay-reputations",
		Method:      http.MethodPost,
		Path:        "/admin/ip/decay",
		Summary:     "Apply one reputation decay pass now",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, _ *struct{}) (*CountOutput, error) {
		n, err := adm.DecayReputations(ctx)
		if err != nil {
			return nil, toHTTPError("decay-reputations", err)
		}
		out := &CountOutput{}
		out.Body.Count = n
		return out, nil
	})
}

func registerThreatAdmin(api huma.API, adm Admin) {
	huma.Register(api, huma.Operation{
		OperationID: "list-threats",
		Method:      http.MethodGet,
		Path:        "/admin/threats",
		Summary:     "List active threats, newest first",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *ListThreatsInput) (*ListThreatsOutput, error) {
		ts, err := adm.ActiveThreats(ctx, input.Limit)
		if err != nil {
			return nil, toHTTPError("list-threats", err)
		}
		if ts == nil {
			ts = []*domain.Threat{}
		}
		return &ListThreatsOutput{Body: ts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-threat",
		Method:      http.MethodGet,
		Path:        "/admin/threats/{id}",
		Summary:     "Get a threat",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *ThreatPathInput) (*ThreatOutput, error) {
		t, err := adm.Threat(ctx, input.ID)
		if err != nil {
			return nil, toHTTPError("get-threat", err)
		}
		return &ThreatOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-threat",
		Method:      http.MethodPost,
		Path:        "/admin/threats/{id}/resolve",
		Summary:     "Mark a threat resolved",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *ThreatPathInput) (*ThreatOutput, error) {
		t, err := adm.ResolveThreat(ctx, actor(ctx), input.ID)
		if err != nil {
			return nil, toHTTPError("resolve-threat", err)
		}
		return &ThreatOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sybil-clusters",
		Method:      http.MethodGet,
		Path:        "/admin/sybil/clusters",
		Summary:     "List device and address clusters",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, _ *struct{}) (*SybilClustersOutput, error) {
		clusters, err := adm.SybilClusters(ctx)
		if err != nil {
			return nil, toHTTPError("list-sybil-clusters", err)
		}
		if clusters == nil {
			clusters = []*sybil.Cluster{}
		}
		return &SybilClustersOutput{Body: clusters}, nil
	})
}

func registerRetentionAdmin(api huma.API, adm Admin) {
	huma.Register(api, huma.Operation{
		OperationID: "list-retention-policies",
		Method:      http.MethodGet,
		Path:        "/admin/retention/policies",
		Summary:     "List retention policies",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, _ *struct{}) (*RetentionPoliciesOutput, error) {
		ps, err := adm.RetentionPolicies(ctx)
		if err != nil {
			return nil, toHTTPError("list-retention-policies", err)
		}
		return &RetentionPoliciesOutput{Body: ps}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-retention-policy",
		Method:      http.MethodPut,
		Path:        "/admin/retention/policies/{id}",
		Summary:     "Create or replace a retention policy",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *PutRetentionPolicyInput) (*RetentionPolicyOutput, error) {
		b := input.Body
		p := domain.RetentionPolicy{
			ID:                 input.ID,
			ResourceType:       b.ResourceType,
			Action:             b.Action,
			RetentionDays:      b.RetentionDays,
			ArchiveEnabled:     b.ArchiveEnabled,
			ArchiveAfterDays:   b.ArchiveAfterDays,
			DeleteAfterArchive: b.DeleteAfterArchive,
		}
		if err := adm.SetRetentionPolicy(ctx, actor(ctx), p); err != nil {
			return nil, toHTTPError("put-retention-policy", err)
		}
		return &RetentionPolicyOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-retention-policy",
		Method:        http.MethodDelete,
		Path:          "/admin/retention/policies/{id}",
		Summary:       "Delete a retention policy",
		Tags:          []string{"Admin"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *PolicyPathInput) (*struct{}, error) {
		if err := adm.DeleteRetentionPolicy(ctx, actor(ctx), input.ID); err != nil {
			return nil, toHTTPError("delete-retention-policy", err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-archives",
		Method:      http.MethodGet,
		Path:        "/admin/archives",
		Summary:     "List archive bundle dates",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, _ *struct{}) (*ListArchivesOutput, error) {
		dates, err := adm.ListArchives(ctx)
		if err != nil {
			return nil, toHTTPError("list-archives", err)
		}
		if dates == nil {
			dates = []string{}
		}
		return &ListArchivesOutput{Body: dates}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-archive",
		Method:      http.MethodGet,
		Path:        "/admin/archives/{date}/verify",
		Summary:     "Recompute hashes of an archive bundle",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *ArchiveDateInput) (*VerifyArchiveOutput, error) {
		if _, err := time.Parse(dateLayout, input.Date); err != nil {
			return nil, huma.Error422UnprocessableEntity("date must be YYYY-MM-DD")
		}
		rep, err := adm.VerifyArchive(ctx, input.Date)
		if err != nil {
			return nil, toHTTPError("verify-archive", err)
		}
		return &VerifyArchiveOutput{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-archive",
		Method:      http.MethodPost,
		Path:        "/admin/archives/{date}/restore",
		Summary:     "Restore entries from an archive bundle",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *ArchiveDateInput) (*RestoreArchiveOutput, error) {
		if _, err := time.Parse(dateLayout, input.Date); err != nil {
			return nil, huma.Error422UnprocessableEntity("date must be YYYY-MM-DD")
		}
		res, err := adm.RestoreFromArchive(ctx, actor(ctx), input.Date)
		if err != nil {
			return nil, toHTTPError("restore-archive", err)
		}
		return &RestoreArchiveOutput{Body: res}, nil
	})
}
