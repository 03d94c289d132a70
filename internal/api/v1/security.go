package v1

import (
	"context"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/civicgov/civicguard/internal/botdetect"
	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/guard"
	"github.com/civicgov/civicguard/internal/ratelimit"
	"github.com/civicgov/civicguard/internal/server/middleware"
	"github.com/civicgov/civicguard/internal/sybil"
)

// VotePolicy is the rate-limit policy applied per voter on ballot submission.
const VotePolicy = "vote"

type RecordAuditEventInput struct {
	Body struct {
		ActorID      string            `json:"actor_id,omitempty" doc:"Acting user; defaults to the calling principal"`
		SessionID    string            `json:"session_id,omitempty" doc:"Session the action belongs to"`
		Action       string            `json:"action" minLength:"1" maxLength:"128" doc:"Action name, e.g. bill.publish"`
		ResourceType string            `json:"resource_type" minLength:"1" maxLength:"64" doc:"Kind of resource acted on"`
		ResourceID   string            `json:"resource_id,omitempty" doc:"Resource identifier"`
		Outcome      domain.Outcome    `json:"outcome" enum:"success,failure" doc:"Action outcome"`
		IPAddress    string            `json:"ip_address,omitempty" doc:"Client address; defaults to the caller address"`
		Details      map[string]string `json:"details,omitempty" doc:"Free-form details, not covered by the hash"`
		CorrectsID   *uuid.UUID        `json:"corrects_id,omitempty" doc:"Entry this one corrects"`
	}
}

type AuditEntryOutput struct {
	Body *domain.AuditLogEntry
}

type CheckRateLimitInput struct {
	Body struct {
		Identifier string  `json:"identifier" minLength:"1" doc:"User, session or address being limited"`
		Policy     string  `json:"policy" minLength:"1" doc:"Policy name"`
		Load       float64 `json:"load,omitempty" minimum:"0" maximum:"1" doc:"System load for adaptive policies"`
	}
}

type CheckRateLimitOutput struct {
	Body ratelimit.Decision
}

type SlotInput struct {
	Body struct {
		Identifier string `json:"identifier" minLength:"1" doc:"User or session holding the slot"`
		Policy     string `json:"policy" minLength:"1" doc:"Concurrency policy name"`
	}
}

type RecordVoteInput struct {
	Body struct {
		ProposalID string    `json:"proposal_id" minLength:"1" doc:"Proposal voted on"`
		VoterID    string    `json:"voter_id" minLength:"1" doc:"Voter"`
		Choice     string    `json:"choice" minLength:"1" doc:"Ballot choice"`
		Signature  string    `json:"signature,omitempty" doc:"Hex HMAC over proposal|voter|choice"`
		SessionID  string    `json:"session_id,omitempty" doc:"Voter session"`
		CastAt     time.Time `json:"cast_at,omitempty" doc:"Cast time; defaults to now. Must be within the vote retention window and at most a minute ahead"`
	}
}

type RecordVoteOutput struct {
	Body *guard.VoteResult
}

type ReportIPInput struct {
	Body struct {
		IP       string          `json:"ip" minLength:"1" doc:"Reported address"`
		Reason   string          `json:"reason" minLength:"1" maxLength:"128" doc:"Report category"`
		Severity domain.Severity `json:"severity" enum:"low,medium,high,critical" doc:"Incident severity"`
	}
}

type ReputationOutput struct {
	Body *domain.IPReputationRecord
}

type GetReputationInput struct {
	IP string `path:"ip" doc:"Address to look up"`
}

type RecordWAFBlockInput struct {
	Body struct {
		IP   string `json:"ip" minLength:"1" doc:"Blocked address"`
		Rule string `json:"rule,omitempty" maxLength:"128" doc:"Firewall rule that matched"`
	}
}

type ShouldBlockInput struct {
	IP        string  `path:"ip" doc:"Address to check"`
	Threshold float64 `query:"threshold" minimum:"0" maximum:"100" doc:"Score at which to block; defaults to the configured threshold"`
}

type ShouldBlockOutput struct {
	Body struct {
		IP    string `json:"ip"`
		Block bool   `json:"block"`
	}
}

type AnalyzeRequestInput struct {
	Body struct {
		IP          string            `json:"ip,omitempty" doc:"Client address; defaults to the caller address"`
		UserAgent   string            `json:"user_agent" doc:"User-Agent header"`
		Path        string            `json:"path,omitempty" doc:"Requested path"`
		Headers     map[string]string `json:"headers,omitempty" doc:"Request headers"`
		Fingerprint map[string]string `json:"fingerprint,omitempty" doc:"Collected device attributes"`
	}
}

type AnalyzeRequestOutput struct {
	Body *botdetect.Result
}

type TrackAccountInput struct {
	Body struct {
		AccountID  string                 `json:"account_id" minLength:"1" doc:"Account"`
		DeviceHash string                 `json:"device_hash,omitempty" doc:"Device fingerprint hash"`
		IP         string                 `json:"ip,omitempty" doc:"Registration address; defaults to the caller address"`
		CreatedAt  time.Time              `json:"created_at,omitempty" doc:"Account creation time"`
		Behavior   *sybil.BehaviorSamples `json:"behavior,omitempty" doc:"Typing and session samples for behavioural analysis"`
	}
}

type TrackAccountOutput struct {
	Body struct {
		Clusters   []*sybil.Cluster        `json:"clusters"`
		Indicators []domain.FraudIndicator `json:"indicators"`
	}
}

// RegisterSecurityRoutes mounts the request-path operations used by platform
// services.
func RegisterSecurityRoutes(api huma.API, sec Security) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-audit-event",
		Method:        http.MethodPost,
		Path:          "/audit/events",
		Summary:       "Append an event to the audit ledger",
		Tags:          []string{"Audit"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *RecordAuditEventInput) (*AuditEntryOutput, error) {
		b := input.Body
		entry := &domain.AuditLogEntry{
			ActorID:      b.ActorID,
			SessionID:    b.SessionID,
			Action:       b.Action,
			ResourceType: b.ResourceType,
			ResourceID:   b.ResourceID,
			Outcome:      b.Outcome,
			IPAddress:    b.IPAddress,
			Details:      b.Details,
			CorrectsID:   b.CorrectsID,
		}
		if entry.ActorID == "" {
			entry.ActorID = actor(ctx)
		}
		if entry.IPAddress == "" {
			entry.IPAddress, _ = middleware.ClientIPFromContext(ctx)
		}

		out, err := sec.RecordAuditEvent(ctx, entry)
		if err != nil {
			return nil, toHTTPError("record-audit-event", err)
		}
		return &AuditEntryOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-rate-limit",
		Method:      http.MethodPost,
		Path:        "/ratelimit/check",
		Summary:     "Consume one request against a rate-limit policy",
		Tags:        []string{"Rate limits"},
	}, func(ctx context.Context, input *CheckRateLimitInput) (*CheckRateLimitOutput, error) {
		ip, _ := middleware.ClientIPFromContext(ctx)
		d, err := sec.CheckRateLimit(ctx, input.Body.Identifier, ip, input.Body.Policy, input.Body.Load)
		if err != nil {
			return nil, toHTTPError("check-rate-limit", err)
		}
		return &CheckRateLimitOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acquire-slot",
		Method:      http.MethodPost,
		Path:        "/ratelimit/acquire",
		Summary:     "Take an in-flight slot under a concurrency policy",
		Description: "Every allowed acquire must be paired with a release.",
		Tags:        []string{"Rate limits"},
	}, func(ctx context.Context, input *SlotInput) (*CheckRateLimitOutput, error) {
		ip, _ := middleware.ClientIPFromContext(ctx)
		d, err := sec.AcquireSlot(ctx, input.Body.Identifier, ip, input.Body.Policy)
		if err != nil {
			return nil, toHTTPError("acquire-slot", err)
		}
		return &CheckRateLimitOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "release-slot",
		Method:        http.MethodPost,
		Path:          "/ratelimit/release",
		Summary:       "Return a slot taken with acquire",
		Tags:          []string{"Rate limits"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *SlotInput) (*struct{}, error) {
		if err := sec.ReleaseSlot(ctx, input.Body.Identifier, input.Body.Policy); err != nil {
			return nil, toHTTPError("release-slot", err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-vote",
		Method:      http.MethodPost,
		Path:        "/votes",
		Summary:     "Verify and record a ballot",
		Tags:        []string{"Votes"},
	}, func(ctx context.Context, input *RecordVoteInput) (*RecordVoteOutput, error) {
		b := input.Body
		ip, _ := middleware.ClientIPFromContext(ctx)

		d, err := sec.CheckRateLimit(ctx, b.VoterID, ip, VotePolicy, 0)
		if err != nil {
			return nil, toHTTPError("record-vote", err)
		}
		if !d.Allowed {
			return nil, tooManyRequests(d)
		}

		res, err := sec.RecordVote(ctx, guard.VoteRequest{
			ProposalID: b.ProposalID,
			VoterID:    b.VoterID,
			Choice:     b.Choice,
			Signature:  b.Signature,
			IP:         ip,
			SessionID:  b.SessionID,
			At:         b.CastAt,
		})
		if err != nil {
			return nil, toHTTPError("record-vote", err)
		}
		return &RecordVoteOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-ip",
		Method:      http.MethodPost,
		Path:        "/ip/reports",
		Summary:     "File a negative report against an address",
		Tags:        []string{"IP reputation"},
	}, func(ctx context.Context, input *ReportIPInput) (*ReputationOutput, error) {
		if !validIP(input.Body.IP) {
			return nil, huma.Error422UnprocessableEntity("ip is not a valid address")
		}
		rec, err := sec.ReportIP(ctx, actor(ctx), input.Body.IP, input.Body.Reason, input.Body.Severity)
		if err != nil {
			return nil, toHTTPError("report-ip", err)
		}
		return &ReputationOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ip-reputation",
		Method:      http.MethodGet,
		Path:        "/ip/{ip}/reputation",
		Summary:     "Current reputation of an address",
		Tags:        []string{"IP reputation"},
	}, func(ctx context.Context, input *GetReputationInput) (*ReputationOutput, error) {
		if !validIP(input.IP) {
			return nil, huma.Error422UnprocessableEntity("ip is not a valid address")
		}
		rec, err := sec.GetReputation(ctx, input.IP)
		if err != nil {
			return nil, toHTTPError("get-ip-reputation", err)
		}
		return &ReputationOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-waf-block",
		Method:      http.MethodPost,
		Path:        "/ip/waf-blocks",
		Summary:     "Count a request the edge firewall blocked",
		Tags:        []string{"IP reputation"},
	}, func(ctx context.Context, input *RecordWAFBlockInput) (*ReputationOutput, error) {
		if !validIP(input.Body.IP) {
			return nil, huma.Error422UnprocessableEntity("ip is not a valid address")
		}
		rec, err := sec.RecordWAFBlock(ctx, actor(ctx), input.Body.IP, input.Body.Rule)
		if err != nil {
			return nil, toHTTPError("record-waf-block", err)
		}
		return &ReputationOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "should-block-ip",
		Method:      http.MethodGet,
		Path:        "/ip/{ip}/should-block",
		Summary:     "Whether an address scores at or above the block threshold",
		Tags:        []string{"IP reputation"},
	}, func(ctx context.Context, input *ShouldBlockInput) (*ShouldBlockOutput, error) {
		if !validIP(input.IP) {
			return nil, huma.Error422UnprocessableEntity("ip is not a valid address")
		}
		block, err := sec.ShouldBlock(ctx, input.IP, input.Threshold)
		if err != nil {
			return nil, toHTTPError("should-block-ip", err)
		}
		out := &ShouldBlockOutput{}
		out.Body.IP = input.IP
		out.Body.Block = block
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-request",
		Method:      http.MethodPost,
		Path:        "/requests/analyze",
		Summary:     "Run bot detection on a request",
		Tags:        []string{"Fraud"},
	}, func(ctx context.Context, input *AnalyzeRequestInput) (*AnalyzeRequestOutput, error) {
		b := input.Body
		req := botdetect.Request{
			IP:          b.IP,
			UserAgent:   b.UserAgent,
			Path:        b.Path,
			Fingerprint: b.Fingerprint,
		}
		if req.IP == "" {
			req.IP, _ = middleware.ClientIPFromContext(ctx)
		}
		if len(b.Headers) > 0 {
			req.Headers = make(http.Header, len(b.Headers))
			for k, v := range b.Headers {
				req.Headers.Set(k, v)
			}
		}

		res, err := sec.AnalyzeRequest(ctx, req)
		if err != nil {
			return nil, toHTTPError("analyze-request", err)
		}
		return &AnalyzeRequestOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "track-account",
		Method:      http.MethodPost,
		Path:        "/accounts/track",
		Summary:     "Track an account for sybil clustering",
		Tags:        []string{"Fraud"},
	}, func(ctx context.Context, input *TrackAccountInput) (*TrackAccountOutput, error) {
		b := input.Body
		acct := sybil.Account{ID: b.AccountID, DeviceHash: b.DeviceHash, IP: b.IP, CreatedAt: b.CreatedAt}
		if acct.IP == "" {
			acct.IP, _ = middleware.ClientIPFromContext(ctx)
		}

		clusters, err := sec.TrackAccount(ctx, acct)
		if err != nil {
			return nil, toHTTPError("track-account", err)
		}
		out := &TrackAccountOutput{}
		out.Body.Clusters = clusters
		if out.Body.Clusters == nil {
			out.Body.Clusters = []*sybil.Cluster{}
		}
		if b.Behavior != nil {
			out.Body.Indicators = sec.AnalyzeBehavior(ctx, b.AccountID, *b.Behavior)
		}
		if out.Body.Indicators == nil {
			out.Body.Indicators = []domain.FraudIndicator{}
		}
		return out, nil
	})
}

func actor(ctx context.Context) string {
	if p, ok := middleware.PrincipalFromContext(ctx); ok {
		return p.ID
	}
	return ""
}

func validIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

func tooManyRequests(d ratelimit.Decision) error {
	secs := max(int64(math.Ceil(d.RetryAfter.Seconds())), 1)
	return huma.ErrorWithHeaders(
		huma.Error429TooManyRequests("rate limit exceeded"),
		http.Header{"Retry-After": []string{strconv.FormatInt(secs, 10)}},
	)
}
