package v1_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/civicgov/civicguard/internal/api/v1"
	"github.com/civicgov/civicguard/internal/botdetect"
	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/guard"
	"github.com/civicgov/civicguard/internal/ratelimit"
	"github.com/civicgov/civicguard/internal/sybil"
)

// ---------------------------------------------------------------------------
// TestRecordAuditEvent
// ---------------------------------------------------------------------------

func TestRecordAuditEvent(t *testing.T) {
	t.Parallel()

	t.Run("defaults_actor_and_ip", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		sec := &mockSecurity{
			recordAuditEventFunc: func(_ context.Context, e *domain.AuditLogEntry) (*domain.AuditLogEntry, error) {
				assert.Equal(t, "ballot-service", e.ActorID)
				assert.Equal(t, "198.51.100.7", e.IPAddress)
				assert.Equal(t, "bill.publish", e.Action)
				out := *e
				out.Sequence = 7
				out.Hash = "abc"
				return &out, nil
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		resp := api.PostCtx(serviceCtx(), "/audit/events", map[string]any{
			"action":        "bill.publish",
			"resource_type": "bill",
			"resource_id":   "hb-12",
			"outcome":       "success",
		})

		require.Equal(t, http.StatusCreated, resp.Code)
		var body domain.AuditLogEntry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, int64(7), body.Sequence)
		assert.Equal(t, "hb-12", body.ResourceID)
	})

	t.Run("explicit_actor_kept", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		sec := &mockSecurity{
			recordAuditEventFunc: func(_ context.Context, e *domain.AuditLogEntry) (*domain.AuditLogEntry, error) {
				assert.Equal(t, "citizen-42", e.ActorID)
				assert.Equal(t, "192.0.2.1", e.IPAddress)
				return e, nil
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		resp := api.PostCtx(serviceCtx(), "/audit/events", map[string]any{
			"actor_id":      "citizen-42",
			"action":        "login",
			"resource_type": "session",
			"outcome":       "failure",
			"ip_address":    "192.0.2.1",
		})
		assert.Equal(t, http.StatusCreated, resp.Code)
	})

	t.Run("unknown_outcome_rejected", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterSecurityRoutes(api, &mockSecurity{})

		resp := api.PostCtx(serviceCtx(), "/audit/events", map[string]any{
			"action":        "login",
			"resource_type": "session",
			"outcome":       "maybe",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})

	t.Run("ledger_unavailable", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		sec := &mockSecurity{
			recordAuditEventFunc: func(_ context.Context, _ *domain.AuditLogEntry) (*domain.AuditLogEntry, error) {
				return nil, fmt.Errorf("audit.Ledger.Append: %w", domain.ErrStoreUnavailable)
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		resp := api.PostCtx(serviceCtx(), "/audit/events", map[string]any{
			"action":        "login",
			"resource_type": "session",
			"outcome":       "success",
		})
		assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// TestCheckRateLimitRoute
// ---------------------------------------------------------------------------

func TestCheckRateLimitRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "allowed", wantCode: http.StatusOK},
		{name: "unknown_policy", err: domain.ErrInvalidPolicy, wantCode: http.StatusUnprocessableEntity},
		{name: "fail_closed_store_error", err: domain.ErrStoreUnavailable, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, api := humatest.New(t)
			sec := &mockSecurity{
				checkRateLimitFunc: func(_ context.Context, identifier, ip, policy string, load float64) (ratelimit.Decision, error) {
					assert.Equal(t, "user-9", identifier)
					assert.Equal(t, "198.51.100.7", ip)
					assert.Equal(t, "admin_adaptive", policy)
					assert.InDelta(t, 0.5, load, 1e-9)
					if tt.err != nil {
						return ratelimit.Decision{}, tt.err
					}
					return ratelimit.Decision{Allowed: true, Limit: 50, Remaining: 49, Policy: policy}, nil
				},
			}
			v1.RegisterSecurityRoutes(api, sec)

			resp := api.PostCtx(serviceCtx(), "/ratelimit/check", map[string]any{
				"identifier": "user-9",
				"policy":     "admin_adaptive",
				"load":       0.5,
			})
			require.Equal(t, tt.wantCode, resp.Code)
			if tt.err == nil {
				var d ratelimit.Decision
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
				assert.True(t, d.Allowed)
				assert.Equal(t, int64(49), d.Remaining)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// TestRecordVoteRoute
// ---------------------------------------------------------------------------

func TestRecordVoteRoute(t *testing.T) {
	t.Parallel()

	body := map[string]any{
		"proposal_id": "prop-1",
		"voter_id":    "voter-1",
		"choice":      "yes",
		"signature":   "deadbeef",
	}

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		var recorded bool
		sec := &mockSecurity{
			checkRateLimitFunc: func(_ context.Context, identifier, _, policy string, _ float64) (ratelimit.Decision, error) {
				assert.Equal(t, "voter-1", identifier)
				assert.Equal(t, v1.VotePolicy, policy)
				return ratelimit.Decision{Allowed: true}, nil
			},
			recordVoteFunc: func(_ context.Context, v guard.VoteRequest) (*guard.VoteResult, error) {
				recorded = true
				assert.Equal(t, "prop-1", v.ProposalID)
				assert.Equal(t, "deadbeef", v.Signature)
				assert.Equal(t, "198.51.100.7", v.IP)
				return &guard.VoteResult{Accepted: true}, nil
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		resp := api.PostCtx(serviceCtx(), "/votes", body)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.True(t, recorded)

		var res guard.VoteResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		assert.True(t, res.Accepted)
		assert.Nil(t, res.Threat)
	})

	t.Run("voter_rate_limited", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		sec := &mockSecurity{
			checkRateLimitFunc: func(_ context.Context, _, _, _ string, _ float64) (ratelimit.Decision, error) {
				return ratelimit.Decision{Allowed: false, RetryAfter: 2500 * time.Millisecond}, nil
			},
			recordVoteFunc: func(_ context.Context, _ guard.VoteRequest) (*guard.VoteResult, error) {
				t.Error("vote must not be recorded when limited")
				return nil, nil
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		resp := api.PostCtx(serviceCtx(), "/votes", body)
		assert.Equal(t, http.StatusTooManyRequests, resp.Code)
		assert.Equal(t, "3", resp.Header().Get("Retry-After"))
	})

	t.Run("bad_signature", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		sec := &mockSecurity{
			recordVoteFunc: func(_ context.Context, _ guard.VoteRequest) (*guard.VoteResult, error) {
				return nil, fmt.Errorf("guard.Guard.RecordVote: %w", domain.ErrInvalidSignature)
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		resp := api.PostCtx(serviceCtx(), "/votes", body)
		assert.Equal(t, http.StatusForbidden, resp.Code)
	})

	t.Run("cast_time_out_of_range", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		future := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)
		sec := &mockSecurity{
			recordVoteFunc: func(_ context.Context, v guard.VoteRequest) (*guard.VoteResult, error) {
				assert.True(t, v.At.Equal(future))
				return nil, fmt.Errorf("guard.Guard.RecordVote: %w", domain.ErrInvalidInput)
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		late := map[string]any{"cast_at": future.Format(time.RFC3339)}
		for k, v := range body {
			late[k] = v
		}
		resp := api.PostCtx(serviceCtx(), "/votes", late)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})

	t.Run("coordinated_threat_reported", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		threat := domain.NewThreat(domain.ThreatVoteManipulation, domain.ThreatLevelHigh, "prop-1", "prop-1", time.Now(), nil)
		sec := &mockSecurity{
			recordVoteFunc: func(_ context.Context, _ guard.VoteRequest) (*guard.VoteResult, error) {
				return &guard.VoteResult{Accepted: true, Threat: threat}, nil
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		resp := api.PostCtx(serviceCtx(), "/votes", body)
		require.Equal(t, http.StatusOK, resp.Code)
		var res guard.VoteResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		require.NotNil(t, res.Threat)
		assert.Equal(t, threat.ID, res.Threat.ID)
	})
}

// ---------------------------------------------------------------------------
// TestReportIPRoute
// ---------------------------------------------------------------------------

func TestReportIPRoute(t *testing.T) {
	t.Parallel()

	t.Run("reporter_is_principal", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		sec := &mockSecurity{
			reportIPFunc: func(_ context.Context, reporter, ip, reason string, severity domain.Severity) (*domain.IPReputationRecord, error) {
				assert.Equal(t, "ballot-service", reporter)
				assert.Equal(t, "203.0.113.77", ip)
				assert.Equal(t, "spam", reason)
				assert.Equal(t, domain.SeverityHigh, severity)
				return &domain.IPReputationRecord{IP: ip, Score: 30, Categories: []string{"spam"}}, nil
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		resp := api.PostCtx(serviceCtx(), "/ip/reports", map[string]any{
			"ip": "203.0.113.77", "reason": "spam", "severity": "high",
		})
		require.Equal(t, http.StatusOK, resp.Code)
		var rec domain.IPReputationRecord
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
		assert.InDelta(t, 30, rec.Score, 1e-9)
	})

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "invalid_ip", body: map[string]any{"ip": "not-an-ip", "reason": "spam", "severity": "high"}},
		{name: "unknown_severity", body: map[string]any{"ip": "203.0.113.77", "reason": "spam", "severity": "extreme"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, api := humatest.New(t)
			v1.RegisterSecurityRoutes(api, &mockSecurity{})
			resp := api.PostCtx(serviceCtx(), "/ip/reports", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
		})
	}
}

func TestGetReputationRoute(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	sec := &mockSecurity{
		getReputationFunc: func(_ context.Context, ip string) (*domain.IPReputationRecord, error) {
			return &domain.IPReputationRecord{IP: ip, Whitelisted: true, Categories: []string{}}, nil
		},
	}
	v1.RegisterSecurityRoutes(api, sec)

	resp := api.GetCtx(serviceCtx(), "/ip/2001:db8::1/reputation")
	require.Equal(t, http.StatusOK, resp.Code)
	var rec domain.IPReputationRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, "2001:db8::1", rec.IP)
	assert.True(t, rec.Whitelisted)
}

// ---------------------------------------------------------------------------
// TestAnalyzeRequestRoute / TestTrackAccountRoute
// ---------------------------------------------------------------------------

func TestAnalyzeRequestRoute(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	sec := &mockSecurity{
		analyzeRequestFunc: func(_ context.Context, req botdetect.Request) (*botdetect.Result, error) {
			assert.Equal(t, "198.51.100.7", req.IP, "caller address is the default")
			assert.Equal(t, "curl/8.5", req.UserAgent)
			assert.Equal(t, "en-US", req.Headers.Get("Accept-Language"))
			return &botdetect.Result{IsBot: true, Level: domain.ThreatLevelMedium, Score: 55, Reasons: []string{"automation_user_agent"}}, nil
		},
	}
	v1.RegisterSecurityRoutes(api, sec)

	resp := api.PostCtx(serviceCtx(), "/requests/analyze", map[string]any{
		"user_agent": "curl/8.5",
		"path":       "/proposals",
		"headers":    map[string]string{"accept-language": "en-US"},
	})
	require.Equal(t, http.StatusOK, resp.Code)
	var res botdetect.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.IsBot)
	assert.Equal(t, []string{"automation_user_agent"}, res.Reasons)
}

func TestTrackAccountRoute(t *testing.T) {
	t.Parallel()

	t.Run("clusters_returned", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		sec := &mockSecurity{
			trackAccountFunc: func(_ context.Context, acct sybil.Account) ([]*sybil.Cluster, error) {
				assert.Equal(t, "acct-3", acct.ID)
				assert.Equal(t, "dev-1", acct.DeviceHash)
				return []*sybil.Cluster{{Kind: sybil.ClusterDevice, Key: "dev-1", Accounts: []string{"acct-1", "acct-2", "acct-3"}, Confidence: 0.8}}, nil
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		resp := api.PostCtx(serviceCtx(), "/accounts/track", map[string]any{"account_id": "acct-3", "device_hash": "dev-1"})
		require.Equal(t, http.StatusOK, resp.Code)
		var body struct {
			Clusters []sybil.Cluster `json:"clusters"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Clusters, 1)
		assert.Len(t, body.Clusters[0].Accounts, 3)
	})

	t.Run("no_clusters_is_empty_list", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		sec := &mockSecurity{
			trackAccountFunc: func(_ context.Context, _ sybil.Account) ([]*sybil.Cluster, error) {
				return nil, nil
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		resp := api.PostCtx(serviceCtx(), "/accounts/track", map[string]any{"account_id": "acct-1"})
		require.Equal(t, http.StatusOK, resp.Code)
		assert.JSONEq(t, `{"clusters":[],"indicators":[]}`, stripSchema(t, resp.Body.Bytes()))
	})

	t.Run("behavior_samples_analyzed", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		sec := &mockSecurity{
			trackAccountFunc: func(_ context.Context, _ sybil.Account) ([]*sybil.Cluster, error) {
				return nil, nil
			},
			analyzeBehaviorFunc: func(_ context.Context, accountID string, samples sybil.BehaviorSamples) []domain.FraudIndicator {
				assert.Equal(t, "acct-9", accountID)
				assert.Len(t, samples.TypingIntervals, 3)
				return []domain.FraudIndicator{{Type: "uniform_typing", Confidence: 0.9}}
			},
		}
		v1.RegisterSecurityRoutes(api, sec)

		resp := api.PostCtx(serviceCtx(), "/accounts/track", map[string]any{
			"account_id": "acct-9",
			"behavior":   map[string]any{"typing_intervals": []float64{120, 120, 120}},
		})
		require.Equal(t, http.StatusOK, resp.Code)
		var body struct {
			Indicators []domain.FraudIndicator `json:"indicators"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Indicators, 1)
		assert.Equal(t, "uniform_typing", body.Indicators[0].Type)
	})
}

// ---------------------------------------------------------------------------
// TestSlotRoutes
// ---------------------------------------------------------------------------

func TestSlotRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		err      error
		wantCode int
	}{
		{name: "acquire", path: "/ratelimit/acquire", wantCode: http.StatusOK},
		{name: "acquire_not_concurrency", path: "/ratelimit/acquire", err: domain.ErrInvalidPolicy, wantCode: http.StatusUnprocessableEntity},
		{name: "release", path: "/ratelimit/release", wantCode: http.StatusNoContent},
		{name: "release_store_down", path: "/ratelimit/release", err: domain.ErrStoreUnavailable, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, api := humatest.New(t)
			sec := &mockSecurity{
				acquireSlotFunc: func(_ context.Context, identifier, ip, policy string) (ratelimit.Decision, error) {
					assert.Equal(t, "clerk-4", identifier)
					assert.Equal(t, "198.51.100.7", ip)
					assert.Equal(t, "export", policy)
					return ratelimit.Decision{Allowed: true, Limit: 2, Remaining: 1, Policy: policy}, tt.err
				},
				releaseSlotFunc: func(_ context.Context, identifier, policy string) error {
					assert.Equal(t, "clerk-4", identifier)
					assert.Equal(t, "export", policy)
					return tt.err
				},
			}
			v1.RegisterSecurityRoutes(api, sec)

			resp := api.PostCtx(serviceCtx(), tt.path, map[string]any{"identifier": "clerk-4", "policy": "export"})
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

// ---------------------------------------------------------------------------
// TestWAFBlockRoute / TestShouldBlockRoute
// ---------------------------------------------------------------------------

func TestWAFBlockRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ip       string
		wantCode int
	}{
		{name: "recorded", ip: "203.0.113.50", wantCode: http.StatusOK},
		{name: "invalid_ip", ip: "not-an-ip", wantCode: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, api := humatest.New(t)
			sec := &mockSecurity{
				recordWAFBlockFunc: func(_ context.Context, reporter, ip, rule string) (*domain.IPReputationRecord, error) {
					assert.Equal(t, "ballot-service", reporter)
					assert.Equal(t, "xss-941100", rule)
					return &domain.IPReputationRecord{IP: ip, Score: 10, Categories: []string{}}, nil
				},
			}
			v1.RegisterSecurityRoutes(api, sec)

			resp := api.PostCtx(serviceCtx(), "/ip/waf-blocks", map[string]any{"ip": tt.ip, "rule": "xss-941100"})
			require.Equal(t, tt.wantCode, resp.Code)
			if tt.wantCode == http.StatusOK {
				var rec domain.IPReputationRecord
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
				assert.InDelta(t, 10, rec.Score, 1e-9)
			}
		})
	}
}

func TestShouldBlockRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		path          string
		wantThreshold float64
		block         bool
		wantCode      int
	}{
		{name: "default_threshold", path: "/ip/203.0.113.8/should-block", block: false, wantCode: http.StatusOK},
		{name: "explicit_threshold", path: "/ip/203.0.113.8/should-block?threshold=40", wantThreshold: 40, block: true, wantCode: http.StatusOK},
		{name: "threshold_out_of_range", path: "/ip/203.0.113.8/should-block?threshold=150", wantCode: http.StatusUnprocessableEntity},
		{name: "invalid_ip", path: "/ip/nope/should-block", wantCode: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, api := humatest.New(t)
			sec := &mockSecurity{
				shouldBlockFunc: func(_ context.Context, ip string, threshold float64) (bool, error) {
					assert.Equal(t, "203.0.113.8", ip)
					assert.InDelta(t, tt.wantThreshold, threshold, 1e-9)
					return tt.block, nil
				},
			}
			v1.RegisterSecurityRoutes(api, sec)

			resp := api.GetCtx(serviceCtx(), tt.path)
			require.Equal(t, tt.wantCode, resp.Code)
			if tt.wantCode == http.StatusOK {
				var body struct {
					IP    string `json:"ip"`
					Block bool   `json:"block"`
				}
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, "203.0.113.8", body.IP)
				assert.Equal(t, tt.block, body.Block)
			}
		})
	}
}

// stripSchema drops the $schema link huma adds to object responses.
func stripSchema(t *testing.T, raw []byte) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	delete(m, "$schema")
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return string(out)
}
