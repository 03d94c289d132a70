package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/civicgov/civicguard/internal/ratelimit"
)

// RateChecker applies a named policy. *guard.Guard satisfies it; fail-open
// policies already return a nil error when the store is down.
type RateChecker interface {
	CheckRateLimit(ctx context.Context, identifier, ip, policy string, load float64) (ratelimit.Decision, error)
}

// RateLimit checks every request against policy. The identifier is the
// authenticated principal when present, else the client IP.
func RateLimit(checker RateChecker, policy string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _ := ClientIPFromContext(r.Context())
			identifier := ip
			if p, ok := PrincipalFromContext(r.Context()); ok && p.ID != "" {
				identifier = p.ID
			}

			d, err := checker.CheckRateLimit(r.Context(), identifier, ip, policy, 0)
			if err != nil {
				log.Error().Err(err).Str("policy", policy).Msg("rate limit check failed, rejecting")
				http.Error(w, `{"title":"Service Unavailable","status":503,"detail":"rate limiter unavailable"}`, http.StatusServiceUnavailable)
				return
			}

			setRateHeaders(w, d)
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds(d.RetryAfter), 10))
				http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(d.Remaining, 0), 10))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// retrySeconds rounds up so clients never retry early. At least 1.
func retrySeconds(d time.Duration) int64 {
	return max(int64(math.Ceil(d.Seconds())), 1)
}

type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LocalFlood is an in-process per-IP token bucket in front of the shared
// limiter. It keeps working when the keyed store is down and a policy fails
// open. Stale entries are cleaned up every 10 minutes.
func LocalFlood(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*ipLimiter)
	)

	// Background cleanup of stale limiters.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				cutoff := time.Now().Add(-30 * time.Minute)
				for ip, il := range limiters {
					if il.lastAccess.Before(cutoff) {
						delete(limiters, ip)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		il, ok := limiters[ip]
		if !ok {
			il = &ipLimiter{
				limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
				lastAccess: time.Now(),
			}
			limiters[ip] = il
		} else {
			il.lastAccess = time.Now()
		}
		return il.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, ok := ClientIPFromContext(r.Context())
			if !ok {
				ip = r.RemoteAddr
			}
			if !limiterFor(ip).Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
