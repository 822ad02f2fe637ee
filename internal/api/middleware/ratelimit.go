package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/metrics"
	"github.com/bcnelson/feedgate/internal/ratelimit"
)

// APIPrefix is stripped when deriving the quota endpoint from a path.
const APIPrefix = "/api/v1"

// QuotaLimiter counts authenticated requests.
type QuotaLimiter interface {
	Consume(ctx context.Context, userID string, tier domain.PlanTier, endpoint string) (domain.Decision, error)
}

// IPLimiter counts anonymous requests.
type IPLimiter interface {
	Consume(ctx context.Context, ip, endpoint string, policy domain.RateLimitPolicy) (domain.Decision, error)
}

// EndpointKey maps a request path to the quota bucket it counts against:
// the first segment under the API prefix, so /api/v1/articles/42 and
// /api/v1/articles share "/articles".
func EndpointKey(path string) string {
	rest := strings.TrimPrefix(path, APIPrefix)
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return "/" + rest
}

// Quota enforces the tenant's hourly quota. It must run after Auth.
func Quota(limiter QuotaLimiter, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipalFromContext(r.Context())
			if principal == nil {
				writeError(w, http.StatusUnauthorized, domain.ErrCodeInvalidKey, "authentication required", nil)
				return
			}

			decision, err := limiter.Consume(r.Context(), principal.UserID, principal.Tier, EndpointKey(r.URL.Path))
			m.Admission(metrics.LimiterQuota, decision.Allowed, err != nil)
			setRateLimitHeaders(w, decision)

			if !decision.Allowed {
				msg := fmt.Sprintf("Rate limit of %d requests per hour exceeded. Resets at %s.",
					decision.Limit, decision.ResetAt.UTC().Format(time.RFC3339))
				denyRateLimited(w, decision, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPRateLimit enforces an anonymous policy per client IP. Requests without
// any client IP header share the "unknown" bucket.
func IPRateLimit(limiter IPLimiter, policy domain.RateLimitPolicy, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ratelimit.ClientIP(r)

			decision, err := limiter.Consume(r.Context(), ip, r.URL.Path, policy)
			m.Admission(metrics.LimiterAnonymous, decision.Allowed, err != nil)
			setRateLimitHeaders(w, decision)

			if !decision.Allowed {
				msg := fmt.Sprintf("Too many requests: limit is %d per %s. Try again in %d seconds.",
					decision.Limit, policy.Window, decision.RetryAfterSeconds())
				denyRateLimited(w, decision, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d domain.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func denyRateLimited(w http.ResponseWriter, d domain.Decision, message string) {
	retry := d.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, domain.ErrCodeRateLimitExceeded, message, map[string]any{
		"limit":       d.Limit,
		"remaining":   d.Remaining,
		"reset_at":    d.ResetAt.UTC().Format(time.RFC3339),
		"retry_after": retry,
	})
}
