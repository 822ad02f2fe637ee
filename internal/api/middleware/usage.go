package middleware

import (
	"net/http"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/ratelimit"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// UsageSink accepts completed-request records without blocking.
type UsageSink interface {
	Record(rec domain.UsageRecord)
}

// Usage meters each request that reaches the business handler. It must run
// after Auth; requests without a principal are not metered.
func Usage(sink UsageSink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			principal := GetPrincipalFromContext(r.Context())
			if principal == nil {
				return
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			sink.Record(domain.UsageRecord{
				UserID:     principal.UserID,
				Endpoint:   r.URL.Path,
				Method:     r.Method,
				StatusCode: status,
				LatencyMs:  time.Since(start).Milliseconds(),
				IPAddress:  ratelimit.ClientIP(r),
				UserAgent:  r.UserAgent(),
				CreatedAt:  start,
			})
		})
	}
}
