package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bcnelson/feedgate/internal/auth"
	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/metrics"
)

type contextKey string

const PrincipalContextKey contextKey = "principal"

// Authenticator validates a presented API key.
type Authenticator interface {
	Authenticate(ctx context.Context, presented string) (*domain.Principal, error)
}

// Auth creates authentication middleware. It accepts "Authorization: Bearer <key>"
// or a bare key and stores the resolved principal in the request context.
func Auth(authn Authenticator, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := auth.ExtractKey(r.Header.Get("Authorization"))

			principal, err := authn.Authenticate(r.Context(), presented)
			if err != nil {
				var authErr *domain.AuthError
				if errors.As(err, &authErr) {
					m.AuthFailure(authErr.Code())
					writeError(w, authErr.Status(), authErr.Code(), authErr.Message, nil)
					return
				}
				logger.Error("authentication unavailable", "error", err)
				writeError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error", nil)
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipalFromContext retrieves the authenticated caller from the request context.
func GetPrincipalFromContext(ctx context.Context) *domain.Principal {
	p, _ := ctx.Value(PrincipalContextKey).(*domain.Principal)
	return p
}
