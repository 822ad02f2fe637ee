package api

import (
	"log/slog"
	"net/http"

	"github.com/bcnelson/feedgate/internal/api/handler"
	"github.com/bcnelson/feedgate/internal/api/middleware"
	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/metrics"
	"github.com/bcnelson/feedgate/internal/ratelimit"
	"github.com/bcnelson/feedgate/internal/storage"
	"github.com/bcnelson/feedgate/internal/webhook"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators the gateway composes.
type Deps struct {
	Store         storage.Storage
	Authenticator middleware.Authenticator
	Quota         middleware.QuotaLimiter
	Anonymous     middleware.IPLimiter
	Policies      ratelimit.Policies
	Quotas        domain.QuotaTable
	Usage         middleware.UsageSink
	Dispatcher    *webhook.Dispatcher
	Threshold     int

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *slog.Logger

	// Product mounts the tenant-facing business routes under /api/v1,
	// behind authentication, quota and usage metering.
	Product func(r chi.Router)

	// Anonymous endpoints, each behind its per-IP policy. Nil handlers
	// respond 501.
	Signup   http.Handler
	Login    http.Handler
	Waitlist http.Handler
}

// NewRouter creates a new HTTP router with all routes configured.
//
// Authenticated requests pass Auth, then Quota, then the handler, and are
// metered on the way out. Anonymous requests pass the per-IP limiter only.
func NewRouter(d Deps) http.Handler {
	if d.Policies == nil {
		d.Policies = ratelimit.DefaultPolicies()
	}
	if d.Quotas == nil {
		d.Quotas = ratelimit.DefaultQuotaTable()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(d.Logger))

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	// Anonymous routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.ContentType)

		auth := d.Policies.Get(ratelimit.PolicyAuth)
		r.With(middleware.IPRateLimit(d.Anonymous, auth, d.Metrics)).Post("/auth/signup", orNotImplemented(d.Signup))
		r.With(middleware.IPRateLimit(d.Anonymous, auth, d.Metrics)).Post("/auth/login", orNotImplemented(d.Login))

		waitlist := d.Policies.Get(ratelimit.PolicyWaitlist)
		r.With(middleware.IPRateLimit(d.Anonymous, waitlist, d.Metrics)).Post("/waitlist", orNotImplemented(d.Waitlist))
	})

	// API routes (auth required, JSON Content-Type)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)
		r.Use(middleware.Auth(d.Authenticator, d.Metrics, d.Logger))
		r.Use(middleware.Quota(d.Quota, d.Metrics))
		r.Use(middleware.Usage(d.Usage))

		usageHandler := handler.NewUsageHandler(d.Store, d.Quotas)
		r.Get("/me", usageHandler.Me)
		r.Get("/usage", usageHandler.List)

		// API Keys
		keyHandler := handler.NewAPIKeyHandler(d.Store)
		r.Post("/keys", keyHandler.Create)
		r.Get("/keys", keyHandler.List)
		r.Delete("/keys/{id}", keyHandler.Delete)

		// Webhooks
		webhookHandler := handler.NewWebhookHandler(d.Store, d.Dispatcher, d.Threshold)
		r.Post("/webhooks", webhookHandler.Create)
		r.Get("/webhooks", webhookHandler.List)
		r.Route("/webhooks/{id}", func(r chi.Router) {
			r.Get("/", webhookHandler.Get)
			r.Put("/", webhookHandler.Update)
			r.Delete("/", webhookHandler.Delete)
			r.Post("/test", webhookHandler.Test)
			r.Get("/deliveries", webhookHandler.Deliveries)
		})

		if d.Product != nil {
			d.Product(r)
		}
	})

	return r
}

func orNotImplemented(h http.Handler) http.HandlerFunc {
	if h != nil {
		return h.ServeHTTP
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
		w.Write([]byte(`{"error":{"code":"` + domain.ErrCodeNotImplemented + `","message":"not implemented"}}`))
	}
}
