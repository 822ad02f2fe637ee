package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bcnelson/feedgate/internal/api"
	"github.com/bcnelson/feedgate/internal/auth"
	"github.com/bcnelson/feedgate/internal/config"
	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/metrics"
	"github.com/bcnelson/feedgate/internal/ratelimit"
	"github.com/bcnelson/feedgate/internal/service"
	"github.com/bcnelson/feedgate/internal/storage"
	redisstore "github.com/bcnelson/feedgate/internal/storage/redis"
	"github.com/bcnelson/feedgate/internal/storage/sql"
	"github.com/bcnelson/feedgate/internal/usage"
	"github.com/bcnelson/feedgate/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// janitorStore prunes counters from the counter backend and usage from the main store.
type janitorStore struct {
	storage.CounterStore
	storage.UsageStore
}

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// Create data directory if needed (for SQLite)
	if cfg.Database.Driver == "sqlite3" && !strings.HasPrefix(cfg.Database.DSN, ":memory:") {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				log.Fatalf("Failed to create data directory: %v", err)
			}
		}
	}

	// Initialize storage
	store, err := sql.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Counters live in SQL unless Redis is configured
	var counters storage.CounterStore = store
	if cfg.Counter.Backend == "redis" {
		rs, err := redisstore.New(context.Background(), redisstore.Config{
			Addr:     cfg.Counter.RedisAddr,
			Password: cfg.Counter.RedisPassword,
			DB:       cfg.Counter.RedisDB,
		})
		if err != nil {
			log.Fatalf("Failed to initialize redis counters: %v", err)
		}
		defer rs.Close()
		counters = rs
		logger.Info("using redis counter backend", "addr", cfg.Counter.RedisAddr)
	}

	// Metrics
	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		gatherer = reg
	}

	quotas := cfg.Quota.Table()
	defaultTier, _ := domain.ParsePlanTier(cfg.Quota.DefaultTier)
	policies := ratelimit.Policies(cfg.RateLimit.Policies())

	authn := auth.NewAuthenticator(store, auth.NewStorePlanResolver(store, defaultTier), quotas, logger)
	authn.TouchTimeout = cfg.Database.Timeout

	quota := ratelimit.NewQuotaCounter(counters, quotas, logger)
	quota.Timeout = cfg.Database.Timeout

	anon := ratelimit.NewAnonymousLimiter(counters, logger)
	anon.Timeout = cfg.Database.Timeout

	recorder := usage.NewRecorder(store, cfg.Usage.BufferSize, logger, m)

	registry := webhook.NewRegistry(store, cfg.Webhook.FailureThreshold)
	dispatcher := webhook.NewDispatcher(store, registry, nil, cfg.Webhook.Dispatch(), logger, m)

	janitor := service.NewJanitor(janitorStore{CounterStore: counters, UsageStore: store}, service.JanitorConfig{
		Interval:       cfg.Janitor.Interval,
		QuotaKeep:      2 * ratelimit.QuotaWindowSize,
		IPKeep:         policies.LongestWindow(),
		UsageRetention: cfg.Usage.Retention,
	}, logger)
	janitor.Start(context.Background())

	// Create router
	router := api.NewRouter(api.Deps{
		Store:         store,
		Authenticator: authn,
		Quota:         quota,
		Anonymous:     anon,
		Policies:      policies,
		Quotas:        quotas,
		Usage:         recorder,
		Dispatcher:    dispatcher,
		Threshold:     cfg.Webhook.FailureThreshold,
		Metrics:       m,
		Gatherer:      gatherer,
		Logger:        logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	logger.Info("starting feedgate", "addr", cfg.Server.Addr(), "db_driver", cfg.Database.Driver, "counters", cfg.Counter.Backend)

	// Start server in goroutine
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	janitor.Stop()
	dispatcher.Wait()
	authn.Wait()
	if err := recorder.Close(ctx); err != nil {
		logger.Warn("usage records not flushed", "error", err)
	}

	logger.Info("server stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
