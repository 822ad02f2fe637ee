package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
)

// AnonymousLimiter enforces per-IP sliding-window limits on unauthenticated endpoints.
type AnonymousLimiter struct {
	store  storage.IPLogStore
	logger *slog.Logger

	// Now is the clock; tests may replace it.
	Now func() time.Time
	// Timeout bounds the store round-trip.
	Timeout time.Duration
}

// NewAnonymousLimiter creates an AnonymousLimiter.
func NewAnonymousLimiter(store storage.IPLogStore, logger *slog.Logger) *AnonymousLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnonymousLimiter{
		store:   store,
		logger:  logger,
		Now:     time.Now,
		Timeout: 5 * time.Second,
	}
}

// Consume records one request from ip to endpoint under policy.
//
// When denied, ResetAt is when the oldest logged request leaves the window,
// which is when the next slot frees up. Store failures fail open like
// QuotaCounter.Consume.
func (l *AnonymousLimiter) Consume(ctx context.Context, ip, endpoint string, policy domain.RateLimitPolicy) (domain.Decision, error) {
	now := l.Now()
	decision := domain.Decision{Limit: policy.MaxRequests, ResetAt: now.Add(policy.Window)}

	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	slot, err := l.store.ConsumeIPSlot(ctx, ip, endpoint, now, policy.Window, policy.MaxRequests)
	if err != nil {
		l.logger.Warn("ip rate-limit store unavailable, failing open",
			"ip", ip, "endpoint", endpoint, "policy", policy.Name, "error", err)
		decision.Allowed = true
		decision.FailOpen = true
		decision.Remaining = policy.MaxRequests
		return decision, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	if !slot.Oldest.IsZero() {
		decision.ResetAt = slot.Oldest.Add(policy.Window)
	}

	if !slot.Allowed {
		decision.RetryAfter = decision.ResetAt.Sub(now)
		return decision, nil
	}

	decision.Allowed = true
	decision.Remaining = max(policy.MaxRequests-slot.Count, 0)

	if err := l.store.PruneIPRecords(ctx, ip, endpoint, now.Add(-policy.Window)); err != nil {
		l.logger.Debug("pruning ip rate records failed", "ip", ip, "endpoint", endpoint, "error", err)
	}
	return decision, nil
}
