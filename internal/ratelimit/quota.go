// Package ratelimit implements admission limits: a fixed-window quota per
// tenant and endpoint for authenticated traffic, and a sliding log per client
// IP for anonymous endpoints.
//
// The two algorithms behave differently at window edges. The fixed window
// resets at the top of each hour, so a tenant can spend a full quota just
// before the boundary and another just after it. The sliding log never admits
// more than the ceiling inside any trailing window.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
)

// QuotaWindowSize is the length of a tiered quota window.
const QuotaWindowSize = time.Hour

// QuotaCounter enforces the hourly per-endpoint ceiling of a tenant's tier.
type QuotaCounter struct {
	store  storage.QuotaStore
	limits domain.QuotaTable
	logger *slog.Logger

	// Now is the clock; tests may replace it.
	Now func() time.Time
	// Timeout bounds the store round-trip.
	Timeout time.Duration
}

// NewQuotaCounter creates a QuotaCounter.
func NewQuotaCounter(store storage.QuotaStore, limits domain.QuotaTable, logger *slog.Logger) *QuotaCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaCounter{
		store:   store,
		limits:  limits,
		logger:  logger,
		Now:     time.Now,
		Timeout: 5 * time.Second,
	}
}

// WindowStart truncates t to the top of its hour.
func WindowStart(t time.Time) time.Time {
	return t.UTC().Truncate(QuotaWindowSize)
}

// Limit returns the hourly ceiling for a tier.
func (q *QuotaCounter) Limit(tier domain.PlanTier) int {
	return q.limits.Limit(tier)
}

// Consume counts one request against (tenant, endpoint) for the current window.
//
// If the store is unreachable the request is allowed, the decision is marked
// FailOpen, and the returned error wraps domain.ErrStorageUnavailable.
func (q *QuotaCounter) Consume(ctx context.Context, userID string, tier domain.PlanTier, endpoint string) (domain.Decision, error) {
	now := q.Now()
	windowStart := WindowStart(now)
	resetAt := windowStart.Add(QuotaWindowSize)
	limit := q.limits.Limit(tier)

	decision := domain.Decision{Limit: limit, ResetAt: resetAt}
	if limit <= 0 {
		decision.RetryAfter = resetAt.Sub(now)
		return decision, nil
	}

	ctx, cancel := context.WithTimeout(ctx, q.Timeout)
	defer cancel()

	res, err := q.store.IncrementQuota(ctx, userID, endpoint, windowStart, limit)
	if err != nil {
		q.logger.Warn("quota store unavailable, failing open",
			"tenant", userID, "endpoint", endpoint, "error", err)
		decision.Allowed = true
		decision.FailOpen = true
		decision.Remaining = limit
		return decision, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	if !res.Allowed {
		decision.RetryAfter = resetAt.Sub(now)
		return decision, nil
	}

	decision.Allowed = true
	decision.Remaining = max(limit-res.Count, 0)
	return decision, nil
}
