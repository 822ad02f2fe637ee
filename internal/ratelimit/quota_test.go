package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowStart(t *testing.T) {
	loc := time.FixedZone("UTC+5:30", 5*3600+1800)
	in := time.Date(2025, 1, 1, 17, 59, 59, 999, loc)
	assert.Equal(t, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), WindowStart(in))
}

func TestQuotaConsumeConcurrent(t *testing.T) {
	for _, n := range []int{50, 100, 250} {
		store := memory.New()
		q := NewQuotaCounter(store, DefaultQuotaTable(), nil)
		now := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
		q.Now = func() time.Time { return now }

		var allowed atomic.Int64
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := q.Consume(context.Background(), "tenant", domain.TierStarter, "/articles")
				if err == nil && d.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(min(n, 100)), allowed.Load(), "n=%d", n)
		assert.Equal(t, min(n, 100), store.QuotaCount("tenant", "/articles", WindowStart(now)), "n=%d", n)
	}
}

func TestQuotaConsumeDecisions(t *testing.T) {
	store := memory.New()
	q := NewQuotaCounter(store, domain.QuotaTable{domain.TierStarter: 3}, nil)
	now := time.Date(2025, 1, 1, 10, 45, 0, 0, time.UTC)
	q.Now = func() time.Time { return now }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := q.Consume(ctx, "tenant", domain.TierStarter, "/articles")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 3-i, d.Remaining)
		assert.Equal(t, time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC), d.ResetAt)
	}

	d, err := q.Consume(ctx, "tenant", domain.TierStarter, "/articles")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 15*time.Minute, d.RetryAfter)
	assert.Equal(t, 900, d.RetryAfterSeconds())

	// Denials do not move the counter.
	assert.Equal(t, 3, store.QuotaCount("tenant", "/articles", WindowStart(now)))

	// Other endpoints and tenants are separate buckets.
	d, _ = q.Consume(ctx, "tenant", domain.TierStarter, "/feeds")
	assert.True(t, d.Allowed)
	d, _ = q.Consume(ctx, "other", domain.TierStarter, "/articles")
	assert.True(t, d.Allowed)
}

func TestQuotaWindowRollover(t *testing.T) {
	store := memory.New()
	q := NewQuotaCounter(store, domain.QuotaTable{domain.TierStarter: 2}, nil)
	now := time.Date(2025, 1, 1, 10, 59, 59, 0, time.UTC)
	q.Now = func() time.Time { return now }
	ctx := context.Background()

	for range 2 {
		d, _ := q.Consume(ctx, "tenant", domain.TierStarter, "/articles")
		assert.True(t, d.Allowed)
	}
	d, _ := q.Consume(ctx, "tenant", domain.TierStarter, "/articles")
	assert.False(t, d.Allowed)

	now = time.Date(2025, 1, 1, 11, 0, 0, 1, time.UTC)
	d, err := q.Consume(ctx, "tenant", domain.TierStarter, "/articles")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, 1, store.QuotaCount("tenant", "/articles", WindowStart(now)))
}

func TestQuotaZeroTier(t *testing.T) {
	store := memory.New()
	q := NewQuotaCounter(store, DefaultQuotaTable(), nil)

	for _, tier := range []domain.PlanTier{domain.TierFree, "unknown"} {
		d, err := q.Consume(context.Background(), "tenant", tier, "/articles")
		require.NoError(t, err)
		assert.False(t, d.Allowed, "tier %s", tier)
		assert.Equal(t, 0, d.Limit)
		assert.Positive(t, d.RetryAfter)
	}
}

type brokenCounters struct{}

func (brokenCounters) IncrementQuota(ctx context.Context, userID, endpoint string, windowStart time.Time, limit int) (domain.QuotaResult, error) {
	return domain.QuotaResult{}, errors.New("connection refused")
}

func (brokenCounters) DeleteQuotaWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func (brokenCounters) ConsumeIPSlot(ctx context.Context, ip, endpoint string, now time.Time, window time.Duration, max int) (domain.IPSlot, error) {
	return domain.IPSlot{}, errors.New("connection refused")
}

func (brokenCounters) PruneIPRecords(ctx context.Context, ip, endpoint string, before time.Time) error {
	return errors.New("connection refused")
}

func (brokenCounters) DeleteIPRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestQuotaFailOpen(t *testing.T) {
	q := NewQuotaCounter(brokenCounters{}, DefaultQuotaTable(), nil)

	d, err := q.Consume(context.Background(), "tenant", domain.TierPro, "/articles")
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.True(t, d.Allowed)
	assert.True(t, d.FailOpen)
	assert.Equal(t, 1000, d.Limit)
}
