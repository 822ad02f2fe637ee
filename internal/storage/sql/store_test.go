package sql

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New("sqlite3", filepath.Join(t.TempDir(), "feedgate.db")+"?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var hour = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func TestAPIKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := &domain.APIKey{
		ID: "k1", UserID: "u1", Name: "ci", KeyHash: "hash-1", KeyPrefix: "fg_live_abcd",
		IsActive: true, CreatedAt: hour,
	}
	require.NoError(t, store.CreateAPIKey(ctx, key))

	dup := *key
	dup.ID = "k2"
	assert.ErrorIs(t, store.CreateAPIKey(ctx, &dup), domain.ErrAlreadyExists)

	got, err := store.GetAPIKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.LastUsedAt)

	_, err = store.GetAPIKeyByHash(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.UpdateAPIKeyLastUsed(ctx, "k1", hour.Add(time.Minute)))

	assert.ErrorIs(t, store.RevokeAPIKey(ctx, "someone-else", "k1"), domain.ErrNotFound)
	require.NoError(t, store.RevokeAPIKey(ctx, "u1", "k1"))

	keys, err := store.ListAPIKeys(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].IsActive)
	require.NotNil(t, keys[0].LastUsedAt)
	assert.True(t, keys[0].LastUsedAt.Equal(hour.Add(time.Minute)))
}

func TestTenantPlans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetTenantPlan(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.SetTenantPlan(ctx, &domain.TenantPlan{UserID: "u1", Tier: domain.TierPro}))
	require.NoError(t, store.SetTenantPlan(ctx, &domain.TenantPlan{UserID: "u1", Tier: domain.TierEnterprise}))

	plan, err := store.GetTenantPlan(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierEnterprise, plan.Tier)
}

func TestIncrementQuotaNeverExceedsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	const limit, callers = 20, 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.IncrementQuota(ctx, "u1", "/articles", hour, limit)
			assert.NoError(t, err)
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, allowed)

	res, err := store.IncrementQuota(ctx, "u1", "/articles", hour, limit)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, limit, res.Count)

	// Other endpoints and windows are separate counters.
	res, err = store.IncrementQuota(ctx, "u1", "/feeds", hour, limit)
	require.NoError(t, err)
	assert.Equal(t, domain.QuotaResult{Allowed: true, Count: 1}, res)
	res, err = store.IncrementQuota(ctx, "u1", "/articles", hour.Add(time.Hour), limit)
	require.NoError(t, err)
	assert.Equal(t, domain.QuotaResult{Allowed: true, Count: 1}, res)

	n, err := store.DeleteQuotaWindowsBefore(ctx, hour.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestConsumeIPSlot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	window := 15 * time.Minute

	for i := range 3 {
		slot, err := store.ConsumeIPSlot(ctx, "10.0.0.1", "/auth/signup", hour.Add(time.Duration(i)*time.Minute), window, 3)
		require.NoError(t, err)
		assert.True(t, slot.Allowed)
		assert.Equal(t, i+1, slot.Count)
		assert.True(t, slot.Oldest.Equal(hour), "oldest stays the first accepted request")
	}

	slot, err := store.ConsumeIPSlot(ctx, "10.0.0.1", "/auth/signup", hour.Add(5*time.Minute), window, 3)
	require.NoError(t, err)
	assert.False(t, slot.Allowed)
	assert.Equal(t, 3, slot.Count)
	assert.True(t, slot.Oldest.Equal(hour))

	// A different IP has its own log.
	slot, err = store.ConsumeIPSlot(ctx, "10.0.0.2", "/auth/signup", hour.Add(5*time.Minute), window, 3)
	require.NoError(t, err)
	assert.True(t, slot.Allowed)

	// Once the first record slides out, one slot frees up.
	slot, err = store.ConsumeIPSlot(ctx, "10.0.0.1", "/auth/signup", hour.Add(window+30*time.Second), window, 3)
	require.NoError(t, err)
	assert.True(t, slot.Allowed)
	assert.True(t, slot.Oldest.Equal(hour.Add(time.Minute)))

	require.NoError(t, store.PruneIPRecords(ctx, "10.0.0.1", "/auth/signup", hour.Add(time.Minute)))
	n, err := store.DeleteIPRecordsBefore(ctx, hour.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestUsageRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, store.InsertUsageRecord(ctx, &domain.UsageRecord{
			UserID: "u1", Endpoint: "/api/v1/articles", Method: "GET", StatusCode: 200,
			LatencyMs: int64(i), IPAddress: "10.0.0.1", UserAgent: "curl/8",
			CreatedAt: hour.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.InsertUsageRecord(ctx, &domain.UsageRecord{
		UserID: "u2", Endpoint: "/api/v1/feeds", Method: "GET", StatusCode: 200, CreatedAt: hour,
	}))

	recs, err := store.ListUsageRecords(ctx, domain.UsageQuery{UserID: "u1", Since: hour.Add(2 * time.Minute), Limit: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.EqualValues(t, 4, recs[0].LatencyMs, "newest first")
	assert.EqualValues(t, 3, recs[1].LatencyMs)
	assert.NotEmpty(t, recs[0].ID)

	n, err := store.DeleteUsageRecordsBefore(ctx, hour.Add(2*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func newHook(id string) *domain.Webhook {
	feed := "F1"
	return &domain.Webhook{
		ID: id, UserID: "u1", URL: "https://hooks.example/" + id,
		EventTypes: []string{domain.EventArticlesNew, domain.EventFeedError},
		FeedID:     &feed, IsActive: true, CreatedAt: hour, UpdatedAt: hour,
	}
}

func TestWebhookHealthCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateWebhook(ctx, newHook("w1")))

	got, err := store.GetWebhook(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{domain.EventArticlesNew, domain.EventFeedError}, got.EventTypes)
	assert.Equal(t, "F1", *got.FeedID)
	assert.Nil(t, got.CollectionID)

	errMsg := "HTTP 503"
	code := 503
	for range 3 {
		require.NoError(t, store.RecordWebhookOutcome(ctx, "w1", domain.DeliveryOutcome{StatusCode: &code, Error: &errMsg, At: hour}))
	}
	timeout := "context deadline exceeded"
	require.NoError(t, store.RecordWebhookOutcome(ctx, "w1", domain.DeliveryOutcome{Error: &timeout, At: hour.Add(time.Minute)}))

	got, _ = store.GetWebhook(ctx, "w1")
	assert.Equal(t, 4, got.FailureCount)
	assert.Equal(t, 503, *got.LastStatusCode)
	assert.Equal(t, timeout, *got.LastError)

	deliverable, err := store.ListDeliverableWebhooks(ctx, "u1", 4)
	require.NoError(t, err)
	assert.Empty(t, deliverable)

	// Tenant edits never touch the health counters.
	got.URL = "https://hooks.example/moved"
	got.UpdatedAt = hour.Add(2 * time.Minute)
	got.FailureCount = 0
	require.NoError(t, store.UpdateWebhook(ctx, got))
	got, _ = store.GetWebhook(ctx, "w1")
	assert.Equal(t, "https://hooks.example/moved", got.URL)
	assert.Equal(t, 4, got.FailureCount)

	ok := 200
	require.NoError(t, store.RecordWebhookOutcome(ctx, "w1", domain.DeliveryOutcome{Success: true, StatusCode: &ok, At: hour.Add(3 * time.Minute)}))
	got, _ = store.GetWebhook(ctx, "w1")
	assert.Equal(t, 0, got.FailureCount)
	assert.Nil(t, got.LastError)
	assert.Equal(t, 200, *got.LastStatusCode)

	deliverable, err = store.ListDeliverableWebhooks(ctx, "u1", 4)
	require.NoError(t, err)
	require.Len(t, deliverable, 1)

	assert.ErrorIs(t, store.RecordWebhookOutcome(ctx, "missing", domain.DeliveryOutcome{At: hour}), domain.ErrNotFound)
}

func TestDeliveries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateWebhook(ctx, newHook("w1")))

	for i, id := range []string{"d1", "d2"} {
		require.NoError(t, store.CreateDelivery(ctx, &domain.WebhookDelivery{
			ID: id, WebhookID: "w1", EventType: domain.EventArticlesNew,
			Payload: []byte(`{"event":"articles.new"}`), Status: domain.DeliveryPending,
			CreatedAt: hour.Add(time.Duration(i) * time.Second),
		}))
	}

	code := 204
	body := ""
	outcome := domain.DeliveryOutcome{Success: true, StatusCode: &code, ResponseBody: &body, At: hour.Add(time.Minute)}
	require.NoError(t, store.CompleteDelivery(ctx, "d1", outcome))
	assert.ErrorIs(t, store.CompleteDelivery(ctx, "d1", outcome), domain.ErrAlreadyCompleted)
	assert.ErrorIs(t, store.CompleteDelivery(ctx, "nope", outcome), domain.ErrNotFound)

	d, err := store.GetDelivery(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySuccess, d.Status)
	assert.Equal(t, 204, *d.StatusCode)
	require.NotNil(t, d.DeliveredAt)
	assert.JSONEq(t, `{"event":"articles.new"}`, string(d.Payload))

	list, err := store.ListDeliveries(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "d2", list[0].ID)
	assert.Equal(t, domain.DeliveryPending, list[0].Status)

	// Deleting the webhook keeps its audit trail.
	require.NoError(t, store.DeleteWebhook(ctx, "w1"))
	_, err = store.GetWebhook(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	d, err = store.GetDelivery(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySuccess, d.Status)
	list, err = store.ListDeliveries(ctx, "w1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.ErrorIs(t, store.DeleteWebhook(ctx, "w1"), domain.ErrNotFound)
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"postgres unique", &pq.Error{Code: "23505"}, true},
		{"postgres wrapped", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"postgres not null", &pq.Error{Code: "23502"}, false},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, true},
		{"sqlite primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, true},
		{"sqlite not null", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}, false},
		{"message only", errors.New("UNIQUE constraint failed: api_keys.key_hash"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func TestDuplicatePrimaryKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateWebhook(ctx, newHook("w1")))
	assert.ErrorIs(t, store.CreateWebhook(ctx, newHook("w1")), domain.ErrAlreadyExists)

	d := &domain.WebhookDelivery{
		ID: "d1", WebhookID: "w1", EventType: domain.EventArticlesNew,
		Payload: []byte(`{}`), Status: domain.DeliveryPending, CreatedAt: hour,
	}
	require.NoError(t, store.CreateDelivery(ctx, d))
	assert.ErrorIs(t, store.CreateDelivery(ctx, d), domain.ErrAlreadyExists)
}
