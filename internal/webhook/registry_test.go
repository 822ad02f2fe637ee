package webhook

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func addHook(t *testing.T, store *memory.Store, hook *domain.Webhook) *domain.Webhook {
	t.Helper()
	if hook.UserID == "" {
		hook.UserID = "tenant-1"
	}
	if hook.EventTypes == nil {
		hook.EventTypes = []string{domain.EventArticlesNew}
	}
	hook.IsActive = true
	hook.CreatedAt = time.Now()
	hook.UpdatedAt = hook.CreatedAt
	require.NoError(t, store.CreateWebhook(context.Background(), hook))
	return hook
}

func ids(hooks []*domain.Webhook) []string {
	out := make([]string, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, h.ID)
	}
	sort.Strings(out)
	return out
}

func TestFindSubscribersEntityFilters(t *testing.T) {
	store := memory.New()
	addHook(t, store, &domain.Webhook{ID: "W1", URL: "https://a.example/1"})
	addHook(t, store, &domain.Webhook{ID: "W2", URL: "https://a.example/2", FeedID: strPtr("F1")})
	addHook(t, store, &domain.Webhook{ID: "W3", URL: "https://a.example/3", CollectionID: strPtr("C1")})
	r := NewRegistry(store, 0)
	ctx := context.Background()

	got, err := r.FindSubscribers(ctx, domain.EventArticlesNew, domain.EventFilter{UserID: "tenant-1", FeedID: "F1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"W1", "W2"}, ids(got))

	got, err = r.FindSubscribers(ctx, domain.EventArticlesNew, domain.EventFilter{UserID: "tenant-1", CollectionID: "C9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"W1"}, ids(got))

	got, err = r.FindSubscribers(ctx, domain.EventArticlesNew, domain.EventFilter{UserID: "tenant-1", CollectionID: "C1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"W1", "W3"}, ids(got))

	got, err = r.FindSubscribers(ctx, domain.EventArticlesNew, domain.EventFilter{UserID: "tenant-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"W1"}, ids(got))
}

func TestFindSubscribersBothFilters(t *testing.T) {
	store := memory.New()
	addHook(t, store, &domain.Webhook{ID: "W4", URL: "https://a.example/4", FeedID: strPtr("F1"), CollectionID: strPtr("C1")})
	r := NewRegistry(store, 0)
	ctx := context.Background()

	got, _ := r.FindSubscribers(ctx, domain.EventArticlesNew, domain.EventFilter{UserID: "tenant-1", FeedID: "F1"})
	assert.Equal(t, []string{"W4"}, ids(got))
	got, _ = r.FindSubscribers(ctx, domain.EventArticlesNew, domain.EventFilter{UserID: "tenant-1", CollectionID: "C1"})
	assert.Equal(t, []string{"W4"}, ids(got))
	got, _ = r.FindSubscribers(ctx, domain.EventArticlesNew, domain.EventFilter{UserID: "tenant-1", FeedID: "F2"})
	assert.Empty(t, got)
}

func TestFindSubscribersPredicate(t *testing.T) {
	store := memory.New()
	addHook(t, store, &domain.Webhook{ID: "subscribed", URL: "https://a.example/1"})
	addHook(t, store, &domain.Webhook{ID: "other-event", URL: "https://a.example/2", EventTypes: []string{domain.EventFeedError}})
	paused := addHook(t, store, &domain.Webhook{ID: "paused", URL: "https://a.example/3"})
	addHook(t, store, &domain.Webhook{ID: "other-tenant", UserID: "tenant-2", URL: "https://a.example/4"})
	addHook(t, store, &domain.Webhook{ID: "throttled", URL: "https://a.example/5"})
	addHook(t, store, &domain.Webhook{ID: "almost", URL: "https://a.example/6"})

	paused.IsActive = false
	require.NoError(t, store.UpdateWebhook(context.Background(), paused))
	store.SetWebhookFailureCount("throttled", domain.DefaultFailureThreshold)
	store.SetWebhookFailureCount("almost", domain.DefaultFailureThreshold-1)

	r := NewRegistry(store, domain.DefaultFailureThreshold)
	got, err := r.FindSubscribers(context.Background(), domain.EventArticlesNew, domain.EventFilter{UserID: "tenant-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"almost", "subscribed"}, ids(got))

	throttled, err := store.GetWebhook(context.Background(), "throttled")
	require.NoError(t, err)
	assert.True(t, throttled.IsActive, "the breaker never flips is_active")
	assert.Equal(t, domain.HealthThrottled, throttled.Health(r.Threshold()))
}
