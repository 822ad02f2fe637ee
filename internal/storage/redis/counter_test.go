package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*CounterStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := New(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

var hour = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func TestIncrementQuotaNeverExceedsLimit(t *testing.T) {
	store, mr := newTestStore(t)
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
	assert.Equal(t, domain.QuotaResult{Allowed: false, Count: limit}, res)

	key := store.quotaKey("u1", "/articles", hour)
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "20", got, "denied calls never increment")
	assert.Equal(t, 2*time.Hour, mr.TTL(key))

	// Other endpoints and windows are separate counters.
	res, err = store.IncrementQuota(ctx, "u1", "/feeds", hour, limit)
	require.NoError(t, err)
	assert.Equal(t, domain.QuotaResult{Allowed: true, Count: 1}, res)
	res, err = store.IncrementQuota(ctx, "u1", "/articles", hour.Add(time.Hour), limit)
	require.NoError(t, err)
	assert.Equal(t, domain.QuotaResult{Allowed: true, Count: 1}, res)
}

func TestIncrementQuotaZeroLimit(t *testing.T) {
	store, mr := newTestStore(t)

	res, err := store.IncrementQuota(context.Background(), "u1", "/articles", hour, 0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.False(t, mr.Exists(store.quotaKey("u1", "/articles", hour)))
}

func TestIncrementQuotaWindowExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for range 3 {
		_, err := store.IncrementQuota(ctx, "u1", "/articles", hour, 3)
		require.NoError(t, err)
	}
	mr.FastForward(2*time.Hour + time.Second)

	res, err := store.IncrementQuota(ctx, "u1", "/articles", hour, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.QuotaResult{Allowed: true, Count: 1}, res)
}

func TestConsumeIPSlot(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	window := 15 * time.Minute

	for i := range 3 {
		slot, err := store.ConsumeIPSlot(ctx, "10.0.0.1", "/auth/signup", hour.Add(time.Duration(i)*time.Minute), window, 3)
		require.NoError(t, err)
		assert.True(t, slot.Allowed)
		assert.Equal(t, i+1, slot.Count)
		assert.True(t, slot.Oldest.Equal(hour), "oldest stays the first accepted request, got %s", slot.Oldest)
	}

	slot, err := store.ConsumeIPSlot(ctx, "10.0.0.1", "/auth/signup", hour.Add(5*time.Minute), window, 3)
	require.NoError(t, err)
	assert.False(t, slot.Allowed)
	assert.Equal(t, 3, slot.Count)
	assert.True(t, slot.Oldest.Equal(hour))

	key := store.ipKey("10.0.0.1", "/auth/signup")
	members, err := mr.ZMembers(key)
	require.NoError(t, err)
	assert.Len(t, members, 3, "a denied call appends nothing")

	// A different IP has its own log.
	slot, err = store.ConsumeIPSlot(ctx, "10.0.0.2", "/auth/signup", hour.Add(5*time.Minute), window, 3)
	require.NoError(t, err)
	assert.True(t, slot.Allowed)

	// Once the first record slides out, one slot frees up.
	slot, err = store.ConsumeIPSlot(ctx, "10.0.0.1", "/auth/signup", hour.Add(window+30*time.Second), window, 3)
	require.NoError(t, err)
	assert.True(t, slot.Allowed)
	assert.Equal(t, 3, slot.Count)
	assert.True(t, slot.Oldest.Equal(hour.Add(time.Minute)))
}

func TestConsumeIPSlotWindowBoundary(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	window := time.Second

	_, err := store.ConsumeIPSlot(ctx, "10.0.0.1", "/login", hour, window, 1)
	require.NoError(t, err)

	// A record exactly window old still counts.
	slot, err := store.ConsumeIPSlot(ctx, "10.0.0.1", "/login", hour.Add(window), window, 1)
	require.NoError(t, err)
	assert.False(t, slot.Allowed)

	slot, err = store.ConsumeIPSlot(ctx, "10.0.0.1", "/login", hour.Add(window+time.Millisecond), window, 1)
	require.NoError(t, err)
	assert.True(t, slot.Allowed)
	assert.True(t, slot.Oldest.Equal(hour.Add(window+time.Millisecond)))
}

func TestPruneIPRecordsKeepsBoundary(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		_, err := store.ConsumeIPSlot(ctx, "10.0.0.1", "/login", hour.Add(time.Duration(i)*time.Minute), time.Hour, 10)
		require.NoError(t, err)
	}

	// Strictly before the cutoff goes; the record at the cutoff stays.
	require.NoError(t, store.PruneIPRecords(ctx, "10.0.0.1", "/login", hour.Add(time.Minute)))
	members, err := mr.ZMembers(store.ipKey("10.0.0.1", "/login"))
	require.NoError(t, err)
	assert.Len(t, members, 2)

	slot, err := store.ConsumeIPSlot(ctx, "10.0.0.1", "/login", hour.Add(3*time.Minute), time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, slot.Count)
	assert.True(t, slot.Oldest.Equal(hour.Add(time.Minute)))
}

func TestUnavailableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := New(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	mr.Close()

	_, err = store.IncrementQuota(context.Background(), "u1", "/articles", hour, 10)
	assert.Error(t, err)
	_, err = store.ConsumeIPSlot(context.Background(), "10.0.0.1", "/login", hour, time.Minute, 10)
	assert.Error(t, err)
}
