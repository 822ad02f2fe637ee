package usage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/metrics"
	"github.com/bcnelson/feedgate/internal/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func droppedMetric(n int) *strings.Reader {
	return strings.NewReader(`
# HELP feedgate_usage_records_dropped_total Usage records dropped because the buffer was full or the write failed.
# TYPE feedgate_usage_records_dropped_total counter
feedgate_usage_records_dropped_total ` + strconv.Itoa(n) + `
`)
}

func TestRecorderWritesAndDrains(t *testing.T) {
	store := memory.New()
	r := NewRecorder(store, 64, nil, nil)

	at := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	for i := range 10 {
		r.Record(domain.UsageRecord{
			UserID: "u1", Endpoint: "/api/v1/articles", Method: "GET", StatusCode: 200,
			LatencyMs: int64(i), CreatedAt: at.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, r.Close(context.Background()))

	recs, err := store.ListUsageRecords(context.Background(), domain.UsageQuery{UserID: "u1", Limit: 100})
	require.NoError(t, err)
	require.Len(t, recs, 10)
	for _, rec := range recs {
		assert.NotEmpty(t, rec.ID)
	}
}

type blockingStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) InsertUsageRecord(ctx context.Context, rec *domain.UsageRecord) error {
	b.entered <- struct{}{}
	<-b.release
	return b.Store.InsertUsageRecord(ctx, rec)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	store := &blockingStore{
		Store:   memory.New(),
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	reg := prometheus.NewRegistry()
	r := NewRecorder(store, 1, nil, metrics.New(reg))

	r.Record(domain.UsageRecord{UserID: "u1", Endpoint: "/a"})
	<-store.entered // worker is busy with the first record

	r.Record(domain.UsageRecord{UserID: "u1", Endpoint: "/b"}) // fills the buffer
	r.Record(domain.UsageRecord{UserID: "u1", Endpoint: "/c"}) // dropped

	close(store.release)
	require.NoError(t, r.Close(context.Background()))

	// Records after Close are dropped too.
	r.Record(domain.UsageRecord{UserID: "u1", Endpoint: "/d"})

	recs, err := store.ListUsageRecords(context.Background(), domain.UsageQuery{UserID: "u1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.NoError(t, testutil.GatherAndCompare(reg, droppedMetric(2), "feedgate_usage_records_dropped_total"))
}

type failingStore struct{ *memory.Store }

func (failingStore) InsertUsageRecord(context.Context, *domain.UsageRecord) error {
	return errors.New("disk full")
}

func TestRecorderWriteFailureIsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(failingStore{memory.New()}, 8, nil, metrics.New(reg))
	r.Record(domain.UsageRecord{UserID: "u1"})
	require.NoError(t, r.Close(context.Background()))
	assert.NoError(t, testutil.GatherAndCompare(reg, droppedMetric(1), "feedgate_usage_records_dropped_total"))
}
