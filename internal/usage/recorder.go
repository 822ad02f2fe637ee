// Package usage meters completed API requests.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/metrics"
	"github.com/bcnelson/feedgate/internal/storage"
	"github.com/google/uuid"
)

// Recorder appends usage records from a background worker. Record never
// blocks and never fails the caller; records are dropped and logged when the
// buffer is full or the write fails.
type Recorder struct {
	store   storage.UsageStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	queue chan *domain.UsageRecord
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRecorder creates a Recorder and starts its worker.
func NewRecorder(store storage.UsageStore, bufferSize int, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	r := &Recorder{
		store:   store,
		logger:  logger,
		metrics: m,
		timeout: 5 * time.Second,
		queue:   make(chan *domain.UsageRecord, bufferSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues one usage record.
func (r *Recorder) Record(rec domain.UsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(&rec, "recorder closed")
		return
	}

	select {
	case r.queue <- &rec:
	default:
		r.drop(&rec, "buffer full")
	}
}

func (r *Recorder) drop(rec *domain.UsageRecord, reason string) {
	r.metrics.UsageDropped()
	r.logger.Warn("dropping usage record", "reason", reason, "tenant", rec.UserID, "endpoint", rec.Endpoint)
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.store.InsertUsageRecord(ctx, rec); err != nil {
			r.metrics.UsageDropped()
			r.logger.Warn("failed to write usage record", "tenant", rec.UserID, "endpoint", rec.Endpoint, "error", err)
		}
		cancel()
	}
}

// Close stops accepting records and waits for the buffer to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
