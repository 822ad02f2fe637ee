package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bcnelson/feedgate/internal/storage"
)

// JanitorStore is the subset of storage the janitor prunes.
type JanitorStore interface {
	storage.QuotaStore
	storage.IPLogStore
	storage.UsageStore
}

// JanitorConfig sets how long each kind of row is kept.
type JanitorConfig struct {
	Interval time.Duration
	// QuotaKeep is how far back closed quota windows survive.
	QuotaKeep time.Duration
	// IPKeep should be at least the longest anonymous policy window.
	IPKeep time.Duration
	// UsageRetention of zero keeps usage rows forever.
	UsageRetention time.Duration
}

// PruneResult counts rows removed by one pass.
type PruneResult struct {
	QuotaWindows int64
	IPRecords    int64
	UsageRecords int64
}

// Janitor periodically deletes expired counter and usage rows.
type Janitor struct {
	store  JanitorStore
	cfg    JanitorConfig
	logger *slog.Logger

	// Now is the clock; tests may replace it.
	Now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a Janitor. Call Start to begin the loop.
func NewJanitor(store JanitorStore, cfg JanitorConfig, logger *slog.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.QuotaKeep <= 0 {
		cfg.QuotaKeep = 2 * time.Hour
	}
	if cfg.IPKeep <= 0 {
		cfg.IPKeep = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: store, cfg: cfg, logger: logger, Now: time.Now}
}

// RunOnce performs a single pruning pass. Every step runs even if an
// earlier one fails; the first error is returned.
func (j *Janitor) RunOnce(ctx context.Context) (PruneResult, error) {
	now := j.Now()
	var res PruneResult
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var err error
	res.QuotaWindows, err = j.store.DeleteQuotaWindowsBefore(ctx, now.Add(-j.cfg.QuotaKeep))
	keep(err)
	res.IPRecords, err = j.store.DeleteIPRecordsBefore(ctx, now.Add(-j.cfg.IPKeep))
	keep(err)
	if j.cfg.UsageRetention > 0 {
		res.UsageRecords, err = j.store.DeleteUsageRecordsBefore(ctx, now.Add(-j.cfg.UsageRetention))
		keep(err)
	}
	return res, firstErr
}

// Start runs a pass immediately and then once per interval until Stop.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})

	go func() {
		defer close(j.done)
		j.pass(ctx)

		ticker := time.NewTicker(j.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.pass(ctx)
			}
		}
	}()
}

func (j *Janitor) pass(ctx context.Context) {
	res, err := j.RunOnce(ctx)
	if err != nil {
		j.logger.Error("janitor pass failed", "error", err)
	}
	if res.QuotaWindows+res.IPRecords+res.UsageRecords > 0 {
		j.logger.Debug("janitor pruned rows",
			"quota_windows", res.QuotaWindows,
			"ip_records", res.IPRecords,
			"usage_records", res.UsageRecords)
	}
}

// Stop ends the loop and waits for an in-flight pass.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel = nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
