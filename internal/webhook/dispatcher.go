package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/metrics"
	"github.com/bcnelson/feedgate/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config controls outbound delivery.
type Config struct {
	Product           string        // Header and user-agent name, e.g. "Feedgate"
	Version           string        // User-agent version
	Timeout           time.Duration // Per-request ceiling; a timeout is a failed delivery
	MaxPayloadBytes   int
	ResponseBodyLimit int // Bytes of response body kept on the delivery row
	Concurrency       int // Parallel deliveries per emitted event
}

// DefaultConfig returns the stock delivery settings.
func DefaultConfig() Config {
	return Config{
		Product:           "Feedgate",
		Version:           "1.0",
		Timeout:           10 * time.Second,
		MaxPayloadBytes:   256 << 10,
		ResponseBodyLimit: 1000,
		Concurrency:       8,
	}
}

// Dispatcher signs and delivers event payloads and records each attempt.
// It never retries; callers that want another attempt call Deliver again.
type Dispatcher struct {
	store    storage.WebhookStore
	registry *Registry
	client   *http.Client
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// Now is the clock; tests may replace it.
	Now func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A nil client gets one bounded by cfg.Timeout.
func NewDispatcher(store storage.WebhookStore, registry *Registry, client *http.Client, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	def := DefaultConfig()
	if cfg.Product == "" {
		cfg.Product = def.Product
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ResponseBodyLimit <= 0 {
		cfg.ResponseBodyLimit = def.ResponseBodyLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		client:   client,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		Now:      time.Now,
	}
}

// Header names for this product.
func (d *Dispatcher) eventHeader() string     { return "X-" + d.cfg.Product + "-Event" }
func (d *Dispatcher) deliveryHeader() string  { return "X-" + d.cfg.Product + "-Delivery" }
func (d *Dispatcher) signatureHeader() string { return "X-" + d.cfg.Product + "-Signature" }
func (d *Dispatcher) userAgent() string       { return d.cfg.Product + "-Webhook/" + d.cfg.Version }

// Deliver sends one payload to one webhook.
//
// The payload is serialized once; those bytes are both signed and sent. A
// pending delivery row is written before the request goes out and completed
// afterwards. The returned error covers only failures before the request
// (encoding, recording); an unreachable or failing endpoint is reported in
// the result and recorded against the webhook.
func (d *Dispatcher) Deliver(ctx context.Context, hook *domain.Webhook, payload domain.WebhookPayload) (domain.DeliveryResult, error) {
	body, err := payload.Encode(d.cfg.MaxPayloadBytes)
	if err != nil {
		return domain.DeliveryResult{}, err
	}

	delivery := &domain.WebhookDelivery{
		ID:        uuid.New().String(),
		WebhookID: hook.ID,
		EventType: payload.Event,
		Payload:   body,
		Status:    domain.DeliveryPending,
		CreatedAt: d.Now(),
	}
	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("recording pending delivery: %w", err)
	}

	start := time.Now()
	outcome := d.send(ctx, hook, delivery.ID, payload.Event, body)
	d.metrics.Delivery(outcome.Success, time.Since(start))

	// Record even if the caller's context was cancelled mid-flight.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
	defer cancel()
	if err := d.store.CompleteDelivery(recordCtx, delivery.ID, outcome); err != nil {
		d.logger.Error("failed to complete delivery record", "delivery_id", delivery.ID, "error", err)
	}
	if err := d.store.RecordWebhookOutcome(recordCtx, hook.ID, outcome); err != nil {
		d.logger.Error("failed to record webhook outcome", "webhook_id", hook.ID, "error", err)
	}

	result := domain.DeliveryResult{
		DeliveryID: delivery.ID,
		Success:    outcome.Success,
		StatusCode: outcome.StatusCode,
	}
	if outcome.Error != nil {
		result.Error = *outcome.Error
		d.logger.Info("webhook delivery failed",
			"webhook_id", hook.ID, "delivery_id", delivery.ID, "event", payload.Event, "error", result.Error)
	}
	return result, nil
}

func (d *Dispatcher) send(ctx context.Context, hook *domain.Webhook, deliveryID, event string, body []byte) domain.DeliveryOutcome {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	fail := func(err error) domain.DeliveryOutcome {
		msg := err.Error()
		return domain.DeliveryOutcome{Error: &msg, At: d.Now()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent())
	req.Header.Set(d.eventHeader(), event)
	req.Header.Set(d.deliveryHeader(), deliveryID)
	if hook.Secret != nil && *hook.Secret != "" {
		req.Header.Set(d.signatureHeader(), Sign(body, *hook.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.cfg.ResponseBodyLimit)))
	respBody := strings.ToValidUTF8(string(raw), "")
	code := resp.StatusCode

	outcome := domain.DeliveryOutcome{
		Success:      code >= 200 && code < 300,
		StatusCode:   &code,
		ResponseBody: &respBody,
		At:           d.Now(),
	}
	if !outcome.Success {
		msg := fmt.Sprintf("HTTP %d", code)
		outcome.Error = &msg
	}
	return outcome
}

// Emit delivers an event to every matching subscriber of the tenant in
// parallel. Failures are recorded per webhook and summarized; they are never
// returned to the producer.
func (d *Dispatcher) Emit(ctx context.Context, eventType string, filter domain.EventFilter, data domain.EventData) domain.EmitSummary {
	hooks, err := d.registry.FindSubscribers(ctx, eventType, filter)
	if err != nil {
		d.logger.Error("failed to select webhook subscribers",
			"tenant", filter.UserID, "event", eventType, "error", err)
		return domain.EmitSummary{}
	}

	payload := domain.WebhookPayload{Event: eventType, Timestamp: d.Now().UTC(), Data: data}

	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, hook := range hooks {
		g.Go(func() error {
			res, err := d.Deliver(ctx, hook, payload)
			if err != nil {
				d.logger.Error("webhook delivery not attempted", "webhook_id", hook.ID, "event", eventType, "error", err)
				failed.Add(1)
				return nil
			}
			if res.Success {
				delivered.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return domain.EmitSummary{
		Matched:   len(hooks),
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
	}
}

// EmitAsync runs Emit in the background, detached from ctx's cancellation so
// the producer's request can finish first.
func (d *Dispatcher) EmitAsync(ctx context.Context, eventType string, filter domain.EventFilter, data domain.EventData) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Emit(ctx, eventType, filter, data)
	}()
}

// SendTest delivers a webhook.test event to hook regardless of its failure
// count. A success resets the count and returns the webhook to selection.
func (d *Dispatcher) SendTest(ctx context.Context, hook *domain.Webhook) (domain.DeliveryResult, error) {
	return d.Deliver(ctx, hook, domain.WebhookPayload{
		Event:     domain.EventWebhookTest,
		Timestamp: d.Now().UTC(),
		Data: domain.EventData{
			"webhook_id": hook.ID,
			"message":    "This is a test delivery.",
		},
	})
}

// Wait blocks until background emits finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
