package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Event types producers may emit.
const (
	EventArticlesNew       = "articles.new"
	EventFeedUpdated       = "feed.updated"
	EventFeedError         = "feed.error"
	EventCollectionUpdated = "collection.updated"
	EventWebhookTest       = "webhook.test"
)

// EventTypes lists every event type a webhook may subscribe to.
var EventTypes = []string{
	EventArticlesNew,
	EventFeedUpdated,
	EventFeedError,
	EventCollectionUpdated,
	EventWebhookTest,
}

// DefaultFailureThreshold is the consecutive-failure count past which a
// webhook stops being selected for delivery.
const DefaultFailureThreshold = 10

// Webhook is a tenant's subscription to outbound events.
type Webhook struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	URL             string     `json:"url" db:"url"`
	Secret          *string    `json:"-" db:"secret"`
	EventTypes      []string   `json:"event_types" db:"-"` // Stored as JSON text
	FeedID          *string    `json:"feed_id,omitempty" db:"feed_id"`
	CollectionID    *string    `json:"collection_id,omitempty" db:"collection_id"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	FailureCount    int        `json:"failure_count" db:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	LastStatusCode  *int       `json:"last_status_code,omitempty" db:"last_status_code"`
	LastError       *string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// WebhookHealth is the delivery state a tenant sees for a webhook.
type WebhookHealth string

const (
	// HealthActive webhooks are selected for delivery.
	HealthActive WebhookHealth = "active"
	// HealthThrottled webhooks are enabled but skipped after repeated failures
	// until a successful delivery resets them.
	HealthThrottled WebhookHealth = "throttled"
	// HealthPaused webhooks were disabled by the tenant.
	HealthPaused WebhookHealth = "paused"
)

// Health derives the tagged health state from the raw flags.
func (w *Webhook) Health(threshold int) WebhookHealth {
	switch {
	case !w.IsActive:
		return HealthPaused
	case w.FailureCount >= threshold:
		return HealthThrottled
	default:
		return HealthActive
	}
}

// EventFilter scopes an event to a tenant and optionally to an entity.
type EventFilter struct {
	UserID       string
	FeedID       string
	CollectionID string
}

// Subscribes reports whether the webhook lists the event type.
func (w *Webhook) Subscribes(eventType string) bool {
	return slices.Contains(w.EventTypes, eventType)
}

// MatchesEntity applies the feed/collection filter. A webhook without either
// filter matches everything; a webhook with a filter set only matches an event
// carrying that exact id.
func (w *Webhook) MatchesEntity(f EventFilter) bool {
	if w.FeedID == nil && w.CollectionID == nil {
		return true
	}
	if w.FeedID != nil && f.FeedID != "" && *w.FeedID == f.FeedID {
		return true
	}
	if w.CollectionID != nil && f.CollectionID != "" && *w.CollectionID == f.CollectionID {
		return true
	}
	return false
}

// Selectable is the full subscriber predicate: active, subscribed, below the
// failure threshold, and matching the entity filter.
func (w *Webhook) Selectable(eventType string, f EventFilter, threshold int) bool {
	return w.IsActive &&
		w.Subscribes(eventType) &&
		w.FailureCount < threshold &&
		w.MatchesEntity(f)
}

// WebhookView is the API representation of a webhook.
type WebhookView struct {
	*Webhook
	HasSecret bool          `json:"has_secret"`
	Health    WebhookHealth `json:"health"`
}

// NewWebhookView wraps a webhook with its derived fields.
func NewWebhookView(w *Webhook, threshold int) *WebhookView {
	return &WebhookView{
		Webhook:   w,
		HasSecret: w.Secret != nil && *w.Secret != "",
		Health:    w.Health(threshold),
	}
}

// CreateWebhookRequest is the request body for creating a webhook.
type CreateWebhookRequest struct {
	URL          string   `json:"url"`
	Secret       *string  `json:"secret,omitempty"`
	EventTypes   []string `json:"event_types"`
	FeedID       *string  `json:"feed_id,omitempty"`
	CollectionID *string  `json:"collection_id,omitempty"`
}

// UpdateWebhookRequest is the request body for updating a webhook.
type UpdateWebhookRequest struct {
	URL          *string  `json:"url,omitempty"`
	Secret       *string  `json:"secret,omitempty"`
	EventTypes   []string `json:"event_types,omitempty"`
	FeedID       *string  `json:"feed_id,omitempty"`
	CollectionID *string  `json:"collection_id,omitempty"`
	IsActive     *bool    `json:"is_active,omitempty"`
}

// DeliveryStatus is the lifecycle state of a delivery row.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// WebhookDelivery is the audit record of one delivery attempt.
type WebhookDelivery struct {
	ID           string          `json:"id" db:"id"`
	WebhookID    string          `json:"webhook_id" db:"webhook_id"`
	EventType    string          `json:"event_type" db:"event_type"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	Status       DeliveryStatus  `json:"status" db:"status"`
	StatusCode   *int            `json:"status_code,omitempty" db:"status_code"`
	ResponseBody *string         `json:"response_body,omitempty" db:"response_body"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
}

// DeliveryOutcome is the terminal state written to a pending delivery and
// folded into the owning webhook's health counters.
type DeliveryOutcome struct {
	Success      bool
	StatusCode   *int
	ResponseBody *string
	Error        *string
	At           time.Time
}

// Status maps the outcome to a delivery status.
func (o DeliveryOutcome) Status() DeliveryStatus {
	if o.Success {
		return DeliverySuccess
	}
	return DeliveryFailed
}

// EventData is the schema-less body of an event.
type EventData map[string]any

// WebhookPayload is the JSON document POSTed to a webhook.
type WebhookPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// Encode serializes the payload once. Map keys are emitted in sorted order so
// the same payload always yields the same bytes. Bodies over maxBytes are
// rejected with ErrPayloadTooLarge; maxBytes <= 0 disables the ceiling.
func (p WebhookPayload) Encode(maxBytes int) ([]byte, error) {
	if p.Data == nil {
		p.Data = EventData{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encoding webhook payload: %w", err)
	}
	body := bytes.TrimRight(buf.Bytes(), "\n")
	if maxBytes > 0 && len(body) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(body), maxBytes)
	}
	return body, nil
}

// DeliveryResult is reported back to the caller of a single delivery.
type DeliveryResult struct {
	DeliveryID string `json:"delivery_id"`
	Success    bool   `json:"success"`
	StatusCode *int   `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EmitSummary reports the fan-out of one event.
type EmitSummary struct {
	Matched   int `json:"matched"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}
