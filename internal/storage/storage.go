package storage

import (
	"context"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
)

// APIKeyStore holds hashed API keys.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]*domain.APIKey, error)
	// RevokeAPIKey flips is_active off. Keys are never hard-deleted.
	RevokeAPIKey(ctx context.Context, userID, id string) error
	UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error
}

// PlanStore maps tenants to plan tiers.
type PlanStore interface {
	GetTenantPlan(ctx context.Context, userID string) (*domain.TenantPlan, error)
	SetTenantPlan(ctx context.Context, plan *domain.TenantPlan) error
}

// QuotaStore holds fixed-window counters.
type QuotaStore interface {
	// IncrementQuota atomically increments the counter for the window if and
	// only if it is below limit. Concurrent callers never push the count past limit.
	IncrementQuota(ctx context.Context, userID, endpoint string, windowStart time.Time, limit int) (domain.QuotaResult, error)
	// DeleteQuotaWindowsBefore removes windows that started before the cutoff.
	DeleteQuotaWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IPLogStore holds the anonymous request log.
type IPLogStore interface {
	// ConsumeIPSlot atomically counts rows for (ip, endpoint) created at or after
	// now-window and, if fewer than max, appends a row at now.
	ConsumeIPSlot(ctx context.Context, ip, endpoint string, now time.Time, window time.Duration, max int) (domain.IPSlot, error)
	// PruneIPRecords deletes rows for (ip, endpoint) created before the cutoff.
	PruneIPRecords(ctx context.Context, ip, endpoint string, before time.Time) error
	// DeleteIPRecordsBefore deletes rows for every key created before the cutoff.
	DeleteIPRecordsBefore(ctx context.Context, before time.Time) (int64, error)
}

// UsageStore is the append-only metering log.
type UsageStore interface {
	InsertUsageRecord(ctx context.Context, rec *domain.UsageRecord) error
	ListUsageRecords(ctx context.Context, q domain.UsageQuery) ([]*domain.UsageRecord, error)
	DeleteUsageRecordsBefore(ctx context.Context, before time.Time) (int64, error)
}

// WebhookStore holds webhook subscriptions and their delivery audit trail.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, hook *domain.Webhook) error
	GetWebhook(ctx context.Context, id string) (*domain.Webhook, error)
	ListWebhooks(ctx context.Context, userID string) ([]*domain.Webhook, error)
	// ListDeliverableWebhooks returns the tenant's active webhooks whose
	// failure count is below threshold. Event and entity matching is done by the caller.
	ListDeliverableWebhooks(ctx context.Context, userID string, threshold int) ([]*domain.Webhook, error)
	UpdateWebhook(ctx context.Context, hook *domain.Webhook) error
	// DeleteWebhook removes the subscription. Its delivery rows stay as audit history.
	DeleteWebhook(ctx context.Context, id string) error
	// RecordWebhookOutcome folds a delivery outcome into the webhook's health
	// counters in a single update: success resets failure_count and clears
	// last_error, failure increments failure_count.
	RecordWebhookOutcome(ctx context.Context, id string, outcome domain.DeliveryOutcome) error

	CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error
	// CompleteDelivery moves a pending delivery to its terminal state. It
	// returns domain.ErrAlreadyCompleted if the delivery is not pending.
	CompleteDelivery(ctx context.Context, id string, outcome domain.DeliveryOutcome) error
	GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]*domain.WebhookDelivery, error)
}

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use.
type Storage interface {
	APIKeyStore
	PlanStore
	QuotaStore
	IPLogStore
	UsageStore
	WebhookStore

	// Close closes the storage connection.
	Close() error
}

// CounterStore is the subset a counter backend (SQL or Redis) must provide.
type CounterStore interface {
	QuotaStore
	IPLogStore
}
