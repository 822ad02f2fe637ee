package webhook

import (
	"context"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
)

// Registry selects the webhooks that should receive an event.
type Registry struct {
	store     storage.WebhookStore
	threshold int
}

// NewRegistry creates a Registry. Webhooks with threshold or more consecutive
// failures are skipped until a successful delivery resets them.
func NewRegistry(store storage.WebhookStore, threshold int) *Registry {
	if threshold <= 0 {
		threshold = domain.DefaultFailureThreshold
	}
	return &Registry{store: store, threshold: threshold}
}

// Threshold returns the consecutive-failure cutoff.
func (r *Registry) Threshold() int {
	return r.threshold
}

// FindSubscribers returns the tenant's webhooks that are active, subscribed
// to eventType, below the failure threshold, and match the entity filter.
func (r *Registry) FindSubscribers(ctx context.Context, eventType string, filter domain.EventFilter) ([]*domain.Webhook, error) {
	candidates, err := r.store.ListDeliverableWebhooks(ctx, filter.UserID, r.threshold)
	if err != nil {
		return nil, err
	}

	matched := make([]*domain.Webhook, 0, len(candidates))
	for _, hook := range candidates {
		if hook.Selectable(eventType, filter, r.threshold) {
			matched = append(matched, hook)
		}
	}
	return matched, nil
}
