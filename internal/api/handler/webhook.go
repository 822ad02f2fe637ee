package handler

import (
	"net/http"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
	"github.com/bcnelson/feedgate/internal/validation"
	"github.com/bcnelson/feedgate/internal/webhook"
	"github.com/go-chi/chi/v5"
)

const (
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 200
)

// WebhookHandler handles webhook endpoints.
type WebhookHandler struct {
	store      storage.WebhookStore
	dispatcher *webhook.Dispatcher
	threshold  int
}

// NewWebhookHandler creates a new WebhookHandler. threshold is the failure
// count at which a webhook is reported as throttled.
func NewWebhookHandler(store storage.WebhookStore, dispatcher *webhook.Dispatcher, threshold int) *WebhookHandler {
	if threshold <= 0 {
		threshold = domain.DefaultFailureThreshold
	}
	return &WebhookHandler{store: store, dispatcher: dispatcher, threshold: threshold}
}

// Create creates a new webhook.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req domain.CreateWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := validation.ValidateCreateWebhook(&req); err != nil {
		handleError(w, err)
		return
	}

	now := time.Now().UTC()
	hook := &domain.Webhook{
		ID:           generateID(),
		UserID:       p.UserID,
		URL:          req.URL,
		Secret:       nonEmpty(req.Secret),
		EventTypes:   req.EventTypes,
		FeedID:       req.FeedID,
		CollectionID: req.CollectionID,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.store.CreateWebhook(r.Context(), hook); err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, domain.NewWebhookView(hook, h.threshold))
}

// List lists the tenant's webhooks with their health.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	hooks, err := h.store.ListWebhooks(r.Context(), p.UserID)
	if err != nil {
		handleError(w, err)
		return
	}

	views := make([]*domain.WebhookView, 0, len(hooks))
	for _, hook := range hooks {
		views = append(views, domain.NewWebhookView(hook, h.threshold))
	}
	respondJSON(w, http.StatusOK, views)
}

// Get retrieves a webhook by ID.
func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.load(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, domain.NewWebhookView(hook, h.threshold))
}

// Update applies the fields present in the request. An empty secret removes
// signing; setting is_active pauses or resumes delivery.
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.load(w, r)
	if !ok {
		return
	}

	var req domain.UpdateWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := validation.ValidateUpdateWebhook(&req); err != nil {
		handleError(w, err)
		return
	}

	if req.URL != nil {
		hook.URL = *req.URL
	}
	if req.Secret != nil {
		hook.Secret = nonEmpty(req.Secret)
	}
	if req.EventTypes != nil {
		hook.EventTypes = req.EventTypes
	}
	if req.FeedID != nil {
		hook.FeedID = req.FeedID
	}
	if req.CollectionID != nil {
		hook.CollectionID = req.CollectionID
	}
	if req.IsActive != nil {
		hook.IsActive = *req.IsActive
	}
	hook.UpdatedAt = time.Now().UTC()

	if err := h.store.UpdateWebhook(r.Context(), hook); err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, domain.NewWebhookView(hook, h.threshold))
}

// Delete deletes a webhook and its delivery history.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteWebhook(r.Context(), hook.ID); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Test sends a webhook.test event, even to a throttled webhook. A success
// resets the failure count.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.load(w, r)
	if !ok {
		return
	}

	result, err := h.dispatcher.SendTest(r.Context(), hook)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// Deliveries lists recent delivery attempts, newest first.
func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.load(w, r)
	if !ok {
		return
	}

	limit, err := queryLimit(r, defaultDeliveryLimit, maxDeliveryLimit)
	if err != nil {
		respondValidationError(w, "limit", r.URL.Query().Get("limit"), "limit must be a positive integer")
		return
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), hook.ID, limit)
	if err != nil {
		handleError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []*domain.WebhookDelivery{}
	}

	respondJSON(w, http.StatusOK, deliveries)
}

// load fetches the {id} webhook, hiding other tenants' webhooks as not found.
func (h *WebhookHandler) load(w http.ResponseWriter, r *http.Request) (*domain.Webhook, bool) {
	p, ok := principal(w, r)
	if !ok {
		return nil, false
	}

	hook, err := h.store.GetWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return nil, false
	}
	if hook.UserID != p.UserID {
		handleError(w, domain.ErrNotFound)
		return nil, false
	}
	return hook, true
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
