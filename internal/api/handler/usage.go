package handler

import (
	"net/http"
	"time"

	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
)

const (
	defaultUsageLimit = 100
	maxUsageLimit     = 1000
)

// UsageHandler serves the tenant's metering data.
type UsageHandler struct {
	store  storage.UsageStore
	quotas domain.QuotaTable
}

// NewUsageHandler creates a new UsageHandler.
func NewUsageHandler(store storage.UsageStore, quotas domain.QuotaTable) *UsageHandler {
	return &UsageHandler{store: store, quotas: quotas}
}

// List lists usage records, newest first. ?since= takes an RFC 3339 time.
func (h *UsageHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	q := domain.UsageQuery{UserID: p.UserID}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondValidationError(w, "since", raw, "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = since
	}
	limit, err := queryLimit(r, defaultUsageLimit, maxUsageLimit)
	if err != nil {
		respondValidationError(w, "limit", r.URL.Query().Get("limit"), "limit must be a positive integer")
		return
	}
	q.Limit = limit

	records, err := h.store.ListUsageRecords(r.Context(), q)
	if err != nil {
		handleError(w, err)
		return
	}
	if records == nil {
		records = []*domain.UsageRecord{}
	}

	respondJSON(w, http.StatusOK, records)
}

// MeResponse describes the authenticated caller.
type MeResponse struct {
	UserID      string          `json:"user_id"`
	KeyID       string          `json:"key_id"`
	Tier        domain.PlanTier `json:"tier"`
	HourlyLimit int             `json:"hourly_limit"`
}

// Me reports the caller's tenant, key, tier and hourly quota.
func (h *UsageHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, &MeResponse{
		UserID:      p.UserID,
		KeyID:       p.KeyID,
		Tier:        p.Tier,
		HourlyLimit: h.quotas.Limit(p.Tier),
	})
}
