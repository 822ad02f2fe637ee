package handler

import (
	"net/http"
	"time"

	"github.com/bcnelson/feedgate/internal/auth"
	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
	"github.com/bcnelson/feedgate/internal/validation"
	"github.com/go-chi/chi/v5"
)

// APIKeyHandler handles API key endpoints.
type APIKeyHandler struct {
	store storage.APIKeyStore
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(store storage.APIKeyStore) *APIKeyHandler {
	return &APIKeyHandler{store: store}
}

// Create creates a new API key for the caller's tenant.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req domain.CreateAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := validation.ValidateKeyName(req.Name); err != nil {
		respondValidationError(w, "name", req.Name, err.Error())
		return
	}
	ttl, err := validation.ParseExpiresIn(req.ExpiresIn)
	if err != nil {
		respondValidationError(w, "expires_in", req.ExpiresIn, err.Error())
		return
	}

	gen, err := auth.GenerateKey(req.Test)
	if err != nil {
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "failed to generate API key")
		return
	}

	now := time.Now().UTC()
	apiKey := &domain.APIKey{
		ID:        generateID(),
		UserID:    p.UserID,
		Name:      req.Name,
		KeyHash:   gen.Hash,
		KeyPrefix: gen.Prefix,
		IsActive:  true,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		apiKey.ExpiresAt = &exp
	}

	if err := h.store.CreateAPIKey(r.Context(), apiKey); err != nil {
		handleError(w, err)
		return
	}

	resp := &domain.CreateAPIKeyResponse{
		ID:        apiKey.ID,
		Name:      apiKey.Name,
		Key:       gen.Raw, // Only returned on creation
		KeyPrefix: apiKey.KeyPrefix,
		ExpiresAt: apiKey.ExpiresAt,
		CreatedAt: apiKey.CreatedAt,
	}

	respondJSON(w, http.StatusCreated, resp)
}

// List lists the tenant's API keys (without the actual key values).
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	keys, err := h.store.ListAPIKeys(r.Context(), p.UserID)
	if err != nil {
		handleError(w, err)
		return
	}
	if keys == nil {
		keys = []*domain.APIKey{}
	}

	respondJSON(w, http.StatusOK, keys)
}

// Delete revokes an API key. The row is kept for audit.
func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.store.RevokeAPIKey(r.Context(), p.UserID, id); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
