package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bcnelson/feedgate/internal/api/middleware"
	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/validation"
	"github.com/google/uuid"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, &domain.StandardErrorResponse{
		Error: domain.StandardError{Code: code, Message: message},
	})
}

// handleError converts domain errors to HTTP errors.
func handleError(w http.ResponseWriter, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		respondValidationErrors(w, verrs)
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, domain.ErrCodeResourceNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		respondError(w, http.StatusConflict, domain.ErrCodeResourceAlreadyExists, "already exists")
	case errors.Is(err, domain.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid input")
	case errors.Is(err, domain.ErrPayloadTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, domain.ErrCodeInvalidInput, "payload too large")
	default:
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
	}
}

// decodeJSON decodes JSON from request body.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidInput
	}
	return nil
}

// generateID generates a new UUID.
func generateID() string {
	return uuid.New().String()
}

// respondValidationError writes a JSON validation error response.
func respondValidationError(w http.ResponseWriter, field, value, message string) {
	respondValidationErrors(w, validation.ValidationErrors{validation.NewValidationError(field, value, message)})
}

// respondValidationErrors writes a JSON response for multiple validation errors.
func respondValidationErrors(w http.ResponseWriter, errs validation.ValidationErrors) {
	first := errs[0]
	respondJSON(w, http.StatusBadRequest, map[string]any{
		"error": domain.StandardError{
			Code:    domain.ErrCodeValidationError,
			Message: errs.Error(),
			Field:   first.Field,
		},
		"errors": errs.Standard(),
	})
}

// principal returns the authenticated caller or writes a 401.
func principal(w http.ResponseWriter, r *http.Request) (*domain.Principal, bool) {
	p := middleware.GetPrincipalFromContext(r.Context())
	if p == nil {
		respondError(w, http.StatusUnauthorized, domain.ErrCodeInvalidKey, "authentication required")
		return nil, false
	}
	return p, true
}

// queryLimit parses ?limit=, clamped to [1, max].
func queryLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, domain.ErrInvalidInput
	}
	return min(n, max), nil
}
