package validation

import (
	"fmt"

	"github.com/bcnelson/feedgate/internal/domain"
)

// ValidationError is a rejected request field. Value echoes the offending
// input and is left empty for secrets.
type ValidationError struct {
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// ValidationErrors collects every rejected field of one request. It matches
// domain.ErrInvalidInput under errors.Is.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	default:
		return fmt.Sprintf("%s (and %d more errors)", e[0].Error(), len(e)-1)
	}
}

// Is reports whether target is domain.ErrInvalidInput.
func (e ValidationErrors) Is(target error) bool {
	return target == domain.ErrInvalidInput
}

// Add records a rejected field.
func (e *ValidationErrors) Add(field, value, message string) {
	*e = append(*e, NewValidationError(field, value, message))
}

// Err returns the collection, or nil when nothing was rejected.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Standard converts the collection into API error entries.
func (e ValidationErrors) Standard() []domain.StandardError {
	out := make([]domain.StandardError, 0, len(e))
	for _, ve := range e {
		var details map[string]any
		if ve.Value != "" {
			details = map[string]any{"value": ve.Value}
		}
		out = append(out, domain.StandardError{
			Code:    domain.ErrCodeValidationError,
			Message: ve.Message,
			Field:   ve.Field,
			Details: details,
		})
	}
	return out
}
