package domain

import "time"

// Key prefixes accepted by the gateway.
const (
	LiveKeyPrefix = "sk_live_"
	TestKeyPrefix = "sk_test_"
)

// APIKey represents a tenant's API key.
// The raw key is only returned once on creation; only its SHA-256 digest is stored.
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`            // Never expose hash
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"` // Display-safe leading fragment
	IsActive   bool       `json:"is_active" db:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// Expired reports whether the key has an expiry that is not after now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// CreateAPIKeyRequest is the request body for creating an API key.
type CreateAPIKeyRequest struct {
	Name      string `json:"name"`
	Test      bool   `json:"test,omitempty"`
	ExpiresIn string `json:"expires_in,omitempty"` // Go duration, e.g. "720h"
}

// CreateAPIKeyResponse is returned when creating an API key.
// The key is only shown once.
type CreateAPIKeyResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Key       string     `json:"key"` // Only returned on creation
	KeyPrefix string     `json:"key_prefix"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	UserID string   `json:"user_id"`
	KeyID  string   `json:"key_id"`
	Tier   PlanTier `json:"tier"`
}
