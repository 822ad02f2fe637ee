// Package validation checks request bodies before they reach storage.
package validation

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bcnelson/feedgate/internal/domain"
)

const (
	MaxKeyNameLength    = 100
	MaxWebhookURLLength = 2048
	MinSecretLength     = 16
	MaxSecretLength     = 256
	MaxEntityIDLength   = 128
)

// ValidateKeyName validates a human-readable API key name.
func ValidateKeyName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required")
	}
	if utf8.RuneCountInString(name) > MaxKeyNameLength {
		return fmt.Errorf("name must be at most %d characters", MaxKeyNameLength)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("name must not contain control characters")
		}
	}
	return nil
}

// ParseExpiresIn parses an optional key lifetime. Empty means no expiry.
func ParseExpiresIn(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("expires_in must be a duration such as 720h")
	}
	if d <= 0 {
		return 0, fmt.Errorf("expires_in must be positive")
	}
	return d, nil
}

// ValidateWebhookURL requires an absolute http or https URL with a host.
func ValidateWebhookURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	if len(raw) > MaxWebhookURLLength {
		return fmt.Errorf("url must be at most %d characters", MaxWebhookURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url is not valid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" || u.Hostname() == "" {
		return fmt.Errorf("url must include a host")
	}
	if u.User != nil {
		return fmt.Errorf("url must not contain credentials")
	}
	return nil
}

// ValidateEventTypes requires at least one known, non-duplicated event type.
func ValidateEventTypes(types []string) error {
	if len(types) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		if !slices.Contains(domain.EventTypes, t) {
			return fmt.Errorf("unknown event type %q", t)
		}
		if seen[t] {
			return fmt.Errorf("duplicate event type %q", t)
		}
		seen[t] = true
	}
	return nil
}

// ValidateSecret checks an optional signing secret. Nil or empty means unsigned.
func ValidateSecret(secret *string) error {
	if secret == nil || *secret == "" {
		return nil
	}
	n := len(*secret)
	if n < MinSecretLength || n > MaxSecretLength {
		return fmt.Errorf("secret must be between %d and %d bytes", MinSecretLength, MaxSecretLength)
	}
	return nil
}

func validateEntityID(field string, id *string) error {
	if id == nil {
		return nil
	}
	if *id == "" {
		return fmt.Errorf("%s must not be empty when set", field)
	}
	if len(*id) > MaxEntityIDLength {
		return fmt.Errorf("%s must be at most %d characters", field, MaxEntityIDLength)
	}
	return nil
}

// ValidateCreateWebhook validates every field of a create request.
func ValidateCreateWebhook(req *domain.CreateWebhookRequest) error {
	var errs ValidationErrors
	if err := ValidateWebhookURL(req.URL); err != nil {
		errs.Add("url", req.URL, err.Error())
	}
	if err := ValidateEventTypes(req.EventTypes); err != nil {
		errs.Add("event_types", strings.Join(req.EventTypes, ","), err.Error())
	}
	if err := ValidateSecret(req.Secret); err != nil {
		errs.Add("secret", "", err.Error())
	}
	if err := validateEntityID("feed_id", req.FeedID); err != nil {
		errs.Add("feed_id", deref(req.FeedID), err.Error())
	}
	if err := validateEntityID("collection_id", req.CollectionID); err != nil {
		errs.Add("collection_id", deref(req.CollectionID), err.Error())
	}
	return errs.Err()
}

// ValidateUpdateWebhook validates only the fields present in the request.
func ValidateUpdateWebhook(req *domain.UpdateWebhookRequest) error {
	var errs ValidationErrors
	if req.URL != nil {
		if err := ValidateWebhookURL(*req.URL); err != nil {
			errs.Add("url", *req.URL, err.Error())
		}
	}
	if req.EventTypes != nil {
		if err := ValidateEventTypes(req.EventTypes); err != nil {
			errs.Add("event_types", strings.Join(req.EventTypes, ","), err.Error())
		}
	}
	if err := ValidateSecret(req.Secret); err != nil {
		errs.Add("secret", "", err.Error())
	}
	if err := validateEntityID("feed_id", req.FeedID); err != nil {
		errs.Add("feed_id", deref(req.FeedID), err.Error())
	}
	if err := validateEntityID("collection_id", req.CollectionID); err != nil {
		errs.Add("collection_id", deref(req.CollectionID), err.Error())
	}
	return errs.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
