package domain

import "time"

// QuotaWindow is one fixed, hour-aligned counter for a tenant and endpoint.
type QuotaWindow struct {
	UserID       string    `json:"user_id" db:"user_id"`
	Endpoint     string    `json:"endpoint" db:"endpoint"`
	WindowStart  time.Time `json:"window_start" db:"window_start"`
	RequestCount int       `json:"request_count" db:"request_count"`
}

// IPRateRecord is one accepted anonymous request in the sliding log.
type IPRateRecord struct {
	ID        string    `json:"id" db:"id"`
	IPAddress string    `json:"ip_address" db:"ip_address"`
	Endpoint  string    `json:"endpoint" db:"endpoint"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// QuotaResult is the outcome of an atomic conditional increment.
// Count is the window's count after the operation.
type QuotaResult struct {
	Allowed bool
	Count   int
}

// IPSlot is the outcome of an atomic check-and-append on the IP log.
// Oldest is the earliest row still inside the window, zero if none.
type IPSlot struct {
	Allowed bool
	Count   int
	Oldest  time.Time
}

// RateLimitPolicy is a named anonymous rate-limit configuration.
type RateLimitPolicy struct {
	Name        string        `json:"name"`
	Window      time.Duration `json:"window"`
	MaxRequests int           `json:"max_requests"`
}

// Decision is what a limiter reports back to the gateway.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // Only set when denied
	FailOpen   bool          // Allowed because the counter store was unavailable
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum one.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
