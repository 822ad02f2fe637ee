package domain

import "time"

// UsageRecord is one metering row per completed API request.
type UsageRecord struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	Endpoint   string    `json:"endpoint" db:"endpoint"`
	Method     string    `json:"method" db:"method"`
	StatusCode int       `json:"status_code" db:"status_code"`
	LatencyMs  int64     `json:"latency_ms" db:"latency_ms"`
	IPAddress  string    `json:"ip_address" db:"ip_address"`
	UserAgent  string    `json:"user_agent" db:"user_agent"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// UsageQuery filters a tenant's usage records.
type UsageQuery struct {
	UserID string
	Since  time.Time
	Limit  int
}
