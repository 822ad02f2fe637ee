// Package metrics holds the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Limiter names.
const (
	LimiterQuota     = "quota"
	LimiterAnonymous = "anonymous"
)

// Admission outcomes.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeFailOpen = "fail_open"
)

// Metrics groups the collectors.
type Metrics struct {
	admissions   *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	usageDropped prometheus.Counter
	deliveries   *prometheus.CounterVec
	deliveryTime prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedgate_admission_decisions_total",
				Help: "Rate-limit decisions by limiter and outcome.",
			},
			[]string{"limiter", "outcome"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedgate_auth_failures_total",
				Help: "Rejected API-key authentications by error code.",
			},
			[]string{"code"},
		),
		usageDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "feedgate_usage_records_dropped_total",
				Help: "Usage records dropped because the buffer was full or the write failed.",
			},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedgate_webhook_deliveries_total",
				Help: "Webhook delivery attempts by outcome.",
			},
			[]string{"outcome"},
		),
		deliveryTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "feedgate_webhook_delivery_seconds",
				Help:    "Duration of outbound webhook requests.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	reg.MustRegister(m.admissions, m.authFailures, m.usageDropped, m.deliveries, m.deliveryTime)
	return m
}

// Admission counts one limiter decision.
func (m *Metrics) Admission(limiter string, allowed, failOpen bool) {
	if m == nil {
		return
	}
	outcome := OutcomeDenied
	switch {
	case failOpen:
		outcome = OutcomeFailOpen
	case allowed:
		outcome = OutcomeAllowed
	}
	m.admissions.WithLabelValues(limiter, outcome).Inc()
}

// AuthFailure counts one rejected authentication.
func (m *Metrics) AuthFailure(code string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(code).Inc()
}

// UsageDropped counts one lost usage record.
func (m *Metrics) UsageDropped() {
	if m == nil {
		return
	}
	m.usageDropped.Inc()
}

// Delivery counts one webhook delivery attempt and its duration.
func (m *Metrics) Delivery(success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "success"
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.deliveryTime.Observe(elapsed.Seconds())
}
