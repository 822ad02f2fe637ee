package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionOutcomes(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Admission(LimiterQuota, true, false)
	m.Admission(LimiterQuota, true, false)
	m.Admission(LimiterQuota, false, false)
	m.Admission(LimiterAnonymous, true, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues(LimiterQuota, OutcomeAllowed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues(LimiterQuota, OutcomeDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues(LimiterAnonymous, OutcomeFailOpen)))
}

func TestDeliveryAndAuth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Delivery(true, 20*time.Millisecond)
	m.Delivery(false, time.Second)
	m.AuthFailure("INVALID_API_KEY")
	m.UsageDropped()

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP feedgate_webhook_deliveries_total Webhook delivery attempts by outcome.
# TYPE feedgate_webhook_deliveries_total counter
feedgate_webhook_deliveries_total{outcome="failed"} 1
feedgate_webhook_deliveries_total{outcome="success"} 1
# HELP feedgate_auth_failures_total Rejected API-key authentications by error code.
# TYPE feedgate_auth_failures_total counter
feedgate_auth_failures_total{code="INVALID_API_KEY"} 1
# HELP feedgate_usage_records_dropped_total Usage records dropped because the buffer was full or the write failed.
# TYPE feedgate_usage_records_dropped_total counter
feedgate_usage_records_dropped_total 1
`), "feedgate_webhook_deliveries_total", "feedgate_auth_failures_total", "feedgate_usage_records_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(m.deliveryTime))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Admission(LimiterQuota, true, false)
		m.AuthFailure("X")
		m.UsageDropped()
		m.Delivery(true, time.Millisecond)
	})
}
