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

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	rec.IncCounter("verify_invalid", map[string]string{"network": "base", "reason": "expired"})
	rec.IncCounter("verify_invalid", map[string]string{"network": "base", "reason": "expired"})
	rec.IncCounter("verify_valid", map[string]string{"network": "base"})
	rec.ObserveLatency("verify", 120*time.Millisecond, map[string]string{"network": "base"})

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.events.WithLabelValues("verify_invalid", "base", "expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.events.WithLabelValues("verify_valid", "base", "")))

	expected := `
# HELP x402_events_total Verification, settlement and HTTP events by type.
# TYPE x402_events_total counter
x402_events_total{network="base",reason="",type="verify_valid"} 1
x402_events_total{network="base",reason="expired",type="verify_invalid"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "x402_events_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.latency))
}

func TestPrometheusRecorderDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)
	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err)
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, NoopRecorder{}, OrNoop(nil))
	rec := &PrometheusRecorder{}
	assert.Same(t, rec, OrNoop(rec))
}
