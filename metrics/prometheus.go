package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// PrometheusRecorder exports events as x402_events_total{type,network,reason}
// and latencies as x402_latency_seconds{operation,network}. It is itself a
// prometheus.Collector.
type PrometheusRecorder struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var _ prometheus.Collector = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers the recorder on reg. A nil reg means
// prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusRecorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "events_total",
			Help:      "Verification, settlement and HTTP events by type.",
		}, []string{"type", "network", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "latency_seconds",
			Help:      "Operation latency in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"operation", "network"}),
	}
	if err := reg.Register(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusRecorder) Describe(ch chan<- *prometheus.Desc) {
	p.events.Describe(ch)
	p.latency.Describe(ch)
}

func (p *PrometheusRecorder) Collect(ch chan<- prometheus.Metric) {
	p.events.Collect(ch)
	p.latency.Collect(ch)
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.events.WithLabelValues(name, labels["network"], labels["reason"]).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.latency.WithLabelValues(name, labels["network"]).Observe(d.Seconds())
}
