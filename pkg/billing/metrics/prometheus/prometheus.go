package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// breakerStates maps gobreaker state names onto gauge values.
var breakerStates = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	rejections       *prometheus.CounterVec
	payloadBytes     *prometheus.HistogramVec
	apiCalls         *prometheus.CounterVec
	apiCallDuration  *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	breakerChanges   *prometheus.CounterVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics registers the webhook and processor collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Verified webhook deliveries by event type and result.",
		}, []string{"provider", "env", "event_type", "result"}),

		deliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Time from receipt to sink completion.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "event_type"}),

		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "rejections_total",
			Help:      "Deliveries refused before processing.",
		}, []string{"provider", "env", "reason"}),

		payloadBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "payload_bytes",
			Help:      "Size of accepted webhook bodies.",
			Buckets:   prometheus.ExponentialBuckets(512, 2, 10),
		}, []string{"provider"}),

		apiCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "api_calls_total",
			Help:      "Processor API operations by status.",
		}, []string{"provider", "operation", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "api_call_duration_seconds",
			Help:      "Processor API latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "breaker_state",
			Help:      "Current breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"provider", "env"}),

		breakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "breaker_transitions_total",
			Help:      "Breaker transitions by target state.",
		}, []string{"provider", "env", "state"}),
	}
}

func (m *Metrics) RecordDelivery(provider string, env billsync.Env, eventType, result string, d time.Duration) {
	m.deliveries.WithLabelValues(provider, string(env), eventType, result).Inc()
	m.deliveryDuration.WithLabelValues(provider, eventType).Observe(d.Seconds())
}

func (m *Metrics) RecordRejection(provider string, env billsync.Env, reason string) {
	m.rejections.WithLabelValues(provider, string(env), reason).Inc()
}

func (m *Metrics) RecordPayloadSize(provider string, bytes int) {
	m.payloadBytes.WithLabelValues(provider).Observe(float64(bytes))
}

func (m *Metrics) RecordAPICall(provider, operation, status string, d time.Duration) {
	m.apiCalls.WithLabelValues(provider, operation, status).Inc()
	m.apiCallDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

func (m *Metrics) RecordBreakerState(provider string, env billsync.Env, state string) {
	m.breakerChanges.WithLabelValues(provider, string(env), state).Inc()
	if v, ok := breakerStates[state]; ok {
		m.breakerState.WithLabelValues(provider, string(env)).Set(v)
	}
}
