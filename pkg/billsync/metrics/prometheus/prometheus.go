package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements billsync.Metrics using Prometheus.
type Metrics struct {
	eventsTotal          *prometheus.CounterVec
	eventDuration        *prometheus.HistogramVec
	duplicatesTotal      *prometheus.CounterVec
	lockSkipsTotal       *prometheus.CounterVec
	lineItemsTotal       prometheus.Counter
	lineItemAmountCents  prometheus.Counter
	resetsTotal          *prometheus.CounterVec
	transitionsTotal     *prometheus.CounterVec
	inconsistenciesTotal *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "events_total",
			Help:      "Total number of reconciliation passes by outcome.",
		}, []string{"event_type", "outcome"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "event_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		duplicatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duplicate_deliveries_total",
			Help:      "Total number of webhook deliveries dropped as duplicates.",
		}, []string{"event_type"}),

		lockSkipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "mutation_lock_skips_total",
			Help:      "Total number of passes skipped because of a self-initiated change.",
		}, []string{"event_type"}),

		lineItemsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "arrear_line_items_total",
			Help:      "Total number of arrear line items produced.",
		}),

		lineItemAmountCents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "arrear_amount_cents_total",
			Help:      "Total amount billed through arrear line items, in cents.",
		}),

		resetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "balance_resets_total",
			Help:      "Total number of entitlement balance resets by state.",
		}, []string{"state"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "transitions_total",
			Help:      "Total number of customer product state transitions.",
		}, []string{"transition"}),

		inconsistenciesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "inconsistencies_total",
			Help:      "Total number of corrected inconsistencies.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) RecordEvent(eventType, outcome string, duration time.Duration) {
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
	m.eventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordDuplicate(eventType string) {
	m.duplicatesTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordLockSkip(eventType string) {
	m.lockSkipsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordLineItems(count int, amountCents int64) {
	m.lineItemsTotal.Add(float64(count))
	m.lineItemAmountCents.Add(float64(amountCents))
}

func (m *Metrics) RecordResets(state string, count int) {
	m.resetsTotal.WithLabelValues(state).Add(float64(count))
}

func (m *Metrics) RecordTransition(transition string) {
	m.transitionsTotal.WithLabelValues(transition).Inc()
}

func (m *Metrics) RecordInconsistency(kind string) {
	m.inconsistenciesTotal.WithLabelValues(kind).Inc()
}
