package billing

import (
	"time"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// Metrics observes webhook deliveries and processor API traffic.
type Metrics interface {
	// RecordDelivery records a verified delivery handed to the sink.
	// result is "success" or "error".
	RecordDelivery(provider string, env billsync.Env, eventType, result string, duration time.Duration)

	// RecordRejection records a delivery refused before reaching the sink,
	// e.g. "auth_failed", "unknown_tenant", "payload_too_large".
	RecordRejection(provider string, env billsync.Env, reason string)

	// RecordPayloadSize records the size of an accepted request body.
	RecordPayloadSize(provider string, bytes int)

	// RecordAPICall records one processor API operation.
	RecordAPICall(provider, operation, status string, duration time.Duration)

	// RecordBreakerState records a circuit breaker transition for a tenant.
	RecordBreakerState(provider string, env billsync.Env, state string)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDelivery(_ string, _ billsync.Env, _, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordRejection(_ string, _ billsync.Env, _ string)                    {}
func (n *NoopMetrics) RecordPayloadSize(_ string, _ int)                                     {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string, _ time.Duration)                         {}
func (n *NoopMetrics) RecordBreakerState(_ string, _ billsync.Env, _ string)                 {}
