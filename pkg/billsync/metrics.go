package billsync

import "time"

// Metrics defines the interface for tracking reconciliation passes.
type Metrics interface {
	// RecordEvent records the outcome ("processed", "skipped", "failed") of one pass.
	RecordEvent(eventType, outcome string, duration time.Duration)

	// RecordDuplicate records a delivery rejected by the idempotency guard.
	RecordDuplicate(eventType string)

	// RecordLockSkip records a pass skipped because of a mutation lock.
	RecordLockSkip(eventType string)

	// RecordLineItems records arrear line items produced for an invoice.
	RecordLineItems(count int, amountCents int64)

	// RecordResets records entitlement resets applied ("applied") or withheld ("pending").
	RecordResets(state string, count int)

	// RecordTransition records a customer product state transition.
	RecordTransition(transition string)

	// RecordInconsistency records a corrected inconsistency.
	RecordInconsistency(kind string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(eventType, outcome string, duration time.Duration) {}
func (n *NoopMetrics) RecordDuplicate(eventType string)                              {}
func (n *NoopMetrics) RecordLockSkip(eventType string)                               {}
func (n *NoopMetrics) RecordLineItems(count int, amountCents int64)                  {}
func (n *NoopMetrics) RecordResets(state string, count int)                          {}
func (n *NoopMetrics) RecordTransition(transition string)                            {}
func (n *NoopMetrics) RecordInconsistency(kind string)                               {}
