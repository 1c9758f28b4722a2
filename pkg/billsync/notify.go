package billsync

import "context"

// Downstream topics published after a pass.
const (
	TopicProductsUpdated  = "customer.products.updated"
	TopicInvoiceFinalized = "invoice.finalized"
)

// Publisher forwards billing notifications to downstream integrations.
// Failures never abort a reconciliation pass.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// NoopPublisher drops every message.
type NoopPublisher struct{}

// Publish implements Publisher
func (NoopPublisher) Publish(ctx context.Context, topic string, payload interface{}) error { return nil }

// ErrorReporter is the error-tracking side channel for inconsistencies that
// were corrected without halting a pass.
type ErrorReporter interface {
	Report(ctx context.Context, err error, fields ...Field)
}

// LogReporter reports errors through a Logger.
type LogReporter struct {
	Logger Logger
}

// Report implements ErrorReporter
func (r LogReporter) Report(ctx context.Context, err error, fields ...Field) {
	if r.Logger == nil {
		return
	}
	r.Logger.Error("reported inconsistency", append(fields, F("error", err))...)
}
