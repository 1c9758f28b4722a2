package billing

import (
	"net/http"
	"time"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// Config defines the standard configuration processor adapters accept
type Config struct {
	// Tenants resolves the org/env a webhook was addressed to, together with
	// the API key and webhook secret of that processor account.
	Tenants TenantResolver

	// Sink receives every verified event.
	Sink EventSink

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, the adapter's default client is used.
	HTTPClient *http.Client

	// MaxBodyBytes bounds webhook payloads.
	// Default: 256 KiB
	MaxBodyBytes int64

	// RateLimit is the number of webhook requests allowed per client IP per RateWindow.
	// Default: 100 per minute
	RateLimit  int
	RateWindow time.Duration

	// BreakerFailures is the number of consecutive API failures that opens the
	// circuit breaker around processor calls. Zero disables the breaker.
	BreakerFailures uint32

	// BreakerTimeout is how long the breaker stays open before probing again.
	// Default: 30s
	BreakerTimeout time.Duration

	// Logger is an optional structured logger.
	Logger billsync.Logger

	// Metrics is an optional metrics collector for processor operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics
}
