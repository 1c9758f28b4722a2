// Package echo mounts a billing webhook receiver on an Echo router
package echo

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// ScopeExtractor extracts the org/env a delivery is addressed to
type ScopeExtractor func(c echo.Context) (billsync.Scope, error)

// Config holds handler configuration
type Config struct {
	// Receiver verifies and processes deliveries (required)
	Receiver billing.Receiver

	// GetScope extracts the scope from the request
	// Default: FromParams("org", "env")
	GetScope ScopeExtractor

	// SignatureHeader carries the processor signature
	// Default: Stripe-Signature
	SignatureHeader string

	// MaxBodyBytes bounds the request body
	// Default: 256 KiB
	MaxBodyBytes int64

	// OnError is called when a delivery is rejected or fails
	// If nil, responds with the status from billing.StatusCode
	OnError func(c echo.Context, err error) error
}

// Webhook creates an Echo handler that feeds webhook deliveries to the receiver.
// Mount it on a POST route such as /webhooks/stripe/:org/:env.
func Webhook(cfg Config) echo.HandlerFunc {
	if cfg.Receiver == nil {
		panic("billsync/echo: Config.Receiver is required")
	}
	if cfg.GetScope == nil {
		cfg.GetScope = FromParams("org", "env")
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = billing.DefaultSignatureHeader
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = billing.DefaultMaxBodyBytes
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(c echo.Context) error {
		scope, err := cfg.GetScope(c)
		if err != nil {
			return cfg.OnError(c, err)
		}

		req := c.Request()
		body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload Too Large"})
			}
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
		}

		if err := cfg.Receiver.Receive(req.Context(), scope, body, req.Header.Get(cfg.SignatureHeader)); err != nil {
			return cfg.OnError(c, err)
		}

		return c.JSON(http.StatusOK, map[string]bool{"received": true})
	}
}

func defaultError(c echo.Context, err error) error {
	code := billing.StatusCode(err)
	return c.JSON(code, map[string]string{"error": http.StatusText(code)})
}

// FromParams returns a ScopeExtractor reading the org and env route parameters
func FromParams(orgParam, envParam string) ScopeExtractor {
	return func(c echo.Context) (billsync.Scope, error) {
		return billing.ParseScope(c.Param(orgParam), c.Param(envParam))
	}
}
