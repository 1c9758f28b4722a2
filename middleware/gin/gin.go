// Package gin mounts a billing webhook receiver on a Gin router
package gin

import (
	"errors"
	"io"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// ScopeExtractor extracts the org/env a delivery is addressed to
type ScopeExtractor func(c *gongin.Context) (billsync.Scope, error)

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
	OnError func(c *gongin.Context, err error)
}

// Webhook creates a Gin handler that feeds webhook deliveries to the receiver.
// Mount it on a POST route such as /webhooks/stripe/:org/:env.
func Webhook(config Config) gongin.HandlerFunc {
	if config.Receiver == nil {
		panic("billsync/gin: Config.Receiver is required")
	}
	if config.GetScope == nil {
		config.GetScope = FromParams("org", "env")
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = billing.DefaultSignatureHeader
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = billing.DefaultMaxBodyBytes
	}
	if config.OnError == nil {
		config.OnError = defaultError
	}

	return func(c *gongin.Context) {
		scope, err := config.GetScope(c)
		if err != nil {
			config.OnError(c, err)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, config.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gongin.H{"error": "Payload Too Large"})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			return
		}

		if err := config.Receiver.Receive(c.Request.Context(), scope, body, c.GetHeader(config.SignatureHeader)); err != nil {
			config.OnError(c, err)
			return
		}

		c.JSON(http.StatusOK, gongin.H{"received": true})
	}
}

func defaultError(c *gongin.Context, err error) {
	code := billing.StatusCode(err)
	c.AbortWithStatusJSON(code, gongin.H{"error": http.StatusText(code)})
}

// FromParams returns a ScopeExtractor reading the org and env route parameters
func FromParams(orgParam, envParam string) ScopeExtractor {
	return func(c *gongin.Context) (billsync.Scope, error) {
		return billing.ParseScope(c.Param(orgParam), c.Param(envParam))
	}
}
