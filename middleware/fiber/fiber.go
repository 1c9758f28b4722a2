// Package fiber mounts a billing webhook receiver on a Fiber app
package fiber

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// ScopeExtractor extracts the org/env a delivery is addressed to
type ScopeExtractor func(c *fiber.Ctx) (billsync.Scope, error)

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

	// MaxBodyBytes bounds the request body. The app's own BodyLimit applies first.
	// Default: 256 KiB
	MaxBodyBytes int

	// OnError is called when a delivery is rejected or fails
	// If nil, responds with the status from billing.StatusCode
	OnError func(c *fiber.Ctx, err error) error
}

// Webhook creates a Fiber handler that feeds webhook deliveries to the receiver.
// Mount it on a POST route such as /webhooks/stripe/:org/:env.
func Webhook(cfg Config) fiber.Handler {
	if cfg.Receiver == nil {
		panic("billsync/fiber: Config.Receiver is required")
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

	return func(c *fiber.Ctx) error {
		scope, err := cfg.GetScope(c)
		if err != nil {
			return cfg.OnError(c, err)
		}

		raw := c.Body()
		if len(raw) > cfg.MaxBodyBytes {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "Payload Too Large"})
		}
		// fasthttp reuses the request buffer after the handler returns
		body := append([]byte(nil), raw...)

		if err := cfg.Receiver.Receive(c.UserContext(), scope, body, c.Get(cfg.SignatureHeader)); err != nil {
			return cfg.OnError(c, err)
		}

		return c.JSON(fiber.Map{"received": true})
	}
}

func defaultError(c *fiber.Ctx, err error) error {
	code := billing.StatusCode(err)
	return c.Status(code).JSON(fiber.Map{"error": http.StatusText(code)})
}

// FromParams returns a ScopeExtractor reading the org and env route parameters
func FromParams(orgParam, envParam string) ScopeExtractor {
	return func(c *fiber.Ctx) (billsync.Scope, error) {
		return billing.ParseScope(c.Params(orgParam), c.Params(envParam))
	}
}
