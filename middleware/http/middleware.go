// Package http mounts a billing webhook receiver on a net/http mux
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/useautumn/autumn-sub003/pkg/billing"
)

// Config holds handler configuration
type Config struct {
	// Receiver verifies and processes deliveries (required)
	Receiver billing.Receiver

	// GetScope extracts the org/env from the request
	// Default: billing.PathScope("org", "env")
	GetScope billing.ScopeFunc

	// SignatureHeader carries the processor signature
	// Default: Stripe-Signature
	SignatureHeader string

	// MaxBodyBytes bounds the request body
	// Default: 256 KiB
	MaxBodyBytes int64

	// OnError is called when a delivery is rejected or fails
	// If nil, writes a JSON error with the status from billing.StatusCode
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Handler creates an HTTP handler that feeds webhook deliveries to the receiver
func Handler(config Config) http.Handler {
	if config.Receiver == nil {
		panic("billsync/http: Config.Receiver is required")
	}
	if config.GetScope == nil {
		config.GetScope = billing.PathScope("org", "env")
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

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
			return
		}

		scope, err := config.GetScope(r)
		if err != nil {
			config.OnError(w, r, err)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload Too Large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			return
		}

		if err := config.Receiver.Receive(r.Context(), scope, body, r.Header.Get(config.SignatureHeader)); err != nil {
			config.OnError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	})
}

func defaultError(w http.ResponseWriter, _ *http.Request, err error) {
	code := billing.StatusCode(err)
	writeJSON(w, code, map[string]string{"error": http.StatusText(code)})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
