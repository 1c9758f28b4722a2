package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billing/internal"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

const (
	// SignatureHeader carries the webhook signature.
	SignatureHeader = billing.DefaultSignatureHeader

	defaultMaxBodyBytes      = billing.DefaultMaxBodyBytes
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
)

// WebhookHandler verifies Stripe webhook deliveries and hands them to the
// configured sink together with a processor for the addressed tenant.
type WebhookHandler struct {
	config      Config
	limiter     *internal.RateLimiter
	metrics     billing.Metrics
	logger      billsync.Logger
	newProc     func(billing.Tenant) (billing.Processor, error)
	mu          sync.Mutex
	processors  map[string]billing.Processor
	maxBodySize int64
}

var _ billing.Receiver = (*WebhookHandler)(nil)

// NewWebhookHandler creates a webhook handler
func NewWebhookHandler(config Config) (*WebhookHandler, error) {
	if config.Tenants == nil || config.Sink == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	limit, window := config.RateLimit, config.RateWindow
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	if config.SignatureTolerance <= 0 {
		config.SignatureTolerance = webhook.DefaultTolerance
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billsync.NoopLogger{}
	}

	h := &WebhookHandler{
		config:      config,
		limiter:     internal.NewRateLimiter(limit, window),
		metrics:     metrics,
		logger:      billsync.WithFields(logger, billsync.F("processor", providerName)),
		processors:  make(map[string]billing.Processor),
		maxBodySize: maxBody,
	}
	h.newProc = func(t billing.Tenant) (billing.Processor, error) {
		return NewProcessor(t, h.config)
	}
	return h, nil
}

// Receive verifies a raw delivery addressed to scope and consumes it
func (h *WebhookHandler) Receive(ctx context.Context, scope billsync.Scope, payload []byte, signature string) error {
	start := time.Now()

	tenant, err := h.config.Tenants.Resolve(ctx, scope)
	if err != nil {
		h.metrics.RecordRejection(providerName, scope.Env, "unknown_tenant")
		return fmt.Errorf("resolve %s/%s: %w", scope.OrgID, scope.Env, err)
	}
	if tenant.WebhookSecret == "" {
		h.metrics.RecordRejection(providerName, scope.Env, "not_configured")
		return fmt.Errorf("%s/%s webhook secret: %w", scope.OrgID, scope.Env, billing.ErrProviderNotConfigured)
	}

	se, err := webhook.ConstructEventWithOptions(payload, signature, tenant.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                h.config.SignatureTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.metrics.RecordRejection(providerName, scope.Env, "auth_failed")
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}

	event, err := decodeEvent(payload, &se)
	if err != nil {
		h.metrics.RecordRejection(providerName, scope.Env, "invalid_payload")
		return err
	}

	processor, err := h.processorFor(tenant)
	if err != nil {
		h.metrics.RecordRejection(providerName, scope.Env, "not_configured")
		return err
	}

	log := billsync.WithFields(h.logger,
		billsync.F("org_id", scope.OrgID),
		billsync.F("env", string(scope.Env)),
		billsync.F("event_id", event.ID),
		billsync.F("event_type", event.Type))
	log.Debug("webhook received")

	err = h.config.Sink.Consume(ctx, tenant, processor, event)
	if err != nil {
		h.metrics.RecordDelivery(providerName, scope.Env, event.Type, "error", time.Since(start))
		log.Error("webhook processing failed", billsync.F("error", err))
		return err
	}
	h.metrics.RecordDelivery(providerName, scope.Env, event.Type, "success", time.Since(start))
	return nil
}

// Handler returns an HTTP handler for Stripe webhooks. scope extracts the
// org/env the endpoint was registered for.
func (h *WebhookHandler) Handler(scope billing.ScopeFunc) http.Handler {
	return h.limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serveHTTP(w, r, scope)
	}))
}

func (h *WebhookHandler) serveHTTP(w http.ResponseWriter, r *http.Request, scopeFn billing.ScopeFunc) {
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	scope, err := scopeFn(r)
	if err != nil {
		h.metrics.RecordRejection(providerName, scope.Env, "unknown_tenant")
		http.Error(w, "unknown endpoint", http.StatusNotFound)
		return
	}

	body, err := internal.ReadDelivery(w, r, h.maxBodySize, h.logger)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordRejection(providerName, scope.Env, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			h.metrics.RecordRejection(providerName, scope.Env, "invalid_payload")
		}
		return
	}
	h.metrics.RecordPayloadSize(providerName, len(body))

	if err := h.Receive(r.Context(), scope, body, r.Header.Get(SignatureHeader)); err != nil {
		code := billing.StatusCode(err)
		http.Error(w, http.StatusText(code), code)
		return
	}
	if err := internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true}); err != nil {
		h.logger.Warn("write webhook response", billsync.F("error", err))
	}
}

// processorFor returns a cached processor for the tenant's API key
func (h *WebhookHandler) processorFor(t billing.Tenant) (billing.Processor, error) {
	key := t.Org.ID + "|" + string(t.Env) + "|" + t.APIKey

	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.processors[key]; ok {
		return p, nil
	}
	p, err := h.newProc(t)
	if err != nil {
		return nil, err
	}
	h.processors[key] = p
	return p, nil
}

// ParseEvent decodes a stored event payload without signature verification.
// It is meant for replaying events fetched from the Stripe API or dashboard.
func ParseEvent(payload []byte) (*billing.Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(payload, &se); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if se.ID == "" || se.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", billing.ErrInvalidWebhookPayload)
	}
	return decodeEvent(payload, &se)
}

// decodeEvent converts a verified Stripe event into a billing event
func decodeEvent(payload []byte, se *stripe.Event) (*billing.Event, error) {
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, se.ID)
	}

	var envelope struct {
		Data struct {
			PreviousAttributes map[string]json.RawMessage `json:"previous_attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	event := &billing.Event{
		ID:                 se.ID,
		Type:               string(se.Type),
		Created:            unix(se.Created),
		Livemode:           se.Livemode,
		APIVersion:         se.APIVersion,
		PreviousAttributes: envelope.Data.PreviousAttributes,
	}

	var err error
	switch {
	case strings.HasPrefix(event.Type, "customer.subscription."):
		event.Subscription, err = decodeSubscription(se.Data.Raw)
	case strings.HasPrefix(event.Type, "invoice."):
		event.Invoice, err = decodeInvoice(se.Data.Raw)
	case strings.HasPrefix(event.Type, "checkout.session."):
		event.CheckoutSession, err = decodeCheckoutSession(se.Data.Raw)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
