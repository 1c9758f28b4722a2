package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v83"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

const (
	providerName          = "stripe"
	defaultHTTPTimeout    = 10 * time.Second
	defaultBreakerTimeout = 30 * time.Second
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// APIURL overrides the Stripe API base URL, e.g. for stripe-mock.
	APIURL string

	// MaxNetworkRetries overrides the SDK's retry count for failed requests.
	MaxNetworkRetries *int64

	// SignatureTolerance bounds the age of a webhook signature.
	// Default: 5 minutes
	SignatureTolerance time.Duration
}

// Processor implements billing.Processor for one Stripe account
type Processor struct {
	client  *stripe.Client
	breaker *gobreaker.CircuitBreaker[any]
	metrics billing.Metrics
	logger  billsync.Logger
}

var _ billing.Processor = (*Processor)(nil)

// NewProcessor creates a processor for the tenant's Stripe account
func NewProcessor(tenant billing.Tenant, config Config) (*Processor, error) {
	apiKey := strings.TrimSpace(tenant.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: config.MaxNetworkRetries,
	}
	if config.APIURL != "" {
		backendConfig.URL = stripe.String(config.APIURL)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billsync.NoopLogger{}
	}
	logger = billsync.WithFields(logger,
		billsync.F("processor", providerName),
		billsync.F("org_id", tenant.Org.ID),
		billsync.F("env", string(tenant.Env)))

	p := &Processor{
		client:  stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig))),
		metrics: metrics,
		logger:  logger,
	}

	if config.BreakerFailures > 0 {
		timeout := config.BreakerTimeout
		if timeout <= 0 {
			timeout = defaultBreakerTimeout
		}
		p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        providerName + ":" + tenant.Org.ID + ":" + string(tenant.Env),
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				p.logger.Warn("circuit breaker state changed",
					billsync.F("breaker", name),
					billsync.F("from", from.String()),
					billsync.F("to", to.String()))
				p.metrics.RecordBreakerState(providerName, tenant.Env, to.String())
			},
			// A 4xx is an answer, not an outage.
			IsSuccessful: func(err error) bool {
				var se *stripe.Error
				if errors.As(err, &se) {
					return se.HTTPStatusCode > 0 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests
				}
				return err == nil
			},
		})
	}
	return p, nil
}

// Name returns the processor name
func (p *Processor) Name() string {
	return providerName
}

// call runs fn through the breaker and records the outcome
func (p *Processor) call(endpoint string, fn func() error) error {
	start := time.Now()
	var err error
	if p.breaker != nil {
		_, err = p.breaker.Execute(func() (any, error) { return nil, fn() })
	} else {
		err = fn()
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status, time.Since(start))

	if err != nil {
		err = mapError(endpoint, err)
		p.logger.Debug("stripe call failed", billsync.F("endpoint", endpoint), billsync.F("error", err))
	}
	return err
}

func mapError(endpoint string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", endpoint, billing.ErrProviderUnavailable)
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w: %s", endpoint, billing.ErrResourceMissing, se.Msg)
		}
		return fmt.Errorf("%s: %w: %s (status %d, request %s)",
			endpoint, billing.ErrProviderAPIError, se.Msg, se.HTTPStatusCode, se.RequestID)
	}
	return fmt.Errorf("%s: %w: %w", endpoint, billing.ErrProviderAPIError, err)
}

// raw returns the JSON body behind a retrieved resource. Resources that did
// not come straight from a response are re-encoded.
func raw(resp *stripe.APIResponse, v any) ([]byte, error) {
	if resp != nil && len(resp.RawJSON) > 0 {
		return resp.RawJSON, nil
	}
	return json.Marshal(v)
}

// GetSubscription retrieves a subscription with its schedule, discounts and test clock expanded
func (p *Processor) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	params := &stripe.SubscriptionRetrieveParams{}
	params.AddExpand("schedule")
	params.AddExpand("discounts")
	params.AddExpand("test_clock")

	var sub *stripe.Subscription
	err := p.call("subscriptions.retrieve", func() (err error) {
		sub, err = p.client.V1Subscriptions.Retrieve(ctx, id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	body, err := raw(sub.LastResponse, sub)
	if err != nil {
		return nil, err
	}
	return decodeSubscription(body)
}

// GetCustomer retrieves a customer with its discount
func (p *Processor) GetCustomer(ctx context.Context, id string) (*billing.Customer, error) {
	var cus *stripe.Customer
	err := p.call("customers.retrieve", func() (err error) {
		cus, err = p.client.V1Customers.Retrieve(ctx, id, &stripe.CustomerRetrieveParams{})
		return err
	})
	if err != nil {
		return nil, err
	}
	body, err := raw(cus.LastResponse, cus)
	if err != nil {
		return nil, err
	}
	return decodeCustomer(body)
}

// GetInvoice retrieves an invoice with its discounts expanded
func (p *Processor) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	params := &stripe.InvoiceRetrieveParams{}
	params.AddExpand("discounts")

	var inv *stripe.Invoice
	err := p.call("invoices.retrieve", func() (err error) {
		inv, err = p.client.V1Invoices.Retrieve(ctx, id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	body, err := raw(inv.LastResponse, inv)
	if err != nil {
		return nil, err
	}
	return decodeInvoice(body)
}

// ListPaymentMethods lists the customer's stored payment methods
func (p *Processor) ListPaymentMethods(ctx context.Context, customerID string) ([]billing.PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{Customer: stripe.String(customerID)}
	var out []billing.PaymentMethod
	err := p.call("payment_methods.list", func() error {
		out = out[:0]
		for pm, err := range p.client.V1PaymentMethods.List(ctx, params) {
			if err != nil {
				return err
			}
			out = append(out, billing.PaymentMethod{ID: pm.ID, Type: string(pm.Type), CustomerID: customerID})
		}
		return nil
	})
	return out, err
}

// GetTestClockTime returns the frozen time of a test clock
func (p *Processor) GetTestClockTime(ctx context.Context, clockID string) (time.Time, error) {
	var clock *stripe.TestHelpersTestClock
	err := p.call("test_clocks.retrieve", func() (err error) {
		clock, err = p.client.V1TestHelpersTestClocks.Retrieve(ctx, clockID, &stripe.TestHelpersTestClockRetrieveParams{})
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return unix(clock.FrozenTime), nil
}

// GetCoupon retrieves a coupon with its product restrictions
func (p *Processor) GetCoupon(ctx context.Context, id string) (*billing.Coupon, error) {
	params := &stripe.CouponRetrieveParams{}
	params.AddExpand("applies_to")

	var coupon *stripe.Coupon
	err := p.call("coupons.retrieve", func() (err error) {
		coupon, err = p.client.V1Coupons.Retrieve(ctx, id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	body, err := raw(coupon.LastResponse, coupon)
	if err != nil {
		return nil, err
	}
	return decodeCoupon(body)
}

// CreateInvoice creates a draft invoice that does not sweep pending items
func (p *Processor) CreateInvoice(ctx context.Context, in billing.InvoiceParams) (*billing.Invoice, error) {
	params := &stripe.InvoiceCreateParams{
		Customer:                    stripe.String(in.CustomerID),
		AutoAdvance:                 stripe.Bool(false),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
	}
	if in.SubscriptionID != "" {
		params.Subscription = stripe.String(in.SubscriptionID)
	}
	if in.Currency != "" {
		params.Currency = stripe.String(in.Currency)
	}
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}

	var inv *stripe.Invoice
	err := p.call("invoices.create", func() (err error) {
		inv, err = p.client.V1Invoices.Create(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	body, err := raw(inv.LastResponse, inv)
	if err != nil {
		return nil, err
	}
	return decodeInvoice(body)
}

// CreateInvoiceItem adds a charge to an invoice
func (p *Processor) CreateInvoiceItem(ctx context.Context, item billing.InvoiceItem) error {
	params := &stripe.InvoiceItemCreateParams{
		Customer:     stripe.String(item.CustomerID),
		Amount:       stripe.Int64(item.Amount),
		Currency:     stripe.String(item.Currency),
		Description:  stripe.String(item.Description),
		Discountable: stripe.Bool(item.Discountable),
	}
	if item.InvoiceID != "" {
		params.Invoice = stripe.String(item.InvoiceID)
	}
	if !item.PeriodStart.IsZero() && !item.PeriodEnd.IsZero() {
		params.Period = &stripe.InvoiceItemCreatePeriodParams{
			Start: stripe.Int64(item.PeriodStart.Unix()),
			End:   stripe.Int64(item.PeriodEnd.Unix()),
		}
	}
	for k, v := range item.Metadata {
		params.AddMetadata(k, v)
	}
	if item.IdempotencyKey != "" {
		params.SetIdempotencyKey(item.IdempotencyKey)
	}

	return p.call("invoice_items.create", func() error {
		_, err := p.client.V1InvoiceItems.Create(ctx, params)
		return err
	})
}

// FinalizeInvoice finalizes a draft invoice without auto-advancing it
func (p *Processor) FinalizeInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	params := &stripe.InvoiceFinalizeInvoiceParams{AutoAdvance: stripe.Bool(false)}

	var inv *stripe.Invoice
	err := p.call("invoices.finalize", func() (err error) {
		inv, err = p.client.V1Invoices.FinalizeInvoice(ctx, id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	body, err := raw(inv.LastResponse, inv)
	if err != nil {
		return nil, err
	}
	return decodeInvoice(body)
}

// PayInvoice attempts to collect an open invoice
func (p *Processor) PayInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	var inv *stripe.Invoice
	err := p.call("invoices.pay", func() (err error) {
		inv, err = p.client.V1Invoices.Pay(ctx, id, &stripe.InvoicePayParams{})
		return err
	})
	if err != nil {
		return nil, err
	}
	body, err := raw(inv.LastResponse, inv)
	if err != nil {
		return nil, err
	}
	return decodeInvoice(body)
}

// VoidInvoice voids an open invoice
func (p *Processor) VoidInvoice(ctx context.Context, id string) error {
	return p.call("invoices.void", func() error {
		_, err := p.client.V1Invoices.VoidInvoice(ctx, id, &stripe.InvoiceVoidInvoiceParams{})
		return err
	})
}

// ListOpenInvoices lists a subscription's open invoices
func (p *Processor) ListOpenInvoices(ctx context.Context, subscriptionID string) ([]billing.Invoice, error) {
	params := &stripe.InvoiceListParams{
		Subscription: stripe.String(subscriptionID),
		Status:       stripe.String(billing.InvoiceOpen),
	}
	var out []billing.Invoice
	err := p.call("invoices.list", func() error {
		out = out[:0]
		for inv, err := range p.client.V1Invoices.List(ctx, params) {
			if err != nil {
				return err
			}
			out = append(out, billing.Invoice{
				ID:             inv.ID,
				SubscriptionID: subscriptionID,
				Status:         string(inv.Status),
				Total:          inv.Total,
				AmountDue:      inv.AmountDue,
				Currency:       string(inv.Currency),
				Created:        unix(inv.Created),
				Livemode:       inv.Livemode,
			})
		}
		return nil
	})
	return out, err
}

// CancelSubscription cancels a subscription immediately
func (p *Processor) CancelSubscription(ctx context.Context, id string) error {
	return p.call("subscriptions.cancel", func() error {
		_, err := p.client.V1Subscriptions.Cancel(ctx, id, &stripe.SubscriptionCancelParams{})
		return err
	})
}

// ReleaseSchedule detaches a schedule from its subscription
func (p *Processor) ReleaseSchedule(ctx context.Context, id string) error {
	return p.call("subscription_schedules.release", func() error {
		_, err := p.client.V1SubscriptionSchedules.Release(ctx, id, &stripe.SubscriptionScheduleReleaseParams{})
		return err
	})
}

// UpdateSubscriptionMetadata merges metadata into a subscription
func (p *Processor) UpdateSubscriptionMetadata(ctx context.Context, id string, metadata map[string]string) error {
	params := &stripe.SubscriptionUpdateParams{}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	return p.call("subscriptions.update", func() error {
		_, err := p.client.V1Subscriptions.Update(ctx, id, params)
		return err
	})
}
