package billing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// Processor is the external subscription and invoicing processor, seen
// through the operations the reconciliation engine needs.
type Processor interface {
	// Name returns the processor name (e.g., "stripe")
	Name() string

	// GetSubscription retrieves a subscription with its schedule, discounts
	// and default payment method expanded.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// GetCustomer retrieves a customer with its discount.
	GetCustomer(ctx context.Context, id string) (*Customer, error)

	// GetInvoice retrieves an invoice with its discounts expanded.
	GetInvoice(ctx context.Context, id string) (*Invoice, error)

	// ListPaymentMethods lists the customer's stored payment methods.
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)

	// GetTestClockTime returns the frozen time of a simulated clock.
	GetTestClockTime(ctx context.Context, clockID string) (time.Time, error)

	// GetCoupon retrieves a coupon with its product restrictions.
	GetCoupon(ctx context.Context, id string) (*Coupon, error)

	CreateInvoice(ctx context.Context, params InvoiceParams) (*Invoice, error)
	CreateInvoiceItem(ctx context.Context, item InvoiceItem) error
	FinalizeInvoice(ctx context.Context, id string) (*Invoice, error)
	PayInvoice(ctx context.Context, id string) (*Invoice, error)
	VoidInvoice(ctx context.Context, id string) error
	ListOpenInvoices(ctx context.Context, subscriptionID string) ([]Invoice, error)

	CancelSubscription(ctx context.Context, id string) error
	ReleaseSchedule(ctx context.Context, id string) error
	UpdateSubscriptionMetadata(ctx context.Context, id string, metadata map[string]string) error
}

// Tenant is one merchant environment and the credentials used to reach its
// processor account.
type Tenant struct {
	Org           billsync.Org
	Env           billsync.Env
	APIKey        string
	WebhookSecret string
}

// Scope returns the tenant's scope.
func (t Tenant) Scope() billsync.Scope {
	return billsync.Scope{OrgID: t.Org.ID, Env: t.Env}
}

// TenantResolver looks up the tenant a webhook was addressed to.
type TenantResolver interface {
	Resolve(ctx context.Context, scope billsync.Scope) (Tenant, error)
}

// StaticTenants resolves tenants from a fixed list.
type StaticTenants []Tenant

// Resolve implements TenantResolver
func (s StaticTenants) Resolve(ctx context.Context, scope billsync.Scope) (Tenant, error) {
	for _, t := range s {
		if t.Org.ID == scope.OrgID && t.Env == scope.Env {
			return t, nil
		}
	}
	return Tenant{}, ErrUnknownTenant
}

// EventSink consumes verified processor events.
type EventSink interface {
	Consume(ctx context.Context, tenant Tenant, processor Processor, event *Event) error
}

// Receiver accepts raw webhook deliveries addressed to a scope. Router
// adapters call it after extracting the scope from the request path.
type Receiver interface {
	Receive(ctx context.Context, scope billsync.Scope, payload []byte, signature string) error
}

// ScopeFunc extracts the org/env a webhook request is addressed to.
type ScopeFunc func(r *http.Request) (billsync.Scope, error)

// ParseScope validates the org and env route parameters of a webhook URL.
func ParseScope(org, env string) (billsync.Scope, error) {
	parsed, ok := billsync.ParseEnv(env)
	if org == "" || !ok {
		return billsync.Scope{}, fmt.Errorf("scope %q/%q: %w", org, env, ErrUnknownTenant)
	}
	return billsync.Scope{OrgID: org, Env: parsed}, nil
}

// PathScope reads the scope from net/http path wildcards, as registered
// with patterns such as "POST /webhooks/stripe/{org}/{env}".
func PathScope(orgParam, envParam string) ScopeFunc {
	return func(r *http.Request) (billsync.Scope, error) {
		return ParseScope(r.PathValue(orgParam), r.PathValue(envParam))
	}
}

// Router adapter defaults.
const (
	DefaultSignatureHeader = "Stripe-Signature"
	DefaultMaxBodyBytes    = 256 << 10
)
