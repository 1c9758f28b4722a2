package billsync

import (
	"context"
	"time"
)

// Store is the persistent state surface used by the reconciliation engine.
type Store interface {
	// GetFullCustomer loads a customer with all of its products and entitlements.
	GetFullCustomer(ctx context.Context, internalCustomerID string) (*Customer, error)

	// ListCustomerProductsBySubscription returns the products in scope whose
	// subscription or schedule ids contain externalID and whose status is in statuses.
	ListCustomerProductsBySubscription(ctx context.Context, scope Scope, externalID string,
		statuses []Status) ([]*CustomerProduct, error)

	// GetCustomerProducts returns the products with the given ids, skipping unknown ids.
	GetCustomerProducts(ctx context.Context, ids []string) ([]*CustomerProduct, error)

	InsertCustomerProduct(ctx context.Context, cp *CustomerProduct) error
	UpdateCustomerProduct(ctx context.Context, cp *CustomerProduct) error
	DeleteCustomerProduct(ctx context.Context, id string) error

	// ListDefaultProducts returns the catalog default products of the scope.
	ListDefaultProducts(ctx context.Context, scope Scope) ([]Product, error)

	// ApplyBalanceResets writes reset instructions to the entitlement ledger.
	ApplyBalanceResets(ctx context.Context, resets []BalanceReset) error

	// SavePendingResets stores resets until the invoice is confirmed paid,
	// replacing any resets already stored for the invoice.
	SavePendingResets(ctx context.Context, invoiceExternalID string, resets []BalanceReset) error

	// TakePendingResets removes and returns the resets stored for an invoice.
	TakePendingResets(ctx context.Context, invoiceExternalID string) ([]BalanceReset, error)

	// UpsertInvoice inserts or refreshes an invoice keyed by its external id.
	// It reports whether a new record was created.
	UpsertInvoice(ctx context.Context, inv *Invoice) (bool, error)

	// GetInvoiceByExternalID returns ErrNotFound when the invoice is unknown.
	GetInvoiceByExternalID(ctx context.Context, externalID string) (*Invoice, error)
}

// Locker is a cache-backed key/value lock with mandatory expiry.
type Locker interface {
	// TryAcquire atomically sets key if absent. It returns false when the key
	// already exists.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Exists reports whether key is currently set.
	Exists(ctx context.Context, key string) (bool, error)

	// Release deletes key.
	Release(ctx context.Context, key string) error
}

// HandoffCache carries products expired by one webhook pass to a later pass
// for the same subscription, so final usage can still be billed.
type HandoffCache interface {
	PutExpired(ctx context.Context, subscriptionID string, products []*CustomerProduct, ttl time.Duration) error
	GetExpired(ctx context.Context, subscriptionID string) ([]*CustomerProduct, error)
}

// Clock reports the current time. Reconciliation code never reads the wall
// clock directly so simulated processor clocks can drive it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now implements Clock
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always reports the same instant.
type FixedClock struct{ T time.Time }

// Now implements Clock
func (c FixedClock) Now() time.Time { return c.T }
