package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// EventContext is the working state of one pass: the processor snapshot, the
// reconciliation time and the tracked customer products.
type EventContext struct {
	Scope             billsync.Scope
	Subscription      *billing.Subscription
	ProcessorCustomer *billing.Customer
	PaymentMethod     *billing.PaymentMethod

	// Now is the reconciliation time. It follows the subscription's test
	// clock when one is attached.
	Now time.Time

	Tracker *billsync.ChangeTracker
}

// Context is implemented by every per-event context variant.
type Context interface {
	Base() *EventContext
}

// Base implements Context
func (c *EventContext) Base() *EventContext { return c }

// Customer returns the customer aggregate.
func (c *EventContext) Customer() *billsync.Customer { return c.Tracker.Customer() }

// Products returns the current working list.
func (c *EventContext) Products() []*billsync.CustomerProduct { return c.Tracker.Products() }

// InvoiceContext is the context of invoice events.
type InvoiceContext struct {
	*EventContext
	Invoice *billing.Invoice
}

// SubscriptionDeletedContext is the context of customer.subscription.deleted.
type SubscriptionDeletedContext struct {
	*EventContext
}

// SubscriptionUpdatedContext is the context of customer.subscription.updated.
type SubscriptionUpdatedContext struct {
	*EventContext
	Event *billing.Event
}

// CheckoutContext is the context of checkout.session.completed.
type CheckoutContext struct {
	*EventContext
	Session *billing.CheckoutSession
}

// BuildOptions selects what a Builder loads.
type BuildOptions struct {
	SubscriptionID string

	// ScheduleID also matches products attached through a schedule.
	ScheduleID string

	// Products replaces the subscription lookup with a known product list.
	Products []*billsync.CustomerProduct

	// IncludeHandoff merges products expired by an earlier pass.
	IncludeHandoff bool
}

// Builder assembles EventContexts.
type Builder struct {
	Store     billsync.Store
	Processor billing.Processor
	Handoff   billsync.HandoffCache
	Clock     billsync.Clock
	Logger    billsync.Logger
}

// Build loads the products linked to the subscription and fetches the
// processor snapshot. It returns a nil context when no product is linked.
func (b *Builder) Build(ctx context.Context, scope billsync.Scope, opts BuildOptions) (*EventContext, error) {
	if b.Logger == nil {
		b.Logger = &billsync.NoopLogger{}
	}
	if b.Clock == nil {
		b.Clock = billsync.SystemClock{}
	}

	products := opts.Products
	if products == nil {
		var err error
		products, err = b.linkedProducts(ctx, scope, opts)
		if err != nil {
			return nil, err
		}
	}

	var handoff []*billsync.CustomerProduct
	if opts.IncludeHandoff && b.Handoff != nil {
		cached, err := b.Handoff.GetExpired(ctx, opts.SubscriptionID)
		if err != nil {
			b.Logger.Warn("failed to read expired product handoff",
				billsync.F("subscription_id", opts.SubscriptionID), billsync.F("error", err))
		}
		handoff = cached
	}

	if len(products) == 0 && len(handoff) == 0 {
		return nil, nil
	}

	first := append(append([]*billsync.CustomerProduct{}, products...), handoff...)[0]
	customer, err := b.Store.GetFullCustomer(ctx, first.InternalCustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load customer %s: %w", first.InternalCustomerID, err)
	}

	working := b.share(customer, products)
	tracker := billsync.NewChangeTracker(b.Store, customer, working)
	tracker.Merge(b.share(customer, handoff)...)

	sub, procCustomer, pm, err := b.fetchSnapshot(ctx, opts.SubscriptionID, customer.ProcessorID)
	if err != nil {
		return nil, err
	}

	now, err := b.now(ctx, sub)
	if err != nil {
		return nil, err
	}

	return &EventContext{
		Scope:             scope,
		Subscription:      sub,
		ProcessorCustomer: procCustomer,
		PaymentMethod:     pm,
		Now:               now,
		Tracker:           tracker,
	}, nil
}

func (b *Builder) linkedProducts(ctx context.Context, scope billsync.Scope, opts BuildOptions) ([]*billsync.CustomerProduct, error) {
	products, err := b.Store.ListCustomerProductsBySubscription(ctx, scope, opts.SubscriptionID, billsync.RelevantStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list customer products: %w", err)
	}
	if opts.ScheduleID == "" {
		return products, nil
	}
	scheduled, err := b.Store.ListCustomerProductsBySubscription(ctx, scope, opts.ScheduleID, billsync.RelevantStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled customer products: %w", err)
	}
	return lo.UniqBy(append(products, scheduled...), func(cp *billsync.CustomerProduct) string { return cp.ID }), nil
}

// share swaps loaded products for the customer aggregate's pointers so edits
// land in both lists. Products of another customer are dropped.
func (b *Builder) share(customer *billsync.Customer, products []*billsync.CustomerProduct) []*billsync.CustomerProduct {
	out := make([]*billsync.CustomerProduct, 0, len(products))
	for _, cp := range products {
		if cp.InternalCustomerID != customer.InternalID {
			b.Logger.Warn("subscription spans customers, ignoring product",
				billsync.F("customer_product_id", cp.ID),
				billsync.F("internal_customer_id", cp.InternalCustomerID))
			continue
		}
		if shared, ok := lo.Find(customer.CustomerProducts, func(c *billsync.CustomerProduct) bool {
			return c.ID == cp.ID
		}); ok {
			out = append(out, shared)
			continue
		}
		out = append(out, cp)
	}
	return out
}

func (b *Builder) fetchSnapshot(ctx context.Context, subscriptionID, customerID string) (
	*billing.Subscription, *billing.Customer, *billing.PaymentMethod, error) {
	var (
		sub      *billing.Subscription
		customer *billing.Customer
		methods  []billing.PaymentMethod
	)

	g, gctx := errgroup.WithContext(ctx)
	if subscriptionID != "" {
		g.Go(func() error {
			s, err := b.Processor.GetSubscription(gctx, subscriptionID)
			if err != nil {
				return fmt.Errorf("failed to retrieve subscription %s: %w", subscriptionID, err)
			}
			sub = s
			return nil
		})
	}
	if customerID != "" {
		g.Go(func() error {
			c, err := b.Processor.GetCustomer(gctx, customerID)
			if err != nil {
				return fmt.Errorf("failed to retrieve customer %s: %w", customerID, err)
			}
			customer = c
			return nil
		})
		g.Go(func() error {
			list, err := b.Processor.ListPaymentMethods(gctx, customerID)
			if err != nil {
				// a missing payment method only degrades invoice payment
				b.Logger.Warn("failed to list payment methods",
					billsync.F("customer", customerID), billsync.F("error", err))
				return nil
			}
			methods = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	if customer == nil && sub != nil && sub.CustomerID != "" {
		c, err := b.Processor.GetCustomer(ctx, sub.CustomerID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to retrieve customer %s: %w", sub.CustomerID, err)
		}
		customer = c
		if list, err := b.Processor.ListPaymentMethods(ctx, sub.CustomerID); err == nil {
			methods = list
		}
	}

	return sub, customer, pickPaymentMethod(sub, customer, methods), nil
}

func pickPaymentMethod(sub *billing.Subscription, customer *billing.Customer, methods []billing.PaymentMethod) *billing.PaymentMethod {
	if len(methods) == 0 {
		return nil
	}
	for _, want := range []string{subPaymentMethod(sub), custPaymentMethod(customer)} {
		if want == "" {
			continue
		}
		if pm, ok := lo.Find(methods, func(pm billing.PaymentMethod) bool { return pm.ID == want }); ok {
			return &pm
		}
	}
	return &methods[0]
}

func subPaymentMethod(sub *billing.Subscription) string {
	if sub == nil {
		return ""
	}
	return sub.PaymentMethodID
}

func custPaymentMethod(c *billing.Customer) string {
	if c == nil {
		return ""
	}
	return c.PaymentMethodID
}

// now returns the subscription's simulated clock time, or the builder clock.
func (b *Builder) now(ctx context.Context, sub *billing.Subscription) (time.Time, error) {
	if sub != nil {
		if sub.TestClockTime != nil {
			return sub.TestClockTime.UTC(), nil
		}
		if sub.TestClockID != "" {
			t, err := b.Processor.GetTestClockTime(ctx, sub.TestClockID)
			if err != nil {
				return time.Time{}, fmt.Errorf("failed to read test clock %s: %w", sub.TestClockID, err)
			}
			return t.UTC(), nil
		}
	}
	return b.Clock.Now(), nil
}
