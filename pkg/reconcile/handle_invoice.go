package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// InvoiceFinalized is the payload of billsync.TopicInvoiceFinalized.
type InvoiceFinalized struct {
	OrgID      string          `json:"org_id"`
	Env        billsync.Env    `json:"env"`
	CustomerID string          `json:"customer_id"`
	InvoiceID  string          `json:"invoice_id"`
	Status     string          `json:"status"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency"`
	HostedURL  string          `json:"hosted_url,omitempty"`
}

// handleInvoiceCreated adds the closing cycle's arrear usage to a renewal
// draft. Resets are stored pending on the invoice until it is paid.
func handleInvoiceCreated(ctx context.Context, p *pass) (Outcome, error) {
	inv := p.event.Invoice
	if inv == nil || inv.SubscriptionID == "" {
		return skipped(ReasonNotSubscription), nil
	}
	if inv.Status != "" && inv.Status != billing.InvoiceDraft {
		return skipped(ReasonNotDraft), nil
	}

	ec, err := p.builder().Build(ctx, p.scope, BuildOptions{
		SubscriptionID: inv.SubscriptionID,
		IncludeHandoff: true,
	})
	if err != nil {
		return Outcome{}, err
	}
	if ec == nil {
		return skipped(ReasonNoProducts), nil
	}
	ic := &InvoiceContext{EventContext: ec, Invoice: inv}
	p.tracker = ec.Tracker

	periodEnd := periodOf(inv, ic.Now)
	createdAt := inv.Created
	if createdAt.IsZero() {
		createdAt = ic.Now
	}

	run, err := p.computeArrear(ctx, ic.EventContext, &periodEnd, periodEnd, func(bc *BillingContext) ArrearOptions {
		return ArrearOptions{
			Filter:        closesAt(bc.BillingCycleAnchor, bc.CurrentEpoch, periodEnd),
			CreatedBefore: createdAt.Add(-NewProductGrace),
		}
	}, inv.Currency)
	if err != nil {
		return Outcome{}, err
	}

	// Resets are stored before any item lands so a retry never finds items
	// without their resets. Both steps are safe to repeat: items are keyed
	// and saving resets replaces those stored for the invoice.
	if run != nil {
		if err := p.withholdResets(ctx, inv.ID, run.Resets); err != nil {
			p.releaseMarker(ctx, run.marker)
			return Outcome{}, err
		}
		if err := p.addItems(ctx, inv.CustomerID, inv.ID, inv.Currency, run); err != nil {
			p.releaseMarker(ctx, run.marker)
			return Outcome{}, err
		}
	}

	if _, _, err := UpsertInvoice(ctx, p.store, p.scope, inv, ic.Customer(), ic.Products()); err != nil {
		return Outcome{}, err
	}
	return Outcome{}, nil
}

// handleInvoiceFinalized mirrors the invoice and notifies downstream. An
// invoice that is already paid at finalization releases its pending resets.
func handleInvoiceFinalized(ctx context.Context, p *pass) (Outcome, error) {
	inv := p.event.Invoice
	if inv == nil {
		return skipped(ReasonNotSubscription), nil
	}

	customer, products, err := p.invoiceOwner(ctx, inv)
	if err != nil {
		return Outcome{}, err
	}
	if customer == nil {
		return skipped(ReasonNoProducts), nil
	}

	if _, _, err := UpsertInvoice(ctx, p.store, p.scope, inv, customer, products); err != nil {
		return Outcome{}, err
	}
	if inv.IsPaid() {
		if err := p.applyPendingResets(ctx, inv.ID); err != nil {
			return Outcome{}, err
		}
	}

	p.publish(ctx, billsync.TopicInvoiceFinalized, InvoiceFinalized{
		OrgID:      p.scope.OrgID,
		Env:        p.scope.Env,
		CustomerID: customer.ID,
		InvoiceID:  inv.ID,
		Status:     inv.Status,
		Total:      decimal.New(inv.Total, -2),
		Currency:   inv.Currency,
		HostedURL:  inv.HostedInvoiceURL,
	})
	return Outcome{}, nil
}

// handleInvoicePaid refreshes the invoice and applies the resets withheld
// until payment.
func handleInvoicePaid(ctx context.Context, p *pass) (Outcome, error) {
	if p.event.Invoice == nil {
		return skipped(ReasonNotSubscription), nil
	}
	inv, err := p.proc.GetInvoice(ctx, p.event.Invoice.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to retrieve invoice %s: %w", p.event.Invoice.ID, err)
	}

	customer, products, err := p.invoiceOwner(ctx, inv)
	if err != nil {
		return Outcome{}, err
	}
	if customer == nil {
		return skipped(ReasonNoProducts), nil
	}

	if _, _, err := UpsertInvoice(ctx, p.store, p.scope, inv, customer, products); err != nil {
		return Outcome{}, err
	}
	if !inv.IsPaid() {
		p.logger.Warn("invoice.paid delivered for unpaid invoice", billsync.F("invoice_id", inv.ID),
			billsync.F("status", inv.Status))
		return Outcome{}, nil
	}
	if err := p.applyPendingResets(ctx, inv.ID); err != nil {
		return Outcome{}, err
	}
	return Outcome{}, nil
}

// invoiceOwner finds the customer and products an invoice belongs to, from
// an existing local record or the invoice's subscription. A nil customer
// means the invoice is not tracked.
func (p *pass) invoiceOwner(ctx context.Context, inv *billing.Invoice) (*billsync.Customer, []*billsync.CustomerProduct, error) {
	var products []*billsync.CustomerProduct

	existing, err := p.store.GetInvoiceByExternalID(ctx, inv.ID)
	switch {
	case err == nil:
		products, err = p.store.GetCustomerProducts(ctx, existing.CustomerProductIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load invoice products: %w", err)
		}
	case !errors.Is(err, billsync.ErrNotFound):
		return nil, nil, fmt.Errorf("failed to load invoice %s: %w", inv.ID, err)
	}

	if len(products) == 0 && inv.SubscriptionID != "" {
		products, err = p.store.ListCustomerProductsBySubscription(ctx, p.scope, inv.SubscriptionID, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list customer products: %w", err)
		}
	}

	internalID := ""
	switch {
	case len(products) > 0:
		internalID = products[0].InternalCustomerID
	case existing != nil:
		internalID = existing.InternalCustomerID
	}
	if internalID == "" {
		return nil, nil, nil
	}

	customer, err := p.store.GetFullCustomer(ctx, internalID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load customer %s: %w", internalID, err)
	}
	return customer, products, nil
}

// periodOf returns the period end an invoice bills, falling back to now.
func periodOf(inv *billing.Invoice, now time.Time) time.Time {
	if inv.PeriodEnd.IsZero() {
		return now
	}
	return inv.PeriodEnd
}
