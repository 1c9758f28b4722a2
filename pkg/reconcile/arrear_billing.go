package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// ArrearMarkerKey is the billed marker of one subscription period. The
// invoice.created and subscription.deleted paths both take it before
// producing arrear items, so a period's usage is billed by one of them only.
func ArrearMarkerKey(subscriptionID string, periodEnd time.Time) string {
	return fmt.Sprintf("arrear:%s:%d", subscriptionID, periodEnd.Unix())
}

// ArrearItemKey is the idempotency key of one arrear line item on an
// invoice. A retried pass re-sends the same key for items already added.
func ArrearItemKey(invoiceID string, li LineItem) string {
	return fmt.Sprintf("arrear-item:%s:%s:%s", invoiceID, li.CustomerProductID, li.CustomerEntitlementID)
}

// arrearRun is a computed arrear bill holding the period's billed marker.
type arrearRun struct {
	ArrearResult
	marker string
}

// takeMarker claims the billed marker of the period. It reports false when
// another path already billed it.
func (p *pass) takeMarker(ctx context.Context, subscriptionID string, periodEnd time.Time) (string, bool, error) {
	key := ArrearMarkerKey(subscriptionID, periodEnd)
	ok, err := p.engine.locker.TryAcquire(ctx, key, p.engine.markerTTL)
	if err != nil {
		if p.engine.policy == billsync.FailClosed {
			return "", false, fmt.Errorf("%w: %v", billsync.ErrLockUnavailable, err)
		}
		p.logger.Warn("arrear marker check failed, billing anyway", billsync.F("key", key), billsync.F("error", err))
		return key, true, nil
	}
	if !ok {
		p.logger.Info("period usage already billed", billsync.F("key", key))
	}
	return key, ok, nil
}

func (p *pass) releaseMarker(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := p.engine.locker.Release(ctx, key); err != nil {
		p.logger.Warn("failed to release arrear marker", billsync.F("key", key), billsync.F("error", err))
	}
}

// computeArrear claims the period and computes discounted line items for the
// context's products. It returns nil when the period was already billed.
func (p *pass) computeArrear(ctx context.Context, ec *EventContext, periodEnd *time.Time, markerEnd time.Time,
	options func(bc *BillingContext) ArrearOptions, currency string) (*arrearRun, error) {
	subID := ""
	if ec.Subscription != nil {
		subID = ec.Subscription.ID
	}
	key, ok, err := p.takeMarker(ctx, subID, markerEnd)
	if err != nil || !ok {
		return nil, err
	}

	bc := NewBillingContext(ec, periodEnd)
	var opts ArrearOptions
	if options != nil {
		opts = options(&bc)
	}
	engine := &ArrearEngine{Logger: p.logger}
	res := engine.Compute(&bc, ec.Products(), opts)

	if len(res.Items) > 0 {
		discounts := ResolveDiscounts(ctx, p.proc, ec.ProcessorCustomer, ec.Subscription, p.logger)
		res.Items = ApplyDiscounts(res.Items, discounts, currency)
	}

	p.logger.Info("arrear usage computed",
		billsync.F("current_epoch", bc.CurrentEpoch),
		billsync.F("line_items", res.Items),
		billsync.F("resets", res.Resets),
		billsync.F("total_cents", res.TotalCents()),
	)
	p.engine.metrics.RecordLineItems(len(res.Items), res.TotalCents())
	return &arrearRun{ArrearResult: res, marker: key}, nil
}

// addItems adds the positive line items of run to an invoice. Each item
// carries ArrearItemKey so a retry after a partial failure adds only the
// missing ones.
func (p *pass) addItems(ctx context.Context, customerID, invoiceID, currency string, run *arrearRun) error {
	for _, li := range run.Items {
		if li.Cents() <= 0 {
			continue
		}
		err := p.proc.CreateInvoiceItem(ctx, billing.InvoiceItem{
			CustomerID:  customerID,
			InvoiceID:   invoiceID,
			Description: li.Description,
			Amount:      li.Cents(),
			Currency:    currency,
			PeriodStart: li.PeriodStart,
			PeriodEnd:   li.PeriodEnd,
			Metadata: map[string]string{
				"customer_product_id":     li.CustomerProductID,
				"customer_entitlement_id": li.CustomerEntitlementID,
				"feature_id":              li.FeatureID,
			},
			IdempotencyKey: ArrearItemKey(invoiceID, li),
		})
		if err != nil {
			return fmt.Errorf("failed to add invoice item to %s: %w", invoiceID, err)
		}
	}
	return nil
}

// withholdResets stores resets until the invoice is confirmed paid.
func (p *pass) withholdResets(ctx context.Context, invoiceID string, resets []billsync.BalanceReset) error {
	if len(resets) == 0 {
		return nil
	}
	if err := p.store.SavePendingResets(ctx, invoiceID, resets); err != nil {
		return fmt.Errorf("failed to store pending resets for %s: %w", invoiceID, err)
	}
	p.engine.metrics.RecordResets("pending", len(resets))
	return nil
}

// billFinalUsage charges the outstanding arrear usage of a deleted
// subscription on a standalone invoice. Invoice failures are recoverable:
// the items are logged and the resets withheld.
func (p *pass) billFinalUsage(ctx context.Context, ec *EventContext, sub *billing.Subscription) error {
	markerEnd := sub.CurrentPeriodEnd()
	if markerEnd.IsZero() {
		markerEnd = ec.Now
	}
	run, err := p.computeArrear(ctx, ec, nil, markerEnd, nil, "")
	if err != nil || run == nil {
		return err
	}
	if run.TotalCents() <= 0 {
		return nil
	}

	logger := billsync.WithFields(p.logger, billsync.F("subscription_id", sub.ID))
	inv, err := p.proc.CreateInvoice(ctx, billing.InvoiceParams{
		CustomerID:  sub.CustomerID,
		Description: "Final usage charges",
		Metadata:    map[string]string{"subscription_id": sub.ID},
	})
	if err != nil {
		logger.Error("failed to create final usage invoice, resets withheld",
			billsync.F("line_items", run.Items), billsync.F("error", err))
		p.releaseMarker(ctx, run.marker)
		return nil
	}
	logger = billsync.WithFields(logger, billsync.F("invoice_id", inv.ID))

	if err := p.withholdResets(ctx, inv.ID, run.Resets); err != nil {
		p.releaseMarker(ctx, run.marker)
		return err
	}
	if err := p.addItems(ctx, sub.CustomerID, inv.ID, inv.Currency, run); err != nil {
		logger.Error("failed to add final usage items", billsync.F("line_items", run.Items), billsync.F("error", err))
		return nil
	}

	final, err := p.proc.FinalizeInvoice(ctx, inv.ID)
	if err != nil {
		logger.Error("failed to finalize final usage invoice", billsync.F("error", err))
		return nil
	}
	if !final.IsPaid() {
		paid, err := p.proc.PayInvoice(ctx, inv.ID)
		if err != nil {
			logger.Warn("final usage invoice not paid, resets stay pending", billsync.F("error", err))
		} else {
			final = paid
		}
	}

	if _, _, err := UpsertInvoice(ctx, p.store, p.scope, final, ec.Customer(), ec.Products()); err != nil {
		return err
	}
	if final.IsPaid() {
		return p.applyPendingResets(ctx, inv.ID)
	}
	return nil
}
