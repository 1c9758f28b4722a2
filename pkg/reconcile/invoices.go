package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// UpsertInvoice mirrors a processor invoice into the local invoice record for
// the given customer products. Status, total, hosted URL and discounts are
// refreshed on every call; the record identity is kept.
func UpsertInvoice(ctx context.Context, store billsync.Store, scope billsync.Scope, inv *billing.Invoice,
	customer *billsync.Customer, products []*billsync.CustomerProduct) (*billsync.Invoice, bool, error) {
	rec := &billsync.Invoice{
		ID:                 uuid.NewString(),
		ExternalID:         inv.ID,
		OrgID:              scope.OrgID,
		Env:                scope.Env,
		ProductIDs:         lo.Uniq(lo.Map(products, func(cp *billsync.CustomerProduct, _ int) string { return cp.Product.ID })),
		CustomerProductIDs: productIDs(products),
		Status:             inv.Status,
		Total:              decimal.New(inv.Total, -2),
		Currency:           inv.Currency,
		HostedURL:          inv.HostedInvoiceURL,
		Discounts:          invoiceDiscounts(inv),
		CreatedAt:          inv.Created,
	}
	if customer != nil {
		rec.InternalCustomerID = customer.InternalID
	}
	if entities := lo.Uniq(lo.Map(products, func(cp *billsync.CustomerProduct, _ int) string {
		return cp.InternalEntityID
	})); len(entities) == 1 {
		rec.InternalEntityID = entities[0]
	}

	created, err := store.UpsertInvoice(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert invoice %s: %w", inv.ID, err)
	}
	return rec, created, nil
}

func invoiceDiscounts(inv *billing.Invoice) []billsync.InvoiceDiscount {
	out := make([]billsync.InvoiceDiscount, 0, len(inv.TotalDiscountAmounts))
	for _, amt := range inv.TotalDiscountAmounts {
		d := billsync.InvoiceDiscount{AmountOff: decimal.New(amt.Amount, -2)}
		if disc, ok := lo.Find(inv.Discounts, func(d billing.Discount) bool { return d.ID == amt.DiscountID }); ok {
			d.CouponID = disc.Coupon.ID
			d.Name = disc.Coupon.Name
		} else {
			d.CouponID = amt.DiscountID
		}
		out = append(out, d)
	}
	return out
}

// applyPendingResets applies the resets withheld for a paid invoice.
func (p *pass) applyPendingResets(ctx context.Context, invoiceID string) error {
	resets, err := p.store.TakePendingResets(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("failed to load pending resets for %s: %w", invoiceID, err)
	}
	if len(resets) == 0 {
		return nil
	}
	if err := p.store.ApplyBalanceResets(ctx, resets); err != nil {
		if saveErr := p.store.SavePendingResets(ctx, invoiceID, resets); saveErr != nil {
			p.logger.Error("lost pending resets", billsync.F("invoice_id", invoiceID), billsync.F("error", saveErr))
		}
		return fmt.Errorf("failed to apply balance resets for %s: %w", invoiceID, err)
	}
	p.engine.metrics.RecordResets("applied", len(resets))
	p.logger.Info("applied balance resets", billsync.F("invoice_id", invoiceID), billsync.F("resets", resets))
	return nil
}
