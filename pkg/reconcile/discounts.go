package reconcile

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// ResolveDiscounts gathers the subscription's and the customer's discounts,
// one per coupon, loading product restrictions the snapshot did not carry.
// Coupons whose restrictions cannot be loaded are dropped.
func ResolveDiscounts(ctx context.Context, proc billing.Processor, customer *billing.Customer,
	sub *billing.Subscription, logger billsync.Logger) []billing.Discount {
	var all []billing.Discount
	if sub != nil {
		all = append(all, sub.Discounts...)
	}
	if customer != nil && customer.Discount != nil {
		all = append(all, *customer.Discount)
	}
	all = lo.UniqBy(all, func(d billing.Discount) string { return d.Coupon.ID })

	out := make([]billing.Discount, 0, len(all))
	for _, d := range all {
		if !d.Coupon.AppliesToLoaded {
			coupon, err := proc.GetCoupon(ctx, d.Coupon.ID)
			if err != nil {
				logger.Warn("dropping discount with unknown scope",
					billsync.F("coupon_id", d.Coupon.ID), billsync.F("error", err))
				continue
			}
			d.Coupon = *coupon
		}
		out = append(out, d)
	}
	return out
}

// ApplyDiscounts returns items with discounts applied in order. A discount
// only touches items priced under a product it applies to. Percent-off
// reduces each item; amount-off is spread across the items in proportion to
// their amounts, with the rounding remainder on the last one. Amounts never
// drop below zero.
func ApplyDiscounts(items []LineItem, discounts []billing.Discount, currency string) []LineItem {
	out := make([]LineItem, len(items))
	copy(out, items)
	for i := range out {
		if out[i].OriginalAmount.IsZero() {
			out[i].OriginalAmount = out[i].Amount
		}
	}

	for _, d := range discounts {
		coupon := d.Coupon
		scoped := lo.Filter(lo.Range(len(out)), func(i, _ int) bool {
			return out[i].Amount.IsPositive() && appliesTo(coupon, out[i])
		})
		if len(scoped) == 0 {
			continue
		}

		switch {
		case coupon.PercentOff.IsPositive():
			pct := decimal.Min(coupon.PercentOff, hundred)
			for _, i := range scoped {
				off := out[i].Amount.Mul(pct).Div(hundred).Round(2)
				out[i].Amount = decimal.Max(decimal.Zero, out[i].Amount.Sub(off))
			}

		case coupon.AmountOff > 0:
			if coupon.Currency != "" && currency != "" && !strings.EqualFold(coupon.Currency, currency) {
				continue
			}
			total := decimal.Zero
			for _, i := range scoped {
				total = total.Add(out[i].Amount)
			}
			off := decimal.Min(decimal.New(coupon.AmountOff, -2), total)
			remaining := off
			for n, i := range scoped {
				share := remaining
				if n < len(scoped)-1 {
					share = decimal.Min(out[i].Amount.Div(total).Mul(off).Round(2), remaining)
				}
				share = decimal.Min(share, out[i].Amount)
				out[i].Amount = out[i].Amount.Sub(share)
				remaining = remaining.Sub(share)
			}
		}
	}
	return out
}

func appliesTo(coupon billing.Coupon, item LineItem) bool {
	return !coupon.Restricted() || lo.Contains(coupon.AppliesTo, item.ProcessorProductID)
}
