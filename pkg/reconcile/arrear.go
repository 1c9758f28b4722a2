package reconcile

import (
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// NewProductGrace skips products attached this close to an invoice; their
// usage belongs to the next cycle.
const NewProductGrace = 10 * time.Minute

var hundred = decimal.NewFromInt(100)

// LineItem is one computed arrear charge. Amounts are in major currency units.
type LineItem struct {
	Description    string
	Amount         decimal.Decimal
	OriginalAmount decimal.Decimal
	Quantity       decimal.Decimal

	CustomerProductID     string
	CustomerEntitlementID string
	FeatureID             string
	PriceID               string
	ProcessorProductID    string

	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Cents returns the amount in minor units.
func (li LineItem) Cents() int64 {
	return li.Amount.Mul(hundred).Round(0).IntPart()
}

// EntitlementFilter restricts which entitlements an arrear run bills.
type EntitlementFilter func(cp *billsync.CustomerProduct, ce *billsync.CustomerEntitlement, price billsync.Price) bool

// ArrearOptions tune one arrear run.
type ArrearOptions struct {
	Filter EntitlementFilter

	// CreatedBefore skips products created after it when set.
	CreatedBefore time.Time
}

// ArrearResult holds the charges of a run and the resets to apply once the
// resulting invoice is paid.
type ArrearResult struct {
	Items  []LineItem
	Resets []billsync.BalanceReset
}

// TotalCents sums the items in minor units.
func (r ArrearResult) TotalCents() int64 {
	return lo.SumBy(r.Items, func(li LineItem) int64 { return li.Cents() })
}

// ArrearEngine computes usage-in-arrear overage charges.
type ArrearEngine struct {
	Logger billsync.Logger
}

// Compute bills the overage of every in-scope arrear entitlement of products
// for the cycle containing bc.CurrentEpoch.
func (a *ArrearEngine) Compute(bc *BillingContext, products []*billsync.CustomerProduct, opts ArrearOptions) ArrearResult {
	logger := a.Logger
	if logger == nil {
		logger = &billsync.NoopLogger{}
	}
	var res ArrearResult

	for _, cp := range products {
		if cp.Status == billsync.StatusScheduled {
			continue
		}
		if !opts.CreatedBefore.IsZero() && cp.CreatedAt.After(opts.CreatedBefore) {
			logger.Debug("skipping recently attached product",
				billsync.F("customer_product_id", cp.ID), billsync.F("created_at", cp.CreatedAt))
			continue
		}

		for _, ce := range cp.CustomerEntitlements {
			price, ok := cp.Product.PriceForEntitlement(ce.EntitlementID)
			if !ok || price.Config.Type != billsync.BillingUsageInArrear {
				continue
			}
			if opts.Filter != nil && !opts.Filter(cp, ce, price) {
				continue
			}

			start, end, err := billsync.CycleForAnchor(bc.BillingCycleAnchor, price.Config.Interval,
				price.Config.IntervalCount, bc.CurrentEpoch)
			if err != nil {
				logger.Warn("skipping arrear price with invalid interval",
					billsync.F("price_id", price.ID), billsync.F("error", err))
				continue
			}
			if end.IsZero() {
				end = bc.Now
			}

			overage := ce.Overage()
			bc.FeatureQuantities[ce.FeatureID] = bc.FeatureQuantities[ce.FeatureID].Add(overage)
			if !lo.Contains(bc.Products, cp) {
				bc.Products = append(bc.Products, cp)
			}

			res.Resets = append(res.Resets, a.reset(bc, cp, ce, price, logger))

			qty := BillableQuantity(overage, price.Config.BillingUnits)
			amount := PriceAmount(price.Config, qty)
			if !amount.IsPositive() {
				continue
			}
			res.Items = append(res.Items, LineItem{
				Description:           fmt.Sprintf("%s - %s overage (%s units)", cp.Product.Name, ce.FeatureID, qty),
				Amount:                amount,
				OriginalAmount:        amount,
				Quantity:              qty,
				CustomerProductID:     cp.ID,
				CustomerEntitlementID: ce.ID,
				FeatureID:             ce.FeatureID,
				PriceID:               price.ID,
				ProcessorProductID:    price.Config.ProcessorProductID,
				PeriodStart:           start,
				PeriodEnd:             end,
			})
		}
	}
	return res
}

// reset builds the instruction that zeroes the entitlement's usage and moves
// its next reset to the first boundary after both the epoch and now.
func (a *ArrearEngine) reset(bc *BillingContext, cp *billsync.CustomerProduct, ce *billsync.CustomerEntitlement,
	price billsync.Price, logger billsync.Logger) billsync.BalanceReset {
	interval, count := price.Config.Interval, price.Config.IntervalCount
	if ent, ok := cp.Product.EntitlementByID(ce.EntitlementID); ok && ent.Interval != "" {
		interval, count = ent.Interval, ent.IntervalCount
	}

	r := billsync.BalanceReset{
		CustomerEntitlementID: ce.ID,
		CustomerProductID:     cp.ID,
		FeatureID:             ce.FeatureID,
		Usage:                 decimal.Zero,
	}
	at := bc.CurrentEpoch
	if bc.Now.After(at) {
		at = bc.Now
	}
	next, err := billsync.NextBoundary(bc.ResetCycleAnchor, interval, count, at)
	if err != nil {
		logger.Warn("cannot compute next reset", billsync.F("customer_entitlement_id", ce.ID), billsync.F("error", err))
		return r
	}
	r.NextResetAt = next
	return r
}

// BillableQuantity rounds overage up to a whole number of billing units.
func BillableQuantity(overage, billingUnits decimal.Decimal) decimal.Decimal {
	if !overage.IsPositive() {
		return decimal.Zero
	}
	units := unitsOrOne(billingUnits)
	return overage.Div(units).Ceil().Mul(units)
}

// PriceAmount prices quantity under cfg. Amounts are per package of
// BillingUnits; tiers are graduated, each tier pricing the quantity between
// the previous tier's bound and its own.
func PriceAmount(cfg billsync.PriceConfig, quantity decimal.Decimal) decimal.Decimal {
	if !quantity.IsPositive() {
		return decimal.Zero
	}
	units := unitsOrOne(cfg.BillingUnits)
	if len(cfg.Tiers) == 0 {
		return quantity.Div(units).Mul(cfg.Amount).Round(2)
	}

	total := decimal.Zero
	prev := decimal.Zero
	for _, tier := range cfg.Tiers {
		if !quantity.GreaterThan(prev) {
			break
		}
		upper := quantity
		if tier.UpTo != nil && tier.UpTo.LessThan(quantity) {
			upper = *tier.UpTo
		}
		if in := upper.Sub(prev); in.IsPositive() {
			total = total.Add(in.Div(units).Mul(tier.Amount))
		}
		if tier.UpTo == nil {
			break
		}
		prev = *tier.UpTo
	}
	return total.Round(2)
}

func unitsOrOne(units decimal.Decimal) decimal.Decimal {
	if !units.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return units
}

// closesAt restricts a run to prices whose cycle containing epoch ends at
// periodEnd, so subscriptions mixing intervals only bill what renews now.
func closesAt(anchor, epoch, periodEnd time.Time) EntitlementFilter {
	return func(cp *billsync.CustomerProduct, ce *billsync.CustomerEntitlement, price billsync.Price) bool {
		_, end, err := billsync.CycleForAnchor(anchor, price.Config.Interval, price.Config.IntervalCount, epoch)
		if err != nil || end.IsZero() {
			return false
		}
		return end.Truncate(time.Second).Equal(periodEnd.Truncate(time.Second))
	}
}
