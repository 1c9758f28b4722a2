package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// EpochOffset is how far before a period end the billing epoch is placed, so
// the cycle lookup resolves to the cycle that is closing rather than the one
// starting at the boundary.
const EpochOffset = 30 * time.Minute

// BillingContext is the point-in-time input of arrear computation.
type BillingContext struct {
	Customer *billsync.Customer

	// Products and FeatureQuantities are filled per entitlement by the
	// arrear engine.
	Products          []*billsync.CustomerProduct
	FeatureQuantities map[string]decimal.Decimal

	CurrentEpoch       time.Time
	Now                time.Time
	BillingCycleAnchor time.Time
	ResetCycleAnchor   time.Time

	ProcessorCustomerID string
	SubscriptionID      string
	PaymentMethod       *billing.PaymentMethod
}

// NewBillingContext derives a BillingContext from ec. With a period end the
// epoch sits EpochOffset before it; without one the epoch is ec.Now.
func NewBillingContext(ec *EventContext, periodEnd *time.Time) BillingContext {
	bc := BillingContext{
		Customer:          ec.Customer(),
		Products:          []*billsync.CustomerProduct{},
		FeatureQuantities: map[string]decimal.Decimal{},
		CurrentEpoch:      ec.Now,
		Now:               ec.Now,
		PaymentMethod:     ec.PaymentMethod,
	}
	if periodEnd != nil && !periodEnd.IsZero() {
		bc.CurrentEpoch = periodEnd.Add(-EpochOffset)
	}

	if sub := ec.Subscription; sub != nil {
		bc.SubscriptionID = sub.ID
		bc.ProcessorCustomerID = sub.CustomerID
		anchor := sub.BillingCycleAnchor
		if anchor.IsZero() {
			anchor = sub.CurrentPeriodStart
		}
		if anchor.IsZero() {
			anchor = sub.Created
		}
		bc.BillingCycleAnchor = anchor
		bc.ResetCycleAnchor = anchor
	}
	if bc.ProcessorCustomerID == "" && ec.ProcessorCustomer != nil {
		bc.ProcessorCustomerID = ec.ProcessorCustomer.ID
	}
	return bc
}
