package reconcile

import (
	"testing"
	"time"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

func TestNewBillingContext_EpochBeforePeriodEnd(t *testing.T) {
	ec := &EventContext{
		Now:          time.Date(2024, 4, 1, 0, 2, 0, 0, time.UTC),
		Subscription: &billing.Subscription{ID: "sub_1", CustomerID: "cus_stripe_1", BillingCycleAnchor: anchor},
	}

	bc := NewBillingContext(ec, &april1)

	if want := april1.Add(-EpochOffset); !bc.CurrentEpoch.Equal(want) {
		t.Errorf("CurrentEpoch = %v, want %v", bc.CurrentEpoch, want)
	}
	if bc.SubscriptionID != "sub_1" || bc.ProcessorCustomerID != "cus_stripe_1" {
		t.Errorf("unexpected ids: %q %q", bc.SubscriptionID, bc.ProcessorCustomerID)
	}

	// the epoch must land in the cycle that is closing, not the one starting
	start, end, err := billsync.CycleForAnchor(bc.BillingCycleAnchor, billsync.IntervalMonth, 1, bc.CurrentEpoch)
	if err != nil {
		t.Fatalf("CycleForAnchor: %v", err)
	}
	if !start.Equal(march1) || !end.Equal(april1) {
		t.Errorf("epoch resolved to [%v, %v), want [%v, %v)", start, end, march1, april1)
	}
}

func TestNewBillingContext_NoPeriodEnd(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	ec := &EventContext{Now: now}

	bc := NewBillingContext(ec, nil)
	if !bc.CurrentEpoch.Equal(now) {
		t.Errorf("CurrentEpoch = %v, want now", bc.CurrentEpoch)
	}

	zero := time.Time{}
	bc = NewBillingContext(ec, &zero)
	if !bc.CurrentEpoch.Equal(now) {
		t.Errorf("zero period end: CurrentEpoch = %v, want now", bc.CurrentEpoch)
	}
}

func TestNewBillingContext_AnchorFallback(t *testing.T) {
	created := time.Date(2023, 12, 5, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		sub  *billing.Subscription
		want time.Time
	}{
		{"billing cycle anchor", &billing.Subscription{BillingCycleAnchor: anchor, CurrentPeriodStart: march1, Created: created}, anchor},
		{"current period start", &billing.Subscription{CurrentPeriodStart: march1, Created: created}, march1},
		{"created", &billing.Subscription{Created: created}, created},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := NewBillingContext(&EventContext{Now: march1, Subscription: tt.sub}, nil)
			if !bc.BillingCycleAnchor.Equal(tt.want) || !bc.ResetCycleAnchor.Equal(tt.want) {
				t.Errorf("anchors = %v / %v, want %v", bc.BillingCycleAnchor, bc.ResetCycleAnchor, tt.want)
			}
		})
	}
}

func TestNewBillingContext_ProcessorCustomerFallback(t *testing.T) {
	ec := &EventContext{Now: march1, ProcessorCustomer: &billing.Customer{ID: "cus_stripe_9"}}
	bc := NewBillingContext(ec, nil)
	if bc.ProcessorCustomerID != "cus_stripe_9" {
		t.Errorf("ProcessorCustomerID = %q", bc.ProcessorCustomerID)
	}
}
