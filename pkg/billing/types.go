package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Processor-side statuses this module interprets.
const (
	SubscriptionActive            = "active"
	SubscriptionTrialing          = "trialing"
	SubscriptionPastDue           = "past_due"
	SubscriptionUnpaid            = "unpaid"
	SubscriptionCanceled          = "canceled"
	SubscriptionIncomplete        = "incomplete"
	SubscriptionIncompleteExpired = "incomplete_expired"

	InvoiceDraft         = "draft"
	InvoiceOpen          = "open"
	InvoicePaid          = "paid"
	InvoiceVoid          = "void"
	InvoiceUncollectible = "uncollectible"
)

// Event types consumed by the reconciliation engine.
const (
	EventInvoiceCreated          = "invoice.created"
	EventInvoiceFinalized        = "invoice.finalized"
	EventInvoicePaid             = "invoice.paid"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventCheckoutSessionComplete = "checkout.session.completed"
)

// Coupon is a processor coupon. AmountOff is in minor units of Currency.
type Coupon struct {
	ID         string
	Name       string
	PercentOff decimal.Decimal
	AmountOff  int64
	Currency   string

	// AppliesTo lists processor product ids the coupon is restricted to.
	// Empty with AppliesToLoaded=true means unrestricted.
	AppliesTo       []string
	AppliesToLoaded bool
}

// Restricted reports whether the coupon is scoped to specific products.
func (c Coupon) Restricted() bool { return len(c.AppliesTo) > 0 }

// Discount is a coupon applied to a customer, subscription or invoice.
type Discount struct {
	ID     string
	Coupon Coupon
}

// DiscountAmount is the amount one discount took off an invoice.
type DiscountAmount struct {
	DiscountID string
	Amount     int64
}

// ScheduleStatus values.
const (
	ScheduleActive   = "active"
	ScheduleReleased = "released"
)

// Phase is one time-bounded segment of a subscription schedule.
type Phase struct {
	Start    time.Time
	End      time.Time
	PriceIDs []string
}

// Schedule is a multi-phase subscription schedule.
type Schedule struct {
	ID     string
	Status string
	Phases []Phase
}

// CurrentPhase returns the index of the phase active at now, or -1 when now
// is before the first phase. Past the last phase it returns the last index.
func (s *Schedule) CurrentPhase(now time.Time) int {
	idx := -1
	for i, p := range s.Phases {
		if !now.Before(p.Start) {
			idx = i
		}
	}
	return idx
}

// SubscriptionItem is one price line of a subscription.
type SubscriptionItem struct {
	ID               string
	PriceID          string
	ProductID        string
	Quantity         int64
	CurrentPeriodEnd time.Time
}

// Subscription is a processor subscription snapshot.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CollectionMethod   string
	CancelAt           *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	EndedAt            *time.Time
	TrialEnd           *time.Time
	BillingCycleAnchor time.Time
	CurrentPeriodStart time.Time
	PeriodEnd          time.Time
	Schedule           *Schedule
	ScheduleID         string
	Discounts          []Discount
	PaymentMethodID    string
	TestClockID        string
	TestClockTime      *time.Time
	Items              []SubscriptionItem
	Metadata           map[string]string
	Created            time.Time
	Livemode           bool
}

// CurrentPeriodEnd returns the end of the current period, falling back to
// the latest item period end for API versions that report it per item.
func (s *Subscription) CurrentPeriodEnd() time.Time {
	if !s.PeriodEnd.IsZero() {
		return s.PeriodEnd
	}
	var end time.Time
	for _, item := range s.Items {
		if item.CurrentPeriodEnd.After(end) {
			end = item.CurrentPeriodEnd
		}
	}
	return end
}

// IsCanceling reports whether the subscription is set to end.
func (s *Subscription) IsCanceling() bool {
	return s.CancelAt != nil || s.CancelAtPeriodEnd || s.CanceledAt != nil
}

// Invoice is a processor invoice snapshot. Amounts are in minor units.
type Invoice struct {
	ID                   string
	CustomerID           string
	SubscriptionID       string
	Status               string
	BillingReason        string
	Paid                 bool
	Total                int64
	AmountPaid           int64
	AmountDue            int64
	Currency             string
	HostedInvoiceURL     string
	PeriodStart          time.Time
	PeriodEnd            time.Time
	Discounts            []Discount
	TotalDiscountAmounts []DiscountAmount
	Metadata             map[string]string
	Created              time.Time
	Livemode             bool
}

// IsPaid reports whether the invoice has been collected.
func (i *Invoice) IsPaid() bool {
	return i.Paid || i.Status == InvoicePaid
}

// Customer is a processor customer snapshot.
type Customer struct {
	ID              string
	Email           string
	Discount        *Discount
	PaymentMethodID string
	TestClockID     string
	Metadata        map[string]string
}

// PaymentMethod is a stored payment method.
type PaymentMethod struct {
	ID         string
	Type       string
	CustomerID string
}

// CheckoutSession is a completed checkout.
type CheckoutSession struct {
	ID             string
	Mode           string
	CustomerID     string
	SubscriptionID string
	InvoiceID      string
	Metadata       map[string]string
}

// InvoiceItem is a charge added to an invoice. Amount is in minor units.
type InvoiceItem struct {
	CustomerID   string
	InvoiceID    string
	Description  string
	Amount       int64
	Currency     string
	Discountable bool
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Metadata     map[string]string

	// IdempotencyKey makes repeated creates of the same item a no-op.
	IdempotencyKey string
}

// InvoiceParams creates a standalone invoice.
type InvoiceParams struct {
	CustomerID     string
	SubscriptionID string
	Currency       string
	Description    string
	Metadata       map[string]string
}
