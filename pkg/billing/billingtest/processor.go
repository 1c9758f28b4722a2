// Package billingtest provides an in-memory billing.Processor for tests.
package billingtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/useautumn/autumn-sub003/pkg/billing"
)

// Processor is a scriptable in-memory processor. Maps may be populated
// directly before use; all methods are safe for concurrent use.
type Processor struct {
	mu sync.Mutex

	Subscriptions  map[string]*billing.Subscription
	Customers      map[string]*billing.Customer
	Invoices       map[string]*billing.Invoice
	Coupons        map[string]*billing.Coupon
	PaymentMethods map[string][]billing.PaymentMethod
	ClockTimes     map[string]time.Time

	// PayErr makes PayInvoice fail, leaving the invoice open.
	PayErr error
	// CreateInvoiceErr makes CreateInvoice fail.
	CreateInvoiceErr error
	// ItemErrs are returned by successive CreateInvoiceItem calls; a nil
	// entry lets that call succeed.
	ItemErrs []error

	Items            []billing.InvoiceItem
	Canceled         []string
	Released         []string
	Voided           []string
	MetadataUpdates  map[string]map[string]string
	CouponLookups    []string
	SubscriptionGets int

	seq      int
	itemKeys map[string]bool
}

// New creates an empty fake processor.
func New() *Processor {
	return &Processor{
		Subscriptions:   make(map[string]*billing.Subscription),
		Customers:       make(map[string]*billing.Customer),
		Invoices:        make(map[string]*billing.Invoice),
		Coupons:         make(map[string]*billing.Coupon),
		PaymentMethods:  make(map[string][]billing.PaymentMethod),
		ClockTimes:      make(map[string]time.Time),
		MetadataUpdates: make(map[string]map[string]string),
		itemKeys:        make(map[string]bool),
	}
}

var _ billing.Processor = (*Processor)(nil)

func (p *Processor) Name() string { return "fake" }

func (p *Processor) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SubscriptionGets++
	sub, ok := p.Subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, billing.ErrResourceMissing)
	}
	out := *sub
	return &out, nil
}

func (p *Processor) GetCustomer(ctx context.Context, id string) (*billing.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.Customers[id]
	if !ok {
		return &billing.Customer{ID: id}, nil
	}
	out := *c
	return &out, nil
}

func (p *Processor) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.Invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, billing.ErrResourceMissing)
	}
	out := *inv
	return &out, nil
}

func (p *Processor) ListPaymentMethods(ctx context.Context, customerID string) ([]billing.PaymentMethod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]billing.PaymentMethod(nil), p.PaymentMethods[customerID]...), nil
}

func (p *Processor) GetTestClockTime(ctx context.Context, clockID string) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.ClockTimes[clockID]
	if !ok {
		return time.Time{}, fmt.Errorf("test clock %s: %w", clockID, billing.ErrResourceMissing)
	}
	return t, nil
}

func (p *Processor) GetCoupon(ctx context.Context, id string) (*billing.Coupon, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CouponLookups = append(p.CouponLookups, id)
	c, ok := p.Coupons[id]
	if !ok {
		return nil, fmt.Errorf("coupon %s: %w", id, billing.ErrResourceMissing)
	}
	out := *c
	out.AppliesToLoaded = true
	return &out, nil
}

func (p *Processor) CreateInvoice(ctx context.Context, params billing.InvoiceParams) (*billing.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateInvoiceErr != nil {
		return nil, p.CreateInvoiceErr
	}
	p.seq++
	inv := &billing.Invoice{
		ID:             fmt.Sprintf("in_fake_%d", p.seq),
		CustomerID:     params.CustomerID,
		SubscriptionID: params.SubscriptionID,
		Status:         billing.InvoiceDraft,
		Currency:       params.Currency,
		BillingReason:  "manual",
		Metadata:       params.Metadata,
	}
	p.Invoices[inv.ID] = inv
	out := *inv
	return &out, nil
}

func (p *Processor) CreateInvoiceItem(ctx context.Context, item billing.InvoiceItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ItemErrs) > 0 {
		err := p.ItemErrs[0]
		p.ItemErrs = p.ItemErrs[1:]
		if err != nil {
			return err
		}
	}
	if item.IdempotencyKey != "" {
		if p.itemKeys[item.IdempotencyKey] {
			return nil
		}
		p.itemKeys[item.IdempotencyKey] = true
	}
	p.Items = append(p.Items, item)
	if inv, ok := p.Invoices[item.InvoiceID]; ok {
		inv.Total += item.Amount
		inv.AmountDue += item.Amount
	}
	return nil
}

func (p *Processor) FinalizeInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.Invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, billing.ErrResourceMissing)
	}
	inv.Status = billing.InvoiceOpen
	if inv.Total == 0 {
		inv.Status = billing.InvoicePaid
		inv.Paid = true
	}
	out := *inv
	return &out, nil
}

func (p *Processor) PayInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.Invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, billing.ErrResourceMissing)
	}
	if p.PayErr != nil {
		return nil, p.PayErr
	}
	inv.Status = billing.InvoicePaid
	inv.Paid = true
	inv.AmountPaid = inv.Total
	out := *inv
	return &out, nil
}

func (p *Processor) VoidInvoice(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inv, ok := p.Invoices[id]; ok {
		inv.Status = billing.InvoiceVoid
	}
	p.Voided = append(p.Voided, id)
	return nil
}

func (p *Processor) ListOpenInvoices(ctx context.Context, subscriptionID string) ([]billing.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []billing.Invoice
	for _, inv := range p.Invoices {
		if inv.SubscriptionID == subscriptionID && inv.Status == billing.InvoiceOpen {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (p *Processor) CancelSubscription(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Canceled = append(p.Canceled, id)
	if sub, ok := p.Subscriptions[id]; ok {
		sub.Status = billing.SubscriptionCanceled
	}
	return nil
}

func (p *Processor) ReleaseSchedule(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Released = append(p.Released, id)
	return nil
}

func (p *Processor) UpdateSubscriptionMetadata(ctx context.Context, id string, metadata map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.MetadataUpdates[id] = metadata
	return nil
}

// ItemsFor returns the invoice items added to an invoice.
func (p *Processor) ItemsFor(invoiceID string) []billing.InvoiceItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []billing.InvoiceItem
	for _, item := range p.Items {
		if item.InvoiceID == invoiceID {
			out = append(out, item)
		}
	}
	return out
}
