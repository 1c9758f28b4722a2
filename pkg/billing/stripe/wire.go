package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/useautumn/autumn-sub003/pkg/billing"
)

// Stripe objects are decoded from raw JSON rather than from the SDK structs so
// that payloads from older and newer API versions land in the same shape:
// invoice.subscription moved under parent.subscription_details, period ends
// moved onto subscription items, and discount.coupon moved under
// discount.source.

// ref is an expandable field: either an id string or the expanded object.
type ref struct {
	ID  string
	Raw json.RawMessage
}

func (r *ref) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	r.Raw = append(r.Raw[:0], b...)
	return nil
}

// expanded decodes the expanded object into v and reports whether there was one.
func (r ref) expanded(v any) (bool, error) {
	if len(r.Raw) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(r.Raw, v)
}

type wireCoupon struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	PercentOff decimal.NullDecimal `json:"percent_off"`
	AmountOff  int64               `json:"amount_off"`
	Currency   string              `json:"currency"`
	AppliesTo  *struct {
		Products []string `json:"products"`
	} `json:"applies_to"`
}

func (c wireCoupon) coupon() billing.Coupon {
	out := billing.Coupon{
		ID:        c.ID,
		Name:      c.Name,
		AmountOff: c.AmountOff,
		Currency:  c.Currency,
	}
	if c.PercentOff.Valid {
		out.PercentOff = c.PercentOff.Decimal
	}
	if c.AppliesTo != nil {
		out.AppliesTo = c.AppliesTo.Products
		out.AppliesToLoaded = true
	}
	return out
}

type wireDiscount struct {
	ID     string `json:"id"`
	Coupon ref    `json:"coupon"`
	Source *struct {
		Coupon ref `json:"coupon"`
	} `json:"source"`
}

func (d wireDiscount) discount() (billing.Discount, error) {
	coupon := d.Coupon
	if coupon.ID == "" && d.Source != nil {
		coupon = d.Source.Coupon
	}
	out := billing.Discount{ID: d.ID, Coupon: billing.Coupon{ID: coupon.ID}}
	var wc wireCoupon
	ok, err := coupon.expanded(&wc)
	if err != nil {
		return out, fmt.Errorf("decode coupon %s: %w", coupon.ID, err)
	}
	if ok {
		out.Coupon = wc.coupon()
	}
	return out, nil
}

// discounts decodes a list of discount references. Unexpanded entries carry
// only the discount id and are dropped: there is no coupon to apply.
func discounts(refs []ref) ([]billing.Discount, error) {
	var out []billing.Discount
	for _, r := range refs {
		var wd wireDiscount
		ok, err := r.expanded(&wd)
		if err != nil {
			return nil, fmt.Errorf("decode discount %s: %w", r.ID, err)
		}
		if !ok {
			continue
		}
		d, err := wd.discount()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

type wirePhase struct {
	StartDate int64 `json:"start_date"`
	EndDate   int64 `json:"end_date"`
	Items     []struct {
		Price ref `json:"price"`
	} `json:"items"`
}

type wireSchedule struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Phases []wirePhase `json:"phases"`
}

func (s wireSchedule) schedule() *billing.Schedule {
	out := &billing.Schedule{ID: s.ID, Status: s.Status}
	for _, p := range s.Phases {
		phase := billing.Phase{Start: unix(p.StartDate), End: unix(p.EndDate)}
		for _, item := range p.Items {
			phase.PriceIDs = append(phase.PriceIDs, item.Price.ID)
		}
		out.Phases = append(out.Phases, phase)
	}
	return out
}

type wireSubscriptionItem struct {
	ID    string `json:"id"`
	Price struct {
		ID      string `json:"id"`
		Product ref    `json:"product"`
	} `json:"price"`
	Quantity         int64 `json:"quantity"`
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

type wireSubscription struct {
	ID                   string        `json:"id"`
	Customer             ref           `json:"customer"`
	Status               string        `json:"status"`
	CollectionMethod     string        `json:"collection_method"`
	CancelAt             int64         `json:"cancel_at"`
	CancelAtPeriodEnd    bool          `json:"cancel_at_period_end"`
	CanceledAt           int64         `json:"canceled_at"`
	EndedAt              int64         `json:"ended_at"`
	TrialEnd             int64         `json:"trial_end"`
	BillingCycleAnchor   int64         `json:"billing_cycle_anchor"`
	CurrentPeriodStart   int64         `json:"current_period_start"`
	CurrentPeriodEnd     int64         `json:"current_period_end"`
	Schedule             ref           `json:"schedule"`
	Discounts            []ref         `json:"discounts"`
	Discount             *wireDiscount `json:"discount"`
	DefaultPaymentMethod ref           `json:"default_payment_method"`
	TestClock            ref           `json:"test_clock"`
	Items                struct {
		Data []wireSubscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
	Created  int64             `json:"created"`
	Livemode bool              `json:"livemode"`
}

func decodeSubscription(raw []byte) (*billing.Subscription, error) {
	var ws wireSubscription
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}
	sub := &billing.Subscription{
		ID:                 ws.ID,
		CustomerID:         ws.Customer.ID,
		Status:             ws.Status,
		CollectionMethod:   ws.CollectionMethod,
		CancelAt:           unixPtr(ws.CancelAt),
		CancelAtPeriodEnd:  ws.CancelAtPeriodEnd,
		CanceledAt:         unixPtr(ws.CanceledAt),
		EndedAt:            unixPtr(ws.EndedAt),
		TrialEnd:           unixPtr(ws.TrialEnd),
		BillingCycleAnchor: unix(ws.BillingCycleAnchor),
		CurrentPeriodStart: unix(ws.CurrentPeriodStart),
		PeriodEnd:          unix(ws.CurrentPeriodEnd),
		ScheduleID:         ws.Schedule.ID,
		PaymentMethodID:    ws.DefaultPaymentMethod.ID,
		TestClockID:        ws.TestClock.ID,
		Metadata:           ws.Metadata,
		Created:            unix(ws.Created),
		Livemode:           ws.Livemode,
	}

	var sched wireSchedule
	ok, err := ws.Schedule.expanded(&sched)
	if err != nil {
		return nil, fmt.Errorf("decode schedule %s: %w", ws.Schedule.ID, err)
	}
	if ok {
		sub.Schedule = sched.schedule()
	}

	var clock wireTestClock
	if ok, err := ws.TestClock.expanded(&clock); err == nil && ok && clock.FrozenTime > 0 {
		sub.TestClockTime = unixPtr(clock.FrozenTime)
	}

	if sub.Discounts, err = discounts(ws.Discounts); err != nil {
		return nil, err
	}
	if len(sub.Discounts) == 0 && ws.Discount != nil {
		d, err := ws.Discount.discount()
		if err != nil {
			return nil, err
		}
		sub.Discounts = append(sub.Discounts, d)
	}

	for _, item := range ws.Items.Data {
		sub.Items = append(sub.Items, billing.SubscriptionItem{
			ID:               item.ID,
			PriceID:          item.Price.ID,
			ProductID:        item.Price.Product.ID,
			Quantity:         item.Quantity,
			CurrentPeriodEnd: unix(item.CurrentPeriodEnd),
		})
	}
	return sub, nil
}

type wireInvoice struct {
	ID           string `json:"id"`
	Customer     ref    `json:"customer"`
	Subscription ref    `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription ref `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Status               string `json:"status"`
	BillingReason        string `json:"billing_reason"`
	Paid                 bool   `json:"paid"`
	Total                int64  `json:"total"`
	AmountPaid           int64  `json:"amount_paid"`
	AmountDue            int64  `json:"amount_due"`
	Currency             string `json:"currency"`
	HostedInvoiceURL     string `json:"hosted_invoice_url"`
	PeriodStart          int64  `json:"period_start"`
	PeriodEnd            int64  `json:"period_end"`
	Discounts            []ref  `json:"discounts"`
	TotalDiscountAmounts []struct {
		Amount   int64 `json:"amount"`
		Discount ref   `json:"discount"`
	} `json:"total_discount_amounts"`
	Metadata map[string]string `json:"metadata"`
	Created  int64             `json:"created"`
	Livemode bool              `json:"livemode"`
}

func decodeInvoice(raw []byte) (*billing.Invoice, error) {
	var wi wireInvoice
	if err := json.Unmarshal(raw, &wi); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}
	inv := &billing.Invoice{
		ID:               wi.ID,
		CustomerID:       wi.Customer.ID,
		SubscriptionID:   wi.Subscription.ID,
		Status:           wi.Status,
		BillingReason:    wi.BillingReason,
		Paid:             wi.Paid,
		Total:            wi.Total,
		AmountPaid:       wi.AmountPaid,
		AmountDue:        wi.AmountDue,
		Currency:         wi.Currency,
		HostedInvoiceURL: wi.HostedInvoiceURL,
		PeriodStart:      unix(wi.PeriodStart),
		PeriodEnd:        unix(wi.PeriodEnd),
		Metadata:         wi.Metadata,
		Created:          unix(wi.Created),
		Livemode:         wi.Livemode,
	}
	if inv.SubscriptionID == "" && wi.Parent != nil && wi.Parent.SubscriptionDetails != nil {
		inv.SubscriptionID = wi.Parent.SubscriptionDetails.Subscription.ID
	}
	var err error
	if inv.Discounts, err = discounts(wi.Discounts); err != nil {
		return nil, err
	}
	for _, tda := range wi.TotalDiscountAmounts {
		inv.TotalDiscountAmounts = append(inv.TotalDiscountAmounts, billing.DiscountAmount{
			DiscountID: tda.Discount.ID,
			Amount:     tda.Amount,
		})
	}
	return inv, nil
}

type wireCustomer struct {
	ID              string        `json:"id"`
	Email           string        `json:"email"`
	Discount        *wireDiscount `json:"discount"`
	InvoiceSettings struct {
		DefaultPaymentMethod ref `json:"default_payment_method"`
	} `json:"invoice_settings"`
	TestClock ref               `json:"test_clock"`
	Metadata  map[string]string `json:"metadata"`
}

func decodeCustomer(raw []byte) (*billing.Customer, error) {
	var wc wireCustomer
	if err := json.Unmarshal(raw, &wc); err != nil {
		return nil, fmt.Errorf("decode customer: %w", err)
	}
	c := &billing.Customer{
		ID:              wc.ID,
		Email:           wc.Email,
		PaymentMethodID: wc.InvoiceSettings.DefaultPaymentMethod.ID,
		TestClockID:     wc.TestClock.ID,
		Metadata:        wc.Metadata,
	}
	if wc.Discount != nil {
		d, err := wc.Discount.discount()
		if err != nil {
			return nil, err
		}
		c.Discount = &d
	}
	return c, nil
}

func decodeCoupon(raw []byte) (*billing.Coupon, error) {
	var wc wireCoupon
	if err := json.Unmarshal(raw, &wc); err != nil {
		return nil, fmt.Errorf("decode coupon: %w", err)
	}
	c := wc.coupon()
	// applies_to is only present when expanded; a retrieved coupon always
	// asks for it, so its absence means unrestricted.
	c.AppliesToLoaded = true
	return &c, nil
}

type wireCheckoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     ref               `json:"customer"`
	Subscription ref               `json:"subscription"`
	Invoice      ref               `json:"invoice"`
	Metadata     map[string]string `json:"metadata"`
}

func decodeCheckoutSession(raw []byte) (*billing.CheckoutSession, error) {
	var ws wireCheckoutSession
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return &billing.CheckoutSession{
		ID:             ws.ID,
		Mode:           ws.Mode,
		CustomerID:     ws.Customer.ID,
		SubscriptionID: ws.Subscription.ID,
		InvoiceID:      ws.Invoice.ID,
		Metadata:       ws.Metadata,
	}, nil
}

type wireTestClock struct {
	ID         string `json:"id"`
	FrozenTime int64  `json:"frozen_time"`
}

func unix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func unixPtr(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}
