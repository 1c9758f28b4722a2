// Package billsync holds the domain model shared by the reconciliation engine,
// the processor adapters and the storage backends: customer products, their
// entitlement ledgers, invoices, and the guards used while handling webhooks.
package billsync

import (
	"time"

	"github.com/shopspring/decimal"
)

// Env identifies a merchant environment.
type Env string

const (
	EnvLive    Env = "live"
	EnvSandbox Env = "sandbox"
)

// ParseEnv accepts the environment names used in webhook routes.
func ParseEnv(s string) (Env, bool) {
	switch s {
	case string(EnvLive):
		return EnvLive, true
	case string(EnvSandbox), "test":
		return EnvSandbox, true
	}
	return "", false
}

// Scope identifies the merchant and environment a webhook belongs to.
type Scope struct {
	OrgID string
	Env   Env
}

// OrgConfig holds per-merchant reconciliation switches.
type OrgConfig struct {
	// ScheduleDefaultOnCancel schedules the group default product to take
	// over at period end when a main product is canceled externally.
	ScheduleDefaultOnCancel bool `json:"schedule_default_on_cancel"`
}

// Org is a merchant account.
type Org struct {
	ID     string
	Slug   string
	Config OrgConfig
}

// Status is the lifecycle status of a CustomerProduct.
type Status string

const (
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusScheduled Status = "scheduled"
	StatusExpired   Status = "expired"
	StatusUnknown   Status = "unknown"
)

// KnownStatuses is the closed set of statuses the engine knows how to handle.
var KnownStatuses = []Status{StatusActive, StatusPastDue, StatusScheduled, StatusExpired}

// RelevantStatuses are the statuses of products that can still be affected by
// processor events.
var RelevantStatuses = []Status{StatusActive, StatusPastDue, StatusScheduled}

// Known reports whether s belongs to KnownStatuses.
func (s Status) Known() bool {
	for _, k := range KnownStatuses {
		if s == k {
			return true
		}
	}
	return false
}

// BillingType describes how a price is charged.
type BillingType string

const (
	BillingFixed          BillingType = "fixed"
	BillingUsageInArrear  BillingType = "usage_in_arrear"
	BillingUsageInAdvance BillingType = "usage_in_advance"
	BillingOneOff         BillingType = "one_off"
)

// Interval is a billing or reset interval.
type Interval string

const (
	IntervalDay        Interval = "day"
	IntervalWeek       Interval = "week"
	IntervalMonth      Interval = "month"
	IntervalQuarter    Interval = "quarter"
	IntervalSemiAnnual Interval = "semi_annual"
	IntervalYear       Interval = "year"
	IntervalLifetime   Interval = "lifetime"
)

// Tier is one graduated pricing tier. A nil UpTo marks the last, unbounded tier.
type Tier struct {
	UpTo   *decimal.Decimal `json:"up_to,omitempty"`
	Amount decimal.Decimal  `json:"amount"`
}

// PriceConfig carries the pricing rules of a Price.
type PriceConfig struct {
	Type          BillingType     `json:"type"`
	Interval      Interval        `json:"interval"`
	IntervalCount int             `json:"interval_count,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Tiers         []Tier          `json:"tiers,omitempty"`
	BillingUnits  decimal.Decimal `json:"billing_units"`
	FeatureID     string          `json:"feature_id,omitempty"`
	EntitlementID string          `json:"entitlement_id,omitempty"`

	// ProcessorProductID is the processor-side product this price lives under.
	// Discounts scoped with applies_to are matched against it.
	ProcessorProductID string `json:"processor_product_id,omitempty"`
	ProcessorPriceID   string `json:"processor_price_id,omitempty"`
}

// Price is a catalog price.
type Price struct {
	ID     string      `json:"id"`
	Config PriceConfig `json:"config"`
}

// IsFree reports whether the price never produces a charge.
func (p Price) IsFree() bool {
	if !p.Config.Amount.IsZero() {
		return false
	}
	for _, t := range p.Config.Tiers {
		if !t.Amount.IsZero() {
			return false
		}
	}
	return true
}

// Entitlement grants an allowance of one feature.
type Entitlement struct {
	ID            string          `json:"id"`
	FeatureID     string          `json:"feature_id"`
	Allowance     decimal.Decimal `json:"allowance"`
	Interval      Interval        `json:"interval"`
	IntervalCount int             `json:"interval_count,omitempty"`
}

// Product is a catalog product snapshot.
type Product struct {
	ID           string        `json:"id"`
	InternalID   string        `json:"internal_id"`
	Name         string        `json:"name"`
	Group        string        `json:"group"`
	IsAddOn      bool          `json:"is_add_on"`
	IsDefault    bool          `json:"is_default"`
	Prices       []Price       `json:"prices,omitempty"`
	Entitlements []Entitlement `json:"entitlements,omitempty"`
}

// IsFree reports whether none of the product's prices charge anything.
func (p Product) IsFree() bool {
	for _, price := range p.Prices {
		if !price.IsFree() {
			return false
		}
	}
	return true
}

// PriceForEntitlement returns the usage price bound to the given entitlement.
func (p Product) PriceForEntitlement(entitlementID string) (Price, bool) {
	for _, price := range p.Prices {
		if price.Config.EntitlementID == entitlementID {
			return price, true
		}
	}
	return Price{}, false
}

// EntitlementByID returns the catalog entitlement with the given id.
func (p Product) EntitlementByID(id string) (Entitlement, bool) {
	for _, ent := range p.Entitlements {
		if ent.ID == id {
			return ent, true
		}
	}
	return Entitlement{}, false
}

// Entity is a named sub-resource of a customer, such as a seat or workspace.
type Entity struct {
	InternalID string
	ID         string
	Name       string
}

// CustomerEntitlement is the usage ledger of one feature inside one CustomerProduct.
type CustomerEntitlement struct {
	ID                string
	CustomerProductID string
	EntitlementID     string
	FeatureID         string
	Granted           decimal.Decimal
	Purchased         decimal.Decimal
	Usage             decimal.Decimal

	// EntityUsage holds per-entity usage for entitlements tracked per entity.
	// When non-empty, Granted applies to each entity separately.
	EntityUsage map[string]decimal.Decimal
	NextResetAt *time.Time
}

// Overage returns the usage exceeding the allowance, never negative.
func (ce *CustomerEntitlement) Overage() decimal.Decimal {
	if len(ce.EntityUsage) == 0 {
		return decimal.Max(decimal.Zero, ce.Usage.Sub(ce.Granted.Add(ce.Purchased)))
	}
	total := decimal.Zero
	for _, used := range ce.EntityUsage {
		total = total.Add(decimal.Max(decimal.Zero, used.Sub(ce.Granted)))
	}
	return decimal.Max(decimal.Zero, total.Sub(ce.Purchased))
}

func (ce *CustomerEntitlement) clone() *CustomerEntitlement {
	out := *ce
	if ce.EntityUsage != nil {
		out.EntityUsage = make(map[string]decimal.Decimal, len(ce.EntityUsage))
		for k, v := range ce.EntityUsage {
			out.EntityUsage[k] = v
		}
	}
	if ce.NextResetAt != nil {
		t := *ce.NextResetAt
		out.NextResetAt = &t
	}
	return &out
}

// CustomerProduct is one attachment of a catalog product to a customer,
// optionally scoped to an entity.
type CustomerProduct struct {
	ID                 string
	InternalCustomerID string
	CustomerID         string
	InternalEntityID   string
	EntityID           string
	Product            Product
	Status             Status

	SubscriptionIDs []string
	ScheduledIDs    []string

	Canceled    bool
	CanceledAt  *time.Time
	EndedAt     *time.Time
	StartsAt    time.Time
	TrialEndsAt *time.Time

	CollectionMethod string
	Quantity         int64
	CreatedAt        time.Time

	CustomerEntitlements []*CustomerEntitlement
}

// IsMain reports whether the product is a main (non add-on) product.
func (cp *CustomerProduct) IsMain() bool { return !cp.Product.IsAddOn }

// SameSlot reports whether both products compete for the same group slot:
// same customer, same entity and same product group.
func (cp *CustomerProduct) SameSlot(other *CustomerProduct) bool {
	return cp.InternalCustomerID == other.InternalCustomerID &&
		cp.InternalEntityID == other.InternalEntityID &&
		cp.Product.Group == other.Product.Group
}

// HasSubscription reports whether the product is billed through subID.
func (cp *CustomerProduct) HasSubscription(subID string) bool {
	return subID != "" && contains(cp.SubscriptionIDs, subID)
}

// HasSchedule reports whether the product is attached to scheduleID.
func (cp *CustomerProduct) HasSchedule(scheduleID string) bool {
	return scheduleID != "" && contains(cp.ScheduledIDs, scheduleID)
}

// IsTrialing reports whether the trial overlay is in effect at now.
func (cp *CustomerProduct) IsTrialing(now time.Time) bool {
	return cp.TrialEndsAt != nil && now.Before(*cp.TrialEndsAt)
}

// Clone returns a deep copy.
func (cp *CustomerProduct) Clone() *CustomerProduct {
	out := *cp
	out.SubscriptionIDs = append([]string(nil), cp.SubscriptionIDs...)
	out.ScheduledIDs = append([]string(nil), cp.ScheduledIDs...)
	out.CanceledAt = cloneTime(cp.CanceledAt)
	out.EndedAt = cloneTime(cp.EndedAt)
	out.TrialEndsAt = cloneTime(cp.TrialEndsAt)
	out.CustomerEntitlements = make([]*CustomerEntitlement, len(cp.CustomerEntitlements))
	for i, ce := range cp.CustomerEntitlements {
		out.CustomerEntitlements[i] = ce.clone()
	}
	return &out
}

// Customer is the aggregate loaded for one webhook pass.
type Customer struct {
	InternalID  string
	ID          string
	OrgID       string
	Env         Env
	ProcessorID string
	Entities    []Entity

	CustomerProducts []*CustomerProduct
}

// InvoiceDiscount is a discount recorded on a local invoice.
type InvoiceDiscount struct {
	CouponID  string          `json:"coupon_id"`
	Name      string          `json:"name,omitempty"`
	AmountOff decimal.Decimal `json:"amount_off"`
}

// Invoice is the merchant's local record of a processor invoice.
type Invoice struct {
	ID                 string
	ExternalID         string
	OrgID              string
	Env                Env
	InternalCustomerID string
	InternalEntityID   string
	ProductIDs         []string
	CustomerProductIDs []string
	Status             string
	Total              decimal.Decimal
	Currency           string
	HostedURL          string
	Discounts          []InvoiceDiscount
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BalanceReset is an instruction to reset one CustomerEntitlement after its
// arrear charge has been collected.
type BalanceReset struct {
	CustomerEntitlementID string          `json:"customer_entitlement_id"`
	CustomerProductID     string          `json:"customer_product_id"`
	FeatureID             string          `json:"feature_id"`
	Usage                 decimal.Decimal `json:"usage"`
	NextResetAt           *time.Time      `json:"next_reset_at,omitempty"`
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
