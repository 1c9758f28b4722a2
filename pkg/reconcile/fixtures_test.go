package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billing/billingtest"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
	"github.com/useautumn/autumn-sub003/storage/memory"
)

var (
	testScope = billsync.Scope{OrgID: "org_1", Env: billsync.EnvSandbox}
	anchor    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	march1    = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	april1    = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func proProduct() billsync.Product {
	return billsync.Product{
		ID:    "pro",
		Name:  "Pro",
		Group: "main",
		Prices: []billsync.Price{
			{ID: "price_pro_base", Config: billsync.PriceConfig{
				Type: billsync.BillingFixed, Interval: billsync.IntervalMonth, Amount: dec("20"),
				ProcessorProductID: "prod_pro",
			}},
			{ID: "price_pro_calls", Config: billsync.PriceConfig{
				Type: billsync.BillingUsageInArrear, Interval: billsync.IntervalMonth, Amount: dec("0.10"),
				BillingUnits: dec("1"), FeatureID: "api_calls", EntitlementID: "ent_pro_calls",
				ProcessorProductID: "prod_pro_usage",
			}},
		},
		Entitlements: []billsync.Entitlement{
			{ID: "ent_pro_calls", FeatureID: "api_calls", Allowance: dec("100"), Interval: billsync.IntervalMonth},
		},
	}
}

func premiumProduct() billsync.Product {
	return billsync.Product{
		ID:    "premium",
		Name:  "Premium",
		Group: "main",
		Prices: []billsync.Price{
			{ID: "price_premium", Config: billsync.PriceConfig{
				Type: billsync.BillingFixed, Interval: billsync.IntervalMonth, Amount: dec("50"),
				ProcessorProductID: "prod_premium",
			}},
		},
	}
}

func freeProduct() billsync.Product {
	return billsync.Product{
		ID:        "free",
		Name:      "Free",
		Group:     "main",
		IsDefault: true,
		Entitlements: []billsync.Entitlement{
			{ID: "ent_free_calls", FeatureID: "api_calls", Allowance: dec("10"), Interval: billsync.IntervalMonth},
		},
	}
}

func seatsAddOn() billsync.Product {
	return billsync.Product{
		ID:      "seats",
		Name:    "Extra seats",
		Group:   "main",
		IsAddOn: true,
		Prices: []billsync.Price{
			{ID: "price_seats", Config: billsync.PriceConfig{
				Type: billsync.BillingFixed, Interval: billsync.IntervalMonth, Amount: dec("5"),
			}},
		},
	}
}

// attach builds a customer product of the test customer.
func attach(id string, product billsync.Product, status billsync.Status, subIDs ...string) *billsync.CustomerProduct {
	cp := &billsync.CustomerProduct{
		ID:                 id,
		InternalCustomerID: "icus_1",
		CustomerID:         "cus_1",
		Product:            product,
		Status:             status,
		SubscriptionIDs:    subIDs,
		StartsAt:           anchor,
		CreatedAt:          anchor,
	}
	for _, ent := range product.Entitlements {
		cp.CustomerEntitlements = append(cp.CustomerEntitlements, &billsync.CustomerEntitlement{
			ID:                "ce_" + id + "_" + ent.FeatureID,
			CustomerProductID: id,
			EntitlementID:     ent.ID,
			FeatureID:         ent.FeatureID,
			Granted:           ent.Allowance,
		})
	}
	return cp
}

func withUsage(cp *billsync.CustomerProduct, usage string) *billsync.CustomerProduct {
	cp.CustomerEntitlements[0].Usage = dec(usage)
	return cp
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][]interface{}
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = make(map[string][]interface{})
	}
	p.messages[topic] = append(p.messages[topic], payload)
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[topic])
}

type recordingReporter struct {
	errs []error
}

func (r *recordingReporter) Report(ctx context.Context, err error, fields ...billsync.Field) {
	r.errs = append(r.errs, err)
}

type fixture struct {
	t         *testing.T
	now       time.Time
	org       billsync.Org
	store     *memory.Store
	locker    *memory.Locker
	handoff   *memory.HandoffCache
	proc      *billingtest.Processor
	publisher *recordingPublisher
	reporter  *recordingReporter
	engine    *Engine
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		now:       now,
		org:       billsync.Org{ID: testScope.OrgID, Slug: "acme"},
		store:     memory.New(),
		locker:    memory.NewLocker(),
		handoff:   memory.NewHandoffCache(),
		proc:      billingtest.New(),
		publisher: &recordingPublisher{},
		reporter:  &recordingReporter{},
	}
	f.store.SetDefaultProducts(testScope, freeProduct())

	engine, err := New(Config{
		Store:     f.store,
		Locker:    f.locker,
		Handoff:   f.handoff,
		Publisher: f.publisher,
		Reporter:  f.reporter,
		Clock:     billsync.FixedClock{T: now},
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *fixture) customer(products ...*billsync.CustomerProduct) {
	f.store.PutCustomer(&billsync.Customer{
		InternalID:       "icus_1",
		ID:               "cus_1",
		OrgID:            testScope.OrgID,
		Env:              testScope.Env,
		ProcessorID:      "cus_stripe_1",
		CustomerProducts: products,
	})
}

func (f *fixture) subscription(id string) *billing.Subscription {
	sub := &billing.Subscription{
		ID:                 id,
		CustomerID:         "cus_stripe_1",
		Status:             billing.SubscriptionActive,
		CollectionMethod:   "charge_automatically",
		BillingCycleAnchor: anchor,
		CurrentPeriodStart: march1,
		PeriodEnd:          april1,
		Created:            anchor,
	}
	f.proc.Subscriptions[id] = sub
	return sub
}

func (f *fixture) request() *Request {
	return &Request{Org: f.org, Env: testScope.Env, Processor: f.proc}
}

func (f *fixture) handle(ev *billing.Event) Outcome {
	f.t.Helper()
	out, err := f.engine.HandleEvent(context.Background(), f.request(), ev)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) product(id string) *billsync.CustomerProduct {
	f.t.Helper()
	cp, ok := f.store.GetCustomerProduct(id)
	require.True(f.t, ok, "customer product %s not stored", id)
	return cp
}

func (f *fixture) products() []*billsync.CustomerProduct {
	f.t.Helper()
	c, err := f.store.GetFullCustomer(context.Background(), "icus_1")
	require.NoError(f.t, err)
	return c.CustomerProducts
}

func (f *fixture) withStatus(productID string, status billsync.Status) []*billsync.CustomerProduct {
	var out []*billsync.CustomerProduct
	for _, cp := range f.products() {
		if cp.Product.ID == productID && cp.Status == status {
			out = append(out, cp)
		}
	}
	return out
}

// activeMains counts live main products per slot.
func activeMainsBySlot(products []*billsync.CustomerProduct) map[string]int {
	out := make(map[string]int)
	for _, cp := range products {
		if cp.IsMain() && (cp.Status == billsync.StatusActive || cp.Status == billsync.StatusPastDue) {
			out[cp.InternalCustomerID+"/"+cp.InternalEntityID+"/"+cp.Product.Group]++
		}
	}
	return out
}

// machineFor builds a Machine over the stored customer, with the products
// linked to subID as the working list.
func (f *fixture) machineFor(subID string) *Machine {
	f.t.Helper()
	ctx := context.Background()
	b := &Builder{Store: f.store, Processor: f.proc, Clock: billsync.FixedClock{T: f.now}}
	ec, err := b.Build(ctx, testScope, BuildOptions{SubscriptionID: subID})
	require.NoError(f.t, err)
	require.NotNil(f.t, ec)
	return &Machine{
		Ctx:        ec,
		Store:      f.store,
		Processor:  f.proc,
		Org:        f.org,
		Mutation:   f.engine.MutationLock(),
		Handoff:    f.handoff,
		HandoffTTL: time.Hour,
		Logger:     &billsync.NoopLogger{},
		Metrics:    &billsync.NoopMetrics{},
		Reporter:   f.reporter,
	}
}

// meteredProduct is proProduct with a second in-arrear meter.
func meteredProduct() billsync.Product {
	p := proProduct()
	p.Prices = append(p.Prices, billsync.Price{ID: "price_pro_storage", Config: billsync.PriceConfig{
		Type: billsync.BillingUsageInArrear, Interval: billsync.IntervalMonth, Amount: dec("1"),
		BillingUnits: dec("1"), FeatureID: "storage", EntitlementID: "ent_pro_storage",
		ProcessorProductID: "prod_pro_usage",
	}})
	p.Entitlements = append(p.Entitlements, billsync.Entitlement{
		ID: "ent_pro_storage", FeatureID: "storage", Allowance: dec("10"), Interval: billsync.IntervalMonth,
	})
	return p
}

// flakyResetStore fails the next failures SavePendingResets calls.
type flakyResetStore struct {
	*memory.Store
	failures int
}

func (s *flakyResetStore) SavePendingResets(ctx context.Context, invoiceID string, resets []billsync.BalanceReset) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("db down")
	}
	return s.Store.SavePendingResets(ctx, invoiceID, resets)
}
