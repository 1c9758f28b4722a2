package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

func previous(attrs map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(attrs))
	for k, v := range attrs {
		out[k] = json.RawMessage(v)
	}
	return out
}

func deletedEvent(id string, sub *billing.Subscription) *billing.Event {
	return &billing.Event{ID: id, Type: billing.EventSubscriptionDeleted, Subscription: sub}
}

func updatedEvent(id string, sub *billing.Subscription, prev map[string]string) *billing.Event {
	return &billing.Event{ID: id, Type: billing.EventSubscriptionUpdated, Subscription: sub,
		PreviousAttributes: previous(prev)}
}

// renewalDraft registers the draft renewal invoice of sub_1 closing the
// March cycle.
func (f *fixture) renewalDraft(id string) *billing.Invoice {
	inv := &billing.Invoice{
		ID:             id,
		CustomerID:     "cus_stripe_1",
		SubscriptionID: "sub_1",
		Status:         billing.InvoiceDraft,
		BillingReason:  "subscription_cycle",
		Total:          2000,
		Currency:       "usd",
		PeriodStart:    march1,
		PeriodEnd:      april1,
		Created:        april1,
	}
	stored := *inv
	f.proc.Invoices[id] = &stored
	return inv
}

func TestNew_RequiresStoreAndLocker(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	f := newFixture(t, mid)
	_, err = New(Config{Store: f.store})
	assert.Error(t, err)
}

func TestHandleEvent_Unhandled(t *testing.T) {
	f := newFixture(t, mid)

	out := f.handle(&billing.Event{ID: "evt_1", Type: "customer.created"})
	assert.Equal(t, Outcome{Skipped: true, Reason: ReasonUnhandled}, out)

	claimed, err := f.locker.Exists(context.Background(), billsync.IdempotencyKey(testScope, "evt_1"))
	require.NoError(t, err)
	assert.False(t, claimed, "unhandled events are not claimed")
}

func TestHandleEvent_RequiresProcessor(t *testing.T) {
	f := newFixture(t, mid)
	_, err := f.engine.HandleEvent(context.Background(), &Request{Org: f.org, Env: testScope.Env},
		&billing.Event{ID: "evt_1", Type: billing.EventInvoicePaid})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestHandleEvent_FailureReleasesClaim(t *testing.T) {
	f := newFixture(t, mid)
	f.customer(withUsage(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), "150"))
	ev := deletedEvent("evt_1", &billing.Subscription{ID: "sub_1", Status: billing.SubscriptionCanceled})

	_, err := f.engine.HandleEvent(context.Background(), f.request(), ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrResourceMissing)

	claimed, err := f.locker.Exists(context.Background(), billsync.IdempotencyKey(testScope, "evt_1"))
	require.NoError(t, err)
	assert.False(t, claimed)

	// the processor recovers and the retry goes through
	f.subscription("sub_1").Status = billing.SubscriptionCanceled
	out := f.handle(ev)
	assert.False(t, out.Skipped)
	assert.Equal(t, billsync.StatusExpired, f.product("cp_pro").Status)
}

func TestSubscriptionDeleted_BillsFinalUsage(t *testing.T) {
	f := newFixture(t, mid)
	f.customer(withUsage(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), "150"))
	sub := f.subscription("sub_1")
	sub.Status = billing.SubscriptionCanceled
	sub.EndedAt = billsync.TimePtr(mid)

	out := f.handle(deletedEvent("evt_1", sub))
	assert.False(t, out.Skipped)

	items := f.proc.ItemsFor("in_fake_1")
	require.Len(t, items, 1)
	assert.Equal(t, int64(500), items[0].Amount)
	assert.Equal(t, "ce_cp_pro_api_calls", items[0].Metadata["customer_entitlement_id"])
	assert.Equal(t, billing.InvoicePaid, f.proc.Invoices["in_fake_1"].Status)

	pro := f.product("cp_pro")
	assert.Equal(t, billsync.StatusExpired, pro.Status)
	require.NotNil(t, pro.EndedAt)
	assert.True(t, pro.EndedAt.Equal(mid))
	assert.True(t, pro.CustomerEntitlements[0].Usage.IsZero(), "usage reset after payment")

	assert.Len(t, f.withStatus("free", billsync.StatusActive), 1)
	assertOneMainPerSlot(t, f.products())

	local, err := f.store.GetInvoiceByExternalID(context.Background(), "in_fake_1")
	require.NoError(t, err)
	assert.True(t, local.Total.Equal(dec("5")))
	assert.Equal(t, billing.InvoicePaid, local.Status)
	assert.Equal(t, []string{"cp_pro"}, local.CustomerProductIDs)
	assert.Equal(t, "icus_1", local.InternalCustomerID)

	marked, err := f.locker.Exists(context.Background(), ArrearMarkerKey("sub_1", april1))
	require.NoError(t, err)
	assert.True(t, marked)

	assert.Equal(t, 1, f.publisher.count(billsync.TopicProductsUpdated))
}

func TestSubscriptionDeleted_UnpaidInvoiceWithholdsResets(t *testing.T) {
	f := newFixture(t, mid)
	f.customer(withUsage(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), "150"))
	sub := f.subscription("sub_1")
	sub.Status = billing.SubscriptionCanceled
	f.proc.PayErr = errors.New("card declined")

	f.handle(deletedEvent("evt_1", sub))

	assert.Equal(t, billing.InvoiceOpen, f.proc.Invoices["in_fake_1"].Status)
	assert.True(t, f.product("cp_pro").CustomerEntitlements[0].Usage.Equal(dec("150")))
	assert.Empty(t, f.proc.Voided, "final usage invoice is not voided with the subscription's invoices")

	// the customer pays later
	f.proc.Invoices["in_fake_1"].Status = billing.InvoicePaid
	f.proc.Invoices["in_fake_1"].Paid = true
	f.handle(&billing.Event{ID: "evt_2", Type: billing.EventInvoicePaid, Invoice: &billing.Invoice{ID: "in_fake_1"}})

	assert.True(t, f.product("cp_pro").CustomerEntitlements[0].Usage.IsZero())
	local, err := f.store.GetInvoiceByExternalID(context.Background(), "in_fake_1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, local.Status)
}

func TestSubscriptionDeleted_NothingOwed(t *testing.T) {
	f := newFixture(t, mid)
	f.customer(withUsage(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), "40"))
	sub := f.subscription("sub_1")
	sub.Status = billing.SubscriptionCanceled

	f.handle(deletedEvent("evt_1", sub))

	assert.Empty(t, f.proc.Items)
	assert.Empty(t, f.proc.Invoices)
	assert.Equal(t, billsync.StatusExpired, f.product("cp_pro").Status)
}

func TestSubscriptionDeleted_CancelsSiblingsAndVoids(t *testing.T) {
	f := newFixture(t, mid)
	f.customer(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1", "sub_2"))
	sub := f.subscription("sub_1")
	sub.Status = billing.SubscriptionCanceled
	f.subscription("sub_2")
	f.proc.Invoices["in_open"] = &billing.Invoice{ID: "in_open", SubscriptionID: "sub_1", Status: billing.InvoiceOpen}
	f.proc.Invoices["in_other"] = &billing.Invoice{ID: "in_other", SubscriptionID: "sub_2", Status: billing.InvoiceOpen}

	f.handle(deletedEvent("evt_1", sub))

	assert.Equal(t, []string{"sub_2"}, f.proc.Canceled)
	assert.Equal(t, []string{"in_open"}, f.proc.Voided)

	held, err := f.engine.MutationLock().Held(context.Background(), "sub_2")
	require.NoError(t, err)
	assert.True(t, held, "the sibling's own deletion webhook is suppressed")
}

func TestSubscriptionDeleted_NoProducts(t *testing.T) {
	f := newFixture(t, mid)
	out := f.handle(deletedEvent("evt_1", &billing.Subscription{ID: "sub_unknown"}))
	assert.Equal(t, Outcome{Skipped: true, Reason: ReasonNoProducts}, out)
}

func TestInvoiceCreated_DuplicateDelivery(t *testing.T) {
	f := newFixture(t, april1.Add(5*time.Minute))
	f.customer(withUsage(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), "150"))
	f.subscription("sub_1")
	ev := &billing.Event{ID: "evt_1", Type: billing.EventInvoiceCreated, Invoice: f.renewalDraft("in_1")}

	first := f.handle(ev)
	second := f.handle(ev)

	assert.False(t, first.Skipped)
	assert.Equal(t, Outcome{Skipped: true, Reason: ReasonDuplicate}, second)

	items := f.proc.ItemsFor("in_1")
	require.Len(t, items, 1)
	assert.Equal(t, int64(500), items[0].Amount)
	assert.Equal(t, "usd", items[0].Currency)
	assert.True(t, items[0].PeriodStart.Equal(march1))
	assert.True(t, items[0].PeriodEnd.Equal(april1))
	assert.Equal(t, 1, f.store.InvoiceCount())

	// usage stays until the invoice is paid
	assert.True(t, f.product("cp_pro").CustomerEntitlements[0].Usage.Equal(dec("150")))
	pending, err := f.store.TakePendingResets(context.Background(), "in_1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ce_cp_pro_api_calls", pending[0].CustomerEntitlementID)
}

func TestInvoiceCreated_PeriodBilledOnce(t *testing.T) {
	f := newFixture(t, april1.Add(5*time.Minute))
	f.customer(withUsage(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), "150"))
	f.subscription("sub_1")
	inv := f.renewalDraft("in_1")

	f.handle(&billing.Event{ID: "evt_1", Type: billing.EventInvoiceCreated, Invoice: inv})
	f.handle(&billing.Event{ID: "evt_replayed", Type: billing.EventInvoiceCreated, Invoice: inv})

	assert.Len(t, f.proc.ItemsFor("in_1"), 1)
}

func TestInvoiceCreated_ItemFailureRetryAddsMissingItemsOnly(t *testing.T) {
	f := newFixture(t, april1.Add(5*time.Minute))
	cp := withUsage(attach("cp_pro", meteredProduct(), billsync.StatusActive, "sub_1"), "150")
	cp.CustomerEntitlements[1].Usage = dec("12")
	f.customer(cp)
	f.subscription("sub_1")
	inv := f.renewalDraft("in_1")
	ev := &billing.Event{ID: "evt_1", Type: billing.EventInvoiceCreated, Invoice: inv}

	f.proc.ItemErrs = []error{nil, errors.New("stripe unavailable")}
	_, err := f.engine.HandleEvent(context.Background(), f.request(), ev)
	require.Error(t, err)
	require.Len(t, f.proc.ItemsFor("in_1"), 1)

	f.handle(ev)

	items := f.proc.ItemsFor("in_1")
	require.Len(t, items, 2)
	amounts := map[string]int64{}
	for _, item := range items {
		amounts[item.Metadata["customer_entitlement_id"]] += item.Amount
	}
	assert.Equal(t, map[string]int64{
		"ce_cp_pro_api_calls": 500,
		"ce_cp_pro_storage":   200,
	}, amounts)

	resets, err := f.store.TakePendingResets(context.Background(), "in_1")
	require.NoError(t, err)
	assert.Len(t, resets, 2)
}

func TestInvoiceCreated_ResetStoreFailureRetryKeepsResets(t *testing.T) {
	f := newFixture(t, april1.Add(5*time.Minute))
	f.customer(withUsage(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), "150"))
	f.subscription("sub_1")
	inv := f.renewalDraft("in_1")
	ev := &billing.Event{ID: "evt_1", Type: billing.EventInvoiceCreated, Invoice: inv}

	req := f.request()
	req.Store = &flakyResetStore{Store: f.store, failures: 1}

	_, err := f.engine.HandleEvent(context.Background(), req, ev)
	require.Error(t, err)
	assert.Empty(t, f.proc.ItemsFor("in_1"), "no items without stored resets")

	_, err = f.engine.HandleEvent(context.Background(), req, ev)
	require.NoError(t, err)
	assert.Len(t, f.proc.ItemsFor("in_1"), 1)

	resets, err := f.store.TakePendingResets(context.Background(), "in_1")
	require.NoError(t, err)
	require.Len(t, resets, 1)
	assert.Equal(t, "ce_cp_pro_api_calls", resets[0].CustomerEntitlementID)
}

func TestInvoiceCreated_PeriodAlreadyBilledOnDeletion(t *testing.T) {
	f := newFixture(t, mid)
	f.customer(withUsage(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), "150"))
	sub := f.subscription("sub_1")
	sub.Status = billing.SubscriptionCanceled
	sub.EndedAt = billsync.TimePtr(mid)

	f.handle(deletedEvent("evt_deleted", sub))
	require.Len(t, f.proc.ItemsFor("in_fake_1"), 1)

	f.handle(&billing.Event{ID: "evt_created", Type: billing.EventInvoiceCreated, Invoice: f.renewalDraft("in_1")})

	assert.Empty(t, f.proc.ItemsFor("in_1"))
	assert.Len(t, f.proc.Items, 1)
}

func TestInvoiceCreated_SkipsNonDraft(t *testing.T) {
	f := newFixture(t, april1)
	inv := &billing.Invoice{ID: "in_1", SubscriptionID: "sub_1", Status: billing.InvoiceOpen}
	out := f.handle(&billing.Event{ID: "evt_1", Type: billing.EventInvoiceCreated, Invoice: inv})
	assert.Equal(t, Outcome{Skipped: true, Reason: ReasonNotDraft}, out)

	out = f.handle(&billing.Event{ID: "evt_2", Type: billing.EventInvoiceCreated, Invoice: &billing.Invoice{ID: "in_2"}})
	assert.Equal(t, Outcome{Skipped: true, Reason: ReasonNotSubscription}, out)
}

func TestInvoiceCreated_AppliesScopedDiscount(t *testing.T) {
	f := newFixture(t, april1.Add(5*time.Minute))
	f.customer(withUsage(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), "150"))
	sub := f.subscription("sub_1")
	sub.Discounts = []billing.Discount{{ID: "di_1", Coupon: billing.Coupon{ID: "usage20"}}}
	f.proc.Coupons["usage20"] = &billing.Coupon{ID: "usage20", PercentOff: dec("20"), AppliesTo: []string{"prod_pro_usage"}}

	f.handle(&billing.Event{ID: "evt_1", Type: billing.EventInvoiceCreated, Invoice: f.renewalDraft("in_1")})

	items := f.proc.ItemsFor("in_1")
	require.Len(t, items, 1)
	assert.Equal(t, int64(400), items[0].Amount)
}

func TestInvoiceLifecycle_ResetsAfterPayment(t *testing.T) {
	f := newFixture(t, april1.Add(5*time.Minute))
	f.customer(withUsage(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), "150"))
	f.subscription("sub_1")
	inv := f.renewalDraft("in_1")

	f.handle(&billing.Event{ID: "evt_1", Type: billing.EventInvoiceCreated, Invoice: inv})

	open := *f.proc.Invoices["in_1"]
	open.Status = billing.InvoiceOpen
	*f.proc.Invoices["in_1"] = open
	f.handle(&billing.Event{ID: "evt_2", Type: billing.EventInvoiceFinalized, Invoice: &open})

	assert.True(t, f.product("cp_pro").CustomerEntitlements[0].Usage.Equal(dec("150")), "open invoice keeps usage")
	assert.Equal(t, 1, f.publisher.count(billsync.TopicInvoiceFinalized))

	f.proc.Invoices["in_1"].Status = billing.InvoicePaid
	f.proc.Invoices["in_1"].Paid = true
	f.handle(&billing.Event{ID: "evt_3", Type: billing.EventInvoicePaid, Invoice: &billing.Invoice{ID: "in_1"}})

	ce := f.product("cp_pro").CustomerEntitlements[0]
	assert.True(t, ce.Usage.IsZero())
	require.NotNil(t, ce.NextResetAt)
	assert.True(t, ce.NextResetAt.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))

	local, err := f.store.GetInvoiceByExternalID(context.Background(), "in_1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, local.Status)
	assert.True(t, local.Total.Equal(dec("25")))
	assert.Equal(t, 1, f.store.InvoiceCount())
}

func TestInvoicePaid_UntrackedInvoice(t *testing.T) {
	f := newFixture(t, mid)
	f.proc.Invoices["in_x"] = &billing.Invoice{ID: "in_x", Status: billing.InvoicePaid}

	out := f.handle(&billing.Event{ID: "evt_1", Type: billing.EventInvoicePaid, Invoice: &billing.Invoice{ID: "in_x"}})
	assert.Equal(t, Outcome{Skipped: true, Reason: ReasonNoProducts}, out)
}

func TestSubscriptionUpdated_SkippedWhileMutating(t *testing.T) {
	f := newFixture(t, mid)
	f.customer(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"))
	sub := f.subscription("sub_1")
	sub.Status = billing.SubscriptionPastDue
	require.NoError(t, f.engine.MutationLock().Mark(context.Background(), "sub_1"))

	out := f.handle(updatedEvent("evt_1", sub, map[string]string{"status": `"active"`}))

	assert.Equal(t, Outcome{Skipped: true, Reason: ReasonLocked}, out)
	assert.Equal(t, billsync.StatusActive, f.product("cp_pro").Status)
}

func TestSubscriptionUpdated_PastDue(t *testing.T) {
	f := newFixture(t, mid)
	f.customer(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"))
	sub := f.subscription("sub_1")
	sub.Status = billing.SubscriptionPastDue

	f.handle(updatedEvent("evt_1", sub, map[string]string{"status": `"active"`}))

	assert.Equal(t, billsync.StatusPastDue, f.product("cp_pro").Status)
	assert.Equal(t, 1, f.publisher.count(billsync.TopicProductsUpdated))
}

func TestSubscriptionUpdated_ReportsUnknownStatus(t *testing.T) {
	f := newFixture(t, mid)
	f.customer(
		attach("cp_pro", proProduct(), billsync.Status("legacy"), "sub_1"),
		attach("cp_seats", seatsAddOn(), billsync.StatusActive, "sub_1"),
	)
	sub := f.subscription("sub_1")

	f.handle(updatedEvent("evt_1", sub, map[string]string{"status": `"trialing"`}))

	assert.Equal(t, billsync.StatusActive, f.product("cp_pro").Status)
	require.Len(t, f.reporter.errs, 1)
	assert.ErrorIs(t, f.reporter.errs[0], billsync.ErrUnknownStatus)
}

func TestSubscriptionUpdated_CancelThenRenew(t *testing.T) {
	f := newFixture(t, mid)
	f.org.Config.ScheduleDefaultOnCancel = true
	f.customer(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"))
	sub := f.subscription("sub_1")

	sub.CancelAtPeriodEnd = true
	f.handle(updatedEvent("evt_1", sub, map[string]string{"cancel_at_period_end": "false"}))

	pro := f.product("cp_pro")
	assert.True(t, pro.Canceled)
	assert.Equal(t, billsync.StatusActive, pro.Status, "canceled products stay live until they end")
	require.NotNil(t, pro.EndedAt)
	assert.True(t, pro.EndedAt.Equal(april1))

	scheduled := f.withStatus("free", billsync.StatusScheduled)
	require.Len(t, scheduled, 1)
	assert.True(t, scheduled[0].StartsAt.Equal(april1))

	sub.CancelAtPeriodEnd = false
	f.handle(updatedEvent("evt_2", sub, map[string]string{"cancel_at_period_end": "true"}))

	pro = f.product("cp_pro")
	assert.False(t, pro.Canceled)
	assert.Nil(t, pro.EndedAt)
	assert.Nil(t, pro.CanceledAt)
	assert.Empty(t, f.withStatus("free", billsync.StatusScheduled))
}

func TestSubscriptionUpdated_CancelWithoutDefaultScheduling(t *testing.T) {
	f := newFixture(t, mid)
	f.customer(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"))
	sub := f.subscription("sub_1")
	cancelAt := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	sub.CancelAt = &cancelAt

	f.handle(updatedEvent("evt_1", sub, map[string]string{"cancel_at": "null"}))

	pro := f.product("cp_pro")
	assert.True(t, pro.Canceled)
	assert.True(t, pro.EndedAt.Equal(cancelAt))
	assert.Empty(t, f.withStatus("free", billsync.StatusScheduled))
}

func TestSubscriptionUpdated_AdvancesSchedule(t *testing.T) {
	now := april1.Add(10 * time.Minute)
	f := newFixture(t, now)
	premium := attach("cp_premium", premiumProduct(), billsync.StatusScheduled)
	premium.ScheduledIDs = []string{"sched_1"}
	premium.StartsAt = april1
	f.customer(withUsage(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), "150"), premium)

	sub := f.subscription("sub_1")
	sub.ScheduleID = "sched_1"
	sub.Schedule = &billing.Schedule{
		ID:     "sched_1",
		Status: billing.ScheduleActive,
		Phases: []billing.Phase{{Start: march1, End: april1}, {Start: april1}},
	}

	f.handle(updatedEvent("evt_1", sub, map[string]string{"items": `{"data":[]}`}))

	assert.Equal(t, billsync.StatusExpired, f.product("cp_pro").Status)
	active := f.product("cp_premium")
	assert.Equal(t, billsync.StatusActive, active.Status)
	assert.True(t, active.HasSubscription("sub_1"))
	assert.Equal(t, []string{"sched_1"}, f.proc.Released)
	assertOneMainPerSlot(t, f.products())

	handed, err := f.handoff.GetExpired(context.Background(), "sub_1")
	require.NoError(t, err)
	require.Len(t, handed, 1)
	assert.Equal(t, "cp_pro", handed[0].ID)

	// the renewal invoice still bills the replaced product's usage
	f.handle(&billing.Event{ID: "evt_2", Type: billing.EventInvoiceCreated, Invoice: f.renewalDraft("in_2")})
	items := f.proc.ItemsFor("in_2")
	require.Len(t, items, 1)
	assert.Equal(t, int64(500), items[0].Amount)
	assert.Equal(t, "cp_pro", items[0].Metadata["customer_product_id"])
}

func TestSubscriptionUpdated_ScheduleWithoutItemChange(t *testing.T) {
	f := newFixture(t, april1.Add(10*time.Minute))
	premium := attach("cp_premium", premiumProduct(), billsync.StatusScheduled)
	premium.ScheduledIDs = []string{"sched_1"}
	premium.StartsAt = april1
	f.customer(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"), premium)

	sub := f.subscription("sub_1")
	sub.ScheduleID = "sched_1"
	sub.Schedule = &billing.Schedule{ID: "sched_1", Phases: []billing.Phase{{Start: march1}, {Start: april1}}}

	f.handle(updatedEvent("evt_1", sub, map[string]string{"metadata": `{}`}))

	assert.Equal(t, billsync.StatusScheduled, f.product("cp_premium").Status)
	assert.Empty(t, f.proc.Released)
}

func TestCheckoutCompleted_LinksAndActivates(t *testing.T) {
	f := newFixture(t, mid)
	premium := attach("cp_premium", premiumProduct(), billsync.StatusScheduled)
	premium.StartsAt = march1
	f.customer(attach("cp_free", freeProduct(), billsync.StatusActive), premium)
	f.subscription("sub_new")

	out := f.handle(&billing.Event{ID: "evt_1", Type: billing.EventCheckoutSessionComplete,
		CheckoutSession: &billing.CheckoutSession{
			ID:             "cs_1",
			Mode:           "subscription",
			SubscriptionID: "sub_new",
			Metadata:       map[string]string{MetadataCustomerProductIDs: "cp_premium"},
		}})
	assert.False(t, out.Skipped)

	active := f.product("cp_premium")
	assert.Equal(t, billsync.StatusActive, active.Status)
	assert.Equal(t, []string{"sub_new"}, active.SubscriptionIDs)
	assert.Equal(t, billsync.StatusExpired, f.product("cp_free").Status)
	assert.Equal(t, map[string]string{MetadataCustomerProductIDs: "cp_premium"}, f.proc.MetadataUpdates["sub_new"])

	held, err := f.engine.MutationLock().Held(context.Background(), "sub_new")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestCheckoutCompleted_Skips(t *testing.T) {
	f := newFixture(t, mid)

	out := f.handle(&billing.Event{ID: "evt_1", Type: billing.EventCheckoutSessionComplete,
		CheckoutSession: &billing.CheckoutSession{ID: "cs_1", Mode: "payment"}})
	assert.Equal(t, ReasonNotSubscription, out.Reason)

	out = f.handle(&billing.Event{ID: "evt_2", Type: billing.EventCheckoutSessionComplete,
		CheckoutSession: &billing.CheckoutSession{ID: "cs_2", SubscriptionID: "sub_1"}})
	assert.Equal(t, ReasonNoLinkedIDs, out.Reason)

	out = f.handle(&billing.Event{ID: "evt_3", Type: billing.EventCheckoutSessionComplete,
		CheckoutSession: &billing.CheckoutSession{ID: "cs_3", SubscriptionID: "sub_1",
			Metadata: map[string]string{MetadataCustomerProductIDs: "cp_gone"}}})
	assert.Equal(t, ReasonNoProducts, out.Reason)
}

func TestParseCustomerProductIDs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"cp_1", []string{"cp_1"}},
		{" cp_1 , cp_2,,cp_1", []string{"cp_1", "cp_2"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseCustomerProductIDs(tt.in), "input %q", tt.in)
	}
}

func TestConsume_AppliesOrgConfig(t *testing.T) {
	f := newFixture(t, mid)
	engine, err := New(Config{
		Store:  f.store,
		Locker: f.locker,
		Clock:  billsync.FixedClock{T: mid},
		Orgs:   map[string]billsync.OrgConfig{testScope.OrgID: {ScheduleDefaultOnCancel: true}},
	})
	require.NoError(t, err)
	f.customer(attach("cp_pro", proProduct(), billsync.StatusActive, "sub_1"))
	sub := f.subscription("sub_1")
	sub.CancelAtPeriodEnd = true

	err = engine.Consume(context.Background(), billing.Tenant{Org: f.org, Env: testScope.Env}, f.proc,
		updatedEvent("evt_1", sub, map[string]string{"cancel_at_period_end": "false"}))
	require.NoError(t, err)

	assert.Len(t, f.withStatus("free", billsync.StatusScheduled), 1)
}
