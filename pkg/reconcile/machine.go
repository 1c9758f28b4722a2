package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// Transition names recorded in metrics.
const (
	TransitionActivateScheduled = "activate_scheduled"
	TransitionExpire            = "expire"
	TransitionActivateDefault   = "activate_default"
	TransitionInsertDefault     = "insert_default"
	TransitionScheduleDefault   = "schedule_default"
	TransitionDeleteScheduled   = "delete_scheduled"
	TransitionCancel            = "cancel"
	TransitionRenew             = "renew"
	TransitionStatusSync        = "status_sync"
	TransitionReleaseSchedule   = "release_schedule"
)

// Machine runs customer product transitions against one EventContext. Every
// transition goes through the context's tracker, so later transitions in the
// same pass observe earlier ones.
type Machine struct {
	Ctx       *EventContext
	Store     billsync.Store
	Processor billing.Processor
	Org       billsync.Org
	Mutation  *billsync.MutationLock

	Handoff    billsync.HandoffCache
	HandoffTTL time.Duration

	Logger   billsync.Logger
	Metrics  billsync.Metrics
	Reporter billsync.ErrorReporter

	defaults []billsync.Product
	loaded   bool
}

func (m *Machine) tracker() *billsync.ChangeTracker { return m.Ctx.Tracker }

// all returns a snapshot of the customer's products; callers re-read entries
// through the tracker before acting on them.
func (m *Machine) all() []*billsync.CustomerProduct {
	return append([]*billsync.CustomerProduct(nil), m.Ctx.Customer().CustomerProducts...)
}

func live(cp *billsync.CustomerProduct) bool {
	return cp.Status == billsync.StatusActive || cp.Status == billsync.StatusPastDue
}

// activeMains returns the live main products competing with cp for its slot.
func (m *Machine) activeMains(cp *billsync.CustomerProduct) []*billsync.CustomerProduct {
	return lo.Filter(m.Ctx.Customer().CustomerProducts, func(other *billsync.CustomerProduct, _ int) bool {
		return other.ID != cp.ID && other.IsMain() && live(other) && other.SameSlot(cp)
	})
}

func (m *Machine) scheduledInSlot(cp *billsync.CustomerProduct) []*billsync.CustomerProduct {
	return lo.Filter(m.Ctx.Customer().CustomerProducts, func(other *billsync.CustomerProduct, _ int) bool {
		return other.ID != cp.ID && other.Status == billsync.StatusScheduled && other.SameSlot(cp)
	})
}

func (m *Machine) update(ctx context.Context, id, transition string, upd billsync.CustomerProductUpdate) (*billsync.CustomerProduct, error) {
	next, err := m.tracker().Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	if transition != "" {
		m.Metrics.RecordTransition(transition)
	}
	return next, nil
}

// ActivateScheduled activates every Scheduled product whose start has passed
// and that is free or attached to subscriptionID or scheduleID. A main product
// replaces the live main product of its slot, which is expired and returned.
func (m *Machine) ActivateScheduled(ctx context.Context, subscriptionID, scheduleID string) ([]*billsync.CustomerProduct, error) {
	now := m.Ctx.Now
	var expired []*billsync.CustomerProduct

	for _, snap := range m.all() {
		cp := m.tracker().Find(snap.ID)
		if cp == nil || cp.Status != billsync.StatusScheduled || cp.StartsAt.After(now) {
			continue
		}
		free := cp.Product.IsFree()
		if !free && !cp.HasSubscription(subscriptionID) && !cp.HasSchedule(scheduleID) {
			continue
		}

		if cp.IsMain() {
			for _, current := range m.activeMains(cp) {
				upd := billsync.CustomerProductUpdate{Status: billsync.StatusPtr(billsync.StatusExpired)}
				if current.EndedAt == nil {
					upd.EndedAt = billsync.TimePtr(now)
				}
				next, err := m.update(ctx, current.ID, TransitionExpire, upd)
				if err != nil {
					return expired, err
				}
				expired = append(expired, next)
			}
		}

		upd := billsync.CustomerProductUpdate{Status: billsync.StatusPtr(billsync.StatusActive)}
		switch {
		case free && len(cp.SubscriptionIDs) > 0:
			upd.SubscriptionIDs = billsync.StringsPtr(nil)
		case !free && subscriptionID != "" && !cp.HasSubscription(subscriptionID):
			upd.SubscriptionIDs = billsync.StringsPtr(append(append([]string{}, cp.SubscriptionIDs...), subscriptionID))
		}
		if _, err := m.update(ctx, cp.ID, TransitionActivateScheduled, upd); err != nil {
			return expired, err
		}
		m.Logger.Info("activated scheduled product",
			billsync.F("customer_product_id", cp.ID), billsync.F("product_id", cp.Product.ID))
	}
	return expired, nil
}

// ExpireAndActivateDefault expires the product and, for a main product that
// leaves its slot empty, activates the group default.
func (m *Machine) ExpireAndActivateDefault(ctx context.Context, id string, endedAt time.Time) error {
	cp := m.tracker().Find(id)
	if cp == nil {
		return fmt.Errorf("%w: %s", billsync.ErrCustomerProductNotFound, id)
	}
	if cp.Status == billsync.StatusExpired {
		return nil
	}

	upd := billsync.CustomerProductUpdate{Status: billsync.StatusPtr(billsync.StatusExpired)}
	if cp.EndedAt == nil {
		upd.EndedAt = billsync.TimePtr(endedAt)
	}
	cp, err := m.update(ctx, id, TransitionExpire, upd)
	if err != nil {
		return err
	}
	m.Logger.Info("expired customer product",
		billsync.F("customer_product_id", cp.ID), billsync.F("product_id", cp.Product.ID))

	if !cp.IsMain() {
		return nil
	}
	if err := m.DeleteScheduled(ctx, cp); err != nil {
		return err
	}
	if len(m.activeMains(cp)) > 0 {
		return nil
	}
	return m.ActivateDefault(ctx, cp)
}

// DeleteScheduled removes Scheduled products that compete with cp for its slot.
func (m *Machine) DeleteScheduled(ctx context.Context, cp *billsync.CustomerProduct) error {
	for _, scheduled := range m.scheduledInSlot(cp) {
		if err := m.tracker().Delete(ctx, scheduled.ID); err != nil {
			return err
		}
		m.Metrics.RecordTransition(TransitionDeleteScheduled)
		m.Logger.Info("deleted scheduled product",
			billsync.F("customer_product_id", scheduled.ID), billsync.F("product_id", scheduled.Product.ID))
	}
	return nil
}

// ActivateDefault puts the group default into the slot left by expired. It is
// a no-op when the slot already has a live main product or the group has no
// default.
func (m *Machine) ActivateDefault(ctx context.Context, expired *billsync.CustomerProduct) error {
	if len(m.activeMains(expired)) > 0 {
		return nil
	}
	def, ok, err := m.defaultFor(ctx, expired.Product.Group)
	if err != nil {
		return err
	}
	if !ok {
		m.Logger.Info("group left without a main product",
			billsync.F("group", expired.Product.Group), billsync.F("reason", billsync.ErrDefaultProductMissing))
		return nil
	}

	if waiting, found := lo.Find(m.scheduledInSlot(expired), func(cp *billsync.CustomerProduct) bool {
		return cp.Product.ID == def.ID
	}); found {
		_, err := m.update(ctx, waiting.ID, TransitionActivateDefault,
			billsync.CustomerProductUpdate{Status: billsync.StatusPtr(billsync.StatusActive)})
		return err
	}

	cp := newCustomerProduct(expired, def, billsync.StatusActive, m.Ctx.Now, m.Ctx.Now)
	if err := m.tracker().Insert(ctx, cp); err != nil {
		return err
	}
	m.Metrics.RecordTransition(TransitionInsertDefault)
	m.Logger.Info("activated default product",
		billsync.F("customer_product_id", cp.ID), billsync.F("product_id", def.ID))
	return nil
}

func (m *Machine) defaultFor(ctx context.Context, group string) (billsync.Product, bool, error) {
	if !m.loaded {
		defaults, err := m.Store.ListDefaultProducts(ctx, m.Ctx.Scope)
		if err != nil {
			return billsync.Product{}, false, fmt.Errorf("failed to list default products: %w", err)
		}
		m.defaults = defaults
		m.loaded = true
	}
	def, ok := lo.Find(m.defaults, func(p billsync.Product) bool {
		return p.Group == group && !p.IsAddOn
	})
	return def, ok, nil
}

// Cancel marks the subscription's live products canceled and, when the org
// asks for it, schedules the group default at the cancellation date.
func (m *Machine) Cancel(ctx context.Context, sub *billing.Subscription) error {
	now := m.Ctx.Now
	endedAt := cancelEnd(sub, now)
	canceledAt := now
	if sub.CanceledAt != nil {
		canceledAt = *sub.CanceledAt
	}

	for _, cp := range m.Ctx.Products() {
		if !cp.HasSubscription(sub.ID) || !live(cp) || cp.Canceled {
			continue
		}
		next, err := m.update(ctx, cp.ID, TransitionCancel, billsync.CustomerProductUpdate{
			Canceled:   billsync.BoolPtr(true),
			CanceledAt: billsync.TimePtr(canceledAt),
			EndedAt:    billsync.TimePtr(endedAt),
		})
		if err != nil {
			return err
		}
		m.Logger.Info("customer product canceled",
			billsync.F("customer_product_id", cp.ID), billsync.F("ends_at", endedAt))

		if next.IsMain() && m.Org.Config.ScheduleDefaultOnCancel {
			if err := m.scheduleDefault(ctx, next, endedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Machine) scheduleDefault(ctx context.Context, canceled *billsync.CustomerProduct, startsAt time.Time) error {
	def, ok, err := m.defaultFor(ctx, canceled.Product.Group)
	if err != nil || !ok {
		return err
	}
	if def.ID == canceled.Product.ID || len(m.scheduledInSlot(canceled)) > 0 {
		return nil
	}
	cp := newCustomerProduct(canceled, def, billsync.StatusScheduled, startsAt, m.Ctx.Now)
	if err := m.tracker().Insert(ctx, cp); err != nil {
		return err
	}
	m.Metrics.RecordTransition(TransitionScheduleDefault)
	return nil
}

// Renew clears the cancellation of the subscription's products and drops
// successors scheduled in their slots.
func (m *Machine) Renew(ctx context.Context, sub *billing.Subscription) error {
	for _, cp := range m.Ctx.Products() {
		if !cp.HasSubscription(sub.ID) || !cp.Canceled {
			continue
		}
		next, err := m.update(ctx, cp.ID, TransitionRenew, billsync.CustomerProductUpdate{
			Canceled:        billsync.BoolPtr(false),
			ClearCanceledAt: true,
			ClearEndedAt:    true,
		})
		if err != nil {
			return err
		}
		m.Logger.Info("customer product renewed", billsync.F("customer_product_id", cp.ID))
		if next.IsMain() {
			if err := m.DeleteScheduled(ctx, next); err != nil {
				return err
			}
		}
	}
	return nil
}

// SyncStatus reconciles status, trial end and collection method of the
// subscription's products from the processor snapshot. Products in an unknown
// status are corrected and reported.
func (m *Machine) SyncStatus(ctx context.Context, sub *billing.Subscription) error {
	now := m.Ctx.Now
	mapped, mappable := mapStatus(sub.Status)

	for _, snap := range m.all() {
		cp := m.tracker().Find(snap.ID)
		if cp == nil || !cp.HasSubscription(sub.ID) || (cp.Status.Known() && !live(cp)) {
			continue
		}
		var upd billsync.CustomerProductUpdate

		switch {
		case !cp.Status.Known():
			corrected := billsync.StatusActive
			if mappable {
				corrected = mapped
			}
			m.Reporter.Report(ctx,
				fmt.Errorf("%w: customer product %s has status %q", billsync.ErrUnknownStatus, cp.ID, cp.Status),
				billsync.F("customer_product_id", cp.ID), billsync.F("corrected_to", corrected))
			m.Metrics.RecordInconsistency("unknown_status")
			upd.Status = billsync.StatusPtr(corrected)
		case mappable && cp.Status != mapped:
			upd.Status = billsync.StatusPtr(mapped)
		}

		switch {
		case sub.Status == billing.SubscriptionTrialing && sub.TrialEnd != nil && !sameTime(cp.TrialEndsAt, sub.TrialEnd):
			upd.TrialEndsAt = billsync.TimePtr(*sub.TrialEnd)
		case sub.Status != billing.SubscriptionTrialing && cp.IsTrialing(now):
			if sub.TrialEnd != nil && !sub.TrialEnd.After(now) {
				upd.TrialEndsAt = billsync.TimePtr(*sub.TrialEnd)
			} else {
				upd.ClearTrialEndsAt = true
			}
		}

		if sub.CollectionMethod != "" && sub.CollectionMethod != cp.CollectionMethod {
			upd.CollectionMethod = &sub.CollectionMethod
		}

		transition := ""
		if upd.Status != nil {
			transition = TransitionStatusSync
		}
		if _, err := m.update(ctx, cp.ID, transition, upd); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceSchedule follows a multi-phase schedule whose items changed:
// scheduled products of the current phase are activated, products whose end
// has passed are expired, and the schedule is released once its final phase
// has begun.
func (m *Machine) AdvanceSchedule(ctx context.Context, ev *billing.Event) error {
	sub := m.Ctx.Subscription
	if sub == nil || sub.Schedule == nil || !ev.PreviouslyHad("items") {
		return nil
	}
	sched := sub.Schedule
	now := m.Ctx.Now

	idx := sched.CurrentPhase(now)
	if idx < 0 {
		return nil
	}

	expired, err := m.ActivateScheduled(ctx, sub.ID, sched.ID)
	if err != nil {
		return err
	}

	for _, snap := range m.all() {
		cp := m.tracker().Find(snap.ID)
		if cp == nil || !live(cp) || cp.EndedAt == nil || cp.EndedAt.After(now) {
			continue
		}
		if !cp.HasSubscription(sub.ID) && !cp.HasSchedule(sched.ID) {
			continue
		}
		if err := m.ExpireAndActivateDefault(ctx, cp.ID, *cp.EndedAt); err != nil {
			return err
		}
		expired = append(expired, cp)
	}

	m.handOff(ctx, sub.ID, expired)

	if idx == len(sched.Phases)-1 && sched.Status != billing.ScheduleReleased {
		err := m.Mutation.Guard(ctx, sub.ID, func(ctx context.Context) error {
			return m.Processor.ReleaseSchedule(ctx, sched.ID)
		})
		if err != nil {
			return fmt.Errorf("failed to release schedule %s: %w", sched.ID, err)
		}
		m.Metrics.RecordTransition(TransitionReleaseSchedule)
		m.Logger.Info("released subscription schedule", billsync.F("schedule_id", sched.ID))
	}
	return nil
}

// handOff caches expired products so the next invoice.created of the
// subscription can bill their final usage.
func (m *Machine) handOff(ctx context.Context, subscriptionID string, expired []*billsync.CustomerProduct) {
	if m.Handoff == nil || len(expired) == 0 {
		return
	}
	latest := make([]*billsync.CustomerProduct, 0, len(expired))
	for _, cp := range lo.UniqBy(expired, func(cp *billsync.CustomerProduct) string { return cp.ID }) {
		if current := m.tracker().Find(cp.ID); current != nil {
			cp = current
		}
		latest = append(latest, cp)
	}
	if err := m.Handoff.PutExpired(ctx, subscriptionID, latest, m.HandoffTTL); err != nil {
		m.Logger.Warn("failed to cache expired products",
			billsync.F("subscription_id", subscriptionID), billsync.F("error", err))
	}
}

// mapStatus maps a processor subscription status onto a product status.
// Terminal statuses are left to the deleted handler.
func mapStatus(status string) (billsync.Status, bool) {
	switch status {
	case billing.SubscriptionActive, billing.SubscriptionTrialing:
		return billsync.StatusActive, true
	case billing.SubscriptionPastDue, billing.SubscriptionUnpaid:
		return billsync.StatusPastDue, true
	}
	return "", false
}

// cancelEnd is when a canceling subscription stops: its cancel_at, its period
// end for cancel-at-period-end, or its ended_at.
func cancelEnd(sub *billing.Subscription, now time.Time) time.Time {
	switch {
	case sub.CancelAt != nil:
		return *sub.CancelAt
	case sub.CancelAtPeriodEnd && !sub.CurrentPeriodEnd().IsZero():
		return sub.CurrentPeriodEnd()
	case sub.EndedAt != nil:
		return *sub.EndedAt
	}
	return now
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// newCustomerProduct attaches product to the slot of template.
func newCustomerProduct(template *billsync.CustomerProduct, product billsync.Product,
	status billsync.Status, startsAt, now time.Time) *billsync.CustomerProduct {
	cp := &billsync.CustomerProduct{
		ID:                 uuid.NewString(),
		InternalCustomerID: template.InternalCustomerID,
		CustomerID:         template.CustomerID,
		InternalEntityID:   template.InternalEntityID,
		EntityID:           template.EntityID,
		Product:            product,
		Status:             status,
		StartsAt:           startsAt,
		CollectionMethod:   template.CollectionMethod,
		Quantity:           1,
		CreatedAt:          now,
	}
	for _, ent := range product.Entitlements {
		ce := &billsync.CustomerEntitlement{
			ID:                uuid.NewString(),
			CustomerProductID: cp.ID,
			EntitlementID:     ent.ID,
			FeatureID:         ent.FeatureID,
			Granted:           ent.Allowance,
		}
		if next, err := billsync.NextBoundary(startsAt, ent.Interval, ent.IntervalCount, startsAt); err == nil {
			ce.NextResetAt = next
		}
		cp.CustomerEntitlements = append(cp.CustomerEntitlements, ce)
	}
	return cp
}
