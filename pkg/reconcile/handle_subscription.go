package reconcile

import (
	"context"

	"github.com/samber/lo"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// handleSubscriptionDeleted bills the subscription's outstanding usage, then
// expires its products, falling back to group defaults. Other subscriptions
// still billing an expired product are canceled and the subscription's open
// invoices voided.
func handleSubscriptionDeleted(ctx context.Context, p *pass) (Outcome, error) {
	evSub := p.event.Subscription
	if evSub == nil || evSub.ID == "" {
		return skipped(ReasonNotSubscription), nil
	}
	held, err := p.lockHeld(ctx, evSub.ID)
	if err != nil {
		return Outcome{}, err
	}
	if held {
		return skipped(ReasonLocked), nil
	}

	ec, err := p.builder().Build(ctx, p.scope, BuildOptions{
		SubscriptionID: evSub.ID,
		ScheduleID:     evSub.ScheduleID,
	})
	if err != nil {
		return Outcome{}, err
	}
	if ec == nil {
		return skipped(ReasonNoProducts), nil
	}
	dc := &SubscriptionDeletedContext{EventContext: ec}
	m := p.machine(dc.EventContext)

	sub := dc.Subscription
	if sub == nil {
		sub = evSub
	}
	endedAt := dc.Now
	if sub.EndedAt != nil {
		endedAt = *sub.EndedAt
	}

	if err := p.billFinalUsage(ctx, dc.EventContext, sub); err != nil {
		return Outcome{}, err
	}

	expired, err := m.ActivateScheduled(ctx, "", "")
	if err != nil {
		return Outcome{}, err
	}

	for _, cp := range dc.Products() {
		if !cp.HasSubscription(sub.ID) || !live(cp) {
			continue
		}
		if err := m.ExpireAndActivateDefault(ctx, cp.ID, endedAt); err != nil {
			return Outcome{}, err
		}
		expired = append(expired, cp)
	}

	p.cancelSiblings(ctx, m, sub.ID, expired)
	p.voidOpenInvoices(ctx, sub.ID)
	p.publishProducts(ctx, dc.EventContext)
	return Outcome{}, nil
}

// cancelSiblings cancels the other subscriptions still billing expired
// products. Failures are logged.
func (p *pass) cancelSiblings(ctx context.Context, m *Machine, subscriptionID string, expired []*billsync.CustomerProduct) {
	var siblings []string
	for _, cp := range expired {
		siblings = append(siblings, lo.Without(cp.SubscriptionIDs, subscriptionID)...)
	}
	for _, id := range lo.Uniq(siblings) {
		err := m.Mutation.Guard(ctx, id, func(ctx context.Context) error {
			return p.proc.CancelSubscription(ctx, id)
		})
		if err != nil {
			p.logger.Warn("failed to cancel sibling subscription",
				billsync.F("subscription_id", id), billsync.F("error", err))
			continue
		}
		p.logger.Info("canceled sibling subscription", billsync.F("subscription_id", id))
	}
}

// voidOpenInvoices voids invoices the deleted subscription left open.
// Failures are logged.
func (p *pass) voidOpenInvoices(ctx context.Context, subscriptionID string) {
	open, err := p.proc.ListOpenInvoices(ctx, subscriptionID)
	if err != nil {
		p.logger.Warn("failed to list open invoices",
			billsync.F("subscription_id", subscriptionID), billsync.F("error", err))
		return
	}
	for _, inv := range open {
		if err := p.proc.VoidInvoice(ctx, inv.ID); err != nil {
			p.logger.Warn("failed to void invoice", billsync.F("invoice_id", inv.ID), billsync.F("error", err))
			continue
		}
		p.logger.Info("voided open invoice", billsync.F("invoice_id", inv.ID))
	}
}

// handleSubscriptionUpdated follows status, cancellation and schedule
// changes made outside this system.
func handleSubscriptionUpdated(ctx context.Context, p *pass) (Outcome, error) {
	evSub := p.event.Subscription
	if evSub == nil || evSub.ID == "" {
		return skipped(ReasonNotSubscription), nil
	}
	held, err := p.lockHeld(ctx, evSub.ID)
	if err != nil {
		return Outcome{}, err
	}
	if held {
		return skipped(ReasonLocked), nil
	}

	ec, err := p.builder().Build(ctx, p.scope, BuildOptions{
		SubscriptionID: evSub.ID,
		ScheduleID:     evSub.ScheduleID,
	})
	if err != nil {
		return Outcome{}, err
	}
	if ec == nil {
		return skipped(ReasonNoProducts), nil
	}
	uc := &SubscriptionUpdatedContext{EventContext: ec, Event: p.event}
	m := p.machine(uc.EventContext)

	sub := uc.Subscription
	if sub == nil {
		sub = evSub
	}

	if err := m.SyncStatus(ctx, sub); err != nil {
		return Outcome{}, err
	}

	switch {
	case cancelDetected(uc.Event, sub):
		if err := m.Cancel(ctx, sub); err != nil {
			return Outcome{}, err
		}
	case renewDetected(uc.Event, sub):
		if err := m.Renew(ctx, sub); err != nil {
			return Outcome{}, err
		}
	}

	if err := m.AdvanceSchedule(ctx, uc.Event); err != nil {
		return Outcome{}, err
	}

	p.publishProducts(ctx, uc.EventContext)
	return Outcome{}, nil
}

var cancelFields = []string{"cancel_at", "cancel_at_period_end", "canceled_at"}

// cancelDetected reports whether a cancellation field went from empty to set.
func cancelDetected(ev *billing.Event, sub *billing.Subscription) bool {
	if !sub.IsCanceling() {
		return false
	}
	return lo.SomeBy(cancelFields, ev.PreviouslyEmpty)
}

// renewDetected reports whether the cancellation was cleared.
func renewDetected(ev *billing.Event, sub *billing.Subscription) bool {
	if sub.IsCanceling() {
		return false
	}
	return lo.SomeBy(cancelFields, ev.PreviouslySet)
}
