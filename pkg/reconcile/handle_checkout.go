package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// MetadataCustomerProductIDs is the checkout and subscription metadata key
// naming the customer products a checkout pays for.
const MetadataCustomerProductIDs = "customer_product_ids"

// ParseCustomerProductIDs splits a comma separated id list.
func ParseCustomerProductIDs(raw string) []string {
	ids := lo.Map(strings.Split(raw, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Uniq(lo.Compact(ids))
}

// handleCheckoutCompleted links the subscription created by a checkout to the
// customer products it paid for and activates those whose start has passed.
func handleCheckoutCompleted(ctx context.Context, p *pass) (Outcome, error) {
	cs := p.event.CheckoutSession
	if cs == nil || cs.SubscriptionID == "" {
		return skipped(ReasonNotSubscription), nil
	}
	ids := ParseCustomerProductIDs(cs.Metadata[MetadataCustomerProductIDs])
	if len(ids) == 0 {
		return skipped(ReasonNoLinkedIDs), nil
	}

	products, err := p.store.GetCustomerProducts(ctx, ids)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load checkout products: %w", err)
	}
	if len(products) == 0 {
		return skipped(ReasonNoProducts), nil
	}

	ec, err := p.builder().Build(ctx, p.scope, BuildOptions{
		SubscriptionID: cs.SubscriptionID,
		Products:       products,
	})
	if err != nil {
		return Outcome{}, err
	}
	if ec == nil {
		return skipped(ReasonNoProducts), nil
	}
	cc := &CheckoutContext{EventContext: ec, Session: cs}
	m := p.machine(cc.EventContext)

	scheduleID := ""
	if cc.Subscription != nil {
		scheduleID = cc.Subscription.ScheduleID
	}

	for _, cp := range cc.Products() {
		if cp.HasSubscription(cs.SubscriptionID) {
			continue
		}
		ids := append(append([]string{}, cp.SubscriptionIDs...), cs.SubscriptionID)
		if _, err := m.update(ctx, cp.ID, "", billsync.CustomerProductUpdate{
			SubscriptionIDs: billsync.StringsPtr(ids),
		}); err != nil {
			return Outcome{}, err
		}
	}

	err = m.Mutation.Guard(ctx, cs.SubscriptionID, func(ctx context.Context) error {
		return p.proc.UpdateSubscriptionMetadata(ctx, cs.SubscriptionID, map[string]string{
			MetadataCustomerProductIDs: strings.Join(productIDs(cc.Products()), ","),
		})
	})
	if err != nil {
		p.logger.Warn("failed to tag subscription metadata",
			billsync.F("subscription_id", cs.SubscriptionID), billsync.F("error", err))
	}

	if _, err := m.ActivateScheduled(ctx, cs.SubscriptionID, scheduleID); err != nil {
		return Outcome{}, err
	}

	p.publishProducts(ctx, cc.EventContext)
	return Outcome{}, nil
}
