// Package reconcile applies processor webhook events to the merchant's billing
// state: customer product transitions, arrear usage billing, and the local
// invoice mirror.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// Skip reasons reported in Outcome.Reason.
const (
	ReasonDuplicate       = "duplicate delivery"
	ReasonUnhandled       = "unhandled event type"
	ReasonNotSubscription = "event is not subscription scoped"
	ReasonNoProducts      = "no customer products linked to subscription"
	ReasonLocked          = "subscription mutation in flight"
	ReasonNotDraft        = "invoice is not a draft"
	ReasonNoLinkedIDs     = "checkout carries no customer product ids"
)

// DefaultHandoffTTL bounds how long expired products wait for the next
// invoice.created of their subscription.
const DefaultHandoffTTL = 24 * time.Hour

// DefaultArrearMarkerTTL bounds the billed marker of one subscription period.
const DefaultArrearMarkerTTL = 24 * time.Hour

// Outcome is the result of one pass. A skipped pass is not an error.
type Outcome struct {
	Skipped bool
	Reason  string
}

func skipped(reason string) Outcome { return Outcome{Skipped: true, Reason: reason} }

// Request is the request-scoped context of one delivery.
type Request struct {
	Org       billsync.Org
	Env       billsync.Env
	Logger    billsync.Logger
	Processor billing.Processor

	// Store overrides the engine's store for this request when set.
	Store billsync.Store
}

// Scope returns the request's scope.
func (r *Request) Scope() billsync.Scope {
	return billsync.Scope{OrgID: r.Org.ID, Env: r.Env}
}

// Config holds the engine collaborators.
type Config struct {
	Store   billsync.Store
	Locker  billsync.Locker
	Handoff billsync.HandoffCache

	Logger    billsync.Logger
	Metrics   billsync.Metrics
	Publisher billsync.Publisher
	Reporter  billsync.ErrorReporter
	Clock     billsync.Clock

	LockPolicy      billsync.LockPolicy
	IdempotencyTTL  time.Duration
	MutationLockTTL time.Duration
	HandoffTTL      time.Duration
	ArrearMarkerTTL time.Duration

	// Orgs supplies per-merchant configuration when events arrive through
	// Consume. Unknown orgs use the tenant's Org as is.
	Orgs map[string]billsync.OrgConfig
}

// Engine routes verified events to their handlers.
type Engine struct {
	store     billsync.Store
	locker    billsync.Locker
	handoff   billsync.HandoffCache
	logger    billsync.Logger
	metrics   billsync.Metrics
	publisher billsync.Publisher
	reporter  billsync.ErrorReporter
	clock     billsync.Clock

	guard      *billsync.IdempotencyGuard
	mutation   *billsync.MutationLock
	policy     billsync.LockPolicy
	handoffTTL time.Duration
	markerTTL  time.Duration
	orgs       map[string]billsync.OrgConfig
}

// New creates an engine. Store and Locker are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if cfg.Locker == nil {
		return nil, errors.New("reconcile: locker is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &billsync.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &billsync.NoopMetrics{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = billsync.NoopPublisher{}
	}
	if cfg.Reporter == nil {
		cfg.Reporter = billsync.LogReporter{Logger: cfg.Logger}
	}
	if cfg.Clock == nil {
		cfg.Clock = billsync.SystemClock{}
	}
	if cfg.HandoffTTL <= 0 {
		cfg.HandoffTTL = DefaultHandoffTTL
	}
	if cfg.ArrearMarkerTTL <= 0 {
		cfg.ArrearMarkerTTL = DefaultArrearMarkerTTL
	}

	return &Engine{
		store:      cfg.Store,
		locker:     cfg.Locker,
		handoff:    cfg.Handoff,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		publisher:  cfg.Publisher,
		reporter:   cfg.Reporter,
		clock:      cfg.Clock,
		guard:      billsync.NewIdempotencyGuard(cfg.Locker, cfg.IdempotencyTTL, cfg.LockPolicy, cfg.Logger),
		mutation:   billsync.NewMutationLock(cfg.Locker, cfg.MutationLockTTL, cfg.LockPolicy, cfg.Logger),
		policy:     cfg.LockPolicy,
		handoffTTL: cfg.HandoffTTL,
		markerTTL:  cfg.ArrearMarkerTTL,
		orgs:       cfg.Orgs,
	}, nil
}

// MutationLock exposes the engine's mutation lock so attach and cancel flows
// can mark subscriptions they are about to change.
func (e *Engine) MutationLock() *billsync.MutationLock { return e.mutation }

var _ billing.EventSink = (*Engine)(nil)

// Consume implements billing.EventSink
func (e *Engine) Consume(ctx context.Context, tenant billing.Tenant, processor billing.Processor, event *billing.Event) error {
	org := tenant.Org
	if cfg, ok := e.orgs[org.ID]; ok {
		org.Config = cfg
	}
	_, err := e.HandleEvent(ctx, &Request{
		Org:       org,
		Env:       tenant.Env,
		Logger:    e.logger,
		Processor: processor,
	}, event)
	return err
}

type handlerFunc func(ctx context.Context, p *pass) (Outcome, error)

func (e *Engine) handlerFor(eventType string) handlerFunc {
	switch eventType {
	case billing.EventInvoiceCreated:
		return handleInvoiceCreated
	case billing.EventInvoiceFinalized:
		return handleInvoiceFinalized
	case billing.EventInvoicePaid:
		return handleInvoicePaid
	case billing.EventSubscriptionDeleted:
		return handleSubscriptionDeleted
	case billing.EventSubscriptionUpdated:
		return handleSubscriptionUpdated
	case billing.EventCheckoutSessionComplete:
		return handleCheckoutCompleted
	}
	return nil
}

// HandleEvent runs one reconciliation pass for event. Duplicate deliveries,
// unrelated events and locked subscriptions are reported as skipped outcomes.
// A returned error means the pass failed and the delivery should be retried.
func (e *Engine) HandleEvent(ctx context.Context, req *Request, event *billing.Event) (Outcome, error) {
	if req == nil || event == nil {
		return Outcome{}, errors.New("reconcile: request and event are required")
	}
	if req.Processor == nil {
		return Outcome{}, billing.ErrProviderNotConfigured
	}

	start := time.Now()
	scope := req.Scope()
	logger := billsync.WithFields(req.Logger,
		billsync.F("org_id", scope.OrgID),
		billsync.F("env", scope.Env),
		billsync.F("event_id", event.ID),
		billsync.F("event_type", event.Type),
	)

	handler := e.handlerFor(event.Type)
	if handler == nil {
		logger.Debug("ignoring event")
		e.metrics.RecordEvent(event.Type, "skipped", time.Since(start))
		return skipped(ReasonUnhandled), nil
	}

	claimed, err := e.guard.Claim(ctx, scope, event.ID)
	if err != nil {
		e.metrics.RecordEvent(event.Type, "failed", time.Since(start))
		return Outcome{}, err
	}
	if !claimed {
		logger.Info("duplicate delivery, skipping")
		e.metrics.RecordDuplicate(event.Type)
		e.metrics.RecordEvent(event.Type, "skipped", time.Since(start))
		return skipped(ReasonDuplicate), nil
	}

	store := req.Store
	if store == nil {
		store = e.store
	}
	p := &pass{
		engine: e,
		req:    req,
		event:  event,
		scope:  scope,
		store:  store,
		proc:   req.Processor,
		logger: logger,
	}

	outcome, err := handler(ctx, p)
	if p.tracker != nil {
		logger.Info("customer products reconciled", p.tracker.Fields()...)
	}
	if err != nil {
		e.guard.Forget(ctx, scope, event.ID)
		logger.Error("reconciliation failed", billsync.F("error", err))
		e.metrics.RecordEvent(event.Type, "failed", time.Since(start))
		return Outcome{}, fmt.Errorf("failed to handle %s %s: %w", event.Type, event.ID, err)
	}

	if outcome.Skipped {
		logger.Info("event skipped", billsync.F("reason", outcome.Reason))
		e.metrics.RecordEvent(event.Type, "skipped", time.Since(start))
		return outcome, nil
	}
	e.metrics.RecordEvent(event.Type, "processed", time.Since(start))
	return outcome, nil
}

// pass is the state of one handler invocation.
type pass struct {
	engine *Engine
	req    *Request
	event  *billing.Event
	scope  billsync.Scope
	store  billsync.Store
	proc   billing.Processor
	logger billsync.Logger

	// tracker is set once the event context is built
	tracker *billsync.ChangeTracker
}

func (p *pass) builder() *Builder {
	return &Builder{
		Store:     p.store,
		Processor: p.proc,
		Handoff:   p.engine.handoff,
		Clock:     p.engine.clock,
		Logger:    p.logger,
	}
}

func (p *pass) machine(ec *EventContext) *Machine {
	p.tracker = ec.Tracker
	return &Machine{
		Ctx:        ec,
		Store:      p.store,
		Processor:  p.proc,
		Org:        p.req.Org,
		Mutation:   p.engine.mutation,
		Handoff:    p.engine.handoff,
		HandoffTTL: p.engine.handoffTTL,
		Logger:     p.logger,
		Metrics:    p.engine.metrics,
		Reporter:   p.engine.reporter,
	}
}

// lockHeld reports whether the subscription is being changed by this system.
func (p *pass) lockHeld(ctx context.Context, subscriptionID string) (bool, error) {
	held, err := p.engine.mutation.Held(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	if held {
		p.engine.metrics.RecordLockSkip(p.event.Type)
	}
	return held, nil
}

// publish forwards a notification; failures are logged only.
func (p *pass) publish(ctx context.Context, topic string, payload interface{}) {
	if err := p.engine.publisher.Publish(ctx, topic, payload); err != nil {
		p.logger.Warn("failed to publish notification",
			billsync.F("topic", topic), billsync.F("error", err))
	}
}

func (p *pass) publishProducts(ctx context.Context, ec *EventContext) {
	if !ec.Tracker.Dirty() {
		return
	}
	customer := ec.Customer()
	p.publish(ctx, billsync.TopicProductsUpdated, ProductsUpdated{
		OrgID:      p.scope.OrgID,
		Env:        p.scope.Env,
		CustomerID: customer.ID,
		EventID:    p.event.ID,
		Updated:    ec.Tracker.Updated(),
		Inserted:   productIDs(ec.Tracker.Inserted()),
		Deleted:    productIDs(ec.Tracker.Deleted()),
	})
}

// ProductsUpdated is the payload of billsync.TopicProductsUpdated.
type ProductsUpdated struct {
	OrgID      string                 `json:"org_id"`
	Env        billsync.Env           `json:"env"`
	CustomerID string                 `json:"customer_id"`
	EventID    string                 `json:"event_id"`
	Updated    []billsync.ChangeEntry `json:"updated"`
	Inserted   []string               `json:"inserted"`
	Deleted    []string               `json:"deleted"`
}

func productIDs(list []*billsync.CustomerProduct) []string {
	return lo.Map(list, func(cp *billsync.CustomerProduct, _ int) string { return cp.ID })
}
