package billsync

import (
	"context"
	"fmt"
	"time"
)

// LockPolicy decides what a guard does when its Locker errors.
type LockPolicy int

const (
	// FailOpen lets the caller proceed as if the lock was free.
	FailOpen LockPolicy = iota
	// FailClosed surfaces ErrLockUnavailable to the caller.
	FailClosed
)

const (
	// DefaultIdempotencyTTL is how long a delivered event id is remembered.
	DefaultIdempotencyTTL = 5 * time.Minute

	// DefaultMutationLockTTL is how long a self-initiated subscription change
	// suppresses the matching webhook.
	DefaultMutationLockTTL = 10 * time.Second
)

// IdempotencyGuard deduplicates webhook deliveries by event id.
type IdempotencyGuard struct {
	locker Locker
	ttl    time.Duration
	policy LockPolicy
	logger Logger
}

// NewIdempotencyGuard creates a guard. A zero ttl uses DefaultIdempotencyTTL.
func NewIdempotencyGuard(locker Locker, ttl time.Duration, policy LockPolicy, logger Logger) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &IdempotencyGuard{locker: locker, ttl: ttl, policy: policy, logger: logger}
}

// IdempotencyKey returns the cache key used for an event delivery.
func IdempotencyKey(scope Scope, eventID string) string {
	return fmt.Sprintf("webhook:%s:%s:%s", scope.OrgID, scope.Env, eventID)
}

// Claim atomically marks the event as delivered. It returns false for a
// duplicate delivery inside the TTL window.
func (g *IdempotencyGuard) Claim(ctx context.Context, scope Scope, eventID string) (bool, error) {
	key := IdempotencyKey(scope, eventID)
	ok, err := g.locker.TryAcquire(ctx, key, g.ttl)
	if err != nil {
		if g.policy == FailClosed {
			return false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
		g.logger.Warn("idempotency check failed, processing event anyway",
			F("key", key), F("error", err))
		return true, nil
	}
	return ok, nil
}

// Forget releases the claim so a redelivery is processed again. Used when a
// pass fails with an error the processor will retry.
func (g *IdempotencyGuard) Forget(ctx context.Context, scope Scope, eventID string) {
	key := IdempotencyKey(scope, eventID)
	if err := g.locker.Release(ctx, key); err != nil {
		g.logger.Warn("failed to release idempotency key", F("key", key), F("error", err))
	}
}

// MutationLock marks subscriptions this system is changing itself.
type MutationLock struct {
	locker Locker
	ttl    time.Duration
	policy LockPolicy
	logger Logger
}

// NewMutationLock creates a mutation lock. A zero ttl uses DefaultMutationLockTTL.
func NewMutationLock(locker Locker, ttl time.Duration, policy LockPolicy, logger Logger) *MutationLock {
	if ttl <= 0 {
		ttl = DefaultMutationLockTTL
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &MutationLock{locker: locker, ttl: ttl, policy: policy, logger: logger}
}

// MutationKey returns the cache key of the lock for a subscription.
func MutationKey(subscriptionID string) string {
	return "mutation:" + subscriptionID
}

// Held reports whether a self-initiated change to the subscription is in flight.
func (m *MutationLock) Held(ctx context.Context, subscriptionID string) (bool, error) {
	held, err := m.locker.Exists(ctx, MutationKey(subscriptionID))
	if err != nil {
		if m.policy == FailClosed {
			return false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
		m.logger.Warn("mutation lock check failed, treating as free",
			F("subscription_id", subscriptionID), F("error", err))
		return false, nil
	}
	return held, nil
}

// Mark sets the lock for the subscription. An existing lock is left in place.
func (m *MutationLock) Mark(ctx context.Context, subscriptionID string) error {
	if _, err := m.locker.TryAcquire(ctx, MutationKey(subscriptionID), m.ttl); err != nil {
		if m.policy == FailClosed {
			return fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
		m.logger.Warn("failed to set mutation lock",
			F("subscription_id", subscriptionID), F("error", err))
	}
	return nil
}

// Guard marks the subscription and runs fn. The lock is left to expire so the
// webhook caused by fn still observes it.
func (m *MutationLock) Guard(ctx context.Context, subscriptionID string, fn func(context.Context) error) error {
	if err := m.Mark(ctx, subscriptionID); err != nil {
		return err
	}
	return fn(ctx)
}
