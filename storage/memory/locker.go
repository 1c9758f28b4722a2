package memory

import (
	"context"
	"sync"
	"time"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// Locker implements billsync.Locker with a mutex-guarded expiry map.
type Locker struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewLocker creates an in-memory locker using the wall clock.
func NewLocker() *Locker {
	return NewLockerWithClock(time.Now)
}

// NewLockerWithClock creates an in-memory locker driven by now.
func NewLockerWithClock(now func() time.Time) *Locker {
	return &Locker{keys: make(map[string]time.Time), now: now}
}

// TryAcquire implements billsync.Locker
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.keys[key] = now.Add(ttl)
	return true, nil
}

// Exists implements billsync.Locker
func (l *Locker) Exists(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exp, ok := l.keys[key]
	if !ok {
		return false, nil
	}
	if !l.now().Before(exp) {
		delete(l.keys, key)
		return false, nil
	}
	return true, nil
}

// Release implements billsync.Locker
func (l *Locker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
	return nil
}

// HandoffCache implements billsync.HandoffCache in process memory.
type HandoffCache struct {
	mu      sync.Mutex
	entries map[string]handoffEntry
	now     func() time.Time
}

type handoffEntry struct {
	products  []*billsync.CustomerProduct
	expiresAt time.Time
}

// NewHandoffCache creates an in-memory handoff cache.
func NewHandoffCache() *HandoffCache {
	return &HandoffCache{entries: make(map[string]handoffEntry), now: time.Now}
}

// PutExpired implements billsync.HandoffCache
func (c *HandoffCache) PutExpired(ctx context.Context, subscriptionID string,
	products []*billsync.CustomerProduct, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[subscriptionID]
	if !c.now().Before(entry.expiresAt) {
		entry.products = nil
	}
	for _, cp := range products {
		entry.products = append(entry.products, cp.Clone())
	}
	entry.expiresAt = c.now().Add(ttl)
	c.entries[subscriptionID] = entry
	return nil
}

// GetExpired implements billsync.HandoffCache
func (c *HandoffCache) GetExpired(ctx context.Context, subscriptionID string) ([]*billsync.CustomerProduct, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[subscriptionID]
	if !ok || !c.now().Before(entry.expiresAt) {
		delete(c.entries, subscriptionID)
		return nil, nil
	}
	out := make([]*billsync.CustomerProduct, len(entry.products))
	for i, cp := range entry.products {
		out[i] = cp.Clone()
	}
	return out, nil
}
