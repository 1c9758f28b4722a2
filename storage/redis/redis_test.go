package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(setupTestRedis(t), DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil client")
	}

	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.config.KeyPrefix != "billsync:" {
		t.Errorf("expected default key prefix, got %q", s.config.KeyPrefix)
	}
}

func TestStorage_KeyGeneration(t *testing.T) {
	s, _ := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{KeyPrefix: "test:"})

	if got := s.lockKey("mutation:sub_1"); got != "test:lock:mutation:sub_1" {
		t.Errorf("lockKey = %q", got)
	}
	if got := s.handoffKey("sub_1"); got != "test:handoff:sub_1" {
		t.Errorf("handoffKey = %q", got)
	}
}

func TestStorage_Locker(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	ok, err := s.TryAcquire(ctx, "webhook:org_1:live:evt_1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, err = s.TryAcquire(ctx, "webhook:org_1:live:evt_1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire = %v, %v; want false", ok, err)
	}

	exists, err := s.Exists(ctx, "webhook:org_1:live:evt_1")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v", exists, err)
	}

	if err := s.Release(ctx, "webhook:org_1:live:evt_1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	ok, err = s.TryAcquire(ctx, "webhook:org_1:live:evt_1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release = %v, %v", ok, err)
	}
}

func TestStorage_LockerTTL(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	if _, err := s.TryAcquire(ctx, "k", 0); err == nil {
		t.Error("expected error for zero ttl")
	}

	if ok, _ := s.TryAcquire(ctx, "k", 100*time.Millisecond); !ok {
		t.Fatal("expected acquire")
	}
	ttl := s.client.PTTL(ctx, s.lockKey("k")).Val()
	if ttl <= 0 || ttl > 100*time.Millisecond {
		t.Errorf("unexpected ttl %v", ttl)
	}

	time.Sleep(200 * time.Millisecond)
	if exists, _ := s.Exists(ctx, "k"); exists {
		t.Error("expected key to expire")
	}
}

func TestStorage_ConcurrentAcquire(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.TryAcquire(ctx, "arrear:sub_1:1711929600", time.Minute); err == nil && ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", won.Load())
	}
}

func TestStorage_Handoff(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	got, err := s.GetExpired(ctx, "sub_1")
	if err != nil || len(got) != 0 {
		t.Fatalf("empty GetExpired = %v, %v", got, err)
	}

	first := &billsync.CustomerProduct{
		ID:     "cp_pro",
		Status: billsync.StatusExpired,
		CustomerEntitlements: []*billsync.CustomerEntitlement{
			{ID: "ce_1", Usage: decimal.RequireFromString("150")},
		},
	}
	second := &billsync.CustomerProduct{ID: "cp_seats", Status: billsync.StatusExpired}

	if err := s.PutExpired(ctx, "sub_1", []*billsync.CustomerProduct{first}, time.Minute); err != nil {
		t.Fatalf("PutExpired() error = %v", err)
	}
	if err := s.PutExpired(ctx, "sub_1", []*billsync.CustomerProduct{second}, time.Minute); err != nil {
		t.Fatalf("PutExpired() error = %v", err)
	}
	if err := s.PutExpired(ctx, "sub_1", nil, time.Minute); err != nil {
		t.Fatalf("PutExpired(nil) error = %v", err)
	}

	got, err = s.GetExpired(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetExpired() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "cp_pro" || got[1].ID != "cp_seats" {
		t.Fatalf("unexpected handoff contents: %+v", got)
	}
	if !got[0].CustomerEntitlements[0].Usage.Equal(decimal.RequireFromString("150")) {
		t.Errorf("usage lost in round trip: %s", got[0].CustomerEntitlements[0].Usage)
	}

	other, _ := s.GetExpired(ctx, "sub_2")
	if len(other) != 0 {
		t.Errorf("expected no products for another subscription, got %d", len(other))
	}
}
