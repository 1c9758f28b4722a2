// Package redis provides Redis implementations of the billsync.Locker and
// billsync.HandoffCache interfaces. Multi-key updates run as Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// Storage implements billsync.Locker and billsync.HandoffCache using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var (
	_ billsync.Locker       = (*Storage)(nil)
	_ billsync.HandoffCache = (*Storage)(nil)
)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "billsync:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// Append products to the handoff list and refresh its expiry.
	s.scripts["handoff_put"] = redis.NewScript(`
		local key = KEYS[1]
		local ttl = tonumber(ARGV[1])
		for i = 2, #ARGV do
			redis.call('RPUSH', key, ARGV[i])
		end
		redis.call('PEXPIRE', key, ttl)
		return redis.call('LLEN', key)
	`)
}

// TryAcquire implements billsync.Locker
func (s *Storage) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock %s: ttl must be positive", key)
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire %s: %v", billsync.ErrStorageUnavailable, key, err)
	}
	return ok, nil
}

// Exists implements billsync.Locker
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", billsync.ErrStorageUnavailable, key, err)
	}
	return n > 0, nil
}

// Release implements billsync.Locker
func (s *Storage) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: release %s: %v", billsync.ErrStorageUnavailable, key, err)
	}
	return nil
}

// PutExpired implements billsync.HandoffCache
func (s *Storage) PutExpired(ctx context.Context, subscriptionID string,
	products []*billsync.CustomerProduct, ttl time.Duration) error {
	args := make([]interface{}, 0, len(products)+1)
	args = append(args, ttl.Milliseconds())
	for _, cp := range products {
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("marshal customer product %s: %w", cp.ID, err)
		}
		args = append(args, string(data))
	}
	if len(args) == 1 {
		return nil
	}

	if err := s.scripts["handoff_put"].Run(ctx, s.client, []string{s.handoffKey(subscriptionID)}, args...).Err(); err != nil {
		return fmt.Errorf("%w: handoff put %s: %v", billsync.ErrStorageUnavailable, subscriptionID, err)
	}
	return nil
}

// GetExpired implements billsync.HandoffCache
func (s *Storage) GetExpired(ctx context.Context, subscriptionID string) ([]*billsync.CustomerProduct, error) {
	items, err := s.client.LRange(ctx, s.handoffKey(subscriptionID), 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: handoff get %s: %v", billsync.ErrStorageUnavailable, subscriptionID, err)
	}

	out := make([]*billsync.CustomerProduct, 0, len(items))
	for _, item := range items {
		var cp billsync.CustomerProduct
		if err := json.Unmarshal([]byte(item), &cp); err != nil {
			return nil, fmt.Errorf("unmarshal handoff product: %w", err)
		}
		out = append(out, &cp)
	}
	return out, nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) lockKey(key string) string {
	return s.config.KeyPrefix + "lock:" + key
}

func (s *Storage) handoffKey(subscriptionID string) string {
	return s.config.KeyPrefix + "handoff:" + subscriptionID
}
