// Package firestore provides a Firestore implementation of the billsync.Locker interface.
// Each key is a document holding its expiry; a Firestore TTL policy on the
// expiresAt field can be configured to purge stale documents.
package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// Storage implements billsync.Locker using Google Cloud Firestore
type Storage struct {
	client          *firestore.Client
	locksCollection string
	now             func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// LocksCollection is the Firestore collection for lock documents
	// Default: "billsync_locks"
	LocksCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.LocksCollection == "" {
		config.LocksCollection = "billsync_locks"
	}

	return &Storage{
		client:          client,
		locksCollection: config.LocksCollection,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// TryAcquire implements billsync.Locker. An expired document is treated as absent.
func (s *Storage) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock %s: ttl must be positive", key)
	}

	doc := s.lockDoc(key)
	acquired := false
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		acquired = false
		now := s.now()

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() && getTime(snap.Data(), "expiresAt").After(now) {
			return nil
		}

		acquired = true
		return tx.Set(doc, map[string]interface{}{
			"key":        key,
			"acquiredAt": now,
			"expiresAt":  now.Add(ttl),
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w: %w", key, billsync.ErrStorageUnavailable, err)
	}
	return acquired, nil
}

// Exists implements billsync.Locker
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	snap, err := s.lockDoc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get lock %s: %w: %w", key, billsync.ErrStorageUnavailable, err)
	}
	if !snap.Exists() {
		return false, nil
	}
	return getTime(snap.Data(), "expiresAt").After(s.now()), nil
}

// Release implements billsync.Locker
func (s *Storage) Release(ctx context.Context, key string) error {
	if _, err := s.lockDoc(key).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to release lock %s: %w: %w", key, billsync.ErrStorageUnavailable, err)
	}
	return nil
}

// lockDoc maps a lock key to a document. Slashes are not allowed in document ids.
func (s *Storage) lockDoc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.locksCollection).Doc(strings.ReplaceAll(key, "/", "%2F"))
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
