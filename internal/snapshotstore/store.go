// Package snapshotstore implements the durable snapshot key-value store
// (§6): a namespaced, TTL-bound string store backing Chase and Momentum
// restart recovery. Keys are namespaced "chase:<id>" / "momentum:<id>";
// values are caller-supplied JSON blobs.
package snapshotstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"perp-gateway/pkg/types"
)

const (
	// ChaseTTL is the snapshot lifetime for Chase Engine state (§6).
	ChaseTTL = 24 * time.Hour
	// MomentumTTL is the snapshot lifetime for Momentum Engine state (§6).
	MomentumTTL = 48 * time.Hour
)

// Store is the redis-backed snapshot key-value store.
type Store struct {
	rdb *redis.Client
}

// New creates a snapshot store against the given redis configuration.
func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping verifies connectivity at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func chaseKey(id string) string    { return fmt.Sprintf("chase:%s", id) }
func momentumKey(id string) string { return fmt.Sprintf("momentum:%s", id) }

// PutChase writes a chase snapshot with the chase TTL.
func (s *Store) PutChase(ctx context.Context, id string, value []byte) error {
	return s.rdb.Set(ctx, chaseKey(id), value, ChaseTTL).Err()
}

// GetChase reads a chase snapshot, returning ok=false if absent/expired.
func (s *Store) GetChase(ctx context.Context, id string) ([]byte, bool, error) {
	return s.get(ctx, chaseKey(id))
}

// DeleteChase removes a chase snapshot (on fill, cancel, or restart
// rehydration of a terminal exchange order).
func (s *Store) DeleteChase(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, chaseKey(id)).Err()
}

// ListChaseIDs returns every chase id with a live snapshot, for restart
// recovery.
func (s *Store) ListChaseIDs(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, "chase:*", "chase:")
}

// PutMomentum writes a momentum snapshot with the momentum TTL.
func (s *Store) PutMomentum(ctx context.Context, id string, value []byte) error {
	return s.rdb.Set(ctx, momentumKey(id), value, MomentumTTL).Err()
}

// GetMomentum reads a momentum snapshot, returning ok=false if absent/expired.
func (s *Store) GetMomentum(ctx context.Context, id string) ([]byte, bool, error) {
	return s.get(ctx, momentumKey(id))
}

// DeleteMomentum removes a momentum snapshot.
func (s *Store) DeleteMomentum(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, momentumKey(id)).Err()
}

// ListMomentumIDs returns every momentum instance id with a live snapshot.
func (s *Store) ListMomentumIDs(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, "momentum:*", "momentum:")
}

func (s *Store) get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) listIDs(ctx context.Context, pattern, prefix string) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ids = append(ids, key[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

const priceCacheTTL = 5 * time.Second

// WritePrice persists the latest price snapshot to the external cache,
// satisfying priceboard.CacheWriter. A short TTL means a crashed EC stops
// serving stale prices to any external reader rather than never expiring.
func (s *Store) WritePrice(ctx context.Context, snapshot types.PriceSnapshot) error {
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("price:%s", snapshot.Symbol)
	return s.rdb.Set(ctx, key, blob, priceCacheTTL).Err()
}

// AcquireReconcileLock takes a symbol-scoped advisory lock with the given
// TTL, used by the Order Reconciler's orphan sweep to prevent races with
// stream-driven reconciliation. Returns false if already held.
func (s *Store) AcquireReconcileLock(ctx context.Context, symbol string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("reconcile-lock:%s", symbol)
	ok, err := s.rdb.SetNX(ctx, key, "1", ttl).Result()
	return ok, err
}

// MarkRecentlyReconciled debounces re-reconciliation of symbol for ttl.
func (s *Store) MarkRecentlyReconciled(ctx context.Context, symbol string, ttl time.Duration) error {
	key := fmt.Sprintf("reconciled-recently:%s", symbol)
	return s.rdb.Set(ctx, key, "1", ttl).Err()
}

// WasRecentlyReconciled reports whether symbol is within its debounce
// window from a prior reconciliation.
func (s *Store) WasRecentlyReconciled(ctx context.Context, symbol string) (bool, error) {
	key := fmt.Sprintf("reconciled-recently:%s", symbol)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
