// Package redis implements store.Store on Redis via go-redis. The dedupe
// CAS and queue claim are Lua scripts, so they stay atomic across engine
// replicas sharing one Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	ilstore "github.com/interlock-io/interlock/store"
)

// Key prefixes for primary entity storage.
const (
	prefixRecord  = "interlock:rec:"    // + dedupe key
	prefixRecID   = "interlock:rec:id:" // + record ID → dedupe key
	prefixAttempt = "interlock:att:"    // + attempt ID
)

// Sorted set and set indexes.
const (
	zRecordAll    = "interlock:z:rec:all"
	zAttemptAll   = "interlock:z:att:all"
	zAttemptPend  = "interlock:z:att:pending"
	zAttemptClaim = "interlock:z:att:claimed" // scored by claim time
	sRecordStatus = "interlock:s:rec:status:" // + status
	sAttemptState = "interlock:s:att:state:"  // + state
	sAttemptFptr  = "interlock:s:att:fp:"     // + fingerprint (pending only)
)

// compile-time interface check.
var _ ilstore.Store = (*Store)(nil)

// Store implements store.Store using Redis.
type Store struct {
	rdb goredis.UniversalClient
}

// New creates a Redis store over the given client.
func New(rdb goredis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Migrate is a no-op for Redis (no schema migrations needed).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// scoreFromTime converts a time to a sorted set score (unix seconds).
func scoreFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// isRedisNil checks for the Redis nil (key not found) reply.
func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

// getEntity retrieves and decodes a JSON entity.
func (s *Store) getEntity(ctx context.Context, key string, dest any) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// setEntity encodes and stores a JSON entity.
func (s *Store) setEntity(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("interlock/redis: marshal entity: %w", err)
	}
	return s.rdb.Set(ctx, key, raw, 0).Err()
}

// applyPagination applies offset and limit to a slice.
func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
