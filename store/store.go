// Package store defines the composite Store interface for all Interlock
// persistence.
//
// Each subsystem defines its own store interface; the aggregate Store
// composes them. Backends live in subpackages (memory, sqlite, redis,
// mongo) and implement the whole aggregate.
package store

import (
	"context"
	"errors"

	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/retry"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store: store is closed")

// Store is the aggregate persistence interface.
type Store interface {
	idempotency.Store
	retry.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks storage connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
