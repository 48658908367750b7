// Package processor applies validated webhook events to internal tenant
// state and triggers the outbound notifications those transitions require.
//
// Internal state is only ever reached through the DataAccess interface
// provided by the surrounding application; the engine never touches storage
// behind it directly.
package processor

import (
	"context"
	"errors"
)

// DataAccess failure classes. Both are permanent: internal state has
// rejected the transition and redelivery will not change the answer.
var (
	// ErrEntityNotFound is returned when the referenced entity (or the
	// tenant itself) does not exist.
	ErrEntityNotFound = errors.New("processor: entity not found")

	// ErrTransitionConflict is returned when internal state rejects the
	// requested transition.
	ErrTransitionConflict = errors.New("processor: transition conflict")
)

// EntityRef names one internal entity within a tenant.
type EntityRef struct {
	// Kind is the entity kind ("tenant", "user", "subscription", "message").
	Kind string `json:"kind"`

	// ID is the tenant-scoped entity identifier.
	ID string `json:"id"`
}

// Entity is an opaque view of internal entity state.
type Entity map[string]any

// Transition is a named business-level state change with its inputs.
type Transition struct {
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
}

// DataAccess is the narrow interface to the CRUD subsystem. Implementations
// must return ErrEntityNotFound and ErrTransitionConflict (possibly
// wrapped) for the corresponding failures; any other error is treated as
// infrastructure trouble and fails the processing attempt closed.
type DataAccess interface {
	// GetEntity returns the current state of one entity.
	GetEntity(ctx context.Context, tenantID string, ref EntityRef) (Entity, error)

	// ApplyTransition applies a business-level transition to one entity.
	ApplyTransition(ctx context.Context, tenantID string, ref EntityRef, tr Transition) error

	// WriteAuditEntry records an audit log entry for an applied change.
	WriteAuditEntry(ctx context.Context, tenantID, action string, ref EntityRef, detail map[string]any) error
}
