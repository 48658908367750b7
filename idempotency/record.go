// Package idempotency is the single arbiter of "has this event been handled".
//
// It records which external event IDs have been applied, guaranteeing
// at-most-once side-effecting application no matter how aggressively the
// upstream sender redelivers. Reservation is a single atomic compare-and-set
// against the store, never lock-then-check-then-act in the caller.
package idempotency

import (
	"errors"
	"fmt"
	"time"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/internal/entity"
)

// Sentinel errors for idempotency operations.
var (
	// ErrConcurrentProcessing is returned when another in-flight attempt
	// holds the reservation and the bounded wait expired. The HTTP request
	// is safe to retry later.
	ErrConcurrentProcessing = errors.New("idempotency: concurrent processing in flight")

	// ErrRecordNotFound is returned when a processed-event record cannot
	// be found.
	ErrRecordNotFound = errors.New("idempotency: record not found")
)

// Status is the lifecycle state of a processed-event record.
type Status string

const (
	// StatusPending marks a reservation held by an in-flight processing
	// attempt (including the retry window of a deferred outbound call).
	StatusPending Status = "pending"

	// StatusApplied marks an event whose side effects have been applied.
	// Applied records are immutable.
	StatusApplied Status = "applied"

	// StatusIgnored marks an event rejected permanently by internal state.
	// Ignored events are never retried; they are surfaced to operators.
	StatusIgnored Status = "ignored"

	// StatusFailed marks an event whose outbound side effects exhausted
	// the retry budget.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusIgnored || s == StatusFailed
}

// Record is the durable processed-event record keyed by dedupe key.
type Record struct {
	entity.Entity

	// ID is the unique TypeID for this record.
	ID id.ID `json:"id"`

	// Key is the (source, event_id) dedupe key. Unique per store.
	Key event.DedupeKey `json:"key"`

	// TenantID identifies the tenant the event belonged to.
	TenantID string `json:"tenant_id"`

	// EventType is the upstream event type, kept for ops filtering.
	EventType string `json:"event_type"`

	// Status is the record lifecycle state.
	Status Status `json:"status"`

	// AttemptCount is the number of processing attempts, including stale
	// reservations reclaimed after a crash.
	AttemptCount int `json:"attempt_count"`

	// ReservedAt is when the current reservation was taken. Reservations
	// older than the staleness threshold are reclaimable.
	ReservedAt time.Time `json:"reserved_at"`

	// AppliedAt is when the event's side effects were applied.
	AppliedAt *time.Time `json:"applied_at,omitempty"`

	// LastError is the most recent processing error, for ignored and
	// failed records.
	LastError string `json:"last_error,omitempty"`
}

// NewRecord builds a pending record for a normalized event.
func NewRecord(evt *event.WebhookEvent) *Record {
	return &Record{
		Entity:       entity.New(),
		ID:           id.NewRecordID(),
		Key:          evt.DedupeKey(),
		TenantID:     evt.TenantID,
		EventType:    evt.Type,
		Status:       StatusPending,
		AttemptCount: 1,
		ReservedAt:   time.Now().UTC(),
	}
}

// Verdict is the outcome of a reservation check.
type Verdict int

const (
	// Fresh means the key was reserved for the caller: exactly one
	// concurrent caller per key observes Fresh.
	Fresh Verdict = iota

	// DuplicatePending means another attempt for the same key is in
	// flight.
	DuplicatePending

	// DuplicateApplied means the key already reached a terminal status;
	// processing short-circuits without re-running side effects.
	DuplicateApplied
)

// String returns the wire form of the verdict.
func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case DuplicatePending:
		return "duplicate-pending"
	case DuplicateApplied:
		return "duplicate-applied"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler so verdicts serialize as
// their wire form.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(data []byte) error {
	switch string(data) {
	case "fresh":
		*v = Fresh
	case "duplicate-pending":
		*v = DuplicatePending
	case "duplicate-applied":
		*v = DuplicateApplied
	default:
		return fmt.Errorf("idempotency: unknown verdict %q", data)
	}
	return nil
}

// ListOpts configures filtering and pagination for record listing.
type ListOpts struct {
	Offset   int
	Limit    int
	Status   *Status
	Source   event.SourceService
	TenantID string
}
