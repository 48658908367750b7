// Package retry owns the delivery attempt lifecycle: backoff computation
// with jitter, time-ordered re-queuing of failed outbound calls, deferral
// while a circuit is open, and cancellation of superseded attempts.
package retry

import (
	"time"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/internal/entity"
	"github.com/interlock-io/interlock/outbound"
)

// AttemptState is the lifecycle state of a delivery attempt.
type AttemptState string

const (
	// AttemptPending means the attempt is queued awaiting execution.
	AttemptPending AttemptState = "pending"

	// AttemptSucceeded means the outbound call completed.
	AttemptSucceeded AttemptState = "succeeded"

	// AttemptFailed means the retry budget was exhausted or the remote
	// rejected the request permanently.
	AttemptFailed AttemptState = "failed"

	// AttemptCancelled means the attempt was superseded by a newer event
	// before it ran. Not counted as a breaker failure.
	AttemptCancelled AttemptState = "cancelled"
)

// Terminal reports whether the attempt will never run again.
func (s AttemptState) Terminal() bool {
	return s == AttemptSucceeded || s == AttemptFailed || s == AttemptCancelled
}

// Attempt is one outbound delivery owned by the retry scheduler from
// enqueue until a terminal state. Terminal attempts are reaped after a
// retention window.
type Attempt struct {
	entity.Entity

	// ID is the unique TypeID for this attempt.
	ID id.ID `json:"id"`

	// Key is the dedupe key of the event that triggered the call; the
	// processed-event record for this key is finalized when the attempt
	// reaches a terminal state.
	Key event.DedupeKey `json:"key"`

	// TenantID identifies the owning tenant.
	TenantID string `json:"tenant_id"`

	// Target is the upstream service being called.
	Target event.SourceService `json:"target"`

	// Fingerprint identifies the logical operation for supersede
	// cancellation.
	Fingerprint string `json:"fingerprint"`

	// Request is the outbound call to (re)issue.
	Request outbound.Request `json:"request"`

	// AttemptNumber is how many times the call has been performed.
	// Deferrals while the circuit is open do not advance it.
	AttemptNumber int `json:"attempt_number"`

	// MaxAttempts is the retry budget.
	MaxAttempts int `json:"max_attempts"`

	// ScheduledAt is when the attempt becomes due.
	ScheduledAt time.Time `json:"scheduled_at"`

	// State is the attempt lifecycle state.
	State AttemptState `json:"state"`

	// LastError is the error from the most recent execution.
	LastError string `json:"last_error,omitempty"`

	// CompletedAt is when the attempt reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ListOpts configures filtering and pagination for attempt listing.
type ListOpts struct {
	Offset   int
	Limit    int
	State    *AttemptState
	Target   event.SourceService
	TenantID string
}
