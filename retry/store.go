package retry

import (
	"context"
	"errors"
	"time"

	"github.com/interlock-io/interlock/id"
)

// ErrAttemptNotFound is returned when a delivery attempt cannot be found.
var ErrAttemptNotFound = errors.New("retry: attempt not found")

// Store defines the persistence contract for the time-ordered attempt queue.
type Store interface {
	// EnqueueAttempt persists a pending attempt.
	EnqueueAttempt(ctx context.Context, att *Attempt) error

	// DueAttempts claims up to limit pending attempts whose ScheduledAt
	// has passed, oldest first. Claimed attempts are invisible to
	// concurrent callers until UpdateAttempt releases them; a claim held
	// longer than reclaimAfter belongs to a dead worker and the attempt
	// becomes claimable again.
	DueAttempts(ctx context.Context, limit int, reclaimAfter time.Duration) ([]*Attempt, error)

	// UpdateAttempt persists attempt mutations and releases the claim.
	UpdateAttempt(ctx context.Context, att *Attempt) error

	// GetAttempt returns an attempt by ID.
	GetAttempt(ctx context.Context, attID id.ID) (*Attempt, error)

	// ListAttempts returns attempts, newest first, optionally filtered.
	ListAttempts(ctx context.Context, opts ListOpts) ([]*Attempt, error)

	// CancelAttempts transitions every pending attempt with the given
	// fingerprint to cancelled, returning how many were cancelled.
	CancelAttempts(ctx context.Context, fingerprint string) (int64, error)

	// CountAttempts returns the number of attempts in the given state.
	CountAttempts(ctx context.Context, state AttemptState) (int64, error)

	// ReapAttempts deletes terminal attempts completed before the cutoff,
	// returning how many were removed.
	ReapAttempts(ctx context.Context, before time.Time) (int64, error)
}
