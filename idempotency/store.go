package idempotency

import (
	"context"
	"time"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
)

// Store defines the persistence contract for processed-event records.
//
// Implementations must make CheckAndReserve a single atomic compare-and-set:
// under concurrent callers with the same key exactly one observes Fresh and
// every other caller observes a duplicate verdict. Records must survive
// process restarts.
type Store interface {
	// CheckAndReserve atomically reserves candidate.Key if no live record
	// exists. A pending record older than staleAfter is treated as an
	// abandoned reservation and reclaimed: the caller gets Fresh and the
	// record's attempt count is advanced. For duplicate verdicts the
	// existing record is returned.
	CheckAndReserve(ctx context.Context, candidate *Record, staleAfter time.Duration) (Verdict, *Record, error)

	// MarkApplied transitions the record for key to applied. The record
	// is immutable afterwards.
	MarkApplied(ctx context.Context, key event.DedupeKey) error

	// MarkIgnored transitions the record for key to ignored with the
	// permanent failure reason.
	MarkIgnored(ctx context.Context, key event.DedupeKey, reason string) error

	// MarkFailed transitions the record for key to failed with the final
	// error after the retry budget was exhausted.
	MarkFailed(ctx context.Context, key event.DedupeKey, reason string) error

	// ExtendReservation pushes a pending reservation's ReservedAt forward
	// to until, so a record whose outbound delivery is queued for a later
	// retry is not reclaimed as stale while the attempt waits. Staleness
	// is then measured from the attempt's next scheduled execution, not
	// from the original reservation. Terminal records are left untouched;
	// an earlier until than the current ReservedAt is a no-op.
	ExtendReservation(ctx context.Context, key event.DedupeKey, until time.Time) error

	// ReleaseReservation removes a pending reservation so the upstream
	// sender's redelivery can start fresh. Used when processing could not
	// even be enqueued.
	ReleaseReservation(ctx context.Context, key event.DedupeKey) error

	// GetRecord returns a record by ID.
	GetRecord(ctx context.Context, recID id.ID) (*Record, error)

	// GetRecordByKey returns the record for a dedupe key.
	GetRecordByKey(ctx context.Context, key event.DedupeKey) (*Record, error)

	// ListRecords returns records, newest first, optionally filtered.
	ListRecords(ctx context.Context, opts ListOpts) ([]*Record, error)

	// CountRecords returns the number of records with the given status.
	CountRecords(ctx context.Context, status Status) (int64, error)
}
