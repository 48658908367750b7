// Package memory provides an in-memory Store implementation for unit
// testing and single-process deployments that can tolerate losing dedupe
// state on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/retry"
	ilstore "github.com/interlock-io/interlock/store"
)

// compile-time interface check.
var _ ilstore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	records     map[string]*idempotency.Record // keyed by dedupe key
	recordsByID map[string]*idempotency.Record // keyed by ID string
	attempts    map[string]*retry.Attempt      // keyed by ID string
	claims      map[string]time.Time           // claim time by attempt ID
	now         func() time.Time
	closed      bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records:     make(map[string]*idempotency.Record),
		recordsByID: make(map[string]*idempotency.Record),
		attempts:    make(map[string]*retry.Attempt),
		claims:      make(map[string]time.Time),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ilstore.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// idempotency.Store
// ──────────────────────────────────────────────────

// CheckAndReserve atomically reserves the candidate's dedupe key.
func (s *Store) CheckAndReserve(_ context.Context, candidate *idempotency.Record, staleAfter time.Duration) (idempotency.Verdict, *idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return idempotency.Fresh, nil, ilstore.ErrStoreClosed
	}

	key := candidate.Key.String()
	existing, ok := s.records[key]
	if !ok {
		rec := *candidate
		s.records[key] = &rec
		s.recordsByID[rec.ID.String()] = &rec
		out := rec
		return idempotency.Fresh, &out, nil
	}

	if existing.Status.Terminal() {
		out := *existing
		return idempotency.DuplicateApplied, &out, nil
	}

	// Pending. A reservation held past the staleness threshold was
	// abandoned by a crashed process and is reclaimed in place.
	if s.now().Sub(existing.ReservedAt) > staleAfter {
		existing.ReservedAt = s.now()
		existing.AttemptCount++
		existing.UpdatedAt = s.now()
		out := *existing
		return idempotency.Fresh, &out, nil
	}

	out := *existing
	return idempotency.DuplicatePending, &out, nil
}

// MarkApplied transitions the record for key to applied.
func (s *Store) MarkApplied(_ context.Context, key event.DedupeKey) error {
	return s.finalize(key, idempotency.StatusApplied, "")
}

// MarkIgnored transitions the record for key to ignored.
func (s *Store) MarkIgnored(_ context.Context, key event.DedupeKey, reason string) error {
	return s.finalize(key, idempotency.StatusIgnored, reason)
}

// MarkFailed transitions the record for key to failed.
func (s *Store) MarkFailed(_ context.Context, key event.DedupeKey, reason string) error {
	return s.finalize(key, idempotency.StatusFailed, reason)
}

func (s *Store) finalize(key event.DedupeKey, status idempotency.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ilstore.ErrStoreClosed
	}

	rec, ok := s.records[key.String()]
	if !ok {
		return idempotency.ErrRecordNotFound
	}
	if rec.Status.Terminal() {
		return nil
	}

	rec.Status = status
	rec.LastError = reason
	rec.UpdatedAt = s.now()
	if status == idempotency.StatusApplied {
		at := s.now()
		rec.AppliedAt = &at
	}
	return nil
}

// ExtendReservation pushes a pending reservation forward to until.
func (s *Store) ExtendReservation(_ context.Context, key event.DedupeKey, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ilstore.ErrStoreClosed
	}

	rec, ok := s.records[key.String()]
	if !ok {
		return idempotency.ErrRecordNotFound
	}
	if rec.Status.Terminal() {
		return nil
	}
	if until.After(rec.ReservedAt) {
		rec.ReservedAt = until
		rec.UpdatedAt = s.now()
	}
	return nil
}

// ReleaseReservation removes a pending reservation.
func (s *Store) ReleaseReservation(_ context.Context, key event.DedupeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ilstore.ErrStoreClosed
	}

	rec, ok := s.records[key.String()]
	if !ok || rec.Status.Terminal() {
		return nil
	}
	delete(s.records, key.String())
	delete(s.recordsByID, rec.ID.String())
	return nil
}

// GetRecord returns a record by ID.
func (s *Store) GetRecord(_ context.Context, recID id.ID) (*idempotency.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recordsByID[recID.String()]
	if !ok {
		return nil, idempotency.ErrRecordNotFound
	}
	out := *rec
	return &out, nil
}

// GetRecordByKey returns the record for a dedupe key.
func (s *Store) GetRecordByKey(_ context.Context, key event.DedupeKey) (*idempotency.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return nil, idempotency.ErrRecordNotFound
	}
	out := *rec
	return &out, nil
}

// ListRecords returns records, newest first, optionally filtered.
func (s *Store) ListRecords(_ context.Context, opts idempotency.ListOpts) ([]*idempotency.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*idempotency.Record, 0, len(s.records))
	for _, rec := range s.records {
		if opts.Status != nil && rec.Status != *opts.Status {
			continue
		}
		if opts.Source != "" && rec.Key.Source != opts.Source {
			continue
		}
		if opts.TenantID != "" && rec.TenantID != opts.TenantID {
			continue
		}
		out := *rec
		result = append(result, &out)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

// CountRecords returns the number of records with the given status.
func (s *Store) CountRecords(_ context.Context, status idempotency.Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.records {
		if rec.Status == status {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// retry.Store
// ──────────────────────────────────────────────────

// EnqueueAttempt persists a pending attempt.
func (s *Store) EnqueueAttempt(_ context.Context, att *retry.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ilstore.ErrStoreClosed
	}

	cp := *att
	s.attempts[cp.ID.String()] = &cp
	return nil
}

// DueAttempts claims up to limit due pending attempts, oldest first. A
// claim older than reclaimAfter belongs to a worker that never reported
// back and is claimable again.
func (s *Store) DueAttempts(_ context.Context, limit int, reclaimAfter time.Duration) ([]*retry.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ilstore.ErrStoreClosed
	}

	now := s.now()
	due := make([]*retry.Attempt, 0, limit)
	for _, att := range s.attempts {
		if att.State != retry.AttemptPending {
			continue
		}
		if claimedAt, ok := s.claims[att.ID.String()]; ok && now.Sub(claimedAt) <= reclaimAfter {
			continue
		}
		if att.ScheduledAt.After(now) {
			continue
		}
		due = append(due, att)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*retry.Attempt, 0, len(due))
	for _, att := range due {
		s.claims[att.ID.String()] = now
		cp := *att
		out = append(out, &cp)
	}
	return out, nil
}

// UpdateAttempt persists attempt mutations and releases the claim.
func (s *Store) UpdateAttempt(_ context.Context, att *retry.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ilstore.ErrStoreClosed
	}

	if _, ok := s.attempts[att.ID.String()]; !ok {
		return retry.ErrAttemptNotFound
	}
	cp := *att
	cp.UpdatedAt = s.now()
	s.attempts[cp.ID.String()] = &cp
	delete(s.claims, cp.ID.String())
	return nil
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(_ context.Context, attID id.ID) (*retry.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	att, ok := s.attempts[attID.String()]
	if !ok {
		return nil, retry.ErrAttemptNotFound
	}
	out := *att
	return &out, nil
}

// ListAttempts returns attempts, newest first, optionally filtered.
func (s *Store) ListAttempts(_ context.Context, opts retry.ListOpts) ([]*retry.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*retry.Attempt, 0, len(s.attempts))
	for _, att := range s.attempts {
		if opts.State != nil && att.State != *opts.State {
			continue
		}
		if opts.Target != "" && att.Target != opts.Target {
			continue
		}
		if opts.TenantID != "" && att.TenantID != opts.TenantID {
			continue
		}
		out := *att
		result = append(result, &out)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginateAttempts(result, opts.Offset, opts.Limit), nil
}

// CancelAttempts transitions pending attempts with the fingerprint to
// cancelled.
func (s *Store) CancelAttempts(_ context.Context, fingerprint string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ilstore.ErrStoreClosed
	}

	var n int64
	now := s.now()
	for _, att := range s.attempts {
		if att.State != retry.AttemptPending || att.Fingerprint != fingerprint {
			continue
		}
		if _, ok := s.claims[att.ID.String()]; ok {
			// In flight right now; the dispatcher owns it.
			continue
		}
		att.State = retry.AttemptCancelled
		att.CompletedAt = &now
		att.UpdatedAt = now
		n++
	}
	return n, nil
}

// CountAttempts returns the number of attempts in the given state.
func (s *Store) CountAttempts(_ context.Context, state retry.AttemptState) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, att := range s.attempts {
		if att.State == state {
			n++
		}
	}
	return n, nil
}

// ReapAttempts deletes terminal attempts completed before the cutoff.
func (s *Store) ReapAttempts(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ilstore.ErrStoreClosed
	}

	var n int64
	for key, att := range s.attempts {
		if !att.State.Terminal() || att.CompletedAt == nil {
			continue
		}
		if att.CompletedAt.Before(before) {
			delete(s.attempts, key)
			n++
		}
	}
	return n, nil
}

func paginate(in []*idempotency.Record, offset, limit int) []*idempotency.Record {
	if offset >= len(in) {
		return []*idempotency.Record{}
	}
	in = in[offset:]
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func paginateAttempts(in []*retry.Attempt, offset, limit int) []*retry.Attempt {
	if offset >= len(in) {
		return []*retry.Attempt{}
	}
	in = in[offset:]
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
