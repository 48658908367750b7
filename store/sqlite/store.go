// Package sqlite implements store.Store on SQLite via database/sql and the
// mattn/go-sqlite3 driver. Suitable for single-node deployments; the dedupe
// CAS rides on the table's unique dedupe_key constraint.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// SQLite driver registration.
	_ "github.com/mattn/go-sqlite3"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/retry"
	ilstore "github.com/interlock-io/interlock/store"
)

// compile-time interface check.
var _ ilstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a SQLite store over an opened database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the SQLite database at path and returns a store over it.
// Busy timeout and foreign keys are set via DSN parameters; the connection
// pool is capped at one writer, which is how SQLite behaves anyway.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return New(db), nil
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== idempotency.Store ====================

func (s *Store) CheckAndReserve(ctx context.Context, candidate *idempotency.Record, staleAfter time.Duration) (idempotency.Verdict, *idempotency.Record, error) {
	now := time.Now().UTC()

	// Insert wins the reservation; ON CONFLICT DO NOTHING loses it to an
	// existing row without erroring.
	res, err := s.db.ExecContext(ctx, `
INSERT INTO interlock_records
(id, dedupe_key, source, event_id, tenant_id, event_type, status, attempt_count, reserved_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (dedupe_key) DO NOTHING`,
		candidate.ID.String(), candidate.Key.String(), string(candidate.Key.Source),
		candidate.Key.EventID, candidate.TenantID, candidate.EventType,
		string(candidate.Status), candidate.AttemptCount,
		formatTime(candidate.ReservedAt), formatTime(candidate.CreatedAt), formatTime(candidate.UpdatedAt))
	if err != nil {
		return idempotency.Fresh, nil, fmt.Errorf("reserve record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		out := *candidate
		return idempotency.Fresh, &out, nil
	}

	existing, err := s.GetRecordByKey(ctx, candidate.Key)
	if err != nil {
		return idempotency.Fresh, nil, err
	}
	if existing.Status.Terminal() {
		return idempotency.DuplicateApplied, existing, nil
	}

	// Pending row. Reclaim the reservation only if it has gone stale; the
	// WHERE clause is the compare half of the CAS, so concurrent
	// reclaimers race on rows affected.
	cutoff := now.Add(-staleAfter)
	res, err = s.db.ExecContext(ctx, `
UPDATE interlock_records
SET reserved_at = ?, attempt_count = attempt_count + 1, updated_at = ?
WHERE dedupe_key = ? AND status = 'pending' AND reserved_at <= ?`,
		formatTime(now), formatTime(now), candidate.Key.String(), formatTime(cutoff))
	if err != nil {
		return idempotency.Fresh, nil, fmt.Errorf("reclaim stale reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		reclaimed, err := s.GetRecordByKey(ctx, candidate.Key)
		if err != nil {
			return idempotency.Fresh, nil, err
		}
		return idempotency.Fresh, reclaimed, nil
	}

	return idempotency.DuplicatePending, existing, nil
}

func (s *Store) MarkApplied(ctx context.Context, key event.DedupeKey) error {
	now := formatTime(time.Now().UTC())
	return s.finalize(ctx, key, `
UPDATE interlock_records
SET status = 'applied', applied_at = ?, updated_at = ?
WHERE dedupe_key = ? AND status = 'pending'`, now, now, key.String())
}

func (s *Store) MarkIgnored(ctx context.Context, key event.DedupeKey, reason string) error {
	now := formatTime(time.Now().UTC())
	return s.finalize(ctx, key, `
UPDATE interlock_records
SET status = 'ignored', last_error = ?, updated_at = ?
WHERE dedupe_key = ? AND status = 'pending'`, reason, now, key.String())
}

func (s *Store) MarkFailed(ctx context.Context, key event.DedupeKey, reason string) error {
	now := formatTime(time.Now().UTC())
	return s.finalize(ctx, key, `
UPDATE interlock_records
SET status = 'failed', last_error = ?, updated_at = ?
WHERE dedupe_key = ? AND status = 'pending'`, reason, now, key.String())
}

// finalize runs a pending→terminal transition. Zero rows affected is fine
// when the record is already terminal; a missing record is an error.
func (s *Store) finalize(ctx context.Context, key event.DedupeKey, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finalize record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interlock_records WHERE dedupe_key = ?`, key.String()).Scan(&count); err != nil {
		return fmt.Errorf("finalize record: %w", err)
	}
	if count == 0 {
		return idempotency.ErrRecordNotFound
	}
	return nil
}

func (s *Store) ExtendReservation(ctx context.Context, key event.DedupeKey, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE interlock_records
SET reserved_at = ?, updated_at = ?
WHERE dedupe_key = ? AND status = 'pending' AND reserved_at < ?`,
		formatTime(until), formatTime(time.Now().UTC()), key.String(), formatTime(until))
	if err != nil {
		return fmt.Errorf("extend reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Zero rows is fine for terminal records or an already-later
	// reservation; only a missing record is an error.
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interlock_records WHERE dedupe_key = ?`, key.String()).Scan(&count); err != nil {
		return fmt.Errorf("extend reservation: %w", err)
	}
	if count == 0 {
		return idempotency.ErrRecordNotFound
	}
	return nil
}

func (s *Store) ReleaseReservation(ctx context.Context, key event.DedupeKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM interlock_records WHERE dedupe_key = ? AND status = 'pending'`, key.String())
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, recID id.ID) (*idempotency.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM interlock_records WHERE id = ?`, recID.String())
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrRecordNotFound
	}
	return rec, err
}

func (s *Store) GetRecordByKey(ctx context.Context, key event.DedupeKey) (*idempotency.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM interlock_records WHERE dedupe_key = ?`, key.String())
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrRecordNotFound
	}
	return rec, err
}

func (s *Store) ListRecords(ctx context.Context, opts idempotency.ListOpts) ([]*idempotency.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM interlock_records WHERE 1=1`
	var args []any
	if opts.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*opts.Status))
	}
	if opts.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(opts.Source))
	}
	if opts.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, opts.TenantID)
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var result []*idempotency.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) CountRecords(ctx context.Context, status idempotency.Status) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interlock_records WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

// ==================== retry.Store ====================

func (s *Store) EnqueueAttempt(ctx context.Context, att *retry.Attempt) error {
	raw, err := encodeRequest(att)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO interlock_attempts
(id, dedupe_key, tenant_id, target, fingerprint, request, attempt_number, max_attempts,
 scheduled_at, state, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID.String(), att.Key.String(), att.TenantID, string(att.Target),
		att.Fingerprint, raw, att.AttemptNumber, att.MaxAttempts,
		formatTime(att.ScheduledAt), string(att.State), att.LastError,
		formatTime(att.CreatedAt), formatTime(att.UpdatedAt))
	if err != nil {
		return fmt.Errorf("enqueue attempt: %w", err)
	}
	return nil
}

func (s *Store) DueAttempts(ctx context.Context, limit int, reclaimAfter time.Duration) ([]*retry.Attempt, error) {
	// Claim by stamping a token; UpdateAttempt clears it. SQLite has no
	// SKIP LOCKED, so the token plays that role across pollers. A claim
	// stamped before the reclaim cutoff was left by a crashed worker and
	// is overwritten.
	token := id.NewAttemptID().String()
	t := time.Now().UTC()
	now := formatTime(t)
	cutoff := formatTime(t.Add(-reclaimAfter))

	_, err := s.db.ExecContext(ctx, `
UPDATE interlock_attempts SET claim_token = ?, claimed_at = ?
WHERE id IN (
    SELECT id FROM interlock_attempts
    WHERE state = 'pending' AND scheduled_at <= ?
      AND (claim_token = '' OR claimed_at <= ?)
    ORDER BY scheduled_at ASC
    LIMIT ?
)`, token, now, now, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due attempts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM interlock_attempts WHERE claim_token = ? ORDER BY scheduled_at ASC`, token)
	if err != nil {
		return nil, fmt.Errorf("load claimed attempts: %w", err)
	}
	defer rows.Close()

	var result []*retry.Attempt
	for rows.Next() {
		att, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, att)
	}
	return result, rows.Err()
}

func (s *Store) UpdateAttempt(ctx context.Context, att *retry.Attempt) error {
	raw, err := encodeRequest(att)
	if err != nil {
		return err
	}
	var completedAt any
	if att.CompletedAt != nil {
		completedAt = formatTime(*att.CompletedAt)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE interlock_attempts
SET request = ?, attempt_number = ?, scheduled_at = ?, state = ?, last_error = ?,
    completed_at = ?, claim_token = '', claimed_at = NULL, updated_at = ?
WHERE id = ?`,
		raw, att.AttemptNumber, formatTime(att.ScheduledAt), string(att.State),
		att.LastError, completedAt, formatTime(time.Now().UTC()), att.ID.String())
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return retry.ErrAttemptNotFound
	}
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, attID id.ID) (*retry.Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM interlock_attempts WHERE id = ?`, attID.String())
	att, err := scanAttempt(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retry.ErrAttemptNotFound
	}
	return att, err
}

func (s *Store) ListAttempts(ctx context.Context, opts retry.ListOpts) ([]*retry.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM interlock_attempts WHERE 1=1`
	var args []any
	if opts.State != nil {
		query += ` AND state = ?`
		args = append(args, string(*opts.State))
	}
	if opts.Target != "" {
		query += ` AND target = ?`
		args = append(args, string(opts.Target))
	}
	if opts.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, opts.TenantID)
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var result []*retry.Attempt
	for rows.Next() {
		att, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, att)
	}
	return result, rows.Err()
}

func (s *Store) CancelAttempts(ctx context.Context, fingerprint string) (int64, error) {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
UPDATE interlock_attempts
SET state = 'cancelled', completed_at = ?, updated_at = ?
WHERE fingerprint = ? AND state = 'pending' AND claim_token = ''`,
		now, now, fingerprint)
	if err != nil {
		return 0, fmt.Errorf("cancel attempts: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountAttempts(ctx context.Context, state retry.AttemptState) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interlock_attempts WHERE state = ?`, string(state)).Scan(&n)
	return n, err
}

func (s *Store) ReapAttempts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM interlock_attempts
WHERE state IN ('succeeded', 'failed', 'cancelled') AND completed_at < ?`,
		formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("reap attempts: %w", err)
	}
	return res.RowsAffected()
}

func encodeRequest(att *retry.Attempt) (string, error) {
	raw, err := json.Marshal(att.Request)
	if err != nil {
		return "", fmt.Errorf("encode attempt request: %w", err)
	}
	return string(raw), nil
}
