package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/retry"
)

// timeLayout matches SQLite's datetime('now') text form at second
// precision; sub-second precision is kept by storing RFC 3339 with
// fractional seconds.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by SQLite defaults use its own layout.
		t, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

// --- record rows ---

type recordRow struct {
	ID           string
	DedupeKey    string
	Source       string
	EventID      string
	TenantID     string
	EventType    string
	Status       string
	AttemptCount int
	ReservedAt   string
	AppliedAt    sql.NullString
	LastError    string
	CreatedAt    string
	UpdatedAt    string
}

const recordColumns = `id, dedupe_key, source, event_id, tenant_id, event_type, status,
attempt_count, reserved_at, applied_at, last_error, created_at, updated_at`

func scanRecord(scan func(dest ...any) error) (*idempotency.Record, error) {
	var row recordRow
	err := scan(&row.ID, &row.DedupeKey, &row.Source, &row.EventID, &row.TenantID,
		&row.EventType, &row.Status, &row.AttemptCount, &row.ReservedAt,
		&row.AppliedAt, &row.LastError, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return fromRecordRow(&row)
}

func fromRecordRow(row *recordRow) (*idempotency.Record, error) {
	recID, err := id.ParseRecordID(row.ID)
	if err != nil {
		return nil, fmt.Errorf("parse record ID %q: %w", row.ID, err)
	}

	rec := &idempotency.Record{
		ID:           recID,
		Key:          event.NewDedupeKey(event.SourceService(row.Source), row.EventID),
		TenantID:     row.TenantID,
		EventType:    row.EventType,
		Status:       idempotency.Status(row.Status),
		AttemptCount: row.AttemptCount,
		LastError:    row.LastError,
	}
	if rec.ReservedAt, err = parseTime(row.ReservedAt); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, err
	}
	if row.AppliedAt.Valid && row.AppliedAt.String != "" {
		at, err := parseTime(row.AppliedAt.String)
		if err != nil {
			return nil, err
		}
		rec.AppliedAt = &at
	}
	return rec, nil
}

// --- attempt rows ---

type attemptRow struct {
	ID            string
	DedupeKey     string
	TenantID      string
	Target        string
	Fingerprint   string
	Request       string
	AttemptNumber int
	MaxAttempts   int
	ScheduledAt   string
	State         string
	LastError     string
	CompletedAt   sql.NullString
	CreatedAt     string
	UpdatedAt     string
}

const attemptColumns = `id, dedupe_key, tenant_id, target, fingerprint, request,
attempt_number, max_attempts, scheduled_at, state, last_error, completed_at,
created_at, updated_at`

func scanAttempt(scan func(dest ...any) error) (*retry.Attempt, error) {
	var row attemptRow
	err := scan(&row.ID, &row.DedupeKey, &row.TenantID, &row.Target, &row.Fingerprint,
		&row.Request, &row.AttemptNumber, &row.MaxAttempts, &row.ScheduledAt,
		&row.State, &row.LastError, &row.CompletedAt, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return fromAttemptRow(&row)
}

func fromAttemptRow(row *attemptRow) (*retry.Attempt, error) {
	attID, err := id.ParseAttemptID(row.ID)
	if err != nil {
		return nil, fmt.Errorf("parse attempt ID %q: %w", row.ID, err)
	}

	att := &retry.Attempt{
		ID:            attID,
		TenantID:      row.TenantID,
		Target:        event.SourceService(row.Target),
		Fingerprint:   row.Fingerprint,
		AttemptNumber: row.AttemptNumber,
		MaxAttempts:   row.MaxAttempts,
		State:         retry.AttemptState(row.State),
		LastError:     row.LastError,
	}
	if err := json.Unmarshal([]byte(row.Request), &att.Request); err != nil {
		return nil, fmt.Errorf("decode attempt request: %w", err)
	}
	if att.Key, err = parseDedupeKey(row.DedupeKey); err != nil {
		return nil, err
	}
	if att.ScheduledAt, err = parseTime(row.ScheduledAt); err != nil {
		return nil, err
	}
	if att.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, err
	}
	if att.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, err
	}
	if row.CompletedAt.Valid && row.CompletedAt.String != "" {
		at, err := parseTime(row.CompletedAt.String)
		if err != nil {
			return nil, err
		}
		att.CompletedAt = &at
	}
	return att, nil
}

// parseDedupeKey splits the stored "source:event_id" form. Event IDs may
// contain colons, so only the first separator counts.
func parseDedupeKey(s string) (event.DedupeKey, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return event.NewDedupeKey(event.SourceService(s[:i]), s[i+1:]), nil
		}
	}
	return event.DedupeKey{}, fmt.Errorf("malformed dedupe key %q", s)
}
