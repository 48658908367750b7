package mongo

import (
	"fmt"
	"time"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/internal/entity"
	"github.com/interlock-io/interlock/outbound"
	"github.com/interlock-io/interlock/retry"
)

// recordModel is the BSON representation of a processed-event record.
type recordModel struct {
	ID           string     `bson:"_id"`
	DedupeKey    string     `bson:"dedupe_key"`
	Source       string     `bson:"source"`
	EventID      string     `bson:"event_id"`
	TenantID     string     `bson:"tenant_id"`
	EventType    string     `bson:"event_type"`
	Status       string     `bson:"status"`
	AttemptCount int        `bson:"attempt_count"`
	ReservedAt   time.Time  `bson:"reserved_at"`
	AppliedAt    *time.Time `bson:"applied_at,omitempty"`
	LastError    string     `bson:"last_error"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func toRecordModel(rec *idempotency.Record) *recordModel {
	return &recordModel{
		ID:           rec.ID.String(),
		DedupeKey:    rec.Key.String(),
		Source:       string(rec.Key.Source),
		EventID:      rec.Key.EventID,
		TenantID:     rec.TenantID,
		EventType:    rec.EventType,
		Status:       string(rec.Status),
		AttemptCount: rec.AttemptCount,
		ReservedAt:   rec.ReservedAt,
		AppliedAt:    rec.AppliedAt,
		LastError:    rec.LastError,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func fromRecordModel(m *recordModel) (*idempotency.Record, error) {
	recID, err := id.ParseRecordID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse record ID %q: %w", m.ID, err)
	}
	return &idempotency.Record{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           recID,
		Key:          event.NewDedupeKey(event.SourceService(m.Source), m.EventID),
		TenantID:     m.TenantID,
		EventType:    m.EventType,
		Status:       idempotency.Status(m.Status),
		AttemptCount: m.AttemptCount,
		ReservedAt:   m.ReservedAt,
		AppliedAt:    m.AppliedAt,
		LastError:    m.LastError,
	}, nil
}

// attemptModel is the BSON representation of a delivery attempt.
type attemptModel struct {
	ID            string           `bson:"_id"`
	DedupeKey     string           `bson:"dedupe_key"`
	Source        string           `bson:"source"`
	EventID       string           `bson:"event_id"`
	TenantID      string           `bson:"tenant_id"`
	Target        string           `bson:"target"`
	Fingerprint   string           `bson:"fingerprint"`
	Request       outbound.Request `bson:"request"`
	AttemptNumber int              `bson:"attempt_number"`
	MaxAttempts   int              `bson:"max_attempts"`
	ScheduledAt   time.Time        `bson:"scheduled_at"`
	State         string           `bson:"state"`
	Claimed       bool             `bson:"claimed"`
	ClaimedAt     *time.Time       `bson:"claimed_at,omitempty"`
	LastError     string           `bson:"last_error"`
	CompletedAt   *time.Time       `bson:"completed_at,omitempty"`
	CreatedAt     time.Time        `bson:"created_at"`
	UpdatedAt     time.Time        `bson:"updated_at"`
}

func toAttemptModel(att *retry.Attempt) *attemptModel {
	return &attemptModel{
		ID:            att.ID.String(),
		DedupeKey:     att.Key.String(),
		Source:        string(att.Key.Source),
		EventID:       att.Key.EventID,
		TenantID:      att.TenantID,
		Target:        string(att.Target),
		Fingerprint:   att.Fingerprint,
		Request:       att.Request,
		AttemptNumber: att.AttemptNumber,
		MaxAttempts:   att.MaxAttempts,
		ScheduledAt:   att.ScheduledAt,
		State:         string(att.State),
		LastError:     att.LastError,
		CompletedAt:   att.CompletedAt,
		CreatedAt:     att.CreatedAt,
		UpdatedAt:     att.UpdatedAt,
	}
}

func fromAttemptModel(m *attemptModel) (*retry.Attempt, error) {
	attID, err := id.ParseAttemptID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse attempt ID %q: %w", m.ID, err)
	}
	return &retry.Attempt{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            attID,
		Key:           event.NewDedupeKey(event.SourceService(m.Source), m.EventID),
		TenantID:      m.TenantID,
		Target:        event.SourceService(m.Target),
		Fingerprint:   m.Fingerprint,
		Request:       m.Request,
		AttemptNumber: m.AttemptNumber,
		MaxAttempts:   m.MaxAttempts,
		ScheduledAt:   m.ScheduledAt,
		State:         retry.AttemptState(m.State),
		LastError:     m.LastError,
		CompletedAt:   m.CompletedAt,
	}, nil
}
