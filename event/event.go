// Package event defines the normalized webhook event envelope shared by all
// upstream services.
package event

import (
	"fmt"
	"time"
)

// SourceService identifies which upstream service emitted a webhook event.
type SourceService string

// The three upstream services Interlock integrates with. The values match the
// path segments of the inbound webhook routes.
const (
	SourceUser          SourceService = "user-service"
	SourcePayment       SourceService = "payment-service"
	SourceCommunication SourceService = "communication-service"
)

// Services lists all known source services in a stable order.
func Services() []SourceService {
	return []SourceService{SourceUser, SourcePayment, SourceCommunication}
}

// ParseSource parses a source service path segment.
func ParseSource(s string) (SourceService, error) {
	switch SourceService(s) {
	case SourceUser, SourcePayment, SourceCommunication:
		return SourceService(s), nil
	}
	return "", fmt.Errorf("event: unknown source service %q", s)
}

// Valid reports whether the source names a known upstream service.
func (s SourceService) Valid() bool {
	switch s {
	case SourceUser, SourcePayment, SourceCommunication:
		return true
	}
	return false
}

// String returns the path-segment form of the source service.
func (s SourceService) String() string { return string(s) }

// DedupeKey identifies a unique external event for idempotency purposes.
// Upstream event IDs are unique per source service, not globally, so the
// key is the (source, event ID) pair.
type DedupeKey struct {
	Source  SourceService `json:"source"`
	EventID string        `json:"event_id"`
}

// NewDedupeKey builds the dedupe key for an upstream event.
func NewDedupeKey(source SourceService, eventID string) DedupeKey {
	return DedupeKey{Source: source, EventID: eventID}
}

// String returns the canonical "source:event_id" form used as a storage key.
func (k DedupeKey) String() string {
	return string(k.Source) + ":" + k.EventID
}

// IsZero reports whether the key is empty.
func (k DedupeKey) IsZero() bool {
	return k.Source == "" && k.EventID == ""
}

// WebhookEvent is the normalized envelope produced by intake from a raw
// upstream payload. It is ephemeral: once processed, only its dedupe key
// survives (in the processed-event record).
type WebhookEvent struct {
	// EventID is the upstream-assigned event identifier, unique within Source.
	EventID string `json:"event_id"`

	// Source identifies the upstream service that emitted the event.
	Source SourceService `json:"source"`

	// Type is the dot-separated upstream event type (e.g. "payment.failed").
	Type string `json:"type"`

	// TenantID identifies the tenant the event belongs to.
	TenantID string `json:"tenant_id"`

	// Payload is the upstream "data" object, opaque to intake.
	Payload map[string]any `json:"payload"`

	// ReceivedAt is when intake accepted the event.
	ReceivedAt time.Time `json:"received_at"`

	// Signature is the upstream signature header, when one was presented.
	Signature string `json:"signature,omitempty"`
}

// DedupeKey returns the (source, event_id) pair identifying this event.
func (e *WebhookEvent) DedupeKey() DedupeKey {
	return NewDedupeKey(e.Source, e.EventID)
}
