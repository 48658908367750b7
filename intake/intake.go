// Package intake validates, normalizes, and classifies raw webhook payloads
// from the upstream services into the common event envelope. It performs no
// side effects beyond validation: tenant state is never touched here.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/observability"
	"github.com/interlock-io/interlock/signature"
)

// Intake failure classes. Signature failures come from the signature
// package and pass through unwrapped.
var (
	// ErrMalformedEvent means the payload is structurally invalid: bad
	// JSON, missing required fields, or no resolvable tenant. Rejected
	// with no retry.
	ErrMalformedEvent = errors.New("intake: malformed event")

	// ErrUnknownService means the request targeted a source service this
	// engine does not integrate with.
	ErrUnknownService = errors.New("intake: unknown source service")
)

// Standard upstream webhook headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderTenantID  = "X-Tenant-ID"
)

// ServiceSecret configures signature verification for one source service.
// Services without a configured secret skip verification.
type ServiceSecret struct {
	// Secret is the shared HMAC signing secret.
	Secret string

	// Window overrides the replay window. Zero uses signature.DefaultWindow.
	Window time.Duration
}

// Config tunes intake behavior.
type Config struct {
	// Secrets maps source services to their signing secrets. A service
	// with no entry accepts unsigned deliveries.
	Secrets map[event.SourceService]ServiceSecret

	// Now overrides the clock for signature verification. Nil uses
	// time.Now.
	Now func() time.Time
}

// Intake normalizes raw upstream deliveries into WebhookEvents.
type Intake struct {
	cfg       Config
	validator *validator
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New creates an intake stage.
func New(cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		cfg:       cfg,
		validator: newValidator(),
		metrics:   metrics,
		logger:    logger,
	}
}

// envelope is the raw upstream delivery shape shared by all three services.
type envelope struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	TenantID       string         `json:"tenant_id"`
	OrganizationID string         `json:"organization_id"`
}

// Normalize validates one raw delivery and produces the common envelope.
// The source is the webhook route's service path segment. Errors are
// ErrUnknownService, ErrMalformedEvent, or one of the signature package's
// verification failures, all wrapped with context.
func (i *Intake) Normalize(ctx context.Context, source string, body []byte, header http.Header) (*event.WebhookEvent, error) {
	svc, err := event.ParseSource(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, source)
	}

	sig := header.Get(HeaderSignature)
	if secret, ok := i.cfg.Secrets[svc]; ok {
		if err := i.verify(svc, body, sig, header.Get(HeaderTimestamp), secret); err != nil {
			i.logger.WarnContext(ctx, "webhook signature rejected",
				"source", string(svc),
				"error", err)
			return nil, err
		}
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedEvent, err)
	}
	if err := i.validator.validate(svc, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrMalformedEvent, err)
	}

	tenantID := resolveTenant(env, header)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant not resolvable", ErrMalformedEvent)
	}

	now := time.Now
	if i.cfg.Now != nil {
		now = i.cfg.Now
	}

	evt := &event.WebhookEvent{
		EventID:    env.EventID,
		Source:     svc,
		Type:       env.EventType,
		TenantID:   tenantID,
		Payload:    env.Data,
		ReceivedAt: now().UTC(),
		Signature:  sig,
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}

	if i.metrics != nil {
		i.metrics.RecordReceived(string(svc))
	}
	i.logger.InfoContext(ctx, "webhook accepted",
		"source", string(svc),
		"event_id", evt.EventID,
		"event_type", evt.Type,
		"tenant_id", evt.TenantID)
	return evt, nil
}

func (i *Intake) verify(svc event.SourceService, body []byte, sig, ts string, secret ServiceSecret) error {
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", signature.ErrInvalidSignature, HeaderSignature)
	}
	var now time.Time
	if i.cfg.Now != nil {
		now = i.cfg.Now()
	}
	return signature.Verify(signature.Input{
		Secret:    secret.Secret,
		Timestamp: ts,
		Signature: sig,
		Body:      body,
		Now:       now,
		Window:    secret.Window,
	})
}

// resolveTenant extracts the tenant reference: embedded organization_id or
// tenant_id first, then the X-Tenant-ID header.
func resolveTenant(env envelope, header http.Header) string {
	if env.OrganizationID != "" {
		return env.OrganizationID
	}
	if env.TenantID != "" {
		return env.TenantID
	}
	return header.Get(HeaderTenantID)
}
