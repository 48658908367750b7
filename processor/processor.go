package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/interlock-io/interlock/breaker"
	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/observability"
	"github.com/interlock-io/interlock/outbound"
	"github.com/interlock-io/interlock/retry"
)

// Outcome is the terminal classification of one processing pass.
type Outcome string

const (
	// OutcomeApplied means internal state changed and any outbound
	// notification succeeded.
	OutcomeApplied Outcome = "applied"

	// OutcomeDeferred means internal state changed but the outbound
	// notification is queued for retry; the record stays pending.
	OutcomeDeferred Outcome = "deferred"

	// OutcomeIgnored means the event failed permanently: unroutable type,
	// missing entity, or rejected transition. Recorded so redelivery
	// short-circuits.
	OutcomeIgnored Outcome = "ignored"

	// OutcomeFailed means the outbound notification was rejected
	// permanently after internal state already changed.
	OutcomeFailed Outcome = "failed"
)

// Result reports what happened to one event.
type Result struct {
	Outcome Outcome

	// Reason explains ignored and failed outcomes.
	Reason string

	// AttemptID is set for deferred outcomes: the queued delivery attempt.
	AttemptID string
}

// Processor applies one validated event: tenant check, transition via
// DataAccess, audit entry, then the outbound notification the transition
// calls for. It owns the record's terminal state except for deferred
// deliveries, which the retry dispatcher finalizes.
type Processor struct {
	data      DataAccess
	caller    outbound.Caller
	records   idempotency.Store
	attempts  retry.Store
	scheduler *retry.Scheduler
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// New creates a processor. All dependencies are required except metrics,
// tracer, and logger.
func New(data DataAccess, caller outbound.Caller, records idempotency.Store, attempts retry.Store, scheduler *retry.Scheduler, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = observability.NewTracer()
	}
	return &Processor{
		data:      data,
		caller:    caller,
		records:   records,
		attempts:  attempts,
		scheduler: scheduler,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger,
	}
}

// Process applies one event whose dedupe key is already reserved. A non-nil
// error means infrastructure trouble (storage unreachable); the caller
// releases the reservation so upstream redelivery can start over. All
// business-level failures settle the record here and return a Result.
func (p *Processor) Process(ctx context.Context, evt *event.WebhookEvent) (Result, error) {
	key := evt.DedupeKey()
	ctx, span := p.tracer.StartProcessSpan(ctx, string(evt.Source), evt.Type, key.String())

	res, err := p.process(ctx, evt)
	if err != nil {
		p.tracer.EndProcessSpan(span, "error", err.Error())
		return res, err
	}
	p.tracer.EndProcessSpan(span, string(res.Outcome), res.Reason)

	if p.metrics != nil {
		switch res.Outcome {
		case OutcomeApplied:
			p.metrics.EventsAppliedTotal.Inc()
		case OutcomeIgnored, OutcomeFailed:
			p.metrics.EventsIgnoredTotal.Inc()
		}
	}
	return res, nil
}

func (p *Processor) process(ctx context.Context, evt *event.WebhookEvent) (Result, error) {
	key := evt.DedupeKey()

	if err := p.checkTenant(ctx, evt.TenantID); err != nil {
		if errors.Is(err, ErrEntityNotFound) || errors.Is(err, ErrTransitionConflict) {
			return p.ignore(ctx, key, fmt.Sprintf("tenant %s: %v", evt.TenantID, err))
		}
		return Result{}, fmt.Errorf("tenant lookup: %w", err)
	}

	rt, err := resolve(evt)
	if err != nil {
		return p.ignore(ctx, key, err.Error())
	}

	if rt.mustExist {
		if _, err := p.data.GetEntity(ctx, evt.TenantID, rt.ref); err != nil {
			if errors.Is(err, ErrEntityNotFound) {
				return p.ignore(ctx, key, fmt.Sprintf("%s %s not found", rt.ref.Kind, rt.ref.ID))
			}
			return Result{}, fmt.Errorf("entity lookup: %w", err)
		}
	}

	if err := p.data.ApplyTransition(ctx, evt.TenantID, rt.ref, rt.tr); err != nil {
		if errors.Is(err, ErrEntityNotFound) || errors.Is(err, ErrTransitionConflict) {
			return p.ignore(ctx, key, fmt.Sprintf("transition %s rejected: %v", rt.tr.Name, err))
		}
		return Result{}, fmt.Errorf("apply transition %s: %w", rt.tr.Name, err)
	}

	if err := p.data.WriteAuditEntry(ctx, evt.TenantID, evt.Type, rt.ref, evt.Payload); err != nil {
		p.logger.WarnContext(ctx, "audit entry write failed",
			"tenant_id", evt.TenantID,
			"event_type", evt.Type,
			"error", err)
	}

	if rt.outbound == nil {
		if err := p.records.MarkApplied(ctx, key); err != nil {
			return Result{}, fmt.Errorf("mark applied: %w", err)
		}
		return Result{Outcome: OutcomeApplied}, nil
	}

	return p.notify(ctx, evt, key, *rt.outbound)
}

// notify performs the outbound notification inline and settles or defers
// the record based on how the call went. A newer event for the same logical
// operation supersedes any older pending deliveries first.
func (p *Processor) notify(ctx context.Context, evt *event.WebhookEvent, key event.DedupeKey, req outbound.Request) (Result, error) {
	cancelled, err := p.attempts.CancelAttempts(ctx, req.Fingerprint())
	if err != nil {
		return Result{}, fmt.Errorf("cancel superseded attempts: %w", err)
	}
	if cancelled > 0 {
		p.logger.InfoContext(ctx, "superseded pending delivery attempts",
			"fingerprint", req.Fingerprint(),
			"cancelled", cancelled)
		if p.metrics != nil {
			p.metrics.PendingAttempts.Sub(float64(cancelled))
		}
	}

	_, callErr := p.caller.Call(ctx, req)
	if callErr == nil {
		if err := p.records.MarkApplied(ctx, key); err != nil {
			return Result{}, fmt.Errorf("mark applied: %w", err)
		}
		return Result{Outcome: OutcomeApplied}, nil
	}

	switch {
	case errors.Is(callErr, outbound.ErrPermanent),
		errors.Is(callErr, outbound.ErrServiceNotConfigured):
		reason := callErr.Error()
		if err := p.records.MarkFailed(ctx, key, reason); err != nil {
			return Result{}, fmt.Errorf("mark failed: %w", err)
		}
		return Result{Outcome: OutcomeFailed, Reason: reason}, nil

	case errors.Is(callErr, breaker.ErrOpen), errors.Is(callErr, outbound.ErrTransient):
		att := p.scheduler.Plan(evt, req, callErr)
		if err := p.attempts.EnqueueAttempt(ctx, att); err != nil {
			return Result{}, fmt.Errorf("enqueue attempt: %w", err)
		}
		// Keep the reservation alive until the attempt's next execution;
		// a circuit-open deferral can sit queued well past the staleness
		// threshold, and a reclaimed key would re-apply the transition.
		// The attempt is already queued, so this failing is not fatal.
		if err := p.records.ExtendReservation(ctx, key, att.ScheduledAt); err != nil {
			p.logger.WarnContext(ctx, "extend reservation failed",
				"key", key.String(),
				"attempt_id", att.ID.String(),
				"error", err)
		}
		if p.metrics != nil {
			p.metrics.PendingAttempts.Inc()
		}
		p.logger.InfoContext(ctx, "outbound notification queued for retry",
			"attempt_id", att.ID.String(),
			"target", string(att.Target),
			"scheduled_at", att.ScheduledAt,
			"error", callErr)
		return Result{Outcome: OutcomeDeferred, Reason: callErr.Error(), AttemptID: att.ID.String()}, nil
	}

	return Result{}, fmt.Errorf("outbound call: %w", callErr)
}

// checkTenant verifies the tenant exists and is active. Events for unknown
// or suspended tenants are permanent failures.
func (p *Processor) checkTenant(ctx context.Context, tenantID string) error {
	ent, err := p.data.GetEntity(ctx, tenantID, EntityRef{Kind: "tenant", ID: tenantID})
	if err != nil {
		return err
	}
	if active, ok := ent["is_active"].(bool); ok && !active {
		return fmt.Errorf("%w: tenant suspended", ErrTransitionConflict)
	}
	return nil
}

func (p *Processor) ignore(ctx context.Context, key event.DedupeKey, reason string) (Result, error) {
	if err := p.records.MarkIgnored(ctx, key, reason); err != nil {
		return Result{}, fmt.Errorf("mark ignored: %w", err)
	}
	p.logger.WarnContext(ctx, "event ignored", "key", key.String(), "reason", reason)
	return Result{Outcome: OutcomeIgnored, Reason: reason}, nil
}
