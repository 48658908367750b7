package retry

import (
	"errors"
	"math/rand"
	"time"

	"github.com/interlock-io/interlock/breaker"
	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/internal/entity"
	"github.com/interlock-io/interlock/outbound"
)

// Decision is the scheduler's verdict on a failed attempt.
type Decision int

const (
	// Retry re-queues the attempt with a backoff delay, spending budget.
	Retry Decision = iota

	// Defer re-queues the attempt until the target's circuit leaves open.
	// Deferral does not count against the retry budget.
	Defer

	// Fail marks the attempt terminally failed: budget exhausted or the
	// remote rejected the request permanently.
	Fail
)

// String returns the log form of the decision.
func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Defer:
		return "defer"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// SchedulerConfig tunes retry policy.
type SchedulerConfig struct {
	// MaxAttempts is the total call budget per delivery.
	MaxAttempts int

	// Backoff is the delay curve between attempts.
	Backoff Backoff

	// DeferSlack pads the ScheduledAt of deferred attempts past the
	// breaker's next probe time, so the probe goes first.
	DeferSlack time.Duration

	// RNG overrides the jitter source. Nil uses a process-wide source.
	// The scheduler serializes access; tests may inject a seeded source.
	RNG *rand.Rand
}

// DefaultSchedulerConfig returns retry defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxAttempts: 5,
		Backoff:     DefaultBackoff(),
		DeferSlack:  time.Second,
	}
}

// Scheduler decides whether, and when, a failed delivery attempt runs
// again. It never performs calls itself; it only computes schedules.
type Scheduler struct {
	cfg      SchedulerConfig
	breakers *breaker.Registry
}

// NewScheduler creates a scheduler against the given breaker registry.
func NewScheduler(cfg SchedulerConfig, breakers *breaker.Registry) *Scheduler {
	d := DefaultSchedulerConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.Backoff.Base <= 0 && cfg.Backoff.Max <= 0 {
		cfg.Backoff = d.Backoff
	}
	if cfg.DeferSlack <= 0 {
		cfg.DeferSlack = d.DeferSlack
	}
	return &Scheduler{cfg: cfg, breakers: breakers}
}

// MaxAttempts returns the configured call budget.
func (s *Scheduler) MaxAttempts() int { return s.cfg.MaxAttempts }

// Plan builds the queued attempt for an outbound call that failed inline
// during event processing. A call that failed because the circuit was open
// has consumed no budget and is scheduled for the breaker's next probe;
// a transient failure has consumed one attempt and backs off.
func (s *Scheduler) Plan(evt *event.WebhookEvent, req outbound.Request, callErr error) *Attempt {
	now := time.Now().UTC()
	att := &Attempt{
		Entity:      entity.New(),
		ID:          id.NewAttemptID(),
		Key:         evt.DedupeKey(),
		TenantID:    evt.TenantID,
		Target:      req.Service,
		Fingerprint: req.Fingerprint(),
		Request:     req,
		MaxAttempts: s.cfg.MaxAttempts,
		State:       AttemptPending,
	}
	if callErr != nil {
		att.LastError = callErr.Error()
	}

	if errors.Is(callErr, breaker.ErrOpen) {
		att.AttemptNumber = 0
		att.ScheduledAt = s.deferUntilProbe(req.Service, now)
		return att
	}

	att.AttemptNumber = 1
	att.ScheduledAt = s.cfg.Backoff.Next(now, att.AttemptNumber, s.cfg.RNG)
	return att
}

// Schedule decides what to do with an attempt whose execution just failed
// with callErr, updating its ScheduledAt for Retry and Defer decisions.
// att.AttemptNumber must already reflect the executed call (deferred
// executions never ran, so their number is unchanged).
func (s *Scheduler) Schedule(att *Attempt, callErr error, now time.Time) Decision {
	switch {
	case errors.Is(callErr, breaker.ErrOpen):
		att.ScheduledAt = s.deferUntilProbe(att.Target, now)
		return Defer

	case errors.Is(callErr, outbound.ErrPermanent),
		errors.Is(callErr, outbound.ErrServiceNotConfigured):
		return Fail

	case att.AttemptNumber >= att.MaxAttempts:
		return Fail

	default:
		att.ScheduledAt = s.cfg.Backoff.Next(now, att.AttemptNumber, s.cfg.RNG)
		return Retry
	}
}

// deferUntilProbe schedules just past the breaker's next probe window so
// the probe call, not the deferred backlog, tests recovery first.
func (s *Scheduler) deferUntilProbe(svc event.SourceService, now time.Time) time.Time {
	probeAt := s.breakers.For(svc).NextProbeAt()
	if probeAt.IsZero() || probeAt.Before(now) {
		probeAt = now
	}
	return probeAt.Add(s.cfg.DeferSlack).UTC()
}
