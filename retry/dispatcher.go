package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/interlock-io/interlock/breaker"
	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/observability"
	"github.com/interlock-io/interlock/outbound"
)

// RecordFinalizer transitions processed-event records when their queued
// outbound attempt reaches a terminal state, and keeps the reservation
// alive while the attempt is re-queued.
type RecordFinalizer interface {
	MarkApplied(ctx context.Context, key event.DedupeKey) error
	MarkFailed(ctx context.Context, key event.DedupeKey, reason string) error
	ExtendReservation(ctx context.Context, key event.DedupeKey, until time.Time) error
}

// DispatcherConfig holds dispatcher configuration.
type DispatcherConfig struct {
	Concurrency   int
	PollInterval  time.Duration
	BatchSize     int
	ClaimTTL      time.Duration
	ReapInterval  time.Duration
	ReapRetention time.Duration
	Metrics       *observability.Metrics
}

// Dispatcher is the worker pool that polls the attempt queue and executes
// due deliveries. Waiting is always delayed re-submission via ScheduledAt;
// workers never sleep a retry out.
type Dispatcher struct {
	store     Store
	records   RecordFinalizer
	caller    outbound.Caller
	scheduler *Scheduler
	cfg       DispatcherConfig
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	store Store,
	records RecordFinalizer,
	caller outbound.Caller,
	scheduler *Scheduler,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.ReapRetention <= 0 {
		cfg.ReapRetention = time.Hour
	}
	return &Dispatcher{
		store:     store,
		records:   records,
		caller:    caller,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start begins the poll and reap loops.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.pollLoop(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.reapLoop(ctx)
	}()
}

// Stop cancels the loops and waits for in-flight attempts to complete.
func (d *Dispatcher) Stop(_ context.Context) {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// pollLoop periodically claims due attempts and dispatches them to workers.
func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, d.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := d.store.DueAttempts(ctx, d.cfg.BatchSize, d.cfg.ClaimTTL)
			if err != nil {
				d.logger.ErrorContext(ctx, "claim due attempts failed", "error", err)
				continue
			}

			for _, att := range batch {
				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
				}

				d.wg.Add(1)
				go func(a *Attempt) {
					defer d.wg.Done()
					defer func() { <-sem }()
					d.execute(ctx, a)
				}(att)
			}
		}
	}
}

// reapLoop periodically purges terminal attempts past the retention window.
func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-d.cfg.ReapRetention)
			if n, err := d.store.ReapAttempts(ctx, cutoff); err != nil {
				d.logger.ErrorContext(ctx, "reap attempts failed", "error", err)
			} else if n > 0 {
				d.logger.DebugContext(ctx, "reaped attempts", "count", n)
			}
		}
	}
}

// execute runs one claimed attempt: perform the call, decide, finalize.
func (d *Dispatcher) execute(ctx context.Context, att *Attempt) {
	_, err := d.caller.Call(ctx, att.Request)

	// An open circuit returns before any network call; only executed
	// calls consume budget.
	if err == nil || !errors.Is(err, breaker.ErrOpen) {
		att.AttemptNumber++
	}

	now := time.Now().UTC()

	if err == nil {
		att.State = AttemptSucceeded
		att.LastError = ""
		att.CompletedAt = &now
		if markErr := d.records.MarkApplied(ctx, att.Key); markErr != nil {
			d.logger.ErrorContext(ctx, "mark record applied failed",
				"attempt_id", att.ID, "key", att.Key.String(), "error", markErr)
		}
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.PendingAttempts.Dec()
		}
		d.logger.DebugContext(ctx, "attempt succeeded",
			"attempt_id", att.ID, "target", att.Target, "attempt", att.AttemptNumber)
	} else {
		att.LastError = err.Error()

		switch d.scheduler.Schedule(att, err, now) {
		case Retry:
			d.extendReservation(ctx, att)
			d.logger.DebugContext(ctx, "attempt re-queued",
				"attempt_id", att.ID, "attempt", att.AttemptNumber, "next_at", att.ScheduledAt)

		case Defer:
			d.extendReservation(ctx, att)
			d.logger.DebugContext(ctx, "attempt deferred until probe",
				"attempt_id", att.ID, "target", att.Target, "next_at", att.ScheduledAt)

		case Fail:
			att.State = AttemptFailed
			att.CompletedAt = &now
			if markErr := d.records.MarkFailed(ctx, att.Key, att.LastError); markErr != nil {
				d.logger.ErrorContext(ctx, "mark record failed failed",
					"attempt_id", att.ID, "key", att.Key.String(), "error", markErr)
			}
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.PendingAttempts.Dec()
			}
			d.logger.WarnContext(ctx, "attempt failed permanently",
				"attempt_id", att.ID, "target", att.Target,
				"attempt", att.AttemptNumber, "error", att.LastError)
		}
	}

	if updateErr := d.store.UpdateAttempt(ctx, att); updateErr != nil {
		d.logger.ErrorContext(ctx, "update attempt failed",
			"attempt_id", att.ID, "error", updateErr)
	}
}

// extendReservation keeps the record's reservation from going stale while
// its attempt waits for the next execution. Without it, a re-queued
// attempt scheduled past the staleness threshold would let an upstream
// redelivery reclaim the key and apply the event a second time.
func (d *Dispatcher) extendReservation(ctx context.Context, att *Attempt) {
	if err := d.records.ExtendReservation(ctx, att.Key, att.ScheduledAt); err != nil {
		d.logger.ErrorContext(ctx, "extend reservation failed",
			"attempt_id", att.ID, "key", att.Key.String(), "error", err)
	}
}
