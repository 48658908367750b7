package interlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/interlock-io/interlock/breaker"
	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/health"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/intake"
	"github.com/interlock-io/interlock/observability"
	"github.com/interlock-io/interlock/outbound"
	"github.com/interlock-io/interlock/processor"
	"github.com/interlock-io/interlock/ratelimit"
	"github.com/interlock-io/interlock/retry"
	"github.com/interlock-io/interlock/store"
)

// Engine is the root external integration engine.
type Engine struct {
	config         Config
	store          store.Store
	data           processor.DataAccess
	metricsFactory gu.MetricFactory
	logger         *slog.Logger

	intake     *intake.Intake
	idemSvc    *idempotency.Service
	breakers   *breaker.Registry
	caller     outbound.Caller
	scheduler  *retry.Scheduler
	processor  *processor.Processor
	dispatcher *retry.Dispatcher
	healthAgg  *health.Aggregator
	prober     *health.Prober
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

// New creates a new Engine with the given options.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.store == nil {
		return nil, ErrNoStore
	}
	if e.data == nil {
		return nil, ErrNoDataAccess
	}
	e.wireServices()
	return e, nil
}

// wireServices initializes the internal services after options have been
// applied.
func (e *Engine) wireServices() {
	if e.metricsFactory != nil {
		e.metrics = observability.NewMetrics(e.metricsFactory)
	}
	e.tracer = observability.NewTracer()

	e.breakers = breaker.NewRegistry(e.config.Breaker)
	e.breakers.OnTransition(func(service string, from, to breaker.State) {
		e.logger.Info("circuit state changed",
			"service", service,
			"from", string(from),
			"to", string(to))
		if e.metrics != nil {
			e.metrics.RecordTransition(service, string(from), string(to))
		}
	})

	e.intake = intake.New(intake.Config{Secrets: e.config.Secrets}, e.metrics, e.logger)

	e.idemSvc = idempotency.NewService(e.store, e.config.Idempotency, e.logger)

	e.caller = outbound.NewHTTPCaller(outbound.HTTPCallerConfig{
		Services: e.config.Services,
		Timeout:  e.config.RequestTimeout,
		Breakers: e.breakers,
		Limiter:  ratelimit.New(),
		Metrics:  e.metrics,
		Tracer:   e.tracer,
	}, e.logger)

	e.scheduler = retry.NewScheduler(e.config.Scheduler, e.breakers)

	e.processor = processor.New(e.data, e.caller, e.store, e.store,
		e.scheduler, e.metrics, e.tracer, e.logger)

	e.dispatcher = retry.NewDispatcher(e.store, e.store, e.caller, e.scheduler,
		retry.DispatcherConfig{
			Concurrency:   e.config.Concurrency,
			PollInterval:  e.config.PollInterval,
			BatchSize:     e.config.BatchSize,
			ClaimTTL:      e.config.ClaimTTL,
			ReapRetention: e.config.ReapRetention,
			Metrics:       e.metrics,
		}, e.logger)

	e.healthAgg = health.NewAggregator(e.config.Health, e.breakers)

	e.prober = health.NewProber(health.ProberConfig{
		Interval: e.config.ProbeInterval,
	}, e.caller, e.logger)
}

// Start begins the retry dispatcher and, if configured, the health prober.
func (e *Engine) Start(ctx context.Context) {
	e.dispatcher.Start(ctx)
	e.prober.Start(ctx)
}

// Stop gracefully shuts down background work.
func (e *Engine) Stop(ctx context.Context) {
	e.prober.Stop()
	e.dispatcher.Stop(ctx)
}

// IngestResult reports what happened to one inbound delivery.
type IngestResult struct {
	// Verdict is the dedupe verdict for the delivery.
	Verdict idempotency.Verdict `json:"verdict"`

	// Outcome is the processing outcome; empty for duplicate deliveries.
	Outcome processor.Outcome `json:"outcome,omitempty"`

	// Reason explains ignored/failed outcomes.
	Reason string `json:"reason,omitempty"`

	// RecordID is the processed-event record ID.
	RecordID string `json:"record_id,omitempty"`

	// AttemptID is set when the outbound side effect was queued for retry.
	AttemptID string `json:"attempt_id,omitempty"`
}

// Ingest runs one raw webhook delivery through the whole pipeline: intake
// validation, dedupe reservation, and event application.
//
// The critical path:
//  1. Normalize and validate the raw payload (signature, schema, tenant).
//  2. Reserve the dedupe key; duplicates short-circuit here.
//  3. Apply the event: internal transition plus any outbound notification.
//  4. On infrastructure failure, release the reservation so the upstream
//     sender's redelivery starts fresh.
func (e *Engine) Ingest(ctx context.Context, source string, body []byte, header http.Header) (*IngestResult, error) {
	evt, err := e.intake.Normalize(ctx, source, body, header)
	if err != nil {
		return nil, err
	}

	candidate := idempotency.NewRecord(evt)
	verdict, rec, err := e.idemSvc.Reserve(ctx, candidate)
	if err != nil {
		if errors.Is(err, idempotency.ErrConcurrentProcessing) {
			return &IngestResult{Verdict: verdict, RecordID: recordID(rec)}, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if verdict == idempotency.DuplicateApplied {
		if e.metrics != nil {
			e.metrics.EventsDuplicateTotal.Inc()
		}
		e.logger.DebugContext(ctx, "duplicate delivery short-circuited",
			"key", evt.DedupeKey().String(),
			"status", string(rec.Status))
		return &IngestResult{Verdict: verdict, RecordID: recordID(rec)}, nil
	}

	res, err := e.processor.Process(ctx, evt)
	if err != nil {
		// Infrastructure trouble mid-processing. Give the key back so the
		// sender's redelivery is not treated as a concurrent duplicate.
		if relErr := e.store.ReleaseReservation(ctx, evt.DedupeKey()); relErr != nil {
			e.logger.ErrorContext(ctx, "release reservation failed",
				"key", evt.DedupeKey().String(),
				"error", relErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return &IngestResult{
		Verdict:   verdict,
		Outcome:   res.Outcome,
		Reason:    res.Reason,
		RecordID:  recordID(rec),
		AttemptID: res.AttemptID,
	}, nil
}

// ReplayAttempt re-queues a terminally failed delivery attempt for
// immediate execution, extending its budget by one call.
func (e *Engine) ReplayAttempt(ctx context.Context, attID id.ID) (*retry.Attempt, error) {
	att, err := e.store.GetAttempt(ctx, attID)
	if err != nil {
		return nil, err
	}
	if att.State != retry.AttemptFailed {
		return nil, fmt.Errorf("%w: attempt %s is %s", ErrNotReplayable, attID, att.State)
	}

	att.State = retry.AttemptPending
	att.CompletedAt = nil
	att.ScheduledAt = time.Now().UTC()
	if att.AttemptNumber >= att.MaxAttempts {
		att.MaxAttempts = att.AttemptNumber + 1
	}
	if err := e.store.UpdateAttempt(ctx, att); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.PendingAttempts.Inc()
	}
	e.logger.InfoContext(ctx, "attempt replayed",
		"attempt_id", att.ID.String(),
		"target", string(att.Target))
	return att, nil
}

// Stats summarizes engine state for operators.
type Stats struct {
	Records  map[string]int64           `json:"records"`
	Attempts map[string]int64           `json:"attempts"`
	Health   []health.IntegrationHealth `json:"health"`
}

// Stats returns record and attempt counts by status plus per-service
// health.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		Records:  make(map[string]int64, 4),
		Attempts: make(map[string]int64, 4),
		Health:   e.healthAgg.All(),
	}
	for _, status := range []idempotency.Status{
		idempotency.StatusPending, idempotency.StatusApplied,
		idempotency.StatusIgnored, idempotency.StatusFailed,
	} {
		n, err := e.store.CountRecords(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("interlock: count records: %w", err)
		}
		st.Records[string(status)] = n
	}
	for _, state := range []retry.AttemptState{
		retry.AttemptPending, retry.AttemptSucceeded,
		retry.AttemptFailed, retry.AttemptCancelled,
	} {
		n, err := e.store.CountAttempts(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("interlock: count attempts: %w", err)
		}
		st.Attempts[string(state)] = n
	}
	return st, nil
}

// Health returns the health aggregator.
func (e *Engine) Health() *health.Aggregator { return e.healthAgg }

// Breakers returns the circuit breaker registry.
func (e *Engine) Breakers() *breaker.Registry { return e.breakers }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Services lists the upstream services this engine integrates with.
func (e *Engine) Services() []event.SourceService { return event.Services() }

func recordID(rec *idempotency.Record) string {
	if rec == nil {
		return ""
	}
	return rec.ID.String()
}
