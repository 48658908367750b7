package interlock

import (
	"log/slog"
	"time"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/intake"
	"github.com/interlock-io/interlock/outbound"
	"github.com/interlock-io/interlock/processor"
	"github.com/interlock-io/interlock/store"
)

// Option configures an Engine instance.
type Option func(*Engine) error

// WithStore sets the persistence backend for the Engine instance.
func WithStore(s store.Store) Option {
	return func(e *Engine) error {
		e.store = s
		return nil
	}
}

// WithDataAccess sets the data-access interface to the CRUD subsystem.
func WithDataAccess(da processor.DataAccess) Option {
	return func(e *Engine) error {
		e.data = da
		return nil
	}
}

// WithLogger sets the structured logger for the Engine instance.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithMetricsFactory enables metric instruments built from the factory.
func WithMetricsFactory(factory gu.MetricFactory) Option {
	return func(e *Engine) error {
		e.metricsFactory = factory
		return nil
	}
}

// WithService configures the transport for one upstream service.
func WithService(svc event.SourceService, cfg outbound.ServiceConfig) Option {
	return func(e *Engine) error {
		if e.config.Services == nil {
			e.config.Services = make(map[event.SourceService]outbound.ServiceConfig)
		}
		e.config.Services[svc] = cfg
		return nil
	}
}

// WithSecret configures webhook signature verification for one service.
func WithSecret(svc event.SourceService, secret intake.ServiceSecret) Option {
	return func(e *Engine) error {
		if e.config.Secrets == nil {
			e.config.Secrets = make(map[event.SourceService]intake.ServiceSecret)
		}
		e.config.Secrets[svc] = secret
		return nil
	}
}

// WithConfig replaces the whole configuration. Later options still apply on
// top of it.
func WithConfig(cfg Config) Option {
	return func(e *Engine) error {
		e.config = cfg
		return nil
	}
}

// WithConcurrency sets the number of delivery worker goroutines.
func WithConcurrency(n int) Option {
	return func(e *Engine) error {
		e.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often the dispatcher checks for due attempts.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) error {
		e.config.PollInterval = d
		return nil
	}
}

// WithRequestTimeout sets the HTTP timeout per outbound call.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		e.config.RequestTimeout = d
		return nil
	}
}

// WithMaxAttempts sets the retry budget per delivery.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) error {
		e.config.Scheduler.MaxAttempts = n
		return nil
	}
}

// WithProbeInterval enables active upstream health probing.
func WithProbeInterval(d time.Duration) Option {
	return func(e *Engine) error {
		e.config.ProbeInterval = d
		return nil
	}
}
