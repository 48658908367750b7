package interlock

import (
	"time"

	"github.com/interlock-io/interlock/breaker"
	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/health"
	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/intake"
	"github.com/interlock-io/interlock/outbound"
	"github.com/interlock-io/interlock/retry"
)

// Config holds the configuration for an Engine instance.
type Config struct {
	// Services maps each upstream service to its transport configuration
	// (base URL, auth, rate limit).
	Services map[event.SourceService]outbound.ServiceConfig

	// Secrets maps source services to their webhook signing secrets.
	// A service with no entry accepts unsigned deliveries.
	Secrets map[event.SourceService]intake.ServiceSecret

	// Breaker tunes the per-service circuit breakers.
	Breaker breaker.Config

	// Idempotency tunes reservation staleness and the bounded wait for
	// concurrent duplicates.
	Idempotency idempotency.ServiceConfig

	// Scheduler tunes the retry budget and backoff curve.
	Scheduler retry.SchedulerConfig

	// Health tunes the degraded-status derivation.
	Health health.AggregatorConfig

	// ProbeInterval is how often upstream /health endpoints are probed.
	// Zero disables active probing.
	ProbeInterval time.Duration

	// Concurrency is the number of delivery worker goroutines.
	Concurrency int

	// PollInterval is how often the dispatcher checks for due attempts.
	PollInterval time.Duration

	// BatchSize is the maximum number of attempts claimed per poll cycle.
	BatchSize int

	// ClaimTTL is how long a claimed attempt stays invisible before it is
	// presumed orphaned by a crashed worker and claimed again.
	ClaimTTL time.Duration

	// RequestTimeout is the HTTP timeout per outbound call.
	RequestTimeout time.Duration

	// ReapRetention is how long terminal attempts are kept before reaping.
	ReapRetention time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight work on
	// shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Breaker:         breaker.DefaultConfig(),
		Idempotency:     idempotency.DefaultServiceConfig(),
		Scheduler:       retry.DefaultSchedulerConfig(),
		Health:          health.DefaultAggregatorConfig(),
		Concurrency:     10,
		PollInterval:    1 * time.Second,
		BatchSize:       50,
		ClaimTTL:        5 * time.Minute,
		RequestTimeout:  30 * time.Second,
		ReapRetention:   time.Hour,
		ShutdownTimeout: 30 * time.Second,
	}
}
