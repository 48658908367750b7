// Package health derives per-service integration health from circuit
// breaker state and recent call outcomes. The derivation is pure; an
// optional prober feeds the breakers with active /health checks.
package health

import (
	"time"

	"github.com/interlock-io/interlock/breaker"
	"github.com/interlock-io/interlock/event"
)

// Status is the derived integration health of one upstream service.
type Status string

const (
	// StatusHealthy means the circuit is closed and recent calls succeed.
	StatusHealthy Status = "healthy"

	// StatusDegraded means the circuit is half-open, or closed with an
	// elevated recent failure rate.
	StatusDegraded Status = "degraded"

	// StatusDown means the circuit is open.
	StatusDown Status = "down"
)

// IntegrationHealth is the read-only health view for one service.
type IntegrationHealth struct {
	Service             event.SourceService `json:"service"`
	Status              Status              `json:"status"`
	CircuitState        breaker.State       `json:"circuit_state"`
	RecentSamples       int                 `json:"recent_samples"`
	RecentFailures      int                 `json:"recent_failures"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	LastSuccessAt       time.Time           `json:"last_success_at,omitzero"`
	LastFailureAt       time.Time           `json:"last_failure_at,omitzero"`
	NextProbeAt         time.Time           `json:"next_probe_at,omitzero"`
}

// AggregatorConfig tunes health derivation.
type AggregatorConfig struct {
	// DegradedFailureRate is the recent failure rate at or above which a
	// closed circuit is reported degraded instead of healthy.
	DegradedFailureRate float64

	// MinSamples is the minimum recent sample count before the failure
	// rate is considered meaningful.
	MinSamples int
}

// DefaultAggregatorConfig returns derivation defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		DegradedFailureRate: 0.3,
		MinSamples:          5,
	}
}

// Aggregator derives IntegrationHealth from breaker snapshots. It holds no
// state of its own; every read reflects the breakers at call time.
type Aggregator struct {
	cfg      AggregatorConfig
	breakers *breaker.Registry
}

// NewAggregator creates an aggregator over the given breaker registry.
func NewAggregator(cfg AggregatorConfig, breakers *breaker.Registry) *Aggregator {
	d := DefaultAggregatorConfig()
	if cfg.DegradedFailureRate <= 0 || cfg.DegradedFailureRate > 1 {
		cfg.DegradedFailureRate = d.DegradedFailureRate
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = d.MinSamples
	}
	return &Aggregator{cfg: cfg, breakers: breakers}
}

// Service returns the derived health of one upstream service.
func (a *Aggregator) Service(svc event.SourceService) IntegrationHealth {
	return a.derive(a.breakers.For(svc).Snapshot())
}

// All returns the derived health of every upstream service in stable order.
func (a *Aggregator) All() []IntegrationHealth {
	snaps := a.breakers.Snapshots()
	out := make([]IntegrationHealth, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, a.derive(snap))
	}
	return out
}

func (a *Aggregator) derive(snap breaker.CircuitState) IntegrationHealth {
	h := IntegrationHealth{
		Service:             event.SourceService(snap.ServiceName),
		CircuitState:        snap.State,
		RecentSamples:       snap.RecentSamples,
		RecentFailures:      snap.RecentFailures,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		LastSuccessAt:       snap.LastSuccessAt,
		LastFailureAt:       snap.LastFailureAt,
		NextProbeAt:         snap.NextProbeAt,
	}

	switch snap.State {
	case breaker.StateOpen:
		h.Status = StatusDown
	case breaker.StateHalfOpen:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
		if snap.RecentSamples >= a.cfg.MinSamples {
			rate := float64(snap.RecentFailures) / float64(snap.RecentSamples)
			if rate >= a.cfg.DegradedFailureRate {
				h.Status = StatusDegraded
			}
		}
	}
	return h
}
