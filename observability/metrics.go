// Package observability provides metric instruments and tracing for the
// integration engine.
package observability

import (
	gu "github.com/xraph/go-utils/metrics"
)

// Metrics holds metric instruments for the engine, backed by any go-utils
// MetricFactory.
type Metrics struct {
	EventsReceivedTotal  gu.Counter
	EventsAppliedTotal   gu.Counter
	EventsDuplicateTotal gu.Counter
	EventsIgnoredTotal   gu.Counter
	OutboundCallsTotal   gu.Counter
	CallLatency          gu.Histogram
	BreakerTransitions   gu.Counter
	PendingAttempts      gu.Gauge
}

// NewMetrics creates engine metric instruments using the supplied factory.
// Use metrics.NewMetricsCollector() for standalone usage.
func NewMetrics(factory gu.MetricFactory) *Metrics {
	return &Metrics{
		EventsReceivedTotal:  factory.Counter("interlock_events_received_total"),
		EventsAppliedTotal:   factory.Counter("interlock_events_applied_total"),
		EventsDuplicateTotal: factory.Counter("interlock_events_duplicate_total"),
		EventsIgnoredTotal:   factory.Counter("interlock_events_ignored_total"),
		OutboundCallsTotal:   factory.Counter("interlock_outbound_calls_total"),
		CallLatency:          factory.Histogram("interlock_outbound_call_latency_seconds"),
		BreakerTransitions:   factory.Counter("interlock_breaker_transitions_total"),
		PendingAttempts:      factory.Gauge("interlock_pending_attempts"),
	}
}

// RecordReceived counts an accepted inbound event by source service.
func (m *Metrics) RecordReceived(source string) {
	m.EventsReceivedTotal.WithLabels(map[string]string{"source": source}).Inc()
}

// RecordCall records an outbound call outcome with its latency.
func (m *Metrics) RecordCall(service, outcome string, latencySeconds float64) {
	m.OutboundCallsTotal.WithLabels(map[string]string{
		"service": service,
		"outcome": outcome,
	}).Inc()
	m.CallLatency.Observe(latencySeconds)
}

// RecordTransition counts a breaker state change.
func (m *Metrics) RecordTransition(service, from, to string) {
	m.BreakerTransitions.WithLabels(map[string]string{
		"service": service,
		"from":    from,
		"to":      to,
	}).Inc()
}
