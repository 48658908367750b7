package breaker

import (
	"sync"

	"github.com/interlock-io/interlock/event"
)

// Registry owns one breaker per upstream service. It is passed explicitly to
// every component that gates or observes outbound calls; there is no ambient
// global breaker state.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[event.SourceService]*Breaker

	onTransition func(service string, from, to State)
}

// NewRegistry creates a registry that lazily builds breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[event.SourceService]*Breaker),
	}
}

// OnTransition registers a hook applied to every breaker the registry
// creates (and those already created).
func (r *Registry) OnTransition(fn func(service string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
	for _, b := range r.breakers {
		b.OnTransition(fn)
	}
}

// For returns the breaker for the given service, creating it on first use.
func (r *Registry) For(svc event.SourceService) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[svc]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[svc]; ok {
		return b
	}
	b = New(svc.String(), r.cfg)
	if r.onTransition != nil {
		b.OnTransition(r.onTransition)
	}
	r.breakers[svc] = b
	return b
}

// Snapshots returns the circuit state of every known service in the stable
// service order. Services that have never been called report a closed,
// empty circuit.
func (r *Registry) Snapshots() []CircuitState {
	states := make([]CircuitState, 0, len(event.Services()))
	for _, svc := range event.Services() {
		states = append(states, r.For(svc).Snapshot())
	}
	return states
}
