// Package breaker implements the per-service circuit breaker gating outbound
// calls to the upstream services.
//
// Each upstream service owns one breaker; the failure mode being guarded
// against is the remote service, not the tenant, so breakers are never
// tenant-scoped. All state is mutated exclusively through the synchronized
// Allow/Report pair — callers never read-then-write breaker state directly.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the current circuit state.
type State string

const (
	// StateClosed passes calls through while counting failures in a
	// trailing window.
	StateClosed State = "closed"

	// StateOpen fails calls fast without attempting the network call.
	StateOpen State = "open"

	// StateHalfOpen admits a single probe call to test recovery.
	StateHalfOpen State = "half_open"
)

// Outcome classifies a reported call result. Timeouts count as failures.
type Outcome int

const (
	// Success is a completed call the remote service answered sensibly.
	Success Outcome = iota

	// Failure is a transport error or a server-side error response.
	Failure

	// Timeout is a call that exceeded its deadline.
	Timeout
)

// ErrOpen is returned by Allow when the circuit is open (or a probe is
// already in flight during half-open). No network call may be attempted.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes the breaker state machine.
type Config struct {
	// FailureThreshold trips the breaker when this many failures land
	// within the trailing Window.
	FailureThreshold int

	// FailureRate optionally trips the breaker when the failure rate over
	// the trailing Window reaches this fraction (0 disables rate tripping).
	FailureRate float64

	// MinSamples is the minimum number of windowed outcomes before
	// FailureRate is considered.
	MinSamples int

	// Window is the trailing period over which outcomes are counted.
	Window time.Duration

	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration

	// CooldownFactor escalates the cooldown on each failed probe cycle.
	// 1.0 keeps the cooldown constant.
	CooldownFactor float64

	// MaxCooldown caps the escalated cooldown.
	MaxCooldown time.Duration

	// ProbeSuccesses is how many consecutive probe successes close the
	// breaker from half-open.
	ProbeSuccesses int

	// Clock overrides the time source. Nil means time.Now. Tests only.
	Clock func() time.Time
}

// DefaultConfig returns breaker defaults matching the upstream contract:
// five windowed failures trip the circuit, sixty seconds of cooldown, one
// probe success closes it again.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureRate:      0,
		MinSamples:       10,
		Window:           60 * time.Second,
		Cooldown:         60 * time.Second,
		CooldownFactor:   1.0,
		MaxCooldown:      15 * time.Minute,
		ProbeSuccesses:   1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.CooldownFactor < 1.0 {
		c.CooldownFactor = d.CooldownFactor
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	if c.ProbeSuccesses <= 0 {
		c.ProbeSuccesses = d.ProbeSuccesses
	}
	return c
}

// CircuitState is a point-in-time snapshot of one breaker, read by the
// health aggregator and the admin API. Snapshots are copies; mutating one
// has no effect on the breaker.
type CircuitState struct {
	ServiceName         string    `json:"service_name"`
	State               State     `json:"state"`
	FailureCount        int       `json:"failure_count"`
	SuccessCount        int       `json:"success_count"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	NextProbeAt         time.Time `json:"next_probe_at,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitzero"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`

	// RecentSamples and RecentFailures summarize the trailing window for
	// health derivation.
	RecentSamples  int `json:"recent_samples"`
	RecentFailures int `json:"recent_failures"`
}

type sample struct {
	at time.Time
	ok bool
}

// Breaker is the failure tracker for a single upstream service.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	service string
	state   State

	window []sample // outcomes within cfg.Window, oldest first

	successCount   int // consecutive probe successes while half-open
	consecFailures int

	openedAt    time.Time
	nextProbeAt time.Time
	cooldown    time.Duration // current, possibly escalated
	probing     bool          // a probe call is in flight (half-open only)

	lastSuccessAt time.Time
	lastFailureAt time.Time

	onTransition func(service string, from, to State)
}

// New creates a breaker for the named service, starting closed.
func New(service string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		cfg:      cfg,
		now:      now,
		service:  service,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
	}
}

// OnTransition registers a hook invoked (under the breaker lock) on every
// state change. Used for metrics; the hook must not call back into the
// breaker.
func (b *Breaker) OnTransition(fn func(service string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether a call may proceed. While open it fails fast with
// ErrOpen until the cooldown elapses, at which point the breaker moves to
// half-open and admits exactly one probe; concurrent callers during the
// probe get ErrOpen. Every nil return must be paired with a Report call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Before(b.nextProbeAt) {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.successCount = 0
		b.probing = true
		return nil

	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Report records the outcome of a call admitted by Allow and drives the
// state machine: windowed failures trip closed→open, a probe failure
// reopens with an escalated cooldown, and enough consecutive probe
// successes close the circuit.
func (b *Breaker) Report(o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	ok := o == Success
	b.window = append(b.pruned(now), sample{at: now, ok: ok})

	if ok {
		b.lastSuccessAt = now
		b.consecFailures = 0
	} else {
		b.lastFailureAt = now
		b.consecFailures++
	}

	switch b.state {
	case StateClosed:
		if !ok && b.tripped(now) {
			b.open(now)
		}

	case StateHalfOpen:
		b.probing = false
		if !ok {
			// Probe failed: restart the cooldown, escalated.
			b.cooldown = b.escalate(b.cooldown)
			b.open(now)
			return
		}
		b.successCount++
		if b.successCount >= b.cfg.ProbeSuccesses {
			b.close()
		}

	case StateOpen:
		// Late report from a call admitted before the trip. Stats only.
	}
}

// State returns the current state without driving transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NextProbeAt returns when the breaker will next admit a probe. The zero
// time means the breaker is not open.
func (b *Breaker) NextProbeAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.nextProbeAt
}

// Snapshot returns a copy of the breaker's observable state.
func (b *Breaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.window = b.pruned(now)

	var failures, successes int
	for _, s := range b.window {
		if s.ok {
			successes++
		} else {
			failures++
		}
	}

	cs := CircuitState{
		ServiceName:         b.service,
		State:               b.state,
		FailureCount:        failures,
		SuccessCount:        successes,
		ConsecutiveFailures: b.consecFailures,
		LastSuccessAt:       b.lastSuccessAt,
		LastFailureAt:       b.lastFailureAt,
		RecentSamples:       len(b.window),
		RecentFailures:      failures,
	}
	if b.state != StateClosed {
		cs.OpenedAt = b.openedAt
		cs.NextProbeAt = b.nextProbeAt
	}
	return cs
}

// pruned returns the window with samples older than cfg.Window dropped.
// Caller must hold the lock.
func (b *Breaker) pruned(now time.Time) []sample {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && !b.window[i].at.After(cutoff) {
		i++
	}
	return b.window[i:]
}

// tripped reports whether the windowed failures warrant opening.
// Caller must hold the lock.
func (b *Breaker) tripped(now time.Time) bool {
	win := b.pruned(now)
	var failures int
	for _, s := range win {
		if !s.ok {
			failures++
		}
	}
	if failures >= b.cfg.FailureThreshold {
		return true
	}
	if b.cfg.FailureRate > 0 && len(win) >= b.cfg.MinSamples {
		if float64(failures)/float64(len(win)) >= b.cfg.FailureRate {
			return true
		}
	}
	return false
}

func (b *Breaker) escalate(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * b.cfg.CooldownFactor)
	if next > b.cfg.MaxCooldown {
		next = b.cfg.MaxCooldown
	}
	if next < b.cfg.Cooldown {
		next = b.cfg.Cooldown
	}
	return next
}

// open moves to StateOpen and schedules the next probe.
// Caller must hold the lock.
func (b *Breaker) open(now time.Time) {
	b.transition(StateOpen)
	b.openedAt = now
	b.nextProbeAt = now.Add(b.cooldown)
	b.successCount = 0
	b.probing = false
}

// close moves to StateClosed and resets the failure window and cooldown.
// Caller must hold the lock.
func (b *Breaker) close() {
	b.transition(StateClosed)
	b.window = nil
	b.cooldown = b.cfg.Cooldown
	b.openedAt = time.Time{}
	b.nextProbeAt = time.Time{}
	b.probing = false
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(b.service, from, to)
	}
}
