// Package ratelimit smooths the engine's outbound call rate per upstream
// service, so a retry burst drains out gradually instead of hammering an
// already struggling integration.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter hands out call permits per upstream service. Each service gets
// a bucket holding at most one second's worth of permits, refilled
// continuously at its configured rate.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   func() time.Time
}

type bucket struct {
	level float64   // permits available, fractional between refills
	asOf  time.Time // when level was last brought current
}

// New creates a limiter with no buckets; they materialize on first use,
// full.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		clock:   time.Now,
	}
}

// SetClock overrides the limiter clock. Test hook.
func (l *Limiter) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// Allow consumes one permit for the service if one is available. A
// perSecond of zero or less disables limiting for the service.
func (l *Limiter) Allow(service string, perSecond int) bool {
	if perSecond <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(service, float64(perSecond))
	if b.level < 1 {
		return false
	}
	b.level--
	return true
}

// Wait blocks until a permit is available or the context ends. The retry
// pause is one permit's worth of refill, so waiters wake roughly as
// permits appear.
func (l *Limiter) Wait(ctx context.Context, service string, perSecond int) error {
	if perSecond <= 0 {
		return nil
	}

	pause := time.Second / time.Duration(perSecond)
	for !l.Allow(service, perSecond) {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Reset discards the service's bucket; the next call starts it full.
func (l *Limiter) Reset(service string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, service)
}

// refill returns the service's bucket with its level brought current:
// permits accrue at rate per second since the last touch, capped at one
// second's burst. Callers hold l.mu.
func (l *Limiter) refill(service string, rate float64) *bucket {
	now := l.clock()
	b, ok := l.buckets[service]
	if !ok {
		b = &bucket{level: rate, asOf: now}
		l.buckets[service] = b
		return b
	}

	b.level += now.Sub(b.asOf).Seconds() * rate
	if b.level > rate {
		b.level = rate
	}
	b.asOf = now
	return b
}
