package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes retry delays: exponential growth capped at a maximum,
// with full jitter. The delay for attempt k is uniform in
// [0, min(base*2^k, max)) so concurrent tenants never produce synchronized
// retry storms.
type Backoff struct {
	// Base is the unjittered delay for attempt zero.
	Base time.Duration

	// Max caps the unjittered exponential delay.
	Max time.Duration
}

// DefaultBackoff returns the default retry curve.
func DefaultBackoff() Backoff {
	return Backoff{
		Base: 1 * time.Second,
		Max:  2 * time.Minute,
	}
}

// Delay returns the jittered delay for the given attempt number (0-based).
// rng may be nil, in which case a process-wide source is used.
func (b Backoff) Delay(attemptNumber int, rng *rand.Rand) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 2 * time.Minute
	}
	if attemptNumber < 0 {
		attemptNumber = 0
	}

	// base * 2^k, saturating at max instead of overflowing.
	delay := base
	for i := 0; i < attemptNumber && delay < max; i++ {
		delay <<= 1
	}
	if delay > max {
		delay = max
	}

	return time.Duration(randInt63n(rng, int64(delay)))
}

// Next returns the wall-clock time of the next attempt.
func (b Backoff) Next(now time.Time, attemptNumber int, rng *rand.Rand) time.Time {
	return now.Add(b.Delay(attemptNumber, rng)).UTC()
}

var (
	fallbackMu  sync.Mutex
	fallbackRng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter, not crypto
)

func randInt63n(rng *rand.Rand, n int64) int64 {
	if n <= 0 {
		return 0
	}
	if rng != nil {
		return rng.Int63n(n)
	}
	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	return fallbackRng.Int63n(n)
}
