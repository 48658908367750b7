package retry_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/interlock-io/interlock/retry"
)

func TestBackoffDelayWithinBounds(t *testing.T) {
	b := retry.Backoff{Base: time.Second, Max: 2 * time.Minute}
	rng := rand.New(rand.NewSource(42))

	for attempt := 0; attempt <= 12; attempt++ {
		// Unjittered ceiling: base * 2^attempt, capped at max.
		ceiling := time.Second << attempt
		if ceiling > 2*time.Minute || ceiling <= 0 {
			ceiling = 2 * time.Minute
		}

		for i := 0; i < 200; i++ {
			d := b.Delay(attempt, rng)
			if d < 0 || d >= ceiling {
				t.Fatalf("Delay(%d) = %v, want in [0, %v)", attempt, d, ceiling)
			}
		}
	}
}

func TestBackoffDelaySpreadsJitter(t *testing.T) {
	b := retry.Backoff{Base: time.Second, Max: 2 * time.Minute}
	rng := rand.New(rand.NewSource(7))

	// Full jitter must actually spread: with 100 draws over a 16s range,
	// identical values everywhere would mean the jitter is broken.
	seen := make(map[time.Duration]struct{})
	for i := 0; i < 100; i++ {
		seen[b.Delay(4, rng)] = struct{}{}
	}
	if len(seen) < 50 {
		t.Fatalf("100 draws produced only %d distinct delays", len(seen))
	}
}

func TestBackoffNegativeAttemptClamped(t *testing.T) {
	b := retry.Backoff{Base: time.Second, Max: time.Minute}
	d := b.Delay(-3, rand.New(rand.NewSource(1)))
	if d < 0 || d >= time.Second {
		t.Fatalf("Delay(-3) = %v, want in [0, 1s)", d)
	}
}

func TestBackoffZeroConfigUsesDefaults(t *testing.T) {
	var b retry.Backoff
	d := b.Delay(0, rand.New(rand.NewSource(1)))
	if d < 0 || d >= time.Second {
		t.Fatalf("zero-config Delay(0) = %v, want in [0, 1s)", d)
	}
}

func TestBackoffNext(t *testing.T) {
	b := retry.Backoff{Base: time.Second, Max: time.Minute}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	next := b.Next(now, 3, rand.New(rand.NewSource(9)))
	if next.Before(now) || !next.Before(now.Add(8*time.Second)) {
		t.Fatalf("Next = %v, want in [%v, %v)", next, now, now.Add(8*time.Second))
	}
	if next.Location() != time.UTC {
		t.Fatalf("Next location = %v, want UTC", next.Location())
	}
}
