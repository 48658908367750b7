package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/interlock-io/interlock/ratelimit"
)

func TestAllowUnlimitedWhenZero(t *testing.T) {
	l := ratelimit.New()
	for i := 0; i < 1000; i++ {
		if !l.Allow("user-service", 0) {
			t.Fatal("zero rate limit must never throttle")
		}
	}
}

func TestAllowExhaustsBucket(t *testing.T) {
	l := ratelimit.New()

	allowed := 0
	for i := 0; i < 20; i++ {
		if l.Allow("payment-service", 5) {
			allowed++
		}
	}
	if allowed < 1 || allowed > 6 {
		t.Fatalf("allowed = %d, want roughly the bucket capacity of 5", allowed)
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	l := ratelimit.New()

	for l.Allow("payment-service", 1) {
	}
	if !l.Allow("communication-service", 1) {
		t.Fatal("draining one service throttled another")
	}
}

func TestRefillTracksClock(t *testing.T) {
	l := ratelimit.New()
	now := time.Now()
	l.SetClock(func() time.Time { return now })

	for l.Allow("payment-service", 5) {
	}
	if l.Allow("payment-service", 5) {
		t.Fatal("drained bucket allowed without time passing")
	}

	// One second at 5/s refills the bucket; the level caps there.
	now = now.Add(time.Second)
	allowed := 0
	for l.Allow("payment-service", 5) {
		allowed++
	}
	if allowed != 5 {
		t.Fatalf("allowed = %d after one second, want 5", allowed)
	}
}

func TestWaitRecoversAfterRefill(t *testing.T) {
	l := ratelimit.New()

	// Drain, then Wait should succeed once a token refills (100/s → ~10ms).
	for l.Allow("user-service", 100) {
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	if err := l.Wait(ctx, "user-service", 100); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("Wait took %v, want well under the context deadline", time.Since(start))
	}
}

func TestWaitHonorsContext(t *testing.T) {
	l := ratelimit.New()
	for l.Allow("user-service", 1) {
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "user-service", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want DeadlineExceeded", err)
	}
}

func TestReset(t *testing.T) {
	l := ratelimit.New()
	for l.Allow("user-service", 1) {
	}

	l.Reset("user-service")
	if !l.Allow("user-service", 1) {
		t.Fatal("Allow() after Reset = false, want a full bucket")
	}
}
