package idempotency_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/store/memory"
)

func paymentEvent(eventID string) *event.WebhookEvent {
	return &event.WebhookEvent{
		EventID:  eventID,
		Source:   event.SourcePayment,
		Type:     "payment.failed",
		TenantID: "tenant-1",
	}
}

func TestReserveFreshThenDuplicate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := idempotency.NewService(store, idempotency.ServiceConfig{
		PendingWait:  50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, nil)

	evt := paymentEvent("evt_1")

	verdict, rec, err := svc.Reserve(ctx, idempotency.NewRecord(evt))
	if err != nil {
		t.Fatal(err)
	}
	if verdict != idempotency.Fresh {
		t.Fatalf("first Reserve = %v, want fresh", verdict)
	}
	if rec.Status != idempotency.StatusPending || rec.AttemptCount != 1 {
		t.Fatalf("record = %+v, want pending with 1 attempt", rec)
	}

	if err := store.MarkApplied(ctx, evt.DedupeKey()); err != nil {
		t.Fatal(err)
	}

	verdict, rec, err = svc.Reserve(ctx, idempotency.NewRecord(evt))
	if err != nil {
		t.Fatal(err)
	}
	if verdict != idempotency.DuplicateApplied {
		t.Fatalf("redelivery Reserve = %v, want duplicate-applied", verdict)
	}
	if rec.Status != idempotency.StatusApplied {
		t.Fatalf("redelivery record status = %v, want applied", rec.Status)
	}
}

func TestReserveTerminalStatusesShortCircuit(t *testing.T) {
	ctx := context.Background()

	finalize := map[string]func(*memory.Store, event.DedupeKey) error{
		"applied": func(s *memory.Store, k event.DedupeKey) error { return s.MarkApplied(ctx, k) },
		"ignored": func(s *memory.Store, k event.DedupeKey) error { return s.MarkIgnored(ctx, k, "no such entity") },
		"failed":  func(s *memory.Store, k event.DedupeKey) error { return s.MarkFailed(ctx, k, "retries exhausted") },
	}

	for name, fn := range finalize {
		t.Run(name, func(t *testing.T) {
			store := memory.New()
			svc := idempotency.NewService(store, idempotency.ServiceConfig{}, nil)
			evt := paymentEvent("evt_" + name)

			if _, _, err := svc.Reserve(ctx, idempotency.NewRecord(evt)); err != nil {
				t.Fatal(err)
			}
			if err := fn(store, evt.DedupeKey()); err != nil {
				t.Fatal(err)
			}

			verdict, _, err := svc.Reserve(ctx, idempotency.NewRecord(evt))
			if err != nil {
				t.Fatal(err)
			}
			if verdict != idempotency.DuplicateApplied {
				t.Fatalf("Reserve after %s = %v, want duplicate-applied", name, verdict)
			}
		})
	}
}

func TestReserveExactlyOneWinnerUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := idempotency.NewService(store, idempotency.ServiceConfig{
		PendingWait:  30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, nil)

	evt := paymentEvent("evt_race")

	const callers = 16
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		fresh      int
		concurrent int
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdict, _, err := svc.Reserve(ctx, idempotency.NewRecord(evt))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && verdict == idempotency.Fresh:
				fresh++
			case errors.Is(err, idempotency.ErrConcurrentProcessing):
				concurrent++
			default:
				t.Errorf("unexpected outcome: verdict=%v err=%v", verdict, err)
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Fatalf("fresh winners = %d, want exactly 1", fresh)
	}
	if concurrent != callers-1 {
		t.Fatalf("concurrent losers = %d, want %d", concurrent, callers-1)
	}
}

func TestReserveBoundedWaitSeesSettlement(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := idempotency.NewService(store, idempotency.ServiceConfig{
		PendingWait:  time.Second,
		PollInterval: 5 * time.Millisecond,
	}, nil)

	evt := paymentEvent("evt_settle")
	if _, _, err := svc.Reserve(ctx, idempotency.NewRecord(evt)); err != nil {
		t.Fatal(err)
	}

	// The in-flight attempt settles while the second caller waits.
	go func() {
		time.Sleep(30 * time.Millisecond)
		store.MarkApplied(ctx, evt.DedupeKey()) //nolint:errcheck
	}()

	verdict, _, err := svc.Reserve(ctx, idempotency.NewRecord(evt))
	if err != nil {
		t.Fatal(err)
	}
	if verdict != idempotency.DuplicateApplied {
		t.Fatalf("Reserve after settlement = %v, want duplicate-applied", verdict)
	}
}

func TestReserveReclaimsStaleReservation(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := idempotency.NewService(store, idempotency.ServiceConfig{
		StaleAfter:   5 * time.Minute,
		PendingWait:  20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, nil)

	evt := paymentEvent("evt_stale")
	if _, _, err := svc.Reserve(ctx, idempotency.NewRecord(evt)); err != nil {
		t.Fatal(err)
	}

	// Simulate a crashed process: the reservation ages past the staleness
	// threshold without ever settling.
	store.SetClock(func() time.Time { return time.Now().UTC().Add(6 * time.Minute) })

	verdict, rec, err := svc.Reserve(ctx, idempotency.NewRecord(evt))
	if err != nil {
		t.Fatal(err)
	}
	if verdict != idempotency.Fresh {
		t.Fatalf("Reserve on stale reservation = %v, want fresh (reclaimed)", verdict)
	}
	if rec.AttemptCount != 2 {
		t.Fatalf("reclaimed AttemptCount = %d, want 2", rec.AttemptCount)
	}
}

func TestReserveContextCancellation(t *testing.T) {
	store := memory.New()
	svc := idempotency.NewService(store, idempotency.ServiceConfig{
		PendingWait:  time.Minute,
		PollInterval: 5 * time.Millisecond,
	}, nil)

	evt := paymentEvent("evt_cancel")
	if _, _, err := svc.Reserve(context.Background(), idempotency.NewRecord(evt)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := svc.Reserve(ctx, idempotency.NewRecord(evt))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Reserve with cancelled context = %v, want DeadlineExceeded", err)
	}
}

func TestReleaseReservationAllowsFreshRetry(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := idempotency.NewService(store, idempotency.ServiceConfig{}, nil)

	evt := paymentEvent("evt_release")
	if _, _, err := svc.Reserve(ctx, idempotency.NewRecord(evt)); err != nil {
		t.Fatal(err)
	}
	if err := store.ReleaseReservation(ctx, evt.DedupeKey()); err != nil {
		t.Fatal(err)
	}

	verdict, _, err := svc.Reserve(ctx, idempotency.NewRecord(evt))
	if err != nil {
		t.Fatal(err)
	}
	if verdict != idempotency.Fresh {
		t.Fatalf("Reserve after release = %v, want fresh", verdict)
	}
}
