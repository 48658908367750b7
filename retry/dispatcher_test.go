package retry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/interlock-io/interlock/breaker"
	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/internal/entity"
	"github.com/interlock-io/interlock/outbound"
	"github.com/interlock-io/interlock/retry"
	"github.com/interlock-io/interlock/store/memory"
)

// scriptedCaller returns the queued errors in order, then succeeds.
type scriptedCaller struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (c *scriptedCaller) Call(_ context.Context, _ outbound.Request) (*outbound.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &outbound.Response{StatusCode: 200}, nil
}

func (c *scriptedCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func setupDispatcher(t *testing.T, caller outbound.Caller, maxAttempts int) (*memory.Store, *retry.Dispatcher) {
	t.Helper()

	store := memory.New()
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 100, Window: time.Minute})
	scheduler := retry.NewScheduler(retry.SchedulerConfig{
		MaxAttempts: maxAttempts,
		Backoff:     retry.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
	}, reg)

	d := retry.NewDispatcher(store, store, caller, scheduler, retry.DispatcherConfig{
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
	}, nil)
	return store, d
}

// enqueueDue persists a pending record plus a due attempt against it.
func enqueueDue(t *testing.T, store *memory.Store, attemptNumber, maxAttempts int) *retry.Attempt {
	t.Helper()
	ctx := context.Background()

	evt := &event.WebhookEvent{
		EventID:  "evt_" + id.NewAttemptID().String(),
		Source:   event.SourcePayment,
		Type:     "payment.failed",
		TenantID: "tenant-1",
	}
	if _, _, err := store.CheckAndReserve(ctx, idempotency.NewRecord(evt), time.Minute); err != nil {
		t.Fatal(err)
	}

	req := *outbound.NewRequest(event.SourceCommunication, "POST", "/emails", map[string]any{
		"template": "payment_failed",
	})
	att := &retry.Attempt{
		Entity:        entity.New(),
		ID:            id.NewAttemptID(),
		Key:           evt.DedupeKey(),
		TenantID:      evt.TenantID,
		Target:        req.Service,
		Fingerprint:   req.Fingerprint(),
		Request:       req,
		AttemptNumber: attemptNumber,
		MaxAttempts:   maxAttempts,
		ScheduledAt:   time.Now().UTC().Add(-time.Second),
		State:         retry.AttemptPending,
	}
	if err := store.EnqueueAttempt(ctx, att); err != nil {
		t.Fatal(err)
	}
	return att
}

// waitForState polls until the attempt reaches the wanted state.
func waitForState(t *testing.T, store *memory.Store, attID id.ID, want retry.AttemptState) *retry.Attempt {
	t.Helper()
	ctx := context.Background()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			att, _ := store.GetAttempt(ctx, attID)
			t.Fatalf("timeout waiting for attempt state %v (last seen: %+v)", want, att)
		default:
		}

		att, err := store.GetAttempt(ctx, attID)
		if err != nil {
			t.Fatal(err)
		}
		if att.State == want {
			return att
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherExecutesDueAttempt(t *testing.T) {
	caller := &scriptedCaller{}
	store, d := setupDispatcher(t, caller, 5)
	att := enqueueDue(t, store, 1, 5)

	ctx := context.Background()
	d.Start(ctx)
	defer d.Stop(ctx)

	got := waitForState(t, store, att.ID, retry.AttemptSucceeded)
	if got.AttemptNumber != 2 {
		t.Fatalf("AttemptNumber = %d, want 2", got.AttemptNumber)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set on success")
	}

	rec, err := store.GetRecordByKey(ctx, att.Key)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != idempotency.StatusApplied {
		t.Fatalf("record status = %v, want applied", rec.Status)
	}
}

func TestDispatcherRetriesTransientThenSucceeds(t *testing.T) {
	caller := &scriptedCaller{errs: []error{outbound.ErrTransient, outbound.ErrTransient}}
	store, d := setupDispatcher(t, caller, 5)
	att := enqueueDue(t, store, 1, 5)

	ctx := context.Background()
	d.Start(ctx)
	defer d.Stop(ctx)

	got := waitForState(t, store, att.ID, retry.AttemptSucceeded)
	if got.AttemptNumber != 4 {
		t.Fatalf("AttemptNumber = %d, want 4 (two failures then success)", got.AttemptNumber)
	}
	if caller.callCount() != 3 {
		t.Fatalf("calls = %d, want 3", caller.callCount())
	}
}

func TestDispatcherExhaustsBudgetAndFailsRecord(t *testing.T) {
	caller := &scriptedCaller{errs: []error{outbound.ErrTransient, outbound.ErrTransient, outbound.ErrTransient}}
	store, d := setupDispatcher(t, caller, 3)
	att := enqueueDue(t, store, 1, 3)

	ctx := context.Background()
	d.Start(ctx)
	defer d.Stop(ctx)

	got := waitForState(t, store, att.ID, retry.AttemptFailed)
	if got.AttemptNumber != 3 {
		t.Fatalf("AttemptNumber = %d, want 3", got.AttemptNumber)
	}
	if got.LastError == "" {
		t.Fatal("LastError not set on terminal failure")
	}

	rec, err := store.GetRecordByKey(ctx, att.Key)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != idempotency.StatusFailed {
		t.Fatalf("record status = %v, want failed", rec.Status)
	}
}

func TestDispatcherRetryExtendsReservation(t *testing.T) {
	caller := &scriptedCaller{errs: []error{outbound.ErrTransient}}

	store := memory.New()
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 100, Window: time.Minute})
	scheduler := retry.NewScheduler(retry.SchedulerConfig{
		MaxAttempts: 5,
		Backoff:     retry.Backoff{Base: time.Hour, Max: time.Hour},
	}, reg)
	d := retry.NewDispatcher(store, store, caller, scheduler, retry.DispatcherConfig{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
	}, nil)
	att := enqueueDue(t, store, 1, 5)

	ctx := context.Background()
	d.Start(ctx)
	defer d.Stop(ctx)

	// The transient failure re-queues the attempt an hour out; wait for
	// that re-queue to land.
	deadline := time.After(2 * time.Second)
	var got *retry.Attempt
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for re-queue (last seen: %+v)", got)
		default:
		}
		var err error
		got, err = store.GetAttempt(ctx, att.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.AttemptNumber == 2 && got.State == retry.AttemptPending {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec, err := store.GetRecordByKey(ctx, att.Key)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ReservedAt.Equal(got.ScheduledAt) {
		t.Fatalf("ReservedAt = %v, want %v (the attempt's next execution)", rec.ReservedAt, got.ScheduledAt)
	}
	if rec.Status != idempotency.StatusPending {
		t.Fatalf("record status = %v, want pending while the attempt waits", rec.Status)
	}
}

func TestDispatcherPermanentRejectionFailsImmediately(t *testing.T) {
	caller := &scriptedCaller{errs: []error{outbound.ErrPermanent}}
	store, d := setupDispatcher(t, caller, 5)
	att := enqueueDue(t, store, 1, 5)

	ctx := context.Background()
	d.Start(ctx)
	defer d.Stop(ctx)

	got := waitForState(t, store, att.ID, retry.AttemptFailed)
	if got.AttemptNumber != 2 {
		t.Fatalf("AttemptNumber = %d, want 2 (no further retries)", got.AttemptNumber)
	}
	if caller.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", caller.callCount())
	}
}
