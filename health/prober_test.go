package health_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/health"
	"github.com/interlock-io/interlock/outbound"
)

// recordingCaller collects every outbound request it sees.
type recordingCaller struct {
	mu    sync.Mutex
	calls []outbound.Request
}

func (c *recordingCaller) Call(_ context.Context, req outbound.Request) (*outbound.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	return &outbound.Response{StatusCode: 200}, nil
}

func (c *recordingCaller) snapshot() []outbound.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]outbound.Request, len(c.calls))
	copy(out, c.calls)
	return out
}

func TestProberProbesEveryService(t *testing.T) {
	caller := &recordingCaller{}
	p := health.NewProber(health.ProberConfig{Interval: 10 * time.Millisecond}, caller, nil)

	p.Start(context.Background())
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout; probes seen: %d", len(caller.snapshot()))
		default:
		}
		if len(caller.snapshot()) >= len(event.Services()) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	seen := make(map[event.SourceService]bool)
	for _, req := range caller.snapshot() {
		if req.Method != "GET" || req.Path != "/health" {
			t.Fatalf("probe request = %+v, want GET /health", req)
		}
		seen[req.Service] = true
	}
	for _, svc := range event.Services() {
		if !seen[svc] {
			t.Fatalf("service %s never probed", svc)
		}
	}
}

func TestProberZeroIntervalDisabled(t *testing.T) {
	caller := &recordingCaller{}
	p := health.NewProber(health.ProberConfig{}, caller, nil)

	p.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	p.Stop()

	if n := len(caller.snapshot()); n != 0 {
		t.Fatalf("disabled prober made %d calls, want 0", n)
	}
}

func TestProberStopIsIdempotent(t *testing.T) {
	p := health.NewProber(health.ProberConfig{Interval: 5 * time.Millisecond}, &recordingCaller{}, nil)

	p.Start(context.Background())
	p.Stop()
	p.Stop() // second Stop must not panic or block
}
