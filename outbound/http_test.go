package outbound_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/interlock-io/interlock/breaker"
	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/outbound"
)

func newCaller(t *testing.T, upstream http.Handler, cfg outbound.ServiceConfig) (*outbound.HTTPCaller, *breaker.Registry) {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL

	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Hour})
	caller := outbound.NewHTTPCaller(outbound.HTTPCallerConfig{
		Services: map[event.SourceService]outbound.ServiceConfig{
			event.SourceCommunication: cfg,
		},
		Timeout:  2 * time.Second,
		Breakers: reg,
	}, nil)
	return caller, reg
}

func statusUpstream(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
}

func notifyRequest() outbound.Request {
	return *outbound.NewRequest(event.SourceCommunication, "POST", "/notifications", map[string]any{
		"template": "subscription_activated",
	})
}

func TestCallSuccess(t *testing.T) {
	var got *http.Request
	var body []byte
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	})
	caller, reg := newCaller(t, upstream, outbound.ServiceConfig{
		AuthScheme: outbound.AuthBearer,
		Credential: "tok_123",
	})

	resp, err := caller.Call(context.Background(), notifyRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	if got.URL.Path != "/notifications" || got.Method != "POST" {
		t.Fatalf("upstream saw %s %s", got.Method, got.URL.Path)
	}
	if auth := got.Header.Get("Authorization"); auth != "Bearer tok_123" {
		t.Fatalf("Authorization = %q", auth)
	}
	if ct := got.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["template"] != "subscription_activated" {
		t.Fatalf("request body = %s (%v)", body, err)
	}

	snap := reg.For(event.SourceCommunication).Snapshot()
	if snap.SuccessCount != 1 || snap.FailureCount != 0 {
		t.Fatalf("breaker saw %d/%d success/failure, want 1/0", snap.SuccessCount, snap.FailureCount)
	}
}

func TestCallAPIKeyAuth(t *testing.T) {
	var key string
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	})
	caller, _ := newCaller(t, upstream, outbound.ServiceConfig{
		AuthScheme: outbound.AuthAPIKey,
		Credential: "key_456",
	})

	if _, err := caller.Call(context.Background(), notifyRequest()); err != nil {
		t.Fatal(err)
	}
	if key != "key_456" {
		t.Fatalf("X-API-Key = %q", key)
	}
}

func TestCallClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantErr     error
		wantBreaker breaker.Outcome
	}{
		{name: "500 is transient", status: 500, wantErr: outbound.ErrTransient},
		{name: "503 is transient", status: 503, wantErr: outbound.ErrTransient},
		{name: "429 is transient", status: 429, wantErr: outbound.ErrTransient},
		{name: "404 is permanent", status: 404, wantErr: outbound.ErrPermanent},
		{name: "422 is permanent", status: 422, wantErr: outbound.ErrPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller, reg := newCaller(t, statusUpstream(tt.status), outbound.ServiceConfig{})

			resp, err := caller.Call(context.Background(), notifyRequest())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Call() = %v, want %v", err, tt.wantErr)
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("response = %+v, want status %d retained", resp, tt.status)
			}

			// 4xx means the remote answered: a breaker success. 5xx/429
			// count against the service.
			snap := reg.For(event.SourceCommunication).Snapshot()
			if errors.Is(tt.wantErr, outbound.ErrPermanent) && snap.FailureCount != 0 {
				t.Fatalf("permanent rejection counted as breaker failure: %+v", snap)
			}
			if errors.Is(tt.wantErr, outbound.ErrTransient) && snap.FailureCount != 1 {
				t.Fatalf("transient failure not counted: %+v", snap)
			}
		})
	}
}

func TestCallTimeoutIsTransient(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	caller, reg := newCaller(t, upstream, outbound.ServiceConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := caller.Call(ctx, notifyRequest())
	if !errors.Is(err, outbound.ErrTransient) {
		t.Fatalf("Call() = %v, want ErrTransient", err)
	}
	if snap := reg.For(event.SourceCommunication).Snapshot(); snap.FailureCount != 1 {
		t.Fatalf("timeout not counted against the breaker: %+v", snap)
	}
}

func TestCallUnconfiguredService(t *testing.T) {
	caller, _ := newCaller(t, statusUpstream(200), outbound.ServiceConfig{})

	req := *outbound.NewRequest(event.SourceUser, "GET", "/health", nil)
	_, err := caller.Call(context.Background(), req)
	if !errors.Is(err, outbound.ErrServiceNotConfigured) {
		t.Fatalf("Call() = %v, want ErrServiceNotConfigured", err)
	}
}

func TestCallFailsFastWhenOpen(t *testing.T) {
	var calls int
	upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})
	caller, reg := newCaller(t, upstream, outbound.ServiceConfig{})

	for i := 0; i < 3; i++ {
		if _, err := caller.Call(context.Background(), notifyRequest()); !errors.Is(err, outbound.ErrTransient) {
			t.Fatalf("call %d = %v, want ErrTransient", i, err)
		}
	}
	if got := reg.For(event.SourceCommunication).State(); got != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open after 3 failures", got)
	}

	_, err := caller.Call(context.Background(), notifyRequest())
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("Call() with open circuit = %v, want ErrOpen", err)
	}
	if calls != 3 {
		t.Fatalf("upstream calls = %d, want 3 (open circuit makes no call)", calls)
	}
}

func TestRequestFingerprint(t *testing.T) {
	a := outbound.NewRequest(event.SourceCommunication, "POST", "/notifications", map[string]any{"x": 1})
	b := outbound.NewRequest(event.SourceCommunication, "POST", "/notifications", map[string]any{"x": 2})
	c := outbound.NewRequest(event.SourceCommunication, "POST", "/emails", nil)

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("body change altered the fingerprint")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("path change did not alter the fingerprint")
	}
	if a.Fingerprint() != "communication-service POST /notifications" {
		t.Fatalf("fingerprint = %q", a.Fingerprint())
	}
}
