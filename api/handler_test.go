package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	interlock "github.com/interlock-io/interlock"
	"github.com/interlock-io/interlock/api"
	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/intake"
	"github.com/interlock-io/interlock/internal/entity"
	"github.com/interlock-io/interlock/outbound"
	"github.com/interlock-io/interlock/processor"
	"github.com/interlock-io/interlock/retry"
	"github.com/interlock-io/interlock/signature"
	"github.com/interlock-io/interlock/store/memory"
)

// stubData is a permissive DataAccess: one active tenant plus whatever
// entities the test seeds.
type stubData struct {
	mu       sync.Mutex
	entities map[string]processor.Entity
}

func newStubData() *stubData {
	return &stubData{entities: map[string]processor.Entity{
		"tenant-1/tenant/tenant-1": {"is_active": true},
	}}
}

func (d *stubData) put(tenantID string, ref processor.EntityRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entities[tenantID+"/"+ref.Kind+"/"+ref.ID] = processor.Entity{}
}

func (d *stubData) GetEntity(_ context.Context, tenantID string, ref processor.EntityRef) (processor.Entity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ent, ok := d.entities[tenantID+"/"+ref.Kind+"/"+ref.ID]
	if !ok {
		return nil, processor.ErrEntityNotFound
	}
	return ent, nil
}

func (d *stubData) ApplyTransition(context.Context, string, processor.EntityRef, processor.Transition) error {
	return nil
}

func (d *stubData) WriteAuditEntry(context.Context, string, string, processor.EntityRef, map[string]any) error {
	return nil
}

// setupAPI builds an engine over the memory store plus an httptest server
// standing in for the communication-service upstream.
func setupAPI(t *testing.T, upstream http.Handler, extra ...interlock.Option) (*api.Handler, *memory.Store, *stubData) {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	store := memory.New()
	data := newStubData()

	opts := append([]interlock.Option{
		interlock.WithStore(store),
		interlock.WithDataAccess(data),
		interlock.WithService(event.SourceCommunication, outbound.ServiceConfig{BaseURL: srv.URL}),
	}, extra...)

	engine, err := interlock.New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	return api.NewHandler(engine, nil), store, data
}

func okUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func postWebhook(t *testing.T, h http.Handler, service, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/"+service, bytes.NewReader([]byte(body)))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) interlock.IngestResult {
	t.Helper()
	var res interlock.IngestResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return res
}

const userCreatedBody = `{
	"event_id": "evt_u1",
	"event_type": "user.created",
	"tenant_id": "tenant-1",
	"data": {"user_id": "usr_1", "email": "a@example.com"}
}`

func TestWebhookAccepted(t *testing.T) {
	h, store, _ := setupAPI(t, okUpstream())

	w := postWebhook(t, h, "user-service", userCreatedBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	res := decodeResult(t, w)
	if res.Verdict != idempotency.Fresh || res.Outcome != processor.OutcomeApplied {
		t.Fatalf("result = %+v, want fresh/applied", res)
	}
	if res.RecordID == "" {
		t.Fatal("RecordID empty")
	}

	rec, err := store.GetRecordByKey(context.Background(), event.NewDedupeKey(event.SourceUser, "evt_u1"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != idempotency.StatusApplied {
		t.Fatalf("record status = %v, want applied", rec.Status)
	}
}

func TestWebhookDuplicateDeliveryAppliesOnce(t *testing.T) {
	var upstreamCalls atomic.Int32
	upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		upstreamCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	h, _, data := setupAPI(t, upstream)
	data.put("tenant-1", processor.EntityRef{Kind: "subscription", ID: "sub_1"})

	body := `{
		"event_id": "evt_p1",
		"event_type": "subscription.activated",
		"tenant_id": "tenant-1",
		"data": {"subscription_id": "sub_1"}
	}`

	first := postWebhook(t, h, "payment-service", body, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, body = %s", first.Code, first.Body.String())
	}
	if res := decodeResult(t, first); res.Outcome != processor.OutcomeApplied {
		t.Fatalf("first result = %+v, want applied", res)
	}

	// The upstream sender redelivers the exact same event.
	second := postWebhook(t, h, "payment-service", body, nil)
	if second.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", second.Code)
	}
	if res := decodeResult(t, second); res.Verdict != idempotency.DuplicateApplied {
		t.Fatalf("redelivery result = %+v, want duplicate-applied", res)
	}

	if n := upstreamCalls.Load(); n != 1 {
		t.Fatalf("upstream notified %d times, want exactly 1", n)
	}
}

func TestWebhookRejections(t *testing.T) {
	h, _, _ := setupAPI(t, okUpstream())

	tests := []struct {
		name    string
		service string
		body    string
		want    int
	}{
		{
			name:    "unknown service",
			service: "billing-service",
			body:    userCreatedBody,
			want:    http.StatusNotFound,
		},
		{
			name:    "invalid json",
			service: "user-service",
			body:    `{"event_id":`,
			want:    http.StatusBadRequest,
		},
		{
			name:    "missing event_id",
			service: "user-service",
			body:    `{"event_type":"user.created","tenant_id":"tenant-1","data":{"user_id":"u1"}}`,
			want:    http.StatusBadRequest,
		},
		{
			name:    "no resolvable tenant",
			service: "user-service",
			body:    `{"event_id":"evt_x","event_type":"user.created","data":{"user_id":"u1"}}`,
			want:    http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postWebhook(t, h, tt.service, tt.body, nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body: %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestWebhookPayloadTooLarge(t *testing.T) {
	h, _, _ := setupAPI(t, okUpstream())

	big := bytes.Repeat([]byte("x"), 1<<20+1)
	w := postWebhook(t, h, "user-service", string(big), nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestWebhookSignatureRequired(t *testing.T) {
	const secret = "whsec_api_test"
	h, _, data := setupAPI(t, okUpstream(),
		interlock.WithSecret(event.SourcePayment, intake.ServiceSecret{Secret: secret}))
	data.put("tenant-1", processor.EntityRef{Kind: "subscription", ID: "sub_1"})

	body := `{"event_id":"evt_s1","event_type":"subscription.activated","tenant_id":"tenant-1","data":{"subscription_id":"sub_1"}}`

	t.Run("unsigned rejected", func(t *testing.T) {
		w := postWebhook(t, h, "payment-service", body, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401 (body: %s)", w.Code, w.Body.String())
		}
	})

	t.Run("signed accepted", func(t *testing.T) {
		ts := time.Now().Unix()
		header := http.Header{}
		header.Set(intake.HeaderSignature, signature.Sign([]byte(body), secret, ts))
		header.Set(intake.HeaderTimestamp, strconv.FormatInt(ts, 10))

		w := postWebhook(t, h, "payment-service", body, header)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
		}
	})
}

func TestRecordEndpoints(t *testing.T) {
	h, _, _ := setupAPI(t, okUpstream())

	w := postWebhook(t, h, "user-service", userCreatedBody, nil)
	res := decodeResult(t, w)

	t.Run("list", func(t *testing.T) {
		w := get(t, h, "/events?status=applied")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var records []idempotency.Record
		if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
			t.Fatal(err)
		}
		if len(records) != 1 || records[0].ID.String() != res.RecordID {
			t.Fatalf("records = %+v, want the ingested one", records)
		}
	})

	t.Run("get", func(t *testing.T) {
		w := get(t, h, "/events/"+res.RecordID)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("get invalid id", func(t *testing.T) {
		if w := get(t, h, "/events/not-a-typeid"); w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})

	t.Run("get unknown id", func(t *testing.T) {
		if w := get(t, h, "/events/"+id.NewRecordID().String()); w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
	})
}

func TestAttemptEndpointsAndReplay(t *testing.T) {
	// Upstream is down: the notification defers into the attempt queue.
	downUpstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h, store, data := setupAPI(t, downUpstream)
	data.put("tenant-1", processor.EntityRef{Kind: "subscription", ID: "sub_1"})

	body := `{"event_id":"evt_a1","event_type":"subscription.activated","tenant_id":"tenant-1","data":{"subscription_id":"sub_1"}}`
	w := postWebhook(t, h, "payment-service", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decodeResult(t, w)
	if res.Outcome != processor.OutcomeDeferred || res.AttemptID == "" {
		t.Fatalf("result = %+v, want deferred with attempt ID", res)
	}

	t.Run("list pending", func(t *testing.T) {
		w := get(t, h, "/attempts?state=pending")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var atts []retry.Attempt
		if err := json.Unmarshal(w.Body.Bytes(), &atts); err != nil {
			t.Fatal(err)
		}
		if len(atts) != 1 || atts[0].ID.String() != res.AttemptID {
			t.Fatalf("attempts = %+v, want the deferred one", atts)
		}
	})

	t.Run("get", func(t *testing.T) {
		if w := get(t, h, "/attempts/"+res.AttemptID); w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("replay pending conflicts", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/attempts/"+res.AttemptID+"/replay", nil))
		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409 (only failed attempts replay)", w.Code)
		}
	})

	t.Run("replay failed attempt", func(t *testing.T) {
		now := time.Now().UTC()
		failed := &retry.Attempt{
			Entity:        entity.New(),
			ID:            id.NewAttemptID(),
			Key:           event.NewDedupeKey(event.SourcePayment, "evt_a2"),
			TenantID:      "tenant-1",
			Target:        event.SourceCommunication,
			Fingerprint:   "communication-service POST /notifications",
			AttemptNumber: 3,
			MaxAttempts:   3,
			ScheduledAt:   now.Add(-time.Minute),
			State:         retry.AttemptFailed,
			LastError:     "502 Bad Gateway",
			CompletedAt:   &now,
		}
		if err := store.EnqueueAttempt(context.Background(), failed); err != nil {
			t.Fatal(err)
		}

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/attempts/"+failed.ID.String()+"/replay", nil))
		if w.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202 (body: %s)", w.Code, w.Body.String())
		}

		got, err := store.GetAttempt(context.Background(), failed.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State != retry.AttemptPending {
			t.Fatalf("state = %v, want pending", got.State)
		}
		if got.MaxAttempts != 4 {
			t.Fatalf("MaxAttempts = %d, want 4 (budget extended)", got.MaxAttempts)
		}
	})

	t.Run("replay unknown attempt", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/attempts/"+id.NewAttemptID().String()+"/replay", nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	h, _, _ := setupAPI(t, okUpstream())

	w := get(t, h, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var all []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if len(all) != len(event.Services()) {
		t.Fatalf("health entries = %d, want %d", len(all), len(event.Services()))
	}

	if w := get(t, h, "/health/payment-service"); w.Code != http.StatusOK {
		t.Fatalf("single-service status = %d", w.Code)
	}
	if w := get(t, h, "/health/billing-service"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown-service status = %d, want 404", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	h, _, _ := setupAPI(t, okUpstream())
	postWebhook(t, h, "user-service", userCreatedBody, nil)

	w := get(t, h, "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var stats interlock.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Records["applied"] != 1 {
		t.Fatalf("applied records = %d, want 1", stats.Records["applied"])
	}
	if len(stats.Health) != len(event.Services()) {
		t.Fatalf("health entries = %d, want %d", len(stats.Health), len(event.Services()))
	}
}
