// Package outbound abstracts calls to the upstream services behind the
// resilience policy: circuit breaker, rate limit, and explicit timeouts.
// The engine never hardcodes transport details; it only depends on Caller.
package outbound

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/interlock-io/interlock/event"
)

// Call failure classes. Transient failures are retried per the scheduler
// policy; permanent failures are not.
var (
	// ErrTransient is a network error, timeout, or server-side (5xx)
	// response. Safe to retry.
	ErrTransient = errors.New("outbound: transient call failure")

	// ErrPermanent is a client-side (4xx) rejection. The remote service
	// answered; retrying the same request will not help.
	ErrPermanent = errors.New("outbound: permanent call failure")

	// ErrServiceNotConfigured means no base URL is configured for the
	// target service.
	ErrServiceNotConfigured = errors.New("outbound: service not configured")
)

// Request describes one outbound call to an upstream service.
type Request struct {
	// Service is the target upstream service.
	Service event.SourceService `json:"service"`

	// Method is the HTTP method.
	Method string `json:"method"`

	// Path is the service-relative path (e.g. "/subscriptions/sub_1").
	Path string `json:"path"`

	// Body is the JSON request body, if any.
	Body json.RawMessage `json:"body,omitempty"`

	// Headers are extra request headers.
	Headers map[string]string `json:"headers,omitempty"`
}

// NewRequest builds a JSON request to the given service. The body is
// marshaled eagerly; values that cannot marshal are a programming error
// and yield a request with an empty body.
func NewRequest(svc event.SourceService, method, path string, body map[string]any) *Request {
	req := &Request{Service: svc, Method: method, Path: path}
	if body != nil {
		if raw, err := json.Marshal(body); err == nil {
			req.Body = raw
		}
	}
	return req
}

// Fingerprint identifies the logical operation of this request for
// supersede cancellation: a newer event touching the same (service, method,
// path) cancels older pending attempts with the same fingerprint. The body
// is deliberately excluded.
func (r Request) Fingerprint() string {
	return string(r.Service) + " " + r.Method + " " + r.Path
}

// Response is the result of a successful outbound call.
type Response struct {
	StatusCode int
	Body       []byte
	LatencyMs  int
}

// Caller performs outbound calls with the resilience policy applied.
// Implementations must classify every error as breaker.ErrOpen,
// ErrTransient, or ErrPermanent so callers can decide retry behavior with
// errors.Is.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}
