package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/interlock-io/interlock/breaker"
	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/observability"
	"github.com/interlock-io/interlock/ratelimit"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBody = 1024 // 1KB cap on retained response bodies

// AuthScheme selects how credentials are attached to outbound requests.
type AuthScheme string

// Auth schemes used by the three upstream services.
const (
	AuthAPIKey AuthScheme = "api_key"
	AuthBearer AuthScheme = "bearer"
)

// ServiceConfig holds the per-service transport configuration.
type ServiceConfig struct {
	// BaseURL is the service base URL, without a trailing slash.
	BaseURL string

	// AuthScheme selects the credential header style.
	AuthScheme AuthScheme

	// Credential is the API key or bearer token.
	Credential string

	// RateLimit caps outbound calls per second (0 = unlimited).
	RateLimit int
}

// HTTPCallerConfig configures an HTTPCaller.
type HTTPCallerConfig struct {
	// Services maps each upstream service to its transport configuration.
	Services map[event.SourceService]ServiceConfig

	// Timeout is the per-call HTTP timeout.
	Timeout time.Duration

	// Breakers gates calls per service. Required.
	Breakers *breaker.Registry

	// Limiter applies per-service rate limits. Nil disables limiting.
	Limiter *ratelimit.Limiter

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// HTTPCaller is the production Caller: plain HTTP with the circuit breaker
// and rate limiter wrapped around every call.
type HTTPCaller struct {
	client   *http.Client
	services map[event.SourceService]ServiceConfig
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
}

// NewHTTPCaller creates an HTTP caller with the given configuration.
func NewHTTPCaller(cfg HTTPCallerConfig, logger *slog.Logger) *HTTPCaller {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCaller{
		client:   &http.Client{Timeout: timeout},
		services: cfg.Services,
		breakers: cfg.Breakers,
		limiter:  cfg.Limiter,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   logger,
	}
}

// Call performs one outbound call. The rate limiter is consulted before the
// breaker so a limiter stall cannot leak a half-open probe slot. Timeouts
// and 5xx responses count as breaker failures; 4xx responses count as
// successes for the breaker (the remote answered) but fail the call
// permanently.
func (c *HTTPCaller) Call(ctx context.Context, req Request) (*Response, error) {
	sc, ok := c.services[req.Service]
	if !ok || sc.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotConfigured, req.Service)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, req.Service.String(), sc.RateLimit); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %v", ErrTransient, err)
		}
	}

	b := c.breakers.For(req.Service)
	if err := b.Allow(); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Service, err)
	}

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.StartCallSpan(ctx, req.Service.String(), req.Method, req.Path)
	}

	resp, err := c.do(ctx, sc, req)
	c.report(b, req.Service, resp, err)

	if span != nil {
		status, latency := 0, 0
		errMsg := ""
		if resp != nil {
			status, latency = resp.StatusCode, resp.LatencyMs
		}
		if err != nil {
			errMsg = err.Error()
		}
		c.tracer.EndCallSpan(span, status, latency, errMsg)
	}

	return resp, err
}

// do performs the raw HTTP exchange and classifies the result.
func (c *HTTPCaller) do(ctx context.Context, sc ServiceConfig, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, sc.BaseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrPermanent, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "Interlock/1.0")
	switch sc.AuthScheme {
	case AuthAPIKey:
		httpReq.Header.Set("X-API-Key", sc.Credential)
	case AuthBearer:
		httpReq.Header.Set("Authorization", "Bearer "+sc.Credential)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		// Keep the transport error in the chain so timeouts stay
		// distinguishable via errors.Is.
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer httpResp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if readErr != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, readErr)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		LatencyMs:  int(latency),
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp, fmt.Errorf("%w: %s %s returned %d", ErrTransient, req.Method, req.Path, resp.StatusCode)
	default:
		return resp, fmt.Errorf("%w: %s %s returned %d", ErrPermanent, req.Method, req.Path, resp.StatusCode)
	}
}

// report feeds the call outcome back into the breaker and metrics.
func (c *HTTPCaller) report(b *breaker.Breaker, svc event.SourceService, resp *Response, err error) {
	var outcome breaker.Outcome
	var label string

	switch {
	case err == nil:
		outcome, label = breaker.Success, "success"
	case errors.Is(err, ErrPermanent):
		// The remote answered; the request itself was bad. Not a service
		// health signal.
		outcome, label = breaker.Success, "permanent"
	case isTimeout(err):
		outcome, label = breaker.Timeout, "timeout"
	default:
		outcome, label = breaker.Failure, "failure"
	}

	b.Report(outcome)

	if c.metrics != nil {
		latencySeconds := 0.0
		if resp != nil {
			latencySeconds = float64(resp.LatencyMs) / 1000.0
		}
		c.metrics.RecordCall(svc.String(), label, latencySeconds)
	}
}

// isTimeout reports whether the error chain contains a deadline or network
// timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
