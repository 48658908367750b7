package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/outbound"
)

// ProberConfig tunes active health probing.
type ProberConfig struct {
	// Interval between probe rounds. Zero disables the prober.
	Interval time.Duration

	// Timeout bounds each individual probe call.
	Timeout time.Duration
}

// DefaultProberConfig returns probing defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Prober periodically issues GET /health to each upstream service through
// the outbound caller, so breaker state reflects upstream availability even
// during quiet periods with no event traffic. Probe failures count against
// the breaker exactly like delivery failures.
type Prober struct {
	cfg    ProberConfig
	caller outbound.Caller
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewProber creates a prober. The caller routes probes through the same
// breaker and rate limit as deliveries.
func NewProber(cfg ProberConfig, caller outbound.Caller, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultProberConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	return &Prober{cfg: cfg, caller: caller, logger: logger}
}

// Start launches the probe loop. A zero interval makes Start a no-op.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.cfg.Interval <= 0 {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts probing and waits for in-flight probes to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.started = false
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, svc := range event.Services() {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		_, err := p.caller.Call(callCtx, outbound.Request{
			Service: svc,
			Method:  "GET",
			Path:    "/health",
		})
		cancel()

		if err != nil {
			p.logger.DebugContext(ctx, "health probe failed",
				"service", string(svc),
				"error", err)
		}
	}
}
