package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// ServiceConfig tunes reservation behavior.
type ServiceConfig struct {
	// StaleAfter is the reservation staleness threshold: a pending record
	// held longer than this (e.g. across a crash) is reclaimable.
	StaleAfter time.Duration

	// PendingWait bounds how long a caller blocks on a duplicate-pending
	// verdict before failing with ErrConcurrentProcessing.
	PendingWait time.Duration

	// PollInterval is how often the bounded wait re-checks the key.
	PollInterval time.Duration
}

// DefaultServiceConfig returns reservation defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		StaleAfter:   5 * time.Minute,
		PendingWait:  2 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// Service wraps a Store with the bounded-wait contract for concurrent
// duplicates: a caller that races an in-flight attempt for the same key
// waits up to PendingWait for a terminal verdict, then fails with
// ErrConcurrentProcessing. It never silently reprocesses.
type Service struct {
	store  Store
	cfg    ServiceConfig
	logger *slog.Logger
}

// NewService creates an idempotency service over the given store.
func NewService(store Store, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultServiceConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	if cfg.PendingWait <= 0 {
		cfg.PendingWait = d.PendingWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	return &Service{store: store, cfg: cfg, logger: logger}
}

// Reserve checks and reserves the candidate's dedupe key. On
// DuplicatePending it re-checks until the in-flight attempt settles or the
// bounded wait expires, in which case it returns DuplicatePending together
// with ErrConcurrentProcessing.
func (s *Service) Reserve(ctx context.Context, candidate *Record) (Verdict, *Record, error) {
	deadline := time.Now().Add(s.cfg.PendingWait)

	for {
		verdict, rec, err := s.store.CheckAndReserve(ctx, candidate, s.cfg.StaleAfter)
		if err != nil {
			return verdict, rec, err
		}
		if verdict != DuplicatePending {
			return verdict, rec, nil
		}
		if time.Now().After(deadline) {
			s.logger.DebugContext(ctx, "reservation still pending after bounded wait",
				"key", candidate.Key.String())
			return DuplicatePending, rec, ErrConcurrentProcessing
		}

		select {
		case <-ctx.Done():
			return DuplicatePending, rec, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// Store exposes the underlying store for record finalization.
func (s *Service) Store() Store { return s.store }
