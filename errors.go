package interlock

import (
	"errors"

	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/intake"
	"github.com/interlock-io/interlock/outbound"
	"github.com/interlock-io/interlock/retry"
	"github.com/interlock-io/interlock/signature"
)

// Sentinel errors returned by Engine operations.
var (
	// ErrNoStore is returned when an Engine is created without a store.
	ErrNoStore = errors.New("interlock: store is required")

	// ErrNoDataAccess is returned when an Engine is created without a
	// data-access implementation.
	ErrNoDataAccess = errors.New("interlock: data access is required")

	// ErrStorageUnavailable is returned when the idempotency store is
	// unreachable. Intake fails closed; upstream is expected to redeliver.
	ErrStorageUnavailable = errors.New("interlock: storage unavailable")

	// ErrNotReplayable is returned when replaying an attempt that is not
	// terminally failed.
	ErrNotReplayable = errors.New("interlock: only failed attempts can be replayed")
)

// Re-exported subsystem errors, so embedders can classify failures with a
// single import.
var (
	ErrMalformedEvent       = intake.ErrMalformedEvent
	ErrUnknownService       = intake.ErrUnknownService
	ErrInvalidSignature     = signature.ErrInvalidSignature
	ErrConcurrentProcessing = idempotency.ErrConcurrentProcessing
	ErrRecordNotFound       = idempotency.ErrRecordNotFound
	ErrAttemptNotFound      = retry.ErrAttemptNotFound
	ErrTransientCall        = outbound.ErrTransient
	ErrPermanentCall        = outbound.ErrPermanent
)
