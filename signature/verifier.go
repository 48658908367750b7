package signature

import (
	"crypto/hmac"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Verification failures. ErrInvalidSignature is deliberately returned for
// every mismatch class except timestamp problems, so callers cannot leak
// which part of the check failed.
var (
	ErrInvalidSignature       = errors.New("signature: invalid signature")
	ErrInvalidTimestamp       = errors.New("signature: invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("signature: timestamp outside allowed window")
)

// DefaultWindow is the allowed clock skew between the signed timestamp and
// the receiving host.
const DefaultWindow = 5 * time.Minute

// Input carries everything needed to verify a signed webhook delivery.
type Input struct {
	// Secret is the shared per-service signing secret.
	Secret string

	// Timestamp is the raw timestamp header value (unix seconds).
	Timestamp string

	// Signature is the raw signature header value ("v1=<hex>").
	Signature string

	// Body is the raw request body exactly as received.
	Body []byte

	// Now is the verification time. Zero means time.Now().
	Now time.Time

	// Window overrides DefaultWindow when positive.
	Window time.Duration
}

// Verify checks a signed webhook delivery: the timestamp must parse, fall
// within the replay window, and the signature must match the HMAC-SHA256 of
// "{timestamp}.{body}" under the shared secret. Comparison is constant-time.
func Verify(in Input) error {
	tsHeader := strings.TrimSpace(in.Timestamp)
	sigHeader := strings.TrimSpace(in.Signature)

	tsInt, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	ts := time.Unix(tsInt, 0).UTC()

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	window := in.Window
	if window <= 0 {
		window = DefaultWindow
	}
	if ts.Before(now.Add(-window)) || ts.After(now.Add(window)) {
		return ErrTimestampOutsideWindow
	}

	expected := Sign(in.Body, in.Secret, tsInt)
	if !hmac.Equal([]byte(expected), []byte(sigHeader)) {
		return ErrInvalidSignature
	}
	return nil
}
