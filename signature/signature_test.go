package signature_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/interlock-io/interlock/signature"
)

const testSecret = "whsec_test_secret_1234567890abcdef"

func TestSignFormat(t *testing.T) {
	sig := signature.Sign([]byte(`{"event_id":"evt_1"}`), testSecret, 1700000000)

	if !strings.HasPrefix(sig, "v1=") {
		t.Fatalf("signature %q missing v1= prefix", sig)
	}
	if len(sig) != len("v1=")+64 {
		t.Fatalf("signature length = %d, want %d (hex SHA-256)", len(sig), len("v1=")+64)
	}
}

func TestSignDeterministic(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	a := signature.Sign(body, testSecret, 1700000000)
	b := signature.Sign(body, testSecret, 1700000000)
	if a != b {
		t.Fatalf("same inputs produced %q and %q", a, b)
	}

	if signature.Sign(body, testSecret, 1700000001) == a {
		t.Fatal("timestamp change did not change the signature")
	}
	if signature.Sign(body, "other_secret", 1700000000) == a {
		t.Fatal("secret change did not change the signature")
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event_id":"evt_1","event_type":"payment.failed"}`)
	now := time.Unix(1700000000, 0).UTC()
	validSig := signature.Sign(body, testSecret, 1700000000)

	tests := []struct {
		name    string
		in      signature.Input
		wantErr error
	}{
		{
			name: "valid signature",
			in: signature.Input{
				Secret: testSecret, Timestamp: "1700000000", Signature: validSig, Body: body, Now: now,
			},
			wantErr: nil,
		},
		{
			name: "timestamp inside window with skew",
			in: signature.Input{
				Secret: testSecret, Timestamp: "1700000000", Signature: validSig, Body: body,
				Now: now.Add(4 * time.Minute),
			},
			wantErr: nil,
		},
		{
			name: "headers with surrounding whitespace",
			in: signature.Input{
				Secret: testSecret, Timestamp: " 1700000000 ", Signature: " " + validSig + " ",
				Body: body, Now: now,
			},
			wantErr: nil,
		},
		{
			name: "non-numeric timestamp",
			in: signature.Input{
				Secret: testSecret, Timestamp: "yesterday", Signature: validSig, Body: body, Now: now,
			},
			wantErr: signature.ErrInvalidTimestamp,
		},
		{
			name: "empty timestamp",
			in: signature.Input{
				Secret: testSecret, Timestamp: "", Signature: validSig, Body: body, Now: now,
			},
			wantErr: signature.ErrInvalidTimestamp,
		},
		{
			name: "timestamp too old",
			in: signature.Input{
				Secret: testSecret, Timestamp: "1700000000", Signature: validSig, Body: body,
				Now: now.Add(6 * time.Minute),
			},
			wantErr: signature.ErrTimestampOutsideWindow,
		},
		{
			name: "timestamp in the future",
			in: signature.Input{
				Secret: testSecret, Timestamp: "1700000000", Signature: validSig, Body: body,
				Now: now.Add(-6 * time.Minute),
			},
			wantErr: signature.ErrTimestampOutsideWindow,
		},
		{
			name: "narrow custom window",
			in: signature.Input{
				Secret: testSecret, Timestamp: "1700000000", Signature: validSig, Body: body,
				Now: now.Add(2 * time.Minute), Window: time.Minute,
			},
			wantErr: signature.ErrTimestampOutsideWindow,
		},
		{
			name: "wrong secret",
			in: signature.Input{
				Secret: "other_secret", Timestamp: "1700000000", Signature: validSig, Body: body, Now: now,
			},
			wantErr: signature.ErrInvalidSignature,
		},
		{
			name: "tampered body",
			in: signature.Input{
				Secret: testSecret, Timestamp: "1700000000", Signature: validSig,
				Body: []byte(`{"event_id":"evt_2","event_type":"payment.failed"}`), Now: now,
			},
			wantErr: signature.ErrInvalidSignature,
		},
		{
			name: "replayed signature under a different timestamp",
			in: signature.Input{
				Secret: testSecret, Timestamp: "1700000060", Signature: validSig, Body: body, Now: now,
			},
			wantErr: signature.ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := signature.Verify(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
