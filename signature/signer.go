// Package signature provides HMAC-SHA256 webhook signing and verification.
//
// Upstream services sign the raw request body together with a unix timestamp;
// the signed content is "{timestamp}.{payload}" and the signature header
// carries a versioned value in the format "v1=<hex>". The timestamp bounds
// replay of captured deliveries.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sign generates the HMAC-SHA256 signature for the given payload.
// The content to sign is "{timestamp}.{payload}".
// Returns a versioned signature in the format "v1=<hex>".
func Sign(payload []byte, secret string, timestamp int64) string {
	content := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(content))
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}
