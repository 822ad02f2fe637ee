// Package webhook selects subscribers for tenant events and delivers signed
// payloads to them.
//
// Deliveries to one webhook carry no sequence numbers and may arrive out of
// event order; receivers should order by the payload timestamp if they care.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignaturePrefix precedes the hex digest in the signature header.
const SignaturePrefix = "sha256="

// Sign returns the HMAC-SHA256 signature of body keyed by secret, formatted
// as "sha256=<hex>".
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return SignaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature is the HMAC-SHA256 of body under secret.
// The comparison is constant time.
func Verify(body []byte, signature, secret string) bool {
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
