// Package hashutil holds the one-way hashing and signing primitives used by
// session resolution and CSRF state validation. The session id stored server
// side is always Digest(secret), never the secret itself, so a store
// compromise does not yield usable cookies.
package hashutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Digest returns the hex-encoded SHA-256 of secret. Deterministic and
// one-way; used to derive session ids and token-cache keys from client-held
// secrets.
func Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Sign returns the hex-encoded HMAC-SHA256 of payload under key.
func Sign(payload, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for payload and compares it to sig in
// constant time.
func Verify(payload []byte, sig string, key []byte) bool {
	return Equal(Sign(payload, key), sig)
}

// Equal compares two strings in constant time. All comparison of secrets,
// tokens, and signatures must go through here; a direct == on secret
// material is a defect.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
