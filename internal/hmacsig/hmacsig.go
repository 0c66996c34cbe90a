// Package hmacsig signs and verifies the short hex signatures exchanged
// during the tunnel handshake.
package hmacsig

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sign returns the lowercase hex HMAC-SHA256 of msg under secret.
func Sign(secret []byte, msg string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sigHex is the correct HMAC-SHA256 of msg under
// secret, using a constant-time comparison to avoid timing side channels.
func Verify(secret []byte, msg string, sigHex string) bool {
	want, err := hex.DecodeString(Sign(secret, msg))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}
