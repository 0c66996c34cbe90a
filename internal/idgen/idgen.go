// Package idgen generates the random identifiers and fingerprints used
// throughout the relay: tunnel ids, alias ids, and per-request ids.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandID returns a random identifier of length n drawn from a 36-character
// alphabet (lowercase letters then digits), matching the reference
// implementation's tunnel_id generator.
func RandID(n int) string {
	out := make([]byte, n)
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable; fall back to a
		// process-unique value rather than panicking the caller.
		return uuid.NewString()[:n]
	}
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}

// HMACKey returns n random bytes hex-encoded, matching generate_hmac_key:
// used both as a secret and, with n=5, as a 10-character alias id.
func HMACKey(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(uuid.NewString()))[:2*n]
	}
	return hex.EncodeToString(buf)
}

// RequestID fingerprints a client id and the current instant into a
// 32-character request id, matching genereate_request_id's
// sha256(client_id + nanos)[0:32] scheme.
func RequestID(clientID string, now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%d", clientID, now.UnixNano())))
	return hex.EncodeToString(sum[:])[:32]
}

// ConnID returns a process-unique identifier for a single tunnel
// connection instance, used only in log fields and metrics labels.
func ConnID() string {
	return uuid.NewString()
}
