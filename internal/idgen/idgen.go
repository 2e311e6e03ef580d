// Package idgen mints the random identifiers the hub hands out over the
// wire. Session IDs double as Redis key components, so the alphabet stays
// hex-only.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// SessionID returns a fresh viewing-session identifier, "sess_" plus 24 hex
// characters.
func SessionID() string {
	return "sess_" + Hex(12)
}

// Hex returns numBytes of randomness, hex encoded. A failing system RNG is
// unrecoverable, so it panics rather than degrade to guessable IDs.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: system rng unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
