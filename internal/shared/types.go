package shared

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// NewID returns prefix followed by 32 hex characters, the shape telephony
// providers use for call and stream ids.
func NewID(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

type BackoffConfig struct {
	Initial     time.Duration
	MaxAttempts int
	MaxDelay    time.Duration
}
