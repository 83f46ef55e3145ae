package domain

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// TimeFunc returns the current time. Override in tests to control clocks.
var TimeFunc = time.Now

// Now returns the current time in UTC, truncated to microseconds, which is
// the precision the stores persist.
func Now() time.Time {
	return TimeFunc().UTC().Truncate(time.Microsecond)
}

// GenerateID generates a random 128-bit identifier in lowercase hex.
func GenerateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(b)
}
