package orchestrator

import (
	"crypto/rand"
	"fmt"
	"time"
)

// IDGenerator produces opaque identifiers for repair sessions.
type IDGenerator interface {
	SessionID() string
}

// RandomIDGenerator produces random, prefixed identifiers.
type RandomIDGenerator struct{}

func (RandomIDGenerator) SessionID() string { return randomID("repair") }

func randomID(prefix string) string {
	var b [10]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%x", prefix, b[:])
}
