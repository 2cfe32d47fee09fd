package types

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time to components so tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns T.
type FixedClock struct{ T time.Time }

// Now returns T.
func (c *FixedClock) Now() time.Time { return c.T }

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// IDGenerator produces entity identifiers.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator produces random UUIDv4 identifiers.
type UUIDGenerator struct{}

// NewID returns a new UUID string.
func (UUIDGenerator) NewID() string { return uuid.NewString() }
