package session

import "time"

// TimeProvider abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }
