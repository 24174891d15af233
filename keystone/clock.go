package keystone

import "time"

// Clock abstracts the analyzer's notion of now so tests can pin it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns wall time in UTC.
func SystemClock() Clock { return systemClock{} }

// FixedClock always reports the same instant.
type FixedClock struct {
	Instant time.Time
}

// NewFixedClock pins the clock to t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{Instant: t.UTC()}
}

func (c *FixedClock) Now() time.Time { return c.Instant }

// Set moves the fixed clock to t.
func (c *FixedClock) Set(t time.Time) { c.Instant = t.UTC() }
