package keystone

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the analyzer's options.
type Config struct {
	// UserIdentifier is stamped on events created through the client.
	UserIdentifier string

	// CreateSearchIndex builds and maintains the keyword index.
	CreateSearchIndex bool

	// GetSearchKeywords overrides the default keyword extractor, which
	// inserts every Text value in the payload.
	GetSearchKeywords KeywordExtractor

	// Log receives debug output; nil discards it.
	Log LogFunc

	// WeekAnchor records the weekday that starts a week. The analyzer
	// does not read it; WeekInterval and the date aggregators take their
	// anchor as an argument.
	WeekAnchor WeekAnchor

	// Clock supplies now; nil means wall time.
	Clock Clock

	// Metrics registers engine counters when non-nil.
	Metrics prometheus.Registerer
}

// DefaultConfig returns the baseline options: Monday weeks, wall
// clock, no search index, no log sink.
func DefaultConfig() Config {
	return Config{
		WeekAnchor: WeekStartsMonday,
		Clock:      SystemClock(),
	}
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	return c
}

func (c Config) logf(level LogLevel, format string, args ...interface{}) {
	if c.Log == nil {
		return
	}
	c.Log(level, fmt.Sprintf(format, args...))
}
