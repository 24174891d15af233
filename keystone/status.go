package keystone

import (
	"fmt"
	"math"
)

// StatusKind enumerates the analyzer's externally visible states.
type StatusKind int

const (
	StatusInitializing StatusKind = iota
	StatusPersistingEvents
	StatusPersistingState
	StatusFetchingEvents
	StatusDecodingEvents
	StatusProcessingEvents
	StatusReady
)

func (k StatusKind) String() string {
	switch k {
	case StatusInitializing:
		return "initializing"
	case StatusPersistingEvents:
		return "persisting-events"
	case StatusPersistingState:
		return "persisting-state"
	case StatusFetchingEvents:
		return "fetching-events"
	case StatusDecodingEvents:
		return "decoding-events"
	case StatusProcessingEvents:
		return "processing-events"
	case StatusReady:
		return "ready"
	default:
		return fmt.Sprintf("status(%d)", int(k))
	}
}

// Status is one notification on the delegate's status stream.
// Progress is 0..1 for progress-bearing kinds; Count carries record
// counts for fetch kinds; Source names the backend for fetch/decode.
type Status struct {
	Kind     StatusKind
	Progress float64
	Count    int
	Source   string
	Detail   string
}

func (s Status) String() string {
	switch s.Kind {
	case StatusFetchingEvents:
		return fmt.Sprintf("%s(%d, %s)", s.Kind, s.Count, s.Source)
	case StatusPersistingEvents, StatusPersistingState, StatusDecodingEvents, StatusProcessingEvents:
		return fmt.Sprintf("%s(%.0f%%)", s.Kind, s.Progress*100)
	default:
		return s.Kind.String()
	}
}

// hasProgress reports whether the kind carries a progress fraction.
func (k StatusKind) hasProgress() bool {
	switch k {
	case StatusPersistingEvents, StatusPersistingState, StatusDecodingEvents, StatusProcessingEvents:
		return true
	}
	return false
}

// significantChange throttles the status stream: progress-bearing
// kinds report when progress moved by at least one percentage point or
// the count moved by at least 1% ratio-wise; FetchingEvents reports when
// its count moved by at least 1% or its source changed; other kinds
// report on a kind change only.
func significantChange(prev, next Status) bool {
	if prev.Kind != next.Kind {
		return true
	}
	if next.Kind == StatusFetchingEvents {
		return countChanged(prev.Count, next.Count) || prev.Source != next.Source
	}
	if !next.Kind.hasProgress() {
		return false
	}
	if math.Abs(next.Progress-prev.Progress) >= 0.01 {
		return true
	}
	return countChanged(prev.Count, next.Count)
}

func countChanged(prev, next int) bool {
	if prev == next {
		return false
	}
	if prev == 0 {
		return true
	}
	return math.Abs(float64(next-prev))/float64(prev) >= 0.01
}

// BackendStatusKind enumerates a backend's progress notes.
type BackendStatusKind int

const (
	BackendReady BackendStatusKind = iota
	BackendFetchedRecords
	BackendProcessingRecords
)

// BackendStatus is a progress note from a backend load.
type BackendStatus struct {
	Kind     BackendStatusKind
	Count    int
	Progress float64
}

// BackendStatusFunc receives backend progress notes during loads.
type BackendStatusFunc func(BackendStatus)
