package keystone

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// CountingAggregator increments on every event it sees.
type CountingAggregator struct {
	ValueCount uint64
}

// NewCounting returns an empty counting aggregator.
func NewCounting() *CountingAggregator { return &CountingAggregator{} }

func (a *CountingAggregator) AddEvent(e *Event, column *EventColumn) AddResult {
	a.ValueCount++
	return Keep()
}

func (a *CountingAggregator) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Count uint64 `json:"count"`
	}{Count: a.ValueCount})
}

func (a *CountingAggregator) Decode(data []byte) error {
	var raw struct {
		Count uint64 `json:"count"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.ValueCount = raw.Count
	return nil
}

func (a *CountingAggregator) Reset()           { a.ValueCount = 0 }
func (a *CountingAggregator) Next() Aggregator { return nil }

// DuplicateEventChecker tracks seen event ids and counts repeats.
// It always forwards the event.
type DuplicateEventChecker struct {
	Seen       map[uuid.UUID]struct{}
	Duplicates uint64
}

// NewDuplicateEventChecker returns an empty duplicate checker.
func NewDuplicateEventChecker() *DuplicateEventChecker {
	return &DuplicateEventChecker{Seen: make(map[uuid.UUID]struct{})}
}

func (a *DuplicateEventChecker) AddEvent(e *Event, column *EventColumn) AddResult {
	if _, dup := a.Seen[e.ID]; dup {
		a.Duplicates++
	} else {
		a.Seen[e.ID] = struct{}{}
	}
	return Keep()
}

func (a *DuplicateEventChecker) Encode() ([]byte, error) {
	ids := make([]string, 0, len(a.Seen))
	for id := range a.Seen {
		ids = append(ids, id.String())
	}
	// A sorted list keeps the artifact order-independent.
	sort.Strings(ids)
	return json.Marshal(struct {
		Seen       []string `json:"seen"`
		Duplicates uint64   `json:"duplicates"`
	}{Seen: ids, Duplicates: a.Duplicates})
}

func (a *DuplicateEventChecker) Decode(data []byte) error {
	var raw struct {
		Seen       []string `json:"seen"`
		Duplicates uint64   `json:"duplicates"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Seen = make(map[uuid.UUID]struct{}, len(raw.Seen))
	for _, s := range raw.Seen {
		id, err := uuid.Parse(s)
		if err != nil {
			return err
		}
		a.Seen[id] = struct{}{}
	}
	a.Duplicates = raw.Duplicates
	return nil
}

func (a *DuplicateEventChecker) Reset() {
	a.Seen = make(map[uuid.UUID]struct{})
	a.Duplicates = 0
}

func (a *DuplicateEventChecker) Next() Aggregator { return nil }

// NewPredicateAggregator counts the events whose column value passes
// the predicate: Filter(p) chained into Counting.
func NewPredicateAggregator(p func(Value) bool) Aggregator {
	return Then(NewFiltering(p), NewCounting())
}
