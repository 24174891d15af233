package keystone

import (
	"encoding/json"
	"sort"
	"time"
)

// ValueGroup is one bucket of a grouping aggregator: the grouping
// value and the events that carried it.
type ValueGroup struct {
	Value  Value    `json:"value"`
	Events []*Event `json:"events"`
}

// GroupingAggregator buckets events by the value of its column.
type GroupingAggregator struct {
	Groups map[string]*ValueGroup
}

// NewGrouping returns an empty grouping aggregator.
func NewGrouping() *GroupingAggregator {
	return &GroupingAggregator{Groups: make(map[string]*ValueGroup)}
}

func (a *GroupingAggregator) AddEvent(e *Event, column *EventColumn) AddResult {
	if column == nil {
		return Discard()
	}
	v := e.Value(column.Name)
	key := v.Key()
	g, ok := a.Groups[key]
	if !ok {
		g = &ValueGroup{Value: v}
		a.Groups[key] = g
	}
	g.Events = append(g.Events, e)
	return Keep()
}

// Group returns the bucket for a value, nil when empty.
func (a *GroupingAggregator) Group(v Value) *ValueGroup {
	return a.Groups[v.Key()]
}

func (a *GroupingAggregator) Encode() ([]byte, error) {
	return json.Marshal(a.Groups)
}

func (a *GroupingAggregator) Decode(data []byte) error {
	groups := make(map[string]*ValueGroup)
	if err := json.Unmarshal(data, &groups); err != nil {
		return err
	}
	a.Groups = groups
	return nil
}

func (a *GroupingAggregator) Reset() {
	a.Groups = make(map[string]*ValueGroup)
}

func (a *GroupingAggregator) Next() Aggregator { return nil }

// CountingByGroupAggregator buckets by column value, keeping counts
// instead of the events themselves.
type CountingByGroupAggregator struct {
	Values map[string]Value
	Counts map[string]uint64
}

// NewCountingByGroup returns an empty per-group counter.
func NewCountingByGroup() *CountingByGroupAggregator {
	return &CountingByGroupAggregator{
		Values: make(map[string]Value),
		Counts: make(map[string]uint64),
	}
}

func (a *CountingByGroupAggregator) AddEvent(e *Event, column *EventColumn) AddResult {
	if column == nil {
		return Discard()
	}
	v := e.Value(column.Name)
	key := v.Key()
	if _, ok := a.Values[key]; !ok {
		a.Values[key] = v
	}
	a.Counts[key]++
	return Keep()
}

// Count returns the tally for a value.
func (a *CountingByGroupAggregator) Count(v Value) uint64 {
	return a.Counts[v.Key()]
}

// GroupValues returns the distinct grouping values, ordered.
func (a *CountingByGroupAggregator) GroupValues() []Value {
	values := make([]Value, 0, len(a.Values))
	for _, v := range a.Values {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Compare(values[j]) < 0 })
	return values
}

type countingByGroupJSON struct {
	Values map[string]Value  `json:"values"`
	Counts map[string]uint64 `json:"counts"`
}

func (a *CountingByGroupAggregator) Encode() ([]byte, error) {
	return json.Marshal(countingByGroupJSON{Values: a.Values, Counts: a.Counts})
}

func (a *CountingByGroupAggregator) Decode(data []byte) error {
	var raw countingByGroupJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Values == nil {
		raw.Values = make(map[string]Value)
	}
	if raw.Counts == nil {
		raw.Counts = make(map[string]uint64)
	}
	a.Values = raw.Values
	a.Counts = raw.Counts
	return nil
}

func (a *CountingByGroupAggregator) Reset() {
	a.Values = make(map[string]Value)
	a.Counts = make(map[string]uint64)
}

func (a *CountingByGroupAggregator) Next() Aggregator { return nil }

// DateScope selects the calendar bucket applied to event timestamps.
type DateScope int

const (
	ScopeHour DateScope = iota
	ScopeDay
	ScopeWeek
	ScopeMonth
	ScopeYear
)

// Start returns the start-of-scope instant for t.
func (s DateScope) Start(t time.Time, anchor WeekAnchor) time.Time {
	switch s {
	case ScopeHour:
		return StartOfHour(t)
	case ScopeDay:
		return StartOfDay(t)
	case ScopeWeek:
		return StartOfWeek(t, anchor)
	case ScopeMonth:
		return StartOfMonth(t)
	case ScopeYear:
		return StartOfYear(t)
	}
	return StartOfDay(t)
}

// DateAggregator buckets events by the start-of-scope of their
// timestamp. Bucket keys are unix seconds of the scope start.
type DateAggregator struct {
	Scope   DateScope
	Anchor  WeekAnchor
	Buckets map[int64][]*Event
}

// NewDateAggregator buckets events into the given scope.
func NewDateAggregator(scope DateScope, anchor WeekAnchor) *DateAggregator {
	return &DateAggregator{Scope: scope, Anchor: anchor, Buckets: make(map[int64][]*Event)}
}

func (a *DateAggregator) AddEvent(e *Event, column *EventColumn) AddResult {
	key := a.Scope.Start(e.Timestamp, a.Anchor).Unix()
	a.Buckets[key] = append(a.Buckets[key], e)
	return Keep()
}

func (a *DateAggregator) Encode() ([]byte, error) {
	return json.Marshal(a.Buckets)
}

func (a *DateAggregator) Decode(data []byte) error {
	buckets := make(map[int64][]*Event)
	if err := json.Unmarshal(data, &buckets); err != nil {
		return err
	}
	a.Buckets = buckets
	return nil
}

func (a *DateAggregator) Reset() {
	a.Buckets = make(map[int64][]*Event)
}

func (a *DateAggregator) Next() Aggregator { return nil }

// CountingByDateAggregator counts events per start-of-scope bucket.
type CountingByDateAggregator struct {
	Scope  DateScope
	Anchor WeekAnchor
	Counts map[int64]uint64
}

// NewCountingByDate counts events into the given scope.
func NewCountingByDate(scope DateScope, anchor WeekAnchor) *CountingByDateAggregator {
	return &CountingByDateAggregator{Scope: scope, Anchor: anchor, Counts: make(map[int64]uint64)}
}

func (a *CountingByDateAggregator) AddEvent(e *Event, column *EventColumn) AddResult {
	a.Counts[a.Scope.Start(e.Timestamp, a.Anchor).Unix()]++
	return Keep()
}

// BucketStarts returns the populated bucket keys in ascending order.
func (a *CountingByDateAggregator) BucketStarts() []time.Time {
	keys := make([]int64, 0, len(a.Counts))
	for k := range a.Counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	starts := make([]time.Time, len(keys))
	for i, k := range keys {
		starts[i] = time.Unix(k, 0).UTC()
	}
	return starts
}

func (a *CountingByDateAggregator) Encode() ([]byte, error) {
	return json.Marshal(a.Counts)
}

func (a *CountingByDateAggregator) Decode(data []byte) error {
	counts := make(map[int64]uint64)
	if err := json.Unmarshal(data, &counts); err != nil {
		return err
	}
	a.Counts = counts
	return nil
}

func (a *CountingByDateAggregator) Reset() {
	a.Counts = make(map[int64]uint64)
}

func (a *CountingByDateAggregator) Next() Aggregator { return nil }
