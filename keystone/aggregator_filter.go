package keystone

import "encoding/json"

// FilteringAggregator forwards an event iff the predicate accepts the
// value of its column. Predicates are code, so the aggregator is
// stateless with respect to persistence.
type FilteringAggregator struct {
	Pred func(Value) bool
}

// NewFiltering builds a column-value filter.
func NewFiltering(pred func(Value) bool) *FilteringAggregator {
	return &FilteringAggregator{Pred: pred}
}

func (a *FilteringAggregator) AddEvent(e *Event, column *EventColumn) AddResult {
	if column == nil || a.Pred == nil {
		return Discard()
	}
	if a.Pred(e.Value(column.Name)) {
		return Keep()
	}
	return Discard()
}

func (a *FilteringAggregator) Encode() ([]byte, error) { return nil, nil }
func (a *FilteringAggregator) Decode(data []byte) error { return nil }
func (a *FilteringAggregator) Reset()                   {}
func (a *FilteringAggregator) Next() Aggregator         { return nil }

// MetaFilteringAggregator is a filter whose predicate sees the whole
// event rather than one column value.
type MetaFilteringAggregator struct {
	Pred func(*Event) bool
}

// NewMetaFiltering builds a whole-event filter.
func NewMetaFiltering(pred func(*Event) bool) *MetaFilteringAggregator {
	return &MetaFilteringAggregator{Pred: pred}
}

func (a *MetaFilteringAggregator) AddEvent(e *Event, column *EventColumn) AddResult {
	if a.Pred != nil && a.Pred(e) {
		return Keep()
	}
	return Discard()
}

func (a *MetaFilteringAggregator) Encode() ([]byte, error) { return nil, nil }
func (a *MetaFilteringAggregator) Decode(data []byte) error { return nil }
func (a *MetaFilteringAggregator) Reset()                   {}
func (a *MetaFilteringAggregator) Next() Aggregator         { return nil }

// MappingAggregator rewrites the value of its column through a map
// function. A nil result discards the event.
type MappingAggregator struct {
	Map func(Value) *Value
}

// NewMapping builds a value-rewriting aggregator.
func NewMapping(fn func(Value) *Value) *MappingAggregator {
	return &MappingAggregator{Map: fn}
}

func (a *MappingAggregator) AddEvent(e *Event, column *EventColumn) AddResult {
	if column == nil || a.Map == nil {
		return Discard()
	}
	mapped := a.Map(e.Value(column.Name))
	if mapped == nil {
		return Discard()
	}
	return Replace(e.WithValue(column.Name, *mapped))
}

func (a *MappingAggregator) Encode() ([]byte, error) { return nil, nil }
func (a *MappingAggregator) Decode(data []byte) error { return nil }
func (a *MappingAggregator) Reset()                   {}
func (a *MappingAggregator) Next() Aggregator         { return nil }

// LatestEventAggregator keeps, per user, the most recent event by
// arrival order.
type LatestEventAggregator struct {
	Latest map[string]*Event
}

// NewLatestEvent returns an empty latest-event aggregator.
func NewLatestEvent() *LatestEventAggregator {
	return &LatestEventAggregator{Latest: make(map[string]*Event)}
}

func (a *LatestEventAggregator) AddEvent(e *Event, column *EventColumn) AddResult {
	a.Latest[e.UserID] = e
	return Keep()
}

// LatestFor returns the most recent event for a user, nil when none.
func (a *LatestEventAggregator) LatestFor(userID string) *Event {
	return a.Latest[userID]
}

func (a *LatestEventAggregator) Encode() ([]byte, error) {
	return json.Marshal(a.Latest)
}

func (a *LatestEventAggregator) Decode(data []byte) error {
	latest := make(map[string]*Event)
	if err := json.Unmarshal(data, &latest); err != nil {
		return err
	}
	a.Latest = latest
	return nil
}

func (a *LatestEventAggregator) Reset() {
	a.Latest = make(map[string]*Event)
}

func (a *LatestEventAggregator) Next() Aggregator { return nil }
