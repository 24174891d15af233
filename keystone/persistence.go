package keystone

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Persisted key layout. Dates in keys are YYYYMMDD, UTC calendar.
const (
	stateKeyPrefix  = "state-"
	eventsKeyPrefix = "events-"
	// SearchIndexKey stores the encoded search index for the current
	// month.
	SearchIndexKey = "keystone-search-index"
)

// StateKey is the delegate key for an interval's encoded state.
func StateKey(i Interval) string {
	return stateKeyPrefix + i.KeySuffix()
}

// EventsKey is the delegate key for a monthly event bucket.
func EventsKey(i Interval) string {
	return eventsKeyPrefix + i.KeySuffix()
}

// encodedAggregator pairs an aggregator id with its terminal state.
// A missing payload marks a stateless aggregator.
type encodedAggregator struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// encodedState is the persisted envelope of an IntervalState.
type encodedState struct {
	Interval    Interval            `json:"interval"`
	Processed   Interval            `json:"processed"`
	EventCount  uint64              `json:"eventCount"`
	Known       []string            `json:"known"`
	Aggregators []encodedAggregator `json:"aggregators"`
}

// encodeIntervalState serializes a state. Chain nodes are stateless;
// only each chain's terminal aggregator is encoded.
func encodeIntervalState(s *IntervalState) ([]byte, error) {
	env := encodedState{
		Interval:   s.Interval,
		Processed:  s.Processed,
		EventCount: s.EventCount,
	}
	for id := range s.known {
		env.Known = append(env.Known, id)
	}
	sort.Strings(env.Known)

	for _, id := range s.AggregatorIDs() {
		data, err := Final(s.aggregators[id]).Encode()
		if err != nil {
			return nil, fmt.Errorf("encode aggregator %q: %w", id, err)
		}
		env.Aggregators = append(env.Aggregators, encodedAggregator{ID: id, Data: data})
	}
	return json.Marshal(env)
}

// decodeIntervalState rebuilds a state from its envelope. Aggregator
// instances come fresh from the registry, so ids the registry no
// longer knows are ignored; ids the registry gained since the encode
// are instantiated unpopulated and left out of known, which is what
// flags them for back-fill.
func decodeIntervalState(data []byte, registry *columnRegistry) (*IntervalState, error) {
	var env encodedState
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode interval state: %w", err)
	}

	s := &IntervalState{
		Interval:    env.Interval,
		Processed:   env.Processed,
		EventCount:  env.EventCount,
		aggregators: make(map[string]Aggregator),
		known:       make(map[string]struct{}),
	}

	persisted := make(map[string]json.RawMessage, len(env.Aggregators))
	for _, enc := range env.Aggregators {
		persisted[enc.ID] = enc.Data
	}

	for _, id := range registry.order {
		reg := registry.regs[id]
		if reg.spec.Interval != nil && !reg.spec.Interval.Equal(s.Interval) {
			continue
		}
		agg := reg.spec.New()
		s.aggregators[id] = agg
		raw, wasPersisted := persisted[id]
		if wasPersisted && len(raw) > 0 {
			if err := Final(agg).Decode(raw); err != nil {
				return nil, fmt.Errorf("decode aggregator %q: %w", id, err)
			}
		}
	}

	for _, id := range env.Known {
		if _, ok := s.aggregators[id]; ok {
			s.known[id] = struct{}{}
		}
	}
	return s, nil
}

// encodedEventBucket is the persisted shape of one monthly bucket.
type encodedEventBucket struct {
	Interval Interval `json:"interval"`
	Events   []*Event `json:"events"`
}

// encodeEventBucket serializes a monthly bucket, sorted by timestamp
// and de-duplicated by id.
func encodeEventBucket(interval Interval, events []*Event) ([]byte, error) {
	bucket := make([]*Event, len(events))
	copy(bucket, events)
	SortEventsByTimestamp(bucket)
	bucket = DedupEventsByID(bucket)
	return json.Marshal(encodedEventBucket{Interval: interval, Events: bucket})
}

// decodeEventBucket is the inverse of encodeEventBucket.
func decodeEventBucket(data []byte) (Interval, []*Event, error) {
	var bucket encodedEventBucket
	if err := json.Unmarshal(data, &bucket); err != nil {
		return Interval{}, nil, fmt.Errorf("decode event bucket: %w", err)
	}
	return bucket.Interval, bucket.Events, nil
}
