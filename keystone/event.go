package keystone

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ReservedColumnName is the synthetic column carrying category-level
// aggregators. User registrations may not claim it.
const ReservedColumnName = "id"

// Event is an immutable analytics record. Identity is by ID.
type Event struct {
	ID        uuid.UUID
	UserID    string
	Category  string
	Timestamp time.Time
	Data      map[string]Value
}

// NewEvent constructs an event with a fresh UUIDv4 id. The timestamp
// is quantized to the wire precision (epoch seconds as a double) so an
// event compares identically before and after a cache round trip.
func NewEvent(userID, category string, timestamp time.Time, data map[string]Value) *Event {
	return &Event{
		ID:        uuid.New(),
		UserID:    userID,
		Category:  category,
		Timestamp: timeFromEpochSeconds(epochSeconds(timestamp)),
		Data:      data,
	}
}

// Value returns the payload value for a column, Absent when missing.
func (e *Event) Value(column string) Value {
	if v, ok := e.Data[column]; ok {
		return v
	}
	return Absent()
}

// WithValue returns a copy of the event with one payload value
// replaced. Used by mapping aggregators; the original is untouched.
func (e *Event) WithValue(column string, v Value) *Event {
	clone := *e
	clone.Data = make(map[string]Value, len(e.Data)+1)
	for k, val := range e.Data {
		clone.Data[k] = val
	}
	clone.Data[column] = v
	return &clone
}

func (e *Event) String() string {
	return fmt.Sprintf("%s/%s@%s", e.Category, e.ID, e.Timestamp.UTC().Format(time.RFC3339))
}

// eventJSON is the persisted shape of an event.
type eventJSON struct {
	ID        string           `json:"id"`
	User      string           `json:"user"`
	Category  string           `json:"category"`
	Timestamp float64          `json:"timestamp"`
	Data      map[string]Value `json:"data"`
}

// MarshalJSON encodes the event with its timestamp as epoch seconds
// and its id as a lowercase RFC-4122 string.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		ID:        e.ID.String(),
		User:      e.UserID,
		Category:  e.Category,
		Timestamp: epochSeconds(e.Timestamp),
		Data:      e.Data,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := uuid.Parse(raw.ID)
	if err != nil {
		return fmt.Errorf("bad event id %q: %w", raw.ID, err)
	}
	e.ID = id
	e.UserID = raw.User
	e.Category = raw.Category
	e.Timestamp = timeFromEpochSeconds(raw.Timestamp)
	e.Data = raw.Data
	return nil
}

// SortEventsByTimestamp orders events ascending by timestamp, ties
// broken by id for determinism.
func SortEventsByTimestamp(events []*Event) {
	sort.SliceStable(events, func(a, b int) bool {
		if events[a].Timestamp.Equal(events[b].Timestamp) {
			return events[a].ID.String() < events[b].ID.String()
		}
		return events[a].Timestamp.Before(events[b].Timestamp)
	})
}

// DedupEventsByID drops later duplicates of the same event id,
// preserving order.
func DedupEventsByID(events []*Event) []*Event {
	seen := make(map[uuid.UUID]struct{}, len(events))
	out := events[:0]
	for _, e := range events {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// AggregatorSpec names an aggregator factory registered on a column.
// A non-nil Interval pins the aggregator to state buckets whose
// interval equals it.
type AggregatorSpec struct {
	ID       string
	Interval *Interval
	New      func() Aggregator
}

// EventColumn is a named payload slot and a registration point for
// aggregators. CategoryName scopes matching to one category; empty
// matches every category.
type EventColumn struct {
	Name         string
	CategoryName string
	Aggregators  []AggregatorSpec
}

// EventCategory groups events sharing a logical schema. The builder
// appends the synthetic "id" column carrying category-level specs.
type EventCategory struct {
	Name    string
	Columns []EventColumn
}

// Column returns the named column, nil when absent.
func (c *EventCategory) Column(name string) *EventColumn {
	for i := range c.Columns {
		if c.Columns[i].Name == name {
			return &c.Columns[i]
		}
	}
	return nil
}
