package keystone

import (
	"context"
	"sync"
)

// Backend is the remote event store. LoadEvents returns events whose
// timestamps lie within the interval, inclusive, sorted ascending by
// timestamp.
type Backend interface {
	PersistEvent(ctx context.Context, e *Event) error
	PersistEvents(ctx context.Context, events []*Event) error
	LoadEvents(ctx context.Context, interval Interval, status BackendStatusFunc) ([]*Event, error)
	LoadAllEvents(ctx context.Context, status BackendStatusFunc) ([]*Event, error)
}

// PersistEventsOneByOne is the default batch write: a loop over
// PersistEvent. Backends with a native batch path override it.
func PersistEventsOneByOne(ctx context.Context, b Backend, events []*Event) error {
	for _, e := range events {
		if err := b.PersistEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// MemoryBackend is a slice-backed Backend for tests and examples.
type MemoryBackend struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) PersistEvent(ctx context.Context, e *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *MemoryBackend) PersistEvents(ctx context.Context, events []*Event) error {
	return PersistEventsOneByOne(ctx, b, events)
}

func (b *MemoryBackend) LoadEvents(ctx context.Context, interval Interval, status BackendStatusFunc) ([]*Event, error) {
	b.mu.Lock()
	var out []*Event
	for _, e := range b.events {
		if interval.Contains(e.Timestamp) {
			out = append(out, e)
		}
	}
	b.mu.Unlock()

	SortEventsByTimestamp(out)
	if status != nil {
		status(BackendStatus{Kind: BackendFetchedRecords, Count: len(out)})
		status(BackendStatus{Kind: BackendReady})
	}
	return out, nil
}

func (b *MemoryBackend) LoadAllEvents(ctx context.Context, status BackendStatusFunc) ([]*Event, error) {
	return b.LoadEvents(ctx, AllTime(), status)
}

// Len returns the number of stored events.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
