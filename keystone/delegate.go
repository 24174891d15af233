package keystone

import (
	"context"
	"sync"
)

// Delegate is the host application's key-value persistence plus its
// status sink. Keys are namespaced by the engine (state-..., events-...,
// keystone-search-index). Persisting a nil value clears the key.
//
// Delegate calls are the analyzer's suspension points; a delegate is
// assumed to have committed a write before Persist returns.
type Delegate interface {
	Persist(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	StatusChanged(status Status)
}

// MemoryDelegate is a map-backed Delegate for tests and examples. It
// records every status notification it receives.
type MemoryDelegate struct {
	mu       sync.Mutex
	values   map[string][]byte
	statuses []Status
}

// NewMemoryDelegate returns an empty in-memory delegate.
func NewMemoryDelegate() *MemoryDelegate {
	return &MemoryDelegate{values: make(map[string][]byte)}
}

func (d *MemoryDelegate) Persist(ctx context.Context, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if value == nil {
		delete(d.values, key)
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	d.values[key] = stored
	return nil
}

func (d *MemoryDelegate) Load(ctx context.Context, key string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, ok := d.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (d *MemoryDelegate) StatusChanged(status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, status)
}

// Keys returns the stored keys.
func (d *MemoryDelegate) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.values))
	for k := range d.values {
		keys = append(keys, k)
	}
	return keys
}

// Statuses returns the notifications received so far.
func (d *MemoryDelegate) Statuses() []Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Status, len(d.statuses))
	copy(out, d.statuses)
	return out
}
