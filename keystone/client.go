package keystone

import "context"

// Client creates and dispatches events. It stamps the configured user
// identifier, the clock's now, and a fresh UUIDv4 on every event.
type Client struct {
	userID  string
	clock   Clock
	backend Backend
}

// NewClient builds a submission client against a backend.
func NewClient(backend Backend, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		userID:  cfg.UserIdentifier,
		clock:   cfg.Clock,
		backend: backend,
	}
}

// CreateEvent builds an event without dispatching it.
func (c *Client) CreateEvent(category string, data map[string]Value) *Event {
	return NewEvent(c.userID, category, c.clock.Now(), data)
}

// SubmitEvent persists one event through the backend.
func (c *Client) SubmitEvent(ctx context.Context, e *Event) error {
	return c.backend.PersistEvent(ctx, e)
}

// SubmitEvents persists a batch through the backend.
func (c *Client) SubmitEvents(ctx context.Context, events []*Event) error {
	return c.backend.PersistEvents(ctx, events)
}
