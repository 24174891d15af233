package keystone

// AddAction is an aggregator's verdict on an event.
type AddAction int

const (
	// ActionKeep forwards the event unchanged to the chain successor.
	ActionKeep AddAction = iota
	// ActionDiscard stops the chain for this event.
	ActionDiscard
	// ActionReplace forwards a rewritten event to the chain successor.
	ActionReplace
)

// AddResult carries the action and, for ActionReplace, the rewritten
// event seen by downstream aggregators.
type AddResult struct {
	Action      AddAction
	Replacement *Event
}

// Keep forwards the event unchanged.
func Keep() AddResult { return AddResult{Action: ActionKeep} }

// Discard stops the chain.
func Discard() AddResult { return AddResult{Action: ActionDiscard} }

// Replace substitutes e for downstream aggregators.
func Replace(e *Event) AddResult { return AddResult{Action: ActionReplace, Replacement: e} }

// Aggregator folds events into a summary. Implementations are strictly
// synchronous; AddEvent never suspends.
//
// Encode returns nil for stateless or non-persistable aggregators;
// Decode must be its inverse. Next returns the chain successor, nil
// for leaves.
type Aggregator interface {
	AddEvent(e *Event, column *EventColumn) AddResult
	Encode() ([]byte, error)
	Decode(data []byte) error
	Reset()
	Next() Aggregator
}

// Final follows Next to the terminal aggregator of a chain. A leaf is
// its own terminal. The chain's persisted state and its reported
// values both live on the terminal.
func Final(a Aggregator) Aggregator {
	for a.Next() != nil {
		a = a.Next()
	}
	return a
}

// chainAggregator composes two aggregators: the head's verdict decides
// what the tail sees. Chain nodes carry no state of their own; the
// state codec persists the terminal.
type chainAggregator struct {
	head Aggregator
	tail Aggregator
}

// Then composes a and b so that b sees the events a forwards.
func Then(a, b Aggregator) Aggregator {
	return &chainAggregator{head: a, tail: b}
}

func (c *chainAggregator) AddEvent(e *Event, column *EventColumn) AddResult {
	switch r := c.head.AddEvent(e, column); r.Action {
	case ActionDiscard:
		return Discard()
	case ActionReplace:
		return c.tail.AddEvent(r.Replacement, column)
	default:
		return c.tail.AddEvent(e, column)
	}
}

func (c *chainAggregator) Encode() ([]byte, error) { return nil, nil }

func (c *chainAggregator) Decode(data []byte) error {
	return Final(c).Decode(data)
}

func (c *chainAggregator) Reset() {
	Final(c).Reset()
}

func (c *chainAggregator) Next() Aggregator { return c.tail }
