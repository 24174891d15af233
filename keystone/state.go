package keystone

import "sort"

// registration records where an aggregator id was registered: the
// columns that feed it and an optional interval pin. The analyzer
// keeps this map separate so aggregators never back-reference their
// registration site.
type registration struct {
	spec    AggregatorSpec
	columns []*EventColumn
}

// columnRegistry maps aggregator ids to their registrations, with a
// stable registration order so every state applies events to
// aggregators deterministically.
type columnRegistry struct {
	order []string
	regs  map[string]*registration
}

func newColumnRegistry() *columnRegistry {
	return &columnRegistry{regs: make(map[string]*registration)}
}

// add registers a spec against a column. Duplicate ids attach the new
// column to the existing registration; the first factory wins.
func (r *columnRegistry) add(spec AggregatorSpec, column *EventColumn) {
	reg, ok := r.regs[spec.ID]
	if !ok {
		reg = &registration{spec: spec}
		r.regs[spec.ID] = reg
		r.order = append(r.order, spec.ID)
	}
	reg.columns = append(reg.columns, column)
}

func (r *columnRegistry) get(id string) *registration {
	return r.regs[id]
}

// matchesCategory reports whether any of the registration's columns
// is scoped to the category; an empty column scope matches everything.
func (reg *registration) matchesCategory(category string) bool {
	for _, col := range reg.columns {
		if col.CategoryName == "" || col.CategoryName == category {
			return true
		}
	}
	return false
}

// IntervalState holds the aggregator instances and bookkeeping for one
// interval.
type IntervalState struct {
	Interval   Interval
	Processed  Interval
	EventCount uint64

	aggregators map[string]Aggregator
	known       map[string]struct{}
	modified    bool
}

// newIntervalState instantiates a fresh state for an interval from the
// registry, honoring interval pins. All instantiated ids start known:
// a brand-new state has no history an aggregator could have missed.
func newIntervalState(interval Interval, registry *columnRegistry) *IntervalState {
	s := &IntervalState{
		Interval:    interval,
		Processed:   Interval{Start: interval.Start, End: interval.Start},
		aggregators: make(map[string]Aggregator),
		known:       make(map[string]struct{}),
	}
	for _, id := range registry.order {
		reg := registry.regs[id]
		if reg.spec.Interval != nil && !reg.spec.Interval.Equal(interval) {
			continue
		}
		s.aggregators[id] = reg.spec.New()
		s.known[id] = struct{}{}
	}
	return s
}

// Aggregator returns the instance registered under id, nil when the
// state has none.
func (s *IntervalState) Aggregator(id string) Aggregator {
	return s.aggregators[id]
}

// AggregatorIDs returns the ids present in this state, sorted.
func (s *IntervalState) AggregatorIDs() []string {
	ids := make([]string, 0, len(s.aggregators))
	for id := range s.aggregators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// knows reports whether id has been fully populated in this interval.
func (s *IntervalState) knows(id string) bool {
	_, ok := s.known[id]
	return ok
}

func (s *IntervalState) markKnown(id string) {
	s.known[id] = struct{}{}
	s.modified = true
}

// uninitializedAggregators returns ids present but not yet populated,
// sorted. These are the back-fill candidates.
func (s *IntervalState) uninitializedAggregators() []string {
	var ids []string
	for id := range s.aggregators {
		if !s.knows(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ensureAggregators instantiates any registry ids missing from the
// state (schema growth after decode). Fresh instances are NOT marked
// known; the back-fill pass populates and then marks them.
func (s *IntervalState) ensureAggregators(registry *columnRegistry) {
	for _, id := range registry.order {
		reg := registry.regs[id]
		if reg.spec.Interval != nil && !reg.spec.Interval.Equal(s.Interval) {
			continue
		}
		if _, ok := s.aggregators[id]; !ok {
			s.aggregators[id] = reg.spec.New()
		}
	}
}

// addEvent applies one event to every matching aggregator. When only
// is non-nil, ids outside it are skipped (the back-fill path). A new
// event also advances the state's bookkeeping; back-filled events do
// not, so already-known aggregators never double-count.
func (s *IntervalState) addEvent(e *Event, registry *columnRegistry, isNew bool, only map[string]struct{}) {
	for _, id := range registry.order {
		agg, ok := s.aggregators[id]
		if !ok {
			continue
		}
		if only != nil {
			if _, want := only[id]; !want {
				continue
			}
		}
		reg := registry.regs[id]
		for _, col := range reg.columns {
			if col.CategoryName != "" && col.CategoryName != e.Category {
				continue
			}
			agg.AddEvent(e, col)
		}
	}

	if isNew {
		s.EventCount++
		if s.EventCount == 1 && s.Processed.Duration() == 0 {
			// First event: collapse the degenerate [start, start] range
			// onto the event so the processed range tracks actual
			// history instead of stretching back to the interval start.
			s.Processed = Interval{Start: e.Timestamp.UTC(), End: e.Timestamp.UTC()}
		} else {
			s.Processed = s.Processed.Expand(e.Timestamp)
		}
		s.modified = true
	}
}
