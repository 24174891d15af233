package keystone

import (
	"context"
	"encoding/json"
	"fmt"
)

// Analyzer is the stateful orchestrator: it partitions time into
// normalized and ad-hoc intervals, materializes aggregator snapshots
// for queried intervals, persists interval states through the
// delegate, back-fills newly registered aggregators from event
// history, and reconciles the local event cache with the backend.
//
// The analyzer and its collaborators run single-threaded cooperative:
// public operations may suspend on delegate or backend I/O, but state
// mutations never interleave. Concurrent use is not supported.
type Analyzer struct {
	cfg      Config
	delegate Delegate
	backend  Backend
	clock    Clock
	metrics  *metrics

	categories map[string]*EventCategory
	registry   *columnRegistry

	current     *IntervalState
	accumulated *IntervalState
	historical  map[string]*IntervalState
	nonNormal   map[string]*IntervalState

	searchIndex *SearchIndex
	lastStatus  Status

	// rebuilding is set while the full backend history is being
	// replayed into fresh states. Persisted monthly artifacts are
	// ignored for its duration; the replay overwrites them.
	rebuilding bool
}

func newAnalyzer(cfg Config, backend Backend, delegate Delegate, categories map[string]*EventCategory, registry *columnRegistry) *Analyzer {
	cfg = cfg.withDefaults()
	return &Analyzer{
		cfg:        cfg,
		delegate:   delegate,
		backend:    backend,
		clock:      cfg.Clock,
		metrics:    newMetrics(cfg.Metrics),
		categories: categories,
		registry:   registry,
		historical: make(map[string]*IntervalState),
		nonNormal:  make(map[string]*IntervalState),
		lastStatus: Status{Kind: StatusInitializing},
	}
}

// initialize runs the startup sequence: load the current-month and
// all-time states, demote a stale current state, then either replay
// all history (fresh install) or back-fill new aggregators and fetch
// the events that arrived since the last run.
func (a *Analyzer) initialize(ctx context.Context) error {
	a.delegate.StatusChanged(a.lastStatus)

	if err := a.loadSearchIndex(ctx); err != nil {
		return err
	}

	accumulated, err := a.loadOrCreateState(ctx, AllTime())
	if err != nil {
		return err
	}
	a.accumulated = accumulated

	// A degenerate processed interval means no run has completed (or
	// the all-time artifact was lost): replay everything into fresh
	// states, ignoring whatever monthly artifacts survived.
	a.rebuilding = a.accumulated.Processed.Duration() == 0
	defer func() { a.rebuilding = false }()

	if err := a.ensureCurrentStateValidity(ctx); err != nil {
		return err
	}

	if a.rebuilding {
		if err := a.loadAllHistory(ctx); err != nil {
			return err
		}
	} else {
		if err := a.checkForNewAggregators(ctx); err != nil {
			return err
		}
		newEvents := NewInterval(a.accumulated.Processed.End, a.clock.Now())
		if err := a.loadAndProcessEvents(ctx, newEvents); err != nil {
			return err
		}
	}

	if err := a.persistModified(ctx); err != nil {
		return err
	}
	a.report(Status{Kind: StatusReady})
	return nil
}

// ensureCurrentStateValidity demotes a current state whose interval is
// no longer this month into the historical map and installs a fresh
// current-month state.
func (a *Analyzer) ensureCurrentStateValidity(ctx context.Context) error {
	thisMonth := MonthInterval(a.clock.Now())

	if a.current != nil && a.current.Interval.Equal(thisMonth) {
		return nil
	}
	if a.current != nil {
		a.historical[a.current.Interval.cacheKey()] = a.current
		a.cfg.logf(LogDebug, "demoting current state %s", a.current.Interval)
	}

	current, err := a.loadOrCreateState(ctx, thisMonth)
	if err != nil {
		return err
	}
	a.current = current

	if a.cfg.CreateSearchIndex {
		if a.searchIndex == nil || !a.searchIndex.Interval.Equal(thisMonth) {
			a.searchIndex = NewSearchIndex(thisMonth)
		}
	}
	return nil
}

// loadState fetches and decodes a persisted state. A missing artifact
// returns nil; a corrupt one is treated as absent and logged, so the
// state gets rebuilt from backend history.
func (a *Analyzer) loadState(ctx context.Context, interval Interval) (*IntervalState, error) {
	data, err := a.delegate.Load(ctx, StateKey(interval))
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", interval, err)
	}
	if data == nil {
		return nil, nil
	}
	s, err := decodeIntervalState(data, a.registry)
	if err != nil {
		a.cfg.logf(LogDebug, "discarding undecodable state %s: %v", interval, err)
		return nil, nil
	}
	return s, nil
}

// loadOrCreateState resolves a normalized interval's state from the
// delegate, creating a fresh one when absent. Decoded states are
// grown to the current registry and back-filled if the registry
// gained aggregators since they were persisted.
func (a *Analyzer) loadOrCreateState(ctx context.Context, interval Interval) (*IntervalState, error) {
	if a.rebuilding && !interval.Equal(AllTime()) {
		return newIntervalState(interval, a.registry), nil
	}
	s, err := a.loadState(ctx, interval)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return newIntervalState(interval, a.registry), nil
	}
	s.ensureAggregators(a.registry)
	if err := a.backfillState(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// stateForMonth resolves a monthly interval's state from the current
// slot, the historical map, or the delegate.
func (a *Analyzer) stateForMonth(ctx context.Context, month Interval) (*IntervalState, error) {
	if a.current != nil && a.current.Interval.Equal(month) {
		return a.current, nil
	}
	if s, ok := a.historical[month.cacheKey()]; ok {
		return s, nil
	}
	s, err := a.loadOrCreateState(ctx, month)
	if err != nil {
		return nil, err
	}
	a.historical[month.cacheKey()] = s
	return s, nil
}

// checkForNewAggregators back-fills aggregators registered since the
// last run on the states resident at startup.
func (a *Analyzer) checkForNewAggregators(ctx context.Context) error {
	if err := a.backfillState(ctx, a.accumulated); err != nil {
		return err
	}
	return a.backfillState(ctx, a.current)
}

// backfillState replays cached history into a state's uninitialized
// aggregators, bypassing the already-processed guard. Aggregators the
// state already knows never see the replay, so nothing double-counts.
func (a *Analyzer) backfillState(ctx context.Context, s *IntervalState) error {
	uninit := s.uninitializedAggregators()
	if len(uninit) == 0 {
		return nil
	}

	span := s.Interval
	if s.Interval.Equal(AllTime()) {
		// The cache walk only needs to cover actual history.
		span = s.Processed
	}
	events, err := a.getProcessedEvents(ctx, span)
	if err != nil {
		return err
	}

	only := make(map[string]struct{}, len(uninit))
	for _, id := range uninit {
		only[id] = struct{}{}
	}
	a.cfg.logf(LogDebug, "back-filling %d aggregators over %d events in %s", len(uninit), len(events), s.Interval)

	for i, e := range events {
		a.report(Status{
			Kind:     StatusProcessingEvents,
			Progress: progress(i, len(events)),
			Count:    len(events),
			Detail:   "backfill",
		})
		s.addEvent(e, a.registry, false, only)
	}
	for _, id := range uninit {
		s.markKnown(id)
	}
	a.metrics.addBackfills(len(uninit))
	return a.persistState(ctx, s)
}

// processEvents applies a sorted batch to the monthly, all-time, and
// matching ad-hoc states. The already-processed guard is captured at
// batch start so equal-timestamp events within one batch all land.
func (a *Analyzer) processEvents(ctx context.Context, batch []*Event) error {
	if len(batch) == 0 {
		return nil
	}
	now := a.clock.Now()
	guard := a.accumulated.Processed
	guardActive := a.accumulated.EventCount > 0

	applied := 0
	for i, e := range batch {
		if e.Timestamp.After(now) {
			panic(fmt.Sprintf("keystone: future-dated event %s (now %s)", e, now))
		}
		a.report(Status{
			Kind:     StatusProcessingEvents,
			Progress: progress(i, len(batch)),
			Count:    len(batch),
		})

		if guardActive && guard.Contains(e.Timestamp) {
			a.metrics.addEventsSkipped(1)
			continue
		}

		month := MonthInterval(e.Timestamp)
		monthly, err := a.stateForMonth(ctx, month)
		if err != nil {
			return err
		}
		monthly.addEvent(e, a.registry, true, nil)
		a.accumulated.addEvent(e, a.registry, true, nil)

		for _, s := range a.nonNormal {
			if s.Interval.Contains(e.Timestamp) {
				s.addEvent(e, a.registry, true, nil)
			}
		}

		a.indexEvent(e)
		applied++
	}

	a.metrics.addEventsProcessed(applied)
	return a.persistModified(ctx)
}

// loadAndProcessEvents reconciles the local event cache with the
// backend over an interval, persists whatever the backend added, and
// feeds the merged batch through processEvents.
func (a *Analyzer) loadAndProcessEvents(ctx context.Context, interval Interval) error {
	if interval.Start.After(interval.End) {
		return nil
	}
	cached, err := a.getProcessedEvents(ctx, interval)
	if err != nil {
		return err
	}

	var merged []*Event
	if len(cached) > 0 {
		// The cache covers [c0, c1]; fetch the flanks from the backend.
		c0 := cached[0].Timestamp
		c1 := cached[len(cached)-1].Timestamp

		var fetched []*Event
		if c0.After(interval.Start) {
			head, err := a.fetchEvents(ctx, NewInterval(interval.Start, c0))
			if err != nil {
				return err
			}
			fetched = append(fetched, head...)
		}
		if c1.Before(interval.End) {
			tail, err := a.fetchEvents(ctx, NewInterval(c1, interval.End))
			if err != nil {
				return err
			}
			fetched = append(fetched, tail...)
		}
		if len(fetched) > 0 {
			if err := a.persistEventBuckets(ctx, fetched); err != nil {
				return err
			}
		}
		merged = append(append(merged, cached...), fetched...)
	} else {
		fetched, err := a.fetchEvents(ctx, interval)
		if err != nil {
			return err
		}
		if len(fetched) > 0 {
			if err := a.persistEventBuckets(ctx, fetched); err != nil {
				return err
			}
		}
		merged = fetched
	}

	SortEventsByTimestamp(merged)
	merged = DedupEventsByID(merged)
	return a.processEvents(ctx, merged)
}

// loadAllHistory replays the full backend history, used on a fresh
// install or after reset.
func (a *Analyzer) loadAllHistory(ctx context.Context) error {
	events, err := a.backend.LoadAllEvents(ctx, a.backendStatus("backend"))
	if err != nil {
		return fmt.Errorf("load all events: %w", err)
	}
	a.metrics.recordFetch(len(events))
	if len(events) == 0 {
		return nil
	}
	if err := a.persistEventBuckets(ctx, events); err != nil {
		return err
	}
	SortEventsByTimestamp(events)
	events = DedupEventsByID(events)
	return a.processEvents(ctx, events)
}

// fetchEvents loads an interval from the backend, forwarding its
// progress notes onto the status stream.
func (a *Analyzer) fetchEvents(ctx context.Context, interval Interval) ([]*Event, error) {
	events, err := a.backend.LoadEvents(ctx, interval, a.backendStatus("backend"))
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", interval, err)
	}
	a.metrics.recordFetch(len(events))
	return events, nil
}

// backendStatus maps backend progress notes onto analyzer statuses.
func (a *Analyzer) backendStatus(source string) BackendStatusFunc {
	return func(bs BackendStatus) {
		switch bs.Kind {
		case BackendFetchedRecords:
			a.report(Status{Kind: StatusFetchingEvents, Count: bs.Count, Source: source})
		case BackendProcessingRecords:
			a.report(Status{Kind: StatusDecodingEvents, Progress: bs.Progress, Source: source})
		}
	}
}

// persistEventBuckets groups events by month and writes each bucket
// through the delegate, merging with and de-duplicating against the
// bucket's existing contents.
func (a *Analyzer) persistEventBuckets(ctx context.Context, events []*Event) error {
	buckets := make(map[string][]*Event)
	intervals := make(map[string]Interval)
	for _, e := range events {
		month := MonthInterval(e.Timestamp)
		key := month.cacheKey()
		buckets[key] = append(buckets[key], e)
		intervals[key] = month
	}

	done := 0
	for key, bucket := range buckets {
		month := intervals[key]
		a.report(Status{
			Kind:     StatusPersistingEvents,
			Progress: progress(done, len(buckets)),
			Count:    len(events),
		})

		existing, err := a.loadEventBucket(ctx, month)
		if err != nil {
			return err
		}
		data, err := encodeEventBucket(month, append(existing, bucket...))
		if err != nil {
			return err
		}
		if err := a.delegate.Persist(ctx, EventsKey(month), data); err != nil {
			return fmt.Errorf("persist event bucket %s: %w", month, err)
		}
		done++
	}
	return nil
}

// loadEventBucket reads one monthly bucket from the cache. Missing or
// corrupt buckets read as empty.
func (a *Analyzer) loadEventBucket(ctx context.Context, month Interval) ([]*Event, error) {
	data, err := a.delegate.Load(ctx, EventsKey(month))
	if err != nil {
		return nil, fmt.Errorf("load event bucket %s: %w", month, err)
	}
	if data == nil {
		return nil, nil
	}
	_, events, err := decodeEventBucket(data)
	if err != nil {
		a.cfg.logf(LogDebug, "discarding undecodable event bucket %s: %v", month, err)
		return nil, nil
	}
	return events, nil
}

// getProcessedEvents walks monthly buckets from the interval's end
// backwards, unions their events, filters to the interval, and sorts.
// Returns nil iff no bucket produced any events.
func (a *Analyzer) getProcessedEvents(ctx context.Context, interval Interval) ([]*Event, error) {
	if a.accumulated != nil && a.accumulated.EventCount == 0 {
		return nil, nil
	}

	// Clamp the walk to actual history; buckets exist only inside the
	// processed range.
	earliest := interval.Start
	latest := interval.End
	if a.accumulated != nil && a.accumulated.EventCount > 0 {
		if a.accumulated.Processed.Start.After(earliest) {
			earliest = a.accumulated.Processed.Start
		}
		if a.accumulated.Processed.End.Before(latest) {
			latest = a.accumulated.Processed.End
		}
	}
	if latest.Before(earliest) {
		return nil, nil
	}

	var out []*Event
	for bucket := MonthInterval(latest); !bucket.End.Before(earliest); bucket = MonthBefore(bucket) {
		events, err := a.loadEventBucket(ctx, bucket)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if interval.Contains(e.Timestamp) {
				out = append(out, e)
			}
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	SortEventsByTimestamp(out)
	return out, nil
}

// persistState writes one state through the delegate if it changed
// since its last write.
func (a *Analyzer) persistState(ctx context.Context, s *IntervalState) error {
	if s == nil || !s.modified {
		return nil
	}
	if !IsNormalized(s.Interval) {
		// Ad-hoc states live only in memory.
		s.modified = false
		return nil
	}
	data, err := encodeIntervalState(s)
	if err != nil {
		return err
	}
	a.report(Status{Kind: StatusPersistingState, Progress: 0, Count: int(s.EventCount)})
	if err := a.delegate.Persist(ctx, StateKey(s.Interval), data); err != nil {
		return fmt.Errorf("persist state %s: %w", s.Interval, err)
	}
	s.modified = false
	a.metrics.incStatesPersisted()
	return nil
}

// persistModified flushes every modified state bucket plus the search
// index.
func (a *Analyzer) persistModified(ctx context.Context) error {
	if err := a.persistState(ctx, a.current); err != nil {
		return err
	}
	if err := a.persistState(ctx, a.accumulated); err != nil {
		return err
	}
	for _, s := range a.historical {
		if err := a.persistState(ctx, s); err != nil {
			return err
		}
	}
	return a.persistSearchIndex(ctx)
}

// LoadNewEvents fetches and applies events that arrived after the
// processed interval's end. Calling it with no new backend events is
// a no-op for every aggregator.
func (a *Analyzer) LoadNewEvents(ctx context.Context) error {
	if err := a.ensureCurrentStateValidity(ctx); err != nil {
		return err
	}
	interval := NewInterval(a.accumulated.Processed.End, a.clock.Now())
	if err := a.loadAndProcessEvents(ctx, interval); err != nil {
		return err
	}
	a.report(Status{Kind: StatusReady})
	return nil
}

// Reset deletes every persisted interval state, clears in-memory
// state, and replays the full backend history.
func (a *Analyzer) Reset(ctx context.Context) error {
	// Clear the persisted states covering known history.
	if a.accumulated != nil && a.accumulated.EventCount > 0 {
		span := a.accumulated.Processed
		for month := MonthInterval(span.End); !month.End.Before(span.Start); month = MonthBefore(month) {
			if err := a.delegate.Persist(ctx, StateKey(month), nil); err != nil {
				return fmt.Errorf("clear state %s: %w", month, err)
			}
			if err := a.delegate.Persist(ctx, EventsKey(month), nil); err != nil {
				return fmt.Errorf("clear event bucket %s: %w", month, err)
			}
		}
	}
	if err := a.delegate.Persist(ctx, StateKey(AllTime()), nil); err != nil {
		return fmt.Errorf("clear all-time state: %w", err)
	}
	if err := a.delegate.Persist(ctx, SearchIndexKey, nil); err != nil {
		return fmt.Errorf("clear search index: %w", err)
	}

	a.current = nil
	a.accumulated = newIntervalState(AllTime(), a.registry)
	a.historical = make(map[string]*IntervalState)
	a.nonNormal = make(map[string]*IntervalState)
	a.searchIndex = nil
	a.lastStatus = Status{Kind: StatusInitializing}
	a.delegate.StatusChanged(a.lastStatus)

	if err := a.ensureCurrentStateValidity(ctx); err != nil {
		return err
	}
	if err := a.loadAllHistory(ctx); err != nil {
		return err
	}
	if err := a.persistModified(ctx); err != nil {
		return err
	}
	a.report(Status{Kind: StatusReady})
	return nil
}

// FindAggregator resolves the aggregator with id over an interval.
// Normalized intervals resolve against the monthly or all-time state;
// other intervals materialize an ad-hoc state fed from the event
// cache, memoized for the analyzer's lifetime. A nil aggregator means
// the id is not registered for that interval.
func (a *Analyzer) FindAggregator(ctx context.Context, id string, interval Interval) (Aggregator, error) {
	s, err := a.stateFor(ctx, interval)
	if err != nil {
		return nil, err
	}
	return s.Aggregator(id), nil
}

// FindAggregatorsForCategory resolves every aggregator over an
// interval whose registration includes the category.
func (a *Analyzer) FindAggregatorsForCategory(ctx context.Context, category string, interval Interval) (map[string]Aggregator, error) {
	s, err := a.stateFor(ctx, interval)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Aggregator)
	for _, id := range s.AggregatorIDs() {
		if reg := a.registry.get(id); reg != nil && reg.matchesCategory(category) {
			out[id] = s.Aggregator(id)
		}
	}
	return out, nil
}

// stateFor resolves or materializes the state bucket for an interval.
func (a *Analyzer) stateFor(ctx context.Context, interval Interval) (*IntervalState, error) {
	if interval.Equal(AllTime()) {
		return a.accumulated, nil
	}
	if IsNormalized(interval) {
		return a.stateForMonth(ctx, interval)
	}
	if s, ok := a.nonNormal[interval.cacheKey()]; ok {
		return s, nil
	}

	s := newIntervalState(interval, a.registry)
	events, err := a.getProcessedEvents(ctx, interval)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		s.addEvent(e, a.registry, true, nil)
	}
	a.nonNormal[interval.cacheKey()] = s
	return s, nil
}

// Events returns the processed events within an interval as a sorted,
// keyword-indexed list. A nil list means no cached bucket held events
// for the interval.
func (a *Analyzer) Events(ctx context.Context, interval Interval) (*EventList, error) {
	events, err := a.getProcessedEvents(ctx, interval)
	if err != nil {
		return nil, err
	}
	if events == nil {
		return nil, nil
	}
	return NewEventList(interval, events, a.cfg.GetSearchKeywords), nil
}

// SearchIndex returns the maintained current-month index, nil when
// index maintenance is disabled.
func (a *Analyzer) SearchIndex() *SearchIndex { return a.searchIndex }

// ProcessedEventInterval is the range of event history the analyzer
// has applied.
func (a *Analyzer) ProcessedEventInterval() Interval {
	return a.accumulated.Processed
}

// LastStatus returns the most recently reported status.
func (a *Analyzer) LastStatus() Status { return a.lastStatus }

// Category returns a registered category by name, nil when unknown.
func (a *Analyzer) Category(name string) *EventCategory {
	return a.categories[name]
}

// indexEvent adds an event to the maintained search index when index
// maintenance is on and the event lands in the index's interval.
func (a *Analyzer) indexEvent(e *Event) {
	if a.searchIndex == nil {
		return
	}
	if a.searchIndex.Interval.Contains(e.Timestamp) {
		a.searchIndex.AddEvent(e, a.cfg.GetSearchKeywords)
	}
}

// loadSearchIndex restores the persisted index; a missing or corrupt
// artifact leaves index maintenance to start empty.
func (a *Analyzer) loadSearchIndex(ctx context.Context) error {
	if !a.cfg.CreateSearchIndex {
		return nil
	}
	data, err := a.delegate.Load(ctx, SearchIndexKey)
	if err != nil {
		return fmt.Errorf("load search index: %w", err)
	}
	if data == nil {
		return nil
	}
	idx := &SearchIndex{}
	if err := json.Unmarshal(data, idx); err != nil {
		a.cfg.logf(LogDebug, "discarding undecodable search index: %v", err)
		return nil
	}
	a.searchIndex = idx
	return nil
}

func (a *Analyzer) persistSearchIndex(ctx context.Context) error {
	if a.searchIndex == nil {
		return nil
	}
	data, err := json.Marshal(a.searchIndex)
	if err != nil {
		return err
	}
	if err := a.delegate.Persist(ctx, SearchIndexKey, data); err != nil {
		return fmt.Errorf("persist search index: %w", err)
	}
	return nil
}

// report funnels a status through the significance filter before
// notifying the delegate.
func (a *Analyzer) report(status Status) {
	if !significantChange(a.lastStatus, status) {
		return
	}
	a.lastStatus = status
	a.delegate.StatusChanged(status)
}

func progress(done, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(done) / float64(total)
}
