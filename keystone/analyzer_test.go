package keystone

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// seedEvents spreads count events uniformly over [start, end] and
// persists them through the backend.
func seedEvents(t *testing.T, backend Backend, category string, count int, start, end time.Time) []*Event {
	t.Helper()
	step := end.Sub(start) / time.Duration(count)
	events := make([]*Event, 0, count)
	for i := 0; i < count; i++ {
		ts := start.Add(time.Duration(i) * step)
		e := NewEvent(fmt.Sprintf("user-%d", i%7), category, ts, map[string]Value{
			"value": Number(float64(i)),
			"label": Text(fmt.Sprintf("label %d", i%3)),
		})
		events = append(events, e)
	}
	if err := backend.PersistEvents(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	return events
}

func countBuilder(backend Backend, delegate Delegate, clock Clock) *Builder {
	cfg := DefaultConfig()
	cfg.Clock = clock
	b := NewBuilder(backend, delegate, cfg)
	b.AddCategory("visits")
	b.AddColumn("visits", "value")
	b.RegisterAllEventsAggregator(AggregatorSpec{
		ID:  "all-count",
		New: func() Aggregator { return NewCounting() },
	})
	b.RegisterColumnAggregator("visits", "value", AggregatorSpec{
		ID:  "value-stats",
		New: func() Aggregator { return NewNumericStats() },
	})
	return b
}

func mustCount(t *testing.T, a *Analyzer, id string, interval Interval) uint64 {
	t.Helper()
	agg, err := a.FindAggregator(context.Background(), id, interval)
	if err != nil {
		t.Fatal(err)
	}
	if agg == nil {
		t.Fatalf("aggregator %q missing for %s", id, interval)
	}
	return Final(agg).(*CountingAggregator).ValueCount
}

func TestAnalyzerBasicCounting(t *testing.T) {
	backend := NewMemoryBackend()
	delegate := NewMemoryDelegate()
	clock := NewFixedClock(date(2023, time.January, 31, 23, 59, 59))

	seedEvents(t, backend, "visits", 100,
		date(2023, time.January, 1, 0, 0, 0), date(2023, time.January, 14, 0, 0, 0))

	a, err := countBuilder(backend, delegate, clock).Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	jan := MonthInterval(date(2023, time.January, 1, 0, 0, 0))
	if got := mustCount(t, a, "all-count", jan); got != 100 {
		t.Errorf("monthly count = %d, want 100", got)
	}
	if got := mustCount(t, a, "all-count", AllTime()); got != 100 {
		t.Errorf("all-time count = %d, want 100", got)
	}

	stats, err := a.FindAggregator(context.Background(), "value-stats", jan)
	if err != nil {
		t.Fatal(err)
	}
	s := stats.(*NumericStatsAggregator)
	if s.ValueCount != 100 {
		t.Errorf("stats count = %d, want 100", s.ValueCount)
	}
	// Sum of 0..99.
	if s.Sum != 4950 {
		t.Errorf("stats sum = %v, want 4950", s.Sum)
	}

	if a.LastStatus().Kind != StatusReady {
		t.Errorf("final status %s", a.LastStatus())
	}
}

func TestAnalyzerRebuildIsStable(t *testing.T) {
	backend := NewMemoryBackend()
	delegate := NewMemoryDelegate()
	clock := NewFixedClock(date(2023, time.January, 31, 23, 59, 59))

	seedEvents(t, backend, "visits", 60,
		date(2023, time.January, 1, 0, 0, 0), date(2023, time.January, 14, 0, 0, 0))

	if _, err := countBuilder(backend, delegate, clock).Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	a, err := countBuilder(backend, delegate, clock).Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	jan := MonthInterval(date(2023, time.January, 1, 0, 0, 0))
	if got := mustCount(t, a, "all-count", jan); got != 60 {
		t.Errorf("count after rebuild = %d, want 60", got)
	}

	// Repeated no-op reloads must not drift either.
	for i := 0; i < 3; i++ {
		if err := a.LoadNewEvents(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := mustCount(t, a, "all-count", jan); got != 60 {
		t.Errorf("count after reloads = %d, want 60", got)
	}
}

func TestAnalyzerBackfillsNewAggregator(t *testing.T) {
	backend := NewMemoryBackend()
	delegate := NewMemoryDelegate()
	clock := NewFixedClock(date(2023, time.January, 31, 23, 59, 59))

	seedEvents(t, backend, "visits", 80,
		date(2023, time.January, 1, 0, 0, 0), date(2023, time.January, 14, 0, 0, 0))

	if _, err := countBuilder(backend, delegate, clock).Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Second schema adds a counter after ingestion.
	b := countBuilder(backend, delegate, clock)
	b.RegisterAllEventsAggregator(AggregatorSpec{
		ID:  "all-count-2",
		New: func() Aggregator { return NewCounting() },
	})
	a, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if got := mustCount(t, a, "all-count", AllTime()); got != 80 {
		t.Errorf("original counter = %d, want 80", got)
	}
	if got := mustCount(t, a, "all-count-2", AllTime()); got != 80 {
		t.Errorf("back-filled counter = %d, want 80", got)
	}
	jan := MonthInterval(date(2023, time.January, 1, 0, 0, 0))
	if got := mustCount(t, a, "all-count-2", jan); got != 80 {
		t.Errorf("back-filled monthly counter = %d, want 80", got)
	}
}

func TestAnalyzerSplitIngest(t *testing.T) {
	backend := NewMemoryBackend()
	delegate := NewMemoryDelegate()
	split := date(2023, time.January, 7, 23, 59, 59)

	all := seedEventsDeferred(t, "visits", 100,
		date(2023, time.January, 1, 0, 0, 0), date(2023, time.January, 14, 0, 0, 0))
	var firstHalf, secondHalf int
	for _, e := range all {
		if !e.Timestamp.After(split) {
			backend.PersistEvent(context.Background(), e)
			firstHalf++
		} else {
			secondHalf++
		}
	}

	clock := NewFixedClock(split)
	a, err := countBuilder(backend, delegate, clock).Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := mustCount(t, a, "all-count", AllTime()); got != uint64(firstHalf) {
		t.Fatalf("partial count = %d, want %d", got, firstHalf)
	}

	// Remaining events arrive; clock moves to the interval end.
	for _, e := range all {
		if e.Timestamp.After(split) {
			backend.PersistEvent(context.Background(), e)
		}
	}
	clock.Set(date(2023, time.January, 14, 23, 59, 59))

	a, err = countBuilder(backend, delegate, clock).Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := mustCount(t, a, "all-count", AllTime()); got != uint64(firstHalf+secondHalf) {
		t.Errorf("total count = %d, want %d", got, firstHalf+secondHalf)
	}
}

// seedEventsDeferred builds events without persisting them.
func seedEventsDeferred(t *testing.T, category string, count int, start, end time.Time) []*Event {
	t.Helper()
	step := end.Sub(start) / time.Duration(count)
	events := make([]*Event, 0, count)
	for i := 0; i < count; i++ {
		events = append(events, NewEvent(fmt.Sprintf("user-%d", i%7), category,
			start.Add(time.Duration(i)*step), map[string]Value{"value": Number(float64(i))}))
	}
	return events
}

func TestAnalyzerAdHocInterval(t *testing.T) {
	backend := NewMemoryBackend()
	delegate := NewMemoryDelegate()
	clock := NewFixedClock(date(2023, time.January, 31, 23, 59, 59))

	seedEvents(t, backend, "visits", 140,
		date(2023, time.January, 1, 0, 0, 0), date(2023, time.January, 15, 0, 0, 0))

	a, err := countBuilder(backend, delegate, clock).Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	week := NewInterval(date(2023, time.January, 1, 0, 0, 0), date(2023, time.January, 7, 23, 59, 59))
	got := mustCount(t, a, "all-count", week)
	if got != 70 {
		t.Errorf("ad-hoc week count = %d, want 70", got)
	}

	// Memoized: asking again returns the same state.
	again := mustCount(t, a, "all-count", week)
	if again != got {
		t.Error("memoized ad-hoc state must be stable")
	}
}

func TestAnalyzerEventsQuery(t *testing.T) {
	backend := NewMemoryBackend()
	delegate := NewMemoryDelegate()
	clock := NewFixedClock(date(2023, time.February, 7, 23, 59, 59))

	seedEvents(t, backend, "visits", 100,
		date(2023, time.January, 25, 0, 0, 0), date(2023, time.February, 8, 0, 0, 0))

	a, err := countBuilder(backend, delegate, clock).Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	feb := MonthInterval(date(2023, time.February, 1, 0, 0, 0))
	jan := MonthInterval(date(2023, time.January, 1, 0, 0, 0))
	dec := MonthBefore(jan)

	febList, err := a.Events(context.Background(), feb)
	if err != nil {
		t.Fatal(err)
	}
	janList, err := a.Events(context.Background(), jan)
	if err != nil {
		t.Fatal(err)
	}
	decList, err := a.Events(context.Background(), dec)
	if err != nil {
		t.Fatal(err)
	}

	if len(febList.Events)+len(janList.Events) != 100 {
		t.Errorf("split = %d + %d, want 100 total", len(janList.Events), len(febList.Events))
	}
	if len(janList.Events) != 50 || len(febList.Events) != 50 {
		t.Errorf("split = %d/%d, want 50/50", len(janList.Events), len(febList.Events))
	}
	if decList != nil {
		t.Error("empty month must return nil")
	}
}

func TestAnalyzerReset(t *testing.T) {
	backend := NewMemoryBackend()
	delegate := NewMemoryDelegate()
	clock := NewFixedClock(date(2023, time.January, 31, 23, 59, 59))

	seedEvents(t, backend, "visits", 40,
		date(2023, time.January, 1, 0, 0, 0), date(2023, time.January, 14, 0, 0, 0))

	a, err := countBuilder(backend, delegate, clock).Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}

	// History is replayed from the backend, so counts survive a reset.
	if got := mustCount(t, a, "all-count", AllTime()); got != 40 {
		t.Errorf("count after reset = %d, want 40", got)
	}
	if a.LastStatus().Kind != StatusReady {
		t.Errorf("status after reset %s", a.LastStatus())
	}
}

func TestAnalyzerCurrentMonthDemotion(t *testing.T) {
	backend := NewMemoryBackend()
	delegate := NewMemoryDelegate()
	clock := NewFixedClock(date(2023, time.January, 31, 23, 59, 59))

	seedEvents(t, backend, "visits", 30,
		date(2023, time.January, 1, 0, 0, 0), date(2023, time.January, 14, 0, 0, 0))

	if _, err := countBuilder(backend, delegate, clock).Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A month later the stored current state is stale.
	clock.Set(date(2023, time.February, 15, 12, 0, 0))
	a, err := countBuilder(backend, delegate, clock).Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	jan := MonthInterval(date(2023, time.January, 1, 0, 0, 0))
	if got := mustCount(t, a, "all-count", jan); got != 30 {
		t.Errorf("demoted January count = %d, want 30", got)
	}
	feb := MonthInterval(date(2023, time.February, 1, 0, 0, 0))
	if got := mustCount(t, a, "all-count", feb); got != 0 {
		t.Errorf("fresh February count = %d, want 0", got)
	}
}

func TestAnalyzerFindAggregatorsForCategory(t *testing.T) {
	backend := NewMemoryBackend()
	delegate := NewMemoryDelegate()
	clock := NewFixedClock(date(2023, time.January, 31, 23, 59, 59))

	cfg := DefaultConfig()
	cfg.Clock = clock
	b := NewBuilder(backend, delegate, cfg)
	b.AddCategory("visits")
	b.AddCategory("orders")
	b.AddColumn("orders", "amount")
	b.RegisterCategoryAggregator("visits", AggregatorSpec{
		ID:  "visit-count",
		New: func() Aggregator { return NewCounting() },
	})
	b.RegisterColumnAggregator("orders", "amount", AggregatorSpec{
		ID:  "amount-stats",
		New: func() Aggregator { return NewNumericStats() },
	})
	b.RegisterAllEventsAggregator(AggregatorSpec{
		ID:  "all-count",
		New: func() Aggregator { return NewCounting() },
	})

	a, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	jan := MonthInterval(date(2023, time.January, 1, 0, 0, 0))
	visits, err := a.FindAggregatorsForCategory(context.Background(), "visits", jan)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := visits["visit-count"]; !ok {
		t.Error("visit-count must match category visits")
	}
	if _, ok := visits["all-count"]; !ok {
		t.Error("all-event aggregators match every category")
	}
	if _, ok := visits["amount-stats"]; ok {
		t.Error("orders-scoped aggregator must not match visits")
	}
}

func TestAnalyzerFutureEventPanics(t *testing.T) {
	backend := NewMemoryBackend()
	delegate := NewMemoryDelegate()
	clock := NewFixedClock(date(2023, time.January, 10, 0, 0, 0))

	future := NewEvent("u", "visits", date(2023, time.March, 1, 0, 0, 0), nil)
	backend.PersistEvent(context.Background(), future)

	defer func() {
		if recover() == nil {
			t.Error("future-dated event must panic")
		}
	}()
	countBuilder(backend, delegate, clock).Build(context.Background())
}
