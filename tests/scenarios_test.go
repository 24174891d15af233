package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keystonehq/keystone-go/keystone"
)

// The scenarios below ingest 1000 events uniformly over a two-week
// window across two categories and check the aggregator forest from
// several angles: single pass, rebuild, late registration, split
// ingest, and interval queries.

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// fixtureEvents spreads count events uniformly over [start, end),
// alternating between the numericEvent and textEvent categories.
func fixtureEvents(count int, start, end time.Time) []*keystone.Event {
	step := end.Sub(start) / time.Duration(count)
	events := make([]*keystone.Event, 0, count)
	for i := 0; i < count; i++ {
		ts := start.Add(time.Duration(i) * step)
		if i%2 == 0 {
			events = append(events, keystone.NewEvent("user-a", "numericEvent", ts, map[string]keystone.Value{
				"numericValueA": keystone.Number(float64(i)),
				"numericValueB": keystone.Number(float64(2 * i)),
			}))
		} else {
			events = append(events, keystone.NewEvent("user-b", "textEvent", ts, map[string]keystone.Value{
				"textValueA": keystone.Text(fmt.Sprintf("group-%d", i%5)),
				"textValueB": keystone.Text(fmt.Sprintf("entry %d", i)),
			}))
		}
	}
	return events
}

func fixtureBuilder(backend keystone.Backend, delegate keystone.Delegate, clock keystone.Clock) *keystone.Builder {
	cfg := keystone.DefaultConfig()
	cfg.Clock = clock

	b := keystone.NewBuilder(backend, delegate, cfg)
	b.AddCategory("numericEvent")
	b.AddColumn("numericEvent", "numericValueA")
	b.AddColumn("numericEvent", "numericValueB")
	b.AddCategory("textEvent")
	b.AddColumn("textEvent", "textValueA")
	b.AddColumn("textEvent", "textValueB")

	b.RegisterAllEventsAggregator(keystone.AggregatorSpec{
		ID:  "All Event Count",
		New: func() keystone.Aggregator { return keystone.NewCounting() },
	})
	b.RegisterCategoryAggregator("numericEvent", keystone.AggregatorSpec{
		ID:  "numericEvent Count",
		New: func() keystone.Aggregator { return keystone.NewCounting() },
	})
	b.RegisterCategoryAggregator("textEvent", keystone.AggregatorSpec{
		ID:  "textEvent Count",
		New: func() keystone.Aggregator { return keystone.NewCounting() },
	})
	b.RegisterColumnAggregator("numericEvent", "numericValueA", keystone.AggregatorSpec{
		ID:  "numericValueA Stats",
		New: func() keystone.Aggregator { return keystone.NewNumericStats() },
	})
	b.RegisterColumnAggregator("numericEvent", "numericValueB", keystone.AggregatorSpec{
		ID:  "numericValueB Stats",
		New: func() keystone.Aggregator { return keystone.NewNumericStats() },
	})
	b.RegisterColumnAggregator("textEvent", "textValueA", keystone.AggregatorSpec{
		ID:  "textValueA Count By Group",
		New: func() keystone.Aggregator { return keystone.NewCountingByGroup() },
	})
	b.RegisterColumnAggregator("textEvent", "textValueB", keystone.AggregatorSpec{
		ID:  "textValueB Count By Date",
		New: func() keystone.Aggregator { return keystone.NewCountingByDate(keystone.ScopeDay, keystone.WeekStartsMonday) },
	})
	return b
}

func count(t *testing.T, a *keystone.Analyzer, id string, interval keystone.Interval) uint64 {
	t.Helper()
	agg, err := a.FindAggregator(context.Background(), id, interval)
	require.NoError(t, err)
	require.NotNilf(t, agg, "aggregator %q for %s", id, interval)
	return keystone.Final(agg).(*keystone.CountingAggregator).ValueCount
}

func TestScenarioBasicCounting(t *testing.T) {
	backend := keystone.NewMemoryBackend()
	delegate := keystone.NewMemoryDelegate()
	clock := keystone.NewFixedClock(day(2023, time.January, 31))

	events := fixtureEvents(1000, day(2023, time.January, 1), day(2023, time.January, 15))
	require.NoError(t, backend.PersistEvents(context.Background(), events))

	a, err := fixtureBuilder(backend, delegate, clock).Build(context.Background())
	require.NoError(t, err)

	jan := keystone.MonthInterval(day(2023, time.January, 14))
	require.EqualValues(t, 1000, count(t, a, "All Event Count", jan))
	require.EqualValues(t, 500, count(t, a, "numericEvent Count", jan))
	require.EqualValues(t, 500, count(t, a, "textEvent Count", jan))

	// Numeric sums against an independent reduction.
	var sumA, sumB float64
	for _, e := range events {
		if n, ok := e.Value("numericValueA").Number(); ok {
			sumA += n
		}
		if n, ok := e.Value("numericValueB").Number(); ok {
			sumB += n
		}
	}
	statsA, err := a.FindAggregator(context.Background(), "numericValueA Stats", jan)
	require.NoError(t, err)
	require.InDelta(t, sumA, statsA.(*keystone.NumericStatsAggregator).Sum, 1e-9)
	require.InDelta(t, sumA/500, statsA.(*keystone.NumericStatsAggregator).Average(), 1e-3)

	statsB, err := a.FindAggregator(context.Background(), "numericValueB Stats", jan)
	require.NoError(t, err)
	require.InDelta(t, sumB, statsB.(*keystone.NumericStatsAggregator).Sum, 1e-9)

	// Per-group counts: five groups over the odd events.
	groups, err := a.FindAggregator(context.Background(), "textValueA Count By Group", jan)
	require.NoError(t, err)
	byGroup := groups.(*keystone.CountingByGroupAggregator)
	var grouped uint64
	for _, v := range byGroup.GroupValues() {
		grouped += byGroup.Count(v)
	}
	require.EqualValues(t, 500, grouped)

	// Count-by-date keys are exactly the 14 day-starts in the range.
	byDate, err := a.FindAggregator(context.Background(), "textValueB Count By Date", jan)
	require.NoError(t, err)
	starts := byDate.(*keystone.CountingByDateAggregator).BucketStarts()
	require.Len(t, starts, 14)
	for i, s := range starts {
		require.Equal(t, day(2023, time.January, 1+i), s)
	}
}

func TestScenarioReloadStability(t *testing.T) {
	backend := keystone.NewMemoryBackend()
	delegate := keystone.NewMemoryDelegate()
	clock := keystone.NewFixedClock(day(2023, time.January, 31))

	events := fixtureEvents(1000, day(2023, time.January, 1), day(2023, time.January, 15))
	require.NoError(t, backend.PersistEvents(context.Background(), events))

	_, err := fixtureBuilder(backend, delegate, clock).Build(context.Background())
	require.NoError(t, err)

	// Build a second time against the same delegate.
	a, err := fixtureBuilder(backend, delegate, clock).Build(context.Background())
	require.NoError(t, err)

	jan := keystone.MonthInterval(day(2023, time.January, 14))
	require.EqualValues(t, 1000, count(t, a, "All Event Count", jan))
	require.EqualValues(t, 500, count(t, a, "numericEvent Count", jan))

	statsA, err := a.FindAggregator(context.Background(), "numericValueA Stats", jan)
	require.NoError(t, err)
	require.EqualValues(t, 500, statsA.(*keystone.NumericStatsAggregator).ValueCount)
}

func TestScenarioNewAggregatorBackfill(t *testing.T) {
	backend := keystone.NewMemoryBackend()
	delegate := keystone.NewMemoryDelegate()
	clock := keystone.NewFixedClock(day(2023, time.January, 31))

	events := fixtureEvents(1000, day(2023, time.January, 1), day(2023, time.January, 15))
	require.NoError(t, backend.PersistEvents(context.Background(), events))

	_, err := fixtureBuilder(backend, delegate, clock).Build(context.Background())
	require.NoError(t, err)

	b := fixtureBuilder(backend, delegate, clock)
	b.RegisterAllEventsAggregator(keystone.AggregatorSpec{
		ID:  "All Event Count 2",
		New: func() keystone.Aggregator { return keystone.NewCounting() },
	})
	a, err := b.Build(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 1000, count(t, a, "All Event Count", keystone.AllTime()))
	require.EqualValues(t, 1000, count(t, a, "All Event Count 2", keystone.AllTime()))
}

func TestScenarioSplitIngest(t *testing.T) {
	backend := keystone.NewMemoryBackend()
	delegate := keystone.NewMemoryDelegate()
	split := time.Date(2023, time.January, 7, 23, 59, 59, 0, time.UTC)

	all := fixtureEvents(1000, day(2023, time.January, 1), day(2023, time.January, 15))
	var early, late []*keystone.Event
	for _, e := range all {
		if e.Timestamp.After(split) {
			late = append(late, e)
		} else {
			early = append(early, e)
		}
	}
	require.NoError(t, backend.PersistEvents(context.Background(), early))

	clock := keystone.NewFixedClock(split)
	a, err := fixtureBuilder(backend, delegate, clock).Build(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, len(early), count(t, a, "All Event Count", keystone.AllTime()))

	require.NoError(t, backend.PersistEvents(context.Background(), late))
	clock.Set(time.Date(2023, time.January, 14, 23, 59, 59, 0, time.UTC))

	a, err = fixtureBuilder(backend, delegate, clock).Build(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1000, count(t, a, "All Event Count", keystone.AllTime()))

	jan := keystone.MonthInterval(day(2023, time.January, 14))
	statsA, err := a.FindAggregator(context.Background(), "numericValueA Stats", jan)
	require.NoError(t, err)

	var sumA float64
	for _, e := range all {
		if n, ok := e.Value("numericValueA").Number(); ok {
			sumA += n
		}
	}
	require.InDelta(t, sumA, statsA.(*keystone.NumericStatsAggregator).Sum, 1e-9)
}

func TestScenarioIntervalQueries(t *testing.T) {
	backend := keystone.NewMemoryBackend()
	delegate := keystone.NewMemoryDelegate()
	clock := keystone.NewFixedClock(time.Date(2023, time.February, 7, 23, 59, 59, 0, time.UTC))

	events := fixtureEvents(1000, day(2023, time.January, 25), day(2023, time.February, 8))
	require.NoError(t, backend.PersistEvents(context.Background(), events))

	a, err := fixtureBuilder(backend, delegate, clock).Build(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	feb := keystone.MonthInterval(day(2023, time.February, 7))
	jan := keystone.MonthInterval(day(2023, time.January, 25))
	dec := keystone.MonthBefore(jan)

	febList, err := a.Events(ctx, feb)
	require.NoError(t, err)
	require.Len(t, febList.Events, 500)

	janList, err := a.Events(ctx, jan)
	require.NoError(t, err)
	require.Len(t, janList.Events, 500)

	decList, err := a.Events(ctx, dec)
	require.NoError(t, err)
	require.Nil(t, decList)

	// Weekly counts proportional to days covered, within one event.
	for _, weekday := range []time.Time{day(2023, time.January, 26), day(2023, time.February, 2)} {
		week := keystone.WeekInterval(weekday, keystone.WeekStartsMonday)
		var expected uint64
		for _, e := range events {
			if week.Contains(e.Timestamp) {
				expected++
			}
		}
		got := count(t, a, "All Event Count", week)
		require.InDelta(t, expected, got, 1)
	}
}
