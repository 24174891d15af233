package keystone

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTokenize(t *testing.T) {
	got := tokenize("The quick, brown FOX!")
	want := []string{"the", "quick", "brown", "fox"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}

	if len(tokenize("  \t ")) != 0 {
		t.Error("whitespace-only input must yield no tokens")
	}
	// Punctuation splits digit runs too.
	nums := tokenize("release 1.10")
	if len(nums) != 3 || nums[1] != "1" || nums[2] != "10" {
		t.Errorf("numeric tokens = %v", nums)
	}
}

func TestSearchIndexPrefixPredicate(t *testing.T) {
	month := MonthInterval(date(2023, time.January, 1, 0, 0, 0))
	idx := NewSearchIndex(month)

	e := testEvent("notes", date(2023, time.January, 5, 0, 0, 0),
		map[string]Value{"body": Text("The quick brown fox"), "score": Number(3)})
	idx.AddEvent(e, nil)

	if !idx.Matches("fox", e.ID) {
		t.Error("exact token must match")
	}
	if !idx.Matches("qui", e.ID) {
		t.Error("prefix must match")
	}
	if !idx.Matches("quick brown", e.ID) {
		t.Error("every word matching must pass")
	}
	if idx.Matches("quick missing", e.ID) {
		t.Error("one unmatched word must fail")
	}
	if !idx.Matches("", e.ID) {
		t.Error("empty query matches everything")
	}
	if idx.Matches("3", e.ID) {
		t.Error("non-text values must not be indexed by default")
	}
}

func TestSearchIndexCustomExtractor(t *testing.T) {
	month := MonthInterval(date(2023, time.January, 1, 0, 0, 0))
	idx := NewSearchIndex(month)

	extractor := func(e *Event, keywords map[string]struct{}) {
		keywords[e.Category] = struct{}{}
	}
	e := testEvent("signup", date(2023, time.January, 5, 0, 0, 0),
		map[string]Value{"body": Text("ignored text")})
	idx.AddEvent(e, extractor)

	if !idx.Matches("signup", e.ID) {
		t.Error("extractor keyword must match")
	}
	if idx.Matches("ignored", e.ID) {
		t.Error("default extraction must be bypassed")
	}
}

func TestSearchIndexJSONRoundTrip(t *testing.T) {
	month := MonthInterval(date(2023, time.January, 1, 0, 0, 0))
	idx := NewSearchIndex(month)
	e1 := testEvent("notes", date(2023, time.January, 5, 0, 0, 0), map[string]Value{"b": Text("alpha beta")})
	e2 := testEvent("notes", date(2023, time.January, 6, 0, 0, 0), map[string]Value{"b": Text("beta gamma")})
	idx.AddEvent(e1, nil)
	idx.AddEvent(e2, nil)

	data, err := json.Marshal(idx)
	if err != nil {
		t.Fatal(err)
	}
	back := &SearchIndex{}
	if err := json.Unmarshal(data, back); err != nil {
		t.Fatal(err)
	}

	if !back.Interval.Equal(month) {
		t.Error("interval lost")
	}
	if !back.Matches("alpha", e1.ID) || back.Matches("alpha", e2.ID) {
		t.Error("postings lost in round trip")
	}
	if !back.Matches("beta", e1.ID) || !back.Matches("beta", e2.ID) {
		t.Error("shared token lost in round trip")
	}
}

func TestEventListFilterAndExtend(t *testing.T) {
	week := NewInterval(date(2023, time.January, 2, 0, 0, 0), date(2023, time.January, 8, 23, 59, 59))
	e1 := testEvent("notes", date(2023, time.January, 3, 0, 0, 0), map[string]Value{"b": Text("hello world")})
	e2 := testEvent("notes", date(2023, time.January, 4, 0, 0, 0), map[string]Value{"b": Text("goodbye world")})
	list := NewEventList(week, []*Event{e1, e2}, nil)

	if got := list.Filter("hello"); len(got) != 1 || got[0].ID != e1.ID {
		t.Error("filter by unique word wrong")
	}
	if got := list.Filter("world"); len(got) != 2 {
		t.Error("filter by shared word wrong")
	}
	if got := list.Filter(""); len(got) != 2 {
		t.Error("empty query must return everything")
	}
	if got := list.Filter("xxx"); len(got) != 0 {
		t.Error("unmatched query must return nothing")
	}

	// Extend with one event outside and one inside the old interval;
	// only the outside one is new.
	inside := testEvent("notes", date(2023, time.January, 5, 0, 0, 0), map[string]Value{"b": Text("again")})
	outside := testEvent("notes", date(2023, time.January, 10, 0, 0, 0), map[string]Value{"b": Text("fresh news")})
	list.Extend([]*Event{inside, outside}, nil)

	if len(list.Events) != 3 {
		t.Fatalf("extended list has %d events, want 3", len(list.Events))
	}
	if got := list.Filter("fresh"); len(got) != 1 || got[0].ID != outside.ID {
		t.Error("extended event must be searchable")
	}
	if !list.Interval.Contains(outside.Timestamp) {
		t.Error("interval must grow to cover extension")
	}
}

func TestSearchMonotonicity(t *testing.T) {
	// A superset list restricted to the same event keeps matching.
	day := DayInterval(date(2023, time.January, 3, 0, 0, 0))
	e := testEvent("notes", date(2023, time.January, 3, 10, 0, 0), map[string]Value{"b": Text("rare keyword")})
	small := NewEventList(day, []*Event{e}, nil)

	week := WeekInterval(e.Timestamp, WeekStartsMonday)
	other := testEvent("notes", date(2023, time.January, 4, 10, 0, 0), map[string]Value{"b": Text("filler")})
	big := NewEventList(week, []*Event{e, other}, nil)

	if !small.Index.Matches("rare", e.ID) {
		t.Fatal("query must match in the small list")
	}
	if !big.Index.Matches("rare", e.ID) {
		t.Error("query must still match in the superset list")
	}
}
