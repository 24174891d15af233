package keystone

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// KeywordExtractor populates raw keywords for an event. The default
// extractor inserts every Text value in the payload.
type KeywordExtractor func(e *Event, keywords map[string]struct{})

// defaultKeywords walks the payload and inserts each Text value.
func defaultKeywords(e *Event, keywords map[string]struct{}) {
	for _, v := range e.Data {
		if s, ok := v.Text(); ok {
			keywords[s] = struct{}{}
		}
	}
}

// tokenize lowercases a raw keyword and segments it at word
// boundaries; every letter-or-digit run is one token.
func tokenize(raw string) []string {
	return strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// SearchIndex maps keyword tokens to the ids of the events that carry
// them, over one interval.
type SearchIndex struct {
	Interval Interval
	Keywords map[string]map[uuid.UUID]struct{}
}

// NewSearchIndex returns an empty index covering an interval.
func NewSearchIndex(interval Interval) *SearchIndex {
	return &SearchIndex{
		Interval: interval,
		Keywords: make(map[string]map[uuid.UUID]struct{}),
	}
}

// AddEvent extracts, tokenizes, and indexes an event's keywords.
func (idx *SearchIndex) AddEvent(e *Event, extractor KeywordExtractor) {
	if extractor == nil {
		extractor = defaultKeywords
	}
	raw := make(map[string]struct{})
	extractor(e, raw)

	for keyword := range raw {
		for _, token := range tokenize(keyword) {
			ids, ok := idx.Keywords[token]
			if !ok {
				ids = make(map[uuid.UUID]struct{})
				idx.Keywords[token] = ids
			}
			ids[e.ID] = struct{}{}
		}
	}
}

// Matches reports whether the event with id matches the query: every
// query word must prefix-match some token whose posting set contains
// the id. The empty query matches everything.
func (idx *SearchIndex) Matches(query string, id uuid.UUID) bool {
	words := tokenize(query)
	if len(words) == 0 {
		return true
	}
	for _, w := range words {
		if !idx.wordMatches(w, id) {
			return false
		}
	}
	return true
}

func (idx *SearchIndex) wordMatches(word string, id uuid.UUID) bool {
	for token, ids := range idx.Keywords {
		if !strings.HasPrefix(token, word) {
			continue
		}
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

// merge unions another index's postings into this one, restricted to
// the allowed event ids. NewEventList does not call it; it re-extracts
// keywords from the list's events.
func (idx *SearchIndex) merge(other *SearchIndex, allowed map[uuid.UUID]struct{}) {
	for token, ids := range other.Keywords {
		for id := range ids {
			if _, ok := allowed[id]; !ok {
				continue
			}
			dst, ok := idx.Keywords[token]
			if !ok {
				dst = make(map[uuid.UUID]struct{})
				idx.Keywords[token] = dst
			}
			dst[id] = struct{}{}
		}
	}
}

// searchIndexJSON is the persisted shape: token → sorted id strings.
type searchIndexJSON struct {
	Interval Interval            `json:"interval"`
	Keywords map[string][]string `json:"keywords"`
}

// MarshalJSON encodes postings as sorted id lists for a deterministic
// artifact.
func (idx *SearchIndex) MarshalJSON() ([]byte, error) {
	out := searchIndexJSON{
		Interval: idx.Interval,
		Keywords: make(map[string][]string, len(idx.Keywords)),
	}
	for token, ids := range idx.Keywords {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id.String())
		}
		sort.Strings(list)
		out.Keywords[token] = list
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (idx *SearchIndex) UnmarshalJSON(data []byte) error {
	var raw searchIndexJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	idx.Interval = raw.Interval
	idx.Keywords = make(map[string]map[uuid.UUID]struct{}, len(raw.Keywords))
	for token, list := range raw.Keywords {
		ids := make(map[uuid.UUID]struct{}, len(list))
		for _, s := range list {
			id, err := uuid.Parse(s)
			if err != nil {
				return err
			}
			ids[id] = struct{}{}
		}
		idx.Keywords[token] = ids
	}
	return nil
}

// EventList is a retrieved, sorted slice of events over an interval
// with the keyword index covering them.
type EventList struct {
	Interval Interval
	Events   []*Event
	Index    *SearchIndex
}

// NewEventList indexes events over an interval. The events are
// assumed sorted by timestamp.
func NewEventList(interval Interval, events []*Event, extractor KeywordExtractor) *EventList {
	idx := NewSearchIndex(interval)
	for _, e := range events {
		idx.AddEvent(e, extractor)
	}
	return &EventList{Interval: interval, Events: events, Index: idx}
}

// Extend appends events whose timestamps lie outside the list's
// interval; only the truly new events are re-keyworded.
func (l *EventList) Extend(events []*Event, extractor KeywordExtractor) {
	for _, e := range events {
		if l.Interval.Contains(e.Timestamp) {
			continue
		}
		l.Events = append(l.Events, e)
		l.Index.AddEvent(e, extractor)
		l.Interval = l.Interval.Expand(e.Timestamp)
		l.Index.Interval = l.Interval
	}
	SortEventsByTimestamp(l.Events)
}

// Filter returns the events matching a keyword query. The empty query
// returns every event.
func (l *EventList) Filter(query string) []*Event {
	if len(tokenize(query)) == 0 {
		return l.Events
	}
	var out []*Event
	for _, e := range l.Events {
		if l.Index.Matches(query, e.ID) {
			out = append(out, e)
		}
	}
	return out
}
