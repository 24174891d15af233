package keystone

import (
	"encoding/json"
	"fmt"
	"time"
)

// All bucket math happens in a fixed reference time zone (UTC). A
// normalized interval is either the calendar month containing some
// instant, or the fixed all-time sentinel.

// WeekAnchor selects which weekday starts a week.
type WeekAnchor int

const (
	WeekStartsMonday WeekAnchor = iota
	WeekStartsSunday
)

// allTimeYears is the span of the all-time sentinel interval.
const allTimeYears = 300

// referenceEpoch anchors the all-time sentinel and all encoded
// timestamps.
var referenceEpoch = time.Unix(0, 0).UTC()

// Interval is a closed time range [Start, End].
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval builds an interval, normalizing both bounds to UTC.
func NewInterval(start, end time.Time) Interval {
	return Interval{Start: start.UTC(), End: end.UTC()}
}

// Contains reports whether t lies within the interval, inclusive.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && !t.After(i.End)
}

// ContainsInterval reports whether other lies entirely within i.
func (i Interval) ContainsInterval(other Interval) bool {
	return i.Contains(other.Start) && i.Contains(other.End)
}

// Duration returns End - Start.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Equal reports whether both bounds are the same instants.
func (i Interval) Equal(other Interval) bool {
	return i.Start.Equal(other.Start) && i.End.Equal(other.End)
}

// Expand grows the interval to cover t.
func (i Interval) Expand(t time.Time) Interval {
	t = t.UTC()
	if t.Before(i.Start) {
		i.Start = t
	}
	if t.After(i.End) {
		i.End = t
	}
	return i
}

// KeySuffix renders the interval bounds for persisted keys:
// YYYYMMDD-YYYYMMDD, zero-padded, UTC calendar.
func (i Interval) KeySuffix() string {
	return fmt.Sprintf("%s-%s", i.Start.UTC().Format("20060102"), i.End.UTC().Format("20060102"))
}

// cacheKey identifies the interval exactly, for in-memory maps. The
// KeySuffix day format would alias ad-hoc intervals sharing days.
func (i Interval) cacheKey() string {
	return fmt.Sprintf("%d-%d", i.Start.Unix(), i.End.Unix())
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s]", i.Start.UTC().Format(time.RFC3339), i.End.UTC().Format(time.RFC3339))
}

// MarshalJSON encodes bounds as epoch seconds.
func (i Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]float64{
		"start": epochSeconds(i.Start),
		"end":   epochSeconds(i.End),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (i *Interval) UnmarshalJSON(data []byte) error {
	var raw struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	i.Start = timeFromEpochSeconds(raw.Start)
	i.End = timeFromEpochSeconds(raw.End)
	return nil
}

// StartOfDay returns midnight UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last second of the day containing t.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Second)
}

// StartOfWeek returns midnight UTC of the anchor weekday at or before t.
func StartOfWeek(t time.Time, anchor WeekAnchor) time.Time {
	day := StartOfDay(t)
	anchorDay := time.Monday
	if anchor == WeekStartsSunday {
		anchorDay = time.Sunday
	}
	offset := (int(day.Weekday()) - int(anchorDay) + 7) % 7
	return day.AddDate(0, 0, -offset)
}

// EndOfWeek returns start-of-week plus seven days minus one second.
func EndOfWeek(t time.Time, anchor WeekAnchor) time.Time {
	return StartOfWeek(t, anchor).AddDate(0, 0, 7).Add(-time.Second)
}

// StartOfMonth returns midnight UTC on the first of the month containing t.
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EndOfMonth returns start-of-next-month minus one second.
func EndOfMonth(t time.Time) time.Time {
	return StartOfMonth(t).AddDate(0, 1, 0).Add(-time.Second)
}

// StartOfYear returns midnight UTC on January 1 of the year containing t.
func StartOfYear(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
}

// EndOfYear returns the last second of the year containing t.
func EndOfYear(t time.Time) time.Time {
	return StartOfYear(t).AddDate(1, 0, 0).Add(-time.Second)
}

// StartOfHour truncates t to the hour.
func StartOfHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// DayInterval is the calendar day containing t.
func DayInterval(t time.Time) Interval {
	return Interval{Start: StartOfDay(t), End: EndOfDay(t)}
}

// WeekInterval is the calendar week containing t.
func WeekInterval(t time.Time, anchor WeekAnchor) Interval {
	return Interval{Start: StartOfWeek(t, anchor), End: EndOfWeek(t, anchor)}
}

// MonthInterval is the calendar month containing t.
func MonthInterval(t time.Time) Interval {
	return Interval{Start: StartOfMonth(t), End: EndOfMonth(t)}
}

// YearInterval is the calendar year containing t.
func YearInterval(t time.Time) Interval {
	return Interval{Start: StartOfYear(t), End: EndOfYear(t)}
}

// MonthBefore is the calendar month immediately preceding i.
func MonthBefore(i Interval) Interval {
	return MonthInterval(i.Start.AddDate(0, 0, -1))
}

// MonthAfter is the calendar month immediately following i.
func MonthAfter(i Interval) Interval {
	return MonthInterval(i.End.Add(time.Second))
}

// AllTime is the sentinel interval spanning 300 years from the
// reference epoch. The accumulated (all-time) state bucket lives here.
func AllTime() Interval {
	return Interval{
		Start: referenceEpoch,
		End:   referenceEpoch.AddDate(allTimeYears, 0, 0),
	}
}

// IsNormalized reports whether i is a calendar month or the all-time
// sentinel. Only normalized intervals are persisted.
func IsNormalized(i Interval) bool {
	return i.Equal(MonthInterval(i.Start)) || i.Equal(AllTime())
}
