package keystone

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/keystonehq/keystone-go/keystone/codec"
)

// ValueKind discriminates the variants of a Value.
type ValueKind uint8

const (
	KindAbsent ValueKind = iota
	KindBool
	KindNumber
	KindDate
	KindText
	KindOpaque
)

// String returns the variant name used in the JSON encoding.
func (k ValueKind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	case KindText:
		return "text"
	case KindOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged union carried in an event payload.
// The zero value is Absent.
type Value struct {
	kind   ValueKind
	num    float64
	text   string
	truth  bool
	date   time.Time
	opaque []byte
}

// Constructors for each variant.

func Absent() Value           { return Value{} }
func Bool(b bool) Value       { return Value{kind: KindBool, truth: b} }
func Number(f float64) Value  { return Value{kind: KindNumber, num: f} }
func Date(t time.Time) Value  { return Value{kind: KindDate, date: t.UTC()} }
func Text(s string) Value     { return Value{kind: KindText, text: s} }
func Opaque(b []byte) Value   { return Value{kind: KindOpaque, opaque: b} }
func Int(i int64) Value       { return Number(float64(i)) }

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsAbsent reports whether the value is the Absent variant.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Number returns the numeric payload; ok is false for other variants.
func (v Value) Number() (float64, bool) { return v.num, v.kind == KindNumber }

// Text returns the text payload; ok is false for other variants.
func (v Value) Text() (string, bool) { return v.text, v.kind == KindText }

// Bool returns the boolean payload; ok is false for other variants.
func (v Value) Bool() (bool, bool) { return v.truth, v.kind == KindBool }

// Date returns the date payload; ok is false for other variants.
func (v Value) Date() (time.Time, bool) { return v.date, v.kind == KindDate }

// Opaque returns the raw byte payload; ok is false for other variants.
func (v Value) Opaque() ([]byte, bool) { return v.opaque, v.kind == KindOpaque }

// Compare orders two values. Variants order by tag first
// (absent < bool < number < date < text < opaque), then by payload.
// The ordering is total, so values can key sorted structures.
func (v Value) Compare(other Value) int {
	if v.kind != other.kind {
		if v.kind < other.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindAbsent:
		return 0
	case KindBool:
		if v.truth == other.truth {
			return 0
		}
		if !v.truth {
			return -1
		}
		return 1
	case KindNumber:
		if v.num < other.num {
			return -1
		}
		if v.num > other.num {
			return 1
		}
		return 0
	case KindDate:
		if v.date.Before(other.date) {
			return -1
		}
		if v.date.After(other.date) {
			return 1
		}
		return 0
	case KindText:
		return strings.Compare(v.text, other.text)
	case KindOpaque:
		return strings.Compare(string(v.opaque), string(other.opaque))
	}
	return 0
}

// Equal reports whether two values have the same variant and payload.
func (v Value) Equal(other Value) bool {
	return v.Compare(other) == 0
}

// Key returns a deterministic string for keying maps by value.
// Distinct values produce distinct keys; Absent is its own key.
func (v Value) Key() string {
	switch v.kind {
	case KindAbsent:
		return "absent:"
	case KindBool:
		return "bool:" + strconv.FormatBool(v.truth)
	case KindNumber:
		return "number:" + strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindDate:
		return "date:" + strconv.FormatInt(v.date.UnixNano(), 10)
	case KindText:
		return "text:" + v.text
	case KindOpaque:
		return "opaque:" + codec.EncodeL85(v.opaque)
	}
	return ""
}

// String renders the value for logs and CLI output.
func (v Value) String() string {
	switch v.kind {
	case KindAbsent:
		return "<absent>"
	case KindBool:
		return strconv.FormatBool(v.truth)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindDate:
		return v.date.Format(time.RFC3339)
	case KindText:
		return v.text
	case KindOpaque:
		return fmt.Sprintf("opaque(%d bytes)", len(v.opaque))
	}
	return "<invalid>"
}

// MarshalJSON encodes the value as a single-key object whose key names
// the variant. Dates encode as seconds since the Unix epoch (double);
// opaque bytes use the L85 codec.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindAbsent:
		return []byte(`{"absent":true}`), nil
	case KindBool:
		return json.Marshal(map[string]bool{"bool": v.truth})
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("cannot encode non-finite number %v", v.num)
		}
		return json.Marshal(map[string]float64{"number": v.num})
	case KindDate:
		return json.Marshal(map[string]float64{"date": epochSeconds(v.date)})
	case KindText:
		return json.Marshal(map[string]string{"text": v.text})
	case KindOpaque:
		return json.Marshal(map[string]string{"opaque": codec.EncodeL85(v.opaque)})
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("value must be a single-key object: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("value must have exactly one variant key, got %d", len(raw))
	}
	for variant, payload := range raw {
		switch variant {
		case "absent":
			*v = Absent()
		case "bool":
			var b bool
			if err := json.Unmarshal(payload, &b); err != nil {
				return err
			}
			*v = Bool(b)
		case "number":
			var f float64
			if err := json.Unmarshal(payload, &f); err != nil {
				return err
			}
			*v = Number(f)
		case "date":
			var secs float64
			if err := json.Unmarshal(payload, &secs); err != nil {
				return err
			}
			*v = Date(timeFromEpochSeconds(secs))
		case "text":
			var s string
			if err := json.Unmarshal(payload, &s); err != nil {
				return err
			}
			*v = Text(s)
		case "opaque":
			var enc string
			if err := json.Unmarshal(payload, &enc); err != nil {
				return err
			}
			b, err := codec.DecodeL85(enc)
			if err != nil {
				return fmt.Errorf("bad opaque payload: %w", err)
			}
			*v = Opaque(b)
		default:
			return fmt.Errorf("unknown value variant %q", variant)
		}
	}
	return nil
}

// epochSeconds converts a time to seconds since the Unix epoch as a
// double, the wire representation for all timestamps.
// Whole seconds and the sub-second part are kept apart so instants
// outside the int64-nanosecond range (such as the all-time end) survive.
func epochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// timeFromEpochSeconds is the inverse of epochSeconds.
func timeFromEpochSeconds(secs float64) time.Time {
	whole := math.Floor(secs)
	nanos := int64(math.Round((secs - whole) * float64(time.Second)))
	return time.Unix(int64(whole), nanos).UTC()
}
