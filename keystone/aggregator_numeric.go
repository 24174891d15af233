package keystone

import (
	"encoding/json"
	"math"
)

// NumericStatsAggregator maintains count, sum, and running mean and
// variance over the Number values of its column, using Welford's
// recurrence. Non-numeric or missing values are discarded.
type NumericStatsAggregator struct {
	ValueCount uint64
	Sum        float64
	Mean       float64
	// m2 is the running sum of squared deviations (Welford's S_k).
	m2 float64
}

// NewNumericStats returns an empty numeric stats aggregator.
func NewNumericStats() *NumericStatsAggregator { return &NumericStatsAggregator{} }

func (a *NumericStatsAggregator) AddEvent(e *Event, column *EventColumn) AddResult {
	if column == nil {
		return Discard()
	}
	x, ok := e.Value(column.Name).Number()
	if !ok {
		return Discard()
	}

	a.ValueCount++
	a.Sum += x
	delta := x - a.Mean
	a.Mean += delta / float64(a.ValueCount)
	a.m2 += delta * (x - a.Mean)
	return Keep()
}

// Average returns the running mean, 0 for an empty aggregator.
func (a *NumericStatsAggregator) Average() float64 { return a.Mean }

// Variance returns the population variance S_k / k.
func (a *NumericStatsAggregator) Variance() float64 {
	if a.ValueCount == 0 {
		return 0
	}
	return a.m2 / float64(a.ValueCount)
}

// StdDev returns the square root of the variance.
func (a *NumericStatsAggregator) StdDev() float64 {
	return math.Sqrt(a.Variance())
}

type numericStatsJSON struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

func (a *NumericStatsAggregator) Encode() ([]byte, error) {
	return json.Marshal(numericStatsJSON{
		Count: a.ValueCount,
		Sum:   a.Sum,
		Mean:  a.Mean,
		M2:    a.m2,
	})
}

func (a *NumericStatsAggregator) Decode(data []byte) error {
	var raw numericStatsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.ValueCount = raw.Count
	a.Sum = raw.Sum
	a.Mean = raw.Mean
	a.m2 = raw.M2
	return nil
}

func (a *NumericStatsAggregator) Reset() {
	*a = NumericStatsAggregator{}
}

func (a *NumericStatsAggregator) Next() Aggregator { return nil }
