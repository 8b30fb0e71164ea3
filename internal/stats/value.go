package stats

import (
	"encoding/json"
	"math"
	"time"
)

// Missing returns the sentinel used for absent data points.
func Missing() float64 { return math.NaN() }

// IsMissing reports whether v is the Missing sentinel. Zero and infinities
// are values.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// Sample is a single timestamped observation. Aggregation receives samples
// whose Time holds the location-local wall clock expressed in UTC.
type Sample struct {
	Time  time.Time
	Value float64
}

// AllMissing reports whether no sample carries a value.
func AllMissing(samples []Sample) bool {
	for _, s := range samples {
		if !IsMissing(s.Value) {
			return false
		}
	}
	return true
}

// Value is a statistic result that encodes missing data as JSON null.
type Value float64

const (
	posInf = `"+Inf"`
	negInf = `"-Inf"`
)

// MarshalJSON implements json.Marshaler. Missing encodes as null; JSON has
// no infinities, so they encode as the strings "+Inf" and "-Inf".
func (v Value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	switch {
	case IsMissing(f):
		return []byte("null"), nil
	case math.IsInf(f, 1):
		return []byte(posInf), nil
	case math.IsInf(f, -1):
		return []byte(negInf), nil
	}
	return json.Marshal(f)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "null":
		*v = Value(Missing())
		return nil
	case posInf:
		*v = Value(math.Inf(1))
		return nil
	case negInf:
		*v = Value(math.Inf(-1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Value(f)
	return nil
}

// Float returns the underlying float64.
func (v Value) Float() float64 { return float64(v) }
