package environment

import (
	"context"
	"errors"
	"time"
)

// ErrPartialLoad is returned by loaders that skipped some units of work
// (days, files) after attempting all of them.
var ErrPartialLoad = errors.New("load incomplete")

// Loader populates a backend's local cache for a time range. Implementations
// must be idempotent: data already present is not fetched again.
type Loader interface {
	Load(ctx context.Context, start, end time.Time) error
}

// Getter reads point samples from a backend's cache.
type Getter interface {
	// TimeResolution is the step between consecutive samples.
	TimeResolution() time.Duration
	// Sample returns the value closest to t at (lon, lat). Points outside
	// the backend's coverage yield a missing value, not an error.
	Sample(ctx context.Context, t time.Time, lon, lat float64, variable string) (RawSample, error)
}

// RangeSampler is implemented by getters that can read a whole range in one
// pass. Results must match stepping through Sample at TimeResolution.
type RangeSampler interface {
	SampleRange(ctx context.Context, start, end time.Time, lon, lat float64, variable string) ([]RawSample, error)
}

// Steps returns start, start+res, ... up to and including end.
func Steps(start, end time.Time, res time.Duration) []time.Time {
	if res <= 0 || end.Before(start) {
		return nil
	}
	n := int(end.Sub(start)/res) + 1
	out := make([]time.Time, 0, n)
	for t := start; !t.After(end); t = t.Add(res) {
		out = append(out, t)
	}
	return out
}

// SampleRange samples [start, end] through g, using the getter's batch read
// when it offers one.
func SampleRange(ctx context.Context, g Getter, start, end time.Time, lon, lat float64, variable string) ([]RawSample, error) {
	if rs, ok := g.(RangeSampler); ok {
		return rs.SampleRange(ctx, start, end, lon, lat, variable)
	}

	steps := Steps(start, end, g.TimeResolution())
	out := make([]RawSample, 0, len(steps))
	for _, t := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := g.Sample(ctx, t, lon, lat, variable)
		if err != nil {
			return nil, err
		}
		s.Time = t
		out = append(out, s)
	}
	return out, nil
}
