package environment

import (
	"context"
	"fmt"
	"time"

	"github.com/i474232898/envirodata/internal/stats"
)

// Aggregate computes every statistic of v at instant for (lon, lat).
// All windows are read with one range sample over their union; each
// statistic then sees only the samples inside its own window, on the
// location's local wall clock.
func Aggregate(ctx context.Context, g Getter, instant time.Time, lon, lat float64, loc *time.Location, v Variable) (Statistics, error) {
	if instant.IsZero() {
		return nil, ErrInvalidInstant
	}
	if loc == nil {
		return nil, fmt.Errorf("aggregate %s: no timezone", v.Name)
	}
	instant = instant.UTC()

	out := make(Statistics, len(v.Statistics))
	if len(v.Statistics) == 0 {
		return out, nil
	}

	windows := make([]Window, len(v.Statistics))
	for i, s := range v.Statistics {
		windows[i] = StatisticWindow(s, instant, loc)
	}
	union := Union(windows...)
	start := alignTo(union.Start, instant, g.TimeResolution())

	samples, err := SampleRange(ctx, g, start, union.End, lon, lat, v.Name)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", v.Name, err)
	}

	for i, s := range v.Statistics {
		local := make([]stats.Sample, 0, len(samples))
		for _, rs := range samples {
			if windows[i].Contains(rs.Time) {
				local = append(local, stats.Sample{Time: naive(rs.Time, loc), Value: rs.Value})
			}
		}
		if stats.AllMissing(local) {
			out[s.Name] = stats.Value(stats.Missing())
			continue
		}
		out[s.Name] = stats.Value(s.Func(local))
	}
	return out, nil
}
