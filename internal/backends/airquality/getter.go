package airquality

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/stats"
)

// Datasets overlap in time; the archive is preferred over verified data,
// which is preferred over the unverified up-to-date stream.
var Datasets = []environment.Dataset{
	{Name: "archived", Priority: 3},
	{Name: "verified", Priority: 2},
	{Name: "uptodate", Priority: 1},
}

// GetterConfig configures reads from the archive.
type GetterConfig struct {
	CachePath      string            `mapstructure:"cache_path" validate:"required"`
	Variables      map[string]string `mapstructure:"variables"`
	TimeResolution time.Duration     `mapstructure:"time_resolution" validate:"gt=0"`
}

func defaultGetterConfig() GetterConfig {
	return GetterConfig{TimeResolution: time.Hour}
}

// Getter answers from the nearest sampling point of a pollutant, taking the
// whole window from the best dataset that covers it.
type Getter struct {
	cfg     GetterConfig
	archive *Archive
}

// NewGetter opens the archive under cfg.CachePath.
func NewGetter(cfg GetterConfig) (*Getter, error) {
	a, err := OpenArchive(cfg.CachePath)
	if err != nil {
		return nil, err
	}
	return &Getter{cfg: cfg, archive: a}, nil
}

// Close releases the archive.
func (g *Getter) Close() error { return g.archive.Close() }

// TimeResolution implements environment.Getter.
func (g *Getter) TimeResolution() time.Duration { return g.cfg.TimeResolution }

// Sample implements environment.Getter.
func (g *Getter) Sample(ctx context.Context, t time.Time, lon, lat float64, variable string) (environment.RawSample, error) {
	out, err := g.SampleRange(ctx, t, t, lon, lat, variable)
	if err != nil || len(out) == 0 {
		return environment.RawSample{Time: t, Value: stats.Missing()}, err
	}
	return out[0], nil
}

// SampleRange implements environment.RangeSampler.
func (g *Getter) SampleRange(ctx context.Context, start, end time.Time, lon, lat float64, variable string) ([]environment.RawSample, error) {
	steps := environment.Steps(start, end, g.cfg.TimeResolution)
	out := make([]environment.RawSample, len(steps))
	for i, t := range steps {
		out[i] = environment.RawSample{Time: t, Value: stats.Missing()}
	}

	pollutant := variable
	if mapped, ok := g.cfg.Variables[variable]; ok {
		pollutant = mapped
	}
	sp, found, err := g.archive.NearestSamplingPoint(ctx, pollutant, lon, lat, end)
	if err != nil {
		return nil, err
	}
	if !found {
		return out, nil
	}
	files, err := g.archive.Files(ctx, sp.ID)
	if err != nil {
		return nil, err
	}

	records := make(map[string][]Record)
	res, err := environment.ResolveProvenance(ctx, Datasets, start, end,
		func(ctx context.Context, d environment.Dataset, start, end time.Time) ([]environment.RawSample, error) {
			recs, err := g.archive.Records(ctx, files[d.Name], start, end)
			if err != nil {
				return nil, err
			}
			records[d.Name] = recs
			samples := make([]environment.RawSample, len(recs))
			for i, r := range recs {
				samples[i] = environment.RawSample{Time: r.Start, Value: r.Value}
			}
			return samples, nil
		})
	if err != nil {
		return nil, err
	}
	if res.Dataset == "" {
		return out, nil
	}
	zerolog.Ctx(ctx).Debug().
		Str("sampling_point", sp.ID).
		Str("dataset", res.Dataset).
		Int("records", len(res.Samples)).
		Msg("air quality series resolved")

	recs := records[res.Dataset]
	for i, t := range steps {
		if r, ok := containing(recs, t); ok {
			out[i].Value = r.Value
		}
	}
	return out, nil
}

// containing returns the record whose [Start, End) holds t. recs are ordered
// by Start.
func containing(recs []Record, t time.Time) (Record, bool) {
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Start.After(t) })
	if i == 0 {
		return Record{}, false
	}
	r := recs[i-1]
	if !t.Before(r.End) {
		return Record{}, false
	}
	return r, true
}
