package stations

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/stats"
)

// GetterConfig configures reads from the station cache.
type GetterConfig struct {
	DBPath         string            `mapstructure:"db_path" validate:"required"`
	Variables      map[string]string `mapstructure:"variables" validate:"required,min=1"`
	TimeBuffer     time.Duration     `mapstructure:"time_buffer" validate:"gte=0"`
	TimeResolution time.Duration     `mapstructure:"time_resolution" validate:"gt=0"`
	MaxStations    int               `mapstructure:"max_stations" validate:"gt=0"`
}

func defaultGetterConfig() GetterConfig {
	return GetterConfig{
		TimeBuffer:     time.Hour,
		TimeResolution: time.Hour,
		MaxStations:    20,
	}
}

// Getter answers from the nearest station that has a value close enough in
// time.
type Getter struct {
	cfg   GetterConfig
	cache *Cache
}

// NewGetter opens the cache.
func NewGetter(cfg GetterConfig) (*Getter, error) {
	cache, err := OpenCache(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &Getter{cfg: cfg, cache: cache}, nil
}

// Close closes the cache.
func (g *Getter) Close() error { return g.cache.Close() }

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

// SampleRange implements environment.RangeSampler. The candidate stations
// are ranked once for the whole range.
func (g *Getter) SampleRange(ctx context.Context, start, end time.Time, lon, lat float64, variable string) ([]environment.RawSample, error) {
	steps := environment.Steps(start, end, g.cfg.TimeResolution)
	out := make([]environment.RawSample, len(steps))
	for i, t := range steps {
		out[i] = environment.RawSample{Time: t, Value: stats.Missing()}
	}

	param, ok := g.cfg.Variables[variable]
	if !ok {
		zerolog.Ctx(ctx).Warn().Str("variable", variable).Msg("variable not mapped to a station parameter")
		return out, nil
	}
	candidates, err := g.cache.NearestStations(ctx, param, lon, lat, g.cfg.MaxStations)
	if err != nil {
		return nil, err
	}

	for i, t := range steps {
		for _, s := range candidates {
			obs, found, err := g.cache.Nearest(ctx, s.ID, param, t, g.cfg.TimeBuffer)
			if err != nil {
				return nil, err
			}
			if found {
				out[i].Value = obs.Value
				break
			}
		}
	}
	return out, nil
}
