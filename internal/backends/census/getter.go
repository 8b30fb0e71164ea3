package census

import (
	"context"
	"time"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/stats"
)

// GetterConfig configures reads from the census database.
type GetterConfig struct {
	DBURL      string            `mapstructure:"db_url" validate:"required"`
	Resolution int               `mapstructure:"resolution" validate:"gt=0"`
	Variables  map[string]string `mapstructure:"variables"`
}

func defaultGetterConfig() GetterConfig {
	return GetterConfig{Resolution: 100}
}

// Getter answers with the value of the grid cell containing the point. The
// census does not change over time.
type Getter struct {
	cfg   GetterConfig
	store *Store
}

// NewGetter opens the census database.
func NewGetter(cfg GetterConfig) (*Getter, error) {
	store, err := OpenStore(cfg.DBURL)
	if err != nil {
		return nil, err
	}
	return &Getter{cfg: cfg, store: store}, nil
}

// Close closes the database.
func (g *Getter) Close() error { return g.store.Close() }

// TimeResolution implements environment.Getter.
func (g *Getter) TimeResolution() time.Duration { return 24 * time.Hour }

// Sample implements environment.Getter.
func (g *Getter) Sample(ctx context.Context, t time.Time, lon, lat float64, variable string) (environment.RawSample, error) {
	column := variable
	if mapped, ok := g.cfg.Variables[variable]; ok {
		column = mapped
	}
	v, found, err := g.store.Value(ctx, GridID(lon, lat, g.cfg.Resolution), column)
	if err != nil {
		return environment.RawSample{Time: t, Value: stats.Missing()}, err
	}
	if !found {
		v = stats.Missing()
	}
	return environment.RawSample{Time: t, Value: v}, nil
}
