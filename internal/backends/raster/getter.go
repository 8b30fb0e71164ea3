package raster

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/spatial"
	"github.com/i474232898/envirodata/internal/stats"
)

// GetterConfig configures nearest-pixel reads from cached layers.
type GetterConfig struct {
	CachePath string            `mapstructure:"cache_path" validate:"required"`
	Variables map[string]string `mapstructure:"variables"`
	// EPSG overrides the CRS declared in the files.
	EPSG           int           `mapstructure:"epsg" validate:"gte=0"`
	TimeResolution time.Duration `mapstructure:"time_resolution" validate:"gt=0"`
}

func defaultGetterConfig() GetterConfig {
	return GetterConfig{TimeResolution: time.Hour}
}

type layer struct {
	grid *grid
	proj spatial.Projection
}

// Getter samples the pixel containing the location. Layers carry no time
// axis, so every instant reads the same value.
type Getter struct {
	cfg GetterConfig

	mu     sync.Mutex
	layers map[string]*layer
}

// NewGetter returns a Getter; layers are opened on first use.
func NewGetter(cfg GetterConfig) *Getter {
	return &Getter{cfg: cfg, layers: make(map[string]*layer)}
}

// TimeResolution implements environment.Getter.
func (g *Getter) TimeResolution() time.Duration { return g.cfg.TimeResolution }

// Sample implements environment.Getter. A variable without a cached layer
// is missing.
func (g *Getter) Sample(ctx context.Context, t time.Time, lon, lat float64, variable string) (environment.RawSample, error) {
	v, err := g.value(ctx, lon, lat, variable)
	return environment.RawSample{Time: t, Value: v}, err
}

// SampleRange implements environment.RangeSampler with a single pixel read.
func (g *Getter) SampleRange(ctx context.Context, start, end time.Time, lon, lat float64, variable string) ([]environment.RawSample, error) {
	v, err := g.value(ctx, lon, lat, variable)
	if err != nil {
		return nil, err
	}
	steps := environment.Steps(start, end, g.cfg.TimeResolution)
	out := make([]environment.RawSample, len(steps))
	for i, t := range steps {
		out[i] = environment.RawSample{Time: t, Value: v}
	}
	return out, nil
}

func (g *Getter) value(ctx context.Context, lon, lat float64, variable string) (float64, error) {
	name := variable
	if mapped, ok := g.cfg.Variables[variable]; ok {
		name = mapped
	}
	l, err := g.layer(name)
	if err != nil {
		return stats.Missing(), err
	}
	if l == nil {
		zerolog.Ctx(ctx).Debug().Str("variable", variable).Msg("no cached raster layer")
		return stats.Missing(), nil
	}
	x, y := l.proj.Forward(lon, lat)
	return l.grid.at(x, y)
}

// layer returns the open layer, reopening it when the loader replaced the
// file. It returns nil when the file does not exist.
func (g *Getter) layer(name string) (*layer, error) {
	path := cachedPath(g.cfg.CachePath, name)
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.layers[name]; ok {
		if l.grid.modTime.Equal(fi.ModTime()) {
			return l, nil
		}
		l.grid.close()
		delete(g.layers, name)
	}

	gr, err := openGrid(path)
	if err != nil {
		return nil, err
	}
	code := g.cfg.EPSG
	if code == 0 {
		code = gr.crs
	}
	if code == 0 {
		gr.close()
		return nil, fmt.Errorf("%s: no CRS in file, set epsg", path)
	}
	proj, err := spatial.ByEPSG(code)
	if err != nil {
		gr.close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	l := &layer{grid: gr, proj: proj}
	g.layers[name] = l
	return l, nil
}

// Close closes every open layer.
func (g *Getter) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for name, l := range g.layers {
		errs = append(errs, l.grid.close())
		delete(g.layers, name)
	}
	return errors.Join(errs...)
}
