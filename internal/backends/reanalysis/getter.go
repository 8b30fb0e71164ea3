package reanalysis

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/stats"
)

const (
	timeFromUnits     = "units"
	timeSinceAnalysis = "since_analysis"
)

// GetterConfig configures reads from cached daily files.
type GetterConfig struct {
	CachePattern      string            `mapstructure:"cache_pattern" validate:"required"`
	TimeCalculation   string            `mapstructure:"time_calculation" validate:"oneof=units since_analysis"`
	TimeVariable      string            `mapstructure:"time_variable" validate:"required"`
	LatitudeVariable  string            `mapstructure:"latitude_variable" validate:"required"`
	LongitudeVariable string            `mapstructure:"longitude_variable" validate:"required"`
	Variables         map[string]string `mapstructure:"variables" validate:"required,min=1"`
	TimeResolution    time.Duration     `mapstructure:"time_resolution" validate:"gt=0"`
	MaxOpenFiles      int               `mapstructure:"max_open_files" validate:"gt=0"`
}

func defaultGetterConfig() GetterConfig {
	return GetterConfig{
		TimeCalculation:   timeFromUnits,
		TimeVariable:      "time",
		LatitudeVariable:  "latitude",
		LongitudeVariable: "longitude",
		TimeResolution:    time.Hour,
		MaxOpenFiles:      8,
	}
}

// Getter samples the nearest grid cell and time step of the daily file that
// covers the requested instant.
type Getter struct {
	cfg GetterConfig

	mu    sync.Mutex
	open  map[string]*grid
	order []string
}

// NewGetter returns a Getter for cfg.
func NewGetter(cfg GetterConfig) *Getter {
	return &Getter{cfg: cfg, open: make(map[string]*grid)}
}

// TimeResolution implements environment.Getter.
func (g *Getter) TimeResolution() time.Duration { return g.cfg.TimeResolution }

// Sample implements environment.Getter.
func (g *Getter) Sample(ctx context.Context, t time.Time, lon, lat float64, variable string) (environment.RawSample, error) {
	missing := environment.RawSample{Time: t, Value: stats.Missing()}

	name, ok := g.cfg.Variables[variable]
	if !ok {
		zerolog.Ctx(ctx).Warn().Str("variable", variable).Msg("variable not mapped to a file variable")
		return missing, nil
	}

	day := utcDay(t)
	g.mu.Lock()
	defer g.mu.Unlock()

	gr, err := g.grid(day)
	if errors.Is(err, fs.ErrNotExist) {
		return missing, nil
	}
	if err != nil {
		return missing, err
	}

	ti := nearest(unixHours(gr.times), float64(t.Unix())/3600)
	if ti < 0 || absDuration(gr.times[ti].Sub(t)) > g.cfg.TimeResolution {
		return missing, nil
	}

	x, ok := cellIndex(gr.lons, normalizeLon(lon, gr.lons))
	if !ok {
		return missing, nil
	}
	y, ok := cellIndex(gr.lats, lat)
	if !ok {
		return missing, nil
	}

	f, err := gr.field(name)
	if err != nil {
		return missing, err
	}
	v, err := f.value(ti, y, x)
	if err != nil {
		return missing, fmt.Errorf("read %s: %w", name, err)
	}
	return environment.RawSample{Time: t, Value: v}, nil
}

// grid returns the open file for day, opening it if needed. Callers hold mu.
func (g *Getter) grid(day time.Time) (*grid, error) {
	path := expand(g.cfg.CachePattern, day)
	if gr, ok := g.open[path]; ok {
		return gr, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	gr, err := openGrid(path, day, g.cfg)
	if err != nil {
		return nil, err
	}
	if len(g.order) >= g.cfg.MaxOpenFiles {
		oldest := g.order[0]
		g.order = g.order[1:]
		g.open[oldest].close()
		delete(g.open, oldest)
	}
	g.open[path] = gr
	g.order = append(g.order, path)
	return gr, nil
}

// Close closes all open files.
func (g *Getter) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, gr := range g.open {
		gr.close()
	}
	g.open = make(map[string]*grid)
	g.order = nil
	return nil
}

// cellIndex returns the nearest index, or false when x lies more than half a
// cell outside the axis.
func cellIndex(axis []float64, x float64) (int, bool) {
	i := nearest(axis, x)
	if i < 0 {
		return 0, false
	}
	if math.Abs(axis[i]-x) > spacing(axis)/2+1e-9 {
		return 0, false
	}
	return i, true
}

// normalizeLon maps lon onto a 0..360 axis when the grid uses one.
func normalizeLon(lon float64, axis []float64) float64 {
	for _, v := range axis {
		if v > 180 {
			if lon < 0 {
				return lon + 360
			}
			return lon
		}
	}
	return lon
}

func unixHours(ts []time.Time) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = float64(t.Unix()) / 3600
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
