package reanalysis

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/i474232898/envirodata/internal/stats"
)

var errUnsupportedType = errors.New("unsupported netCDF value type")

// grid is an open daily file with decoded coordinates.
type grid struct {
	nc     api.Group
	times  []time.Time
	lats   []float64
	lons   []float64
	fields map[string]*field
}

// field is a data variable with its packing attributes.
type field struct {
	vg     api.VarGetter
	scale  float64
	offset float64
	fill   []float64
}

func openGrid(path string, day time.Time, cfg GetterConfig) (*grid, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	g := &grid{nc: nc, fields: make(map[string]*field)}

	if g.lats, err = coordinate(nc, cfg.LatitudeVariable); err != nil {
		nc.Close()
		return nil, err
	}
	if g.lons, err = coordinate(nc, cfg.LongitudeVariable); err != nil {
		nc.Close()
		return nil, err
	}
	if g.times, err = decodeTimes(nc, cfg, day); err != nil {
		nc.Close()
		return nil, err
	}
	return g, nil
}

func (g *grid) close() { g.nc.Close() }

func coordinate(nc api.Group, name string) ([]float64, error) {
	vg, err := nc.GetVarGetter(name)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	v, err := vg.Values()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return floats(v)
}

var unitsPattern = regexp.MustCompile(`^\s*(seconds|minutes|hours|days)\s+since\s+(.+?)\s*$`)

var unitDurations = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

func decodeTimes(nc api.Group, cfg GetterConfig, day time.Time) ([]time.Time, error) {
	vg, err := nc.GetVarGetter(cfg.TimeVariable)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", cfg.TimeVariable, err)
	}
	v, err := vg.Values()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cfg.TimeVariable, err)
	}
	offsets, err := floats(v)
	if err != nil {
		return nil, err
	}

	var epoch time.Time
	unit := time.Hour
	switch cfg.TimeCalculation {
	case timeSinceAnalysis:
		epoch = day
	default:
		units, ok := stringAttr(vg.Attributes(), "units")
		if !ok {
			return nil, fmt.Errorf("variable %s has no units attribute", cfg.TimeVariable)
		}
		if epoch, unit, err = parseUnits(units); err != nil {
			return nil, err
		}
	}

	out := make([]time.Time, len(offsets))
	for i, o := range offsets {
		out[i] = epoch.Add(time.Duration(o * float64(unit)))
	}
	return out, nil
}

// parseUnits decodes CF time units such as "hours since 1900-01-01 00:00:00.0".
func parseUnits(units string) (time.Time, time.Duration, error) {
	m := unitsPattern.FindStringSubmatch(units)
	if m == nil {
		return time.Time{}, 0, fmt.Errorf("unsupported time units %q", units)
	}
	ref := strings.TrimSuffix(m[2], " UTC")
	for _, layout := range []string{
		"2006-01-02 15:04:05.0",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, ref, time.UTC); err == nil {
			return t, unitDurations[m[1]], nil
		}
	}
	return time.Time{}, 0, fmt.Errorf("unsupported reference time %q", m[2])
}

func (g *grid) field(name string) (*field, error) {
	if f, ok := g.fields[name]; ok {
		return f, nil
	}
	vg, err := g.nc.GetVarGetter(name)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	attrs := vg.Attributes()
	f := &field{vg: vg, scale: 1}
	if s, ok := floatAttr(attrs, "scale_factor"); ok {
		f.scale = s
	}
	if o, ok := floatAttr(attrs, "add_offset"); ok {
		f.offset = o
	}
	for _, key := range []string{"_FillValue", "missing_value"} {
		if v, ok := floatAttr(attrs, key); ok {
			f.fill = append(f.fill, v)
		}
	}
	g.fields[name] = f
	return f, nil
}

// value reads the packed value at [t, y, x], or [t, 0, y, x] for fields
// with a level dimension, and unpacks it.
func (f *field) value(t, y, x int) (float64, error) {
	raw, err := f.vg.GetSlice(int64(t), int64(t)+1)
	if err != nil {
		return 0, err
	}
	var v float64
	switch s := raw.(type) {
	case [][][]int16:
		v = float64(s[0][y][x])
	case [][][]int32:
		v = float64(s[0][y][x])
	case [][][]float32:
		v = float64(s[0][y][x])
	case [][][]float64:
		v = s[0][y][x]
	case [][][][]int16:
		v = float64(s[0][0][y][x])
	case [][][][]float32:
		v = float64(s[0][0][y][x])
	case [][][][]float64:
		v = s[0][0][y][x]
	default:
		return 0, fmt.Errorf("%w: %T", errUnsupportedType, raw)
	}
	for _, fv := range f.fill {
		if v == fv {
			return stats.Missing(), nil
		}
	}
	if math.IsNaN(v) {
		return stats.Missing(), nil
	}
	return v*f.scale + f.offset, nil
}

func floats(v interface{}) ([]float64, error) {
	switch s := v.(type) {
	case []float64:
		return s, nil
	case []float32:
		return convert(s), nil
	case []int64:
		return convert(s), nil
	case []int32:
		return convert(s), nil
	case []int16:
		return convert(s), nil
	default:
		return nil, fmt.Errorf("%w: %T", errUnsupportedType, v)
	}
}

func convert[T float32 | int64 | int32 | int16](s []T) []float64 {
	out := make([]float64, len(s))
	for i, x := range s {
		out[i] = float64(x)
	}
	return out
}

func floatAttr(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	v, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int8:
		return float64(x), true
	}
	if fs, err := floats(v); err == nil && len(fs) > 0 {
		return fs[0], true
	}
	return 0, false
}

func stringAttr(attrs api.AttributeMap, key string) (string, bool) {
	if attrs == nil {
		return "", false
	}
	v, ok := attrs.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// nearest returns the index of the first element closest to x.
func nearest(vals []float64, x float64) int {
	best, bestDist := -1, math.Inf(1)
	for i, v := range vals {
		if d := math.Abs(v - x); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// spacing is the distance between the first two coordinates, or +Inf for a
// single-point axis.
func spacing(vals []float64) float64 {
	if len(vals) < 2 {
		return math.Inf(1)
	}
	return math.Abs(vals[1] - vals[0])
}

// validFile reports whether path exists and opens as netCDF.
func validFile(path string) bool {
	nc, err := netcdf.Open(path)
	if err != nil {
		return false
	}
	nc.Close()
	return true
}
