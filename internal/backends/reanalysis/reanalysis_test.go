package reanalysis

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/stats"
	"github.com/i474232898/envirodata/internal/timezone"
)

const fill = int16(-32767)

var testDay = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func attrs(t *testing.T, kv map[string]interface{}) api.AttributeMap {
	t.Helper()
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	m, err := util.NewOrderedMap(keys, kv)
	if err != nil {
		t.Fatalf("NewOrderedMap: %v", err)
	}
	return m
}

// writeDailyFile writes 24 hourly steps on a 3x3 grid. The unpacked
// temperature is 273.15 + hour + 0.1*y + 0.01*x.
func writeDailyFile(t *testing.T, path string, day time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	cw, err := cdf.OpenWriter(path)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	epoch := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	hours := make([]int32, 24)
	for i := range hours {
		hours[i] = int32(day.Add(time.Duration(i) * time.Hour).Sub(epoch).Hours())
	}
	t2m := make([][][]int16, 24)
	for h := range t2m {
		t2m[h] = make([][]int16, 3)
		for y := range t2m[h] {
			t2m[h][y] = make([]int16, 3)
			for x := range t2m[h][y] {
				t2m[h][y][x] = int16(h*100 + y*10 + x)
			}
		}
	}
	t2m[5][0][0] = fill

	vars := []struct {
		name string
		v    api.Variable
	}{
		{"time", api.Variable{Values: hours, Dimensions: []string{"time"},
			Attributes: attrs(t, map[string]interface{}{"units": "hours since 1900-01-01 00:00:00.0"})}},
		{"latitude", api.Variable{Values: []float32{51, 50.75, 50.5}, Dimensions: []string{"latitude"},
			Attributes: attrs(t, map[string]interface{}{"units": "degrees_north"})}},
		{"longitude", api.Variable{Values: []float32{6.5, 6.75, 7}, Dimensions: []string{"longitude"},
			Attributes: attrs(t, map[string]interface{}{"units": "degrees_east"})}},
		{"t2m", api.Variable{Values: t2m, Dimensions: []string{"time", "latitude", "longitude"},
			Attributes: attrs(t, map[string]interface{}{
				"scale_factor": 0.01,
				"add_offset":   273.15,
				"_FillValue":   fill,
			})}},
	}
	for _, v := range vars {
		if err := cw.AddVar(v.name, v.v); err != nil {
			t.Fatalf("AddVar %s: %v", v.name, err)
		}
	}
	if err := cw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func testGetter(dir string) *Getter {
	cfg := defaultGetterConfig()
	cfg.CachePattern = filepath.Join(dir, "era5_{20060102}.nc")
	cfg.Variables = map[string]string{"temperature": "t2m"}
	return NewGetter(cfg)
}

func TestGetterNearestCell(t *testing.T) {
	dir := t.TempDir()
	writeDailyFile(t, filepath.Join(dir, "era5_20240115.nc"), testDay)
	g := testGetter(dir)
	t.Cleanup(func() { _ = g.Close() })

	tests := []struct {
		name     string
		at       time.Time
		lon, lat float64
		want     float64
	}{
		{"center cell", testDay.Add(10 * time.Hour), 6.8, 50.8, 273.15 + 10 + 0.1 + 0.01},
		{"corner cell", testDay.Add(23 * time.Hour), 7.05, 50.45, 273.15 + 23 + 0.2 + 0.02},
		{"nearest time", testDay.Add(10*time.Hour + 20*time.Minute), 6.5, 51, 273.15 + 10},
		{"fill value", testDay.Add(5 * time.Hour), 6.5, 51, math.NaN()},
		{"outside grid", testDay.Add(5 * time.Hour), 12, 51, math.NaN()},
		{"no file for day", testDay.AddDate(0, 0, 1), 6.5, 51, math.NaN()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := g.Sample(context.Background(), tc.at, tc.lon, tc.lat, "temperature")
			if err != nil {
				t.Fatalf("Sample: %v", err)
			}
			if math.IsNaN(tc.want) {
				if !stats.IsMissing(s.Value) {
					t.Fatalf("got %v, want missing", s.Value)
				}
				return
			}
			if math.Abs(s.Value-tc.want) > 1e-6 {
				t.Fatalf("got %v, want %v", s.Value, tc.want)
			}
		})
	}
}

func TestServiceCurrentFromCachedFile(t *testing.T) {
	dir := t.TempDir()
	writeDailyFile(t, filepath.Join(dir, "era5_20240115.nc"), testDay)

	reg := environment.NewRegistry()
	Register(reg)
	current, _ := stats.Lookup("current")
	svc, err := environment.NewService("era5",
		[]environment.Variable{{Name: "temperature", Units: "K", Statistics: []stats.Statistic{current}}},
		environment.BackendSpec{Kind: Kind, Config: map[string]any{
			"url_pattern":    "http://127.0.0.1:1/{20060102}.nc",
			"output_pattern": filepath.Join(dir, "era5_{20060102}.nc"),
		}},
		environment.BackendSpec{Kind: Kind, Config: map[string]any{
			"cache_pattern": filepath.Join(dir, "era5_{20060102}.nc"),
			"variables":     map[string]any{"temperature": "t2m"},
		}},
		reg, timezone.Fixed{Location: time.UTC})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	vars, err := svc.Get(context.Background(), testDay.Add(14*time.Hour), 7, 50.5, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := 273.15 + 14 + 0.2 + 0.02
	if got := vars["temperature"]["current"].Float(); math.Abs(got-want) > 1e-6 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLoaderIdempotent(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "fixture.nc")
	writeDailyFile(t, fixture, testDay)
	body, err := os.ReadFile(fixture)
	if err != nil {
		t.Fatal(err)
	}

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		switch r.URL.Path {
		case "/era5_20240115.nc":
			_, _ = w.Write(body)
		case "/era5_20240116.nc":
			_, _ = w.Write([]byte("<html>maintenance</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out := t.TempDir()
	cfg := defaultLoaderConfig()
	cfg.URLPattern = srv.URL + "/era5_{20060102}.nc"
	cfg.OutputPattern = filepath.Join(out, "{2006}", "era5_{20060102}.nc")
	l := NewLoader(cfg)
	l.http.Backoff.InitialInterval = time.Millisecond

	start, end := testDay, testDay.Add(47*time.Hour)
	if err := l.Load(context.Background(), start, end); !errors.Is(err, environment.ErrPartialLoad) {
		t.Fatalf("expected ErrPartialLoad, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "2024", "era5_20240115.nc")); err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "2024", "era5_20240116.nc")); !os.IsNotExist(err) {
		t.Fatalf("invalid download kept: %v", err)
	}

	before := atomic.LoadInt32(&hits)
	if err := l.Load(context.Background(), testDay, testDay.Add(time.Hour)); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if atomic.LoadInt32(&hits) != before {
		t.Fatal("cached day downloaded again")
	}
}

func TestExpand(t *testing.T) {
	got := expand("/data/{2006}/{01}/era5_{20060102}.nc", testDay)
	if got != "/data/2024/01/era5_20240115.nc" {
		t.Fatalf("got %s", got)
	}
}

func TestParseUnits(t *testing.T) {
	epoch, unit, err := parseUnits("seconds since 1970-01-01")
	if err != nil {
		t.Fatalf("parseUnits: %v", err)
	}
	if !epoch.Equal(time.Unix(0, 0)) || unit != time.Second {
		t.Fatalf("got %v %v", epoch, unit)
	}
	if _, _, err := parseUnits("fortnights since forever"); err == nil {
		t.Fatal("expected error")
	}
}
