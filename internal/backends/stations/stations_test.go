package stations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/stats"
)

const param = "temperature_air_mean_2m"

var day = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func newTestServer(t *testing.T, failValues bool) (*httptest.Server, *int32) {
	t.Helper()
	var valueCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("all") != "true" {
			t.Errorf("expected all=true, got %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"stations": []map[string]any{
				{"station_id": "00044", "name": "A", "longitude": 8.0, "latitude": 52.0, "height": 44.0},
				{"station_id": "00073", "name": "B", "longitude": 9.0, "latitude": 52.0},
			},
		})
	})
	mux.HandleFunc("/api/values", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&valueCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		if failValues {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("station") != "00044,00073" {
			t.Errorf("unexpected station list %q", r.URL.Query().Get("station"))
		}
		values := []map[string]any{
			{"station_id": "00044", "parameter": param, "date": day.Format(time.RFC3339), "value": 0.0},
			{"station_id": "00044", "parameter": param, "date": day.Add(time.Hour).Format(time.RFC3339), "value": nil},
			{"station_id": "00073", "parameter": param, "date": day.Format(time.RFC3339), "value": 5.5},
			{"station_id": "00073", "parameter": param, "date": day.Add(time.Hour).Format(time.RFC3339), "value": 6.5},
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"values": values})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &valueCalls
}

func loaderConfig(srv *httptest.Server, db string) LoaderConfig {
	cfg := defaultLoaderConfig()
	cfg.RestAPIURL = srv.URL
	cfg.DBPath = db
	cfg.Periods = []string{"recent"}
	cfg.Requests = []map[string]string{{"provider": "dwd", "network": "observation", "parameters": "hourly/" + param}}
	return cfg
}

func TestLoaderIdempotent(t *testing.T) {
	srv, _ := newTestServer(t, false)
	db := filepath.Join(t.TempDir(), "stations.sqlite")
	l, err := NewLoader(loaderConfig(srv, db))
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Load(ctx, day, day.Add(2*time.Hour)); err != nil {
			t.Fatalf("Load #%d: %v", i+1, err)
		}
		n, err := l.cache.CountObservations(ctx)
		if err != nil {
			t.Fatal(err)
		}
		// The null value is skipped, the zero is kept.
		if n != 3 {
			t.Fatalf("load #%d: got %d observations, want 3", i+1, n)
		}
	}
}

func TestLoaderReportsFailedRequests(t *testing.T) {
	srv, _ := newTestServer(t, true)
	l, err := NewLoader(loaderConfig(srv, filepath.Join(t.TempDir(), "stations.sqlite")))
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	if err := l.Load(context.Background(), day, day.Add(time.Hour)); !errors.Is(err, environment.ErrPartialLoad) {
		t.Fatalf("expected ErrPartialLoad, got %v", err)
	}
}

func TestGetterNearestStationWithData(t *testing.T) {
	db := filepath.Join(t.TempDir(), "stations.sqlite")
	cache, err := OpenCache(db)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	ctx := context.Background()
	stations := []Station{
		{ID: "B", Longitude: 8, Latitude: 51, Height: ptr(10)},
		{ID: "A", Longitude: 8, Latitude: 53},
		{ID: "C", Longitude: 10, Latitude: 52},
	}
	if err := cache.PutStations(ctx, stations, []string{param}); err != nil {
		t.Fatal(err)
	}
	obs := []Observation{
		{StationID: "A", Parameter: param, Date: day, Value: 1},
		{StationID: "B", Parameter: param, Date: day, Value: 2},
		{StationID: "C", Parameter: param, Date: day, Value: 3},
		{StationID: "C", Parameter: param, Date: day.Add(time.Hour), Value: 0},
	}
	if _, err := cache.PutObservations(ctx, obs); err != nil {
		t.Fatal(err)
	}
	_ = cache.Close()

	cfg := defaultGetterConfig()
	cfg.DBPath = db
	cfg.TimeBuffer = 30 * time.Minute
	cfg.Variables = map[string]string{"temperature": param}
	g, err := NewGetter(cfg)
	if err != nil {
		t.Fatalf("NewGetter: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })

	// A and B are equidistant; A wins on id.
	s, err := g.Sample(ctx, day, 8, 52, "temperature")
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.Value != 1 {
		t.Fatalf("got %v, want 1 from station A", s.Value)
	}

	// Only C holds data an hour later, and its value is zero.
	s, err = g.Sample(ctx, day.Add(time.Hour), 8, 52, "temperature")
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.Value != 0 || stats.IsMissing(s.Value) {
		t.Fatalf("got %v, want 0 from station C", s.Value)
	}

	s, err = g.Sample(ctx, day.Add(5*time.Hour), 8, 52, "temperature")
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if !stats.IsMissing(s.Value) {
		t.Fatalf("got %v, want missing outside the buffer", s.Value)
	}

	samples, err := g.SampleRange(ctx, day, day.Add(2*time.Hour), 8, 52, "temperature")
	if err != nil {
		t.Fatalf("SampleRange: %v", err)
	}
	if len(samples) != 3 || samples[0].Value != 1 || samples[1].Value != 0 || !stats.IsMissing(samples[2].Value) {
		t.Fatalf("unexpected range %+v", samples)
	}
}
