package census

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/i474232898/envirodata/internal/stats"
)

const censusCSV = "\ufeffGITTER_ID_100m;x_mp_100m;y_mp_100m;Einwohner;Durchschnittsalter\n" +
	"CRS3035RES100mN3210000E4321000;4321050;3210050;12;41,5\n" +
	"CRS3035RES100mN2999700E3962700;3962750;2999750;–;0\n"

func TestGridID(t *testing.T) {
	tests := []struct {
		lon, lat float64
		size     int
		want     string
	}{
		{10, 52, 100, "CRS3035RES100mN3210000E4321000"},
		{10, 52, 1000, "CRS3035RES1kmN3210000E4321000"},
		{5, 50, 100, "CRS3035RES100mN2999700E3962700"},
		{5, 50, 1000, "CRS3035RES1kmN2999000E3962000"},
	}
	for _, tt := range tests {
		if got := GridID(tt.lon, tt.lat, tt.size); got != tt.want {
			t.Errorf("GridID(%v, %v, %d) = %s, want %s", tt.lon, tt.lat, tt.size, got, tt.want)
		}
	}
}

func load(t *testing.T, csvPath, dbURL string) *Loader {
	t.Helper()
	cfg := defaultLoaderConfig()
	cfg.CSVPath = csvPath
	cfg.DBURL = dbURL
	l, err := NewLoader(cfg)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	if err := l.Load(context.Background(), time.Time{}, time.Time{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return l
}

func TestLoadAndSample(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "zensus.csv")
	if err := os.WriteFile(csvPath, []byte(censusCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	dbURL := "sqlite://" + filepath.Join(dir, "db", "census.sqlite")
	ctx := context.Background()

	l := load(t, csvPath, dbURL)
	load(t, csvPath, dbURL)
	n, err := l.store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// The suppressed population of the second cell is not stored.
	if n != 7 {
		t.Fatalf("got %d cells, want 7", n)
	}

	cfg := defaultGetterConfig()
	cfg.DBURL = dbURL
	cfg.Variables = map[string]string{"mean_age": "Durchschnittsalter"}
	g, err := NewGetter(cfg)
	if err != nil {
		t.Fatalf("NewGetter: %v", err)
	}
	defer g.Close()

	at := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		lon, lat float64
		variable string
		want     float64
	}{
		{10, 52, "Einwohner", 12},
		{10, 52, "mean_age", 41.5},
		{5, 50, "mean_age", 0},
		{5, 50, "Einwohner", stats.Missing()},
		{0, 40, "Einwohner", stats.Missing()},
	}
	for _, tt := range tests {
		s, err := g.Sample(ctx, at, tt.lon, tt.lat, tt.variable)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if !s.Time.Equal(at) {
			t.Errorf("sample stamped %v, want %v", s.Time, at)
		}
		if stats.IsMissing(tt.want) {
			if !stats.IsMissing(s.Value) {
				t.Errorf("%s at %v,%v: got %v, want missing", tt.variable, tt.lon, tt.lat, s.Value)
			}
			continue
		}
		if s.Value != tt.want {
			t.Errorf("%s at %v,%v: got %v, want %v", tt.variable, tt.lon, tt.lat, s.Value, tt.want)
		}
	}
}

func TestLoadFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(censusCSV))
	}))
	defer srv.Close()

	l := load(t, srv.URL+"/zensus.csv", filepath.Join(t.TempDir(), "census.sqlite"))
	n, err := l.store.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Fatalf("got %d cells, want 7", n)
	}
}

func TestLoadRequiresGridColumn(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(csvPath, []byte("id;value\na;1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := defaultLoaderConfig()
	cfg.CSVPath = csvPath
	cfg.DBURL = filepath.Join(dir, "census.sqlite")
	l, err := NewLoader(cfg)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()
	if err := l.Load(context.Background(), time.Time{}, time.Time{}); err == nil {
		t.Fatal("expected an error for a missing grid id column")
	}
}
