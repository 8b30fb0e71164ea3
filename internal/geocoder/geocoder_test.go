package geocoder

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStandardizeAddress(t *testing.T) {
	tests := []struct {
		name                                      string
		postcode, city, street, number, extension string
		want                                      string
	}{
		{"full", "80331", "München", "Marienplatz", "8", "a", "Marienplatz 8 a, 80331 München"},
		{"no extension", "80331", "München", "Marienplatz", "8", "", "Marienplatz 8, 80331 München"},
		{"extra spaces", " 80331 ", "München  ", "  Marienplatz", "8", "  ", "Marienplatz 8, 80331 München"},
		{"no street", "80331", "München", "", "", "", "80331 München"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StandardizeAddress(tt.postcode, tt.city, tt.street, tt.number, tt.extension)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNominatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("q") {
		case "Marienplatz 8, 80331 München":
			_, _ = w.Write([]byte(`[{"lon":"11.5755","lat":"48.1374","place_rank":30}]`))
		case "broken":
			_, _ = w.Write([]byte(`{`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	g := NewNominatim(srv.URL+"/", 5*time.Second)
	ctx := context.Background()

	lon, lat, err := g.Geocode(ctx, "Marienplatz 8, 80331 München")
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if lon != 11.5755 || lat != 48.1374 {
		t.Fatalf("got %v, %v", lon, lat)
	}

	if _, _, err := g.Geocode(ctx, "Nowhere 1, 00000 Atlantis"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := g.Geocode(ctx, "   "); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an empty address, got %v", err)
	}
	if _, _, err := g.Geocode(ctx, "broken"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a decoding error, got %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New("nominatim", "https://nominatim.openstreetmap.org", "", time.Second); err != nil {
		t.Fatalf("nominatim: %v", err)
	}
	if _, err := New("google", "", "", time.Second); err == nil {
		t.Fatal("google without key: expected an error")
	}
	if _, err := New("bing", "", "", time.Second); err == nil {
		t.Fatal("unknown provider: expected an error")
	}
}

func TestGoogleNoMatch(t *testing.T) {
	if !isNoMatch(errors.New("geocoding: ZERO_RESULTS")) {
		t.Fatal("ZERO_RESULTS not recognised")
	}
	if isNoMatch(errors.New("REQUEST_DENIED")) {
		t.Fatal("REQUEST_DENIED taken for a missing address")
	}
}
