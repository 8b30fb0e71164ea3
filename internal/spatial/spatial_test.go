package spatial

import (
	"errors"
	"math"
	"testing"
)

func TestLAEAGuidanceExample(t *testing.T) {
	east, north := EPSG3035.Forward(5, 50)
	if math.Abs(east-3962799.45) > 0.5 || math.Abs(north-2999718.85) > 0.5 {
		t.Fatalf("got E %.2f N %.2f, want E 3962799.45 N 2999718.85", east, north)
	}
	east, north = EPSG3035.Forward(10, 52)
	if math.Abs(east-4321000) > 1e-6 || math.Abs(north-3210000) > 1e-6 {
		t.Fatalf("projection centre: got E %.6f N %.6f", east, north)
	}
}

func TestTransverseMercatorSnyderExample(t *testing.T) {
	// Clarke 1866, lambda0 = 75W, k0 = 0.9996, no false origin.
	clarke := Ellipsoid{A: 6378206.4, InvF: 294.9786982}
	tm := NewTransverseMercator(clarke, -75, 0.9996, 0, 0)
	x, y := tm.Forward(-73.5, 40.5)
	if math.Abs(x-127106.5) > 0.1 || math.Abs(y-4484124.4) > 0.1 {
		t.Fatalf("got x %.2f y %.2f, want x 127106.5 y 4484124.4", x, y)
	}
}

func TestByEPSG(t *testing.T) {
	tests := []struct {
		code   int
		lon    float64
		lat    float64
		wantX  float64
		wantY  float64
		within float64
	}{
		{4326, 7.5, 51.2, 7.5, 51.2, 0},
		{3857, 0, 0, 0, 0, 1e-6},
		{3857, 180, 0, 20037508.34, 0, 0.01},
		{3035, 10, 52, 4321000, 3210000, 1e-6},
		// Central meridian of zone 32: easting is the false easting.
		{25832, 9, 48, 500000, 5316300.22, 0.01},
		{32632, 9, 0, 500000, 0, 1e-6},
		{32732, 9, 0, 500000, 10000000, 1e-6},
	}
	for _, tt := range tests {
		p, err := ByEPSG(tt.code)
		if err != nil {
			t.Fatalf("ByEPSG(%d): %v", tt.code, err)
		}
		x, y := p.Forward(tt.lon, tt.lat)
		if math.Abs(x-tt.wantX) > tt.within || math.Abs(y-tt.wantY) > tt.within {
			t.Errorf("EPSG:%d (%v, %v): got (%.2f, %.2f), want (%.2f, %.2f)", tt.code, tt.lon, tt.lat, x, y, tt.wantX, tt.wantY)
		}
	}

	if _, err := ByEPSG(2056); !errors.Is(err, ErrUnsupportedCRS) {
		t.Fatalf("EPSG:2056: got %v, want ErrUnsupportedCRS", err)
	}
}
