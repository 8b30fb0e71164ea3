// Package geocoder turns postal addresses into coordinates.
package geocoder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/envirodata/internal/metrics"
)

// ErrNotFound is returned when an address has no match.
var ErrNotFound = errors.New("address not found")

// Geocoder resolves an address to longitude and latitude.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (lon, lat float64, err error)
}

// StandardizeAddress joins address parts the way geocoders expect them:
// "<street> <number> <extension>, <postcode> <city>".
func StandardizeAddress(postcode, city, street, houseNumber, extension string) string {
	line := strings.Join(strings.Fields(street+" "+houseNumber+" "+extension), " ")
	place := strings.Join(strings.Fields(postcode+" "+city), " ")
	switch {
	case line == "":
		return place
	case place == "":
		return line
	}
	return line + ", " + place
}

// New returns the geocoder for provider, instrumented with metrics.
func New(provider, url, apiKey string, timeout time.Duration) (Geocoder, error) {
	var g Geocoder
	switch provider {
	case "nominatim":
		g = NewNominatim(url, timeout)
	case "google":
		if apiKey == "" {
			return nil, errors.New("google geocoder requires an api key")
		}
		g = NewGoogle(apiKey)
	default:
		return nil, fmt.Errorf("unknown geocoder provider %q", provider)
	}
	return instrumented{g}, nil
}

type instrumented struct{ next Geocoder }

func (i instrumented) Geocode(ctx context.Context, address string) (float64, float64, error) {
	lon, lat, err := i.next.Geocode(ctx, address)
	metrics.ObserveGeocode(err)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("address", address).Msg("geocoding failed")
	}
	return lon, lat, err
}
