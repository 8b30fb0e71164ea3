package geocoder

import (
	"context"
	"fmt"
	"sync"

	"github.com/kelvins/geocoder"

	"github.com/i474232898/envirodata/internal/common"
)

// the client library keeps its key in a package variable
var googleMu sync.Mutex

// Google uses the Google Maps geocoding API.
type Google struct {
	apiKey string
}

// NewGoogle returns a geocoder authenticating with apiKey.
func NewGoogle(apiKey string) *Google {
	return &Google{apiKey: apiKey}
}

// Geocode implements Geocoder. The client has no context support, so
// cancellation only stops the wait.
func (g *Google) Geocode(ctx context.Context, address string) (float64, float64, error) {
	type result struct {
		loc geocoder.Location
		err error
	}
	done := make(chan result, 1)
	go func() {
		googleMu.Lock()
		defer googleMu.Unlock()
		geocoder.ApiKey = g.apiKey
		loc, err := geocoder.Geocoding(geocoder.Address{Street: address})
		done <- result{loc, err}
	}()

	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			if isNoMatch(r.err) {
				return 0, 0, fmt.Errorf("%w: %s", ErrNotFound, address)
			}
			return 0, 0, fmt.Errorf("google geocoding: %w", r.err)
		}
		return r.loc.Longitude, r.loc.Latitude, nil
	}
}

func isNoMatch(err error) bool {
	return common.HasAny(err.Error(), "ZERO_RESULTS", "No results", "no results", "not found")
}
