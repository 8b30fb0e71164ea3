package geocoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/envirodata/internal/resilient"
)

type place struct {
	Lon string `json:"lon"`
	Lat string `json:"lat"`
}

// Nominatim queries a Nominatim compatible search endpoint.
type Nominatim struct {
	baseURL string
	http    resilient.Config
	cb      *gobreaker.CircuitBreaker
}

// NewNominatim returns a geocoder for the server at baseURL.
func NewNominatim(baseURL string, timeout time.Duration) *Nominatim {
	return &Nominatim{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    resilient.DefaultConfig(timeout),
		cb:      resilient.NewBreaker("nominatim"),
	}
}

// Geocode returns the coordinates of the best match.
func (n *Nominatim) Geocode(ctx context.Context, address string) (float64, float64, error) {
	if strings.TrimSpace(address) == "" {
		return 0, 0, fmt.Errorf("%w: empty address", ErrNotFound)
	}
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	u := n.baseURL + "/search?" + q.Encode()

	resp, err := resilient.Do(ctx, n.http, n.cb, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "envirodata")
		return req, nil
	})
	if errors.Is(err, resilient.ErrNotFound) {
		return 0, 0, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("geocode: %w", err)
	}
	defer resp.Body.Close()

	var places []place
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return 0, 0, fmt.Errorf("malformed geocoder response: %w", err)
	}
	if len(places) == 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed longitude %q: %w", places[0].Lon, err)
	}
	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed latitude %q: %w", places[0].Lat, err)
	}
	return lon, lat, nil
}
