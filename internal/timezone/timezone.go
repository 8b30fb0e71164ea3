package timezone

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ringsaturn/tzf"
)

// ErrUnknownTimezone is returned when no zone can be determined for a point.
var ErrUnknownTimezone = errors.New("unknown timezone")

// Resolver maps a coordinate to its IANA timezone.
type Resolver interface {
	Locate(lon, lat float64) (*time.Location, error)
}

// Finder resolves zones from the tzf polygon data set.
type Finder struct {
	finder tzf.F

	mu    sync.Mutex
	zones map[string]*time.Location
}

// NewFinder loads the default tzf data set.
func NewFinder() (*Finder, error) {
	f, err := tzf.NewDefaultFinder()
	if err != nil {
		return nil, fmt.Errorf("load timezone finder: %w", err)
	}
	return &Finder{finder: f, zones: make(map[string]*time.Location)}, nil
}

// Locate implements Resolver.
func (f *Finder) Locate(lon, lat float64) (*time.Location, error) {
	name := f.finder.GetTimezoneName(lon, lat)
	if name == "" {
		return nil, fmt.Errorf("%w: lon=%f lat=%f", ErrUnknownTimezone, lon, lat)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if loc, ok := f.zones[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownTimezone, name, err)
	}
	f.zones[name] = loc
	return loc, nil
}

// Fixed returns the same zone for every coordinate.
type Fixed struct {
	Location *time.Location
}

// Locate implements Resolver.
func (f Fixed) Locate(float64, float64) (*time.Location, error) {
	if f.Location == nil {
		return nil, ErrUnknownTimezone
	}
	return f.Location, nil
}

// Fallback tries Primary and uses Default when it cannot place the point,
// e.g. for coordinates at sea.
type Fallback struct {
	Primary Resolver
	Default *time.Location
}

// Locate implements Resolver.
func (f Fallback) Locate(lon, lat float64) (*time.Location, error) {
	loc, err := f.Primary.Locate(lon, lat)
	if err == nil {
		return loc, nil
	}
	if f.Default != nil && errors.Is(err, ErrUnknownTimezone) {
		return f.Default, nil
	}
	return nil, err
}
