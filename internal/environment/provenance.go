package environment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/envirodata/internal/stats"
)

// Dataset is one of several overlapping sources for the same quantity.
// Higher Priority wins.
type Dataset struct {
	Name     string
	Priority int
	// Coverage; zero values leave that side open.
	Start time.Time
	End   time.Time
	// Valid filters individual records; nil accepts all.
	Valid func(RawSample) bool
}

func (d Dataset) overlaps(start, end time.Time) bool {
	if !d.Start.IsZero() && d.Start.After(end) {
		return false
	}
	if !d.End.IsZero() && d.End.Before(start) {
		return false
	}
	return true
}

// FetchFunc reads a dataset's series for [start, end].
type FetchFunc func(ctx context.Context, d Dataset, start, end time.Time) ([]RawSample, error)

// Resolution is the winning series and the dataset it came from.
type Resolution struct {
	Dataset string
	Samples []RawSample
}

// ResolveProvenance returns the complete series of the highest-priority
// dataset that holds valid data for [start, end]. Series from different
// datasets are never merged.
func ResolveProvenance(ctx context.Context, datasets []Dataset, start, end time.Time, fetch FetchFunc) (Resolution, error) {
	ordered := make([]Dataset, len(datasets))
	copy(ordered, datasets)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	log := zerolog.Ctx(ctx)
	var errs []error
	for _, d := range ordered {
		if !d.overlaps(start, end) {
			continue
		}
		series, err := fetch(ctx, d, start, end)
		if err != nil {
			log.Warn().Err(err).Str("dataset", d.Name).Msg("dataset read failed")
			errs = append(errs, fmt.Errorf("dataset %s: %w", d.Name, err))
			continue
		}
		valid := series[:0:0]
		for _, s := range series {
			if stats.IsMissing(s.Value) {
				continue
			}
			if d.Valid != nil && !d.Valid(s) {
				continue
			}
			valid = append(valid, s)
		}
		if len(valid) > 0 {
			return Resolution{Dataset: d.Name, Samples: valid}, nil
		}
	}
	if len(errs) > 0 {
		return Resolution{}, errors.Join(errs...)
	}
	return Resolution{}, nil
}
