package stats

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrUnknownStatistic is returned when a name is not in the catalog.
var ErrUnknownStatistic = errors.New("unknown statistic")

// Statistic describes a temporal window relative to the query instant and
// the reduction applied to the samples inside it.
type Statistic struct {
	Name  string
	Begin time.Duration
	End   time.Duration
	Func  Func
	// Daily windows are widened to whole local calendar days.
	Daily bool
}

var catalog = build()

func build() map[string]Statistic {
	c := make(map[string]Statistic)
	add := func(s Statistic) { c[s.Name] = s }

	add(Statistic{Name: "current", Func: First})

	add(Statistic{Name: "day_min", Daily: true, Func: DayBased(Min, nanMin)})
	add(Statistic{Name: "day_mean", Daily: true, Func: DayBased(Mean, nanMean)})
	add(Statistic{Name: "day_max", Daily: true, Func: DayBased(Max, nanMax)})
	add(Statistic{Name: "day_sum", Daily: true, Func: DayBased(Sum, nanSum)})

	add(Statistic{Name: "24h_amplitude", Begin: -day, Func: Amplitude})
	add(Statistic{Name: "24h_max_3h_delta", Begin: -day, Func: MaxAbsShiftedDelta(3)})
	add(Statistic{Name: "5day_max_3h_delta", Begin: -5 * day, Func: MaxAbsShiftedDelta(3)})

	add(Statistic{Name: "mda8", Daily: true, Func: DayBased(MDA8, nanMax)})
	add(Statistic{Name: "3day_mean_mda8", Begin: -3 * day, Daily: true, Func: DayBased(MDA8, nanMean)})
	add(Statistic{Name: "7day_mean_mda8", Begin: -7 * day, Daily: true, Func: DayBased(MDA8, nanMean)})

	for _, n := range []int{3, 5, 7} {
		begin := -time.Duration(n) * day
		name := func(suffix string) string { return fmt.Sprintf("%dday_%s", n, suffix) }

		add(Statistic{Name: name("min"), Begin: begin, Daily: true, Func: Min})
		add(Statistic{Name: name("mean"), Begin: begin, Daily: true, Func: Mean})
		add(Statistic{Name: name("max"), Begin: begin, Daily: true, Func: Max})
		add(Statistic{Name: name("mean_day_max"), Begin: begin, Daily: true, Func: DayBased(Max, nanMean)})
		add(Statistic{Name: name("max_day_max"), Begin: begin, Daily: true, Func: DayBased(Max, nanMax)})
		add(Statistic{Name: name("mean_day_min"), Begin: begin, Daily: true, Func: DayBased(Min, nanMean)})
		add(Statistic{Name: name("min_day_min"), Begin: begin, Daily: true, Func: DayBased(Min, nanMin)})
	}
	return c
}

// Lookup returns the catalog entry for name.
func Lookup(name string) (Statistic, bool) {
	s, ok := catalog[name]
	return s, ok
}

// Names lists all catalog entries in sorted order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for n := range catalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve maps names to catalog entries, preserving order.
func Resolve(names []string) ([]Statistic, error) {
	out := make([]Statistic, 0, len(names))
	for _, n := range names {
		s, ok := catalog[n]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStatistic, n)
		}
		out = append(out, s)
	}
	return out, nil
}
