package environment

import (
	"context"
	"errors"
	"time"

	"github.com/i474232898/envirodata/internal/stats"
)

type fakeGetter struct {
	res      time.Duration
	value    func(t time.Time) float64
	err      error
	panicMsg string
	failFor  string
	calls    int
}

func (f *fakeGetter) TimeResolution() time.Duration { return f.res }

func (f *fakeGetter) Sample(_ context.Context, t time.Time, _, _ float64, variable string) (RawSample, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return RawSample{}, f.err
	}
	if f.failFor != "" && variable == f.failFor {
		return RawSample{}, errBackend
	}
	f.calls++
	return RawSample{Time: t, Value: f.value(t)}, nil
}

type rangeGetter struct {
	fakeGetter
	rangeCalls int
}

func (r *rangeGetter) SampleRange(ctx context.Context, start, end time.Time, lon, lat float64, variable string) ([]RawSample, error) {
	r.rangeCalls++
	var out []RawSample
	for _, t := range Steps(start, end, r.res) {
		s, err := r.Sample(ctx, t, lon, lat, variable)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

type fakeLoader struct {
	err   error
	calls int
}

func (l *fakeLoader) Load(context.Context, time.Time, time.Time) error {
	l.calls++
	return l.err
}

var errBackend = errors.New("backend unavailable")

// register adds a kind whose loader and getter are the given instances and
// counts getter constructions.
func register(reg *Registry, kind string, l Loader, g Getter, constructed *int) {
	reg.Register(kind, Backend{
		Loader: func(map[string]any) (func() (Loader, error), error) {
			return func() (Loader, error) { return l, nil }, nil
		},
		Getter: func(raw map[string]any) (func() (Getter, error), error) {
			if raw["broken"] == true {
				return nil, errors.New("broken config")
			}
			return func() (Getter, error) {
				if constructed != nil {
					*constructed++
				}
				return g, nil
			}, nil
		},
	})
}

func variable(name string, statistics ...string) Variable {
	st, err := stats.Resolve(statistics)
	if err != nil {
		panic(err)
	}
	return Variable{Name: name, Units: "1", Statistics: st}
}
