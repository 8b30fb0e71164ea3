package stats

import (
	"math"
	"time"
)

// Func reduces a window of samples to one value.
type Func func(samples []Sample) float64

// Reduction over plain float values, ignoring missing entries.
type reduction func(values []float64) float64

func present(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !IsMissing(v) {
			out = append(out, v)
		}
	}
	return out
}

func values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

func nanMean(vs []float64) float64 {
	vs = present(vs)
	if len(vs) == 0 {
		return Missing()
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func nanSum(vs []float64) float64 {
	vs = present(vs)
	if len(vs) == 0 {
		return Missing()
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum
}

func nanMin(vs []float64) float64 {
	vs = present(vs)
	if len(vs) == 0 {
		return Missing()
	}
	m := vs[0]
	for _, v := range vs[1:] {
		m = math.Min(m, v)
	}
	return m
}

func nanMax(vs []float64) float64 {
	vs = present(vs)
	if len(vs) == 0 {
		return Missing()
	}
	m := vs[0]
	for _, v := range vs[1:] {
		m = math.Max(m, v)
	}
	return m
}

func over(r reduction) Func {
	return func(samples []Sample) float64 { return r(values(samples)) }
}

// First returns the value of the earliest sample.
func First(samples []Sample) float64 {
	if len(samples) == 0 {
		return Missing()
	}
	return samples[0].Value
}

// Mean, Min, Max and Sum ignore missing samples.
var (
	Mean = over(nanMean)
	Min  = over(nanMin)
	Max  = over(nanMax)
	Sum  = over(nanSum)
)

// Amplitude returns max - min of the window.
func Amplitude(samples []Sample) float64 {
	vs := values(samples)
	hi, lo := nanMax(vs), nanMin(vs)
	if IsMissing(hi) || IsMissing(lo) {
		return Missing()
	}
	return hi - lo
}

// MaxAbsShiftedDelta returns the largest absolute difference between a sample
// and the one shift positions before it.
func MaxAbsShiftedDelta(shift int) Func {
	return func(samples []Sample) float64 {
		if shift <= 0 || len(samples) <= shift {
			return Missing()
		}
		deltas := make([]float64, 0, len(samples)-shift)
		for i := shift; i < len(samples); i++ {
			a, b := samples[i].Value, samples[i-shift].Value
			if IsMissing(a) || IsMissing(b) {
				continue
			}
			deltas = append(deltas, math.Abs(a-b))
		}
		return nanMax(deltas)
	}
}

const day = 24 * time.Hour

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// DayBased applies daily to each calendar day covered by the samples and
// reduces the per-day results with total. Days without data do not count.
func DayBased(daily Func, total reduction) Func {
	return func(samples []Sample) float64 {
		if len(samples) == 0 {
			return Missing()
		}
		first, last := samples[0].Time, samples[0].Time
		for _, s := range samples[1:] {
			if s.Time.Before(first) {
				first = s.Time
			}
			if s.Time.After(last) {
				last = s.Time
			}
		}

		var perDay []float64
		for d := startOfDay(first); !d.After(last); d = d.AddDate(0, 0, 1) {
			end := d.AddDate(0, 0, 1)
			var daySamples []Sample
			for _, s := range samples {
				if !s.Time.Before(d) && s.Time.Before(end) {
					daySamples = append(daySamples, s)
				}
			}
			if len(daySamples) == 0 || AllMissing(daySamples) {
				continue
			}
			perDay = append(perDay, daily(daySamples))
		}
		return total(perDay)
	}
}

// MDA8 is the maximum of 8-hour running means started at every full hour of
// the day whose window closes before the end of the day.
func MDA8(samples []Sample) float64 {
	if len(samples) == 0 {
		return Missing()
	}
	dayStart := startOfDay(samples[0].Time)
	dayEnd := dayStart.Add(day - time.Second)

	var means []float64
	for cur := dayStart; cur.Add(8 * time.Hour).Before(dayEnd); cur = cur.Add(time.Hour) {
		next := cur.Add(8 * time.Hour)
		var window []float64
		for _, s := range samples {
			if !s.Time.Before(cur) && s.Time.Before(next) {
				window = append(window, s.Value)
			}
		}
		means = append(means, nanMean(window))
	}
	return nanMax(means)
}
