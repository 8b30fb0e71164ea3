package environment

import (
	"errors"
	"time"

	"github.com/i474232898/envirodata/internal/stats"
)

// ErrInvalidInstant is returned for an unset query instant.
var ErrInvalidInstant = errors.New("invalid query instant")

// Window is a closed UTC interval [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// StatisticWindow returns the UTC window a statistic covers for instant.
// Daily statistics are widened to 00:00:00 of the start's local day and
// 23:59:59 of the end's local day.
func StatisticWindow(s stats.Statistic, instant time.Time, loc *time.Location) Window {
	start := instant.Add(s.Begin).UTC()
	end := instant.Add(s.End).UTC()
	if s.Daily {
		ls, le := start.In(loc), end.In(loc)
		start = time.Date(ls.Year(), ls.Month(), ls.Day(), 0, 0, 0, 0, loc).UTC()
		end = time.Date(le.Year(), le.Month(), le.Day(), 23, 59, 59, 0, loc).UTC()
	}
	return Window{Start: start, End: end}
}

// Union returns the smallest window covering all ws.
func Union(ws ...Window) Window {
	if len(ws) == 0 {
		return Window{}
	}
	u := ws[0]
	for _, w := range ws[1:] {
		if w.Start.Before(u.Start) {
			u.Start = w.Start
		}
		if w.End.After(u.End) {
			u.End = w.End
		}
	}
	return u
}

// alignTo moves start forward onto the grid of res steps passing through
// anchor, so that stepping from the result hits anchor exactly.
func alignTo(start, anchor time.Time, res time.Duration) time.Time {
	if res <= 0 || start.After(anchor) {
		return start
	}
	n := anchor.Sub(start) / res
	return anchor.Add(-n * res)
}

// naive returns the wall clock of t in loc, expressed in UTC.
func naive(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), time.UTC)
}
