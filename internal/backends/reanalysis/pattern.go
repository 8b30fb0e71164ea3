package reanalysis

import (
	"regexp"
	"time"
)

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// expand replaces every {layout} in pattern with t formatted by that Go
// time layout, e.g. "era5_{20060102}.nc".
func expand(pattern string, t time.Time) string {
	return placeholder.ReplaceAllStringFunc(pattern, func(m string) string {
		return t.Format(m[1 : len(m)-1])
	})
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
