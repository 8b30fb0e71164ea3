package common

import (
	"strings"

	"github.com/gosimple/slug"
)

// HasAny reports whether s contains any of the substrings.
func HasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Slug turns a label into a lowercase, path-safe name.
func Slug(label string) string {
	return slug.Make(label)
}

// ExpandPlaceholders returns a copy of raw in which every "{name}" in a
// string value, at any depth, is replaced by vars[name].
func ExpandPlaceholders(raw map[string]any, vars map[string]string) map[string]any {
	if raw == nil {
		return nil
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	return expand(raw, r).(map[string]any)
}

func expand(v any, r *strings.Replacer) any {
	switch t := v.(type) {
	case string:
		return r.Replace(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = expand(e, r)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = expand(e, r)
		}
		return out
	default:
		return v
	}
}
