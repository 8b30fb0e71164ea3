package brightsky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/resilient"
	"github.com/i474232898/envirodata/internal/stats"
)

// GetterConfig configures on-demand reads from a Bright Sky compatible API.
type GetterConfig struct {
	APIURL         string            `mapstructure:"api_url" validate:"required,url"`
	CachePath      string            `mapstructure:"cache_path"`
	Variables      map[string]string `mapstructure:"variables"`
	TimeResolution time.Duration     `mapstructure:"time_resolution" validate:"gt=0"`
	// Days ending less than Settle ago are not cached.
	Settle time.Duration `mapstructure:"settle" validate:"gte=0"`
	// Fetched days are reused for MemoTTL, so the variables of one query
	// share a single request per day.
	MemoTTL time.Duration `mapstructure:"memo_ttl" validate:"gte=0"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

func defaultGetterConfig() GetterConfig {
	return GetterConfig{
		APIURL:         "https://api.brightsky.dev",
		TimeResolution: time.Hour,
		Settle:         6 * time.Hour,
		MemoTTL:        time.Minute,
		Timeout:        30 * time.Second,
	}
}

type weatherResponse struct {
	Weather []map[string]json.RawMessage `json:"weather"`
}

// Getter queries the weather API per UTC day and answers from the records
// nearest to each step.
type Getter struct {
	cfg   GetterConfig
	http  resilient.Config
	cb    *gobreaker.CircuitBreaker
	cache *blockCache
	now   func() time.Time

	mu   sync.Mutex
	memo map[memoKey]memoEntry
}

type memoKey struct {
	lon, lat float64
	day      int64
}

type memoEntry struct {
	fields  map[string]series
	fetched time.Time
}

const maxMemo = 64

// NewGetter returns a Getter; a block cache is opened when CachePath is set.
func NewGetter(cfg GetterConfig) (*Getter, error) {
	g := &Getter{
		cfg:  cfg,
		http: resilient.DefaultConfig(cfg.Timeout),
		cb:   resilient.NewBreaker("brightsky"),
		now:  time.Now,
		memo: make(map[memoKey]memoEntry),
	}
	if cfg.CachePath != "" {
		c, err := openBlockCache(cfg.CachePath)
		if err != nil {
			return nil, err
		}
		g.cache = c
	}
	return g, nil
}

// Close closes the block cache.
func (g *Getter) Close() error {
	if g.cache == nil {
		return nil
	}
	return g.cache.close()
}

// TimeResolution implements environment.Getter.
func (g *Getter) TimeResolution() time.Duration { return g.cfg.TimeResolution }

// Sample implements environment.Getter.
func (g *Getter) Sample(ctx context.Context, t time.Time, lon, lat float64, variable string) (environment.RawSample, error) {
	out, err := g.SampleRange(ctx, t, t, lon, lat, variable)
	if err != nil || len(out) == 0 {
		return environment.RawSample{Time: t, Value: stats.Missing()}, err
	}
	return out[0], nil
}

// SampleRange implements environment.RangeSampler.
func (g *Getter) SampleRange(ctx context.Context, start, end time.Time, lon, lat float64, variable string) ([]environment.RawSample, error) {
	field := variable
	if mapped, ok := g.cfg.Variables[variable]; ok {
		field = mapped
	}

	half := g.cfg.TimeResolution / 2
	var records series
	for day := utcDay(start.Add(-half)); !day.After(end.Add(half)); day = day.AddDate(0, 0, 1) {
		s, err := g.day(ctx, lon, lat, field, day)
		if err != nil {
			return nil, err
		}
		records.Times = append(records.Times, s.Times...)
		records.Values = append(records.Values, s.Values...)
	}

	steps := environment.Steps(start, end, g.cfg.TimeResolution)
	out := make([]environment.RawSample, len(steps))
	for i, t := range steps {
		out[i] = environment.RawSample{Time: t, Value: nearestWithin(records, t, half)}
	}
	return out, nil
}

// nearestWithin returns the value of the record closest to t, or missing
// when none lies within tolerance. Earlier records win ties.
func nearestWithin(s series, t time.Time, tolerance time.Duration) float64 {
	best, bestDist := -1, tolerance+1
	for i, ts := range s.Times {
		d := time.Unix(ts, 0).Sub(t)
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return stats.Missing()
	}
	return s.Values[best]
}

func (g *Getter) day(ctx context.Context, lon, lat float64, field string, day time.Time) (series, error) {
	if g.cache != nil {
		cached, err := g.cache.hasDay(lon, lat, day)
		if err != nil {
			return series{}, err
		}
		if cached {
			s, _, err := g.cache.get(lon, lat, field, day)
			return s, err
		}
	}

	fields, err := g.fetchDayMemo(ctx, lon, lat, day)
	if err != nil {
		return series{}, err
	}
	if g.cache != nil && day.AddDate(0, 0, 1).Before(g.now().Add(-g.cfg.Settle)) {
		if err := g.cache.putDay(lon, lat, day, fields); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Time("day", day).Msg("caching weather day failed")
		}
	}
	return fields[field], nil
}

// fetchDayMemo serves a day fetched within MemoTTL from memory.
func (g *Getter) fetchDayMemo(ctx context.Context, lon, lat float64, day time.Time) (map[string]series, error) {
	if g.cfg.MemoTTL <= 0 {
		return g.fetchDay(ctx, lon, lat, day)
	}
	key := memoKey{lon: lon, lat: lat, day: day.Unix()}
	now := g.now()

	g.mu.Lock()
	e, ok := g.memo[key]
	g.mu.Unlock()
	if ok && now.Sub(e.fetched) < g.cfg.MemoTTL {
		return e.fields, nil
	}

	fields, err := g.fetchDay(ctx, lon, lat, day)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for k, e := range g.memo {
		if now.Sub(e.fetched) >= g.cfg.MemoTTL {
			delete(g.memo, k)
		}
	}
	if len(g.memo) >= maxMemo {
		for k := range g.memo {
			delete(g.memo, k)
			break
		}
	}
	g.memo[key] = memoEntry{fields: fields, fetched: now}
	return fields, nil
}

// fetchDay returns every numeric field of the day's records.
func (g *Getter) fetchDay(ctx context.Context, lon, lat float64, day time.Time) (map[string]series, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("date", day.Format(time.RFC3339))
	q.Set("last_date", day.AddDate(0, 0, 1).Format(time.RFC3339))
	q.Set("tz", "Etc/UTC")
	q.Set("units", "si")
	u := strings.TrimRight(g.cfg.APIURL, "/") + "/weather?" + q.Encode()

	resp, err := resilient.Do(ctx, g.http, g.cb, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, u, nil)
	})
	if errors.Is(err, resilient.ErrNotFound) {
		return map[string]series{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("weather for %s: %w", day.Format(time.DateOnly), err)
	}
	defer resp.Body.Close()

	var wr weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("decode weather: %w", err)
	}

	fields := make(map[string]series)
	for _, rec := range wr.Weather {
		var ts time.Time
		if err := json.Unmarshal(rec["timestamp"], &ts); err != nil {
			continue
		}
		// last_date is exclusive upstream, but keep the day boundary strict.
		if ts.Before(day) || !ts.Before(day.AddDate(0, 0, 1)) {
			continue
		}
		for name, raw := range rec {
			if name == "timestamp" {
				continue
			}
			v, ok := number(raw)
			if !ok {
				continue
			}
			s := fields[name]
			s.Times = append(s.Times, ts.Unix())
			s.Values = append(s.Values, v)
			fields[name] = s
		}
	}
	return fields, nil
}

// number decodes a numeric JSON value; null becomes missing and any other
// type is skipped.
func number(raw json.RawMessage) (float64, bool) {
	if string(raw) == "null" {
		return stats.Missing(), true
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
