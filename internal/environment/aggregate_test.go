package environment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/i474232898/envirodata/internal/stats"
)

func TestAggregateLocalDays(t *testing.T) {
	berlin := mustLocation(t, "Europe/Berlin")
	g := &fakeGetter{res: time.Hour, value: func(ts time.Time) float64 {
		l := ts.In(berlin)
		return float64(l.Day()*100 + l.Hour())
	}}
	instant := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	got, err := Aggregate(context.Background(), g, instant, 13.4, 52.5, berlin,
		variable("temperature", "current", "day_min", "day_max", "24h_amplitude"))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	want := map[string]float64{
		"current": 1511,
		"day_min": 1500,
		"day_max": 1523,
		// 2024-01-14 11:00 local .. 2024-01-15 11:00 local
		"24h_amplitude": 1511 - 1411,
	}
	for name, w := range want {
		if got[name].Float() != w {
			t.Errorf("%s: got %v, want %v", name, got[name], w)
		}
	}
}

func TestAggregateAllMissing(t *testing.T) {
	g := &fakeGetter{res: time.Hour, value: func(time.Time) float64 { return stats.Missing() }}
	instant := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	got, err := Aggregate(context.Background(), g, instant, 0, 0, time.UTC, variable("pm10", stats.Names()...))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(got) != len(stats.Names()) {
		t.Fatalf("got %d statistics, want %d", len(got), len(stats.Names()))
	}
	for name, v := range got {
		if !stats.IsMissing(v.Float()) {
			t.Errorf("%s: got %v, want missing", name, v)
		}
	}
}

func TestAggregateCurrentOffGrid(t *testing.T) {
	g := &fakeGetter{res: time.Hour, value: func(ts time.Time) float64 { return float64(ts.Minute()) }}
	instant := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	got, err := Aggregate(context.Background(), g, instant, 0, 0, time.UTC, variable("t", "current", "day_mean"))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if got["current"].Float() != 30 {
		t.Fatalf("current: got %v, want 30", got["current"])
	}
}

func TestAggregateSingleRangeRead(t *testing.T) {
	g := &rangeGetter{fakeGetter: fakeGetter{res: time.Hour, value: func(time.Time) float64 { return 1 }}}
	instant := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	_, err := Aggregate(context.Background(), g, instant, 0, 0, time.UTC,
		variable("t", "current", "7day_mean_mda8", "24h_max_3h_delta"))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if g.rangeCalls != 1 {
		t.Fatalf("got %d range reads, want 1", g.rangeCalls)
	}
}

func TestAggregateErrors(t *testing.T) {
	g := &fakeGetter{res: time.Hour, err: errBackend}
	if _, err := Aggregate(context.Background(), g, time.Time{}, 0, 0, time.UTC, variable("t", "current")); !errors.Is(err, ErrInvalidInstant) {
		t.Fatalf("expected ErrInvalidInstant, got %v", err)
	}
	instant := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	if _, err := Aggregate(context.Background(), g, instant, 0, 0, time.UTC, variable("t", "current")); !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
}
