package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/i474232898/envirodata/internal/api/http"
	"github.com/i474232898/envirodata/internal/environment"
)

type staticEnv struct{}

func (staticEnv) Get(context.Context, time.Time, float64, float64, []string) (environment.Result, error) {
	return environment.Result{}, nil
}

func (staticEnv) Metadata() environment.Metadata { return environment.Metadata{} }

func TestNewApp(t *testing.T) {
	app := newApp(httpapi.Deps{Env: staticEnv{}, Version: "test", Log: zerolog.Nop()}, []string{"era5", "census"})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	var health struct {
		Status   string   `json:"status"`
		Services []string `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || len(health.Services) != 2 || health.Services[0] != "era5" {
		t.Fatalf("unexpected health %+v", health)
	}

	// Bad requests go through the centralized error handler.
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/environment?lon=8&lat=52", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != true || body["message"] == "" {
		t.Fatalf("unexpected error body %v", body)
	}
}
