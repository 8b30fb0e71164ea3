package stations

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/i474232898/envirodata/internal/environment"
)

// LoaderConfig configures downloads from a station network REST API.
type LoaderConfig struct {
	RestAPIURL string              `mapstructure:"rest_api_url" validate:"required,url"`
	DBPath     string              `mapstructure:"db_path" validate:"required"`
	Requests   []map[string]string `mapstructure:"requests" validate:"required,min=1"`
	Periods    []string            `mapstructure:"periods" validate:"min=1"`
	// BBox is lon_min, lat_min, lon_max, lat_max.
	BBox      []float64     `mapstructure:"bbox" validate:"omitempty,len=4"`
	BatchSize int           `mapstructure:"batch_size" validate:"gt=0"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

func defaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		Periods:   []string{"historical", "recent"},
		BatchSize: 50,
		Timeout:   2 * time.Minute,
	}
}

type stationsResponse struct {
	Stations []struct {
		StationID string   `json:"station_id"`
		Name      string   `json:"name"`
		Longitude float64  `json:"longitude"`
		Latitude  float64  `json:"latitude"`
		Height    *float64 `json:"height"`
	} `json:"stations"`
}

type valuesResponse struct {
	Values []struct {
		StationID string    `json:"station_id"`
		Parameter string    `json:"parameter"`
		Date      time.Time `json:"date"`
		Value     *float64  `json:"value"`
	} `json:"values"`
}

// Loader copies station metadata and values into the SQLite cache.
type Loader struct {
	cfg    LoaderConfig
	client *resty.Client
	cache  *Cache
}

// NewLoader opens the cache and prepares the REST client.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	cache, err := OpenCache(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.RestAPIURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})
	return &Loader{cfg: cfg, client: client, cache: cache}, nil
}

// Close closes the cache.
func (l *Loader) Close() error { return l.cache.Close() }

// Load implements environment.Loader.
func (l *Loader) Load(ctx context.Context, start, end time.Time) error {
	log := zerolog.Ctx(ctx)
	var total, failed int
	for _, req := range l.cfg.Requests {
		for _, period := range l.cfg.Periods {
			if err := ctx.Err(); err != nil {
				return err
			}
			total++
			n, err := l.loadRequest(ctx, req, period, start, end)
			if err != nil {
				failed++
				log.Warn().Err(err).Str("period", period).Str("parameters", req["parameters"]).Msg("station request failed")
				continue
			}
			log.Info().Str("period", period).Str("parameters", req["parameters"]).Int64("inserted", n).Msg("station values cached")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d requests failed", environment.ErrPartialLoad, failed, total)
	}
	return nil
}

func (l *Loader) params(req map[string]string, period string) map[string]string {
	p := make(map[string]string, len(req)+2)
	for k, v := range req {
		p[k] = v
	}
	p["periods"] = period
	if len(l.cfg.BBox) == 4 {
		b := l.cfg.BBox
		p["bbox"] = fmt.Sprintf("%g,%g,%g,%g", b[0], b[1], b[2], b[3])
	} else {
		p["all"] = "true"
	}
	return p
}

func (l *Loader) loadRequest(ctx context.Context, req map[string]string, period string, start, end time.Time) (int64, error) {
	params := l.params(req, period)

	var sr stationsResponse
	resp, err := l.client.R().SetContext(ctx).SetQueryParams(params).SetResult(&sr).Get("/api/stations")
	if err != nil {
		return 0, fmt.Errorf("list stations: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("list stations: status %d", resp.StatusCode())
	}

	stations := make([]Station, 0, len(sr.Stations))
	ids := make([]string, 0, len(sr.Stations))
	for _, s := range sr.Stations {
		stations = append(stations, Station{ID: s.StationID, Name: s.Name, Longitude: s.Longitude, Latitude: s.Latitude, Height: s.Height})
		ids = append(ids, s.StationID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var inserted int64
	seenParams := make(map[string]map[string]bool)
	for i := 0; i < len(ids); i += l.cfg.BatchSize {
		batch := ids[i:min(i+l.cfg.BatchSize, len(ids))]

		vp := make(map[string]string, len(params)+2)
		for k, v := range params {
			vp[k] = v
		}
		delete(vp, "all")
		delete(vp, "bbox")
		vp["station"] = strings.Join(batch, ",")
		vp["date"] = start.UTC().Format(time.RFC3339) + "/" + end.UTC().Format(time.RFC3339)

		var vr valuesResponse
		resp, err := l.client.R().SetContext(ctx).SetQueryParams(vp).SetResult(&vr).Get("/api/values")
		if err != nil {
			return inserted, fmt.Errorf("fetch values: %w", err)
		}
		if resp.IsError() {
			return inserted, fmt.Errorf("fetch values: status %d", resp.StatusCode())
		}

		obs := make([]Observation, 0, len(vr.Values))
		for _, v := range vr.Values {
			// Null values are gaps; zero is a measurement.
			if v.Value == nil {
				continue
			}
			obs = append(obs, Observation{StationID: v.StationID, Parameter: v.Parameter, Date: v.Date.UTC(), Value: *v.Value})
			if seenParams[v.Parameter] == nil {
				seenParams[v.Parameter] = make(map[string]bool)
			}
			seenParams[v.Parameter][v.StationID] = true
		}
		n, err := l.cache.PutObservations(ctx, obs)
		if err != nil {
			return inserted, err
		}
		inserted += n
	}

	byID := make(map[string]Station, len(stations))
	for _, s := range stations {
		byID[s.ID] = s
	}
	for param, sids := range seenParams {
		var with []Station
		for id := range sids {
			if s, ok := byID[id]; ok {
				with = append(with, s)
			}
		}
		if err := l.cache.PutStations(ctx, with, []string{param}); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}
