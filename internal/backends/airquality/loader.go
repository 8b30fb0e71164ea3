package airquality

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/resilient"
)

// datasetIndex is the download API's id of each dataset.
var datasetIndex = map[string]int{
	"archived": 1,
	"verified": 2,
	"uptodate": 3,
}

// LoaderConfig configures downloads from the EEA air quality API.
type LoaderConfig struct {
	APIURL      string        `mapstructure:"api_url" validate:"required,url"`
	CachePath   string        `mapstructure:"cache_path" validate:"required"`
	StationsCSV string        `mapstructure:"stations_csv" validate:"required"`
	Pollutants  []string      `mapstructure:"pollutants"`
	Countries   []string      `mapstructure:"countries"`
	BBox        *BBox         `mapstructure:"bbox"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

func defaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		APIURL:  "https://eeadmz1-downloads-api-appservice.azurewebsites.net/",
		Timeout: 5 * time.Minute,
	}
}

type pollutant struct {
	Notation string `json:"notation"`
	ID       string `json:"id"`
}

type urlsRequest struct {
	Countries       []string `json:"countries"`
	Cities          []string `json:"cities"`
	Pollutants      []string `json:"pollutants"`
	Dataset         int      `json:"dataset"`
	AggregationType string   `json:"aggregationType"`
}

// Loader imports station metadata and downloads the hourly parquet files of
// every dataset.
type Loader struct {
	cfg     LoaderConfig
	http    resilient.Config
	cb      *gobreaker.CircuitBreaker
	archive *Archive
}

// NewLoader opens the archive under cfg.CachePath.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	a, err := OpenArchive(cfg.CachePath)
	if err != nil {
		return nil, err
	}
	return &Loader{
		cfg:     cfg,
		http:    resilient.DefaultConfig(cfg.Timeout),
		cb:      resilient.NewBreaker("airquality"),
		archive: a,
	}, nil
}

// Close releases the archive.
func (l *Loader) Close() error { return l.archive.Close() }

// Load implements environment.Loader. The API serves whole station series,
// so the range only matters for logging; files already on disk are kept.
func (l *Loader) Load(ctx context.Context, start, end time.Time) error {
	log := zerolog.Ctx(ctx)
	log.Info().Time("start", start).Time("end", end).Msg("loading air quality archive")

	if err := l.importStations(ctx); err != nil {
		return err
	}
	ids, err := l.archive.SamplingPointIDs(ctx, l.cfg.Pollutants)
	if err != nil {
		return err
	}
	pollutantIDs, err := l.pollutantIDs(ctx)
	if err != nil {
		return err
	}

	var total, failed int
	for _, name := range []string{"archived", "verified", "uptodate"} {
		urls, err := l.fileURLs(ctx, name, pollutantIDs)
		if err != nil {
			failed++
			log.Warn().Err(err).Str("dataset", name).Msg("listing files failed, skipping dataset")
			continue
		}
		for i, u := range urls {
			if err := ctx.Err(); err != nil {
				return err
			}
			sp := matchSamplingPoint(ids, u)
			if sp == "" {
				continue
			}
			total++
			if err := l.fetch(ctx, name, sp, u); err != nil {
				failed++
				log.Warn().Err(err).Str("url", u).Msg("download failed")
				continue
			}
			log.Debug().Str("dataset", name).Int("file", i+1).Int("of", len(urls)).Msg("cached file")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d downloads failed", environment.ErrPartialLoad, failed, total)
	}
	return nil
}

func (l *Loader) importStations(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	info, err := os.Stat(l.cfg.StationsCSV)
	if err != nil {
		return fmt.Errorf("station metadata: %w", err)
	}
	if time.Since(info.ModTime()) > 365*24*time.Hour {
		log.Warn().Str("file", l.cfg.StationsCSV).Msg("station metadata older than a year, consider downloading it again")
	}

	done, err := l.archive.HasSamplingPoints(ctx)
	if err != nil || done {
		return err
	}
	n, err := l.archive.ImportSamplingPoints(ctx, l.cfg.StationsCSV, l.cfg.BBox)
	if err != nil {
		return err
	}
	log.Info().Int64("sampling_points", n).Msg("imported station metadata")
	return nil
}

// pollutantIDs translates the configured notations (NO2, PM10, ...) into
// vocabulary ids.
func (l *Loader) pollutantIDs(ctx context.Context) ([]string, error) {
	if len(l.cfg.Pollutants) == 0 {
		return []string{}, nil
	}
	resp, err := resilient.Do(ctx, l.http, l.cb, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, l.endpoint("Pollutant"), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("pollutant list: %w", err)
	}
	defer resp.Body.Close()

	var list []pollutant
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode pollutant list: %w", err)
	}
	wanted := make(map[string]bool, len(l.cfg.Pollutants))
	for _, p := range l.cfg.Pollutants {
		wanted[p] = true
	}
	ids := []string{}
	for _, p := range list {
		if wanted[p.Notation] {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// fileURLs lists the parquet files of one dataset. The response is plain
// text with a header line.
func (l *Loader) fileURLs(ctx context.Context, dataset string, pollutantIDs []string) ([]string, error) {
	countries := l.cfg.Countries
	if countries == nil {
		countries = []string{}
	}
	body, err := json.Marshal(urlsRequest{
		Countries:       countries,
		Cities:          []string{},
		Pollutants:      pollutantIDs,
		Dataset:         datasetIndex[dataset],
		AggregationType: "hour",
	})
	if err != nil {
		return nil, err
	}
	resp, err := resilient.Do(ctx, l.http, l.cb, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, l.endpoint("ParquetFile/urls"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var urls []string
	sc := bufio.NewScanner(resp.Body)
	for first := true; sc.Scan(); first = false {
		line := strings.TrimSpace(sc.Text())
		if first || line == "" {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}

// fetch downloads u unless its file exists and registers it.
func (l *Loader) fetch(ctx context.Context, dataset, samplingPoint, u string) error {
	sum := md5.Sum([]byte(u))
	target := filepath.Join(l.cfg.CachePath, hex.EncodeToString(sum[:])+".parquet")

	if _, err := os.Stat(target); err != nil {
		tmp, err := os.CreateTemp(l.cfg.CachePath, ".download-*")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())
		_, err = resilient.Download(ctx, l.http, l.cb, tmp, func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, u, nil)
		})
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if err := os.Rename(tmp.Name(), target); err != nil {
			return err
		}
	}
	return l.archive.RegisterFile(ctx, samplingPoint, dataset, target)
}

func (l *Loader) endpoint(name string) string {
	return strings.TrimRight(l.cfg.APIURL, "/") + "/" + name
}

// matchSamplingPoint returns the first id contained in the file name of u.
// ids are ordered longest first so prefixes of other ids do not match.
func matchSamplingPoint(ids []string, u string) string {
	name := path.Base(u)
	for _, id := range ids {
		if strings.Contains(name, id) {
			return id
		}
	}
	return ""
}
