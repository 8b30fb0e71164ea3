package reanalysis

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/resilient"
)

// LoaderConfig configures daily file downloads.
type LoaderConfig struct {
	URLPattern    string            `mapstructure:"url_pattern" validate:"required"`
	OutputPattern string            `mapstructure:"output_pattern" validate:"required"`
	Headers       map[string]string `mapstructure:"headers"`
	Timeout       time.Duration     `mapstructure:"timeout" validate:"gt=0"`
}

func defaultLoaderConfig() LoaderConfig {
	return LoaderConfig{Timeout: 10 * time.Minute}
}

// Loader downloads one file per UTC day.
type Loader struct {
	cfg  LoaderConfig
	http resilient.Config
	cb   *gobreaker.CircuitBreaker
}

// NewLoader returns a Loader for cfg.
func NewLoader(cfg LoaderConfig) *Loader {
	return &Loader{
		cfg:  cfg,
		http: resilient.DefaultConfig(cfg.Timeout),
		cb:   resilient.NewBreaker("reanalysis"),
	}
}

// Load implements environment.Loader. Days whose file is already cached and
// readable are skipped; failed days are logged and reported together.
func (l *Loader) Load(ctx context.Context, start, end time.Time) error {
	log := zerolog.Ctx(ctx)
	var total, failed int
	for day := utcDay(start); !day.After(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		total++
		path := expand(l.cfg.OutputPattern, day)
		if validFile(path) {
			log.Debug().Str("file", path).Msg("already cached")
			continue
		}
		if err := l.fetch(ctx, day, path); err != nil {
			failed++
			log.Warn().Err(err).Time("day", day).Msg("download failed, skipping day")
			continue
		}
		log.Info().Str("file", path).Msg("downloaded")
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d days failed", environment.ErrPartialLoad, failed, total)
	}
	return nil
}

// fetch downloads to a temporary file and moves it into place only once it
// opens as netCDF.
func (l *Loader) fetch(ctx context.Context, day time.Time, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	url := expand(l.cfg.URLPattern, day)
	_, err = resilient.Download(ctx, l.http, l.cb, tmp, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range l.cfg.Headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if !validFile(tmp.Name()) {
		return fmt.Errorf("download from %s is not a netCDF file", url)
	}
	return os.Rename(tmp.Name(), path)
}
