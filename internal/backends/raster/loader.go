package raster

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/resilient"
)

// LoaderConfig maps each variable to the GeoTIFF holding it, as a local
// path or an http(s) URL.
type LoaderConfig struct {
	DataTable map[string]string `mapstructure:"data_table" validate:"required,min=1"`
	CachePath string            `mapstructure:"cache_path" validate:"required"`
	Timeout   time.Duration     `mapstructure:"timeout" validate:"gt=0"`
}

func defaultLoaderConfig() LoaderConfig {
	return LoaderConfig{Timeout: 10 * time.Minute}
}

// Loader copies raster layers into the cache as <variable>.tif.
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
		cb:   resilient.NewBreaker("raster"),
	}
}

// Load implements environment.Loader. Layers are static, so the range is
// ignored; a layer whose cached copy is current is skipped.
func (l *Loader) Load(ctx context.Context, start, end time.Time) error {
	log := zerolog.Ctx(ctx)
	if err := os.MkdirAll(l.cfg.CachePath, 0o755); err != nil {
		return err
	}

	variables := make([]string, 0, len(l.cfg.DataTable))
	for v := range l.cfg.DataTable {
		variables = append(variables, v)
	}
	sort.Strings(variables)

	var failed int
	for _, v := range variables {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, dst := l.cfg.DataTable[v], cachedPath(l.cfg.CachePath, v)
		if current(src, dst) {
			log.Debug().Str("variable", v).Str("file", dst).Msg("already cached")
			continue
		}
		if err := l.copy(ctx, src, dst); err != nil {
			failed++
			log.Error().Err(err).Str("variable", v).Str("input", src).Msg("raster layer not loaded")
			continue
		}
		log.Info().Str("variable", v).Str("file", dst).Msg("raster layer cached")
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d layers failed", environment.ErrPartialLoad, failed, len(variables))
	}
	return nil
}

func cachedPath(dir, variable string) string {
	return filepath.Join(dir, variable+".tif")
}

func remote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// current reports whether dst already holds src: remote layers once cached,
// local layers when dst is the same size and not older.
func current(src, dst string) bool {
	d, err := os.Stat(dst)
	if err != nil {
		return false
	}
	if remote(src) {
		return true
	}
	s, err := os.Stat(src)
	if err != nil {
		return false
	}
	return s.Size() == d.Size() && !s.ModTime().After(d.ModTime())
}

// copy writes src to a temporary file and moves it into place only once it
// reads as a georeferenced GeoTIFF.
func (l *Loader) copy(ctx context.Context, src, dst string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if remote(src) {
		_, err = resilient.Download(ctx, l.http, l.cb, tmp, func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, src, nil)
		})
	} else {
		var in *os.File
		if in, err = os.Open(src); err == nil {
			_, err = io.Copy(tmp, in)
			in.Close()
		}
	}
	if err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}

	g, err := openGrid(tmp.Name())
	if err != nil {
		return err
	}
	g.close()
	return os.Rename(tmp.Name(), dst)
}
