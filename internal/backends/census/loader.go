package census

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/i474232898/envirodata/internal/resilient"
)

const batchSize = 5000

// LoaderConfig configures the import of a gridded census CSV.
type LoaderConfig struct {
	CSVPath     string        `mapstructure:"csv_path" validate:"required"`
	DBURL       string        `mapstructure:"db_url" validate:"required"`
	Separator   string        `mapstructure:"separator" validate:"len=1"`
	Decimal     string        `mapstructure:"decimal" validate:"len=1"`
	GridIDField string        `mapstructure:"grid_id_field" validate:"required"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

func defaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		Separator:   ";",
		Decimal:     ",",
		GridIDField: "GITTER_ID_100m",
		Timeout:     10 * time.Minute,
	}
}

// Loader imports every numeric column of the CSV as (grid id, variable,
// value) rows.
type Loader struct {
	cfg   LoaderConfig
	http  resilient.Config
	cb    *gobreaker.CircuitBreaker
	store *Store
}

// NewLoader opens the target database.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	store, err := OpenStore(cfg.DBURL)
	if err != nil {
		return nil, err
	}
	return &Loader{
		cfg:   cfg,
		http:  resilient.DefaultConfig(cfg.Timeout),
		cb:    resilient.NewBreaker("census"),
		store: store,
	}, nil
}

// Close closes the database.
func (l *Loader) Close() error { return l.store.Close() }

// Load implements environment.Loader. The census is a snapshot, so the
// range is ignored and rows already stored are left untouched.
func (l *Loader) Load(ctx context.Context, start, end time.Time) error {
	log := zerolog.Ctx(ctx)
	src, err := l.open(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	inserted, skipped, err := l.importCSV(ctx, src)
	if err != nil {
		return fmt.Errorf("import %s: %w", l.cfg.CSVPath, err)
	}
	log.Info().Int64("inserted", inserted).Int("skipped", skipped).Str("source", l.cfg.CSVPath).Msg("census imported")
	return nil
}

// open returns the CSV, downloading it to a temporary file first when the
// path is a URL.
func (l *Loader) open(ctx context.Context) (io.ReadCloser, error) {
	if !strings.HasPrefix(l.cfg.CSVPath, "http://") && !strings.HasPrefix(l.cfg.CSVPath, "https://") {
		return os.Open(l.cfg.CSVPath)
	}
	tmp, err := os.CreateTemp("", "census-*.csv")
	if err != nil {
		return nil, err
	}
	_, err = resilient.Download(ctx, l.http, l.cb, tmp, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, l.cfg.CSVPath, nil)
	})
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return &tempFile{File: tmp}, nil
}

type tempFile struct{ *os.File }

func (t *tempFile) Close() error {
	err := t.File.Close()
	os.Remove(t.Name())
	return err
}

func (l *Loader) importCSV(ctx context.Context, src io.Reader) (int64, int, error) {
	r := csv.NewReader(src)
	r.Comma, _ = utf8.DecodeRuneInString(l.cfg.Separator)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return 0, 0, fmt.Errorf("read header: %w", err)
	}
	columns := make([]string, len(header))
	gridCol := -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		columns[i] = h
		if h == l.cfg.GridIDField {
			gridCol = i
		}
	}
	if gridCol < 0 {
		return 0, 0, fmt.Errorf("grid id column %q not found", l.cfg.GridIDField)
	}

	var inserted int64
	var skipped int
	batch := make([]Cell, 0, batchSize)
	flush := func() error {
		n, err := l.store.Put(ctx, batch)
		inserted += n
		batch = batch[:0]
		return err
	}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return inserted, skipped, err
		}
		if gridCol >= len(rec) {
			skipped++
			continue
		}
		gridID := strings.TrimSpace(rec[gridCol])
		for i, raw := range rec {
			if i == gridCol || i >= len(columns) {
				continue
			}
			v, ok := l.parse(raw)
			if !ok {
				skipped++
				continue
			}
			batch = append(batch, Cell{GridID: gridID, Variable: columns[i], Value: v})
		}
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return inserted, skipped, err
			}
		}
	}
	return inserted, skipped, flush()
}

// parse reads a number written with the configured decimal mark. Suppressed
// or empty cells ("-", "–", "") are not numbers.
func (l *Loader) parse(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if l.cfg.Decimal != "." {
		raw = strings.ReplaceAll(raw, l.cfg.Decimal, ".")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
