package airquality

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

const archiveFile = "archive.duckdb"

// ErrNoMetadata is returned when the sampling point table was never loaded.
var ErrNoMetadata = errors.New("no sampling point metadata, run the loader first")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sampling_points (
		id             VARCHAR PRIMARY KEY,
		country        VARCHAR,
		pollutant      VARCHAR,
		longitude      DOUBLE,
		latitude       DOUBLE,
		activity_begin TIMESTAMP,
		activity_end   TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		sampling_point VARCHAR NOT NULL,
		dataset        VARCHAR NOT NULL,
		path           VARCHAR NOT NULL,
		PRIMARY KEY (sampling_point, dataset, path)
	)`,
}

// SamplingPoint is one measuring device for one pollutant.
type SamplingPoint struct {
	ID        string
	Pollutant string
	Longitude float64
	Latitude  float64
}

// Record is one measurement interval read from a parquet file.
type Record struct {
	Start time.Time
	End   time.Time
	Value float64
}

// BBox limits imported sampling points to MinLon..MaxLon, MinLat..MaxLat.
type BBox struct {
	MinLon float64 `mapstructure:"min_lon"`
	MaxLon float64 `mapstructure:"max_lon"`
	MinLat float64 `mapstructure:"min_lat"`
	MaxLat float64 `mapstructure:"max_lat"`
}

// Archive is the DuckDB catalogue of sampling points and downloaded files.
// DuckDB locks its file per database instance, so loader and getter of the
// same cache share one handle.
type Archive struct {
	db   *sql.DB
	dir  string
	key  string
	refs int
}

var (
	archivesMu sync.Mutex
	archives   = map[string]*Archive{}
)

// OpenArchive opens the archive in dir, creating it if needed.
func OpenArchive(dir string) (*Archive, error) {
	key, err := filepath.Abs(filepath.Join(dir, archiveFile))
	if err != nil {
		return nil, err
	}

	archivesMu.Lock()
	defer archivesMu.Unlock()
	if a, ok := archives[key]; ok {
		a.refs++
		return a, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("duckdb", key)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	a := &Archive{db: db, dir: dir, key: key, refs: 1}
	archives[key] = a
	return a, nil
}

// Close releases the handle; the database closes with the last one.
func (a *Archive) Close() error {
	archivesMu.Lock()
	defer archivesMu.Unlock()
	a.refs--
	if a.refs > 0 {
		return nil
	}
	delete(archives, a.key)
	return a.db.Close()
}

// HasSamplingPoints reports whether metadata was imported.
func (a *Archive) HasSamplingPoints(ctx context.Context) (bool, error) {
	var n int64
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sampling_points`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ImportSamplingPoints replaces the sampling point table with the rows of the
// EEA station CSV. Rows without an id or coordinates are dropped.
func (a *Archive) ImportSamplingPoints(ctx context.Context, csvPath string, bbox *BBox) (int64, error) {
	where := `"Sampling Point Id" IS NOT NULL AND lon IS NOT NULL AND lat IS NOT NULL`
	if bbox != nil {
		where += fmt.Sprintf(" AND lon BETWEEN %g AND %g AND lat BETWEEN %g AND %g",
			bbox.MinLon, bbox.MaxLon, bbox.MinLat, bbox.MaxLat)
	}
	query := fmt.Sprintf(`
		INSERT INTO sampling_points
		SELECT DISTINCT ON ("Sampling Point Id")
			"Sampling Point Id", "Country", "Air Pollutant", lon, lat,
			TRY_CAST("Operational Activity Begin" AS TIMESTAMP),
			TRY_CAST("Operational Activity End" AS TIMESTAMP)
		FROM (
			SELECT *, TRY_CAST("Longitude" AS DOUBLE) AS lon, TRY_CAST("Latitude" AS DOUBLE) AS lat
			FROM read_csv_auto(%s, header = true, all_varchar = true)
		)
		WHERE %s`, literal(csvPath), where)

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM sampling_points`); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("import %s: %w", csvPath, err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// SamplingPointIDs lists imported ids, optionally limited to pollutants.
func (a *Archive) SamplingPointIDs(ctx context.Context, pollutants []string) ([]string, error) {
	query := `SELECT id FROM sampling_points`
	var args []any
	if len(pollutants) > 0 {
		query += ` WHERE pollutant IN (` + placeholders(len(pollutants)) + `)`
		for _, p := range pollutants {
			args = append(args, p)
		}
	}
	query += ` ORDER BY length(id) DESC, id`
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RegisterFile records that path holds dataset data of a sampling point.
func (a *Archive) RegisterFile(ctx context.Context, samplingPoint, dataset, path string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO files (sampling_point, dataset, path) VALUES (?, ?, ?)`,
		samplingPoint, dataset, path)
	return err
}

// CountFiles returns the number of registered files.
func (a *Archive) CountFiles(ctx context.Context) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&n)
	return n, err
}

// NearestSamplingPoint returns the closest sampling point measuring
// pollutant that started operating, had not stopped by end, and has cached
// files. Ties go to the lower id.
func (a *Archive) NearestSamplingPoint(ctx context.Context, pollutant string, lon, lat float64, end time.Time) (SamplingPoint, bool, error) {
	ok, err := a.HasSamplingPoints(ctx)
	if err != nil {
		return SamplingPoint{}, false, err
	}
	if !ok {
		return SamplingPoint{}, false, ErrNoMetadata
	}

	var sp SamplingPoint
	err = a.db.QueryRowContext(ctx, `
		SELECT p.id, p.pollutant, p.longitude, p.latitude
		FROM sampling_points p
		WHERE p.pollutant = ?
		  AND p.activity_begin IS NOT NULL
		  AND (p.activity_end IS NULL OR p.activity_end > CAST(? AS TIMESTAMP))
		  AND EXISTS (SELECT 1 FROM files f WHERE f.sampling_point = p.id)
		ORDER BY (p.longitude - ?) * (p.longitude - ?) + (p.latitude - ?) * (p.latitude - ?), p.id
		LIMIT 1`,
		pollutant, timestamp(end), lon, lon, lat, lat,
	).Scan(&sp.ID, &sp.Pollutant, &sp.Longitude, &sp.Latitude)
	if errors.Is(err, sql.ErrNoRows) {
		return SamplingPoint{}, false, nil
	}
	if err != nil {
		return SamplingPoint{}, false, err
	}
	return sp, true, nil
}

// Files returns the cached files of a sampling point grouped by dataset.
func (a *Archive) Files(ctx context.Context, samplingPoint string) (map[string][]string, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT dataset, path FROM files WHERE sampling_point = ? ORDER BY dataset, path`, samplingPoint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var dataset, path string
		if err := rows.Scan(&dataset, &path); err != nil {
			return nil, err
		}
		out[dataset] = append(out[dataset], path)
	}
	return out, rows.Err()
}

// Records reads the valid records of paths overlapping [start, end],
// ordered by start.
func (a *Archive) Records(ctx context.Context, paths []string, start, end time.Time) ([]Record, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = literal(p)
	}
	query := fmt.Sprintf(`
		SELECT CAST("Start" AS TIMESTAMP), CAST("End" AS TIMESTAMP), CAST("Value" AS DOUBLE)
		FROM read_parquet([%s])
		WHERE "Validity" > 0
		  AND CAST("Start" AS TIMESTAMP) <= CAST(? AS TIMESTAMP)
		  AND CAST("End" AS TIMESTAMP) > CAST(? AS TIMESTAMP)
		ORDER BY 1`, strings.Join(quoted, ", "))

	rows, err := a.db.QueryContext(ctx, query, timestamp(end), timestamp(start))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var v sql.NullFloat64
		if err := rows.Scan(&r.Start, &r.End, &v); err != nil {
			return nil, err
		}
		if !v.Valid {
			continue
		}
		r.Start, r.End, r.Value = r.Start.UTC(), r.End.UTC(), v.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}

// literal quotes s as a SQL string; table functions take no parameters.
func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
