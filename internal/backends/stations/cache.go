package stations

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.up.sql
var migrationSQL string

// Station is a measuring site.
type Station struct {
	ID        string
	Name      string
	Longitude float64
	Latitude  float64
	Height    *float64
}

// Observation is one station value.
type Observation struct {
	StationID string
	Parameter string
	Date      time.Time
	Value     float64
}

// Cache is the SQLite store shared by the loader and the getter.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (and migrates) the cache at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}
	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }

// PutStations upserts station metadata and records which parameters each
// station provides.
func (c *Cache) PutStations(ctx context.Context, stations []Station, parameters []string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range stations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stations (station_id, name, longitude, latitude, height)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (station_id) DO UPDATE SET
				name = excluded.name, longitude = excluded.longitude,
				latitude = excluded.latitude, height = excluded.height`,
			s.ID, s.Name, s.Longitude, s.Latitude, s.Height); err != nil {
			return fmt.Errorf("insert station %s: %w", s.ID, err)
		}
		for _, p := range parameters {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO station_parameters (station_id, parameter) VALUES (?, ?)`,
				s.ID, p); err != nil {
				return fmt.Errorf("insert station parameter: %w", err)
			}
		}
	}
	return tx.Commit()
}

// PutObservations inserts observations, ignoring ones already cached.
// It returns the number of new rows.
func (c *Cache) PutObservations(ctx context.Context, obs []Observation) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO observations (station_id, parameter, date, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var inserted int64
	for _, o := range obs {
		res, err := stmt.ExecContext(ctx, o.StationID, o.Parameter, o.Date.Unix(), o.Value)
		if err != nil {
			return 0, fmt.Errorf("insert observation: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	return inserted, tx.Commit()
}

// CountObservations returns the number of cached observations.
func (c *Cache) CountObservations(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&n)
	return n, err
}

// NearestStations returns up to limit stations providing parameter, ordered
// by squared coordinate distance and then by id.
func (c *Cache) NearestStations(ctx context.Context, parameter string, lon, lat float64, limit int) ([]Station, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT s.station_id, s.name, s.longitude, s.latitude
		FROM stations s
		JOIN station_parameters p ON p.station_id = s.station_id
		WHERE p.parameter = ?`, parameter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Station
	for rows.Next() {
		var s Station
		if err := rows.Scan(&s.ID, &s.Name, &s.Longitude, &s.Latitude); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	dist := func(s Station) float64 {
		dx, dy := s.Longitude-lon, s.Latitude-lat
		return dx*dx + dy*dy
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := dist(out[i]), dist(out[j])
		if di != dj {
			return di < dj
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Nearest returns the observation closest to t within buffer, earlier dates
// winning ties.
func (c *Cache) Nearest(ctx context.Context, stationID, parameter string, t time.Time, buffer time.Duration) (Observation, bool, error) {
	ts := t.Unix()
	b := int64(buffer / time.Second)
	var date int64
	var value float64
	err := c.db.QueryRowContext(ctx, `
		SELECT date, value FROM observations
		WHERE station_id = ? AND parameter = ? AND date BETWEEN ? AND ?
		ORDER BY ABS(date - ?), date
		LIMIT 1`, stationID, parameter, ts-b, ts+b, ts).Scan(&date, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return Observation{}, false, nil
	}
	if err != nil {
		return Observation{}, false, err
	}
	return Observation{StationID: stationID, Parameter: parameter, Date: time.Unix(date, 0).UTC(), Value: value}, true, nil
}
