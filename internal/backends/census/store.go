package census

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	// Pure Go "sqlite" driver, shared with the station cache.
	_ "modernc.org/sqlite"
)

// Cell is one variable of one grid cell.
type Cell struct {
	ID       uint    `gorm:"primaryKey"`
	GridID   string  `gorm:"size:64;not null;uniqueIndex:idx_cell_variable"`
	Variable string  `gorm:"size:128;not null;uniqueIndex:idx_cell_variable"`
	Value    float64 `gorm:"not null"`
}

// Store holds census cells in Postgres or SQLite.
type Store struct {
	db *gorm.DB
}

// OpenStore connects to dbURL and migrates the schema. postgres:// and
// postgresql:// URLs select Postgres; anything else is a SQLite file,
// optionally prefixed with sqlite://.
func OpenStore(dbURL string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		dialector = postgres.Open(dbURL)
	default:
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if path == "" {
			return nil, errors.New("empty database path")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dialector = sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: path})
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open census database: %w", err)
	}
	if err := db.AutoMigrate(&Cell{}); err != nil {
		return nil, fmt.Errorf("migrate census database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Put inserts cells; existing (grid id, variable) pairs are kept.
func (s *Store) Put(ctx context.Context, cells []Cell) (int64, error) {
	if len(cells) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(cells, 500)
	return res.RowsAffected, res.Error
}

// Value returns the value of variable in the cell, if stored.
func (s *Store) Value(ctx context.Context, gridID, variable string) (float64, bool, error) {
	var cells []Cell
	err := s.db.WithContext(ctx).
		Where("grid_id = ? AND variable = ?", gridID, variable).
		Limit(1).
		Find(&cells).Error
	if err != nil || len(cells) == 0 {
		return 0, false, err
	}
	return cells[0].Value, true, nil
}

// Count returns the number of stored cells.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Cell{}).Count(&n).Error
	return n, err
}
