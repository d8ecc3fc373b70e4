// Package storage persists the mapping from user identifiers to sandbox
// containers using GORM. SQLite (pure Go, via glebarez/sqlite) is the default
// backend; PostgreSQL is supported for shared deployments.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrRecordNotFound is returned when a user has no sandbox record.
var ErrRecordNotFound = errors.New("sandbox record not found")

// State is the last known state of a sandbox container.
type State string

const (
	StateUnknown State = "unknown"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Record maps a user to the container holding their sandbox.
type Record struct {
	UserID      string    `json:"user_id"`
	ContainerID string    `json:"container_id"`
	State       State     `json:"state"`
	Image       string    `json:"image,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists sandbox records. Put has upsert semantics keyed by user.
type Store interface {
	Get(ctx context.Context, userID string) (*Record, error)
	Put(ctx context.Context, rec Record) error
	SetState(ctx context.Context, userID string, state State) error
	Close() error
}

// Config selects and configures the database backend.
type Config struct {
	Driver string // sqlite or postgres.
	DSN    string // File path for sqlite, connection string for postgres.
}

// recordModel maps to the "sandboxes" table.
type recordModel struct {
	UserID      string `gorm:"primaryKey"`
	ContainerID string `gorm:"not null;index"`
	State       string `gorm:"not null;default:'unknown'"`
	Image       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (recordModel) TableName() string { return "sandboxes" }

// GormStore implements Store on top of GORM.
type GormStore struct {
	db     *gorm.DB
	driver string
}

var _ Store = (*GormStore)(nil)

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, slogger *slog.Logger) (*GormStore, error) {
	if slogger == nil {
		slogger = slog.Default()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s dsn is required", driver)
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
			}
		}
		dsn := cfg.DSN + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if err := db.AutoMigrate(&recordModel{}); err != nil {
		return nil, fmt.Errorf("migrating sandbox records: %w", err)
	}

	slogger.Info("sandbox store opened", slog.String("driver", driver))
	return &GormStore{db: db, driver: driver}, nil
}

// Get returns the record for userID or ErrRecordNotFound.
func (s *GormStore) Get(ctx context.Context, userID string) (*Record, error) {
	var m recordModel
	err := s.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading sandbox record: %w", err)
	}
	return &Record{
		UserID:      m.UserID,
		ContainerID: m.ContainerID,
		State:       State(m.State),
		Image:       m.Image,
		UpdatedAt:   m.UpdatedAt,
	}, nil
}

// Put inserts or replaces the record for rec.UserID.
func (s *GormStore) Put(ctx context.Context, rec Record) error {
	if rec.UserID == "" {
		return errors.New("user id is required")
	}
	if rec.State == "" {
		rec.State = StateUnknown
	}
	m := recordModel{
		UserID:      rec.UserID,
		ContainerID: rec.ContainerID,
		State:       string(rec.State),
		Image:       rec.Image,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"container_id", "state", "image", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving sandbox record: %w", err)
	}
	return nil
}

// SetState updates the last known state for userID.
func (s *GormStore) SetState(ctx context.Context, userID string, state State) error {
	res := s.db.WithContext(ctx).Model(&recordModel{}).
		Where("user_id = ?", userID).
		Update("state", string(state))
	if res.Error != nil {
		return fmt.Errorf("updating sandbox state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Driver returns the backend name.
func (s *GormStore) Driver() string {
	return s.driver
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
