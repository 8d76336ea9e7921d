package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"txqueue/services/txqueued/models"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

var (
	// ErrDSNRequired is returned when no DSN is configured.
	ErrDSNRequired = errors.New("storage: dsn must be configured")
	// ErrUnknownDriver is returned for unsupported driver names.
	ErrUnknownDriver = errors.New("storage: unknown driver")
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Migrate         bool
	Quiet           bool
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrDSNRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Open connects to the configured database and optionally migrates the schema.
// SQLite connections are pinned to a single writer so that row locking
// degrades to whole-database serialisation instead of SQLITE_BUSY errors.
func Open(driver, dsn string, opts Options) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "postgresql":
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		if !strings.HasPrefix(dsn, "file:") {
			fileDSN, err := FileDSN(dsn)
			if err != nil {
				return nil, err
			}
			dsn = fileDSN
		}
		dialector = sqlite.Open(dsn)
		opts.MaxOpenConns = 1
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	cfg := &gorm.Config{}
	if opts.Quiet {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("storage: pool: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.Migrate {
		if err := models.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return db, nil
}

// Close releases the underlying pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
