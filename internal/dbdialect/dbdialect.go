// Package dbdialect opens GORM handles from database URLs.
package dbdialect

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("dbdialect.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("dbdialect.empty_database_url")
	errSQLiteEmptyPath     = errors.New("dbdialect.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("dbdialect.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("dbdialect.unsupported_no_scheme")
)

// Handle owns an open GORM connection and whatever pool backs it.
type Handle struct {
	DB     *gorm.DB
	Driver string
	pool   *pgxpool.Pool
}

// Close releases the connection and pool.
func (handle *Handle) Close() error {
	if handle == nil || handle.DB == nil {
		return nil
	}
	sqlDB, err := handle.DB.DB()
	if err != nil {
		return fmt.Errorf("dbdialect.close.%s: %w", handle.Driver, err)
	}
	closeErr := sqlDB.Close()
	if handle.pool != nil {
		handle.pool.Close()
	}
	if closeErr != nil {
		return fmt.Errorf("dbdialect.close.%s: %w", handle.Driver, closeErr)
	}
	return nil
}

// Open resolves the URL scheme (postgres, postgresql, sqlite, sqlite3) and opens a GORM handle.
func Open(ctx context.Context, databaseURL string) (*Handle, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("dbdialect.open: %w", errEmptyDatabaseURL)
	}
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("dbdialect.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("dbdialect.dialect: %w", errUnsupportedNoScheme)
	}

	handle := &Handle{}
	var dialector gorm.Dialector
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		pool, poolErr := BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, fmt.Errorf("dbdialect.postgres.pool: %w", poolErr)
		}
		handle.pool = pool
		handle.Driver = "postgres"
		dialector = postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)})
	case "sqlite", "sqlite3":
		dsn, dsnErr := BuildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, fmt.Errorf("dbdialect.sqlite: %w", dsnErr)
		}
		handle.Driver = "sqlite"
		dialector = sqliteDialector.Open(dsn)
	default:
		return nil, fmt.Errorf("dbdialect.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}

	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		if handle.pool != nil {
			handle.pool.Close()
		}
		return nil, fmt.Errorf("dbdialect.open.%s: %w", handle.Driver, openErr)
	}
	handle.DB = gormDB
	return handle, nil
}

// BuildPool creates a pgx pool with sane defaults.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.MinConns = 1
	config.MaxConns = 8
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, config)
}

// BuildSQLiteDSN turns sqlite://path, sqlite:path and sqlite:///abs/path URLs into a driver DSN.
func BuildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
