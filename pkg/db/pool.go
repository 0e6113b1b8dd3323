// Package db provides a thin, fail-fast wrapper around database/sql
// connection pools. The SQL persistence adapter takes a plain *sql.DB, so
// callers can use this package or open the DB themselves.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PoolConfig configures a connection pool.
type PoolConfig struct {
	// DriverName is the database/sql driver name (e.g. "sqlite3").
	DriverName string

	// DSN is the connection string.
	DSN string

	// MaxOpenConns bounds open connections.
	MaxOpenConns int

	// MaxIdleConns bounds idle connections.
	MaxIdleConns int

	// ConnMaxLifetime caps how long a connection may be reused.
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns conservative defaults for embedded databases.
func DefaultPoolConfig(driverName, dsn string) PoolConfig {
	return PoolConfig{
		DriverName:      driverName,
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Pool owns one *sql.DB.
type Pool struct {
	db     *sql.DB
	config PoolConfig
}

// NewPool validates the config, opens the pool and verifies connectivity.
func NewPool(ctx context.Context, config PoolConfig) (*Pool, error) {
	if config.DriverName == "" {
		return nil, fmt.Errorf("db: driver name is required")
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("db: DSN is required")
	}
	if config.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("db: MaxOpenConns must be positive")
	}

	sqlDB, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: open %s pool: %w", config.DriverName, err)
	}

	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: ping %s pool: %w", config.DriverName, err)
	}

	return &Pool{db: sqlDB, config: config}, nil
}

// DB returns the underlying *sql.DB.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Stats reports pool statistics.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

// Close closes the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}
