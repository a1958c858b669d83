// Package database opens the postgres store shared by the scanner and the
// account session, and the sqlite files that hold bot sessions.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB pairs a pgx pool for maintenance queries with a GORM handle for the
// store and the sessions table. Both point at the same database.
type DB struct {
	Pool *pgxpool.Pool
	GORM *gorm.DB
}

type options struct {
	maxConns    int32
	maxIdleTime time.Duration
	logLevel    gormlogger.LogLevel
}

// Option tunes New.
type Option func(*options)

// WithMaxConns caps the pgx pool and the GORM connection pool.
func WithMaxConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConns = int32(n)
		}
	}
}

// WithMaxIdleTime closes connections idle for longer than d.
func WithMaxIdleTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxIdleTime = d
		}
	}
}

// WithQueryLogging makes GORM log every statement. Off by default.
func WithQueryLogging(on bool) Option {
	return func(o *options) {
		if on {
			o.logLevel = gormlogger.Info
		}
	}
}

// New connects to postgres and pings it before returning.
func New(ctx context.Context, databaseURL string, opts ...Option) (*DB, error) {
	o := options{logLevel: gormlogger.Warn}
	for _, opt := range opts {
		opt(&o)
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if o.maxConns > 0 {
		config.MaxConns = o.maxConns
	}
	if o.maxIdleTime > 0 {
		config.MaxConnIdleTime = o.maxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	gormDB, err := gorm.Open(postgres.Open(databaseURL), gormConfig(o.logLevel))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		if o.maxConns > 0 {
			sqlDB.SetMaxOpenConns(int(o.maxConns))
		}
		if o.maxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(o.maxIdleTime)
		}
	}

	return &DB{Pool: pool, GORM: gormDB}, nil
}

// OpenSQLite opens a file-backed sqlite database, creating parent
// directories with owner-only permissions since the file holds auth keys.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), gormConfig(gormlogger.Warn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

func gormConfig(level gormlogger.LogLevel) *gorm.Config {
	return &gorm.Config{Logger: gormlogger.Default.LogMode(level)}
}

// Health is the database part of the status endpoint.
type Health struct {
	Reachable     bool          `json:"reachable"`
	Latency       time.Duration `json:"latency_ns"`
	Error         string        `json:"error,omitempty"`
	TotalConns    int32         `json:"total_conns"`
	IdleConns     int32         `json:"idle_conns"`
	AcquiredConns int32         `json:"acquired_conns"`
	MaxConns      int32         `json:"max_conns"`
}

// Health pings the pool and reports its counters.
func (db *DB) Health(ctx context.Context) Health {
	var h Health
	start := time.Now()
	if err := db.Pool.Ping(ctx); err != nil {
		h.Error = err.Error()
	} else {
		h.Reachable = true
	}
	h.Latency = time.Since(start)

	st := db.Pool.Stat()
	h.TotalConns = st.TotalConns()
	h.IdleConns = st.IdleConns()
	h.AcquiredConns = st.AcquiredConns()
	h.MaxConns = st.MaxConns()
	return h
}

// Close closes both pools.
func (db *DB) Close() {
	if db.GORM != nil {
		if sqlDB, err := db.GORM.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	db.Pool.Close()
}
