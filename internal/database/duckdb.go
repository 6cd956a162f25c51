package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basekick-labs/arc-geo/internal/metrics"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"
)

// DuckDB runs the SQL that feeds map views. *sql.DB pools and synchronizes
// connections itself.
type DuckDB struct {
	db     *sql.DB
	logger zerolog.Logger
	config *Config
}

// Config holds DuckDB settings.
type Config struct {
	// Path of the database file; empty means in-memory.
	Path           string
	MaxConnections int
	MemoryLimit    string
	ThreadCount    int
	// Statements run once at startup, e.g. INSTALL/LOAD of extensions or
	// CREATE VIEW over parquet files.
	InitSQL []string
}

// New opens DuckDB and applies cfg.
func New(cfg *Config, logger zerolog.Logger) (*DuckDB, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/2))
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}
	if err := configureDatabase(db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure duckdb: %w", err)
	}

	log := logger.With().Str("component", "duckdb").Logger()
	log.Info().
		Str("path", cfg.Path).
		Int("max_connections", maxConns).
		Str("memory_limit", cfg.MemoryLimit).
		Int("thread_count", cfg.ThreadCount).
		Int("init_statements", len(cfg.InitSQL)).
		Msg("DuckDB initialized")

	return &DuckDB{db: db, logger: log, config: cfg}, nil
}

// configureDatabase applies settings that DuckDB only accepts as SET
// statements, then the init statements.
func configureDatabase(db *sql.DB, cfg *Config) error {
	if cfg.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", escapeSQLString(cfg.MemoryLimit))); err != nil {
			return fmt.Errorf("failed to set memory_limit: %w", err)
		}
	}
	if cfg.ThreadCount > 0 {
		if _, err := db.Exec(fmt.Sprintf("SET threads=%d", cfg.ThreadCount)); err != nil {
			return fmt.Errorf("failed to set threads: %w", err)
		}
	}
	for i, stmt := range cfg.InitSQL {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init statement %d failed: %w", i, err)
		}
	}
	return nil
}

// escapeSQLString doubles single quotes for use inside a SQL literal.
func escapeSQLString(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Query executes a query and returns rows.
func (d *DuckDB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	metrics.Get().IncDBQueries()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.Get().IncDBQueryErrors()
		d.logger.Error().Err(err).Str("query", query).Dur("elapsed", time.Since(start)).Msg("Query failed")
		return nil, fmt.Errorf("query failed: %w", err)
	}
	d.logger.Debug().Str("query", query).Dur("elapsed", time.Since(start)).Msg("Query executed")
	return rows, nil
}

// Exec executes a statement without returning rows.
func (d *DuckDB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		d.logger.Error().Err(err).Str("query", query).Dur("elapsed", time.Since(start)).Msg("Exec failed")
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return result, nil
}

func (d *DuckDB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.logger.Info().Msg("DuckDB closed")
	return nil
}

func (d *DuckDB) Stats() sql.DBStats {
	return d.db.Stats()
}

// Ping reports whether the database answers, for the readiness probe.
func (d *DuckDB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
