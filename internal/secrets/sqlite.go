// Package secrets persists per-organization secret values such as the
// tile-server URL.
package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a secret key has no value.
var ErrNotFound = errors.New("secret not found")

// SQLiteStore keeps secrets in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath. ":memory:" is
// accepted for tests.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create secrets directory: %w", err)
		}
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open secrets database: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS secrets (
			org TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (org, key)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create secrets table: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.With().Str("component", "secrets").Logger()}
	s.logger.Info().Str("db_path", dbPath).Msg("Secret store initialized")
	return s, nil
}

// Get returns the value of key for org, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, org, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE org = ? AND key = ?`, org, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return value, nil
}

// Set creates or replaces a secret.
func (s *SQLiteStore) Set(ctx context.Context, org, key, value string) error {
	if key == "" {
		return fmt.Errorf("secret key is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (org, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (org, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, org, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	s.logger.Info().Str("org", org).Str("key", key).Msg("Secret updated")
	return nil
}

// Delete removes a secret. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, org, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE org = ? AND key = ?`, org, key); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

// Keys lists the secret keys of org in sorted order. Values are never listed.
func (s *SQLiteStore) Keys(ctx context.Context, org string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets WHERE org = ? ORDER BY key`, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Secret implements tileserver.SecretSource.
func (s *SQLiteStore) Secret(ctx context.Context, org, key string) (string, error) {
	return s.Get(ctx, org, key)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
