package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/matheus3301/offsync/internal/kv/migrations"
)

// SQLite is a durable Store backed by a single-table SQLite database.
type SQLite struct {
	db *sql.DB

	// maxBytes is a soft quota over the summed value sizes; 0 disables it.
	// SQLITE_FULL from the engine maps to ErrQuotaExceeded regardless.
	maxBytes int
}

// OpenSQLite opens (or creates) the database with WAL mode and the usual
// pragmas, verifies the connection and runs pending migrations.
// maxBytes <= 0 means no soft quota.
func OpenSQLite(path string, maxBytes int) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &SQLite{db: db, maxBytes: maxBytes}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLite) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (s *SQLite) Set(key, value string) error {
	if s.maxBytes > 0 {
		var used int
		if err := s.db.QueryRow(`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM kv WHERE key != ?`, key).Scan(&used); err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		if used+len(value) > s.maxBytes {
			return fmt.Errorf("set %q (%d bytes over %d budget): %w", key, used+len(value)-s.maxBytes, s.maxBytes, ErrQuotaExceeded)
		}
	}

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && (serr.Code == sqlite3.ErrFull || serr.Code == sqlite3.ErrTooBig) {
			return fmt.Errorf("set %q: %w", key, ErrQuotaExceeded)
		}
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Remove implements Store.
func (s *SQLite) Remove(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Keys implements Store.
func (s *SQLite) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv WHERE key >= ? AND key < ? ORDER BY key ASC`, prefix, prefix+"\xff")
	if err != nil {
		return nil, fmt.Errorf("keys %q: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
