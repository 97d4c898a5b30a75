// Package database is the SQLite interval store.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"homestay/internal/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// overlapViolation is raised by the bookings triggers when an active range would overlap another.
const overlapViolation = "dates_unavailable"

type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

var _ domain.Store = (*DB)(nil)

// NewDB opens (or creates) the database at path and applies the schema.
// Write transactions start with BEGIN IMMEDIATE so writers are serialized by SQLite itself.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=10000&_foreign_keys=on", path)
	if !memory {
		dsn += "&_journal_mode=WAL"
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	l := logger.With().Str("component", "sqlite").Logger()
	l.Info().Str("path", path).Msg("database ready")

	return &DB{DB: sqlDB, path: path, logger: &l}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS listings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host_id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			price INTEGER NOT NULL,
			base_guests INTEGER NOT NULL DEFAULT 2,
			extra_guest_fee INTEGER NOT NULL DEFAULT 0,
			max_guests INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			listing_id INTEGER NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
			guest_id INTEGER NOT NULL,
			check_in TEXT NOT NULL,
			check_out TEXT NOT NULL,
			guests INTEGER NOT NULL,
			total_price INTEGER NOT NULL,
			status TEXT NOT NULL,
			payment_status TEXT NOT NULL DEFAULT 'UNPAID',
			payment_session_id TEXT UNIQUE,
			payment_intent_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			CHECK (check_in < check_out)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_listing_range ON bookings(listing_id, status, check_in, check_out)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_guest ON bookings(guest_id)`,
		`CREATE TRIGGER IF NOT EXISTS bookings_no_overlap_insert
			BEFORE INSERT ON bookings
			WHEN NEW.status IN ('PENDING', 'CONFIRMED')
			BEGIN
				SELECT RAISE(ABORT, '` + overlapViolation + `')
				WHERE EXISTS (
					SELECT 1 FROM bookings b
					WHERE b.listing_id = NEW.listing_id
					AND b.status IN ('PENDING', 'CONFIRMED')
					AND b.check_in < NEW.check_out
					AND b.check_out > NEW.check_in
				);
			END`,
		`CREATE TRIGGER IF NOT EXISTS bookings_no_overlap_update
			BEFORE UPDATE OF status, check_in, check_out ON bookings
			WHEN NEW.status IN ('PENDING', 'CONFIRMED')
			BEGIN
				SELECT RAISE(ABORT, '` + overlapViolation + `')
				WHERE EXISTS (
					SELECT 1 FROM bookings b
					WHERE b.listing_id = NEW.listing_id
					AND b.id <> NEW.id
					AND b.status IN ('PENDING', 'CONFIRMED')
					AND b.check_in < NEW.check_out
					AND b.check_out > NEW.check_in
				);
			END`,
		`CREATE TABLE IF NOT EXISTS reconciliation_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			payment_intent_id TEXT NOT NULL DEFAULT '',
			guest_id INTEGER NOT NULL,
			listing_id INTEGER NOT NULL,
			check_in TEXT NOT NULL,
			check_out TEXT NOT NULL,
			guests INTEGER NOT NULL,
			amount INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at DATETIME NOT NULL,
			processed_at DATETIME,
			next_retry_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reconciliation_session ON reconciliation_queue(session_id)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// mapWriteError translates constraint failures into domain errors.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), overlapViolation) {
		return domain.ErrDatesUnavailable
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return domain.ErrDuplicateSession
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
