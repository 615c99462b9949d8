// Package storage owns the SQLite database handle and schema.
//
// Feature stores (notifications, directories) operate on the *sql.DB exposed
// here; this package only deals with opening, pragmas and migrations.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "taskboard/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// TimeFormat is the stored form of every timestamp column. Timestamps are
// TEXT and get compared/ordered lexicographically in SQL, so the fraction
// must be fixed-width: RFC3339Nano trims trailing zeros, which makes
// "08:00:00Z" sort after "08:00:00.5Z".
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type DB struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the database file and applies the schema.
// Path ":memory:" opens an in-memory database (tests).
func Open(cfg Config, log logx.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &DB{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Handle returns the underlying database handle for feature stores.
func (s *DB) Handle() *sql.DB { return s.db }

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
