// Package workdb opens the working SQLite database that the vault protects
// and keeps its schema current.
package workdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/illarion/dotvault/internal/workdb/migrations"
)

const DefaultBusyTimeout = 5 * time.Second

var (
	// ErrMigrationFailure is never fatal to unlocking; callers surface it
	// as a warning.
	ErrMigrationFailure = errors.New("schema migration failed")
	ErrNotDatabase      = errors.New("working database failed quick_check")
)

var gooseOnce sync.Once

func dsn(path string, busyTimeout time.Duration, readOnly bool) string {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	s := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, busyTimeout.Milliseconds())
	if readOnly {
		s += "&mode=ro"
	}
	return s
}

// Open opens the working database at path. The file must already exist;
// use Create for a fresh install.
func Open(ctx context.Context, path string, busyTimeout time.Duration) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("working database: %w", err)
	}
	return open(ctx, path, busyTimeout)
}

// Create makes an empty working database at path. An existing file is an error.
func Create(ctx context.Context, path string, busyTimeout time.Duration) (*sql.DB, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create working database: %w", err)
	}
	f.Close()
	return open(ctx, path, busyTimeout)
}

func open(ctx context.Context, path string, busyTimeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path, busyTimeout, false))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open working database: %w", err)
	}
	return db, nil
}

// Migrate brings the schema up to date. Errors wrap ErrMigrationFailure.
func Migrate(ctx context.Context, db *sql.DB) error {
	var setupErr error
	gooseOnce.Do(func() {
		goose.SetBaseFS(migrations.FS)
		goose.SetLogger(log.WithField("component", "migrations"))
		setupErr = goose.SetDialect("sqlite3")
	})
	if setupErr != nil {
		return fmt.Errorf("%w: %v", ErrMigrationFailure, setupErr)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("%w: %v", ErrMigrationFailure, err)
	}
	return nil
}

// SchemaVersion returns the applied goose version
func SchemaVersion(ctx context.Context, db *sql.DB) (int64, error) {
	return goose.GetDBVersionContext(ctx, db)
}

// QuickCheck opens path read-only and runs PRAGMA quick_check.
func QuickCheck(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	db, err := sql.Open("sqlite", dsn(path, DefaultBusyTimeout, true))
	if err != nil {
		return err
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrNotDatabase, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrNotDatabase, result)
	}
	return nil
}
