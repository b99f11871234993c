package workdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05"

var ErrNoBackupTable = errors.New("no conversion_log_old table to restore from")

// Entry is one row of the conversion history.
type Entry struct {
	ID         int64
	Feature    string
	InputPath  string
	OutputPath string
	Status     string
	Detail     string
	Username   string
	CreatedAt  time.Time
}

// History reads and writes the conversion_log table.
type History struct {
	db *sql.DB
}

// NewHistory returns a History over an open, migrated database.
func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Add appends an entry. A zero CreatedAt records the current time.
func (h *History) Add(ctx context.Context, e Entry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := h.db.ExecContext(ctx,
		`INSERT INTO conversion_log (feature, input_path, output_path, status, detail, username, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Feature, nullable(e.InputPath), nullable(e.OutputPath), e.Status,
		nullable(e.Detail), nullable(e.Username), e.CreatedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add history entry: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest id first.
func (h *History) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, feature, input_path, output_path, status, detail, username,
		        strftime('%Y-%m-%d %H:%M:%S', created_at)
		 FROM conversion_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                                  Entry
			in, out, detail, username, created sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Feature, &in, &out, &e.Status, &detail, &username, &created); err != nil {
			return nil, err
		}
		e.InputPath, e.OutputPath, e.Detail, e.Username = in.String, out.String, detail.String, username.String
		if created.Valid {
			e.CreatedAt, _ = time.Parse(timestampLayout, created.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// NeedsNormalization reports whether ids are out of chronological order or
// have gaps.
func (h *History) NeedsNormalization(ctx context.Context) (bool, error) {
	var total int64
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversion_log`).Scan(&total); err != nil {
		return false, err
	}
	if total == 0 {
		return false, nil
	}
	var firstID, maxID int64
	err := h.db.QueryRowContext(ctx,
		`SELECT id FROM conversion_log ORDER BY datetime(created_at) ASC, id ASC LIMIT 1`).Scan(&firstID)
	if err != nil {
		return false, err
	}
	if err := h.db.QueryRowContext(ctx, `SELECT MAX(id) FROM conversion_log`).Scan(&maxID); err != nil {
		return false, err
	}
	return firstID != 1 || maxID != total, nil
}

// NormalizeIDs renumbers entries 1..N in chronological order by rebuilding
// the table. The previous table is kept as conversion_log_old until the
// next normalization. It returns the number of rows renumbered.
func (h *History) NormalizeIDs(ctx context.Context) (int64, error) {
	needed, err := h.NeedsNormalization(ctx)
	if err != nil {
		return 0, err
	}
	if !needed {
		return 0, nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmts := []string{
		`DROP TABLE IF EXISTS conversion_log_new`,
		`CREATE TABLE conversion_log_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			feature TEXT NOT NULL,
			input_path TEXT,
			output_path TEXT,
			status TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			username TEXT
		)`,
		`INSERT INTO conversion_log_new (feature, input_path, output_path, status, detail, username, created_at)
		 SELECT feature, input_path, output_path, status, detail, username, created_at
		 FROM conversion_log ORDER BY datetime(created_at) ASC, id ASC`,
		`DROP TABLE IF EXISTS conversion_log_old`,
		`ALTER TABLE conversion_log RENAME TO conversion_log_old`,
		`ALTER TABLE conversion_log_new RENAME TO conversion_log`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("failed to normalize history: %w", err)
		}
	}

	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversion_log`).Scan(&n); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// RestoreFromBackupTable swaps conversion_log_old back in, undoing the last
// normalization. The replaced table is kept as conversion_log_discarded.
func (h *History) RestoreFromBackupTable(ctx context.Context) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='conversion_log_old'`).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoBackupTable
	}

	for _, stmt := range []string{
		`DROP TABLE IF EXISTS conversion_log_discarded`,
		`ALTER TABLE conversion_log RENAME TO conversion_log_discarded`,
		`ALTER TABLE conversion_log_old RENAME TO conversion_log`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to restore history: %w", err)
		}
	}
	return tx.Commit()
}
