// Package catalog indexes every still the sensor captures and tracks what
// happened to it: classified, relocated, deleted, uploaded or swept.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"github.com/e7canasta/birdbath-sensor/camera"
)

// Status is the lifecycle stage of a capture.
type Status string

const (
	StatusPending     Status = "pending"
	StatusIdentified  Status = "identified"
	StatusNotABird    Status = "not_a_bird"
	StatusRateLimited Status = "rate_limited"
	StatusFailed      Status = "failed"
	StatusSwept       Status = "swept"
)

// ErrNotFound is returned when no capture matches.
var ErrNotFound = errors.New("catalog: capture not found")

// Entry is one row of the captures table.
type Entry struct {
	ID            string          `json:"id"`
	Path          string          `json:"path"`
	CapturedAt    time.Time       `json:"captured_at"`
	Settings      camera.Settings `json:"settings"`
	Status        Status          `json:"status"`
	Species       string          `json:"species,omitempty"`
	RelocatedPath string          `json:"relocated_path,omitempty"`
	Uploaded      bool            `json:"uploaded"`
}

// CurrentPath is where the file lives now.
func (e Entry) CurrentPath() string {
	if e.RelocatedPath != "" {
		return e.RelocatedPath
	}
	return e.Path
}

// Catalog is a SQLite-backed capture index.
type Catalog struct {
	db *sql.DB
}

// Open connects to dsn (a file path or a sqlite URI) and creates the schema.
func Open(dsn string) (*Catalog, error) {
	dbPath := dsn
	if idx := strings.Index(dsn, "?"); idx != -1 {
		dbPath = dsn[:idx]
	}
	if !strings.HasPrefix(dbPath, "file:") {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("catalog: create dir: %w", err)
			}
		}
	}

	if !strings.Contains(dsn, "_busy_timeout") {
		if strings.Contains(dsn, "?") {
			dsn += "&_busy_timeout=5000"
		} else {
			dsn += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func createTables(db *sql.DB) error {
	const schema = `
    CREATE TABLE IF NOT EXISTS captures (
        id TEXT PRIMARY KEY,
        path TEXT NOT NULL,
        captured_at TEXT NOT NULL,
        settings TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'pending',
        species TEXT NOT NULL DEFAULT '',
        relocated_path TEXT NOT NULL DEFAULT '',
        uploaded INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_captures_captured_at ON captures(captured_at);
    CREATE INDEX IF NOT EXISTS idx_captures_path ON captures(path);
    CREATE INDEX IF NOT EXISTS idx_captures_relocated ON captures(relocated_path);
    `
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("catalog: create tables: %w", err)
	}
	return nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Add indexes a freshly written still as pending.
func (c *Catalog) Add(ctx context.Context, rec camera.CaptureRecord) error {
	settings, err := json.Marshal(rec.Settings)
	if err != nil {
		return fmt.Errorf("catalog: encode settings: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO captures (id, path, captured_at, settings, status) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.Path, formatTime(rec.CapturedAt), string(settings), StatusPending,
	)
	if err != nil {
		return fmt.Errorf("catalog: add %s: %w", rec.ID, err)
	}
	return nil
}

// SetStatus moves a capture to status.
func (c *Catalog) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := c.db.ExecContext(ctx, "UPDATE captures SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("catalog: set status %s: %w", id, err)
	}
	return expectOne(res, id)
}

// MarkIdentified records the species and where the still was moved to.
func (c *Catalog) MarkIdentified(ctx context.Context, id, species, relocatedPath string) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE captures SET status = ?, species = ?, relocated_path = ? WHERE id = ?",
		StatusIdentified, species, relocatedPath, id,
	)
	if err != nil {
		return fmt.Errorf("catalog: mark identified %s: %w", id, err)
	}
	return expectOne(res, id)
}

// MarkUploaded flags the capture whose current file is path. Paths that are
// not in the catalog are ignored.
func (c *Catalog) MarkUploaded(ctx context.Context, path string) error {
	_, err := c.db.ExecContext(ctx,
		"UPDATE captures SET uploaded = 1 WHERE path = ? OR relocated_path = ?", path, path)
	if err != nil {
		return fmt.Errorf("catalog: mark uploaded: %w", err)
	}
	return nil
}

// MarkSwept flags captures whose files retention deleted. It returns how
// many rows changed.
func (c *Catalog) MarkSwept(ctx context.Context, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("catalog: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "UPDATE captures SET status = ? WHERE path = ? AND relocated_path = ''")
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("catalog: prepare: %w", err)
	}
	defer stmt.Close()

	changed := 0
	for _, p := range paths {
		res, err := stmt.ExecContext(ctx, StatusSwept, p)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("catalog: mark swept %s: %w", p, err)
		}
		n, _ := res.RowsAffected()
		changed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("catalog: commit: %w", err)
	}
	return changed, nil
}

// Get returns one capture.
func (c *Catalog) Get(ctx context.Context, id string) (Entry, error) {
	row := c.db.QueryRowContext(ctx, selectEntry+" WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status Status
	Since  time.Time
	Limit  int
}

// List returns captures newest first.
func (c *Catalog) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := selectEntry
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "captured_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY captured_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of captures per status.
func (c *Catalog) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM captures GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("catalog: counts: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("catalog: scan counts: %w", err)
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

const selectEntry = "SELECT id, path, captured_at, settings, status, species, relocated_path, uploaded FROM captures"

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e         Entry
		captured  string
		settings  string
		status    string
		uploadedN int
	)
	if err := s.Scan(&e.ID, &e.Path, &captured, &settings, &status, &e.Species, &e.RelocatedPath, &uploadedN); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("catalog: scan: %w", err)
	}

	t, err := time.Parse(timeLayout, captured)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: parse captured_at %q: %w", captured, err)
	}
	e.CapturedAt = t
	if err := json.Unmarshal([]byte(settings), &e.Settings); err != nil {
		return Entry{}, fmt.Errorf("catalog: decode settings: %w", err)
	}
	e.Status = Status(status)
	e.Uploaded = uploadedN != 0
	return e, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// timeLayout is fixed-width and always UTC, so lexical order in SQLite
// matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
