package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no stream record exists for an identifier
var ErrNotFound = errors.New("stream record not found")

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database handles stream record storage on SQLite or PostgreSQL
type Database struct {
	db     *sql.DB
	driver string
}

// StreamRecord is a stream as stored in the database
type StreamRecord struct {
	ID          string
	Name        string
	URL         string
	IsActive    bool
	ViewerCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// New opens a SQLite database file
func New(dbPath string) (*Database, error) {
	return Open(DriverSQLite, dbPath)
}

// Open creates a new database connection for the given driver
func Open(driver, dsn string) (*Database, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch driver {
	case DriverSQLite:
		// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	case DriverPostgres:
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	return &Database{db: db, driver: driver}, nil
}

// Driver returns the name of the underlying SQL driver
func (d *Database) Driver() string {
	return d.driver
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the connection is usable
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	timestamp := "DATETIME"
	if d.driver == DriverPostgres {
		timestamp = "TIMESTAMP WITH TIME ZONE"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 0,
			viewer_count INTEGER NOT NULL DEFAULT 0,
			created_at ` + timestamp + ` DEFAULT CURRENT_TIMESTAMP,
			updated_at ` + timestamp + ` DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_active ON streams(is_active)`,
	}

	for i, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Printf("[Database] Migrations completed successfully (%s)", d.driver)
	return nil
}

// SaveStream saves or updates a stream record. Runtime counters are left alone on update.
func (d *Database) SaveStream(rec *StreamRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `INSERT INTO streams (id, name, url, is_active, viewer_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			updated_at = excluded.updated_at`

	_, err := d.db.Exec(d.rebind(query), rec.ID, rec.Name, rec.URL, boolToInt(rec.IsActive), rec.ViewerCount, rec.CreatedAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save stream: %w", err)
	}
	return nil
}

// GetStream retrieves a stream record by ID
func (d *Database) GetStream(id string) (*StreamRecord, error) {
	query := `SELECT id, name, url, is_active, viewer_count, created_at, updated_at FROM streams WHERE id = ?`

	rec, err := scanStream(d.db.QueryRow(d.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return rec, nil
}

// ListStreams returns every stream record, newest first
func (d *Database) ListStreams() ([]*StreamRecord, error) {
	query := `SELECT id, name, url, is_active, viewer_count, created_at, updated_at FROM streams ORDER BY created_at DESC`

	rows, err := d.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer rows.Close()

	var streams []*StreamRecord
	for rows.Next() {
		rec, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		streams = append(streams, rec)
	}
	return streams, rows.Err()
}

// Seed saves the given records and returns how many records are stored afterwards
func (d *Database) Seed(recs []*StreamRecord) (int, error) {
	for _, rec := range recs {
		if err := d.SaveStream(rec); err != nil {
			return 0, fmt.Errorf("seed stream %s: %w", rec.ID, err)
		}
	}
	all, err := d.ListStreams()
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// SourceURL returns the stored source URL of a stream
func (d *Database) SourceURL(id string) (string, error) {
	var url string
	err := d.db.QueryRow(d.rebind("SELECT url FROM streams WHERE id = ?"), id).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get stream url: %w", err)
	}
	if url == "" {
		return "", fmt.Errorf("stream %s has no url: %w", id, ErrNotFound)
	}
	return url, nil
}

// ViewerJoined marks the stream active and bumps its viewer count
func (d *Database) ViewerJoined(id string) error {
	return d.updateViewers(id, `UPDATE streams SET is_active = 1, viewer_count = viewer_count + 1,
		updated_at = CURRENT_TIMESTAMP WHERE id = ?`)
}

// ViewerLeft decrements the viewer count and clears the active flag at zero
func (d *Database) ViewerLeft(id string) error {
	return d.updateViewers(id, `UPDATE streams SET
		viewer_count = CASE WHEN viewer_count > 1 THEN viewer_count - 1 ELSE 0 END,
		is_active = CASE WHEN viewer_count > 1 THEN 1 ELSE 0 END,
		updated_at = CURRENT_TIMESTAMP WHERE id = ?`)
}

// ResetActivity clears runtime counters, used at startup after an unclean exit
func (d *Database) ResetActivity() error {
	_, err := d.db.Exec("UPDATE streams SET is_active = 0, viewer_count = 0")
	if err != nil {
		return fmt.Errorf("failed to reset stream activity: %w", err)
	}
	return nil
}

func (d *Database) updateViewers(id, query string) error {
	result, err := d.db.Exec(d.rebind(query), id)
	if err != nil {
		return fmt.Errorf("failed to update viewers for stream %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update viewers for stream %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	return nil
}

// rebind rewrites ? placeholders into the $n form postgres expects
func (d *Database) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStream(row scanner) (*StreamRecord, error) {
	var rec StreamRecord
	var active int
	if err := row.Scan(&rec.ID, &rec.Name, &rec.URL, &active, &rec.ViewerCount, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.IsActive = active == 1
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
