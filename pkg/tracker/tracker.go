package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cocopilot/cocopilot/pkg/models"
)

// Tracker records and queries the requests served through the worker.
type Tracker interface {
	// Record stores a fetch record.
	Record(ctx context.Context, rec models.FetchRecord) error
	// Recent returns the newest records, newest first.
	Recent(ctx context.Context, limit int) ([]models.FetchRecord, error)
	// Summary aggregates records since a given time by policy and source.
	Summary(ctx context.Context, since time.Time) ([]models.FetchSummary, error)
	// Purge deletes records older than before and reports how many went.
	Purge(ctx context.Context, before time.Time) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS fetch_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	version TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	policy TEXT NOT NULL,
	source TEXT NOT NULL,
	status INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_time ON fetch_records(created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a fetch record. A zero CreatedAt is stamped with the current time.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.FetchRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO fetch_records (version, method, url, policy, source, status, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Version, rec.Method, rec.URL, rec.Policy, rec.Source, rec.Status, int64(rec.Duration), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record fetch: %w", err)
	}
	return nil
}

// Recent returns the newest records, newest first.
func (t *SQLiteTracker) Recent(ctx context.Context, limit int) ([]models.FetchRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, version, method, url, policy, source, status, duration_ns, created_at
		 FROM fetch_records ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent fetches: %w", err)
	}
	defer rows.Close()

	var records []models.FetchRecord
	for rows.Next() {
		var (
			r        models.FetchRecord
			duration int64
			created  int64
		)
		if err := rows.Scan(&r.ID, &r.Version, &r.Method, &r.URL, &r.Policy, &r.Source, &r.Status, &duration, &created); err != nil {
			return nil, fmt.Errorf("scan fetch: %w", err)
		}
		r.Duration = time.Duration(duration)
		r.CreatedAt = time.Unix(0, created)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary aggregates records since a given time, grouped by policy and source.
func (t *SQLiteTracker) Summary(ctx context.Context, since time.Time) ([]models.FetchSummary, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT policy, source, COUNT(*), CAST(AVG(duration_ns) AS INTEGER)
		 FROM fetch_records WHERE created_at >= ?
		 GROUP BY policy, source ORDER BY policy, source`,
		since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.FetchSummary
	for rows.Next() {
		var (
			s   models.FetchSummary
			avg int64
		)
		if err := rows.Scan(&s.Policy, &s.Source, &s.Requests, &avg); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.AvgDuration = time.Duration(avg)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Purge deletes records created before the given time.
func (t *SQLiteTracker) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM fetch_records WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge fetches: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
