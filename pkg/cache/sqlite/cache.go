package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cocopilot/cocopilot/pkg/cache"
	"github.com/cocopilot/cocopilot/pkg/models"
)

// Cache is the named cache store backed by SQLite.
type Cache struct {
	db     *sql.DB
	hits   atomic.Int64
	misses atomic.Int64
}

var _ cache.Storage = (*Cache)(nil)

const schema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS cache_generations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_name TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (cache_name, method, url)
);
CREATE TABLE IF NOT EXISTS registration (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	active_version TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// New opens (or creates) the cache database at dbPath.
func New(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// Fire-and-forget writes race with reads; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db}, nil
}

// Open creates the named generation if it does not already exist.
func (c *Cache) Open(ctx context.Context, name string) error {
	if err := openGeneration(ctx, c.db, name); err != nil {
		return fmt.Errorf("cache open %q: %w", name, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func openGeneration(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_generations (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixNano(),
	)
	return err
}

// Has reports whether the named generation exists.
func (c *Cache) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_generations WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("cache has %q: %w", name, err)
	}
	return n > 0, nil
}

// Keys lists every generation name in creation order.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM cache_generations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("cache keys: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("cache keys: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes a generation and its entries.
func (c *Cache) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("cache delete %q: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, name); err != nil {
		return false, fmt.Errorf("cache delete %q: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_generations WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("cache delete %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("cache delete %q: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Put stores one entry, replacing any existing entry with the same key. The
// entry's generation must already exist; writing into a deleted generation
// returns cache.ErrNotFound instead of recreating it.
func (c *Cache) Put(ctx context.Context, entry models.CacheEntry) error {
	return c.put(ctx, []models.CacheEntry{entry}, false)
}

// PutAll stores entries in a single transaction, opening their generations
// as needed.
func (c *Cache) PutAll(ctx context.Context, entries []models.CacheEntry) error {
	return c.put(ctx, entries, true)
}

func (c *Cache) put(ctx context.Context, entries []models.CacheEntry, open bool) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if e.Cache == "" {
			return fmt.Errorf("cache put %s: missing cache name", e.Key)
		}
		header, err := json.Marshal(e.Header)
		if err != nil {
			return fmt.Errorf("cache put %s: encode header: %w", e.Key, err)
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		body := e.Body
		if body == nil {
			body = []byte{}
		}
		if open {
			if err := openGeneration(ctx, tx, e.Cache); err != nil {
				return fmt.Errorf("cache put %s: %w", e.Key, err)
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO cache_entries (cache_name, method, url, status, header, body, created_at)
			 SELECT ?, ?, ?, ?, ?, ?, ?
			 WHERE EXISTS (SELECT 1 FROM cache_generations WHERE name = ?)`,
			e.Cache, e.Key.Method, e.Key.URL, e.Status, string(header), body, createdAt.UnixNano(), e.Cache,
		)
		if err != nil {
			return fmt.Errorf("cache put %s: %w", e.Key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("cache put %s: generation %q: %w", e.Key, e.Cache, cache.ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

const entryColumns = `e.cache_name, e.method, e.url, e.status, e.header, e.body, e.created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (models.CacheEntry, error) {
	var (
		e         models.CacheEntry
		header    string
		createdAt int64
	)
	if err := s.Scan(&e.Cache, &e.Key.Method, &e.Key.URL, &e.Status, &header, &e.Body, &createdAt); err != nil {
		return e, err
	}
	e.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return e, fmt.Errorf("decode header: %w", err)
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return e, nil
}

// Match looks a key up in the named generation, or in every generation in
// creation order when name is empty.
func (c *Cache) Match(ctx context.Context, name string, key models.RequestKey) (*models.CacheEntry, bool, error) {
	query := `SELECT ` + entryColumns + `
		FROM cache_entries e JOIN cache_generations g ON g.name = e.cache_name
		WHERE e.method = ? AND e.url = ?`
	args := []any{key.Method, key.URL}
	if name != "" {
		query += ` AND e.cache_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY g.id LIMIT 1`

	e, err := scanEntry(c.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache match %s: %w", key, err)
	}
	c.hits.Add(1)
	return &e, true, nil
}

// Entries lists the entries of a generation ordered by URL.
func (c *Cache) Entries(ctx context.Context, name string) ([]models.CacheEntry, error) {
	ok, err := c.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cache entries %q: %w", name, cache.ErrNotFound)
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries e WHERE e.cache_name = ? ORDER BY e.url, e.method`, name)
	if err != nil {
		return nil, fmt.Errorf("cache entries %q: %w", name, err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("cache entries %q: %w", name, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Generations summarises every generation in creation order.
func (c *Cache) Generations(ctx context.Context) ([]models.GenerationInfo, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT g.name, g.created_at, COUNT(e.url), COALESCE(SUM(LENGTH(e.body)), 0)
		FROM cache_generations g LEFT JOIN cache_entries e ON e.cache_name = g.name
		GROUP BY g.id ORDER BY g.id`)
	if err != nil {
		return nil, fmt.Errorf("cache generations: %w", err)
	}
	defer rows.Close()

	var infos []models.GenerationInfo
	for rows.Next() {
		var (
			info      models.GenerationInfo
			createdAt int64
		)
		if err := rows.Scan(&info.Name, &createdAt, &info.Entries, &info.Bytes); err != nil {
			return nil, fmt.Errorf("cache generations: %w", err)
		}
		info.CreatedAt = time.Unix(0, createdAt).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var gens, entries int64
	err := c.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM cache_generations), (SELECT COUNT(*) FROM cache_entries)`,
	).Scan(&gens, &entries)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Generations: gens,
		Entries:     entries,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
	}, nil
}

// ActiveVersion returns the version recorded by the last activation.
func (c *Cache) ActiveVersion(ctx context.Context) (string, error) {
	var v string
	err := c.db.QueryRowContext(ctx, `SELECT active_version FROM registration WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read registration: %w", err)
	}
	return v, nil
}

// SetActiveVersion records the version that completed activation.
func (c *Cache) SetActiveVersion(ctx context.Context, version string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO registration (id, active_version, updated_at) VALUES (1, ?, ?)`,
		version, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("write registration: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
