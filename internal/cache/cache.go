// Package cache provides a TTL'd read-through cache for tracker data,
// backed by SQLite so warmed entries survive a daemon restart.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

// DefaultTTL is how long a cached entry stays fresh unless the caller
// asks for something else.
const DefaultTTL = 5 * time.Minute

// timeLayout keeps a fixed-width fraction so expiry strings compare
// correctly inside SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists cache entries as JSON keyed by a caller-chosen string.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the cache database and runs migrations.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: wal: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("cache: migrate: %w", err)
	}
	return nil
}

// Get unmarshals the entry for key into dest. The second return is
// false on a miss: no row, an expired row, or a row that no longer
// unmarshals into dest.
func (s *Store) Get(key string, dest any) (bool, error) {
	var value, expires string
	err := s.db.QueryRow(`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).
		Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %q: %w", key, err)
	}

	exp, err := time.Parse(timeLayout, expires)
	if err != nil || !exp.After(time.Now()) {
		return false, nil
	}
	if err := json.Unmarshal([]byte(value), dest); err != nil {
		return false, nil
	}
	return true, nil
}

// Set stores v under key, replacing any previous entry.
func (s *Store) Set(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal %q: %w", key, err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO cache_entries (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at
	`, key, string(data), now.Add(ttl).Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// Delete removes a single entry. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: delete %q: %w", key, err)
	}
	return nil
}

// Purge drops every entry whose key starts with prefix. An empty
// prefix drops everything.
func (s *Store) Purge(prefix string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return 0, fmt.Errorf("cache: purge %q: %w", prefix, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeExpired drops entries past their expiry. Called periodically by
// the refresher so stale rows don't accumulate.
func (s *Store) PurgeExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= ?`,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("cache: purge expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Cache wraps a Store with request coalescing: concurrent misses on
// the same key run the loader once and share the result.
type Cache struct {
	store  *Store
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// New wraps store. A zero ttl means DefaultTTL.
func New(store *Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, ttl: ttl, logger: logger}
}

// Store exposes the underlying store for purge endpoints.
func (c *Cache) Store() *Store { return c.store }

// Fetch returns the cached value for key, or runs loader and caches
// its result for ttl (zero means the cache's default). Loader failures
// are returned as-is and never cached.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	var cached T
	hit, err := c.store.Get(key, &cached)
	if err != nil {
		return cached, err
	}
	if hit {
		return cached, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have filled the
		// entry while this one waited.
		var again T
		hit, err := c.store.Get(key, &again)
		if err == nil && hit {
			return again, nil
		}
		return fill(ctx, c, key, ttl, loader)
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("cache: load %q: %w", key, err)
	}
	return v.(T), nil
}

// Refresh bypasses any cached entry: it always runs the loader and
// writes the result through, so callers can force a fresh read.
func Refresh[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		return fill(ctx, c, key, ttl, loader)
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("cache: load %q: %w", key, err)
	}
	return v.(T), nil
}

func fill[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	loaded, err := loader(ctx)
	if err != nil {
		return loaded, err
	}
	if err := c.store.Set(key, loaded, ttl); err != nil {
		c.logger.Warn("cache fill failed", "key", key, "error", err)
	}
	return loaded, nil
}
