// Package sqlite is an exact-match response cache backed by SQLite.
package sqlite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/ladder/pkg/models"
)

// Cache stores successful responses per intent with a per-entry TTL.
type Cache struct {
	db     *sql.DB
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	intent TEXT NOT NULL,
	response BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expiry ON cache_entries(expires_at);
`

// New creates a Cache with the given database path.
func New(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, now: time.Now}, nil
}

// Key hashes the intent, the serving candidate and the payload.
func Key(intent, candidate string, p models.Payload) string {
	h := sha256.New()
	h.Write([]byte(intent))
	h.Write([]byte{0})
	h.Write([]byte(candidate))
	h.Write([]byte{0})
	data, _ := json.Marshal(p)
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get retrieves a cached response. Returns false if not found or expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	var response []byte
	var expiresAt time.Time

	err := c.db.QueryRow(
		`SELECT response, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&response, &expiresAt)

	if err != nil || !c.now().UTC().Before(expiresAt) {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return response, true
}

// Put stores a response for ttl.
func (c *Cache) Put(key, intent string, response []byte, ttl time.Duration) error {
	now := c.now().UTC()
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO cache_entries (key, intent, response, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key, intent, response, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries
// are removed. It returns the number of rows deleted.
func (c *Cache) Clear(expiredOnly bool) (int64, error) {
	var res sql.Result
	var err error
	if expiredOnly {
		res, err = c.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= ?`, c.now().UTC())
	} else {
		res, err = c.db.Exec(`DELETE FROM cache_entries`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
