package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"reelcoral/services/probe"
)

// probe results stay valid as long as (path, size, mtime) matches, but cap
// their age so stale rows for deleted files eventually fall out
const probeCacheMaxAge = 30 * 24 * time.Hour

// ProbeCache persists MediaDescriptors keyed on (path, size, mtime).
type ProbeCache struct {
	db *DB
}

func NewProbeCache(db *DB) *ProbeCache { return &ProbeCache{db: db} }

// Get returns the cached descriptor for key, or nil on miss.
func (c *ProbeCache) Get(key probe.Key) (*probe.MediaDescriptor, error) {
	var raw string
	err := c.db.conn.QueryRow(
		`SELECT descriptor FROM probe_cache WHERE path = ? AND size = ? AND mtime = ?`,
		key.Path, key.Size, key.MTime,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var desc probe.MediaDescriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		// corrupt row: drop it and treat as a miss
		_, _ = c.db.conn.Exec(`DELETE FROM probe_cache WHERE path = ?`, key.Path)
		return nil, nil
	}
	return &desc, nil
}

// Put stores a descriptor, replacing older rows for the same path.
func (c *ProbeCache) Put(key probe.Key, desc *probe.MediaDescriptor) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	// A changed file invalidates every older (size, mtime) row for the path.
	if _, err := c.db.conn.Exec(`DELETE FROM probe_cache WHERE path = ?`, key.Path); err != nil {
		return err
	}
	_, err = c.db.conn.Exec(
		`INSERT INTO probe_cache (path, size, mtime, descriptor, created_at) VALUES (?, ?, ?, ?, ?)`,
		key.Path, key.Size, key.MTime, string(raw), time.Now().Unix(),
	)
	return err
}

// Prune drops rows older than the cache's maximum age.
func (c *ProbeCache) Prune() error {
	cutoff := time.Now().Add(-probeCacheMaxAge).Unix()
	_, err := c.db.conn.Exec(`DELETE FROM probe_cache WHERE created_at < ?`, cutoff)
	return err
}
