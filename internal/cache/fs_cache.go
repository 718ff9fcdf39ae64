package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// FSCache is the persistent Cache implementation: content-keyed object files
// under objects/ plus a SQLite index mapping keys to object locations and
// creation timestamps.
//
//	<dir>/
//	  index.db
//	  objects/
//	    ab/
//	      cd1234....json (first 2 chars = subdir, rest = filename)
type FSCache struct {
	dir      string
	maxBytes int64
	db       *sql.DB
	locks    keyedMutex
}

// NewFSCache opens (or creates) a cache directory. maxBytes <= 0 disables
// eviction.
func NewFSCache(dir string, maxBytes int64) (*FSCache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		object TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		size INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_created_at ON entries(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize cache index: %w", err)
	}

	return &FSCache{dir: dir, maxBytes: maxBytes, db: db}, nil
}

// Get implements Cache.
func (c *FSCache) Get(ctx context.Context, key Key, sourceDir string) (*Entry, bool, error) {
	hash := key.Hash()

	var object string
	err := c.db.QueryRowContext(ctx, "SELECT object FROM entries WHERE key = ?", hash).Scan(&object)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query cache index: %w", err)
	}

	data, err := os.ReadFile(c.objectPath(object)) // #nosec G304 - path derived from content hash
	if err != nil {
		// Index row without an object: self-heal by dropping the row.
		_, _ = c.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", hash)
		return nil, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = c.invalidate(ctx, hash, object)
		return nil, false, nil
	}

	if !verifyDeps(entry.Deps, sourceDir) {
		if err := c.invalidate(ctx, hash, object); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put implements Cache. The object file is written to a temp path and
// renamed into place so a cancelled write leaves either the prior entry or
// nothing.
func (c *FSCache) Put(ctx context.Context, key Key, entry *Entry) error {
	hash := key.Hash()

	unlock := c.locks.lock(hash)
	defer unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	objectPath := c.objectPath(hash)
	if err := os.MkdirAll(filepath.Dir(objectPath), 0o750); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(objectPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmpName, objectPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publish object: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		"INSERT INTO entries (key, object, created_at, size) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET object=excluded.object, created_at=excluded.created_at, size=excluded.size",
		hash, hash, entry.CreatedAt.UnixNano(), int64(len(data)))
	if err != nil {
		return fmt.Errorf("index cache entry: %w", err)
	}

	return c.evictIfNeeded(ctx)
}

// Close implements Cache.
func (c *FSCache) Close() error {
	return c.db.Close()
}

// Stats reports entry count and total stored size.
func (c *FSCache) Stats(ctx context.Context) (count int64, totalSize int64, err error) {
	err = c.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(size), 0) FROM entries").Scan(&count, &totalSize)
	return count, totalSize, err
}

// Clear removes every entry and object.
func (c *FSCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM entries"); err != nil {
		return fmt.Errorf("clear cache index: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(c.dir, "objects")); err != nil {
		return fmt.Errorf("clear cache objects: %w", err)
	}
	return os.MkdirAll(filepath.Join(c.dir, "objects"), 0o750)
}

func (c *FSCache) objectPath(hash string) string {
	return filepath.Join(c.dir, "objects", hash[:2], hash[2:]+".json")
}

func (c *FSCache) invalidate(ctx context.Context, key, object string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	_ = os.Remove(c.objectPath(object))
	return nil
}

// evictIfNeeded removes entries oldest-creation-first until the store is
// under its ceiling.
func (c *FSCache) evictIfNeeded(ctx context.Context) error {
	if c.maxBytes <= 0 {
		return nil
	}

	var total int64
	if err := c.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM entries").Scan(&total); err != nil {
		return fmt.Errorf("sum cache size: %w", err)
	}

	for total > c.maxBytes {
		var key, object string
		var size int64
		err := c.db.QueryRowContext(ctx,
			"SELECT key, object, size FROM entries ORDER BY created_at ASC LIMIT 1").Scan(&key, &object, &size)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select eviction candidate: %w", err)
		}
		if err := c.invalidate(ctx, key, object); err != nil {
			return err
		}
		total -= size
	}
	return nil
}

// keyedMutex serializes operations per cache key without contention between
// distinct keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
