// Package cache implements the content-addressed build cache. Entries are
// keyed by a hash over the document's dependency closure, the chosen backend,
// and stage-specific options; values carry the serialized stage result plus
// any produced artifact bytes. Hits are re-verified against the current file
// state before being trusted.
package cache

import (
	"context"
	"time"

	"git.home.luguber.info/inful/texbuild/internal/hashing"
)

// Key identifies one cached stage output.
type Key struct {
	// Stage is the pipeline stage name.
	Stage string
	// ClosureHash is the document's full dependency closure hash.
	ClosureHash string
	// Backend is the concrete backend name.
	Backend string
	// Options are stage-specific options folded into the key.
	Options map[string]string
}

// Hash returns the content-addressed key string.
func (k Key) Hash() string {
	return hashing.Composite(k.Stage, k.ClosureHash, k.Backend, hashing.SortedMap(k.Options))
}

// DepState records the file state a cached entry depends on. On lookup the
// mtime acts as a cheap pre-filter; only files whose mtime moved are
// re-hashed.
type DepState struct {
	// Path is relative to the document source directory.
	Path  string `json:"path"`
	Mtime int64  `json:"mtime_ns"`
	Hash  string `json:"hash"`
}

// Entry is one cached stage output.
type Entry struct {
	// Stage is the producing stage name.
	Stage string `json:"stage"`
	// ResultJSON is the serialized StageResult.
	ResultJSON []byte `json:"result"`
	// Artifact carries produced artifact bytes, when the stage emits any.
	Artifact []byte `json:"artifact,omitempty"`
	// Deps are the file states the entry was computed from.
	Deps []DepState `json:"deps"`
	// CreatedAt orders entries for eviction.
	CreatedAt time.Time `json:"created_at"`
}

// size is the accounting weight of the entry toward the cache ceiling.
func (e *Entry) size() int64 {
	return int64(len(e.ResultJSON) + len(e.Artifact))
}

// Cache is the build cache contract. Implementations must serialize writes
// per key while allowing concurrent access to different keys, and must never
// leave a partially written entry visible.
type Cache interface {
	// Get returns the entry for key after re-verifying its dependency
	// state against sourceDir. A stale entry is invalidated and reported
	// as a miss.
	Get(ctx context.Context, key Key, sourceDir string) (*Entry, bool, error)
	// Put stores an entry, replacing any previous value for the key, and
	// evicts oldest entries when the store exceeds its ceiling.
	Put(ctx context.Context, key Key, entry *Entry) error
	// Close releases held resources.
	Close() error
}
