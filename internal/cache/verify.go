package cache

import (
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/texbuild/internal/hashing"
)

// verifyDeps checks whether every dependency recorded in the entry still
// matches the current file state under sourceDir. The mtime check gates the
// more expensive re-hash: an unchanged mtime is trusted, a changed mtime
// triggers a content comparison, a missing file is a mismatch.
func verifyDeps(deps []DepState, sourceDir string) bool {
	for _, dep := range deps {
		info, err := os.Stat(filepath.Join(sourceDir, dep.Path))
		if err != nil {
			return false
		}
		if info.ModTime().UnixNano() == dep.Mtime {
			continue
		}
		current, err := hashing.File(filepath.Join(sourceDir, dep.Path))
		if err != nil || current != dep.Hash {
			return false
		}
	}
	return true
}

// SnapshotDeps captures the current state of the given relative paths for
// embedding in a new entry.
func SnapshotDeps(sourceDir string, paths []string) ([]DepState, error) {
	deps := make([]DepState, 0, len(paths))
	for _, p := range paths {
		abs := filepath.Join(sourceDir, p)
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		h, err := hashing.File(abs)
		if err != nil {
			return nil, err
		}
		deps = append(deps, DepState{Path: p, Mtime: info.ModTime().UnixNano(), Hash: h})
	}
	return deps, nil
}
