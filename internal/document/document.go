// Package document models the source document under compilation: its root
// file, chosen backend, and the dependency closure discovered by scanning
// inclusion directives.
package document

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"git.home.luguber.info/inful/texbuild/internal/hashing"
)

// Document identifies one compilation subject. Immutable for the duration of
// a compilation attempt; the pipeline creates a fresh Document per run.
type Document struct {
	// RootPath is the absolute path of the main source file.
	RootPath string
	// SourceDir is the directory the toolchain runs in.
	SourceDir string
	// Backend is the resolved typesetting backend.
	Backend Backend
	// RootHash is the content hash of the root file.
	RootHash string
	// DepHashes maps each dependency path (relative to SourceDir, root file
	// included) to its content hash. Populated by the preprocess stage.
	DepHashes map[string]string
}

// New resolves the root path and hashes the root file. The dependency
// closure is filled in later by scanning.
func New(rootPath string, backend Backend) (*Document, error) {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", rootPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, expected a source file", abs)
	}

	rootHash, err := hashing.File(abs)
	if err != nil {
		return nil, err
	}

	return &Document{
		RootPath:  abs,
		SourceDir: filepath.Dir(abs),
		Backend:   backend,
		RootHash:  rootHash,
		DepHashes: map[string]string{filepath.Base(abs): rootHash},
	}, nil
}

// Name returns the root file name without extension, the stem used for
// artifact and auxiliary file names.
func (d *Document) Name() string {
	base := filepath.Base(d.RootPath)
	return base[:len(base)-len(filepath.Ext(base))]
}

// ClosureHash folds the dependency hashes into a single deterministic value.
// Dependencies are ordered by path so the hash is stable regardless of scan
// order.
func (d *Document) ClosureHash() string {
	paths := make([]string, 0, len(d.DepHashes))
	for p := range d.DepHashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	parts := make([]string, 0, 2*len(paths))
	for _, p := range paths {
		parts = append(parts, p, d.DepHashes[p])
	}
	return hashing.Composite(parts...)
}

// Dependencies returns the sorted relative paths of the closure.
func (d *Document) Dependencies() []string {
	paths := make([]string, 0, len(d.DepHashes))
	for p := range d.DepHashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
