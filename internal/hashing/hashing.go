// Package hashing provides the content hashing used for cache keys,
// dependency tracking, and receipt verification. All hashes are SHA-256,
// rendered as lowercase hex.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Bytes hashes a byte buffer.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String hashes a string.
func String(s string) string {
	return Bytes([]byte(s))
}

// File hashes a file's contents without loading it into memory.
func File(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 - callers pass resolved source paths
	if err != nil {
		return "", fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Composite folds multiple parts into one hash. Parts are joined with a NUL
// separator so that ("ab","c") and ("a","bc") hash differently.
func Composite(parts ...string) string {
	return String(strings.Join(parts, "\x00"))
}

// SortedMap hashes a string map deterministically by folding its entries in
// key order.
func SortedMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(m)*2)
	for _, k := range keys {
		parts = append(parts, k, m[k])
	}
	return Composite(parts...)
}
