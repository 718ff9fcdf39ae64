// Package receipt builds and verifies the proof object emitted alongside a
// finished artifact: the source root hash, the backend used, the per-stage
// hash chain, and the final artifact hash. Receipts from byte-identical
// source trees with identical options differ only in the timestamp.
package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"git.home.luguber.info/inful/texbuild/internal/hashing"
)

// StageLink is one link in the receipt's hash chain.
type StageLink struct {
	Stage      string `json:"stage"`
	InputHash  string `json:"input_hash"`
	OutputHash string `json:"output_hash"`
}

// Receipt proves an artifact was produced from a given source snapshot.
// The schema is stable across versions; fields are only ever added.
type Receipt struct {
	Timestamp         time.Time   `json:"timestamp"`
	RootHash          string      `json:"root_hash"`
	Backend           string      `json:"backend"`
	Chain             []StageLink `json:"stage_chain"`
	FinalArtifactHash string      `json:"final_artifact_hash"`
}

// Build assembles a receipt stamped with the current time.
func Build(rootHash, backend string, chain []StageLink, finalArtifactHash string) *Receipt {
	return &Receipt{
		Timestamp:         time.Now().UTC(),
		RootHash:          rootHash,
		Backend:           backend,
		Chain:             chain,
		FinalArtifactHash: finalArtifactHash,
	}
}

// Write persists the receipt as indented JSON at path.
func (r *Receipt) Write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write receipt %s: %w", path, err)
	}
	return nil
}

// Load reads a receipt back from disk.
func Load(path string) (*Receipt, error) {
	data, err := os.ReadFile(path) // #nosec G304 - caller-provided receipt path
	if err != nil {
		return nil, fmt.Errorf("read receipt %s: %w", path, err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse receipt %s: %w", path, err)
	}
	return &r, nil
}

// Verify re-hashes the artifact and checks it against the recorded final
// hash.
func (r *Receipt) Verify(artifactPath string) error {
	got, err := hashing.File(artifactPath)
	if err != nil {
		return fmt.Errorf("hash artifact: %w", err)
	}
	if got != r.FinalArtifactHash {
		return fmt.Errorf("artifact hash mismatch: receipt records %s, artifact is %s", r.FinalArtifactHash, got)
	}
	return nil
}
