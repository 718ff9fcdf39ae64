package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/texbuild/internal/executil"
	"git.home.luguber.info/inful/texbuild/internal/hashing"
	"git.home.luguber.info/inful/texbuild/internal/observability"
	"git.home.luguber.info/inful/texbuild/internal/receipt"
)

const optimizeTimeout = 3 * time.Minute

// OptimizeStage compresses the artifact when ghostscript is available and
// compression actually shrinks it, moves the artifact to the output
// directory, and writes the receipt. It is the only stage that touches the
// output directory.
type OptimizeStage struct{}

func (OptimizeStage) Name() string { return Optimize }

func (OptimizeStage) Run(ctx context.Context, st *State) (Result, error) {
	start := time.Now()
	inputHash := st.ArtifactHash
	if st.ArtifactPath == "" {
		return Result{}, fmt.Errorf("optimize before compile: no artifact")
	}

	if st.OptimizeArtifact {
		if err := compressArtifact(ctx, st); err != nil {
			// Compression is best-effort; the uncompressed artifact is
			// still valid.
			observability.WarnContext(ctx, "artifact compression skipped",
				slog.String("reason", err.Error()))
		}
	}

	if err := os.MkdirAll(st.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output directory: %w", err)
	}
	finalPath := filepath.Join(st.OutputDir, filepath.Base(st.ArtifactPath))
	if finalPath != st.ArtifactPath {
		if err := copyFile(st.ArtifactPath, finalPath); err != nil {
			return Result{}, fmt.Errorf("publish artifact: %w", err)
		}
		st.ArtifactPath = finalPath
	}

	finalHash, err := hashing.File(st.ArtifactPath)
	if err != nil {
		return Result{}, err
	}
	st.FinalArtifactHash = finalHash

	chain := make([]receipt.StageLink, 0, len(st.Chain)+1)
	for _, r := range st.Chain {
		chain = append(chain, receipt.StageLink{Stage: r.Stage, InputHash: r.InputHash, OutputHash: r.OutputHash})
	}
	chain = append(chain, receipt.StageLink{Stage: Optimize, InputHash: inputHash, OutputHash: finalHash})

	rcpt := receipt.Build(st.Doc.RootHash, string(st.Doc.Backend), chain, finalHash)
	st.ReceiptPath = st.ArtifactPath + ".receipt.json"
	if err := rcpt.Write(st.ReceiptPath); err != nil {
		return Result{}, err
	}

	observability.InfoContext(ctx, "artifact published",
		slog.String("artifact", st.ArtifactPath),
		slog.String("receipt", st.ReceiptPath))

	return finish(Result{
		Stage:      Optimize,
		Success:    true,
		InputHash:  inputHash,
		OutputHash: finalHash,
	}, start), nil
}

// compressArtifact shrinks the artifact with ghostscript, keeping the
// original when compression does not reduce size.
func compressArtifact(ctx context.Context, st *State) error {
	if !st.Runner.LookPath("gs") {
		return fmt.Errorf("ghostscript not found")
	}
	compressed := st.ArtifactPath + ".compressed"
	res, err := st.Runner.Run(ctx, executil.Cmd{
		Argv: []string{
			"gs",
			"-sDEVICE=pdfwrite",
			"-dCompatibilityLevel=1.4",
			"-dPDFSETTINGS=/prepress",
			"-dNOPAUSE",
			"-dQUIET",
			"-dBATCH",
			"-sOutputFile=" + compressed,
			st.ArtifactPath,
		},
		Dir:     st.Doc.SourceDir,
		Timeout: optimizeTimeout,
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		_ = os.Remove(compressed)
		return fmt.Errorf("gs exited with code %d", res.ExitCode)
	}

	origInfo, err := os.Stat(st.ArtifactPath)
	if err != nil {
		return err
	}
	compInfo, err := os.Stat(compressed)
	if err != nil {
		return err
	}
	if compInfo.Size() >= origInfo.Size() {
		_ = os.Remove(compressed)
		return nil
	}
	if err := os.Rename(compressed, st.ArtifactPath); err != nil {
		return err
	}
	hash, err := hashing.File(st.ArtifactPath)
	if err != nil {
		return err
	}
	st.ArtifactHash = hash
	observability.DebugContext(ctx, "artifact compressed",
		slog.Int64("from", origInfo.Size()),
		slog.Int64("to", compInfo.Size()))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - paths derive from the build state
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
