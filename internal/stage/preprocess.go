package stage

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/texbuild/internal/diag"
	"git.home.luguber.info/inful/texbuild/internal/document"
	"git.home.luguber.info/inful/texbuild/internal/observability"
)

// PreprocessStage walks the inclusion graph to build the full dependency
// closure, which every later cache key hashes over, and records whether
// bibliography and index passes will be needed.
type PreprocessStage struct{}

func (PreprocessStage) Name() string { return Preprocess }

func (PreprocessStage) Run(ctx context.Context, st *State) (Result, error) {
	start := time.Now()
	inputHash := st.Doc.RootHash

	scan, err := document.Scan(st.Doc)
	if err != nil {
		// A broken include graph is structural: retrying cannot help and
		// recovery never runs for this stage.
		return failed(Preprocess, inputHash, start, diag.Diagnostic{
			Severity: diag.SeverityCritical,
			Message:  err.Error(),
			File:     st.Doc.RootPath,
		}), nil
	}
	st.Scan = scan

	observability.DebugContext(ctx, "dependency closure scanned",
		slog.Int("files", len(st.Doc.DepHashes)),
		slog.Int("packages", len(scan.Packages)),
		slog.Bool("bibliography", scan.NeedsBibliography),
		slog.Bool("index", scan.NeedsIndex))

	return finish(Result{
		Stage:      Preprocess,
		Success:    true,
		InputHash:  inputHash,
		OutputHash: st.Doc.ClosureHash(),
	}, start), nil
}
