package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/texbuild/internal/diag"
	"git.home.luguber.info/inful/texbuild/internal/document"
	"git.home.luguber.info/inful/texbuild/internal/executil"
	"git.home.luguber.info/inful/texbuild/internal/hashing"
	"git.home.luguber.info/inful/texbuild/internal/observability"
)

// CompileStage invokes the typesetting backend as a subprocess and parses
// its output into diagnostics. A timeout is reported as a single retryable
// error diagnostic, never as a crash.
type CompileStage struct{}

func (CompileStage) Name() string { return Compile }

// compileArgv builds the backend invocation for one pass over root.
func compileArgv(backend document.Backend, root string) []string {
	return []string{
		backend.Executable(),
		"-interaction=nonstopmode",
		"-file-line-error",
		filepath.Base(root),
	}
}

func (CompileStage) Run(ctx context.Context, st *State) (Result, error) {
	start := time.Now()
	inputHash := st.Doc.ClosureHash()

	if !st.Doc.Backend.Concrete() {
		return Result{}, fmt.Errorf("backend %q not resolved before compile", st.Doc.Backend)
	}
	if !st.Runner.LookPath(st.Doc.Backend.Executable()) {
		return Result{}, fmt.Errorf("backend executable %q not found", st.Doc.Backend.Executable())
	}

	res, err := st.Runner.Run(ctx, executil.Cmd{
		Argv:    compileArgv(st.Doc.Backend, st.Doc.RootPath),
		Dir:     st.Doc.SourceDir,
		Timeout: st.CompileTimeout,
	})
	if err != nil {
		return Result{}, fmt.Errorf("run %s: %w", st.Doc.Backend.Executable(), err)
	}

	output := res.CombinedOutput()

	if res.TimedOut {
		return finish(Result{
			Stage:     Compile,
			Success:   false,
			InputHash: inputHash,
			RawOutput: output,
			Diagnostics: []diag.Diagnostic{{
				Severity: diag.SeverityError,
				Message:  fmt.Sprintf("%s timed out after %s", st.Doc.Backend.Executable(), st.CompileTimeout),
			}},
		}, start), nil
	}

	diags := diag.ParseLog(output)
	if !res.Success() && len(diag.Errors(diags)) == 0 {
		// Non-zero exit with nothing parseable still counts as an error.
		diags = append(diags, diag.Diagnostic{
			Severity: diag.SeverityError,
			Message:  fmt.Sprintf("%s exited with code %d", st.Doc.Backend.Executable(), res.ExitCode),
		})
	}

	success := res.Success() && !diag.HasBlocking(diags)
	if !success {
		return finish(Result{
			Stage:       Compile,
			Success:     false,
			InputHash:   inputHash,
			Diagnostics: diags,
			RawOutput:   output,
		}, start), nil
	}

	artifact := filepath.Join(st.Doc.SourceDir, st.Doc.Name()+".pdf")
	if _, err := os.Stat(artifact); err != nil {
		return finish(Result{
			Stage:     Compile,
			Success:   false,
			InputHash: inputHash,
			RawOutput: output,
			Diagnostics: append(diags, diag.Diagnostic{
				Severity: diag.SeverityError,
				Message:  fmt.Sprintf("%s reported success but produced no artifact", st.Doc.Backend.Executable()),
			}),
		}, start), nil
	}

	hash, err := hashing.File(artifact)
	if err != nil {
		return Result{}, err
	}
	st.ArtifactPath = artifact
	st.ArtifactHash = hash

	observability.DebugContext(ctx, "compile pass complete",
		slog.String("artifact", artifact),
		slog.Duration("took", res.Duration))

	return finish(Result{
		Stage:       Compile,
		Success:     true,
		InputHash:   inputHash,
		OutputHash:  hash,
		Diagnostics: diags,
		RawOutput:   output,
	}, start), nil
}
