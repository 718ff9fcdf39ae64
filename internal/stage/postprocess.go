package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/texbuild/internal/diag"
	"git.home.luguber.info/inful/texbuild/internal/executil"
	"git.home.luguber.info/inful/texbuild/internal/hashing"
	"git.home.luguber.info/inful/texbuild/internal/observability"
)

const auxToolTimeout = 2 * time.Minute

// rerunMarkers in the aux/log output indicate the cross-reference graph has
// not stabilized and another compile pass is required.
var rerunMarkers = []string{
	"LaTeX Warning: There were undefined references",
	"LaTeX Warning: Label(s) may have changed",
	"Rerun to get cross-references right",
}

// PostprocessStage runs bibliography and index tools when the preprocess
// scan flagged them, then re-invokes the backend until cross-references
// stabilize. The loop is capped; non-convergence within the cap means a
// malformed reference graph and fails the build as critical.
type PostprocessStage struct{}

func (PostprocessStage) Name() string { return Postprocess }

func (s PostprocessStage) Run(ctx context.Context, st *State) (Result, error) {
	start := time.Now()
	inputHash := st.ArtifactHash
	if st.Scan == nil {
		return Result{}, fmt.Errorf("postprocess before preprocess: no scan result")
	}
	if st.ArtifactPath == "" {
		return Result{}, fmt.Errorf("postprocess before compile: no artifact")
	}

	var diags []diag.Diagnostic
	var rawOutput strings.Builder
	mustRerun := false

	if st.Scan.NeedsBibliography {
		d, rerun := runBibliography(ctx, st)
		diags = append(diags, d...)
		mustRerun = mustRerun || rerun
	}
	if st.Scan.NeedsIndex {
		diags = append(diags, runMakeindex(ctx, st)...)
		mustRerun = true
	}

	// Fixed-point loop: rerun the backend while unresolved references
	// remain, up to the configured cap.
	passes := 0
	needsPass := mustRerun || st.needsRerun()
	for needsPass {
		if passes >= st.MaxPostprocessPasses {
			diags = append(diags, diag.Diagnostic{
				Severity: diag.SeverityCritical,
				Message: fmt.Sprintf("cross-references failed to stabilize after %d passes; the reference graph is malformed",
					st.MaxPostprocessPasses),
			})
			return finish(Result{
				Stage:       Postprocess,
				Success:     false,
				InputHash:   inputHash,
				Diagnostics: diags,
				RawOutput:   rawOutput.String(),
			}, start), nil
		}
		passes++
		observability.DebugContext(ctx, "rerunning backend for cross-references",
			slog.Int("pass", passes))

		res, err := st.Runner.Run(ctx, executil.Cmd{
			Argv:    compileArgv(st.Doc.Backend, st.Doc.RootPath),
			Dir:     st.Doc.SourceDir,
			Timeout: st.CompileTimeout,
		})
		if err != nil {
			return Result{}, fmt.Errorf("rerun %s: %w", st.Doc.Backend.Executable(), err)
		}
		rawOutput.WriteString(res.CombinedOutput())
		rawOutput.WriteString("\n")

		if res.TimedOut {
			diags = append(diags, diag.Diagnostic{
				Severity: diag.SeverityError,
				Message:  fmt.Sprintf("%s timed out after %s during cross-reference pass", st.Doc.Backend.Executable(), st.CompileTimeout),
			})
			return finish(Result{
				Stage:       Postprocess,
				Success:     false,
				InputHash:   inputHash,
				Diagnostics: diags,
				RawOutput:   rawOutput.String(),
			}, start), nil
		}
		passDiags := diag.ParseLog(res.CombinedOutput())
		diags = append(diags, diag.Errors(passDiags)...)
		if !res.Success() || diag.HasBlocking(passDiags) {
			return finish(Result{
				Stage:       Postprocess,
				Success:     false,
				InputHash:   inputHash,
				Diagnostics: diags,
				RawOutput:   rawOutput.String(),
			}, start), nil
		}

		needsPass = outputNeedsRerun(res.CombinedOutput()) || st.needsRerun()
	}

	if diag.HasBlocking(diags) {
		return finish(Result{
			Stage:       Postprocess,
			Success:     false,
			InputHash:   inputHash,
			Diagnostics: diags,
			RawOutput:   rawOutput.String(),
		}, start), nil
	}

	hash, err := hashing.File(st.ArtifactPath)
	if err != nil {
		return Result{}, err
	}
	st.ArtifactHash = hash

	return finish(Result{
		Stage:       Postprocess,
		Success:     true,
		InputHash:   inputHash,
		OutputHash:  hash,
		Diagnostics: diags,
		RawOutput:   rawOutput.String(),
	}, start), nil
}

// runBibliography prefers biber, falls back to bibtex, and degrades to a
// warning when neither is installed.
func runBibliography(ctx context.Context, st *State) ([]diag.Diagnostic, bool) {
	tool := "biber"
	arg := st.Doc.Name()
	if !st.Runner.LookPath(tool) {
		tool = "bibtex"
		arg = st.Doc.Name() + ".aux"
	}
	if !st.Runner.LookPath(tool) {
		return []diag.Diagnostic{{
			Severity: diag.SeverityWarning,
			Message:  "no bibliography tool found, skipping bibliography processing",
		}}, false
	}

	res, err := st.Runner.Run(ctx, executil.Cmd{
		Argv:    []string{tool, arg},
		Dir:     st.Doc.SourceDir,
		Timeout: auxToolTimeout,
	})
	if err != nil || !res.Success() {
		msg := fmt.Sprintf("%s failed", tool)
		if err == nil {
			msg = fmt.Sprintf("%s exited with code %d", tool, res.ExitCode)
		}
		return []diag.Diagnostic{{Severity: diag.SeverityError, Message: msg}}, false
	}
	observability.DebugContext(ctx, "bibliography processed", slog.String("tool", tool))
	return nil, true
}

func runMakeindex(ctx context.Context, st *State) []diag.Diagnostic {
	if !st.Runner.LookPath("makeindex") {
		return []diag.Diagnostic{{
			Severity: diag.SeverityWarning,
			Message:  "makeindex not found, skipping index generation",
		}}
	}
	idx := st.Doc.Name() + ".idx"
	if _, err := os.Stat(filepath.Join(st.Doc.SourceDir, idx)); err != nil {
		return nil
	}
	res, err := st.Runner.Run(ctx, executil.Cmd{
		Argv:    []string{"makeindex", idx},
		Dir:     st.Doc.SourceDir,
		Timeout: auxToolTimeout,
	})
	if err != nil || !res.Success() {
		return []diag.Diagnostic{{
			Severity: diag.SeverityWarning,
			Message:  "makeindex failed, index may be incomplete",
		}}
	}
	observability.DebugContext(ctx, "index generated")
	return nil
}

// needsRerun checks the log file left by the previous backend pass for
// unresolved-reference markers.
func (st *State) needsRerun() bool {
	data, err := os.ReadFile(filepath.Join(st.Doc.SourceDir, st.Doc.Name()+".log")) // #nosec G304
	if err != nil {
		return false
	}
	return outputNeedsRerun(string(data))
}

func outputNeedsRerun(output string) bool {
	for _, marker := range rerunMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}
