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
	"git.home.luguber.info/inful/texbuild/internal/document"
	"git.home.luguber.info/inful/texbuild/internal/executil"
	"git.home.luguber.info/inful/texbuild/internal/hashing"
	"git.home.luguber.info/inful/texbuild/internal/observability"
)

const packageCheckTimeout = 30 * time.Second
const packageInstallTimeout = 5 * time.Minute

// NormalizeStage validates document structure, canonicalizes the root file's
// encoding and line endings, resolves the auto backend, and checks that
// declared packages are present, installing missing ones when the package
// manager is available.
type NormalizeStage struct{}

func (NormalizeStage) Name() string { return Normalize }

func (NormalizeStage) Run(ctx context.Context, st *State) (Result, error) {
	start := time.Now()
	inputHash := st.Doc.RootHash

	raw, err := os.ReadFile(st.Doc.RootPath) // #nosec G304 - resolved document root
	if err != nil {
		return Result{}, fmt.Errorf("read document root: %w", err)
	}

	content, nerr := document.NormalizeContent(raw)
	if nerr != nil {
		return failed(Normalize, inputHash, start, diag.Diagnostic{
			Severity: diag.SeverityCritical,
			Message:  nerr.Error(),
			File:     st.Doc.RootPath,
		}), nil
	}

	// Structural failures are unrecoverable: downstream stages assume a
	// well-formed document and recovery never runs for this stage.
	if problems := document.ValidateStructure(content); len(problems) > 0 {
		diags := make([]diag.Diagnostic, 0, len(problems))
		for _, p := range problems {
			diags = append(diags, diag.Diagnostic{
				Severity: diag.SeverityCritical,
				Message:  p,
				File:     st.Doc.RootPath,
			})
		}
		return failed(Normalize, inputHash, start, diags...), nil
	}

	var diags []diag.Diagnostic

	if content != string(raw) {
		if err := os.WriteFile(st.Doc.RootPath, []byte(content), 0o644); err != nil {
			return Result{}, fmt.Errorf("write normalized root: %w", err)
		}
		newHash := hashing.String(content)
		st.Doc.RootHash = newHash
		st.Doc.DepHashes[filepath.Base(st.Doc.RootPath)] = newHash
		observability.DebugContext(ctx, "normalized document encoding")
	}

	packages := document.DeclaredPackages(content)
	if st.Doc.Backend == document.BackendAuto {
		st.Doc.Backend = document.ResolveAuto(packages)
		observability.InfoContext(ctx, "resolved backend",
			slog.String("backend", string(st.Doc.Backend)))
	}

	diags = append(diags, checkPackages(ctx, st.Runner, st.Doc.SourceDir, packages)...)

	success := !diag.HasBlocking(diags)
	return finish(Result{
		Stage:       Normalize,
		Success:     success,
		InputHash:   inputHash,
		OutputHash:  st.Doc.RootHash,
		Diagnostics: diags,
	}, start), nil
}

// checkPackages verifies each declared package resolves via kpsewhich and
// attempts a tlmgr install for any that do not. Absence of the tooling
// degrades to warnings: the compile stage will surface the real failure.
func checkPackages(ctx context.Context, runner executil.Runner, dir string, packages []string) []diag.Diagnostic {
	if len(packages) == 0 || !runner.LookPath("kpsewhich") {
		return nil
	}

	var diags []diag.Diagnostic
	var missing []string
	for _, pkg := range packages {
		res, err := runner.Run(ctx, executil.Cmd{
			Argv:    []string{"kpsewhich", pkg + ".sty"},
			Dir:     dir,
			Timeout: packageCheckTimeout,
		})
		if err != nil {
			return append(diags, diag.Diagnostic{
				Severity: diag.SeverityWarning,
				Message:  fmt.Sprintf("package check unavailable: %v", err),
			})
		}
		if !res.Success() || strings.TrimSpace(res.Stdout) == "" {
			missing = append(missing, pkg)
		}
	}
	if len(missing) == 0 {
		return diags
	}

	if !runner.LookPath("tlmgr") {
		for _, pkg := range missing {
			diags = append(diags, diag.Diagnostic{
				Severity:   diag.SeverityError,
				Message:    fmt.Sprintf("package %q not found and no package manager available", pkg),
				Suggestion: fmt.Sprintf("install package %q manually", pkg),
			})
		}
		return diags
	}

	for _, pkg := range missing {
		observability.InfoContext(ctx, "installing missing package",
			slog.String("package", pkg))
		res, err := runner.Run(ctx, executil.Cmd{
			Argv:    []string{"tlmgr", "install", pkg},
			Dir:     dir,
			Timeout: packageInstallTimeout,
		})
		if err != nil || !res.Success() {
			diags = append(diags, diag.Diagnostic{
				Severity:   diag.SeverityError,
				Message:    fmt.Sprintf("failed to install package %q", pkg),
				Suggestion: fmt.Sprintf("install package %q manually", pkg),
			})
			continue
		}
		diags = append(diags, diag.Diagnostic{
			Severity:   diag.SeverityWarning,
			Message:    fmt.Sprintf("package %q was missing", pkg),
			FixApplied: fmt.Sprintf("installed package %q", pkg),
		})
	}
	return diags
}
