package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/texbuild/internal/executil"
	"git.home.luguber.info/inful/texbuild/internal/hashing"
	"git.home.luguber.info/inful/texbuild/internal/observability"
	"git.home.luguber.info/inful/texbuild/internal/recovery"
	"git.home.luguber.info/inful/texbuild/internal/stage"
)

const installTimeout = 5 * time.Minute

// applyFix performs the mutation a recovery fix requests. Recovery rules are
// pure; every side effect lives here.
func (p *Pipeline) applyFix(ctx context.Context, st *stage.State, fix *recovery.Fix) error {
	switch fix.Kind {
	case recovery.FixInstallPackages:
		return p.installPackages(ctx, st, fix.Packages)
	case recovery.FixPatchSource:
		return patchRoot(st, fix.Patch)
	case recovery.FixSwitchBackend:
		observability.InfoContext(ctx, "switching backend",
			slog.String("from", string(st.Doc.Backend)),
			slog.String("to", string(fix.Backend)))
		st.Doc.Backend = fix.Backend
		return nil
	default:
		return fmt.Errorf("unknown fix kind %q", fix.Kind)
	}
}

func (p *Pipeline) installPackages(ctx context.Context, st *stage.State, packages []string) error {
	if !p.runner.LookPath("tlmgr") {
		return fmt.Errorf("no package manager available")
	}
	for _, pkg := range packages {
		res, err := p.runner.Run(ctx, executil.Cmd{
			Argv:    []string{"tlmgr", "install", pkg},
			Dir:     st.Doc.SourceDir,
			Timeout: installTimeout,
		})
		if err != nil {
			return fmt.Errorf("install %s: %w", pkg, err)
		}
		if !res.Success() {
			return fmt.Errorf("install %s: tlmgr exited with code %d", pkg, res.ExitCode)
		}
	}
	return nil
}

// patchRoot applies a textual patch to the root source file and refreshes
// the document's hashes so later cache keys see the change.
func patchRoot(st *stage.State, patch *recovery.TextPatch) error {
	if patch == nil {
		return fmt.Errorf("patch fix carries no patch")
	}
	raw, err := os.ReadFile(st.Doc.RootPath) // #nosec G304 - resolved document root
	if err != nil {
		return err
	}
	content := string(raw)

	switch {
	case patch.Find != "":
		if !strings.Contains(content, patch.Find) {
			return fmt.Errorf("patch target %q not present", patch.Find)
		}
		content = strings.Replace(content, patch.Find, patch.ReplaceWith, 1)
	case patch.InsertBefore != "":
		idx := strings.Index(content, patch.InsertBefore)
		if idx < 0 {
			return fmt.Errorf("insertion anchor %q not present", patch.InsertBefore)
		}
		content = content[:idx] + patch.ReplaceWith + content[idx:]
	default:
		return fmt.Errorf("empty patch")
	}

	if err := os.WriteFile(st.Doc.RootPath, []byte(content), 0o644); err != nil {
		return err
	}
	newHash := hashing.String(content)
	st.Doc.RootHash = newHash
	st.Doc.DepHashes[filepath.Base(st.Doc.RootPath)] = newHash
	return nil
}
