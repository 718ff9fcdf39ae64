package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/texbuild/internal/cache"
	"git.home.luguber.info/inful/texbuild/internal/config"
	"git.home.luguber.info/inful/texbuild/internal/diag"
	"git.home.luguber.info/inful/texbuild/internal/executil"
	"git.home.luguber.info/inful/texbuild/internal/observability"
	"git.home.luguber.info/inful/texbuild/internal/recovery"
	"git.home.luguber.info/inful/texbuild/internal/stage"
)

const minimalDoc = "\\documentclass{article}\n\\begin{document}\nhello\n\\end{document}\n"

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

// scriptCompiler makes a backend produce its artifact on every invocation,
// with scripted process results.
func scriptCompiler(t *testing.T, fake *executil.FakeRunner, exe string, results ...executil.Result) {
	t.Helper()
	if len(results) > 0 {
		fake.Script(exe, results...)
	}
	prev := fake.OnCommand
	fake.OnCommand = func(cmd executil.Cmd) {
		if prev != nil {
			prev(cmd)
		}
		if cmd.Argv[0] == exe {
			name := cmd.Argv[len(cmd.Argv)-1]
			pdf := name[:len(name)-len(".tex")] + ".pdf"
			require.NoError(t, os.WriteFile(filepath.Join(cmd.Dir, pdf), []byte("%PDF-1.5 artifact"), 0o644))
		}
	}
}

func newTestPipeline(t *testing.T, c cache.Cache, runner executil.Runner, mut func(*config.Config)) (*Pipeline, *observability.SpanCollector) {
	t.Helper()
	cfg := config.Default()
	cfg.Compile.Optimize = false
	cfg.OutputDir = t.TempDir()
	if mut != nil {
		mut(cfg)
	}
	spans := observability.NewSpanCollector()
	p := New(Deps{
		Config:   cfg,
		Cache:    c,
		Recovery: recovery.NewDefaultEngine(nil),
		Runner:   runner,
		Spans:    spans,
	})
	p.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p, spans
}

// recordingCache counts operations while delegating to an inner cache.
type recordingCache struct {
	inner cache.Cache
	puts  []string
}

func (r *recordingCache) Get(ctx context.Context, key cache.Key, sourceDir string) (*cache.Entry, bool, error) {
	return r.inner.Get(ctx, key, sourceDir)
}

func (r *recordingCache) Put(ctx context.Context, key cache.Key, entry *cache.Entry) error {
	r.puts = append(r.puts, key.Stage)
	return r.inner.Put(ctx, key, entry)
}

func (r *recordingCache) Close() error { return r.inner.Close() }

func TestColdBuildSucceedsWithOneCacheWritePerStage(t *testing.T) {
	dir := writeTree(t, map[string]string{"main.tex": minimalDoc})
	fake := executil.NewFakeRunner()
	scriptCompiler(t, fake, "pdflatex")
	rec := &recordingCache{inner: cache.NewMemoryCache()}
	p, spans := newTestPipeline(t, rec, fake, nil)

	outcome, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	require.True(t, outcome.Success)

	require.Len(t, outcome.StageResults, 5)
	for _, r := range outcome.StageResults {
		assert.True(t, r.Success, r.Stage)
		assert.False(t, r.CacheHit, r.Stage)
	}
	assert.Equal(t, stage.Order, rec.puts)

	require.NotNil(t, outcome.Receipt)
	assert.Len(t, outcome.Receipt.Chain, 5)
	assert.NoError(t, outcome.Receipt.Verify(outcome.ArtifactPath))

	// Telemetry: one span per stage with the contract attributes.
	finished := spans.Spans()
	require.Len(t, finished, 5)
	for _, sp := range finished {
		assert.Equal(t, false, sp.Attributes["cache_hit"])
		assert.Equal(t, true, sp.Attributes["success"])
		assert.NotEmpty(t, sp.Attributes["stage"])
	}
}

func TestWarmBuildHitsEveryStage(t *testing.T) {
	dir := writeTree(t, map[string]string{"main.tex": minimalDoc})
	fake := executil.NewFakeRunner()
	scriptCompiler(t, fake, "pdflatex")
	mem := cache.NewMemoryCache()
	p, _ := newTestPipeline(t, mem, fake, nil)

	first, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	require.True(t, first.Success)
	compileCalls := len(fake.CallsFor("pdflatex"))

	second, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	require.True(t, second.Success)

	assert.Equal(t, 5, second.Metrics.CacheHits)
	assert.Equal(t, 0, second.Metrics.CacheMisses)
	for _, r := range second.StageResults {
		assert.True(t, r.CacheHit, r.Stage)
	}
	// No further backend invocations on the warm run.
	assert.Len(t, fake.CallsFor("pdflatex"), compileCalls)

	// Receipts agree on everything but the timestamp.
	require.NotNil(t, second.Receipt)
	assert.Equal(t, first.Receipt.RootHash, second.Receipt.RootHash)
	assert.Equal(t, first.Receipt.Backend, second.Receipt.Backend)
	assert.Equal(t, first.Receipt.Chain, second.Receipt.Chain)
	assert.Equal(t, first.Receipt.FinalArtifactHash, second.Receipt.FinalArtifactHash)
}

func TestMissingPackageRecoveredAndRetriedOnce(t *testing.T) {
	dir := writeTree(t, map[string]string{"main.tex": minimalDoc})
	fake := executil.NewFakeRunner()
	scriptCompiler(t, fake, "pdflatex",
		executil.Result{Stdout: "! LaTeX Error: File `booktabs.sty' not found.\n", ExitCode: 1},
		executil.Result{ExitCode: 0},
	)
	fake.Script("tlmgr", executil.Result{ExitCode: 0})
	p, _ := newTestPipeline(t, nil, fake, nil)

	outcome, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	assert.Equal(t, 1, outcome.Metrics.Retries)
	assert.Equal(t, 1, outcome.Metrics.RecoveriesApplied)
	require.Len(t, fake.CallsFor("tlmgr"), 1)
	assert.Equal(t, []string{"tlmgr", "install", "booktabs"}, fake.CallsFor("tlmgr")[0].Argv)

	var fixed []diag.Diagnostic
	for _, d := range outcome.Diagnostics {
		if d.FixApplied != "" {
			fixed = append(fixed, d)
		}
	}
	require.Len(t, fixed, 1)
	assert.Equal(t, diag.SeverityError, fixed[0].Severity)
}

func TestNonConvergenceIsCriticalWithZeroRetries(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"main.tex": minimalDoc,
		"main.log": "LaTeX Warning: Label(s) may have changed. Rerun to get cross-references right.\n",
	})
	fake := executil.NewFakeRunner()
	scriptCompiler(t, fake, "pdflatex")
	p, _ := newTestPipeline(t, nil, fake, func(c *config.Config) {
		c.Postproc.MaxPasses = 2
	})

	outcome, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, stage.Postprocess, outcome.FailedStage)
	assert.Equal(t, 0, outcome.Metrics.Retries)

	criticals := 0
	for _, d := range outcome.Diagnostics {
		if d.Severity == diag.SeverityCritical {
			criticals++
			assert.Contains(t, d.Message, "stabilize")
		}
	}
	assert.Equal(t, 1, criticals)
}

func TestCompileTimeoutRetriedUntilExhausted(t *testing.T) {
	dir := writeTree(t, map[string]string{"main.tex": minimalDoc})
	fake := executil.NewFakeRunner()
	fake.Script("pdflatex", executil.Result{TimedOut: true, ExitCode: -1})
	p, _ := newTestPipeline(t, nil, fake, func(c *config.Config) {
		c.Retry.MaxRetries = 2
	})

	outcome, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, stage.Compile, outcome.FailedStage)
	assert.Equal(t, 2, outcome.Metrics.Retries)
	// Initial attempt plus two retries.
	assert.Len(t, fake.CallsFor("pdflatex"), 3)

	require.NotEmpty(t, outcome.Diagnostics)
	for _, d := range outcome.Diagnostics {
		assert.Equal(t, diag.SeverityError, d.Severity)
		assert.Contains(t, d.Message, "timed out")
	}
}

func TestDependencyChangeInvalidatesCompile(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"main.tex": "\\documentclass{article}\n\\begin{document}\n\\input{body}\n\\end{document}\n",
		"body.tex": "first draft\n",
	})
	fake := executil.NewFakeRunner()
	scriptCompiler(t, fake, "pdflatex")
	mem := cache.NewMemoryCache()
	p, _ := newTestPipeline(t, mem, fake, nil)

	first, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	require.True(t, first.Success)
	callsAfterFirst := len(fake.CallsFor("pdflatex"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "body.tex"), []byte("second draft\n"), 0o644))

	second, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	require.True(t, second.Success)

	// The compile stage must re-execute after the dependency changed.
	assert.Greater(t, len(fake.CallsFor("pdflatex")), callsAfterFirst)
	for _, r := range second.StageResults {
		if r.Stage == stage.Compile {
			assert.False(t, r.CacheHit)
		}
	}
}

func TestUnicodeErrorSwitchesBackend(t *testing.T) {
	dir := writeTree(t, map[string]string{"main.tex": minimalDoc})
	fake := executil.NewFakeRunner()
	fake.Script("pdflatex", executil.Result{
		Stdout:   "! Package inputenc Error: Unicode character \u4f60 (U+4F60) not set up for use with LaTeX.\n",
		ExitCode: 1,
	})
	scriptCompiler(t, fake, "xelatex")
	p, _ := newTestPipeline(t, nil, fake, nil)

	outcome, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "xelatex", outcome.Backend)
	assert.Len(t, fake.CallsFor("xelatex"), 1)
}

func TestCriticalStructureFailureNoRetries(t *testing.T) {
	dir := writeTree(t, map[string]string{"main.tex": "\\documentclass{article}\nno markers here\n"})
	fake := executil.NewFakeRunner()
	p, _ := newTestPipeline(t, nil, fake, nil)

	outcome, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, stage.Normalize, outcome.FailedStage)
	assert.Equal(t, 0, outcome.Metrics.Retries)
	assert.Equal(t, diag.SeverityCritical, outcome.Worst())
}

func TestIdempotentArtifacts(t *testing.T) {
	dir := writeTree(t, map[string]string{"main.tex": minimalDoc})
	fake := executil.NewFakeRunner()
	scriptCompiler(t, fake, "pdflatex")
	mem := cache.NewMemoryCache()
	p, _ := newTestPipeline(t, mem, fake, nil)

	first, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	require.True(t, first.Success)
	firstBytes, err := os.ReadFile(first.ArtifactPath)
	require.NoError(t, err)

	second, err := p.Compile(context.Background(), filepath.Join(dir, "main.tex"))
	require.NoError(t, err)
	require.True(t, second.Success)
	secondBytes, err := os.ReadFile(second.ArtifactPath)
	require.NoError(t, err)

	assert.Equal(t, firstBytes, secondBytes)
	assert.Equal(t, first.Receipt.FinalArtifactHash, second.Receipt.FinalArtifactHash)
}

func TestMissingDocumentIsFatal(t *testing.T) {
	p, _ := newTestPipeline(t, nil, executil.NewFakeRunner(), nil)

	_, err := p.Compile(context.Background(), filepath.Join(t.TempDir(), "absent.tex"))
	assert.Error(t, err)
}
