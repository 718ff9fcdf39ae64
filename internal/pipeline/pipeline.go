// Package pipeline sequences the five compilation stages for one document,
// wiring in the build cache, error recovery, retry policy, metrics, and the
// build journal. One Pipeline may compile many documents; each Compile call
// is independent and documents may be compiled in parallel.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/texbuild/internal/cache"
	"git.home.luguber.info/inful/texbuild/internal/config"
	"git.home.luguber.info/inful/texbuild/internal/diag"
	"git.home.luguber.info/inful/texbuild/internal/document"
	texerrors "git.home.luguber.info/inful/texbuild/internal/errors"
	"git.home.luguber.info/inful/texbuild/internal/executil"
	"git.home.luguber.info/inful/texbuild/internal/journal"
	"git.home.luguber.info/inful/texbuild/internal/metrics"
	"git.home.luguber.info/inful/texbuild/internal/observability"
	"git.home.luguber.info/inful/texbuild/internal/receipt"
	"git.home.luguber.info/inful/texbuild/internal/recovery"
	"git.home.luguber.info/inful/texbuild/internal/retry"
	"git.home.luguber.info/inful/texbuild/internal/stage"
)

// Deps are the collaborators a Pipeline needs. Nil fields degrade:
// no cache means every stage executes, no recovery engine disables
// autonomous fixes, no recorder drops metrics, no journal drops events.
type Deps struct {
	Config   *config.Config
	Cache    cache.Cache
	Recovery *recovery.Engine
	Recorder metrics.Recorder
	Runner   executil.Runner
	Journal  *journal.Journal
	Spans    *observability.SpanCollector
}

// Pipeline orchestrates document compilation.
type Pipeline struct {
	cfg      *config.Config
	cache    cache.Cache
	recovery *recovery.Engine
	recorder metrics.Recorder
	runner   executil.Runner
	journal  *journal.Journal
	spans    *observability.SpanCollector
	policy   retry.Policy
	stages   []stage.Stage

	// sleep is replaced in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New assembles a pipeline from its dependencies.
func New(deps Deps) *Pipeline {
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NoopRecorder{}
	}
	if deps.Runner == nil {
		deps.Runner = executil.NewSystemRunner()
	}
	return &Pipeline{
		cfg:      deps.Config,
		cache:    deps.Cache,
		recovery: deps.Recovery,
		recorder: deps.Recorder,
		runner:   deps.Runner,
		journal:  deps.Journal,
		spans:    deps.Spans,
		policy:   retry.FromConfig(deps.Config.Retry),
		stages: []stage.Stage{
			stage.NormalizeStage{},
			stage.PreprocessStage{},
			stage.CompileStage{},
			stage.PostprocessStage{},
			stage.OptimizeStage{},
		},
		sleep: sleepCtx,
	}
}

// recoverable stages may enter the recovering state and be retried.
func recoverable(name string) bool {
	return name == stage.Compile || name == stage.Postprocess
}

// entryPayload is what a cache entry's result blob carries. Preprocess
// entries additionally persist the scan result and dependency hashes so a
// warm run can rebuild later cache keys without re-scanning.
type entryPayload struct {
	Result    stage.Result         `json:"result"`
	Scan      *document.ScanResult `json:"scan,omitempty"`
	DepHashes map[string]string    `json:"dep_hashes,omitempty"`
}

// Compile runs the full pipeline for the document rooted at rootPath. The
// returned Outcome is non-nil whenever the document was at least opened;
// the error return is reserved for infrastructure faults.
func (p *Pipeline) Compile(ctx context.Context, rootPath string) (*Outcome, error) {
	buildStart := time.Now()
	buildID := uuid.NewString()

	outcome := &Outcome{
		BuildID: buildID,
		Metrics: RunMetrics{StageDurations: make(map[string]time.Duration)},
	}

	backend := document.Backend(config.NormalizeBackend(p.cfg.Backend))
	doc, err := document.New(rootPath, backend)
	if err != nil {
		p.recorder.IncBuildOutcome("fatal")
		return outcome, texerrors.Wrap(err, texerrors.CategoryValidation, texerrors.SeverityFatal, "open document")
	}
	outcome.Document = doc.Name()

	ctx = observability.WithBuildID(ctx, buildID)
	ctx = observability.WithDocument(ctx, doc.Name())

	// Auto backend must resolve before the first cache lookup: cache keys
	// embed the concrete backend.
	if doc.Backend == document.BackendAuto {
		if err := resolveBackend(doc); err != nil {
			p.recorder.IncBuildOutcome("fatal")
			return outcome, err
		}
	}

	st := &stage.State{
		Doc:                  doc,
		Runner:               p.runner,
		OutputDir:            p.cfg.OutputDir,
		CompileTimeout:       p.cfg.Compile.Timeout,
		MaxPostprocessPasses: p.cfg.Postproc.MaxPasses,
		OptimizeArtifact:     p.cfg.Compile.Optimize,
	}

	p.journalEvent(ctx, buildID, journal.EventBuildStarted, map[string]string{
		"document": doc.Name(),
		"backend":  string(doc.Backend),
	})
	observability.InfoContext(ctx, "build started",
		slog.String("backend", string(doc.Backend)))

	var session *recovery.Session
	if p.recovery != nil {
		session = p.recovery.NewSession()
	}

	for _, s := range p.stages {
		p.journalEvent(ctx, buildID, journal.EventStageStarted, map[string]string{
			"stage": s.Name(),
			"state": string(stageStates[s.Name()]),
		})
		fatal, failed := p.runStage(ctx, s, st, outcome, session, buildID)
		outcome.Backend = string(doc.Backend)
		if fatal != nil {
			p.finishBuild(ctx, outcome, buildStart, StateFailed, buildID)
			return outcome, fatal
		}
		if failed {
			outcome.FailedStage = s.Name()
			p.finishBuild(ctx, outcome, buildStart, StateFailed, buildID)
			return outcome, nil
		}
	}

	outcome.Success = true
	outcome.ArtifactPath = st.ArtifactPath
	outcome.ReceiptPath = st.ReceiptPath
	if rcpt, err := receipt.Load(st.ReceiptPath); err == nil {
		outcome.Receipt = rcpt
	}
	p.finishBuild(ctx, outcome, buildStart, StateSucceeded, buildID)
	return outcome, nil
}

// runStage executes one stage with cache consultation, recovery, and retry.
// It returns a fatal error for infrastructure faults, or failed=true when
// the stage could not be completed and the pipeline must terminate.
func (p *Pipeline) runStage(ctx context.Context, s stage.Stage, st *stage.State, outcome *Outcome, session *recovery.Session, buildID string) (fatal error, failed bool) {
	name := s.Name()
	ctx = observability.WithStage(ctx, name)
	retries := 0
	var lastFix *recovery.Fix

	for {
		if hit, err := p.tryCache(ctx, name, st, outcome, buildID); err != nil {
			return err, false
		} else if hit {
			return nil, false
		}

		result, err := s.Run(ctx, st)
		if err != nil {
			p.recorder.IncStageResult(name, metrics.ResultFatal)
			return texerrors.Wrap(err, texerrors.CategoryRuntime, texerrors.SeverityFatal,
				fmt.Sprintf("%s stage failed", name)), false
		}
		p.observeResult(ctx, name, result, outcome, buildID)

		if lastFix != nil {
			p.recovery.RecordOutcome(buildID, lastFix, result.Success)
			lastFix = nil
		}

		if result.Success {
			if err := p.storeResult(ctx, name, st, result); err != nil {
				return err, false
			}
			st.Chain = append(st.Chain, result)
			outcome.StageResults = append(outcome.StageResults, result)
			outcome.Diagnostics = append(outcome.Diagnostics, result.Diagnostics...)
			return nil, false
		}

		worst := result.Worst()
		canRetry := worst == diag.SeverityError && recoverable(name) && retries < p.policy.MaxRetries

		if canRetry && session != nil {
			fix := session.Diagnose(result.Diagnostics, recovery.Context{
				Backend:  st.Doc.Backend,
				RootPath: st.Doc.RootPath,
			})
			if fix != nil {
				p.journalEvent(ctx, buildID, journal.EventRecoveryApplied, map[string]string{
					"rule": fix.Rule, "stage": name,
				})
				if err := p.applyFix(ctx, st, fix); err != nil {
					observability.WarnContext(ctx, "recovery fix could not be applied",
						slog.String("rule", fix.Rule),
						slog.String("error", err.Error()))
					p.recovery.RecordOutcome(buildID, fix, false)
				} else {
					if fix.Kind == recovery.FixSwitchBackend {
						p.journalEvent(ctx, buildID, journal.EventBackendSwitched, map[string]string{
							"backend": string(st.Doc.Backend),
						})
					}
					markFixApplied(result.Diagnostics, fix)
					outcome.Metrics.RecoveriesApplied++
					p.recorder.IncRecoveryApplied(fix.Rule)
					lastFix = fix
					observability.InfoContext(ctx, "recovery fix applied",
						slog.String("rule", fix.Rule),
						slog.String("fix", fix.Description))
				}
			}
		}

		outcome.StageResults = append(outcome.StageResults, result)
		outcome.Diagnostics = append(outcome.Diagnostics, result.Diagnostics...)

		if !canRetry {
			if worst == diag.SeverityError && recoverable(name) {
				p.recorder.IncRetryExhausted(name)
			}
			return nil, true
		}

		retries++
		outcome.Metrics.Retries++
		p.recorder.IncRetry(name)
		delay := p.policy.Delay(retries - 1)
		p.journalEvent(ctx, buildID, journal.EventRetryScheduled, map[string]string{
			"stage": name,
			"delay": delay.String(),
			"retry": strconv.Itoa(retries),
		})
		observability.WarnContext(ctx, "stage failed, retrying",
			slog.Int("retry", retries),
			slog.Duration("backoff", delay))
		if err := p.sleep(ctx, delay); err != nil {
			return texerrors.Wrap(err, texerrors.CategoryRuntime, texerrors.SeverityFatal, "build canceled"), false
		}
	}
}

// observeResult records the span, metrics, and journal entry for one stage
// attempt.
func (p *Pipeline) observeResult(ctx context.Context, name string, result stage.Result, outcome *Outcome, buildID string) {
	outcome.Metrics.CacheMisses++
	outcome.Metrics.StageDurations[name] += result.Duration
	p.recorder.IncCacheMiss(name)
	p.recorder.ObserveStageDuration(name, result.Duration)
	p.recorder.IncStageResult(name, resultLabel(result))
	p.recordSpan(name, result.Success, false, result.Duration)
	p.journalEvent(ctx, buildID, journal.EventStageFinished, map[string]string{
		"stage":   name,
		"success": strconv.FormatBool(result.Success),
	})
}

func resultLabel(result stage.Result) metrics.ResultLabel {
	if result.Success {
		return metrics.ResultSuccess
	}
	if result.Worst() == diag.SeverityCritical {
		return metrics.ResultCritical
	}
	return metrics.ResultError
}

// markFixApplied annotates the diagnostic that triggered the fix.
func markFixApplied(diags []diag.Diagnostic, fix *recovery.Fix) {
	for i := range diags {
		if diags[i].Message == fix.Matched {
			diags[i].FixApplied = fix.Description
			return
		}
	}
}

func (p *Pipeline) finishBuild(ctx context.Context, outcome *Outcome, start time.Time, state RunState, buildID string) {
	outcome.Duration = time.Since(start)
	p.recorder.ObserveBuildDuration(outcome.Duration)
	if state == StateSucceeded {
		p.recorder.IncBuildOutcome("success")
	} else {
		p.recorder.IncBuildOutcome("failure")
	}
	p.journalEvent(ctx, buildID, journal.EventBuildFinished, map[string]string{
		"success":  strconv.FormatBool(outcome.Success),
		"duration": outcome.Duration.String(),
	})
	observability.InfoContext(ctx, "build finished",
		slog.Bool("success", outcome.Success),
		slog.Duration("took", outcome.Duration),
		slog.Int("cache_hits", outcome.Metrics.CacheHits),
		slog.Int("retries", outcome.Metrics.Retries))
}

func (p *Pipeline) recordSpan(name string, success, cacheHit bool, dur time.Duration) {
	if p.spans == nil {
		return
	}
	sp := p.spans.Start("texbuild.stage." + name)
	sp.SetAttribute("stage", name)
	sp.SetAttribute("success", success)
	sp.SetAttribute("cache_hit", cacheHit)
	sp.SetAttribute("duration", dur)
	sp.End()
}

func (p *Pipeline) journalEvent(ctx context.Context, buildID string, event journal.EventType, fields map[string]string) {
	if p.journal == nil {
		return
	}
	if err := p.journal.Append(ctx, buildID, event, fields); err != nil {
		observability.WarnContext(ctx, "journal append failed", slog.String("error", err.Error()))
	}
}

// resolveBackend picks a concrete backend for auto mode by inspecting the
// root file's declared packages.
func resolveBackend(doc *document.Document) error {
	raw, err := os.ReadFile(doc.RootPath) // #nosec G304 - resolved document root
	if err != nil {
		return texerrors.Wrap(err, texerrors.CategoryFileSystem, texerrors.SeverityFatal, "read document root")
	}
	content, err := document.NormalizeContent(raw)
	if err != nil {
		return texerrors.Wrap(err, texerrors.CategoryValidation, texerrors.SeverityFatal, "decode document root")
	}
	doc.Backend = document.ResolveAuto(document.DeclaredPackages(content))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ---- cache integration ----

// cacheKey computes the lookup key for one stage. Early stages key on the
// root hash alone; once the closure is known, later stages key on the full
// dependency closure.
func (p *Pipeline) cacheKey(name string, st *stage.State) cache.Key {
	closure := st.Doc.RootHash
	if name == stage.Compile || name == stage.Postprocess || name == stage.Optimize {
		closure = st.Doc.ClosureHash()
	}
	opts := map[string]string{}
	switch name {
	case stage.Postprocess:
		opts["max_passes"] = strconv.Itoa(st.MaxPostprocessPasses)
	case stage.Optimize:
		opts["optimize"] = strconv.FormatBool(st.OptimizeArtifact)
	}
	return cache.Key{
		Stage:       name,
		ClosureHash: closure,
		Backend:     string(st.Doc.Backend),
		Options:     opts,
	}
}

// tryCache consults the build cache for a stage and, on a verified hit,
// substitutes the cached result and restores the stage's side state.
func (p *Pipeline) tryCache(ctx context.Context, name string, st *stage.State, outcome *Outcome, buildID string) (bool, error) {
	if p.cache == nil {
		return false, nil
	}
	key := p.cacheKey(name, st)
	entry, ok, err := p.cache.Get(ctx, key, st.Doc.SourceDir)
	if err != nil {
		return false, texerrors.Wrap(err, texerrors.CategoryCache, texerrors.SeverityFatal, "cache lookup")
	}
	if !ok {
		p.journalEvent(ctx, buildID, journal.EventCacheMiss, map[string]string{"stage": name})
		return false, nil
	}

	var payload entryPayload
	if err := json.Unmarshal(entry.ResultJSON, &payload); err != nil {
		// A payload this cache build cannot read is treated as a miss.
		observability.WarnContext(ctx, "unreadable cache payload",
			slog.String("stage", name))
		return false, nil
	}
	result := payload.Result
	result.CacheHit = true
	result.Duration = 0

	if err := p.restoreSideState(name, st, entry, payload, result); err != nil {
		return false, texerrors.Wrap(err, texerrors.CategoryCache, texerrors.SeverityFatal, "restore cached stage output")
	}

	st.Chain = append(st.Chain, result)
	outcome.StageResults = append(outcome.StageResults, result)
	outcome.Diagnostics = append(outcome.Diagnostics, result.Diagnostics...)
	outcome.Metrics.CacheHits++
	p.recorder.IncCacheHit(name)
	p.recorder.IncStageResult(name, metrics.ResultSuccess)
	p.recordSpan(name, true, true, 0)
	p.journalEvent(ctx, buildID, journal.EventCacheHit, map[string]string{"stage": name})
	observability.DebugContext(ctx, "stage served from cache", slog.String("stage", name))
	return true, nil
}

// restoreSideState rebuilds the non-result state a skipped stage would have
// produced: scan data, artifacts on disk, and for optimize, the receipt.
func (p *Pipeline) restoreSideState(name string, st *stage.State, entry *cache.Entry, payload entryPayload, result stage.Result) error {
	switch name {
	case stage.Preprocess:
		st.Scan = payload.Scan
		if payload.DepHashes != nil {
			st.Doc.DepHashes = payload.DepHashes
		}
	case stage.Compile, stage.Postprocess:
		artifact := filepath.Join(st.Doc.SourceDir, st.Doc.Name()+".pdf")
		if err := os.WriteFile(artifact, entry.Artifact, 0o644); err != nil {
			return err
		}
		st.ArtifactPath = artifact
		st.ArtifactHash = result.OutputHash
	case stage.Optimize:
		if err := os.MkdirAll(st.OutputDir, 0o755); err != nil {
			return err
		}
		final := filepath.Join(st.OutputDir, st.Doc.Name()+".pdf")
		if err := os.WriteFile(final, entry.Artifact, 0o644); err != nil {
			return err
		}
		st.ArtifactPath = final
		st.FinalArtifactHash = result.OutputHash

		chain := make([]receipt.StageLink, 0, len(st.Chain)+1)
		for _, r := range st.Chain {
			chain = append(chain, receipt.StageLink{Stage: r.Stage, InputHash: r.InputHash, OutputHash: r.OutputHash})
		}
		chain = append(chain, receipt.StageLink{Stage: stage.Optimize, InputHash: result.InputHash, OutputHash: result.OutputHash})
		rcpt := receipt.Build(st.Doc.RootHash, string(st.Doc.Backend), chain, result.OutputHash)
		st.ReceiptPath = final + ".receipt.json"
		if err := rcpt.Write(st.ReceiptPath); err != nil {
			return err
		}
	}
	return nil
}

// storeResult writes a successful stage result to the build cache. The key
// is recomputed after the run: normalize may rewrite the root file, which
// moves the root hash the warm run will look up with.
func (p *Pipeline) storeResult(ctx context.Context, name string, st *stage.State, result stage.Result) error {
	if p.cache == nil {
		return nil
	}
	payload := entryPayload{Result: result}
	if name == stage.Preprocess {
		payload.Scan = st.Scan
		payload.DepHashes = st.Doc.DepHashes
	}
	resultJSON, err := json.Marshal(payload)
	if err != nil {
		return texerrors.Wrap(err, texerrors.CategoryInternal, texerrors.SeverityFatal, "serialize stage result")
	}

	var artifact []byte
	if name == stage.Compile || name == stage.Postprocess || name == stage.Optimize {
		artifact, err = os.ReadFile(st.ArtifactPath) // #nosec G304 - produced by this build
		if err != nil {
			return texerrors.Wrap(err, texerrors.CategoryFileSystem, texerrors.SeverityFatal, "read artifact for caching")
		}
	}

	deps, err := cache.SnapshotDeps(st.Doc.SourceDir, depPaths(st))
	if err != nil {
		return texerrors.Wrap(err, texerrors.CategoryCache, texerrors.SeverityFatal, "snapshot dependencies")
	}

	entry := &cache.Entry{
		Stage:      name,
		ResultJSON: resultJSON,
		Artifact:   artifact,
		Deps:       deps,
		CreatedAt:  time.Now(),
	}
	if err := p.cache.Put(ctx, p.cacheKey(name, st), entry); err != nil {
		return texerrors.Wrap(err, texerrors.CategoryCache, texerrors.SeverityFatal, "cache store")
	}
	return nil
}

func depPaths(st *stage.State) []string {
	paths := make([]string, 0, len(st.Doc.DepHashes))
	for rel := range st.Doc.DepHashes {
		paths = append(paths, rel)
	}
	return paths
}
