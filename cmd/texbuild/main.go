package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"git.home.luguber.info/inful/texbuild/internal/cache"
	"git.home.luguber.info/inful/texbuild/internal/config"
	texerrors "git.home.luguber.info/inful/texbuild/internal/errors"
	"git.home.luguber.info/inful/texbuild/internal/journal"
	"git.home.luguber.info/inful/texbuild/internal/metrics"
	"git.home.luguber.info/inful/texbuild/internal/pipeline"
	"git.home.luguber.info/inful/texbuild/internal/receipt"
	"git.home.luguber.info/inful/texbuild/internal/recovery"
)

const msRound = time.Millisecond

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"texbuild.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Compile struct {
		Source     string `arg:"" help:"Root source file to compile"`
		Backend    string `short:"b" help:"Typesetting backend (fast|unicode|lua-extended|auto-detect)"`
		Output     string `short:"o" help:"Output directory for the artifact and receipt"`
		NoCache    bool   `help:"Bypass the build cache"`
		NoOptimize bool   `help:"Skip artifact optimization"`
		JSON       bool   `help:"Print the compilation outcome as JSON"`
	} `cmd:"" help:"Compile a document into its final artifact"`

	Verify struct {
		Artifact string `arg:"" help:"Artifact file to verify"`
		Receipt  string `short:"r" help:"Receipt path (defaults to <artifact>.receipt.json)"`
	} `cmd:"" help:"Verify an artifact against its receipt"`

	Watch struct {
		Source        string `arg:"" help:"Root source file to watch and recompile"`
		MetricsListen string `help:"Serve Prometheus metrics on this address (e.g. :9470)"`
	} `cmd:"" help:"Recompile whenever the source tree changes"`

	Cache struct {
		Stats struct{} `cmd:"" help:"Show cache entry count and total size"`
		Clear struct{} `cmd:"" help:"Remove every cache entry"`
	} `cmd:"" help:"Build cache maintenance"`
}

func main() {
	// A local .env can override TEXBUILD_* settings during development.
	_ = godotenv.Load()

	kctx := kong.Parse(&CLI,
		kong.Name("texbuild"),
		kong.Description("Deterministic, cacheable document compilation with receipts."))

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		adapter := texerrors.NewCLIErrorAdapter(CLI.Verbose, slog.Default())
		adapter.Report(err)
		os.Exit(adapter.ExitCodeFor(err))
	}
	applyFlagOverrides(cfg)
	setupLogging(cfg)

	adapter := texerrors.NewCLIErrorAdapter(CLI.Verbose, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch kctx.Command() {
	case "compile <source>":
		err = runCompile(ctx, cfg)
	case "verify <artifact>":
		err = runVerify()
	case "watch <source>":
		err = runWatch(ctx, cfg)
	case "cache stats":
		err = runCacheStats(ctx, cfg)
	case "cache clear":
		err = runCacheClear(ctx, cfg)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}

	if err != nil {
		adapter.Report(err)
		os.Exit(adapter.ExitCodeFor(err))
	}
}

// applyFlagOverrides lets command line flags win over file and environment
// configuration.
func applyFlagOverrides(cfg *config.Config) {
	if CLI.Compile.Backend != "" {
		cfg.Backend = CLI.Compile.Backend
	}
	if CLI.Compile.Output != "" {
		cfg.OutputDir = CLI.Compile.Output
	}
	if CLI.Compile.NoCache {
		cfg.Cache.Disabled = true
	}
	if CLI.Compile.NoOptimize {
		cfg.Compile.Optimize = false
	}
	if CLI.Verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
}

func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildPipeline assembles the pipeline and its collaborators from config.
// The returned cleanup closes the cache and journal.
func buildPipeline(cfg *config.Config, recorder metrics.Recorder) (*pipeline.Pipeline, func(), error) {
	var store cache.Cache
	if !cfg.Cache.Disabled {
		fsCache, err := cache.NewFSCache(cfg.Cache.Dir, cfg.Cache.MaxSizeBytes())
		if err != nil {
			return nil, nil, texerrors.Wrap(err, texerrors.CategoryCache, texerrors.SeverityFatal, "open build cache")
		}
		store = fsCache
	}

	var jrnl *journal.Journal
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			slog.Warn("Build journal unavailable", "error", err)
		} else {
			jrnl = j
		}
	}

	var engine *recovery.Engine
	if cfg.Recovery.Enabled {
		var fixLog *recovery.FixLog
		if cfg.Recovery.LearnedFixLog != "" {
			if fl, err := recovery.OpenFixLog(cfg.Recovery.LearnedFixLog); err == nil {
				fixLog = fl
			} else {
				slog.Warn("Learned-fix log unavailable", "error", err)
			}
		}
		engine = recovery.NewDefaultEngine(fixLog)
	}

	p := pipeline.New(pipeline.Deps{
		Config:   cfg,
		Cache:    store,
		Recovery: engine,
		Recorder: recorder,
		Journal:  jrnl,
	})
	cleanup := func() {
		if store != nil {
			if err := store.Close(); err != nil {
				slog.Warn("Cache close failed", "error", err)
			}
		}
		if err := jrnl.Close(); err != nil {
			slog.Warn("Journal close failed", "error", err)
		}
	}
	return p, cleanup, nil
}

func runCompile(ctx context.Context, cfg *config.Config) error {
	p, cleanup, err := buildPipeline(cfg, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	outcome, err := p.Compile(ctx, CLI.Compile.Source)
	if err != nil {
		return err
	}

	if CLI.Compile.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			return texerrors.Wrap(err, texerrors.CategoryInternal, texerrors.SeverityFatal, "encode outcome")
		}
	} else {
		printOutcome(outcome)
	}

	if !outcome.Success {
		return texerrors.New(texerrors.CategoryToolchain, texerrors.SeverityFatal,
			fmt.Sprintf("compilation failed in %s stage", outcome.FailedStage))
	}
	return nil
}

func printOutcome(outcome *pipeline.Outcome) {
	if outcome.Success {
		fmt.Printf("OK  %s (%s, %s)\n", outcome.ArtifactPath, outcome.Backend, outcome.Duration.Round(msRound))
		fmt.Printf("    receipt: %s\n", outcome.ReceiptPath)
		fmt.Printf("    cache: %d hits, %d misses; retries: %d\n",
			outcome.Metrics.CacheHits, outcome.Metrics.CacheMisses, outcome.Metrics.Retries)
		return
	}
	fmt.Printf("FAILED in %s stage (%s)\n", outcome.FailedStage, outcome.Duration.Round(msRound))
	for _, d := range outcome.Diagnostics {
		line := fmt.Sprintf("  [%s] %s", d.Severity, d.Message)
		if d.Line > 0 {
			line += fmt.Sprintf(" (l.%d)", d.Line)
		}
		fmt.Println(line)
		if d.FixApplied != "" {
			fmt.Printf("      fix applied: %s\n", d.FixApplied)
		} else if d.Suggestion != "" {
			fmt.Printf("      suggestion: %s\n", d.Suggestion)
		}
	}
}

func runVerify() error {
	receiptPath := CLI.Verify.Receipt
	if receiptPath == "" {
		receiptPath = CLI.Verify.Artifact + ".receipt.json"
	}
	rcpt, err := receipt.Load(receiptPath)
	if err != nil {
		return texerrors.Wrap(err, texerrors.CategoryValidation, texerrors.SeverityFatal, "load receipt")
	}
	if err := rcpt.Verify(CLI.Verify.Artifact); err != nil {
		return texerrors.Wrap(err, texerrors.CategoryValidation, texerrors.SeverityFatal, "artifact verification failed")
	}
	fmt.Printf("OK  %s matches receipt (backend %s, %d stage links)\n",
		CLI.Verify.Artifact, rcpt.Backend, len(rcpt.Chain))
	return nil
}

func runCacheStats(ctx context.Context, cfg *config.Config) error {
	fsCache, err := cache.NewFSCache(cfg.Cache.Dir, cfg.Cache.MaxSizeBytes())
	if err != nil {
		return texerrors.Wrap(err, texerrors.CategoryCache, texerrors.SeverityFatal, "open build cache")
	}
	defer func() { _ = fsCache.Close() }()

	count, size, err := fsCache.Stats(ctx)
	if err != nil {
		return texerrors.Wrap(err, texerrors.CategoryCache, texerrors.SeverityFatal, "read cache stats")
	}
	fmt.Printf("%s: %d entries, %.1f MB (ceiling %d MB)\n",
		cfg.Cache.Dir, count, float64(size)/(1024*1024), cfg.Cache.MaxSizeMB)
	return nil
}

func runCacheClear(ctx context.Context, cfg *config.Config) error {
	fsCache, err := cache.NewFSCache(cfg.Cache.Dir, cfg.Cache.MaxSizeBytes())
	if err != nil {
		return texerrors.Wrap(err, texerrors.CategoryCache, texerrors.SeverityFatal, "open build cache")
	}
	defer func() { _ = fsCache.Close() }()

	if err := fsCache.Clear(ctx); err != nil {
		return texerrors.Wrap(err, texerrors.CategoryCache, texerrors.SeverityFatal, "clear cache")
	}
	fmt.Println("cache cleared")
	return nil
}
