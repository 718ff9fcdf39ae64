package main

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/texbuild/internal/config"
	texerrors "git.home.luguber.info/inful/texbuild/internal/errors"
	"git.home.luguber.info/inful/texbuild/internal/metrics"
)

// debounceWindow coalesces the burst of filesystem events editors emit on
// save into a single rebuild.
const debounceWindow = 400 * time.Millisecond

// runWatch compiles the document, then recompiles on every change to its
// source tree until the context is canceled.
func runWatch(ctx context.Context, cfg *config.Config) error {
	var recorder metrics.Recorder
	if CLI.Watch.MetricsListen != "" {
		reg := prom.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
		go serveMetrics(CLI.Watch.MetricsListen, reg)
	}

	p, cleanup, err := buildPipeline(cfg, recorder)
	if err != nil {
		return err
	}
	defer cleanup()

	source := CLI.Watch.Source
	sourceDir := filepath.Dir(source)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return texerrors.Wrap(err, texerrors.CategoryRuntime, texerrors.SeverityFatal, "create file watcher")
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(sourceDir); err != nil {
		return texerrors.Wrap(err, texerrors.CategoryFileSystem, texerrors.SeverityFatal, "watch source directory")
	}

	compileOnce := func() {
		outcome, err := p.Compile(ctx, source)
		if err != nil {
			slog.Error("Build aborted", "error", err)
			return
		}
		printOutcome(outcome)
	}

	compileOnce()
	slog.Info("Watching for changes", "dir", sourceDir)

	var debounce *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantChange(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Watcher error", "error", err)
		case <-pending:
			slog.Info("Source changed, rebuilding")
			compileOnce()
		}
	}
}

// relevantChange filters out artifact and auxiliary file churn that the
// build itself produces, which would otherwise retrigger forever.
func relevantChange(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	switch strings.ToLower(filepath.Ext(event.Name)) {
	case ".tex", ".bib", ".sty", ".cls":
		return true
	default:
		return false
	}
}

func serveMetrics(addr string, reg *prom.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	slog.Info("Serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Metrics server failed", "error", err)
	}
}
