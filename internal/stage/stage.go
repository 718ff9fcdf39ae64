// Package stage defines the pipeline stage contract and the five concrete
// stages: normalize, preprocess, compile, postprocess, and optimize. Stages
// report expected failures as diagnostics inside their Result; a returned
// error means an infrastructure fault that aborts the build outright.
package stage

import (
	"context"
	"time"

	"git.home.luguber.info/inful/texbuild/internal/diag"
	"git.home.luguber.info/inful/texbuild/internal/document"
	"git.home.luguber.info/inful/texbuild/internal/executil"
)

// Stage names, in pipeline order.
const (
	Normalize   = "normalize"
	Preprocess  = "preprocess"
	Compile     = "compile"
	Postprocess = "postprocess"
	Optimize    = "optimize"
)

// Order lists the stages in execution order.
var Order = []string{Normalize, Preprocess, Compile, Postprocess, Optimize}

// Result is the outcome of one stage invocation. Never mutated after a
// stage returns it.
type Result struct {
	Stage       string            `json:"stage"`
	Success     bool              `json:"success"`
	InputHash   string            `json:"input_hash"`
	OutputHash  string            `json:"output_hash"`
	Duration    time.Duration     `json:"duration"`
	Diagnostics []diag.Diagnostic `json:"diagnostics,omitempty"`
	RawOutput   string            `json:"raw_output,omitempty"`
	// CacheHit marks results substituted from the build cache.
	CacheHit bool `json:"cache_hit,omitempty"`
}

// Worst returns the highest diagnostic severity in the result.
func (r Result) Worst() diag.Severity {
	return diag.Worst(r.Diagnostics)
}

// State is the mutable build context threaded through the stages. One State
// exists per document compilation; stages read what earlier stages wrote.
type State struct {
	Doc    *document.Document
	Runner executil.Runner

	// Scan is filled by the preprocess stage.
	Scan *document.ScanResult

	// OutputDir receives the final artifact and receipt.
	OutputDir string
	// CompileTimeout bounds each external typesetting invocation.
	CompileTimeout time.Duration
	// MaxPostprocessPasses caps the cross-reference fixed-point loop.
	MaxPostprocessPasses int
	// OptimizeArtifact enables artifact compression in the optimize stage.
	OptimizeArtifact bool

	// ArtifactPath is where the produced artifact currently lives. The
	// compile stage sets it; optimize moves it to OutputDir.
	ArtifactPath string
	// ArtifactHash tracks the artifact content across stages.
	ArtifactHash string
	// FinalArtifactHash is set by optimize after all post-processing.
	FinalArtifactHash string
	// ReceiptPath is set by optimize once the receipt is written.
	ReceiptPath string

	// Chain collects completed stage results for receipt assembly. The
	// pipeline appends after each stage settles.
	Chain []Result
}

// A Stage is one pipeline step.
type Stage interface {
	// Name returns the stage identity.
	Name() string
	// Run executes the stage against the current state. Expected failures
	// are reported in the Result; the error return is reserved for
	// infrastructure faults.
	Run(ctx context.Context, st *State) (Result, error)
}

// finish stamps the common result fields.
func finish(r Result, start time.Time) Result {
	r.Duration = time.Since(start)
	return r
}

func failed(name, inputHash string, start time.Time, diags ...diag.Diagnostic) Result {
	return finish(Result{
		Stage:       name,
		Success:     false,
		InputHash:   inputHash,
		Diagnostics: diags,
	}, start)
}
