package pipeline

import (
	"time"

	"git.home.luguber.info/inful/texbuild/internal/diag"
	"git.home.luguber.info/inful/texbuild/internal/receipt"
	"git.home.luguber.info/inful/texbuild/internal/stage"
)

// RunState is the pipeline state machine position.
type RunState string

const (
	StatePending        RunState = "pending"
	StateNormalizing    RunState = "normalizing"
	StatePreprocessing  RunState = "preprocessing"
	StateCompiling      RunState = "compiling"
	StateRecovering     RunState = "recovering"
	StatePostprocessing RunState = "postprocessing"
	StateOptimizing     RunState = "optimizing"
	StateSucceeded      RunState = "succeeded"
	StateFailed         RunState = "failed"
)

// stageStates maps stage names to their running state.
var stageStates = map[string]RunState{
	stage.Normalize:   StateNormalizing,
	stage.Preprocess:  StatePreprocessing,
	stage.Compile:     StateCompiling,
	stage.Postprocess: StatePostprocessing,
	stage.Optimize:    StateOptimizing,
}

// RunMetrics aggregates the counters for one compilation run.
type RunMetrics struct {
	CacheHits         int                      `json:"cache_hits"`
	CacheMisses       int                      `json:"cache_misses"`
	Retries           int                      `json:"retries"`
	RecoveriesApplied int                      `json:"recoveries_applied"`
	StageDurations    map[string]time.Duration `json:"stage_durations"`
}

// Outcome is the full result of one document compilation, success or not.
// On failure it carries every diagnostic gathered along the way so the
// failure narrative can be reconstructed without re-running the build.
type Outcome struct {
	Success      bool              `json:"success"`
	BuildID      string            `json:"build_id"`
	Document     string            `json:"document"`
	Backend      string            `json:"backend"`
	ArtifactPath string            `json:"artifact_path,omitempty"`
	ReceiptPath  string            `json:"receipt_path,omitempty"`
	Receipt      *receipt.Receipt  `json:"receipt,omitempty"`
	StageResults []stage.Result    `json:"stage_results"`
	Diagnostics  []diag.Diagnostic `json:"diagnostics,omitempty"`
	// FailedStage names the stage that terminated an unsuccessful run.
	FailedStage string        `json:"failed_stage,omitempty"`
	Duration    time.Duration `json:"duration"`
	Metrics     RunMetrics    `json:"metrics"`
}

// Worst returns the highest diagnostic severity across the whole run.
func (o *Outcome) Worst() diag.Severity {
	return diag.Worst(o.Diagnostics)
}
