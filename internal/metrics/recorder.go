// Package metrics defines the observability hooks the pipeline emits into.
package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultError    ResultLabel = "error"
	ResultCritical ResultLabel = "critical"
	ResultFatal    ResultLabel = "fatal"
)

// Recorder defines observability hooks for build and stage metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. All methods
// must be safe on the NoopRecorder so injection stays optional.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	IncBuildOutcome(outcome string) // outcome: success|failed
	IncCacheHit(stage string)
	IncCacheMiss(stage string)
	IncRetry(stage string)
	IncRetryExhausted(stage string)
	IncRecoveryApplied(rule string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)         {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) IncBuildOutcome(string)                     {}
func (NoopRecorder) IncCacheHit(string)                         {}
func (NoopRecorder) IncCacheMiss(string)                        {}
func (NoopRecorder) IncRetry(string)                            {}
func (NoopRecorder) IncRetryExhausted(string)                   {}
func (NoopRecorder) IncRecoveryApplied(string)                  {}
