package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	stageDuration    *prom.HistogramVec
	buildDuration    prom.Histogram
	stageResults     *prom.CounterVec
	buildOutcome     *prom.CounterVec
	cacheEvents      *prom.CounterVec
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
	recoveries       *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "texbuild",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual compilation stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.buildDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "texbuild",
			Name:      "build_duration_seconds",
			Help:      "Total compilation duration",
			Buckets:   prom.DefBuckets,
		})
		pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "texbuild",
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "texbuild",
			Name:      "build_outcomes_total",
			Help:      "Compilation outcomes by final status",
		}, []string{"outcome"})
		pr.cacheEvents = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "texbuild",
			Name:      "cache_events_total",
			Help:      "Build cache hits and misses by stage",
		}, []string{"stage", "event"})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "texbuild",
			Name:      "stage_retries_total",
			Help:      "Total stage retries after recoverable failures",
		}, []string{"stage"})
		pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "texbuild",
			Name:      "stage_retry_exhausted_total",
			Help:      "Count of stages where retries were exhausted",
		}, []string{"stage"})
		pr.recoveries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "texbuild",
			Name:      "recovery_fixes_total",
			Help:      "Recovery rules applied, by rule name",
		}, []string{"rule"})
		reg.MustRegister(pr.stageDuration, pr.buildDuration, pr.stageResults, pr.buildOutcome, pr.cacheEvents, pr.retries, pr.retriesExhausted, pr.recoveries)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncCacheHit(stage string) {
	if p == nil || p.cacheEvents == nil {
		return
	}
	p.cacheEvents.WithLabelValues(stage, "hit").Inc()
}

func (p *PrometheusRecorder) IncCacheMiss(stage string) {
	if p == nil || p.cacheEvents == nil {
		return
	}
	p.cacheEvents.WithLabelValues(stage, "miss").Inc()
}

func (p *PrometheusRecorder) IncRetry(stage string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(stage).Inc()
}

func (p *PrometheusRecorder) IncRetryExhausted(stage string) {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(stage).Inc()
}

func (p *PrometheusRecorder) IncRecoveryApplied(rule string) {
	if p == nil || p.recoveries == nil {
		return
	}
	p.recoveries.WithLabelValues(rule).Inc()
}
