package observability

import (
	"log/slog"
	"sync"
	"time"
)

// Span is a named duration measurement with attributes. Each stage execution
// emits one span with {stage, success, cache_hit} attributes so external
// observability tooling can consume them.
type Span struct {
	name       string
	startTime  time.Time
	attributes map[string]any
	mu         sync.Mutex
	collector  *SpanCollector
}

// SetAttribute sets an attribute on the span.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attributes == nil {
		s.attributes = make(map[string]any)
	}
	s.attributes[key] = value
}

// End closes the span, records it with its collector, and logs the duration.
func (s *Span) End() {
	duration := time.Since(s.startTime)
	slog.Debug("Span ended", "span", s.name, "duration_ms", duration.Milliseconds())
	if s.collector != nil {
		s.collector.record(FinishedSpan{
			Name:       s.name,
			Duration:   duration,
			Attributes: s.snapshotAttrs(),
		})
	}
}

func (s *Span) snapshotAttrs() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.attributes))
	for k, v := range s.attributes {
		out[k] = v
	}
	return out
}

// FinishedSpan is an immutable record of a completed span.
type FinishedSpan struct {
	Name       string
	Duration   time.Duration
	Attributes map[string]any
}

// SpanCollector accumulates finished spans for inspection and export.
type SpanCollector struct {
	mu    sync.Mutex
	spans []FinishedSpan
}

// NewSpanCollector creates an empty collector.
func NewSpanCollector() *SpanCollector {
	return &SpanCollector{}
}

// Start opens a new span attached to this collector.
func (c *SpanCollector) Start(name string) *Span {
	return &Span{name: name, startTime: time.Now(), collector: c}
}

func (c *SpanCollector) record(fs FinishedSpan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spans = append(c.spans, fs)
}

// Spans returns a copy of the finished spans in completion order.
func (c *SpanCollector) Spans() []FinishedSpan {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FinishedSpan, len(c.spans))
	copy(out, c.spans)
	return out
}
