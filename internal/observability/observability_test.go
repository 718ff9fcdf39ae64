package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogContextAccumulates(t *testing.T) {
	ctx := context.Background()
	ctx = WithBuildID(ctx, "b-123")
	ctx = WithDocument(ctx, "thesis")
	ctx = WithStage(ctx, "compile")

	lc := GetContext(ctx)
	assert.Equal(t, "b-123", lc.BuildID)
	assert.Equal(t, "thesis", lc.Document)
	assert.Equal(t, "compile", lc.Stage)
}

func TestLogContextOverwriteKeepsOthers(t *testing.T) {
	ctx := WithStage(WithBuildID(context.Background(), "b-1"), "normalize")
	ctx = WithStage(ctx, "compile")

	lc := GetContext(ctx)
	assert.Equal(t, "b-1", lc.BuildID)
	assert.Equal(t, "compile", lc.Stage)
}

func TestSpanCollector(t *testing.T) {
	c := NewSpanCollector()
	span := c.Start("stage.compile")
	span.SetAttribute("stage", "compile")
	span.SetAttribute("success", true)
	span.SetAttribute("cache_hit", false)
	time.Sleep(time.Millisecond)
	span.End()

	spans := c.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "stage.compile", spans[0].Name)
	assert.Equal(t, true, spans[0].Attributes["success"])
	assert.Equal(t, false, spans[0].Attributes["cache_hit"])
	assert.Greater(t, spans[0].Duration, time.Duration(0))
}
