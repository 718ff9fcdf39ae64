package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalAppendAndRead(t *testing.T) {
	j, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	ctx := context.Background()
	require.NoError(t, j.Append(ctx, "build-1", EventBuildStarted, map[string]string{"document": "thesis.tex"}))
	require.NoError(t, j.Append(ctx, "build-1", EventStageStarted, map[string]string{"stage": "compile"}))
	require.NoError(t, j.Append(ctx, "build-2", EventBuildStarted, nil))
	require.NoError(t, j.Append(ctx, "build-1", EventBuildFinished, map[string]string{"success": "true"}))

	events, err := j.Events(ctx, "build-1")
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, EventBuildStarted, events[0].Type)
	assert.Equal(t, "thesis.tex", events[0].Fields["document"])
	assert.Equal(t, EventStageStarted, events[1].Type)
	assert.Equal(t, EventBuildFinished, events[2].Type)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestJournalEventsEmptyForUnknownBuild(t *testing.T) {
	j, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	events, err := j.Events(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNilJournalIsNoop(t *testing.T) {
	var j *Journal
	ctx := context.Background()
	assert.NoError(t, j.Append(ctx, "b", EventBuildStarted, nil))
	events, err := j.Events(ctx, "b")
	assert.NoError(t, err)
	assert.Nil(t, events)
	assert.NoError(t, j.Close())
}
