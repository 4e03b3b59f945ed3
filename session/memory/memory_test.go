package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/session"
)

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()

	sess, err := store.Create(ctx, pipeline.Profile{"level": "Beginner"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	require.NoError(t, store.AppendEvent(ctx, sess.ID, session.Event{Type: "pipeline_start"}))
	require.NoError(t, store.RecordStageResult(ctx, sess.ID, session.StageResult{
		Stage: pipeline.StagePerception, Fingerprint: "fp1", ArtifactRef: "ref1", CompletedAt: time.Now(),
	}))
	require.NoError(t, store.UpdateStatus(ctx, sess.ID, session.StatusFailed))

	loaded, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Events, 1)
	_, ok := loaded.Result(pipeline.StagePerception, "fp1")
	assert.True(t, ok)
	assert.Equal(t, session.StatusFailed, loaded.Status)
}

func TestMissingSession(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	_, err := store.Load(ctx, "absent")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.ErrorIs(t, store.AppendEvent(ctx, "absent", session.Event{}), pipeline.ErrNotFound)
	require.ErrorIs(t, store.UpdateStatus(ctx, "absent", session.StatusCompleted), pipeline.ErrNotFound)
}

func TestLoadReturnsCopy(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	sess, err := store.Create(ctx, pipeline.Profile{"level": "Beginner"})
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(ctx, sess.ID, session.Event{Type: "pipeline_start"}))

	loaded, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	loaded.Events[0].Type = "mutated"

	again, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "pipeline_start", again.Events[0].Type)
}
