package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topspinlab/topspin/pipeline"
)

func TestPutGetMiss(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()

	artifact := pipeline.Insights{
		Version:    pipeline.InsightsVersion,
		Hypothesis: "late contact point",
		Evidence:   []string{"avg angle 25° across shots 0-3"},
		Confidence: 0.7,
	}
	require.NoError(t, store.Put(ctx, "s1", pipeline.StageDiagnosis, "fp3", artifact))
	require.NoError(t, store.Put(ctx, "s1", pipeline.StageDiagnosis, "fp3", artifact))

	got, err := store.Get(ctx, "s1", pipeline.StageDiagnosis, "fp3")
	require.NoError(t, err)
	assert.Equal(t, artifact, got)

	_, err = store.Get(ctx, "s1", pipeline.StageDiagnosis, "fp-other")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	_, err = store.Get(ctx, "s2", pipeline.StageDiagnosis, "fp3")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}
