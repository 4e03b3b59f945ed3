package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/runner/retry"
	"github.com/topspinlab/topspin/telemetry"
)

func fastRetry(maxAttempts int) retry.Config {
	return retry.Config{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    time.Microsecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func detectionsHandler(calls *int, err error) pipeline.Handler {
	return pipeline.HandlerFunc(func(context.Context, pipeline.Inputs) (pipeline.Artifact, error) {
		*calls++
		if err != nil {
			return nil, err
		}
		return &pipeline.Detections{Version: pipeline.DetectionsVersion}, nil
	})
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()
	r := New(WithRetry(fastRetry(3)))
	var calls int
	a, err := r.Run(context.Background(), "s1", pipeline.StagePerception, detectionsHandler(&calls, nil), pipeline.Inputs{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StagePerception, a.ArtifactStage())
	assert.Equal(t, 1, calls)
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	r := New(WithRetry(fastRetry(5)))
	calls := 0
	h := pipeline.HandlerFunc(func(context.Context, pipeline.Inputs) (pipeline.Artifact, error) {
		calls++
		if calls < 3 {
			return nil, pipeline.Transient(errors.New("model overloaded"))
		}
		return &pipeline.Detections{Version: pipeline.DetectionsVersion}, nil
	})
	_, err := r.Run(context.Background(), "s1", pipeline.StagePerception, h, pipeline.Inputs{})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunExhaustedRetriesEscalateToFatal(t *testing.T) {
	t.Parallel()
	r := New(WithRetry(fastRetry(3)))
	var calls int
	_, err := r.Run(context.Background(), "s1", pipeline.StagePerception,
		detectionsHandler(&calls, pipeline.Transient(errors.New("model overloaded"))), pipeline.Inputs{})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var se *pipeline.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeline.StagePerception, se.Stage)
	assert.Equal(t, pipeline.ClassFatal, se.Class)
	var exhausted *retry.ExhaustedError
	assert.True(t, errors.As(err, &exhausted))
}

func TestRunFatalErrorNotRetried(t *testing.T) {
	t.Parallel()
	r := New(WithRetry(fastRetry(5)))
	var calls int
	_, err := r.Run(context.Background(), "s1", pipeline.StagePerception,
		detectionsHandler(&calls, pipeline.Fatal(errors.New("unreadable video"))), pipeline.Inputs{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, pipeline.ClassFatal, pipeline.Classify(err))
}

func TestRunValidationErrorNotRetried(t *testing.T) {
	t.Parallel()
	r := New(WithRetry(fastRetry(5)))
	var calls int
	_, err := r.Run(context.Background(), "s1", pipeline.StagePerception,
		detectionsHandler(&calls, &pipeline.ValidationError{Field: "video_path", Reason: "empty"}), pipeline.Inputs{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var se *pipeline.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeline.ClassValidation, se.Class)
}

func TestRunTimeoutRetries(t *testing.T) {
	t.Parallel()
	r := New(WithRetry(fastRetry(2)), WithTimeout(10*time.Millisecond))
	calls := 0
	h := pipeline.HandlerFunc(func(ctx context.Context, _ pipeline.Inputs) (pipeline.Artifact, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &pipeline.Detections{Version: pipeline.DetectionsVersion}, nil
	})
	_, err := r.Run(context.Background(), "s1", pipeline.StagePerception, h, pipeline.Inputs{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRunCancellationSurfaces(t *testing.T) {
	t.Parallel()
	r := New(WithRetry(fastRetry(5)))
	ctx, cancel := context.WithCancel(context.Background())
	h := pipeline.HandlerFunc(func(ctx context.Context, _ pipeline.Inputs) (pipeline.Artifact, error) {
		cancel()
		return nil, ctx.Err()
	})
	_, err := r.Run(ctx, "s1", pipeline.StagePerception, h, pipeline.Inputs{})
	require.Error(t, err)
	var se *pipeline.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeline.ClassCancelled, se.Class)
}

func TestRunWrongStageArtifactIsFatal(t *testing.T) {
	t.Parallel()
	r := New(WithRetry(fastRetry(3)))
	h := pipeline.HandlerFunc(func(context.Context, pipeline.Inputs) (pipeline.Artifact, error) {
		return &pipeline.Evaluations{Version: pipeline.EvaluationsVersion}, nil
	})
	_, err := r.Run(context.Background(), "s1", pipeline.StagePerception, h, pipeline.Inputs{})
	require.Error(t, err)
	assert.Equal(t, pipeline.ClassFatal, pipeline.Classify(err))
}

func TestRunStaleArtifactVersionIsFatal(t *testing.T) {
	t.Parallel()
	r := New(WithRetry(fastRetry(3)))
	h := pipeline.HandlerFunc(func(context.Context, pipeline.Inputs) (pipeline.Artifact, error) {
		return &pipeline.Detections{Version: pipeline.DetectionsVersion + 1}, nil
	})
	_, err := r.Run(context.Background(), "s1", pipeline.StagePerception, h, pipeline.Inputs{})
	require.Error(t, err)
	assert.Equal(t, pipeline.ClassFatal, pipeline.Classify(err))
}

func TestRunRecordsSpan(t *testing.T) {
	t.Parallel()
	rec := telemetry.NewRecorder()
	r := New(WithRetry(fastRetry(3)), WithSink(rec))
	var calls int
	_, err := r.Run(context.Background(), "s1", pipeline.StagePerception, detectionsHandler(&calls, nil), pipeline.Inputs{})
	require.NoError(t, err)

	records := rec.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "stage.perception", records[0].Name)
	assert.Equal(t, "s1", records[0].Attrs.SessionID)
	assert.Equal(t, "perception", records[0].Attrs.Stage)
	assert.NoError(t, records[0].Err)
}
