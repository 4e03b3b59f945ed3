package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/toolreg"
)

// scriptedModel replays canned completions in order.
type scriptedModel struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (m *scriptedModel) Complete(_ context.Context, _ string, prompt string) (string, error) {
	m.calls++
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

func builtinRegistry(t *testing.T) *toolreg.Registry {
	t.Helper()
	reg := toolreg.New()
	require.NoError(t, toolreg.RegisterBuiltins(reg))
	return reg
}

func writeSidecar(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	video := filepath.Join(dir, "rally.mp4")
	require.NoError(t, os.WriteFile(video+DetectionsSuffix, []byte(content), 0o644))
	return video
}

func TestPerceptionLoadsSidecar(t *testing.T) {
	t.Parallel()
	video := writeSidecar(t, `[
		{"frame_index": 0, "timestamp": 0.0, "racket_angle": 52.5,
		 "keypoints": {"left_elbow": [120, 210], "left_shoulder": [118, 180]}},
		{"frame_index": 1, "timestamp": 0.1, "racket_angle": null}
	]`)

	a, err := Perception{}.Handle(context.Background(), pipeline.Inputs{VideoPath: video})
	require.NoError(t, err)
	d := a.(*pipeline.Detections)
	assert.Equal(t, pipeline.DetectionsVersion, d.Version)
	require.Len(t, d.Frames, 2)
	require.NotNil(t, d.Frames[0].PaddleAngle)
	assert.Equal(t, 52.5, *d.Frames[0].PaddleAngle)
	assert.Equal(t, pipeline.Keypoint{X: 120, Y: 210}, d.Frames[0].Keypoints["left_elbow"])
	assert.Nil(t, d.Frames[1].PaddleAngle)
}

func TestPerceptionMissingSidecar(t *testing.T) {
	t.Parallel()
	_, err := Perception{}.Handle(context.Background(), pipeline.Inputs{
		VideoPath: filepath.Join(t.TempDir(), "rally.mp4"),
	})
	var verr *pipeline.ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestPerceptionMalformedSidecar(t *testing.T) {
	t.Parallel()
	video := writeSidecar(t, `{"not": "a list"`)
	_, err := Perception{}.Handle(context.Background(), pipeline.Inputs{VideoPath: video})
	assert.Equal(t, pipeline.ClassValidation, pipeline.Classify(err))
}

func TestPerceptionBadKeypointShape(t *testing.T) {
	t.Parallel()
	video := writeSidecar(t, `[{"frame_index": 0, "keypoints": {"left_wrist": [1, 2, 3]}}]`)
	_, err := Perception{}.Handle(context.Background(), pipeline.Inputs{VideoPath: video})
	assert.Equal(t, pipeline.ClassValidation, pipeline.Classify(err))
}

func detections(frames ...pipeline.FrameDetection) *pipeline.Detections {
	return &pipeline.Detections{Version: pipeline.DetectionsVersion, Frames: frames}
}

func evalInputs(d *pipeline.Detections) pipeline.Inputs {
	return pipeline.Inputs{Upstream: map[pipeline.Stage]pipeline.Artifact{pipeline.StagePerception: d}}
}

func angleFrames(n int, angle float64) []pipeline.FrameDetection {
	frames := make([]pipeline.FrameDetection, n)
	for i := range frames {
		a := angle
		frames[i] = pipeline.FrameDetection{FrameIndex: i, PaddleAngle: &a}
	}
	return frames
}

func TestEvaluationGoodShot(t *testing.T) {
	t.Parallel()
	a, err := Evaluation{}.Handle(context.Background(), evalInputs(detections(angleFrames(10, 60)...)))
	require.NoError(t, err)
	e := a.(*pipeline.Evaluations)
	require.Len(t, e.Shots, 1)
	shot := e.Shots[0]
	assert.Equal(t, 0, shot.ShotID)
	assert.Equal(t, 100.0, shot.Score)
	assert.Empty(t, shot.Issues)
	require.NotNil(t, shot.AvgAngle)
	assert.InDelta(t, 60.0, *shot.AvgAngle, 0.001)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, shot.Frames)
}

func TestEvaluationUndetectedAngle(t *testing.T) {
	t.Parallel()
	frames := make([]pipeline.FrameDetection, 10)
	for i := range frames {
		frames[i] = pipeline.FrameDetection{FrameIndex: i}
	}
	a, err := Evaluation{}.Handle(context.Background(), evalInputs(detections(frames...)))
	require.NoError(t, err)
	shot := a.(*pipeline.Evaluations).Shots[0]
	assert.Equal(t, 70.0, shot.Score)
	assert.Contains(t, shot.Issues, "Racket angle undetected in this sequence")
	assert.Nil(t, shot.AvgAngle)
}

func TestEvaluationSuboptimalAngle(t *testing.T) {
	t.Parallel()
	a, err := Evaluation{}.Handle(context.Background(), evalInputs(detections(angleFrames(10, 20)...)))
	require.NoError(t, err)
	shot := a.(*pipeline.Evaluations).Shots[0]
	assert.Equal(t, 80.0, shot.Score)
	require.Len(t, shot.Issues, 1)
	assert.Contains(t, shot.Issues[0], "might be suboptimal")
	assert.Contains(t, shot.Suggestions[0], "more open racket face")
}

func TestEvaluationPosturePenalty(t *testing.T) {
	t.Parallel()
	frames := angleFrames(10, 60)
	// Elbow well above the shoulder in image coordinates.
	frames[3].Keypoints = map[string]pipeline.Keypoint{
		"left_elbow":    {X: 100, Y: 100},
		"left_shoulder": {X: 100, Y: 180},
	}
	a, err := Evaluation{}.Handle(context.Background(), evalInputs(detections(frames...)))
	require.NoError(t, err)
	shot := a.(*pipeline.Evaluations).Shots[0]
	assert.Equal(t, 90.0, shot.Score)
	assert.Contains(t, shot.Issues, "Elbow appears high for some frames (may reduce control)")
}

func TestEvaluationGroupsEveryTenFrames(t *testing.T) {
	t.Parallel()
	a, err := Evaluation{}.Handle(context.Background(), evalInputs(detections(angleFrames(25, 60)...)))
	require.NoError(t, err)
	e := a.(*pipeline.Evaluations)
	require.Len(t, e.Shots, 3)
	assert.Len(t, e.Shots[0].Frames, 10)
	assert.Len(t, e.Shots[1].Frames, 10)
	assert.Len(t, e.Shots[2].Frames, 5)
	assert.Equal(t, 2, e.Shots[2].ShotID)
}

func TestEvaluationScoreNeverNegative(t *testing.T) {
	t.Parallel()
	// No angle and bad posture stack penalties but the floor holds.
	frames := make([]pipeline.FrameDetection, 10)
	for i := range frames {
		frames[i] = pipeline.FrameDetection{
			FrameIndex: i,
			Keypoints: map[string]pipeline.Keypoint{
				"left_elbow":    {Y: 0},
				"left_shoulder": {Y: 100},
			},
		}
	}
	a, err := Evaluation{}.Handle(context.Background(), evalInputs(detections(frames...)))
	require.NoError(t, err)
	shot := a.(*pipeline.Evaluations).Shots[0]
	assert.Equal(t, 60.0, shot.Score)
	assert.GreaterOrEqual(t, shot.Score, 0.0)
}

func TestEvaluationMissingUpstream(t *testing.T) {
	t.Parallel()
	_, err := Evaluation{}.Handle(context.Background(), pipeline.Inputs{})
	assert.Equal(t, pipeline.ClassFatal, pipeline.Classify(err))
}

func sampleEvaluations() *pipeline.Evaluations {
	return &pipeline.Evaluations{
		Version: pipeline.EvaluationsVersion,
		Shots: []pipeline.ShotEvaluation{
			{ShotID: 0, Score: 70, Issues: []string{"Elbow appears high for some frames (may reduce control)"}},
			{ShotID: 1, Score: 80, Issues: []string{"Racket angle (25.0°) might be suboptimal"}},
		},
	}
}

func diagnosisInputs() pipeline.Inputs {
	return pipeline.Inputs{
		Profile:  pipeline.Profile{"level": "Beginner"},
		Upstream: map[pipeline.Stage]pipeline.Artifact{pipeline.StageEvaluation: sampleEvaluations()},
	}
}

func TestDiagnosisValidFirstAttempt(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []string{
		`{"hypothesis": "elbow rides high on drives", "evidence": ["shot 0 flagged elbow height"], "confidence": 0.8}`,
	}}
	d, err := NewDiagnosis(model, builtinRegistry(t))
	require.NoError(t, err)

	a, err := d.Handle(context.Background(), diagnosisInputs())
	require.NoError(t, err)
	ins := a.(*pipeline.Insights)
	assert.Equal(t, "elbow rides high on drives", ins.Hypothesis)
	assert.Equal(t, 0.8, ins.Confidence)
	assert.Empty(t, ins.ValidationNote)
	assert.Equal(t, 1, model.calls)
}

func TestDiagnosisCritiqueLoopRecovers(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []string{
		"not json at all",
		`{"hypothesis": "", "evidence": [], "confidence": 2}`,
		"```json\n{\"hypothesis\": \"angle too closed\", \"evidence\": [\"shot 1 angle 25.0\"], \"confidence\": 0.6}\n```",
	}}
	d, err := NewDiagnosis(model, builtinRegistry(t))
	require.NoError(t, err)

	a, err := d.Handle(context.Background(), diagnosisInputs())
	require.NoError(t, err)
	ins := a.(*pipeline.Insights)
	assert.Equal(t, "angle too closed", ins.Hypothesis)
	assert.Empty(t, ins.ValidationNote)
	assert.Equal(t, 3, model.calls)
	// Later prompts carry the correction feedback.
	assert.Contains(t, model.prompts[1], "was invalid")
	assert.Contains(t, model.prompts[2], "previous_response")
}

func TestDiagnosisExhaustedAttempts(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []string{
		`{"hypothesis": "something", "evidence": [], "confidence": 0.4}`,
	}}
	d, err := NewDiagnosis(model, builtinRegistry(t))
	require.NoError(t, err)

	a, err := d.Handle(context.Background(), diagnosisInputs())
	require.NoError(t, err)
	ins := a.(*pipeline.Insights)
	assert.Equal(t, 3, model.calls)
	assert.Equal(t, "Exceeded retry budget while enforcing schema.", ins.ValidationNote)
	assert.Equal(t, "something", ins.Hypothesis)
}

func TestDiagnosisModelErrorPropagates(t *testing.T) {
	t.Parallel()
	transient := pipeline.Transient(errors.New("overloaded"))
	model := &scriptedModel{err: transient}
	d, err := NewDiagnosis(model, builtinRegistry(t))
	require.NoError(t, err)

	_, err = d.Handle(context.Background(), diagnosisInputs())
	require.Error(t, err)
	assert.Equal(t, pipeline.ClassTransient, pipeline.Classify(err))
	assert.Equal(t, 1, model.calls)
}

func coachingInputs() pipeline.Inputs {
	in := diagnosisInputs()
	in.Upstream[pipeline.StageDiagnosis] = &pipeline.Insights{
		Version:    pipeline.InsightsVersion,
		Hypothesis: "elbow rides high on drives",
		Evidence:   []string{"shot 0 flagged elbow height"},
		Confidence: 0.8,
	}
	return in
}

func TestCoachingProducesPlan(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []string{`{
		"summary": "Focus on elbow position during forehand drives.",
		"drills": [{"name": "Elbow Ladder Drill", "description": "shadow swings", "focus": "alignment", "repetitions": "3 sets x 12"}],
		"schedule": [{"day": 1, "focus": "alignment"}, {"day": 3, "focus": "angle"}]
	}`}}
	c, err := NewCoaching(model, builtinRegistry(t))
	require.NoError(t, err)

	a, err := c.Handle(context.Background(), coachingInputs())
	require.NoError(t, err)
	plan := a.(*pipeline.CoachingPlan)
	assert.Equal(t, "Focus on elbow position during forehand drives.", plan.Summary)
	require.Len(t, plan.Drills, 1)
	assert.Equal(t, "Elbow Ladder Drill", plan.Drills[0].Name)
	require.Len(t, plan.Schedule, 2)
	assert.Equal(t, 3, plan.Schedule[1].Day)
	// Prompt embeds evaluations, tool context and insights.
	assert.Contains(t, model.prompts[0], "tool_context")
	assert.Contains(t, model.prompts[0], "insights_summary")
}

func TestCoachingFencedResponse(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []string{
		"```json\n{\"summary\": \"plan\", \"drills\": [{\"name\": \"d\", \"description\": \"x\", \"repetitions\": \"r\"}], \"schedule\": []}\n```",
	}}
	c, err := NewCoaching(model, builtinRegistry(t))
	require.NoError(t, err)

	a, err := c.Handle(context.Background(), coachingInputs())
	require.NoError(t, err)
	assert.Equal(t, "plan", a.(*pipeline.CoachingPlan).Summary)
}

func TestCoachingMalformedResponseIsTransient(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []string{"sure, here is your plan:"}}
	c, err := NewCoaching(model, builtinRegistry(t))
	require.NoError(t, err)

	_, err = c.Handle(context.Background(), coachingInputs())
	require.Error(t, err)
	assert.Equal(t, pipeline.ClassTransient, pipeline.Classify(err))
}

func TestCoachingMissingUpstream(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []string{"{}"}}
	c, err := NewCoaching(model, builtinRegistry(t))
	require.NoError(t, err)

	_, err = c.Handle(context.Background(), diagnosisInputs())
	assert.Equal(t, pipeline.ClassFatal, pipeline.Classify(err))
}
