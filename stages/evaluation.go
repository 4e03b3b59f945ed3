package stages

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/topspinlab/topspin/pipeline"
)

// Shot grouping and scoring heuristics. Shots are cut every shotGroupSize
// sampled frames; the angle window reflects the coaching guidance of an
// open racket face at contact.
const (
	shotGroupSize = 10

	angleLowerBound = 30.0
	angleUpperBound = 110.0

	undetectedAnglePenalty = 30.0
	badAnglePenalty        = 20.0
	posturePenalty         = 10.0

	// elbowSlack is the vertical margin (image coordinates, y grows
	// downward) before an elbow above the shoulder counts as a posture
	// issue.
	elbowSlack = 30.0
)

// Evaluation scores shots against rule-based heuristics over the perception
// detections.
type Evaluation struct{}

var _ pipeline.Handler = Evaluation{}

// Handle implements pipeline.Handler.
func (Evaluation) Handle(_ context.Context, in pipeline.Inputs) (pipeline.Artifact, error) {
	d, ok := in.Upstream[pipeline.StagePerception].(*pipeline.Detections)
	if !ok {
		return nil, pipeline.Fatal(errors.New("evaluation: missing perception artifact"))
	}
	shots := make([]pipeline.ShotEvaluation, 0, (len(d.Frames)+shotGroupSize-1)/shotGroupSize)
	for i := 0; i < len(d.Frames); i += shotGroupSize {
		end := i + shotGroupSize
		if end > len(d.Frames) {
			end = len(d.Frames)
		}
		shots = append(shots, scoreShot(i/shotGroupSize, d.Frames[i:end]))
	}
	return &pipeline.Evaluations{Version: pipeline.EvaluationsVersion, Shots: shots}, nil
}

// scoreShot applies the angle and posture heuristics to one block of
// frames. Scores start at 100 and never go below 0.
func scoreShot(id int, block []pipeline.FrameDetection) pipeline.ShotEvaluation {
	shot := pipeline.ShotEvaluation{
		ShotID: id,
		Score:  100,
		Frames: make([]int, len(block)),
	}
	for i, f := range block {
		shot.Frames[i] = f.FrameIndex
	}

	if avg, ok := averageAngle(block); !ok {
		shot.Issues = append(shot.Issues, "Racket angle undetected in this sequence")
		shot.Score -= undetectedAnglePenalty
	} else {
		shot.AvgAngle = &avg
		if avg < angleLowerBound || avg > angleUpperBound {
			shot.Issues = append(shot.Issues, fmt.Sprintf("Racket angle (%.1f°) might be suboptimal", avg))
			shot.Score -= badAnglePenalty
			shot.Suggestions = append(shot.Suggestions, "Experiment with a more open racket face around 45°–80° at contact")
		}
	}

	if hasPostureIssue(block) {
		shot.Issues = append(shot.Issues, "Elbow appears high for some frames (may reduce control)")
		shot.Score -= posturePenalty
		shot.Suggestions = append(shot.Suggestions, "Work on shoulder-elbow-wrist alignment drills")
	}

	shot.Score = math.Max(shot.Score, 0)
	return shot
}

// averageAngle averages the detected racket angles of a block, ignoring
// frames without a detection. ok is false when no frame carried an angle.
func averageAngle(block []pipeline.FrameDetection) (avg float64, ok bool) {
	var sum float64
	var n int
	for _, f := range block {
		if f.PaddleAngle != nil {
			sum += *f.PaddleAngle
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// hasPostureIssue reports whether any frame shows the left elbow markedly
// above the left shoulder.
func hasPostureIssue(block []pipeline.FrameDetection) bool {
	for _, f := range block {
		elbow, eok := f.Keypoints["left_elbow"]
		shoulder, sok := f.Keypoints["left_shoulder"]
		if eok && sok && elbow.Y < shoulder.Y-elbowSlack {
			return true
		}
	}
	return false
}
