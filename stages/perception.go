// Package stages implements the four pipeline stage handlers: perception,
// evaluation, diagnosis and coaching. Each satisfies pipeline.Handler and
// is pure with respect to session and cache state.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/topspinlab/topspin/pipeline"
)

// DetectionsSuffix is appended to the video path to locate the sidecar
// detections document produced by the external vision extractor.
const DetectionsSuffix = ".detections.json"

// sidecarDetection mirrors one entry of the extractor's output. Keypoints
// come as [x, y] pairs.
type sidecarDetection struct {
	FrameIndex  int                  `json:"frame_index"`
	Timestamp   float64              `json:"timestamp"`
	RacketAngle *float64             `json:"racket_angle"`
	Keypoints   map[string][]float64 `json:"keypoints"`
}

// Perception loads per-frame detections from the sidecar JSON file next to
// the source video. The pose-estimation algorithm itself is an external
// collaborator; this stage only validates and normalizes its output.
type Perception struct{}

var _ pipeline.Handler = Perception{}

// Handle implements pipeline.Handler.
func (Perception) Handle(_ context.Context, in pipeline.Inputs) (pipeline.Artifact, error) {
	if in.VideoPath == "" {
		return nil, &pipeline.ValidationError{Field: "video_path", Reason: "video path is required"}
	}
	sidecar := in.VideoPath + DetectionsSuffix
	raw, err := os.ReadFile(sidecar)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &pipeline.ValidationError{Field: "video_path", Reason: fmt.Sprintf("no detections file at %s", sidecar)}
		}
		return nil, pipeline.Transient(fmt.Errorf("read detections %s: %w", sidecar, err))
	}
	var entries []sidecarDetection
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &pipeline.ValidationError{Field: "detections", Reason: err.Error()}
	}

	frames := make([]pipeline.FrameDetection, 0, len(entries))
	for i, e := range entries {
		if e.FrameIndex < 0 {
			return nil, &pipeline.ValidationError{
				Field:  "detections",
				Reason: fmt.Sprintf("entry %d: negative frame index %d", i, e.FrameIndex),
			}
		}
		frame := pipeline.FrameDetection{
			FrameIndex:  e.FrameIndex,
			Timestamp:   e.Timestamp,
			PaddleAngle: e.RacketAngle,
		}
		if len(e.Keypoints) > 0 {
			frame.Keypoints = make(map[string]pipeline.Keypoint, len(e.Keypoints))
			for name, xy := range e.Keypoints {
				if len(xy) != 2 {
					return nil, &pipeline.ValidationError{
						Field:  "detections",
						Reason: fmt.Sprintf("entry %d: keypoint %s has %d coordinates, want 2", i, name, len(xy)),
					}
				}
				frame.Keypoints[name] = pipeline.Keypoint{X: xy[0], Y: xy[1]}
			}
		}
		frames = append(frames, frame)
	}
	return &pipeline.Detections{Version: pipeline.DetectionsVersion, Frames: frames}, nil
}
