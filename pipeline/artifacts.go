package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Current artifact schema versions. A version bump invalidates cached
// entries for the stage because the version participates in fingerprints.
const (
	DetectionsVersion   = 1
	EvaluationsVersion  = 1
	InsightsVersion     = 1
	CoachingPlanVersion = 1
)

// Artifact is an opaque structured stage output. Every artifact is an
// explicit versioned record; the cache layer round-trips artifacts through
// DecodeArtifact so a schema change is detected rather than silently
// propagated.
type Artifact interface {
	// ArtifactStage names the stage that produced the artifact.
	ArtifactStage() Stage
	// ArtifactVersion is the record schema version.
	ArtifactVersion() int
}

// Keypoint is a 2D image coordinate of a detected body landmark.
type Keypoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FrameDetection holds the perception output for one sampled frame.
type FrameDetection struct {
	FrameIndex  int                 `json:"frame_index"`
	Timestamp   float64             `json:"timestamp"`
	PaddleAngle *float64            `json:"paddle_angle"`
	Keypoints   map[string]Keypoint `json:"keypoints,omitempty"`
}

// Detections is the perception stage artifact.
type Detections struct {
	Version int              `json:"version"`
	Frames  []FrameDetection `json:"frames"`
}

// ArtifactStage implements Artifact.
func (Detections) ArtifactStage() Stage { return StagePerception }

// ArtifactVersion implements Artifact.
func (d Detections) ArtifactVersion() int { return d.Version }

// ShotEvaluation scores one detected shot sequence.
type ShotEvaluation struct {
	ShotID      int      `json:"shot_id"`
	Score       float64  `json:"score"`
	AvgAngle    *float64 `json:"avg_angle"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
	Frames      []int    `json:"frames"`
}

// Evaluations is the evaluation stage artifact.
type Evaluations struct {
	Version int              `json:"version"`
	Shots   []ShotEvaluation `json:"shots"`
}

// ArtifactStage implements Artifact.
func (Evaluations) ArtifactStage() Stage { return StageEvaluation }

// ArtifactVersion implements Artifact.
func (e Evaluations) ArtifactVersion() int { return e.Version }

// Insights is the diagnosis stage artifact: a refined hypothesis of the
// player's dominant issues with supporting evidence.
type Insights struct {
	Version    int      `json:"version"`
	Hypothesis string   `json:"hypothesis"`
	Evidence   []string `json:"evidence"`
	Confidence float64  `json:"confidence"`
	// ValidationNote records why the model output failed schema enforcement
	// when the bounded critique loop exhausted its attempts.
	ValidationNote string `json:"validation_note,omitempty"`
}

// ArtifactStage implements Artifact.
func (Insights) ArtifactStage() Stage { return StageDiagnosis }

// ArtifactVersion implements Artifact.
func (i Insights) ArtifactVersion() int { return i.Version }

// Drill is one prescribed practice drill.
type Drill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Focus       string `json:"focus,omitempty"`
	Repetitions string `json:"repetitions"`
}

// ScheduleEntry assigns a focus to a training day.
type ScheduleEntry struct {
	Day   int    `json:"day"`
	Focus string `json:"focus"`
}

// CoachingPlan is the coaching stage artifact and the pipeline's terminal
// result.
type CoachingPlan struct {
	Version  int             `json:"version"`
	Summary  string          `json:"summary"`
	Drills   []Drill         `json:"drills"`
	Schedule []ScheduleEntry `json:"schedule"`
}

// ArtifactStage implements Artifact.
func (CoachingPlan) ArtifactStage() Stage { return StageCoaching }

// ArtifactVersion implements Artifact.
func (p CoachingPlan) ArtifactVersion() int { return p.Version }

// CurrentVersion returns the schema version currently produced for the
// given stage.
func CurrentVersion(stage Stage) int {
	switch stage {
	case StagePerception:
		return DetectionsVersion
	case StageEvaluation:
		return EvaluationsVersion
	case StageDiagnosis:
		return InsightsVersion
	case StageCoaching:
		return CoachingPlanVersion
	}
	return 0
}

// EncodeArtifact serializes an artifact record as JSON.
func EncodeArtifact(a Artifact) ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s artifact: %w", a.ArtifactStage(), err)
	}
	return raw, nil
}

// DecodeArtifact parses and validates a stored artifact record for the given
// stage. It returns a *ValidationError when the payload does not match the
// stage's schema or carries a stale version; cache implementations treat
// that as corruption (forces recompute).
func DecodeArtifact(stage Stage, raw []byte) (Artifact, error) {
	if err := validateArtifactJSON(stage, raw); err != nil {
		return nil, err
	}
	var (
		a   Artifact
		err error
	)
	switch stage {
	case StagePerception:
		var d Detections
		err = json.Unmarshal(raw, &d)
		a = d
	case StageEvaluation:
		var e Evaluations
		err = json.Unmarshal(raw, &e)
		a = e
	case StageDiagnosis:
		var i Insights
		err = json.Unmarshal(raw, &i)
		a = i
	case StageCoaching:
		var p CoachingPlan
		err = json.Unmarshal(raw, &p)
		a = p
	default:
		return nil, &ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", stage)}
	}
	if err != nil {
		return nil, &ValidationError{Field: string(stage), Reason: err.Error()}
	}
	if v := a.ArtifactVersion(); v != CurrentVersion(stage) {
		return nil, &ValidationError{
			Field:  string(stage),
			Reason: fmt.Sprintf("artifact version %d does not match current version %d", v, CurrentVersion(stage)),
		}
	}
	return a, nil
}

func validateArtifactJSON(stage Stage, raw []byte) error {
	schema, ok := artifactSchemas[stage]
	if !ok {
		return &ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", stage)}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Field: string(stage), Reason: err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Field: string(stage), Reason: err.Error()}
	}
	return nil
}

var artifactSchemas = map[Stage]*jsonschema.Schema{
	StagePerception: mustSchema("detections.json", `{
		"type": "object",
		"required": ["version", "frames"],
		"properties": {
			"version": {"type": "integer"},
			"frames": {"type": "array", "items": {
				"type": "object",
				"required": ["frame_index", "timestamp"],
				"properties": {
					"frame_index": {"type": "integer"},
					"timestamp": {"type": "number"},
					"paddle_angle": {"type": ["number", "null"]},
					"keypoints": {"type": "object"}
				}
			}}
		}
	}`),
	StageEvaluation: mustSchema("evaluations.json", `{
		"type": "object",
		"required": ["version", "shots"],
		"properties": {
			"version": {"type": "integer"},
			"shots": {"type": "array", "items": {
				"type": "object",
				"required": ["shot_id", "score"],
				"properties": {
					"shot_id": {"type": "integer"},
					"score": {"type": "number"},
					"avg_angle": {"type": ["number", "null"]},
					"issues": {"type": "array", "items": {"type": "string"}},
					"suggestions": {"type": "array", "items": {"type": "string"}},
					"frames": {"type": "array", "items": {"type": "integer"}}
				}
			}}
		}
	}`),
	StageDiagnosis: mustSchema("insights.json", `{
		"type": "object",
		"required": ["version", "hypothesis", "evidence", "confidence"],
		"properties": {
			"version": {"type": "integer"},
			"hypothesis": {"type": "string"},
			"evidence": {"type": "array", "items": {"type": "string"}},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`),
	StageCoaching: mustSchema("coaching_plan.json", `{
		"type": "object",
		"required": ["version", "summary", "drills", "schedule"],
		"properties": {
			"version": {"type": "integer"},
			"summary": {"type": "string"},
			"drills": {"type": "array", "items": {
				"type": "object",
				"required": ["name", "description", "repetitions"],
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"},
					"focus": {"type": "string"},
					"repetitions": {"type": "string"}
				}
			}},
			"schedule": {"type": "array", "items": {
				"type": "object",
				"required": ["day", "focus"],
				"properties": {
					"day": {"type": "integer"},
					"focus": {"type": "string"}
				}
			}}
		}
	}`),
}

func mustSchema(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}
