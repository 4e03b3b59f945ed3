// Package pipeline defines the domain model shared by the orchestration
// layer: the stage graph, the stage handler contract, versioned stage
// artifacts, deterministic fingerprints and the error taxonomy. Stage
// implementations live elsewhere (see the stages package); this package only
// fixes their contracts.
package pipeline

import "context"

// Stage identifies one phase of the analysis pipeline.
type Stage string

const (
	// StagePerception extracts per-frame detections from the source video.
	StagePerception Stage = "perception"
	// StageEvaluation scores shots against rule-based heuristics.
	StageEvaluation Stage = "evaluation"
	// StageDiagnosis produces a model-driven hypothesis of dominant issues.
	StageDiagnosis Stage = "diagnosis"
	// StageCoaching produces the model-driven drill plan.
	StageCoaching Stage = "coaching"
)

// Stages returns the pipeline stages in dependency order. The orchestrator
// visits them strictly in this order within a run.
func Stages() []Stage {
	return []Stage{StagePerception, StageEvaluation, StageDiagnosis, StageCoaching}
}

// Dependencies returns the upstream stages whose artifacts feed this stage.
// The returned order is fixed so fingerprint computation is deterministic.
func (s Stage) Dependencies() []Stage {
	switch s {
	case StageEvaluation:
		return []Stage{StagePerception}
	case StageDiagnosis:
		return []Stage{StageEvaluation}
	case StageCoaching:
		return []Stage{StageEvaluation, StageDiagnosis}
	default:
		return nil
	}
}

// UsesProfile reports whether the stage's output depends on the user
// profile. Perception is a pure function of the video, so a profile change
// leaves its cached artifact reusable.
func (s Stage) UsesProfile() bool {
	return s != StagePerception
}

// UsesSource reports whether the stage reads the raw video directly.
// Downstream stages see the video only through perception's artifact, so
// their fingerprints pick up source changes transitively.
func (s Stage) UsesSource() bool {
	return s == StagePerception
}

// Valid reports whether s names a known pipeline stage.
func (s Stage) Valid() bool {
	switch s {
	case StagePerception, StageEvaluation, StageDiagnosis, StageCoaching:
		return true
	}
	return false
}

// Profile is the user profile (skill level, goals, ...) carried through the
// pipeline. The core passes it to handlers unmodified; only fingerprinting
// inspects it, and then only as canonical JSON.
type Profile map[string]any

// Inputs carries everything a stage handler may read: the original run
// inputs plus the artifacts of the stage's declared upstream dependencies.
type Inputs struct {
	// VideoPath locates the source video on local storage.
	VideoPath string
	// VideoChecksum is the content checksum of the source video and is the
	// raw input reference used for fingerprinting.
	VideoChecksum string
	// Profile is the user profile for this run.
	Profile Profile
	// Upstream holds the artifacts of the stage's dependencies, keyed by
	// stage name. Only declared dependencies are populated.
	Upstream map[Stage]Artifact
}

// Handler executes one pipeline stage. Implementations must be pure with
// respect to session and cache state: only the orchestrator writes those.
// Handlers signal recoverable conditions by wrapping errors with Transient;
// anything else is treated as fatal for the run.
type Handler interface {
	Handle(ctx context.Context, in Inputs) (Artifact, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in Inputs) (Artifact, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, in Inputs) (Artifact, error) {
	return f(ctx, in)
}
