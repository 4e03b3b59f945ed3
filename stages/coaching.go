package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/toolreg"
)

// coachingEvalLimit caps the shot evaluations embedded in the coaching
// prompt.
const coachingEvalLimit = 12

const coachingInstructions = `You are an elite table-tennis coach. Follow these rules exactly:
1. The response MUST be a single JSON object—no markdown, no conversation.
2. Required schema:
{
  "summary": "one concise paragraph",
  "drills": [
    {"name": "", "description": "", "focus": "", "repetitions": ""}
  ],
  "schedule": [
    {"day": 1, "focus": ""},
    {"day": 3, "focus": ""},
    {"day": 5, "focus": ""}
  ]
}
3. Every drill and schedule entry must reference insights or issues from tool_context/evaluations.
4. Use specific numbers/reps; avoid generic advice.
5. Violating the schema or adding extra text makes the answer invalid.`

// coachingPayload is the shape the model must produce.
type coachingPayload struct {
	Summary  string                   `json:"summary"`
	Drills   []pipeline.Drill         `json:"drills"`
	Schedule []pipeline.ScheduleEntry `json:"schedule"`
}

// Coaching is the model-driven coaching stage: it turns the evaluation and
// diagnosis artifacts into a drill plan with a practice schedule.
type Coaching struct {
	model ModelClient
	reg   *toolreg.Registry
}

var _ pipeline.Handler = (*Coaching)(nil)

// NewCoaching creates the coaching stage handler.
func NewCoaching(model ModelClient, reg *toolreg.Registry) (*Coaching, error) {
	if model == nil {
		return nil, errors.New("coaching: model client is required")
	}
	if reg == nil {
		return nil, errors.New("coaching: tool registry is required")
	}
	return &Coaching{model: model, reg: reg}, nil
}

// Handle implements pipeline.Handler.
func (c *Coaching) Handle(ctx context.Context, in pipeline.Inputs) (pipeline.Artifact, error) {
	evals, ok := in.Upstream[pipeline.StageEvaluation].(*pipeline.Evaluations)
	if !ok {
		return nil, pipeline.Fatal(errors.New("coaching: missing evaluation artifact"))
	}
	insights, ok := in.Upstream[pipeline.StageDiagnosis].(*pipeline.Insights)
	if !ok {
		return nil, pipeline.Fatal(errors.New("coaching: missing diagnosis artifact"))
	}
	samples := evals.Shots
	if len(samples) > coachingEvalLimit {
		samples = samples[:coachingEvalLimit]
	}
	toolCtx, err := toolreg.GatherContext(ctx, c.reg, evals.Shots, in.Profile)
	if err != nil {
		return nil, fmt.Errorf("coaching: gather tool context: %w", err)
	}

	prompt, err := encodePrompt(map[string]any{
		"user_profile":       in.Profile,
		"evaluation_samples": samples,
		"tool_context":       toolCtx,
		"insights_summary":   insights,
	})
	if err != nil {
		return nil, fmt.Errorf("coaching: encode prompt: %w", err)
	}

	text, err := c.model.Complete(ctx, coachingInstructions, prompt)
	if err != nil {
		return nil, fmt.Errorf("coaching: %w", err)
	}
	var parsed coachingPayload
	if err := decodeModelJSON(text, &parsed); err != nil {
		// A fresh completion may produce valid JSON where this one did not.
		return nil, pipeline.Transient(fmt.Errorf("coaching: response was not valid JSON: %w", err))
	}
	if parsed.Summary == "" || len(parsed.Drills) == 0 {
		return nil, pipeline.Transient(errors.New("coaching: response missing summary or drills"))
	}
	if parsed.Schedule == nil {
		parsed.Schedule = []pipeline.ScheduleEntry{}
	}
	return &pipeline.CoachingPlan{
		Version:  pipeline.CoachingPlanVersion,
		Summary:  parsed.Summary,
		Drills:   parsed.Drills,
		Schedule: parsed.Schedule,
	}, nil
}
