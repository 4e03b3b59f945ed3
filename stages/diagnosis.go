package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/toolreg"
)

// Bounds of the diagnosis stage: at most maxCritiqueAttempts completions
// before the last answer is returned with a validation note, and at most
// diagnosisEvalLimit shot evaluations embedded in the prompt.
const (
	maxCritiqueAttempts = 3
	diagnosisEvalLimit  = 10
)

const diagnosisInstructions = `You are a table-tennis diagnostics specialist. Produce JSON only—no markdown.
Schema:
{
  "hypothesis": "short paragraph",
  "evidence": ["bullet point", "..."],
  "confidence": 0.0
}
Rules:
- Evidence bullets must reference concrete stats or issues from tool_context/evaluations.
- confidence is a float between 0 and 1 (inclusive) with one decimal place.
- If you fail to follow the schema, the supervisor will resend your previous answer with a correction—fix it.`

// diagnosisPayload is the shape the model must produce.
type diagnosisPayload struct {
	Hypothesis string   `json:"hypothesis"`
	Evidence   []string `json:"evidence"`
	Confidence float64  `json:"confidence"`
}

// Diagnosis is the model-driven diagnosis stage. It gathers structured
// evidence through the tool registry, then runs a bounded self-critique
// loop until the model's answer satisfies the schema. When the loop
// exhausts its attempts the last answer is returned with a validation note
// rather than failing the run.
type Diagnosis struct {
	model ModelClient
	reg   *toolreg.Registry
}

var _ pipeline.Handler = (*Diagnosis)(nil)

// NewDiagnosis creates the diagnosis stage handler.
func NewDiagnosis(model ModelClient, reg *toolreg.Registry) (*Diagnosis, error) {
	if model == nil {
		return nil, errors.New("diagnosis: model client is required")
	}
	if reg == nil {
		return nil, errors.New("diagnosis: tool registry is required")
	}
	return &Diagnosis{model: model, reg: reg}, nil
}

// Handle implements pipeline.Handler.
func (d *Diagnosis) Handle(ctx context.Context, in pipeline.Inputs) (pipeline.Artifact, error) {
	evals, ok := in.Upstream[pipeline.StageEvaluation].(*pipeline.Evaluations)
	if !ok {
		return nil, pipeline.Fatal(errors.New("diagnosis: missing evaluation artifact"))
	}
	samples := evals.Shots
	if len(samples) > diagnosisEvalLimit {
		samples = samples[:diagnosisEvalLimit]
	}
	toolCtx, err := toolreg.GatherContext(ctx, d.reg, evals.Shots, in.Profile)
	if err != nil {
		return nil, fmt.Errorf("diagnosis: gather tool context: %w", err)
	}

	base := map[string]any{
		"user_profile":       in.Profile,
		"evaluation_samples": samples,
		"tool_context":       toolCtx,
	}
	prompt, err := encodePrompt(base)
	if err != nil {
		return nil, fmt.Errorf("diagnosis: encode prompt: %w", err)
	}

	var last diagnosisPayload
	for attempt := 1; attempt <= maxCritiqueAttempts; attempt++ {
		text, err := d.model.Complete(ctx, diagnosisInstructions, prompt)
		if err != nil {
			return nil, fmt.Errorf("diagnosis: %w", err)
		}
		var parsed diagnosisPayload
		reason := ""
		if err := decodeModelJSON(text, &parsed); err != nil {
			reason = fmt.Sprintf("Response was not valid JSON: %v", err)
		} else if reason = validateDiagnosis(parsed); reason == "" {
			return &pipeline.Insights{
				Version:    pipeline.InsightsVersion,
				Hypothesis: parsed.Hypothesis,
				Evidence:   parsed.Evidence,
				Confidence: parsed.Confidence,
			}, nil
		}
		last = parsed
		// Feed the failure back and try again.
		feedback := map[string]any{
			"feedback":          fmt.Sprintf("Attempt %d was invalid: %s", attempt, reason),
			"previous_response": parsed,
		}
		for k, v := range base {
			feedback[k] = v
		}
		prompt, err = encodePrompt(feedback)
		if err != nil {
			return nil, fmt.Errorf("diagnosis: encode prompt: %w", err)
		}
	}

	// Still invalid: return the last attempt for transparency. Evidence is
	// normalized to an empty slice so the artifact still satisfies its
	// schema at the cache boundary.
	evidence := last.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	return &pipeline.Insights{
		Version:        pipeline.InsightsVersion,
		Hypothesis:     last.Hypothesis,
		Evidence:       evidence,
		Confidence:     clamp01(last.Confidence),
		ValidationNote: "Exceeded retry budget while enforcing schema.",
	}, nil
}

// validateDiagnosis checks the model answer against the schema rules.
// Returns an empty string when valid.
func validateDiagnosis(p diagnosisPayload) string {
	if p.Hypothesis == "" {
		return "Missing hypothesis text."
	}
	if len(p.Evidence) == 0 {
		return "Evidence must be a non-empty list of strings."
	}
	for _, e := range p.Evidence {
		if e == "" {
			return "Evidence must be a non-empty list of strings."
		}
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return "Confidence must be between 0 and 1."
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
