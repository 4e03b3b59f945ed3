package toolreg

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/topspinlab/topspin/pipeline"
)

// Built-in tool names.
const (
	ToolTechniqueBreakdown = "technique_breakdown"
	ToolDrillLookup        = "drill_lookup"
)

// BreakdownArgs is the input to the technique_breakdown tool.
type BreakdownArgs struct {
	Evaluations []pipeline.ShotEvaluation `json:"evaluations"`
}

// ScoreSummary aggregates shot scores.
type ScoreSummary struct {
	Count   int      `json:"count"`
	Average *float64 `json:"average"`
	Stdev   *float64 `json:"stdev"`
	Best    *float64 `json:"best"`
	Worst   *float64 `json:"worst"`
}

// IssueCount pairs a recurring issue with how often it appeared.
type IssueCount struct {
	Issue string `json:"issue"`
	Count int    `json:"count"`
}

// BreakdownResult is the output of the technique_breakdown tool.
type BreakdownResult struct {
	ScoreSummary   ScoreSummary `json:"score_summary"`
	TopIssues      []IssueCount `json:"top_issues"`
	FramesAnalyzed int          `json:"frames_analyzed"`
}

// DrillLookupArgs is the input to the drill_lookup tool.
type DrillLookupArgs struct {
	Issue      string `json:"issue"`
	SkillLevel string `json:"skill_level,omitempty"`
}

// DrillLookupResult is the output of the drill_lookup tool.
type DrillLookupResult struct {
	Issue      string           `json:"issue"`
	SkillLevel string           `json:"skill_level"`
	Drills     []pipeline.Drill `json:"drills"`
}

var breakdownInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"evaluations": {
			"type": "array",
			"description": "Per-shot evaluations with score, issues, and suggestions.",
			"items": {"type": "object"}
		}
	},
	"required": ["evaluations"]
}`)

var breakdownOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"score_summary": {
			"type": "object",
			"properties": {
				"count": {"type": "integer", "minimum": 0},
				"average": {"type": ["number", "null"]},
				"stdev": {"type": ["number", "null"]},
				"best": {"type": ["number", "null"]},
				"worst": {"type": ["number", "null"]}
			},
			"required": ["count", "average", "stdev", "best", "worst"]
		},
		"top_issues": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"issue": {"type": "string"},
					"count": {"type": "integer", "minimum": 1}
				},
				"required": ["issue", "count"]
			}
		},
		"frames_analyzed": {"type": "integer", "minimum": 0}
	},
	"required": ["score_summary", "top_issues", "frames_analyzed"]
}`)

var drillLookupInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"issue": {"type": "string", "minLength": 1, "description": "Issue to search drills for."},
		"skill_level": {"type": "string", "description": "Optional player skill level."}
	},
	"required": ["issue"]
}`)

var drillLookupOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"issue": {"type": "string"},
		"skill_level": {"type": "string"},
		"drills": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"},
					"repetitions": {"type": "string"}
				},
				"required": ["name", "description", "repetitions"]
			}
		}
	},
	"required": ["issue", "skill_level", "drills"]
}`)

// drillEntry is one knowledge-base row, matched by keyword against the
// reported issue.
type drillEntry struct {
	keywords []string
	drill    pipeline.Drill
}

var drillLibrary = []drillEntry{
	{
		keywords: []string{"racket angle", "open face", "contact point"},
		drill: pipeline.Drill{
			Name:        "Open-Face Progression",
			Description: "Feed multi-ball pushes focusing on keeping the racket between 45°-80°.",
			Repetitions: "5 sets x 15 balls",
		},
	},
	{
		keywords: []string{"elbow", "alignment", "posture"},
		drill: pipeline.Drill{
			Name:        "Elbow Ladder Drill",
			Description: "Shadow-swing forehands in front of a mirror keeping elbow below shoulder.",
			Repetitions: "3 sets x 12 swings",
		},
	},
	{
		keywords: []string{"footwork", "timing", "rhythm"},
		drill: pipeline.Drill{
			Name:        "Two-Point Footwork",
			Description: "FH from BH corner alternating wide/outside placements with quick recovery.",
			Repetitions: "6 sets x 10 balls",
		},
	},
}

var fallbackDrill = pipeline.Drill{
	Name:        "Consistency Loop",
	Description: "Alternate FH/BH control shots aiming for high rally count.",
	Repetitions: "10 minutes continuous",
}

// RegisterBuiltins adds the technique_breakdown and drill_lookup tools.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(Descriptor{
		Name:         ToolTechniqueBreakdown,
		Description:  "Aggregates shot evaluations to highlight scoring trends, dominant issues, and consistency metrics.",
		InputSchema:  breakdownInputSchema,
		OutputSchema: breakdownOutputSchema,
		Handler:      techniqueBreakdown,
	}); err != nil {
		return err
	}
	return r.Register(Descriptor{
		Name:         ToolDrillLookup,
		Description:  "Returns targeted drills pulled from an embedded knowledge base for a given issue.",
		InputSchema:  drillLookupInputSchema,
		OutputSchema: drillLookupOutputSchema,
		Handler:      drillLookup,
	})
}

func techniqueBreakdown(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args BreakdownArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &pipeline.ValidationError{Field: "evaluations", Reason: err.Error()}
	}

	var (
		scores []float64
		frames int
		counts = make(map[string]int)
		order  []string
	)
	for _, e := range args.Evaluations {
		scores = append(scores, e.Score)
		frames += len(e.Frames)
		for _, issue := range e.Issues {
			if counts[issue] == 0 {
				order = append(order, issue)
			}
			counts[issue]++
		}
	}

	result := BreakdownResult{
		ScoreSummary:   summarizeScores(scores),
		TopIssues:      []IssueCount{},
		FramesAnalyzed: frames,
	}
	for _, issue := range order {
		result.TopIssues = append(result.TopIssues, IssueCount{Issue: issue, Count: counts[issue]})
	}
	// Most frequent first; first-seen order breaks ties so output is stable.
	sort.SliceStable(result.TopIssues, func(i, j int) bool {
		return result.TopIssues[i].Count > result.TopIssues[j].Count
	})
	return json.Marshal(result)
}

func summarizeScores(scores []float64) ScoreSummary {
	s := ScoreSummary{Count: len(scores)}
	if len(scores) == 0 {
		return s
	}
	var sum float64
	best, worst := scores[0], scores[0]
	for _, v := range scores {
		sum += v
		best = math.Max(best, v)
		worst = math.Min(worst, v)
	}
	mean := round2(sum / float64(len(scores)))
	s.Average = &mean
	s.Best = &best
	s.Worst = &worst
	if len(scores) > 1 {
		var ss float64
		for _, v := range scores {
			d := v - sum/float64(len(scores))
			ss += d * d
		}
		stdev := round2(math.Sqrt(ss / float64(len(scores))))
		s.Stdev = &stdev
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func drillLookup(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args DrillLookupArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &pipeline.ValidationError{Field: "issue", Reason: err.Error()}
	}
	level := strings.ToLower(args.SkillLevel)
	if level == "" {
		level = "intermediate"
	}
	issue := strings.ToLower(args.Issue)

	var drills []pipeline.Drill
	for _, entry := range drillLibrary {
		for _, kw := range entry.keywords {
			if strings.Contains(issue, kw) {
				drills = append(drills, entry.drill)
				break
			}
		}
	}
	if len(drills) == 0 {
		drills = []pipeline.Drill{fallbackDrill}
	}
	return json.Marshal(DrillLookupResult{Issue: args.Issue, SkillLevel: level, Drills: drills})
}

// StageContext is the structured evidence handed to model-driven stages:
// the aggregate breakdown plus drill references for the leading issues.
type StageContext struct {
	Breakdown BreakdownResult     `json:"technique_breakdown"`
	Drills    []DrillLookupResult `json:"drill_lookup"`
}

// GatherContext invokes the built-in tools over the shot evaluations to
// build structured evidence. drill_lookup runs once per leading issue,
// capped at three, falling back to a generic query when the evaluations
// report none.
func GatherContext(ctx context.Context, reg *Registry, shots []pipeline.ShotEvaluation, profile pipeline.Profile) (StageContext, error) {
	var out StageContext

	rawArgs, err := json.Marshal(BreakdownArgs{Evaluations: shots})
	if err != nil {
		return out, fmt.Errorf("encode breakdown args: %w", err)
	}
	rawResult, err := reg.Invoke(ctx, ToolTechniqueBreakdown, rawArgs)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(rawResult, &out.Breakdown); err != nil {
		return out, fmt.Errorf("decode breakdown result: %w", err)
	}

	issues := collectIssues(shots)
	if len(issues) == 0 {
		issues = []string{"overall technique"}
	}
	if len(issues) > 3 {
		issues = issues[:3]
	}
	level, _ := profile["level"].(string)
	for _, issue := range issues {
		rawArgs, err := json.Marshal(DrillLookupArgs{Issue: issue, SkillLevel: level})
		if err != nil {
			return out, fmt.Errorf("encode drill args: %w", err)
		}
		rawResult, err := reg.Invoke(ctx, ToolDrillLookup, rawArgs)
		if err != nil {
			return out, err
		}
		var dr DrillLookupResult
		if err := json.Unmarshal(rawResult, &dr); err != nil {
			return out, fmt.Errorf("decode drill result: %w", err)
		}
		out.Drills = append(out.Drills, dr)
	}
	return out, nil
}

// collectIssues de-duplicates issues across shots preserving first-seen
// order.
func collectIssues(shots []pipeline.ShotEvaluation) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, shot := range shots {
		for _, issue := range shot.Issues {
			if _, ok := seen[issue]; ok {
				continue
			}
			seen[issue] = struct{}{}
			out = append(out, issue)
		}
	}
	return out
}
