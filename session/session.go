// Package session defines the durable session store for pipeline runs.
//
// A Session is the record of one end-to-end run: profile, append-only event
// log, and the stage-result index keyed by (stage, fingerprint). The Store
// interface abstracts persistence; available implementations:
//
//   - memory: in-memory store for tests and local development
//   - file: one JSON document per session with atomic temp-then-rename writes
//   - mongo: MongoDB store for production persistence
//
// Implementations serialize writes per session id; operations on distinct
// ids proceed concurrently without coordination. Missing sessions are
// reported with pipeline.ErrNotFound and unparseable records with
// pipeline.ErrCorrupt — corruption is surfaced, never silently treated as
// empty.
package session

import (
	"context"
	"time"

	"github.com/topspinlab/topspin/pipeline"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive marks a session with a run in progress or resumable.
	StatusActive Status = "active"
	// StatusCompleted marks a session whose last run finished all stages.
	StatusCompleted Status = "completed"
	// StatusFailed marks a session whose last run aborted on a fatal stage
	// failure. Completed stage results remain valid for resume.
	StatusFailed Status = "failed"
)

// Event is one entry of a session's append-only log.
type Event struct {
	Type      string         `json:"type"`
	Stage     pipeline.Stage `json:"stage,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// StageResult records one completed stage execution. The index is keyed by
// (stage, fingerprint), not stage alone: a new fingerprint creates a new
// entry and historical fingerprints are retained.
type StageResult struct {
	Stage       pipeline.Stage       `json:"stage"`
	Fingerprint pipeline.Fingerprint `json:"fingerprint"`
	ArtifactRef string               `json:"artifact_ref"`
	CompletedAt time.Time            `json:"completed_at"`
}

// Session is the durable record of one pipeline run, identified by an
// opaque unique id. It is mutated only by the orchestrator during a run and
// never deleted by the core.
type Session struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Profile   pipeline.Profile `json:"profile"`
	Events    []Event          `json:"events"`
	Results   []StageResult    `json:"results"`
	Status    Status           `json:"status"`
}

// Result looks up the stage-result entry for (stage, fingerprint).
func (s *Session) Result(stage pipeline.Stage, fp pipeline.Fingerprint) (StageResult, bool) {
	for _, r := range s.Results {
		if r.Stage == stage && r.Fingerprint == fp {
			return r, true
		}
	}
	return StageResult{}, false
}

// Append appends e to the log, clamping its timestamp so log
// timestamps stay non-decreasing even across clock skews.
func (s *Session) Append(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if n := len(s.Events); n > 0 && e.Timestamp.Before(s.Events[n-1].Timestamp) {
		e.Timestamp = s.Events[n-1].Timestamp
	}
	s.Events = append(s.Events, e)
	s.UpdatedAt = e.Timestamp
}

// Record inserts r into the index. Inserting an identical
// (stage, fingerprint) key again is a no-op; an existing entry for the same
// stage under a different fingerprint is retained, never overwritten.
func (s *Session) Record(r StageResult) {
	if _, ok := s.Result(r.Stage, r.Fingerprint); ok {
		return
	}
	s.Results = append(s.Results, r)
	if r.CompletedAt.After(s.UpdatedAt) {
		s.UpdatedAt = r.CompletedAt
	}
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Session) Clone() *Session {
	out := *s
	out.Events = make([]Event, len(s.Events))
	copy(out.Events, s.Events)
	out.Results = make([]StageResult, len(s.Results))
	copy(out.Results, s.Results)
	out.Profile = make(pipeline.Profile, len(s.Profile))
	for k, v := range s.Profile {
		out.Profile[k] = v
	}
	return &out
}

// Store is the persistence layer for sessions. Implementations must be safe
// for concurrent use and must serialize writes per session id.
type Store interface {
	// Create allocates a fresh session with a unique id, empty event log
	// and stage-result index, and status active.
	Create(ctx context.Context, profile pipeline.Profile) (*Session, error)

	// Load retrieves a session by id. Returns pipeline.ErrNotFound if no
	// session exists and pipeline.ErrCorrupt if the persisted record cannot
	// be parsed.
	Load(ctx context.Context, id string) (*Session, error)

	// AppendEvent appends to the session's log without reordering existing
	// events. Returns pipeline.ErrNotFound if the session is absent.
	AppendEvent(ctx context.Context, id string, e Event) error

	// RecordStageResult inserts into the stage-result index keyed by
	// (stage, fingerprint). Re-recording an identical key is a no-op.
	RecordStageResult(ctx context.Context, id string, r StageResult) error

	// UpdateStatus sets the session status.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Persist durably writes the full session record. The write is atomic:
	// a crash mid-write never leaves a corrupted record visible to a
	// subsequent Load.
	Persist(ctx context.Context, s *Session) error
}
