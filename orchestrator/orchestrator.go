// Package orchestrator drives an end-to-end pipeline run: it owns the
// stage dependency graph, decides skip-vs-recompute per stage via the
// fingerprint-keyed cache, and records progress to the session store.
//
// Stages within one run execute strictly sequentially; distinct sessions
// run fully in parallel, each under its own run lock. The orchestrator
// never retries a stage — retry belongs to the stage runner — so its
// control flow is deterministic: a stage either reuses a cached artifact,
// completes, fails the run, or the run is cancelled between stages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/topspinlab/topspin/cache"
	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/runner"
	"github.com/topspinlab/topspin/session"
	"github.com/topspinlab/topspin/telemetry"
)

// Session event types appended by the orchestrator.
const (
	EventStageStart    = "stage_start"
	EventStageComplete = "stage_complete"
	EventStageSkipped  = "stage_skipped"
	EventStageFailed   = "stage_failed"
)

// RunRequest carries the inputs of one pipeline run.
type RunRequest struct {
	// SessionID resumes an existing session when set; empty creates one.
	SessionID string
	// VideoPath locates the source video.
	VideoPath string
	// VideoChecksum is the content checksum of the source video.
	VideoChecksum string
	// Profile is the user profile. When nil on an existing session, the
	// stored profile is used.
	Profile pipeline.Profile
	// Resume prefers cached stage artifacts over recomputation wherever
	// fingerprints match.
	Resume bool
}

// RunResult is the outcome of a run. On failure or cancellation it carries
// the stages that did complete; their artifacts stay cached and the session
// id can be resumed.
type RunResult struct {
	SessionID string
	Status    session.Status
	// Plan is the terminal coaching artifact; nil unless the run completed.
	Plan *pipeline.CoachingPlan
	// Artifacts holds the artifact of every stage the run visited, whether
	// computed or reused from cache.
	Artifacts map[pipeline.Stage]pipeline.Artifact
	// Fingerprints holds the fingerprint computed for every visited stage.
	Fingerprints map[pipeline.Stage]pipeline.Fingerprint
	// Skipped lists the stages satisfied from cache, in pipeline order.
	Skipped []pipeline.Stage
	// Results is a snapshot of the session's stage-result index after the
	// run.
	Results []session.StageResult
}

// Orchestrator coordinates sessions, cache, and stage execution.
type Orchestrator struct {
	sessions session.Store
	cache    cache.Store
	runner   *runner.Runner
	handlers map[pipeline.Stage]pipeline.Handler

	fp      pipeline.Fingerprinter
	sink    telemetry.Sink
	logger  telemetry.Logger
	metrics telemetry.Metrics

	locks session.KeyedMutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets the observability sink used to span runs.
func WithSink(sink telemetry.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithLogger sets the structured logger for run milestones.
func WithLogger(logger telemetry.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// New creates an Orchestrator. Every pipeline stage must have a handler.
func New(sessions session.Store, artifacts cache.Store, run *runner.Runner, handlers map[pipeline.Stage]pipeline.Handler, opts ...Option) (*Orchestrator, error) {
	if sessions == nil {
		return nil, errors.New("orchestrator: session store is required")
	}
	if artifacts == nil {
		return nil, errors.New("orchestrator: cache store is required")
	}
	if run == nil {
		return nil, errors.New("orchestrator: stage runner is required")
	}
	for _, stage := range pipeline.Stages() {
		if handlers[stage] == nil {
			return nil, fmt.Errorf("orchestrator: no handler for stage %s", stage)
		}
	}
	o := &Orchestrator{
		sessions: sessions,
		cache:    artifacts,
		runner:   run,
		handlers: handlers,
		sink:     telemetry.NewTraceSink(telemetry.NewNoopLogger(), telemetry.NewNoopTracer()),
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes the pipeline for the request. On a fatal stage failure the
// session is marked failed and the error is returned together with the
// partial result; completed stages keep their cache entries and stage
// results for a future resume. Cancellation is honored between stages only:
// partial progress is persisted and the context error returned.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	// A fresh session gets its id allocated before locking; nothing can
	// contend on an id that was never handed out.
	if req.SessionID == "" {
		created, err := o.sessions.Create(ctx, req.Profile)
		if err != nil {
			return nil, err
		}
		req.SessionID = created.ID
	}

	// One exclusive run per session id; distinct ids proceed in parallel.
	// The session is loaded under the lock so overlapping runs on the same
	// id each start from the state the previous run persisted, never from a
	// shared stale snapshot.
	o.locks.Lock(req.SessionID)
	defer o.locks.Unlock(req.SessionID)

	sess, err := o.loadSession(ctx, req)
	if err != nil {
		return nil, err
	}

	spanCtx, span := o.sink.StartSpan(ctx, "pipeline.run", telemetry.Attributes{SessionID: sess.ID})
	o.logger.Info(spanCtx, "pipeline run started",
		"session_id", sess.ID, "video_path", req.VideoPath, "resume", req.Resume)

	result, err := o.runStages(spanCtx, req, sess)
	o.sink.End(spanCtx, span, err)
	if err != nil {
		o.logger.Error(spanCtx, "pipeline run ended",
			"session_id", sess.ID, "status", string(result.Status), "err", err)
	} else {
		o.logger.Info(spanCtx, "pipeline run completed", "session_id", sess.ID)
	}
	o.metrics.IncCounter("pipeline_runs", 1, "outcome", runOutcome(err))
	return result, err
}

// loadSession reads the session fresh from the store; callers hold the run
// lock for the id.
func (o *Orchestrator) loadSession(ctx context.Context, req RunRequest) (*session.Session, error) {
	sess, err := o.sessions.Load(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", req.SessionID, err)
	}
	if req.Profile != nil {
		sess.Profile = req.Profile
	}
	return sess, nil
}

func (o *Orchestrator) runStages(ctx context.Context, req RunRequest, sess *session.Session) (*RunResult, error) {
	result := &RunResult{
		SessionID:    sess.ID,
		Status:       sess.Status,
		Artifacts:    make(map[pipeline.Stage]pipeline.Artifact),
		Fingerprints: make(map[pipeline.Stage]pipeline.Fingerprint),
	}
	sess.Status = session.StatusActive

	for _, stage := range pipeline.Stages() {
		// Cooperative cancellation, checked between stages only.
		select {
		case <-ctx.Done():
			result.Status = sess.Status
			result.Results = sess.Clone().Results
			if perr := o.sessions.Persist(context.WithoutCancel(ctx), sess); perr != nil {
				o.logger.Error(ctx, "persist on cancellation failed", "session_id", sess.ID, "err", perr)
			}
			return result, fmt.Errorf("run %s: %w", sess.ID, ctx.Err())
		default:
		}

		fp, err := o.fp.Compute(stage, req.VideoChecksum, sess.Profile, result.Fingerprints)
		if err != nil {
			result.Status = sess.Status
			return result, err
		}
		result.Fingerprints[stage] = fp

		if req.Resume {
			if a, err := o.cache.Get(ctx, sess.ID, stage, fp); err == nil {
				result.Artifacts[stage] = a
				result.Skipped = append(result.Skipped, stage)
				sess.Append(session.Event{
					Type:   EventStageSkipped,
					Stage:  stage,
					Detail: map[string]any{"fingerprint": string(fp)},
				})
				o.metrics.IncCounter("stage_cache", 1, "stage", string(stage), "result", "hit")
				continue
			} else if !errors.Is(err, pipeline.ErrNotFound) {
				// Backend trouble is a miss, but worth a trace.
				o.logger.Warn(ctx, "cache lookup failed",
					"session_id", sess.ID, "stage", string(stage), "err", err)
			}
			o.metrics.IncCounter("stage_cache", 1, "stage", string(stage), "result", "miss")
		}

		sess.Append(session.Event{
			Type:   EventStageStart,
			Stage:  stage,
			Detail: map[string]any{"fingerprint": string(fp)},
		})

		in := pipeline.Inputs{
			VideoPath:     req.VideoPath,
			VideoChecksum: req.VideoChecksum,
			Profile:       sess.Profile,
			Upstream:      upstreamArtifacts(stage, result.Artifacts),
		}
		artifact, err := o.runner.Run(ctx, sess.ID, stage, o.handlers[stage], in)
		if err != nil {
			return o.failStage(ctx, sess, result, stage, fp, err)
		}

		// Bookkeeping for a completed stage is shielded from cancellation:
		// the run stops at the next stage boundary, but finished work is
		// always recorded so it resumes.
		writeCtx := context.WithoutCancel(ctx)
		if err := o.cache.Put(writeCtx, sess.ID, stage, fp, artifact); err != nil {
			// The run can finish without the cache entry; only resume
			// suffers.
			o.logger.Warn(ctx, "cache write failed",
				"session_id", sess.ID, "stage", string(stage), "err", err)
		}
		now := time.Now()
		sess.Record(session.StageResult{
			Stage:       stage,
			Fingerprint: fp,
			ArtifactRef: artifactRef(sess.ID, stage, fp),
			CompletedAt: now,
		})
		sess.Append(session.Event{
			Type:      EventStageComplete,
			Stage:     stage,
			Timestamp: now,
			Detail:    map[string]any{"fingerprint": string(fp)},
		})
		result.Artifacts[stage] = artifact

		if err := o.sessions.Persist(writeCtx, sess); err != nil {
			result.Status = sess.Status
			return result, fmt.Errorf("persist session %s: %w", sess.ID, err)
		}
	}

	sess.Status = session.StatusCompleted
	if err := o.sessions.Persist(context.WithoutCancel(ctx), sess); err != nil {
		result.Status = session.StatusActive
		return result, fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	result.Status = session.StatusCompleted
	result.Results = sess.Clone().Results
	if plan, ok := result.Artifacts[pipeline.StageCoaching].(*pipeline.CoachingPlan); ok {
		result.Plan = plan
	}
	return result, nil
}

// failStage applies the failure policy: cancellation persists partial
// progress without failing the session, anything else appends a
// stage_failed event and marks the session failed. Either way completed
// stages keep their cache entries and stage results.
func (o *Orchestrator) failStage(ctx context.Context, sess *session.Session, result *RunResult, stage pipeline.Stage, fp pipeline.Fingerprint, cause error) (*RunResult, error) {
	class := pipeline.Classify(cause)
	if class != pipeline.ClassCancelled {
		sess.Append(session.Event{
			Type:  EventStageFailed,
			Stage: stage,
			Detail: map[string]any{
				"fingerprint": string(fp),
				"class":       class.String(),
				"error":       cause.Error(),
			},
		})
		sess.Status = session.StatusFailed
	}
	// Persist under a fresh context: the run context may already be done.
	if err := o.sessions.Persist(context.WithoutCancel(ctx), sess); err != nil {
		o.logger.Error(ctx, "persist after stage failure failed", "session_id", sess.ID, "err", err)
	}
	result.Status = sess.Status
	result.Results = sess.Clone().Results
	return result, cause
}

// upstreamArtifacts selects the declared dependencies of stage from the
// artifacts gathered so far.
func upstreamArtifacts(stage pipeline.Stage, artifacts map[pipeline.Stage]pipeline.Artifact) map[pipeline.Stage]pipeline.Artifact {
	deps := stage.Dependencies()
	if len(deps) == 0 {
		return nil
	}
	out := make(map[pipeline.Stage]pipeline.Artifact, len(deps))
	for _, dep := range deps {
		out[dep] = artifacts[dep]
	}
	return out
}

func artifactRef(sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint) string {
	return fmt.Sprintf("%s/%s/%s", sessionID, stage, fp)
}

func runOutcome(err error) string {
	if err == nil {
		return "success"
	}
	return pipeline.Classify(err).String()
}
