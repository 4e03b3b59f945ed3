// Package runner executes single pipeline stages: one handler invocation
// under a span, with a per-attempt timeout and retry of transient failures.
// Every error leaving the runner is classified, so the orchestrator's
// control flow never inspects raw handler errors and never retries on a
// stage's behalf.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/runner/retry"
	"github.com/topspinlab/topspin/telemetry"
)

// Runner drives one stage handler to completion.
type Runner struct {
	sink    telemetry.Sink
	logger  telemetry.Logger
	metrics telemetry.Metrics
	timeout time.Duration
	retry   retry.Config
}

// Option configures a Runner.
type Option func(*Runner)

// WithSink sets the observability sink used to span stage execution.
func WithSink(sink telemetry.Sink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = metrics }
}

// WithTimeout bounds each handler attempt. Zero disables the per-attempt
// deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithRetry sets the retry policy for transient stage failures.
func WithRetry(cfg retry.Config) Option {
	return func(r *Runner) { r.retry = cfg }
}

// New creates a Runner. By default it retries transient failures with the
// package retry defaults and records spans to a noop sink.
func New(opts ...Option) *Runner {
	r := &Runner{
		sink:    telemetry.NewTraceSink(telemetry.NewNoopLogger(), telemetry.NewNoopTracer()),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		retry:   retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run invokes the handler for stage with the resolved inputs. Transient
// failures are retried per the configured policy; exhausting retries
// escalates the failure to fatal. The returned artifact is checked to
// belong to the requested stage at its current version.
func (r *Runner) Run(ctx context.Context, sessionID string, stage pipeline.Stage, h pipeline.Handler, in pipeline.Inputs) (pipeline.Artifact, error) {
	spanCtx, span := r.sink.StartSpan(ctx, "stage."+string(stage), telemetry.Attributes{
		SessionID: sessionID,
		Stage:     string(stage),
	})

	start := time.Now()
	var artifact pipeline.Artifact
	attempts := 0
	err := retry.Do(spanCtx, r.retry, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			r.logger.Info(ctx, "retrying stage",
				"session_id", sessionID, "stage", string(stage), "attempt", attempts)
		}
		a, herr := r.attempt(ctx, h, in)
		if herr != nil {
			return herr
		}
		artifact = a
		return nil
	})
	if err == nil {
		if artifact.ArtifactStage() != stage {
			err = pipeline.Fatal(fmt.Errorf("handler for %s produced %s artifact", stage, artifact.ArtifactStage()))
		} else if artifact.ArtifactVersion() != pipeline.CurrentVersion(stage) {
			err = pipeline.Fatal(fmt.Errorf("handler for %s produced version %d, want %d",
				stage, artifact.ArtifactVersion(), pipeline.CurrentVersion(stage)))
		}
	}
	err = r.finalize(stage, err)

	elapsed := time.Since(start)
	r.metrics.RecordTimer("stage_duration", elapsed, "stage", string(stage))
	r.metrics.IncCounter("stage_runs", 1, "stage", string(stage), "outcome", outcome(err))
	r.sink.End(spanCtx, span, err)
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// attempt executes one handler call under the per-attempt deadline.
func (r *Runner) attempt(ctx context.Context, h pipeline.Handler, in pipeline.Inputs) (pipeline.Artifact, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	a, err := h.Handle(ctx, in)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, pipeline.Fatal(errors.New("handler returned nil artifact"))
	}
	return a, nil
}

// finalize folds the run error into a per-stage classified error. Exhausted
// retries escalate to fatal.
func (r *Runner) finalize(stage pipeline.Stage, err error) error {
	if err == nil {
		return nil
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return &pipeline.StageError{Stage: stage, Class: pipeline.ClassFatal, Err: err}
	}
	return &pipeline.StageError{Stage: stage, Class: pipeline.Classify(err), Err: err}
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return pipeline.Classify(err).String()
}
