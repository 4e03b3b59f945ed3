package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attributes correlate a span with its session and stage (and tool, for tool
// invocations) so a per-session timeline can be reconstructed from the raw
// event stream alone.
type Attributes struct {
	SessionID string
	Stage     string
	Tool      string
}

// SpanHandle identifies one in-flight span started through a Sink.
type SpanHandle struct {
	// ID uniquely identifies the span record.
	ID string
	// Name is the span name.
	Name string
	// Attrs carries the correlation attributes.
	Attrs Attributes
	// Start is the span start time.
	Start time.Time

	span Span
}

// Sink records structured start/end/error events with timing for any named
// span. Implementations must be safe under concurrent spans from different
// sessions and stages interleaving.
type Sink interface {
	// StartSpan opens a span. The returned context carries the underlying
	// trace span so nested spans parent correctly.
	StartSpan(ctx context.Context, name string, attrs Attributes) (context.Context, *SpanHandle)
	// End closes the span. A nil err marks the outcome ok; a non-nil err
	// marks it failed with the error detail.
	End(ctx context.Context, h *SpanHandle, err error)
}

// TraceSink emits spans through a Tracer and mirrors start/end events to a
// Logger, carrying session and stage correlation on every record.
type TraceSink struct {
	logger Logger
	tracer Tracer
}

var _ Sink = (*TraceSink)(nil)

// NewTraceSink constructs a Sink from a logger and tracer. Either may be a
// noop implementation.
func NewTraceSink(logger Logger, tracer Tracer) *TraceSink {
	return &TraceSink{logger: logger, tracer: tracer}
}

// StartSpan implements Sink.
func (s *TraceSink) StartSpan(ctx context.Context, name string, attrs Attributes) (context.Context, *SpanHandle) {
	opts := []trace.SpanStartOption{trace.WithAttributes(
		attribute.String("session.id", attrs.SessionID),
		attribute.String("pipeline.stage", attrs.Stage),
		attribute.String("tool.name", attrs.Tool),
	)}
	ctx, span := s.tracer.Start(ctx, name, opts...)
	h := &SpanHandle{
		ID:    uuid.NewString(),
		Name:  name,
		Attrs: attrs,
		Start: time.Now(),
		span:  span,
	}
	s.logger.Info(ctx, "span_start",
		"span", name, "span_id", h.ID,
		"session_id", attrs.SessionID, "stage", attrs.Stage, "tool", attrs.Tool)
	return ctx, h
}

// End implements Sink.
func (s *TraceSink) End(ctx context.Context, h *SpanHandle, err error) {
	duration := time.Since(h.Start)
	if err != nil {
		h.span.RecordError(err)
		h.span.SetStatus(codes.Error, err.Error())
		s.logger.Error(ctx, "span_end",
			"span", h.Name, "span_id", h.ID,
			"session_id", h.Attrs.SessionID, "stage", h.Attrs.Stage, "tool", h.Attrs.Tool,
			"duration_ms", duration.Milliseconds(), "error", err.Error())
	} else {
		h.span.SetStatus(codes.Ok, "")
		s.logger.Info(ctx, "span_end",
			"span", h.Name, "span_id", h.ID,
			"session_id", h.Attrs.SessionID, "stage", h.Attrs.Stage, "tool", h.Attrs.Tool,
			"duration_ms", duration.Milliseconds())
	}
	h.span.End()
}

// Record is one completed span captured by a Recorder.
type Record struct {
	Name  string
	Attrs Attributes
	Start time.Time
	End   time.Time
	Err   error
}

// Recorder is a Sink that captures completed spans in memory. It backs tests
// and offline timeline reconstruction; production deployments use TraceSink.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

var _ Sink = (*Recorder)(nil)

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// StartSpan implements Sink.
func (r *Recorder) StartSpan(ctx context.Context, name string, attrs Attributes) (context.Context, *SpanHandle) {
	return ctx, &SpanHandle{
		ID:    uuid.NewString(),
		Name:  name,
		Attrs: attrs,
		Start: time.Now(),
		span:  noopSpan{},
	}
}

// End implements Sink.
func (r *Recorder) End(_ context.Context, h *SpanHandle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{
		Name:  h.Name,
		Attrs: h.Attrs,
		Start: h.Start,
		End:   time.Now(),
		Err:   err,
	})
}

// Records returns a copy of all captured spans in completion order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// SessionTimeline returns the captured spans for one session, in completion
// order. Records from other sessions never appear, which is what makes the
// raw stream reconstructable per session.
func (r *Recorder) SessionTimeline(sessionID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if rec.Attrs.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}
