// Package toolreg implements the name-keyed registry of callable
// capabilities available to the model-driven pipeline stages.
//
// Every tool is described by a Descriptor carrying JSON Schemas for its
// input and output. Both schemas are compiled at registration, so a
// descriptor whose schemas do not parse never enters the registry, and
// every invocation is validated at the registry boundary: arguments before
// the handler runs, results after.
package toolreg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/telemetry"
)

// Handler executes a tool call. Arguments have already been validated
// against the descriptor's input schema.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Descriptor describes one callable capability.
type Descriptor struct {
	// Name uniquely identifies the tool.
	Name string
	// Description is surfaced to model-driven callers.
	Description string
	// InputSchema is the JSON Schema the arguments must satisfy.
	InputSchema json.RawMessage
	// OutputSchema is the JSON Schema the result must satisfy.
	OutputSchema json.RawMessage
	// Handler executes the call.
	Handler Handler
}

type entry struct {
	desc   Descriptor
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// Registry is a thread-safe, name-keyed tool table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	sink    telemetry.Sink
	limiter *rate.Limiter
}

// Option configures a Registry.
type Option func(*Registry)

// WithSink sets the observability sink used to span tool invocations.
func WithSink(sink telemetry.Sink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithRateLimit bounds tool invocations to n per second with the given
// burst. Tool handlers may fan out to external services; the limiter keeps
// a misbehaving planner from stampeding them.
func WithRateLimit(n rate.Limit, burst int) Option {
	return func(r *Registry) { r.limiter = rate.NewLimiter(n, burst) }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		sink:    telemetry.NewTraceSink(telemetry.NewNoopLogger(), telemetry.NewNoopTracer()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a descriptor to the registry. It fails with
// pipeline.ErrConflict if the name is already registered and with a
// validation error if either schema does not compile — the structural check
// happens here, not at call time.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return &pipeline.ValidationError{Field: "name", Reason: "tool name is required"}
	}
	if desc.Handler == nil {
		return &pipeline.ValidationError{Field: "handler", Reason: "tool handler is required"}
	}
	input, err := compileSchema(desc.Name+"/input.json", desc.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: input schema: %w", desc.Name, err)
	}
	output, err := compileSchema(desc.Name+"/output.json", desc.OutputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: output schema: %w", desc.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[desc.Name]; ok {
		return fmt.Errorf("tool %s: %w", desc.Name, pipeline.ErrConflict)
	}
	r.entries[desc.Name] = &entry{desc: desc, input: input, output: output}
	return nil
}

// Lookup returns the descriptor registered under name, or
// pipeline.ErrNotFound.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("tool %s: %w", name, pipeline.ErrNotFound)
	}
	return e.desc, nil
}

// List returns the registered descriptors in no particular order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	return out
}

// Invoke validates args against the tool's input schema (the handler is
// never called on a mismatch), executes the handler under a span, validates
// the result against the output schema, and classifies handler failures
// into the pipeline error taxonomy.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %s: %w", name, pipeline.ErrNotFound)
	}
	if err := validate(e.input, args); err != nil {
		return nil, &pipeline.ValidationError{Field: name + " args", Reason: err.Error()}
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("tool %s: rate limit wait: %w", name, err)
		}
	}

	spanCtx, span := r.sink.StartSpan(ctx, "tool."+name, telemetry.Attributes{Tool: name})
	result, err := e.desc.Handler(spanCtx, args)
	if err != nil {
		err = classifyToolError(name, err)
		r.sink.End(spanCtx, span, err)
		return nil, err
	}
	if verr := validate(e.output, result); verr != nil {
		err = &pipeline.ValidationError{Field: name + " result", Reason: verr.Error()}
		r.sink.End(spanCtx, span, err)
		return nil, err
	}
	r.sink.End(spanCtx, span, nil)
	return result, nil
}

// classifyToolError folds a handler error into the taxonomy, preserving an
// explicit classification when the handler supplied one.
func classifyToolError(name string, err error) error {
	var se *pipeline.StageError
	if errors.As(err, &se) || pipeline.Classify(err) != pipeline.ClassFatal {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	return fmt.Errorf("tool %s: %w", name, pipeline.Fatal(err))
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, &pipeline.ValidationError{Field: name, Reason: "schema is required"}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &pipeline.ValidationError{Field: name, Reason: err.Error()}
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, &pipeline.ValidationError{Field: name, Reason: err.Error()}
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, &pipeline.ValidationError{Field: name, Reason: err.Error()}
	}
	return schema, nil
}

func validate(schema *jsonschema.Schema, raw json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
