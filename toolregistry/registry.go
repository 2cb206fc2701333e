// Package toolregistry validates tool specs, binds tool names to
// implementations, and dispatches calls by name (spec.md §4.2).
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/okcvm/okcvm/telemetry"
	"github.com/okcvm/okcvm/toolerrors"
	"github.com/okcvm/okcvm/toolspec"
)

// Tool is the common contract every tool implementation satisfies
// (spec.md §4.3): it receives keyword arguments and returns a Tool Result.
// A Tool must never panic across the registry boundary for ordinary
// failures; Registry.Call recovers panics defensively and converts them
// into a failed Result, but well-behaved tools report failures through
// the Result envelope instead.
type Tool interface {
	Call(ctx context.Context, args map[string]any) toolspec.Result
}

// ToolFunc adapts a plain function to the Tool interface.
type ToolFunc func(ctx context.Context, args map[string]any) toolspec.Result

// Call implements Tool.
func (f ToolFunc) Call(ctx context.Context, args map[string]any) toolspec.Result { return f(ctx, args) }

// stubMessage is returned by tools that have a spec but no bound
// implementation (spec.md §4.2, "Registration").
const stubMessage = "not implemented in this build"

var stubTool = ToolFunc(func(context.Context, map[string]any) toolspec.Result {
	return toolspec.Fail(stubMessage)
})

// AgentWrapper is the language-model-facing facade for one tool (spec.md
// §4.2, "Agent wrappers").
type AgentWrapper struct {
	Name        toolspec.Ident
	Description string
	InputSchema json.RawMessage
}

// Registry loads tool specs, binds implementations, and dispatches calls.
type Registry struct {
	mu       sync.RWMutex
	specs    map[toolspec.Ident]toolspec.ToolSpec
	impls    map[toolspec.Ident]Tool
	wrappers map[toolspec.Ident]*AgentWrapper
	logger   telemetry.Logger
	tracer   telemetry.Tracer
	metrics  telemetry.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l telemetry.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithTracer sets the registry's tracer.
func WithTracer(t telemetry.Tracer) Option { return func(r *Registry) { r.tracer = t } }

// WithMetrics sets the registry's metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// New constructs an empty Registry. Call Load before any Call.
func New(opts ...Option) *Registry {
	r := &Registry{
		specs:    map[toolspec.Ident]toolspec.ToolSpec{},
		impls:    map[toolspec.Ident]Tool{},
		wrappers: map[toolspec.Ident]*AgentWrapper{},
		logger:   telemetry.NewNoopLogger(),
		tracer:   telemetry.NewNoopTracer(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Load reads a manifest, validates every tool's JSON-Schema subset
// (input and output), and registers a stub implementation for each name
// until Register is called. All specs must validate before the registry
// becomes usable: the first malformed schema aborts loading entirely
// (spec.md §4.2, "Loading").
func (r *Registry) Load(manifest toolspec.Manifest) error {
	specs := manifest.ToSpecs()
	for _, spec := range specs {
		if _, err := toolspec.Compile(string(spec.Name)+"#input", spec.Input.Schema); err != nil {
			return fmt.Errorf("toolregistry: load %s: input schema: %w", spec.Name, err)
		}
		if _, err := toolspec.Compile(string(spec.Name)+"#output", spec.Output.Schema); err != nil {
			return fmt.Errorf("toolregistry: load %s: output schema: %w", spec.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, spec := range specs {
		r.specs[spec.Name] = spec
		if _, bound := r.impls[spec.Name]; !bound {
			r.impls[spec.Name] = stubTool
		}
		delete(r.wrappers, spec.Name)
	}
	return nil
}

// Register binds name to impl. Exactly one implementation is kept per
// name; rebinding clears any cached agent wrapper for that name (spec.md
// §4.2, "Registration").
func (r *Registry) Register(name toolspec.Ident, impl Tool) error {
	if impl == nil {
		return fmt.Errorf("toolregistry: register %s: implementation is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[name]; !ok {
		return fmt.Errorf("toolregistry: register %s: no spec loaded for this tool", name)
	}
	r.impls[name] = impl
	delete(r.wrappers, name)
	return nil
}

// Get returns the loaded spec for name.
func (r *Registry) Get(name toolspec.Ident) (toolspec.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns every registered tool name.
func (r *Registry) Names() []toolspec.Ident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]toolspec.Ident, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	return out
}

// Call dispatches name with args and returns its Tool Result. It never
// returns a Go error: a panicking or missing implementation is reported as
// a failed Result instead, so callers can always rely on the envelope
// invariant from spec.md §3.
func (r *Registry) Call(ctx context.Context, name toolspec.Ident, args map[string]any) (result toolspec.Result) {
	r.mu.RLock()
	impl, ok := r.impls[name]
	r.mu.RUnlock()
	if !ok {
		return toolspec.Fail(fmt.Sprintf("unknown tool %q", name))
	}

	ctx, span := r.tracer.Start(ctx, "toolregistry.Call")
	start := time.Now()
	defer span.End()

	defer func() {
		r.metrics.RecordTimer("toolregistry.call.duration", time.Since(start), "tool", string(name))
		status := "ok"
		if !result.Success {
			status = "error"
		}
		r.metrics.IncCounter("toolregistry.call.count", 1, "tool", string(name), "status", status)
	}()

	defer func() {
		if rec := recover(); rec != nil {
			err := toolerrors.Newf("tool %q panicked: %v", name, rec)
			r.logger.Error(ctx, "tool panic", "tool", string(name), "recover", rec)
			span.RecordError(err)
			result = toolspec.Fail(err.Error())
		}
	}()
	return impl.Call(ctx, args)
}

// AgentWrapper returns the cached (or freshly built) model-facing facade
// for name.
func (r *Registry) AgentWrapper(name toolspec.Ident) (*AgentWrapper, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.wrappers[name]; ok {
		return w, true
	}
	spec, ok := r.specs[name]
	if !ok {
		return nil, false
	}
	w := &AgentWrapper{Name: spec.Name, Description: spec.Description, InputSchema: spec.Input.Schema}
	r.wrappers[name] = w
	return w, true
}

// Invoke converts the model's argument JSON into a Call, serialises the
// result as {output, data} on success, and returns an error (the "surfaces
// as exceptions" contract in spec.md §4.2) on tool failure.
func (w *AgentWrapper) Invoke(ctx context.Context, r *Registry, argsJSON json.RawMessage) (json.RawMessage, error) {
	var args map[string]any
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &args); err != nil {
			return nil, toolerrors.WithKindf(toolerrors.KindValidation, "invalid arguments for %s: %v", w.Name, err)
		}
	}
	result := r.Call(ctx, w.Name, args)
	if !result.Success {
		return nil, toolerrors.New(result.Error)
	}
	payload, err := json.Marshal(struct {
		Output string `json:"output,omitempty"`
		Data   any    `json:"data,omitempty"`
	}{Output: result.Output, Data: result.Data})
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindUnspecified, "encode tool result", err)
	}
	return payload, nil
}
