// Package toolspec defines the Tool Specification and Tool Result types
// described in spec.md §3, and validates the JSON-Schema subset used for
// tool input/output schemas.
package toolspec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Result is the Tool Result envelope (spec.md §3, "Tool Result (envelope)").
// Invariant: if Success is false, Error is non-empty; if true, Data must be
// JSON-serialisable.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Ok constructs a successful Result.
func Ok(output string, data any) Result {
	return Result{Success: true, Output: output, Data: data}
}

// Fail constructs a failed Result. message must be non-empty; if it is
// empty, a generic message is substituted so the invariant in spec.md §3
// always holds.
func Fail(message string) Result {
	if message == "" {
		message = "tool failed"
	}
	return Result{Success: false, Error: message}
}

// Validate checks the envelope invariant from spec.md §3.
func (r Result) Validate() error {
	if !r.Success && r.Error == "" {
		return errors.New("toolspec: failed result must carry a non-empty error")
	}
	if r.Success {
		if _, err := json.Marshal(r.Data); err != nil {
			return fmt.Errorf("toolspec: result data must be JSON-serialisable: %w", err)
		}
	}
	return nil
}

// Ident is a tool's unique, registry-wide name.
type Ident string

// TypeSpec describes a JSON-Schema document for a tool's input or output.
type TypeSpec struct {
	// Schema is the raw JSON-Schema subset document (spec.md §3).
	Schema json.RawMessage
}

// ToolSpec is the Tool Specification type described in spec.md §3.
type ToolSpec struct {
	Name              Ident
	Description       string
	Input             TypeSpec
	Output            TypeSpec
	RequiresWorkspace bool
}

// Manifest is the on-disk shape of a tool manifest (spec.md §6): a JSON
// document with a `functions` array of raw tool specs.
type Manifest struct {
	Functions []ManifestFunction `json:"functions"`
}

// ManifestFunction is one entry in a tool manifest document.
type ManifestFunction struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	InputSchema       json.RawMessage `json:"input_schema"`
	OutputSchema      json.RawMessage `json:"output_schema"`
	RequiresWorkspace bool            `json:"requires_workspace"`
}

// ParseManifest decodes a manifest document without validating schemas.
// Callers should follow with ValidateSchemaSubset or Compile (or rely on
// toolregistry.Registry.Load, which compiles every input and output schema).
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("toolspec: parse manifest: %w", err)
	}
	if len(m.Functions) == 0 {
		return Manifest{}, errors.New("toolspec: manifest has no functions")
	}
	for i, fn := range m.Functions {
		if fn.Name == "" {
			return Manifest{}, fmt.Errorf("toolspec: function %d: name is required", i)
		}
	}
	return m, nil
}

// ToSpecs converts manifest entries to ToolSpecs without schema validation.
func (m Manifest) ToSpecs() []ToolSpec {
	out := make([]ToolSpec, 0, len(m.Functions))
	for _, fn := range m.Functions {
		out = append(out, ToolSpec{
			Name:              Ident(fn.Name),
			Description:       fn.Description,
			Input:             TypeSpec{Schema: fn.InputSchema},
			Output:            TypeSpec{Schema: fn.OutputSchema},
			RequiresWorkspace: fn.RequiresWorkspace,
		})
	}
	return out
}
