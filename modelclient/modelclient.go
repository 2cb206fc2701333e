// Package modelclient defines the Agent Runtime's boundary to a language
// model (spec.md §4.6): a small Request/Response/Client contract that hides
// the wire format of whichever model SDK backs it. Production code binds
// Client to modelclient/anthropic; tests bind it to a fake.
package modelclient

import "context"

// Role is a chat message's author, matching the user/assistant-only history
// the Agent Runtime translates per spec.md §4.6 step 1.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of translated history.
type Message struct {
	Role    Role
	Content string
}

// ToolDefinition describes one callable tool exposed to the model, derived
// from a toolregistry.AgentWrapper.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolUse is a model-issued request to invoke a tool.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultInput feeds a prior ToolUse's outcome back to the model for the
// next turn.
type ToolResultInput struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Request is one call to Complete or Stream.
type Request struct {
	SystemPrompt string
	History      []Message
	Input        string
	Tools        []ToolDefinition
	ToolResults  []ToolResultInput
}

// Response is the model's reply to a Request.
type Response struct {
	Text     string
	ToolUses []ToolUse
	// StopReason mirrors the SDK's stop reason ("end_turn", "tool_use", …).
	// The Agent Runtime does not read it: it keeps looping while ToolUses is
	// non-empty.
	StopReason string
}

// StreamEvent is one incremental unit from Stream, trimmed to what the
// Streaming Bus forwards (spec.md §4.7).
type StreamEvent struct {
	TextDelta string
	ToolUse   *ToolUse
	Done      bool
	Response  *Response
}

// StreamHandle yields StreamEvents until exhausted.
type StreamHandle interface {
	Next(ctx context.Context) (StreamEvent, bool, error)
	Close() error
}

// Client is the Agent Runtime's boundary to a language model.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (StreamHandle, error)
}
