// Package agentrt implements the Agent Runtime (spec.md §4.6): it holds the
// composed system prompt, the Tool Registry, and an ordered history of
// entries, and drives a model.Client through a tool-calling loop. Grounded
// on vm.py's VirtualMachine.
package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/okcvm/okcvm/modelclient"
	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
)

// HistoryEntry is one recorded turn (spec.md §4.6): a user message, an
// assistant reply, or a tool invocation's bookkeeping record. Ids take the
// form "<workspace_session_id>-<nnnn>" so they are stable across a
// workspace's lifetime.
type HistoryEntry struct {
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content string         `json:"content,omitempty"`
	Name    string         `json:"name,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Success *bool          `json:"success,omitempty"`
	Output  string         `json:"output,omitempty"`
	Data    any            `json:"data,omitempty"`
}

// ToolCallInfo summarises one tool invocation made while answering a
// message, returned alongside Execute's reply (vm.py's tool_calls_info).
type ToolCallInfo struct {
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	ToolOutput string         `json:"tool_output"`
	ToolData   any            `json:"tool_data,omitempty"`
}

// ExecuteResult is Execute's return shape (vm.py's execute() dict).
type ExecuteResult struct {
	Reply     string         `json:"reply"`
	ToolCalls []ToolCallInfo `json:"tool_calls"`
}

// Callbacks lets a caller observe streaming events as Execute runs, the Go
// shape of vm.py's LangChainStreamingHandler hooks.
type Callbacks struct {
	OnToken       func(delta string)
	OnToolStarted func(invocationID, toolName, input string)
	OnToolDone    func(invocationID, toolName, output string, success bool, errMsg string)
}

const maxToolIterations = 8

// Runtime is the Agent Runtime (vm.py's VirtualMachine).
type Runtime struct {
	mu sync.Mutex

	systemPrompt string
	registry     *toolregistry.Registry
	model        modelclient.Client

	history      []HistoryEntry
	historyID    int
	historyToken string
}

// New constructs a Runtime. historyToken seeds the history id prefix
// (typically the owning workspace's session id).
func New(systemPrompt string, registry *toolregistry.Registry, model modelclient.Client, historyToken string) *Runtime {
	return &Runtime{
		systemPrompt: systemPrompt,
		registry:     registry,
		model:        model,
		historyToken: historyToken,
	}
}

// UpdateSystemPrompt replaces the composed system prompt.
func (r *Runtime) UpdateSystemPrompt(prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systemPrompt = prompt
}

func (r *Runtime) nextHistoryID() string {
	r.historyID++
	return fmt.Sprintf("%s-%04d", r.historyToken, r.historyID)
}

// RecordHistoryEntry appends entry, assigning an id if it lacks one, and
// returns the stored copy.
func (r *Runtime) RecordHistoryEntry(entry HistoryEntry) HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordLocked(entry)
}

func (r *Runtime) recordLocked(entry HistoryEntry) HistoryEntry {
	if entry.ID == "" {
		entry.ID = r.nextHistoryID()
	}
	r.history = append(r.history, entry)
	return entry
}

// GetHistoryEntry returns the most recent entry with the given id, if any.
func (r *Runtime) GetHistoryEntry(id string) (HistoryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ID == id {
			return r.history[i], true
		}
	}
	return HistoryEntry{}, false
}

// History returns a copy of the full recorded history.
func (r *Runtime) History() []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}

// DiscardLastExchange removes the trailing assistant/user pair if both are
// present, powering "regenerate" (vm.py has no direct analogue; this
// mirrors the reset-then-replay idiom the original's API layer uses around
// VirtualMachine.history).
func (r *Runtime) DiscardLastExchange() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.history)
	if n < 2 {
		return false
	}
	if r.history[n-1].Role != "assistant" || r.history[n-2].Role != "user" {
		return false
	}
	r.history = r.history[:n-2]
	return true
}

func translatedHistory(entries []HistoryEntry) []modelclient.Message {
	out := make([]modelclient.Message, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case "user":
			out = append(out, modelclient.Message{Role: modelclient.RoleUser, Content: e.Content})
		case "assistant":
			out = append(out, modelclient.Message{Role: modelclient.RoleAssistant, Content: e.Content})
		}
	}
	return out
}

func (r *Runtime) toolDefinitions() []modelclient.ToolDefinition {
	defs := make([]modelclient.ToolDefinition, 0)
	for _, name := range r.registry.Names() {
		wrapper, ok := r.registry.AgentWrapper(name)
		if !ok {
			continue
		}
		var schema map[string]any
		_ = json.Unmarshal(wrapper.InputSchema, &schema)
		defs = append(defs, modelclient.ToolDefinition{
			Name:        string(wrapper.Name),
			Description: wrapper.Description,
			InputSchema: schema,
		})
	}
	return defs
}

// Execute implements vm.py's VirtualMachine.execute: translate history,
// invoke the model, loop over tool_use stop reasons, and record the
// exchange on success.
func (r *Runtime) Execute(ctx context.Context, message string, cb Callbacks) ExecuteResult {
	r.mu.Lock()
	systemPrompt := r.systemPrompt
	history := translatedHistory(r.history)
	r.mu.Unlock()

	req := modelclient.Request{SystemPrompt: systemPrompt, History: history, Input: message}

	reply, toolCalls, err := r.runLoop(ctx, req, cb)
	if err != nil {
		return ExecuteResult{Reply: fmt.Sprintf("An error occurred: %v", err), ToolCalls: nil}
	}

	r.mu.Lock()
	r.recordLocked(HistoryEntry{Role: "user", Content: message})
	r.recordLocked(HistoryEntry{Role: "assistant", Content: reply})
	r.mu.Unlock()

	return ExecuteResult{Reply: reply, ToolCalls: toolCalls}
}

func (r *Runtime) runLoop(ctx context.Context, req modelclient.Request, cb Callbacks) (string, []ToolCallInfo, error) {
	req.Tools = r.toolDefinitions()
	var toolCalls []ToolCallInfo

	for i := 0; i < maxToolIterations; i++ {
		resp, err := r.complete(ctx, req, cb)
		if err != nil {
			return "", nil, err
		}
		if len(resp.ToolUses) == 0 {
			return resp.Text, toolCalls, nil
		}

		for _, use := range resp.ToolUses {
			inputJSON, _ := json.Marshal(use.Input)
			if cb.OnToolStarted != nil {
				cb.OnToolStarted(use.ID, use.Name, string(inputJSON))
			}

			result := r.registry.Call(ctx, toolspec.Ident(use.Name), use.Input)

			if cb.OnToolDone != nil {
				cb.OnToolDone(use.ID, use.Name, result.Output, result.Success, result.Error)
			}

			toolCalls = append(toolCalls, ToolCallInfo{ToolName: use.Name, ToolInput: use.Input, ToolOutput: result.Output, ToolData: result.Data})

			// Tool invocations made while the model drives the loop are not
			// recorded as history entries (spec.md §4.6 step 3): only the
			// final user/assistant pair is appended on success, matching
			// vm.py's execute(), where tool calls happen inside the opaque
			// AgentExecutor and never touch self.history. toolCalls above is
			// the only record the caller gets of them. A failed loop (the
			// max-iterations error below) must leave history untouched,
			// which holds for free since nothing here mutates r.history.

			content := result.Output
			if !result.Success {
				content = result.Error
			}
			req.ToolResults = append(req.ToolResults, modelclient.ToolResultInput{
				ToolUseID: use.ID,
				Content:   content,
				IsError:   !result.Success,
			})
		}
		req.Input = ""
	}
	return "", toolCalls, fmt.Errorf("agentrt: exceeded %d tool-call iterations", maxToolIterations)
}

// complete invokes the model once. When the caller observes tokens it
// prefers the streaming endpoint, forwarding each text delta to OnToken and
// returning the accumulated final response; a backend that declines to
// stream (nil handle or an immediate error) falls back to Complete.
func (r *Runtime) complete(ctx context.Context, req modelclient.Request, cb Callbacks) (*modelclient.Response, error) {
	if cb.OnToken == nil {
		return r.model.Complete(ctx, req)
	}
	handle, err := r.model.Stream(ctx, req)
	if err != nil || handle == nil {
		return r.model.Complete(ctx, req)
	}
	defer handle.Close()

	for {
		event, more, err := handle.Next(ctx)
		if err != nil {
			return nil, err
		}
		if event.TextDelta != "" {
			cb.OnToken(event.TextDelta)
		}
		if event.Done {
			if event.Response == nil {
				return nil, fmt.Errorf("agentrt: stream ended without a final response")
			}
			return event.Response, nil
		}
		if !more {
			return nil, fmt.Errorf("agentrt: stream ended without a final response")
		}
	}
}

// CallTool invokes name directly through the registry, bypassing the model,
// and records the call in history (vm.py's VirtualMachine.call_tool).
func (r *Runtime) CallTool(ctx context.Context, name string, args map[string]any) toolspec.Result {
	result := r.registry.Call(ctx, toolspec.Ident(name), args)
	success := result.Success
	r.RecordHistoryEntry(HistoryEntry{
		Role:    "tool",
		Name:    name,
		Input:   args,
		Success: &success,
		Output:  result.Output,
		Data:    result.Data,
	})
	return result
}
