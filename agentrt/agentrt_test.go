package agentrt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcvm/okcvm/modelclient"
	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
)

// scriptedModel returns each queued response in turn; once the script runs
// dry it keeps returning the last response.
type scriptedModel struct {
	responses []*modelclient.Response
	err       error
	requests  []modelclient.Request
}

func (m *scriptedModel) Complete(_ context.Context, req modelclient.Request) (*modelclient.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &modelclient.Response{Text: ""}, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

func (m *scriptedModel) Stream(context.Context, modelclient.Request) (modelclient.StreamHandle, error) {
	return nil, errors.New("not implemented")
}

func newTestRegistry(t *testing.T) *toolregistry.Registry {
	t.Helper()
	r := toolregistry.New()
	manifest := toolspec.Manifest{Functions: []toolspec.ManifestFunction{{
		Name:         "files_write",
		Description:  "writes a file",
		InputSchema:  []byte(`{"type": "object", "properties": {"path": {"type": "string"}}}`),
		OutputSchema: []byte(`{"type": "object"}`),
	}}}
	require.NoError(t, r.Load(manifest))
	require.NoError(t, r.Register("files_write", toolregistry.ToolFunc(func(_ context.Context, args map[string]any) toolspec.Result {
		path, _ := args["path"].(string)
		return toolspec.Ok("Wrote file to "+path, map[string]any{"path": path})
	})))
	return r
}

func TestExecuteRecordsExchange(t *testing.T) {
	model := &scriptedModel{responses: []*modelclient.Response{{Text: "hello back"}}}
	rt := New("prompt", newTestRegistry(t), model, "tok")

	result := rt.Execute(context.Background(), "hello", Callbacks{})
	assert.Equal(t, "hello back", result.Reply)
	assert.Empty(t, result.ToolCalls)

	history := rt.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "tok-0001", history[0].ID)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "tok-0002", history[1].ID)
}

func TestExecuteRunsToolLoop(t *testing.T) {
	model := &scriptedModel{responses: []*modelclient.Response{
		{
			ToolUses:   []modelclient.ToolUse{{ID: "u1", Name: "files_write", Input: map[string]any{"path": "a.txt"}}},
			StopReason: "tool_use",
		},
		{Text: "done"},
	}}
	rt := New("prompt", newTestRegistry(t), model, "tok")

	var started, completed []string
	cb := Callbacks{
		OnToolStarted: func(id, name, _ string) { started = append(started, name) },
		OnToolDone:    func(id, name, _ string, success bool, _ string) { completed = append(completed, name); assert.True(t, success) },
	}

	result := rt.Execute(context.Background(), "write it", cb)
	assert.Equal(t, "done", result.Reply)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "files_write", result.ToolCalls[0].ToolName)
	assert.Equal(t, "Wrote file to a.txt", result.ToolCalls[0].ToolOutput)
	assert.Equal(t, []string{"files_write"}, started)
	assert.Equal(t, []string{"files_write"}, completed)

	// The second model call carries the tool result back.
	require.Len(t, model.requests, 2)
	require.Len(t, model.requests[1].ToolResults, 1)
	assert.Equal(t, "u1", model.requests[1].ToolResults[0].ToolUseID)

	// Only the final user/assistant pair lands in history.
	history := rt.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestExecuteModelErrorLeavesHistoryUntouched(t *testing.T) {
	model := &scriptedModel{err: errors.New("upstream down")}
	rt := New("prompt", newTestRegistry(t), model, "tok")

	result := rt.Execute(context.Background(), "hello", Callbacks{})
	assert.Contains(t, result.Reply, "An error occurred")
	assert.Empty(t, result.ToolCalls)
	assert.Empty(t, rt.History())
}

func TestExecuteBoundsToolIterations(t *testing.T) {
	looping := &modelclient.Response{
		ToolUses:   []modelclient.ToolUse{{ID: "u1", Name: "files_write", Input: map[string]any{"path": "a.txt"}}},
		StopReason: "tool_use",
	}
	model := &scriptedModel{responses: []*modelclient.Response{looping}}
	rt := New("prompt", newTestRegistry(t), model, "tok")

	result := rt.Execute(context.Background(), "loop forever", Callbacks{})
	assert.Contains(t, result.Reply, "An error occurred")
	assert.Empty(t, rt.History())
	assert.Len(t, model.requests, maxToolIterations)
}

// streamingModel serves Stream from a fixed delta script and rejects
// Complete so the test proves the streaming path was taken.
type streamingModel struct {
	deltas []string
	final  *modelclient.Response
}

func (m *streamingModel) Complete(context.Context, modelclient.Request) (*modelclient.Response, error) {
	return nil, errors.New("complete should not be called when streaming")
}

func (m *streamingModel) Stream(context.Context, modelclient.Request) (modelclient.StreamHandle, error) {
	return &scriptedHandle{deltas: m.deltas, final: m.final}, nil
}

type scriptedHandle struct {
	deltas []string
	final  *modelclient.Response
	pos    int
}

func (h *scriptedHandle) Next(context.Context) (modelclient.StreamEvent, bool, error) {
	if h.pos < len(h.deltas) {
		delta := h.deltas[h.pos]
		h.pos++
		return modelclient.StreamEvent{TextDelta: delta}, true, nil
	}
	return modelclient.StreamEvent{Done: true, Response: h.final}, false, nil
}

func (h *scriptedHandle) Close() error { return nil }

func TestExecuteStreamsTokens(t *testing.T) {
	model := &streamingModel{deltas: []string{"Hel", "lo"}, final: &modelclient.Response{Text: "Hello"}}
	rt := New("prompt", newTestRegistry(t), model, "tok")

	var tokens []string
	result := rt.Execute(context.Background(), "hi", Callbacks{OnToken: func(d string) { tokens = append(tokens, d) }})
	assert.Equal(t, "Hello", result.Reply)
	assert.Equal(t, []string{"Hel", "lo"}, tokens)
	assert.Len(t, rt.History(), 2)
}

func TestExecuteFallsBackToCompleteWithoutStream(t *testing.T) {
	model := &scriptedModel{responses: []*modelclient.Response{{Text: "plain"}}}
	rt := New("prompt", newTestRegistry(t), model, "tok")

	// scriptedModel.Stream errors, so the runtime must fall back.
	result := rt.Execute(context.Background(), "hi", Callbacks{OnToken: func(string) {}})
	assert.Equal(t, "plain", result.Reply)
}

func TestDiscardLastExchange(t *testing.T) {
	model := &scriptedModel{responses: []*modelclient.Response{{Text: "first"}}}
	rt := New("prompt", newTestRegistry(t), model, "tok")

	assert.False(t, rt.DiscardLastExchange())

	rt.Execute(context.Background(), "hello", Callbacks{})
	require.Len(t, rt.History(), 2)

	assert.True(t, rt.DiscardLastExchange())
	assert.Empty(t, rt.History())
	assert.False(t, rt.DiscardLastExchange())
}

func TestCallToolRecordsHistoryEntry(t *testing.T) {
	rt := New("prompt", newTestRegistry(t), &scriptedModel{}, "tok")

	result := rt.CallTool(context.Background(), "files_write", map[string]any{"path": "b.txt"})
	assert.True(t, result.Success)

	history := rt.History()
	require.Len(t, history, 1)
	assert.Equal(t, "tool", history[0].Role)
	assert.Equal(t, "files_write", history[0].Name)
	require.NotNil(t, history[0].Success)
	assert.True(t, *history[0].Success)

	entry, ok := rt.GetHistoryEntry(history[0].ID)
	require.True(t, ok)
	assert.Equal(t, "files_write", entry.Name)

	_, ok = rt.GetHistoryEntry("tok-9999")
	assert.False(t, ok)
}
