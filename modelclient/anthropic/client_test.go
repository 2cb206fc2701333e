package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcvm/okcvm/modelclient"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, params sdk.MessageNewParams) (*sdk.Message, error) {
	s.lastParams = params
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, params sdk.MessageNewParams) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = params
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&noopDecoder{}, nil)
}

type noopDecoder struct{}

func (n *noopDecoder) Event() ssestream.Event { return ssestream.Event{} }
func (n *noopDecoder) Next() bool             { return false }
func (n *noopDecoder) Close() error           { return nil }
func (n *noopDecoder) Err() error             { return nil }

func TestCompleteTranslatesText(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
		StopReason: sdk.StopReasonEndTurn,
	}}
	client := New("key", "", WithMessagesClient(stub), WithMaxTokens(128))

	resp, err := client.Complete(context.Background(), modelclient.Request{
		SystemPrompt: "be brief",
		History:      []modelclient.Message{{Role: modelclient.RoleUser, Content: "hi"}},
		Input:        "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "world", resp.Text)
	assert.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)
	assert.Empty(t, resp.ToolUses)

	require.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "be brief", stub.lastParams.System[0].Text)
	assert.Len(t, stub.lastParams.Messages, 2)
}

func TestCompleteTranslatesToolUse(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "deploying"},
			{Type: "tool_use", ID: "tool-1", Name: "deploy_website", Input: json.RawMessage(`{"directory":"output"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}}
	client := New("key", "", WithMessagesClient(stub))

	resp, err := client.Complete(context.Background(), modelclient.Request{
		Input: "ship it",
		Tools: []modelclient.ToolDefinition{{
			Name:        "deploy_website",
			Description: "deploys a static site",
			InputSchema: map[string]any{"properties": map[string]any{"directory": map[string]any{"type": "string"}}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "deploying", resp.Text)
	require.Len(t, resp.ToolUses, 1)
	assert.Equal(t, "tool-1", resp.ToolUses[0].ID)
	assert.Equal(t, "deploy_website", resp.ToolUses[0].Name)
	assert.Equal(t, "output", resp.ToolUses[0].Input["directory"])
	require.Len(t, stub.lastParams.Tools, 1)
}

func TestCompleteSendsToolResults(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "done"}},
		StopReason: sdk.StopReasonEndTurn,
	}}
	client := New("key", "", WithMessagesClient(stub))

	_, err := client.Complete(context.Background(), modelclient.Request{
		ToolResults: []modelclient.ToolResultInput{{ToolUseID: "tool-1", Content: "Wrote file", IsError: false}},
	})
	require.NoError(t, err)
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestCompleteWrapsClientError(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("boom")}
	client := New("key", "", WithMessagesClient(stub))

	_, err := client.Complete(context.Background(), modelclient.Request{Input: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic")
}

func TestStreamDrainsToDoneEvent(t *testing.T) {
	stub := &stubMessagesClient{}
	client := New("key", "", WithMessagesClient(stub))

	handle, err := client.Stream(context.Background(), modelclient.Request{Input: "hi"})
	require.NoError(t, err)
	defer handle.Close()

	event, more, err := handle.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.True(t, event.Done)
	require.NotNil(t, event.Response)
}
