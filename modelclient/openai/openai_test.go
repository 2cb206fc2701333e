package openai

import (
	"context"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcvm/okcvm/modelclient"
)

type fakeChatClient struct {
	resp   *sdk.ChatCompletion
	err    error
	params sdk.ChatCompletionNewParams
}

func (f *fakeChatClient) New(_ context.Context, params sdk.ChatCompletionNewParams) (*sdk.ChatCompletion, error) {
	f.params = params
	return f.resp, f.err
}

func textCompletion(text string) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{
				FinishReason: "stop",
				Message:      sdk.ChatCompletionMessage{Content: text},
			},
		},
	}
}

func TestCompleteTranslatesText(t *testing.T) {
	fake := &fakeChatClient{resp: textCompletion("hello from openai")}
	client := New("key", "", WithChatClient(fake), WithModel(shared.ChatModelGPT4o))

	resp, err := client.Complete(context.Background(), modelclient.Request{Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello from openai", resp.Text)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, shared.ChatModelGPT4o, fake.params.Model)
}

func TestCompleteWrapsClientError(t *testing.T) {
	fake := &fakeChatClient{err: assertError("boom")}
	client := New("key", "", WithChatClient(fake))

	_, err := client.Complete(context.Background(), modelclient.Request{Input: "hi"})
	assert.Error(t, err)
}

func TestCompleteDecodesToolCallArguments(t *testing.T) {
	resp := textCompletion("")
	resp.Choices[0].Message.ToolCalls = []sdk.ChatCompletionMessageToolCall{
		{
			ID: "call-1",
			Function: sdk.ChatCompletionMessageToolCallFunction{
				Name:      "write_file",
				Arguments: `{"path":"a.txt","content":"hi"}`,
			},
		},
	}
	fake := &fakeChatClient{resp: resp}
	client := New("key", "", WithChatClient(fake))

	out, err := client.Complete(context.Background(), modelclient.Request{Input: "hi"})
	require.NoError(t, err)
	require.Len(t, out.ToolUses, 1)
	assert.Equal(t, "write_file", out.ToolUses[0].Name)
	assert.Equal(t, "a.txt", out.ToolUses[0].Input["path"])
}

func TestStreamFallsBackToSingleShot(t *testing.T) {
	fake := &fakeChatClient{resp: textCompletion("streamed")}
	client := New("key", "", WithChatClient(fake))

	handle, err := client.Stream(context.Background(), modelclient.Request{Input: "hi"})
	require.NoError(t, err)
	defer handle.Close()

	event, more, err := handle.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, "streamed", event.TextDelta)
	assert.True(t, event.Done)
}

type assertError string

func (e assertError) Error() string { return string(e) }
