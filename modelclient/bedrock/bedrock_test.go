package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcvm/okcvm/modelclient"
)

type fakeRuntime struct {
	output *bedrockruntime.ConverseOutput
	err    error
	input  *bedrockruntime.ConverseInput
}

func (f *fakeRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = params
	return f.output, f.err
}

func textOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		StopReason: brtypes.StopReasonEndTurn,
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
			},
		},
	}
}

func TestCompleteTranslatesText(t *testing.T) {
	runtime := &fakeRuntime{output: textOutput("hello from bedrock")}
	client := New(runtime, "anthropic.claude-3-7-sonnet-20250219-v1:0")

	resp, err := client.Complete(context.Background(), modelclient.Request{Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello from bedrock", resp.Text)
	assert.Equal(t, string(brtypes.StopReasonEndTurn), resp.StopReason)
	require.NotNil(t, runtime.input)
	assert.Equal(t, "anthropic.claude-3-7-sonnet-20250219-v1:0", aws.ToString(runtime.input.ModelId))
}

func TestCompleteWrapsRuntimeError(t *testing.T) {
	runtime := &fakeRuntime{err: assertError("boom")}
	client := New(runtime, "model-id")

	_, err := client.Complete(context.Background(), modelclient.Request{Input: "hi"})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrThrottled))
}

func TestCompleteWrapsThrottlingAsErrThrottled(t *testing.T) {
	runtime := &fakeRuntime{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	client := New(runtime, "model-id")

	_, err := client.Complete(context.Background(), modelclient.Request{Input: "hi"})
	assert.ErrorIs(t, err, ErrThrottled)
}

func TestStreamFallsBackToSingleShot(t *testing.T) {
	runtime := &fakeRuntime{output: textOutput("streamed")}
	client := New(runtime, "model-id")

	handle, err := client.Stream(context.Background(), modelclient.Request{Input: "hi"})
	require.NoError(t, err)
	defer handle.Close()

	event, more, err := handle.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, "streamed", event.TextDelta)
	assert.True(t, event.Done)

	_, more, err = handle.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
}

type assertError string

func (e assertError) Error() string { return string(e) }
