// Package anthropic implements modelclient.Client on top of
// github.com/anthropics/anthropic-sdk-go, following the sub-interface
// pattern the teacher uses for its own model client bindings: the Anthropic
// Messages API is narrowed to a MessagesClient interface so tests can
// substitute a fake instead of making real network calls.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/okcvm/okcvm/modelclient"
)

// MessagesClient is the narrow slice of the SDK's Messages service this
// package depends on.
type MessagesClient interface {
	New(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error)
	NewStreaming(ctx context.Context, params sdk.MessageNewParams) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

type liveMessagesClient struct {
	client sdk.Client
}

func (l liveMessagesClient) New(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error) {
	return l.client.Messages.New(ctx, params)
}

func (l liveMessagesClient) NewStreaming(ctx context.Context, params sdk.MessageNewParams) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return l.client.Messages.NewStreaming(ctx, params)
}

// Client implements modelclient.Client against the Anthropic Messages API.
type Client struct {
	messages  MessagesClient
	model     sdk.Model
	maxTokens int64
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the default model.
func WithModel(model sdk.Model) Option {
	return func(c *Client) { c.model = model }
}

// WithMaxTokens overrides the default max-tokens budget.
func WithMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithMessagesClient overrides the MessagesClient, for tests.
func WithMessagesClient(mc MessagesClient) Option {
	return func(c *Client) { c.messages = mc }
}

// New constructs a Client authenticated with apiKey, optionally against a
// custom baseURL (matching chat_config.base_url in the original's llm.py).
func New(apiKey, baseURL string, opts ...Option) *Client {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	sdkClient := sdk.NewClient(clientOpts...)

	c := &Client{
		messages:  liveMessagesClient{client: sdkClient},
		model:     sdk.ModelClaude3_7SonnetLatest,
		maxTokens: 4096,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) buildParams(req modelclient.Request) sdk.MessageNewParams {
	messages := make([]sdk.MessageParam, 0, len(req.History)+1)
	for _, m := range req.History {
		switch m.Role {
		case modelclient.RoleUser:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case modelclient.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if req.Input != "" {
		messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(req.Input)))
	}
	for _, tr := range req.ToolResults {
		messages = append(messages, sdk.NewUserMessage(sdk.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError)))
	}

	tools := make([]sdk.ToolUnionParam, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
			Properties: t.InputSchema["properties"],
		}, t.Name))
		tools[len(tools)-1].OfTool.Description = sdk.String(t.Description)
	}

	params := sdk.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return params
}

func translateResponse(msg *sdk.Message) *modelclient.Response {
	resp := &modelclient.Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			resp.ToolUses = append(resp.ToolUses, modelclient.ToolUse{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return resp
}

// Complete implements modelclient.Client.
func (c *Client) Complete(ctx context.Context, req modelclient.Request) (*modelclient.Response, error) {
	params := c.buildParams(req)
	msg, err := c.messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: complete: %w", err)
	}
	return translateResponse(msg), nil
}

// Stream implements modelclient.Client.
func (c *Client) Stream(ctx context.Context, req modelclient.Request) (modelclient.StreamHandle, error) {
	params := c.buildParams(req)
	stream := c.messages.NewStreaming(ctx, params)
	return &streamHandle{stream: stream, accum: &sdk.Message{}}, nil
}

type streamHandle struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	accum  *sdk.Message
}

// Next implements modelclient.StreamHandle.
func (h *streamHandle) Next(_ context.Context) (modelclient.StreamEvent, bool, error) {
	if !h.stream.Next() {
		if err := h.stream.Err(); err != nil {
			return modelclient.StreamEvent{}, false, fmt.Errorf("anthropic: stream: %w", err)
		}
		return modelclient.StreamEvent{Done: true, Response: translateResponse(h.accum)}, false, nil
	}

	event := h.stream.Current()
	_ = h.accum.Accumulate(event)

	switch delta := event.AsAny().(type) {
	case sdk.ContentBlockDeltaEvent:
		if textDelta, ok := delta.Delta.AsAny().(sdk.TextDelta); ok {
			return modelclient.StreamEvent{TextDelta: textDelta.Text}, true, nil
		}
	}
	return modelclient.StreamEvent{}, true, nil
}

// Close implements modelclient.StreamHandle.
func (h *streamHandle) Close() error { return h.stream.Close() }
