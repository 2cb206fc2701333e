// Package openai implements modelclient.Client on top of
// github.com/openai/openai-go, following the same narrow sub-interface
// pattern as modelclient/anthropic: the Chat Completions service is
// narrowed to a ChatClient interface so tests can substitute a fake instead
// of making real network calls.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/okcvm/okcvm/modelclient"
)

// ChatClient is the narrow slice of the SDK's Chat Completions service this
// package depends on.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

type liveChatClient struct {
	client openai.Client
}

func (l liveChatClient) New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return l.client.Chat.Completions.New(ctx, params)
}

// Client implements modelclient.Client against the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model shared.ChatModel
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the default model.
func WithModel(model shared.ChatModel) Option {
	return func(c *Client) { c.model = model }
}

// WithChatClient overrides the ChatClient, for tests.
func WithChatClient(cc ChatClient) Option {
	return func(c *Client) { c.chat = cc }
}

// New constructs a Client authenticated with apiKey, optionally against a
// custom baseURL.
func New(apiKey, baseURL string, opts ...Option) *Client {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	sdkClient := openai.NewClient(clientOpts...)

	c := &Client{
		chat:  liveChatClient{client: sdkClient},
		model: shared.ChatModelGPT4o,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func buildParams(c *Client, req modelclient.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.History {
		switch m.Role {
		case modelclient.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case modelclient.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}
	if req.Input != "" {
		messages = append(messages, openai.UserMessage(req.Input))
	}
	for _, tr := range req.ToolResults {
		messages = append(messages, openai.ToolMessage(tr.Content, tr.ToolUseID))
	}

	tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.InputSchema),
			},
		})
	}

	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return params
}

func translate(resp *openai.ChatCompletion) *modelclient.Response {
	out := &modelclient.Response{}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.StopReason = string(choice.FinishReason)
	out.Text = choice.Message.Content
	for _, call := range choice.Message.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
		out.ToolUses = append(out.ToolUses, modelclient.ToolUse{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return out
}

// Complete implements modelclient.Client.
func (c *Client) Complete(ctx context.Context, req modelclient.Request) (*modelclient.Response, error) {
	resp, err := c.chat.New(ctx, buildParams(c, req))
	if err != nil {
		return nil, fmt.Errorf("openai: complete: %w", err)
	}
	return translate(resp), nil
}

// Stream implements modelclient.Client. The okcvm Streaming Bus only needs
// incremental text plus a final Response, so Stream performs one synchronous
// Complete call and replays it as a single-shot stream, mirroring the
// fallback modelclient/bedrock uses for the same reason.
func (c *Client) Stream(ctx context.Context, req modelclient.Request) (modelclient.StreamHandle, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return &singleShotStream{resp: resp}, nil
}

type singleShotStream struct {
	resp *modelclient.Response
	done bool
}

func (s *singleShotStream) Next(context.Context) (modelclient.StreamEvent, bool, error) {
	if s.done {
		return modelclient.StreamEvent{}, false, nil
	}
	s.done = true
	return modelclient.StreamEvent{TextDelta: s.resp.Text, Done: true, Response: s.resp}, true, nil
}

func (s *singleShotStream) Close() error { return nil }
