// Package bedrock implements modelclient.Client on top of the AWS Bedrock
// Converse API, mirroring the narrow RuntimeClient sub-interface the teacher
// uses for its own Bedrock adapter (features/model/bedrock/client.go): the
// SDK's Converse call is wrapped behind an interface so tests can substitute
// a fake instead of making real AWS calls.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/okcvm/okcvm/modelclient"
)

// ErrThrottled wraps a Bedrock throttling response (HTTP 429 or a
// ThrottlingException/TooManyRequestsException error code), so callers can
// distinguish "try again shortly" from other Converse failures.
var ErrThrottled = errors.New("bedrock: throttled")

// isThrottled mirrors the teacher's own rate-limit classification
// (features/model/bedrock/client.go's isRateLimited): smithy-go's APIError
// carries the provider error code for SDK-level errors.
func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	return false
}

// RuntimeClient is the subset of *bedrockruntime.Client this adapter needs.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements modelclient.Client against AWS Bedrock Converse.
type Client struct {
	runtime   RuntimeClient
	modelID   string
	maxTokens int32
}

// Option configures a Client.
type Option func(*Client)

// WithMaxTokens overrides the default max-tokens budget.
func WithMaxTokens(n int32) Option {
	return func(c *Client) { c.maxTokens = n }
}

// New constructs a Client against modelID (e.g. an inference profile ARN or
// a foundation model ID such as "anthropic.claude-3-7-sonnet-20250219-v1:0").
func New(runtime RuntimeClient, modelID string, opts ...Option) *Client {
	c := &Client{runtime: runtime, modelID: modelID, maxTokens: 4096}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func toolConfig(tools []modelclient.ToolDefinition) *brtypes.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]brtypes.Tool, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(t.InputSchema),
				},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: specs}
}

func toMessages(req modelclient.Request) []brtypes.Message {
	messages := make([]brtypes.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		role := brtypes.ConversationRoleUser
		if m.Role == modelclient.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		messages = append(messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if req.Input != "" {
		messages = append(messages, brtypes.Message{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Input}},
		})
	}
	for _, tr := range req.ToolResults {
		messages = append(messages, brtypes.Message{
			Role: brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(tr.ToolUseID),
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: tr.Content}},
				},
			}},
		})
	}
	return messages
}

func translate(out *bedrockruntime.ConverseOutput) *modelclient.Response {
	resp := &modelclient.Response{StopReason: string(out.StopReason)}
	member, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	for _, block := range member.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			resp.Text += v.Value
		case *brtypes.ContentBlockMemberToolUse:
			input, _ := v.Value.Input.(document.Interface)
			var decoded map[string]any
			if input != nil {
				_ = input.UnmarshalSmithyDocument(&decoded)
			}
			resp.ToolUses = append(resp.ToolUses, modelclient.ToolUse{
				ID:    aws.ToString(v.Value.ToolUseId),
				Name:  aws.ToString(v.Value.Name),
				Input: decoded,
			})
		}
	}
	return resp
}

// Complete implements modelclient.Client.
func (c *Client) Complete(ctx context.Context, req modelclient.Request) (*modelclient.Response, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.modelID),
		Messages: toMessages(req),
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(c.maxTokens),
		},
		ToolConfig: toolConfig(req.Tools),
	}
	if req.SystemPrompt != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isThrottled(err) {
			return nil, fmt.Errorf("%w: %w", ErrThrottled, err)
		}
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}
	return translate(out), nil
}

// Stream implements modelclient.Client. Bedrock's ConverseStream requires a
// separate event-stream decode loop; okcvm's Streaming Bus only needs
// incremental text and a final Response, so Stream falls back to one
// synchronous Complete call wrapped in a single-shot StreamHandle.
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
