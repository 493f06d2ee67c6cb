// Package openai adapts the OpenAI Chat Completions API to the
// internal/llm.Client contract.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/treetopdevs/loom/internal/llm"
)

// ChatClient is the subset of the openai-go client used by Client. It
// is satisfied by the real SDK's Chat.Completions service and by test
// doubles.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Client implements llm.Client on top of OpenAI Chat Completions.
type Client struct {
	chat ChatClient
}

// New builds an OpenAI-backed llm.Client.
func New(chat ChatClient) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{chat: chat}, nil
}

// NewFromAPIKey constructs a Client using the default openai-go HTTP
// transport.
func NewFromAPIKey(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(c.Chat.Completions)
}

// GenerateText implements llm.Client.
func (c *Client) GenerateText(ctx context.Context, modelID string, messages []llm.Message, opts llm.Options) (llm.Response, error) {
	if modelID == "" {
		return llm.Response{}, errors.New("openai: model id is required")
	}
	params, err := buildParams(modelID, messages, opts)
	if err != nil {
		return llm.Response{}, err
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return llm.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp), nil
}

func buildParams(modelID string, messages []llm.Message, opts llm.Options) (sdk.ChatCompletionNewParams, error) {
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			msgs = append(msgs, sdk.SystemMessage(m.Content))
		case llm.RoleUser:
			if m.ToolCallID != "" {
				msgs = append(msgs, sdk.ToolMessage(m.Content, m.ToolCallID))
			} else {
				msgs = append(msgs, sdk.UserMessage(m.Content))
			}
		case llm.RoleAssistant:
			msgs = append(msgs, sdk.AssistantMessage(m.Content))
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: msgs,
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}
	if len(opts.Tools) > 0 {
		tools := make([]sdk.ChatCompletionToolParam, 0, len(opts.Tools))
		for _, def := range opts.Tools {
			tools = append(tools, sdk.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        def.Name,
					Description: sdk.String(def.Description),
					Parameters:  shared.FunctionParameters(def.Parameters),
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

func translateResponse(resp *sdk.ChatCompletion) llm.Response {
	var text string
	var calls []llm.ToolCall
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		text = msg.Content
		for _, tc := range msg.ToolCalls {
			args, err := llm.EncodeArguments([]byte(tc.Function.Arguments))
			if err != nil {
				args = map[string]any{}
			}
			calls = append(calls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
		}
	}
	return llm.Response{
		Text:      text,
		ToolCalls: calls,
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
