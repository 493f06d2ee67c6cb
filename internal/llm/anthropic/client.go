// Package anthropic adapts the Anthropic Claude Messages API to the
// internal/llm.Client contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/treetopdevs/loom/internal/llm"
)

// MessagesClient is the subset of the Anthropic SDK used by Client. It
// is satisfied by *sdk.MessageService and by test doubles.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements llm.Client on top of Anthropic Claude Messages.
type Client struct {
	msg         MessagesClient
	maxTokens   int64
	temperature float64
}

// Options configures optional Anthropic adapter behavior.
type Options struct {
	// MaxTokens caps completion length when a call does not specify
	// one via llm.Options.MaxTokens. Defaults to 4096.
	MaxTokens int64
	// Temperature is the default sampling temperature.
	Temperature float64
}

// New builds an Anthropic-backed llm.Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, maxTokens: maxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP
// transport, reading ANTHROPIC_API_KEY conventions via option.WithAPIKey.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, opts)
}

// GenerateText implements llm.Client.
func (c *Client) GenerateText(ctx context.Context, modelID string, messages []llm.Message, opts llm.Options) (llm.Response, error) {
	if modelID == "" {
		return llm.Response{}, errors.New("anthropic: model id is required")
	}
	params, err := c.buildParams(modelID, messages, opts)
	if err != nil {
		return llm.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return llm.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg), nil
}

func (c *Client) buildParams(modelID string, messages []llm.Message, opts llm.Options) (sdk.MessageNewParams, error) {
	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}
	var system []sdk.TextBlockParam
	msgs := make([]sdk.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case llm.RoleUser:
			blocks := []sdk.ContentBlockParamUnion{sdk.NewTextBlock(m.Content)}
			if m.ToolCallID != "" {
				blocks = []sdk.ContentBlockParamUnion{sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)}
			}
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		case llm.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input, err := json.Marshal(tc.Arguments)
				if err != nil {
					return sdk.MessageNewParams{}, fmt.Errorf("anthropic: marshal tool args for %s: %w", tc.Name, err)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(input), tc.Name))
			}
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	temp := c.temperature
	if opts.Temperature > 0 {
		temp = opts.Temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if len(opts.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(opts.Tools))
		for _, def := range opts.Tools {
			schema, err := json.Marshal(def.Parameters)
			if err != nil {
				return sdk.MessageNewParams{}, fmt.Errorf("anthropic: marshal schema for %s: %w", def.Name, err)
			}
			tools = append(tools, sdk.ToolUnionParam{
				OfTool: &sdk.ToolParam{
					Name:        def.Name,
					Description: sdk.String(def.Description),
					InputSchema: sdk.ToolInputSchemaParam{ExtraFields: map[string]any{"raw": json.RawMessage(schema)}},
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

func translateResponse(msg *sdk.Message) llm.Response {
	var text string
	var calls []llm.ToolCall
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			text += b.Text
		case sdk.ToolUseBlock:
			args, err := llm.EncodeArguments(b.Input)
			if err != nil {
				args = map[string]any{}
			}
			calls = append(calls, llm.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	return llm.Response{
		Text:      text,
		ToolCalls: calls,
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
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
