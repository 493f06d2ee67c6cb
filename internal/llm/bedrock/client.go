// Package bedrock adapts the AWS Bedrock Converse API to the
// internal/llm.Client contract.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/treetopdevs/loom/internal/llm"
)

// RuntimeClient is the subset of the Bedrock runtime client used by
// Client. It is satisfied by *bedrockruntime.Client and test doubles.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements llm.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime RuntimeClient
}

// New builds a Bedrock-backed llm.Client from an already-configured
// runtime client (see aws-sdk-go-v2/config.LoadDefaultConfig).
func New(runtime RuntimeClient) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	return &Client{runtime: runtime}, nil
}

// GenerateText implements llm.Client.
func (c *Client) GenerateText(ctx context.Context, modelID string, messages []llm.Message, opts llm.Options) (llm.Response, error) {
	if modelID == "" {
		return llm.Response{}, errors.New("bedrock: model id is required")
	}
	input, err := buildConverseInput(modelID, messages, opts)
	if err != nil {
		return llm.Response{}, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return llm.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(out), nil
}

func buildConverseInput(modelID string, messages []llm.Message, opts llm.Options) (*bedrockruntime.ConverseInput, error) {
	var system []brtypes.SystemContentBlock
	msgs := make([]brtypes.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case llm.RoleUser:
			var blocks []brtypes.ContentBlock
			if m.ToolCallID != "" {
				blocks = []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
					},
				}}
			} else {
				blocks = []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}}
			}
			msgs = append(msgs, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: blocks})
		case llm.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(tc.Arguments),
					},
				})
			}
			msgs = append(msgs, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
		}
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: msgs,
	}
	if len(system) > 0 {
		input.System = system
	}
	inference := &brtypes.InferenceConfiguration{}
	if opts.MaxTokens > 0 {
		v := int32(opts.MaxTokens)
		inference.MaxTokens = &v
	}
	if opts.Temperature > 0 {
		v := float32(opts.Temperature)
		inference.Temperature = &v
	}
	input.InferenceConfig = inference

	if len(opts.Tools) > 0 {
		tools := make([]brtypes.Tool, 0, len(opts.Tools))
		for _, def := range opts.Tools {
			schema, err := json.Marshal(def.Parameters)
			if err != nil {
				return nil, fmt.Errorf("bedrock: marshal schema for %s: %w", def.Name, err)
			}
			var raw map[string]any
			if err := json.Unmarshal(schema, &raw); err != nil {
				return nil, fmt.Errorf("bedrock: decode schema for %s: %w", def.Name, err)
			}
			tools = append(tools, &brtypes.ToolMemberToolSpec{
				Value: brtypes.ToolSpecification{
					Name:        aws.String(def.Name),
					Description: aws.String(def.Description),
					InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(raw)},
				},
			})
		}
		input.ToolConfig = &brtypes.ToolConfiguration{Tools: tools}
	}
	return input, nil
}

func translateResponse(out *bedrockruntime.ConverseOutput) llm.Response {
	var text string
	var calls []llm.ToolCall
	if msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msgOutput.Value.Content {
			switch b := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text += b.Value
			case *brtypes.ContentBlockMemberToolUse:
				var args map[string]any
				_ = b.Value.Input.UnmarshalSmithyDocument(&args)
				calls = append(calls, llm.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: args,
				})
			}
		}
	}
	usage := llm.Usage{}
	if out.Usage != nil {
		usage.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return llm.Response{Text: text, ToolCalls: calls, Usage: usage}
}

func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ThrottlingException"
	}
	return false
}
