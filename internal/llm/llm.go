// Package llm defines the provider-agnostic contract the core uses to
// talk to language models (spec.md §6.1), plus the canonical response
// classification used to drive the agent loop.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Role identifies the speaker for a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Message is one entry in the conversation transcript passed to
// GenerateText. Content carries plain text; ToolCalls is populated on
// assistant messages that requested tools; ToolCallID links a tool
// result message back to the call it answers.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolDefinition describes a tool exposed to the model using a
// JSON-schema-like parameter descriptor (spec.md §6.2).
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage reports token consumption and an estimated dollar cost for one
// GenerateText call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalCostUSD float64
}

// Options configures one GenerateText call.
type Options struct {
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// Response is the result of a GenerateText call.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
	StopKind  StopKind
}

// StopKind distinguishes why the model stopped, mirroring the
// classify() split from spec.md §6.1.
type StopKind string

const (
	// StopToolCalls means the model requested one or more tools.
	StopToolCalls StopKind = "tool_calls"
	// StopFinalAnswer means the model produced a plain-text answer.
	StopFinalAnswer StopKind = "final_answer"
)

// Classification is the result of Response.Classify.
type Classification struct {
	Kind      StopKind
	Text      string
	ToolCalls []ToolCall
}

// Classify splits a Response into the tool_calls/final_answer shape
// the agent loop branches on (spec.md §4.5 step 4).
func (r Response) Classify() Classification {
	if len(r.ToolCalls) > 0 {
		return Classification{Kind: StopToolCalls, Text: r.Text, ToolCalls: r.ToolCalls}
	}
	return Classification{Kind: StopFinalAnswer, Text: r.Text}
}

// ErrRateLimited indicates the provider rejected the request due to
// rate limiting. Callers should not retry in a tight loop.
var ErrRateLimited = errors.New("llm: rate limited")

// Client is the provider-agnostic model client every adapter
// implements (spec.md §6.1 generate_text).
type Client interface {
	// GenerateText issues one model call against modelID (the
	// provider-specific portion of a "<provider>:<model_id>" string,
	// already stripped of its provider prefix by Registry.GenerateText) and the
	// given transcript.
	GenerateText(ctx context.Context, modelID string, messages []Message, opts Options) (Response, error)
}

// Registry resolves a "<provider>:<model_id>" model string to the
// Client registered for that provider, applying the configured
// default provider when no prefix is present (spec.md §6.1 "Parsing:
// split on first colon; if absent default provider is the one
// configured as default").
type Registry struct {
	clients     map[string]Client
	defaultProv string
}

// NewRegistry constructs a Registry. defaultProvider is used when a
// model string carries no "<provider>:" prefix.
func NewRegistry(defaultProvider string) *Registry {
	return &Registry{clients: make(map[string]Client), defaultProv: defaultProvider}
}

// Register associates provider with a Client implementation.
func (r *Registry) Register(provider string, c Client) {
	r.clients[provider] = c
}

// ErrUnknownProvider is returned by GenerateText when the model
// string's provider has no registered Client.
var ErrUnknownProvider = errors.New("llm: unknown provider")

// ParseModel splits a "<provider>:<model_id>" string on its first
// colon. When no colon is present, provider is defaultProvider.
func ParseModel(modelString, defaultProvider string) (provider, modelID string) {
	if idx := strings.IndexByte(modelString, ':'); idx >= 0 {
		return modelString[:idx], modelString[idx+1:]
	}
	return defaultProvider, modelString
}

// GenerateText resolves modelString's provider and dispatches to the
// registered Client, per spec.md §6.1.
func (r *Registry) GenerateText(ctx context.Context, modelString string, messages []Message, opts Options) (Response, error) {
	provider, modelID := ParseModel(modelString, r.defaultProv)
	c, ok := r.clients[provider]
	if !ok {
		return Response{}, ErrUnknownProvider
	}
	return c.GenerateText(ctx, modelID, messages, opts)
}

// EncodeArguments decodes a tool call's raw JSON-like arguments into
// the string-keyed map form spec.md §6.2 describes. Provider adapters
// call this when translating raw JSON tool-input payloads; it does not
// canonicalize keys to a tool's declared schema, since the provider
// layer has no access to the tool registry — that step happens in
// internal/agentloop.dispatchCalls via tools.Canonicalize, once the
// named tool (and its schema) has been resolved.
func EncodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
