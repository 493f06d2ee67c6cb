// Package agentloop implements the ReAct iterator: assemble context,
// guard on rate limits, call the model, classify its response, and
// dispatch tool calls — suspending on a permission-pending tool call
// rather than blocking (spec.md §4.5).
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/treetopdevs/loom/internal/contextwindow"
	"github.com/treetopdevs/loom/internal/llm"
	"github.com/treetopdevs/loom/internal/store"
	"github.com/treetopdevs/loom/internal/telemetry"
	"github.com/treetopdevs/loom/internal/tools"
)

const defaultMaxIterations = 25

// rateLimitWaitCap is the recommended default from spec.md §4.10
// "Timeouts": rate-limit wait cap per attempt.
const rateLimitWaitCap = 5 * time.Second

// RateLimitKind is the three-way outcome a RateLimitFunc returns.
type RateLimitKind string

const (
	RateLimitOK             RateLimitKind = "ok"
	RateLimitWait           RateLimitKind = "wait"
	RateLimitBudgetExceeded RateLimitKind = "budget_exceeded"
)

// RateLimitOutcome is returned by a RateLimitFunc.
type RateLimitOutcome struct {
	Kind  RateLimitKind
	Wait  time.Duration
	Scope string
}

// RateLimitFunc is the rate-limit guard callback (spec.md §4.5 step 2).
type RateLimitFunc func(ctx context.Context, provider string) RateLimitOutcome

// PermissionKind is the three-way outcome a PermissionFunc returns.
type PermissionKind string

const (
	PermissionAllowed PermissionKind = "allowed"
	PermissionPending PermissionKind = "pending"
	PermissionDenied  PermissionKind = "denied"
)

// PermissionOutcome is returned by a PermissionFunc.
type PermissionOutcome struct {
	Kind PermissionKind
	// Data carries the opaque pending payload to surface to the
	// caller on PermissionPending.
	Data any
}

// PermissionFunc is the permission-check callback (spec.md §4.5 step 6b).
type PermissionFunc func(ctx context.Context, toolName, path string) PermissionOutcome

// ToolExecuteFunc, when set, replaces the default Tool.Execute dispatch
// for every allowed tool call (spec.md §4.5 Options "tool-execute
// override").
type ToolExecuteFunc func(ctx context.Context, call store.ToolCall) tools.Outcome

// EventKind names the per-event callback events (spec.md §4.5 Options).
type EventKind string

const (
	EventNewMessage       EventKind = "new_message"
	EventToolExecuting    EventKind = "tool_executing"
	EventToolCallsReceived EventKind = "tool_calls_received"
	EventToolComplete     EventKind = "tool_complete"
	EventUsage            EventKind = "usage"
)

// Event is delivered to the per-event callback.
type Event struct {
	Kind    EventKind
	Message *store.Message
	Call    *store.ToolCall
	Usage   *llm.Usage
}

// EventFunc is the per-event callback (spec.md §4.5 Options).
type EventFunc func(evt Event)

// Options bundles everything one Run/Resume invocation needs beyond
// the message history (spec.md §4.5 "Options").
type Options struct {
	MaxIterations int // default 25
	ProjectPath   string
	TeamID        string
	AgentName     string

	Model        string
	SystemPrompt string
	Tools        *tools.Registry

	ContextOptions contextwindow.Options

	OnEvent       EventFunc
	ExecuteTool   ToolExecuteFunc
	CheckPermission PermissionFunc
	RateLimit     RateLimitFunc

	LLM llm.Client

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

func (o Options) maxIterations() int {
	if o.MaxIterations > 0 {
		return o.MaxIterations
	}
	return defaultMaxIterations
}

func (o Options) emit(evt Event) {
	if o.OnEvent != nil {
		o.OnEvent(evt)
	}
}

// OutcomeKind distinguishes the three terminal shapes Run/Resume can
// return (spec.md §4.5 "Outputs one of").
type OutcomeKind string

const (
	OutcomeDone    OutcomeKind = "done"
	OutcomeError   OutcomeKind = "error"
	OutcomePending OutcomeKind = "pending"
)

// Outcome is the result of Run or Resume.
type Outcome struct {
	Kind OutcomeKind

	// Set when Kind == OutcomeDone.
	Text  string
	Usage llm.Usage

	// Set when Kind == OutcomeError.
	Err error

	// Set when Kind == OutcomePending.
	Handle *Handle

	// Messages is always populated: the accumulated transcript so far.
	Messages []store.Message
}

// Handle is the explicit, serializable suspend state captured when a
// tool call requires interactive permission approval. It is never a
// hidden generator/goroutine (spec.md §9 "Coroutine control flow"):
// every field needed to continue the batch is plain data.
type Handle struct {
	PendingCall     store.ToolCall
	PendingData     any
	RemainingCalls  []store.ToolCall
	Response        store.Message // the assistant message carrying all tool calls for this turn
	Iteration       int
	Messages        []store.Message // transcript as of the suspend point
}

// Run executes AgentLoop iterations starting from history until it
// produces done, error, or pending (spec.md §4.5).
func Run(ctx context.Context, history []store.Message, opts Options) Outcome {
	messages := append([]store.Message(nil), history...)
	return loop(ctx, messages, 0, opts)
}

// Resume continues a suspended loop: it appends a role=tool message
// carrying toolResultText for the pending call, then continues the
// batch from the tool-dispatch step with the handle's remaining calls
// (spec.md §4.5 "Resume").
func Resume(ctx context.Context, toolResultText string, h *Handle, opts Options) Outcome {
	messages := append([]store.Message(nil), h.Messages...)
	toolMsg := store.Message{
		Role:       store.RoleTool,
		Content:    toolResultText,
		ToolCallID: h.PendingCall.ID,
	}
	messages = append(messages, toolMsg)
	opts.emit(Event{Kind: EventNewMessage, Message: &toolMsg})

	outcome, done := dispatchCalls(ctx, messages, h.RemainingCalls, opts)
	if done {
		return outcome
	}
	opts.emit(Event{Kind: EventUsage})
	return loop(ctx, outcome.Messages, h.Iteration+1, opts)
}

func loop(ctx context.Context, messages []store.Message, iteration int, opts Options) Outcome {
	for {
		if iteration >= opts.maxIterations() {
			return Outcome{Kind: OutcomeError, Err: errors.New("agentloop: max iterations exceeded"), Messages: messages}
		}

		// Step 1: assemble.
		built := contextwindow.BuildMessages(ctx, messages, opts.SystemPrompt, opts.ContextOptions)

		// Step 2: rate-limit guard.
		if opts.RateLimit != nil {
			provider, _ := llm.ParseModel(opts.Model, "")
			if out := checkRateLimit(ctx, provider, opts); out != nil {
				out.Messages = messages
				return *out
			}
		}

		// Step 3: LLM call, telemetry-spanned.
		start := time.Now()
		defs := toolDefinitions(opts.Tools)
		spanCtx := ctx
		var span telemetry.Span
		if opts.Tracer != nil {
			spanCtx, span = opts.Tracer.Start(ctx, "agentloop.generate_text")
		}
		resp, err := opts.LLM.GenerateText(spanCtx, opts.Model, toLLMMessages(built.Messages), llm.Options{Tools: defs})
		recordLLMCall(opts, start, resp, err)
		if span != nil {
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
		if err != nil {
			return Outcome{Kind: OutcomeError, Err: fmt.Errorf("agentloop: llm call failed: %w", err), Messages: messages}
		}

		// Step 4: classify.
		class := resp.Classify()

		if class.Kind == llm.StopFinalAnswer {
			assistantMsg := store.Message{Role: store.RoleAssistant, Content: class.Text}
			messages = append(messages, assistantMsg)
			opts.emit(Event{Kind: EventNewMessage, Message: &assistantMsg})
			opts.emit(Event{Kind: EventUsage, Usage: &resp.Usage})
			return Outcome{Kind: OutcomeDone, Text: class.Text, Usage: resp.Usage, Messages: messages}
		}

		// tool_calls branch.
		calls := make([]store.ToolCall, len(class.ToolCalls))
		for i, c := range class.ToolCalls {
			calls[i] = store.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
		}
		assistantMsg := store.Message{Role: store.RoleAssistant, Content: class.Text, ToolCalls: calls}
		messages = append(messages, assistantMsg)
		opts.emit(Event{Kind: EventNewMessage, Message: &assistantMsg})
		opts.emit(Event{Kind: EventToolCallsReceived, Message: &assistantMsg})

		outcome, suspended := dispatchCalls(ctx, messages, calls, opts)
		if suspended {
			outcome.Handle.Response = assistantMsg
			outcome.Handle.Iteration = iteration
			return outcome
		}
		messages = outcome.Messages

		opts.emit(Event{Kind: EventUsage, Usage: &resp.Usage})
		iteration++
	}
}

func checkRateLimit(ctx context.Context, provider string, opts Options) *Outcome {
	out := opts.RateLimit(ctx, provider)
	switch out.Kind {
	case RateLimitOK:
		return nil
	case RateLimitBudgetExceeded:
		err := fmt.Errorf("agentloop: Budget exceeded (%s)", out.Scope)
		return &Outcome{Kind: OutcomeError, Err: err}
	case RateLimitWait:
		wait := out.Wait
		if wait > rateLimitWaitCap {
			wait = rateLimitWaitCap
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return &Outcome{Kind: OutcomeError, Err: ctx.Err()}
		}
		retry := opts.RateLimit(ctx, provider)
		if retry.Kind == RateLimitOK {
			return nil
		}
		if retry.Kind == RateLimitBudgetExceeded {
			err := fmt.Errorf("agentloop: Budget exceeded (%s)", retry.Scope)
			return &Outcome{Kind: OutcomeError, Err: err}
		}
		return &Outcome{Kind: OutcomeError, Err: errors.New("agentloop: rate limited")}
	default:
		return &Outcome{Kind: OutcomeError, Err: errors.New("agentloop: unknown rate limit outcome")}
	}
}

// dispatchCalls runs calls[0:] through the tool-dispatch steps (§4.5
// step 6), appending role=tool messages to messages as it goes. It
// returns (outcome, true) if a call suspends on permission-pending;
// otherwise it returns (outcome-with-final-messages, false).
func dispatchCalls(ctx context.Context, messages []store.Message, calls []store.ToolCall, opts Options) (Outcome, bool) {
	for i, call := range calls {
		t, ok := opts.Tools.Lookup(call.Name)
		if !ok {
			msg := store.Message{
				Role:       store.RoleTool,
				Content:    fmt.Sprintf("Error: Tool '%s' not found", call.Name),
				ToolCallID: call.ID,
			}
			messages = append(messages, msg)
			opts.emit(Event{Kind: EventNewMessage, Message: &msg})
			continue
		}

		def := t.Definition()
		call.Arguments = tools.Canonicalize(def, call.Arguments)
		if err := tools.Validate(def, call.Arguments); err != nil {
			msg := store.Message{
				Role:       store.RoleTool,
				Content:    fmt.Sprintf("Error: invalid arguments for tool '%s': %s", call.Name, err),
				ToolCallID: call.ID,
			}
			messages = append(messages, msg)
			opts.emit(Event{Kind: EventNewMessage, Message: &msg})
			continue
		}

		path := derivePath(call.Arguments)
		var perm PermissionOutcome
		if opts.CheckPermission != nil {
			perm = opts.CheckPermission(ctx, call.Name, path)
		} else {
			perm = PermissionOutcome{Kind: PermissionAllowed}
		}

		switch perm.Kind {
		case PermissionPending:
			return Outcome{
				Kind: OutcomePending,
				Handle: &Handle{
					PendingCall:    call,
					PendingData:    perm.Data,
					RemainingCalls: append([]store.ToolCall(nil), calls[i+1:]...),
					Messages:       append([]store.Message(nil), messages...),
				},
				Messages: messages,
			}, true
		case PermissionDenied:
			msg := store.Message{
				Role:       store.RoleTool,
				Content:    fmt.Sprintf("Error: permission denied for tool '%s'", call.Name),
				ToolCallID: call.ID,
			}
			messages = append(messages, msg)
			opts.emit(Event{Kind: EventNewMessage, Message: &msg})
			continue
		}

		opts.emit(Event{Kind: EventToolExecuting, Call: &call})
		var result tools.Outcome
		if opts.ExecuteTool != nil {
			result = opts.ExecuteTool(ctx, call)
		} else {
			result = t.Execute(ctx, call.Arguments)
		}
		text := tools.Format(result)
		msg := store.Message{Role: store.RoleTool, Content: text, ToolCallID: call.ID}
		messages = append(messages, msg)
		opts.emit(Event{Kind: EventToolComplete, Call: &call})
		opts.emit(Event{Kind: EventNewMessage, Message: &msg})
	}
	return Outcome{Kind: OutcomeDone, Messages: messages}, false
}

func derivePath(params map[string]any) string {
	if v, ok := params["file_path"].(string); ok && v != "" {
		return v
	}
	if v, ok := params["path"].(string); ok && v != "" {
		return v
	}
	return "*"
}

func toolDefinitions(reg *tools.Registry) []llm.ToolDefinition {
	if reg == nil {
		return nil
	}
	defs := reg.Definitions()
	out := make([]llm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

func toLLMMessages(msgs []store.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		calls := make([]llm.ToolCall, len(m.ToolCalls))
		for j, c := range m.ToolCalls {
			calls[j] = llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
		}
		out[i] = llm.Message{
			Role:       llm.Role(m.Role),
			Content:    m.Content,
			ToolCalls:  calls,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}

func recordLLMCall(opts Options, start time.Time, resp llm.Response, err error) {
	if opts.Metrics == nil {
		return
	}
	opts.Metrics.RecordTimer("agentloop_llm_call_duration_ms", time.Since(start), "model", opts.Model)
	if err == nil {
		opts.Metrics.RecordGauge("agentloop_llm_input_tokens", float64(resp.Usage.InputTokens), "model", opts.Model)
		opts.Metrics.RecordGauge("agentloop_llm_output_tokens", float64(resp.Usage.OutputTokens), "model", opts.Model)
	}
}
