// Package session implements the solo (team-of-one) orchestrator:
// interactive permission gating around AgentLoop, and architect mode's
// two-phase plan/execute workflow (spec.md §4.11).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/treetopdevs/loom/internal/agentloop"
	"github.com/treetopdevs/loom/internal/bus"
	"github.com/treetopdevs/loom/internal/contextwindow"
	"github.com/treetopdevs/loom/internal/llm"
	"github.com/treetopdevs/loom/internal/permissions"
	"github.com/treetopdevs/loom/internal/store"
	"github.com/treetopdevs/loom/internal/telemetry"
	"github.com/treetopdevs/loom/internal/tools"
)

// PermissionRequestEvent is broadcast on the session's topic when
// AgentLoop suspends on a tool requiring interactive approval (spec.md
// §4.11 "broadcast permission_request").
type PermissionRequestEvent struct {
	RequestID string
	ToolName  string
	Path      string
}

// Action is the caller's response to a PermissionRequestEvent.
type Action string

const (
	ActionAllowOnce   Action = "allow_once"
	ActionAllowAlways Action = "allow_always"
	ActionDeny        Action = "deny"
)

// pending is the explicit, serializable suspend state bound to one
// outstanding permission request.
type pending struct {
	handle *agentloop.Handle
}

// Options configures a new Session (spec.md §4.11).
type Options struct {
	ID          string // session id, also used as the permission-grant scope
	ProjectPath string

	Model        string
	SystemPrompt string
	Tools        *tools.Registry

	ContextOptions contextwindow.Options

	Store       store.Store
	Permissions *permissions.Checker
	Bus         bus.Bus
	LLM         llm.Client

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Session is the solo orchestrator (spec.md §4.11).
type Session struct {
	opts Options

	mu       sync.Mutex
	messages []store.Message
	pendings map[string]*pending
}

// New constructs a Session, loading any prior transcript from the
// store if opts.Store is set.
func New(ctx context.Context, opts Options) (*Session, error) {
	s := &Session{opts: opts, pendings: make(map[string]*pending)}
	if opts.Store != nil {
		msgs, err := opts.Store.ListMessages(ctx, opts.ID)
		if err == nil {
			s.messages = msgs
		}
	}
	return s, nil
}

// topic returns the bus topic permission_request events are broadcast
// on for this session.
func (s *Session) topic() string { return "session:" + s.opts.ID }

// Messages returns a copy of the accumulated transcript.
func (s *Session) Messages() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Message(nil), s.messages...)
}

// Outcome is returned by SendMessage: either the final text, or a
// request id the caller must resolve via PermissionResponse before the
// turn can complete.
type Outcome struct {
	Done      bool
	Text      string
	RequestID string // set when Done is false
}

// SendMessage persists the user message and runs one AgentLoop turn,
// suspending on the first tool call requiring interactive approval
// rather than blocking (spec.md §4.11 "On send-message").
func (s *Session) SendMessage(ctx context.Context, content string) (Outcome, error) {
	userMsg := store.Message{Role: store.RoleUser, Content: content, SessionID: s.opts.ID}
	if s.opts.Store != nil {
		var err error
		userMsg, err = s.opts.Store.AppendMessage(ctx, userMsg)
		if err != nil {
			return Outcome{}, fmt.Errorf("session: persist user message: %w", err)
		}
	}

	s.mu.Lock()
	s.messages = append(s.messages, userMsg)
	history := append([]store.Message(nil), s.messages...)
	s.mu.Unlock()

	out := agentloop.Run(ctx, history, s.loopOptions(s.opts.Model))
	return s.handleLoopOutcome(ctx, out)
}

func (s *Session) loopOptions(model string) agentloop.Options {
	return agentloop.Options{
		ProjectPath:    s.opts.ProjectPath,
		Model:          model,
		SystemPrompt:   s.opts.SystemPrompt,
		Tools:          s.opts.Tools,
		ContextOptions: s.opts.ContextOptions,
		CheckPermission: func(ctx context.Context, toolName, path string) agentloop.PermissionOutcome {
			if s.opts.Permissions == nil {
				return agentloop.PermissionOutcome{Kind: agentloop.PermissionAllowed}
			}
			decision, err := s.opts.Permissions.Check(ctx, s.opts.ID, toolName, path)
			if err != nil {
				return agentloop.PermissionOutcome{Kind: agentloop.PermissionPending}
			}
			switch decision {
			case permissions.Allowed:
				return agentloop.PermissionOutcome{Kind: agentloop.PermissionAllowed}
			case permissions.Denied:
				return agentloop.PermissionOutcome{Kind: agentloop.PermissionDenied}
			default:
				return agentloop.PermissionOutcome{Kind: agentloop.PermissionPending}
			}
		},
		LLM:     s.opts.LLM,
		Logger:  s.opts.Logger,
		Metrics: s.opts.Metrics,
		Tracer:  s.opts.Tracer,
	}
}

func (s *Session) handleLoopOutcome(ctx context.Context, out agentloop.Outcome) (Outcome, error) {
	switch out.Kind {
	case agentloop.OutcomeDone:
		s.mu.Lock()
		s.messages = out.Messages
		s.mu.Unlock()
		return Outcome{Done: true, Text: out.Text}, nil

	case agentloop.OutcomePending:
		reqID := uuid.NewString()
		s.mu.Lock()
		s.pendings[reqID] = &pending{handle: out.Handle}
		s.mu.Unlock()
		if s.opts.Bus != nil {
			s.opts.Bus.Publish(ctx, s.topic(), PermissionRequestEvent{
				RequestID: reqID,
				ToolName:  out.Handle.PendingCall.Name,
				Path:      permissions.DerivePath(out.Handle.PendingCall.Arguments),
			})
		}
		return Outcome{Done: false, RequestID: reqID}, nil

	default:
		return Outcome{}, out.Err
	}
}

// PermissionResponse resolves a pending PermissionRequestEvent:
// allow_once and allow_always both execute the pending tool call and
// resume the suspended batch; allow_always additionally inserts a
// standing Permission grant; deny formulates a denial tool reply and
// resumes without executing the tool (spec.md §4.11 "On receiving
// permission_response").
func (s *Session) PermissionResponse(ctx context.Context, requestID string, action Action, pattern string) (Outcome, error) {
	s.mu.Lock()
	p, ok := s.pendings[requestID]
	if ok {
		delete(s.pendings, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("session: unknown permission request %q", requestID)
	}

	if action == ActionDeny {
		out := agentloop.Resume(ctx, fmt.Sprintf("Error: permission denied for tool '%s'", p.handle.PendingCall.Name), p.handle, s.loopOptions(s.opts.Model))
		return s.handleLoopOutcome(ctx, out)
	}

	if action == ActionAllowAlways && s.opts.Permissions != nil {
		scope := pattern
		if scope == "" {
			scope = "*"
		}
		if err := s.opts.Permissions.Grant(ctx, s.opts.ID, p.handle.PendingCall.Name, scope); err != nil {
			return Outcome{}, fmt.Errorf("session: grant permission: %w", err)
		}
	}

	t, ok := s.opts.Tools.Lookup(p.handle.PendingCall.Name)
	var resultText string
	if !ok {
		resultText = fmt.Sprintf("Error: Tool '%s' not found", p.handle.PendingCall.Name)
	} else {
		resultText = tools.Format(t.Execute(ctx, p.handle.PendingCall.Arguments))
	}

	out := agentloop.Resume(ctx, resultText, p.handle, s.loopOptions(s.opts.Model))
	return s.handleLoopOutcome(ctx, out)
}

// PlanItem is one step of an architect-mode plan (spec.md §4.11
// "strong model plans as structured JSON").
type PlanItem struct {
	File        string `json:"file"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Details     string `json:"details"`
}

// ItemResult is the outcome of executing one PlanItem in the editor
// phase.
type ItemResult struct {
	Item PlanItem
	Text string
	Err  error
}

// ArchitectResult bundles the plan and every item's execution result.
type ArchitectResult struct {
	Plan    []PlanItem
	Results []ItemResult
}

// RunArchitect runs the two-phase architect workflow: a strong model
// produces a structured JSON plan, then a fast model executes it item
// by item. The two phases are independent, sequential AgentLoop
// invocations — failures or escalations in one do not carry into the
// other (spec.md §4.11 "Both phases run as separate sequential
// AgentLoop invocations").
func (s *Session) RunArchitect(ctx context.Context, goal, plannerModel, executorModel string) (ArchitectResult, error) {
	plan, err := s.plan(ctx, goal, plannerModel)
	if err != nil {
		return ArchitectResult{}, err
	}

	results := make([]ItemResult, 0, len(plan))
	for _, item := range plan {
		text, err := s.executeItem(ctx, item, executorModel)
		results = append(results, ItemResult{Item: item, Text: text, Err: err})
	}
	return ArchitectResult{Plan: plan, Results: results}, nil
}

const architectPlannerPrompt = "You are a software architect. Respond with ONLY a JSON array of plan " +
	"items, each shaped as {\"file\": ..., \"action\": ..., \"description\": ..., \"details\": ...}. " +
	"No prose before or after the array."

func (s *Session) plan(ctx context.Context, goal, plannerModel string) ([]PlanItem, error) {
	opts := s.loopOptions(plannerModel)
	opts.SystemPrompt = architectPlannerPrompt
	out := agentloop.Run(ctx, []store.Message{{Role: store.RoleUser, Content: goal}}, opts)
	if out.Kind != agentloop.OutcomeDone {
		if out.Kind == agentloop.OutcomeError {
			return nil, fmt.Errorf("session: architect planning failed: %w", out.Err)
		}
		return nil, fmt.Errorf("session: architect planning requires a tool permission, which architect mode does not support")
	}

	var plan []PlanItem
	if err := json.Unmarshal([]byte(out.Text), &plan); err != nil {
		return nil, fmt.Errorf("session: architect plan was not valid JSON: %w", err)
	}
	return plan, nil
}

func (s *Session) executeItem(ctx context.Context, item PlanItem, executorModel string) (string, error) {
	opts := s.loopOptions(executorModel)
	opts.SystemPrompt = s.opts.SystemPrompt
	prompt := fmt.Sprintf("Execute plan item for %s (%s): %s\n%s", item.File, item.Action, item.Description, item.Details)
	out := agentloop.Run(ctx, []store.Message{{Role: store.RoleUser, Content: prompt}}, opts)
	switch out.Kind {
	case agentloop.OutcomeDone:
		return out.Text, nil
	case agentloop.OutcomeError:
		return "", out.Err
	default:
		return "", fmt.Errorf("session: plan item for %s requires interactive permission approval, unsupported in architect batch execution", item.File)
	}
}
