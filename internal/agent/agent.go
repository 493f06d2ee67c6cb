// Package agent implements the long-lived team-agent worker: bus
// subscriptions, the send-message handler that drives one AgentLoop
// turn, failure-triggered escalation, and keeper-index injection into
// the system prompt (spec.md §4.10).
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/treetopdevs/loom/internal/agentloop"
	"github.com/treetopdevs/loom/internal/bus"
	"github.com/treetopdevs/loom/internal/contextwindow"
	"github.com/treetopdevs/loom/internal/costtracker"
	"github.com/treetopdevs/loom/internal/decisiongraph"
	"github.com/treetopdevs/loom/internal/llm"
	"github.com/treetopdevs/loom/internal/modelrouter"
	"github.com/treetopdevs/loom/internal/queryrouter"
	"github.com/treetopdevs/loom/internal/ratelimit"
	"github.com/treetopdevs/loom/internal/registry"
	"github.com/treetopdevs/loom/internal/store"
	"github.com/treetopdevs/loom/internal/taskmanager"
	"github.com/treetopdevs/loom/internal/telemetry"
	"github.com/treetopdevs/loom/internal/tools"
)

// Status enumerates the agent's lifecycle states (spec.md §4.10 "State").
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusBlocked Status = "blocked"
	StatusError   Status = "error"
)

const keeperIndexToken = "{keeper_index}"

// escalationFailureThreshold caps the agent's local failure count
// (incremented on every loop error, reset on success): once the count
// exceeds it no escalation is attempted, so only the first failure
// since the last success can escalate (spec.md §4.10 step 5: "local
// failure_count < 1").
const escalationFailureThreshold = 1

// RoleConfig is the tool set, system prompt, and iteration budget that
// a role binds an agent to (spec.md §4.10 "role_config").
type RoleConfig struct {
	Tools         []string
	SystemPrompt  string
	MaxIterations int
}

// RoleProvider resolves a role name to its configuration, typically
// backed by loaded TOML config (internal/config).
type RoleProvider func(role string) (RoleConfig, error)

// AgentStatusEvent is broadcast on the team topic whenever status
// changes (spec.md §4.10 step 1 and step 7).
type AgentStatusEvent struct {
	AgentName string
	Status    Status
}

// RoleChangedEvent is broadcast after a successful change_role call.
type RoleChangedEvent struct {
	AgentName string
	OldRole   string
	NewRole   string
}

// KeeperCreatedEvent announces a newly registered ContextKeeper.
type KeeperCreatedEvent struct {
	ID     string
	Topic  string
	Source string
}

// Options configures a new Agent (spec.md §4.10).
type Options struct {
	TeamID string
	Name   string
	Role   string

	RoleProvider RoleProvider
	ProjectPath  string

	Tools *tools.Registry

	Bus       bus.Bus
	Registry  *registry.Registry
	LLM       llm.Client
	Models    *modelrouter.Router
	Costs     *costtracker.Tracker
	Budget    *ratelimit.Budget
	Decisions *decisiongraph.Graph
	Tasks     *taskmanager.Manager

	ContextOptions contextwindow.Options

	EscalationEnabled bool

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Agent is the long-lived team-agent worker (spec.md §4.10).
type Agent struct {
	teamID string
	name   string

	opts Options

	mu             sync.Mutex
	role           string
	roleConfig     RoleConfig
	status         Status
	model          string
	projectPath    string
	messages       []store.Message
	currentTask    *store.Task
	peerContext    map[string]any
	costUSD        float64
	tokens         int64
	localFailures  int

	subs []bus.Subscription
}

// New constructs an Agent, loads its initial role configuration,
// subscribes to its team and per-agent topics, and registers itself
// in the Registry.
func New(ctx context.Context, opts Options) (*Agent, error) {
	if opts.RoleProvider == nil {
		return nil, fmt.Errorf("agent: RoleProvider is required")
	}
	cfg, err := opts.RoleProvider(opts.Role)
	if err != nil {
		return nil, fmt.Errorf("agent: load role %q: %w", opts.Role, err)
	}

	a := &Agent{
		teamID:      opts.TeamID,
		name:        opts.Name,
		opts:        opts,
		role:        opts.Role,
		roleConfig:  cfg,
		status:      StatusIdle,
		projectPath: opts.ProjectPath,
		peerContext: make(map[string]any),
	}
	if opts.Models != nil {
		a.model = opts.Models.Select(opts.Role, "")
	}

	if opts.Bus != nil {
		a.subs = append(a.subs,
			opts.Bus.Subscribe(bus.TeamTopic(opts.TeamID), a.handleEvent),
			opts.Bus.Subscribe(bus.AgentTopic(opts.TeamID, opts.Name), a.handleEvent),
			opts.Bus.Subscribe(bus.TasksTopic(opts.TeamID), a.handleEvent),
		)
	}
	if opts.Registry != nil {
		opts.Registry.Register(ctx, opts.TeamID, opts.Name, a, registry.Metadata{
			"type":   "agent",
			"role":   a.role,
			"status": string(a.status),
			"model":  a.model,
		})
	}
	return a, nil
}

// Stop implements registry.Worker: it unsubscribes every bus topic.
func (a *Agent) Stop(ctx context.Context) {
	for _, s := range a.subs {
		s.Close()
	}
}

// Status returns the agent's current status.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Messages returns a copy of the agent's accumulated transcript.
func (a *Agent) Messages() []store.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]store.Message(nil), a.messages...)
}

func (a *Agent) setStatus(ctx context.Context, s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
	if a.opts.Registry != nil {
		_ = a.opts.Registry.UpdateMetadata(a.teamID, a.name, registry.Metadata{"status": string(s)})
	}
	if a.opts.Bus != nil {
		a.opts.Bus.Publish(ctx, bus.TeamTopic(a.teamID), AgentStatusEvent{AgentName: a.name, Status: s})
	}
}

// handleEvent dispatches one bus event to the appropriate handler
// (spec.md §4.10 "Events received via the bus").
func (a *Agent) handleEvent(ctx context.Context, evt bus.Event) {
	switch payload := evt.Payload.(type) {
	case ContextUpdateEvent:
		a.onContextUpdate(payload)
	case PeerMessageEvent:
		a.onPeerMessage(payload)
	case taskmanager.TaskAssignedEvent:
		a.onTaskAssigned(ctx, payload)
	case queryrouter.QueryEvent:
		a.onQuery(payload)
	case queryrouter.QueryAnswerEvent:
		a.onQueryAnswer(payload)
	case KeeperCreatedEvent:
		a.onKeeperCreated(payload)
	case RoleChangeRequestEvent:
		a.onRoleChangeRequest(ctx, payload)
	case RoleChangedEvent:
		a.logEvent(ctx, payload)
	}
}

// ContextUpdateEvent carries opaque peer-context state (spec.md §4.10
// "context_update").
type ContextUpdateEvent struct {
	From    string
	Payload any
}

// PeerMessageEvent is a direct message from another agent (spec.md
// §4.10 "peer_message").
type PeerMessageEvent struct {
	From    string
	Content string
}

// RoleChangeRequestEvent asks the named agent to change its own role
// (spec.md §6.3 "peer_change_role" routes through the bus rather than
// calling ChangeRole directly, since the requester may be a different
// agent than the target).
type RoleChangeRequestEvent struct {
	AgentName string
	NewRole   string
}

func (a *Agent) onRoleChangeRequest(ctx context.Context, e RoleChangeRequestEvent) {
	if e.AgentName != a.name {
		return
	}
	if err := a.ChangeRole(ctx, e.NewRole, ChangeRoleOptions{}); err != nil {
		a.logEvent(ctx, err)
	}
}

func (a *Agent) onContextUpdate(e ContextUpdateEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peerContext[e.From] = e.Payload
}

func (a *Agent) onPeerMessage(e PeerMessageEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, store.Message{
		Role:    store.RoleUser,
		Content: fmt.Sprintf("[Peer %s]: %s", e.From, e.Content),
	})
}

func (a *Agent) onTaskAssigned(ctx context.Context, e taskmanager.TaskAssignedEvent) {
	if e.AgentName != a.name {
		return
	}
	if a.opts.Tasks == nil {
		return
	}
	task, err := a.opts.Tasks.GetTask(ctx, e.TaskID)
	if err != nil {
		if a.opts.Logger != nil {
			a.opts.Logger.Warn(ctx, "agent: failed to load assigned task", "task_id", e.TaskID, "err", err)
		}
		return
	}

	a.mu.Lock()
	a.currentTask = &task
	a.mu.Unlock()

	if a.opts.Models != nil {
		model := a.opts.Models.Select(a.role, task.ModelHint)
		a.mu.Lock()
		a.model = model
		a.mu.Unlock()
	}

	sysMsg := store.Message{
		Role:    store.RoleSystem,
		Content: fmt.Sprintf("Assigned task %q: %s", task.Title, task.Description),
	}
	a.mu.Lock()
	a.messages = append(a.messages, sysMsg)
	a.mu.Unlock()
}

func (a *Agent) onQuery(e queryrouter.QueryEvent) {
	if e.From == a.name {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Peer question from %s (query_id=%s): %s", e.From, e.QueryID, e.Question)
	if len(e.Enrichments) > 0 {
		fmt.Fprintf(&b, "\nEnrichments so far: %s", strings.Join(e.Enrichments, "; "))
	}
	b.WriteString("\nAnswer using peer_answer_question or forward using peer_forward_question, citing this query_id.")

	a.mu.Lock()
	a.messages = append(a.messages, store.Message{Role: store.RoleUser, Content: b.String()})
	a.mu.Unlock()
}

func (a *Agent) onQueryAnswer(e queryrouter.QueryAnswerEvent) {
	a.mu.Lock()
	a.messages = append(a.messages, store.Message{
		Role:    store.RoleUser,
		Content: fmt.Sprintf("Answer to query %s from %s: %s", e.QueryID, e.From, e.Answer),
	})
	a.mu.Unlock()
}

func (a *Agent) onKeeperCreated(e KeeperCreatedEvent) {
	if e.Source == a.name {
		return
	}
	a.mu.Lock()
	a.messages = append(a.messages, store.Message{
		Role:    store.RoleSystem,
		Content: fmt.Sprintf("New context keeper %s registered for topic %q by %s.", e.ID, e.Topic, e.Source),
	})
	a.mu.Unlock()
}

func (a *Agent) logEvent(ctx context.Context, payload any) {
	if a.opts.Logger != nil {
		a.opts.Logger.Debug(ctx, "agent: role-change event observed", "agent", a.name, "payload", payload)
	}
}

// ErrPermissionNotSupported is returned by SendMessage when AgentLoop
// suspends on a pending permission: team agents auto-approve, so a
// pending outcome here is a configuration error (spec.md §4.10 step
// 6 — only Session supports interactive approval).
var ErrPermissionNotSupported = fmt.Errorf("agent: permission_not_supported")

// SendMessage is the agent's synchronous send-message handler (spec.md
// §4.10 "Send-message handler").
func (a *Agent) SendMessage(ctx context.Context, content string) (string, error) {
	a.setStatus(ctx, StatusWorking)
	defer a.setStatus(ctx, StatusIdle)

	a.mu.Lock()
	a.messages = append(a.messages, store.Message{Role: store.RoleUser, Content: content})
	model := a.model
	history := append([]store.Message(nil), a.messages...)
	a.mu.Unlock()

	out := a.runLoop(ctx, history, model)

	switch out.Kind {
	case agentloop.OutcomeDone:
		a.onLoopDone(ctx, out)
		return out.Text, nil

	case agentloop.OutcomePending:
		// Team agents auto-approve; a pending suspension here means the
		// role's tools require interactive gating, which this worker
		// cannot provide (spec.md §4.10 step 6).
		a.mu.Lock()
		a.messages = out.Messages
		a.mu.Unlock()
		return "", ErrPermissionNotSupported

	default: // OutcomeError
		return a.onLoopError(ctx, out, history, model)
	}
}

func (a *Agent) runLoop(ctx context.Context, history []store.Message, model string) agentloop.Outcome {
	return agentloop.Run(ctx, history, a.loopOptions(model))
}

func (a *Agent) loopOptions(model string) agentloop.Options {
	a.mu.Lock()
	roleCfg := a.roleConfig
	projectPath := a.projectPath
	a.mu.Unlock()

	systemPrompt := a.injectKeeperIndex(roleCfg.SystemPrompt)

	return agentloop.Options{
		MaxIterations: roleCfg.MaxIterations,
		ProjectPath:   projectPath,
		TeamID:        a.teamID,
		AgentName:     a.name,
		Model:         model,
		SystemPrompt:  systemPrompt,
		Tools:         a.opts.Tools,
		ContextOptions: a.opts.ContextOptions,
		OnEvent:       a.onAgentLoopEvent,
		CheckPermission: func(ctx context.Context, toolName, path string) agentloop.PermissionOutcome {
			return agentloop.PermissionOutcome{Kind: agentloop.PermissionAllowed}
		},
		RateLimit: a.rateLimitFunc(),
		LLM:       a.opts.LLM,
		Logger:    a.opts.Logger,
		Metrics:   a.opts.Metrics,
		Tracer:    a.opts.Tracer,
	}
}

func (a *Agent) rateLimitFunc() agentloop.RateLimitFunc {
	if a.opts.Budget == nil {
		return nil
	}
	return func(ctx context.Context, provider string) agentloop.RateLimitOutcome {
		out := a.opts.Budget.AcquireOrBudget(a.teamID, provider, 1)
		switch out.Kind {
		case ratelimit.Ok:
			return agentloop.RateLimitOutcome{Kind: agentloop.RateLimitOK}
		case ratelimit.BudgetExceeded:
			return agentloop.RateLimitOutcome{Kind: agentloop.RateLimitBudgetExceeded, Scope: out.Scope}
		default:
			return agentloop.RateLimitOutcome{Kind: agentloop.RateLimitWait, Wait: out.Wait}
		}
	}
}

// onAgentLoopEvent rebroadcasts tool lifecycle events to the team
// topic and records usage as it arrives (spec.md §4.10 step 3
// "per-event callback that rebroadcasts tool events and records
// usage").
func (a *Agent) onAgentLoopEvent(evt agentloop.Event) {
	ctx := context.Background()
	switch evt.Kind {
	case agentloop.EventToolExecuting, agentloop.EventToolCallsReceived, agentloop.EventToolComplete:
		if a.opts.Bus != nil {
			a.opts.Bus.Publish(ctx, bus.TeamTopic(a.teamID), evt)
		}
	case agentloop.EventUsage:
		if evt.Usage == nil || a.opts.Costs == nil {
			return
		}
		a.mu.Lock()
		a.costUSD += evt.Usage.TotalCostUSD
		a.tokens += int64(evt.Usage.InputTokens + evt.Usage.OutputTokens)
		taskID := ""
		if a.currentTask != nil {
			taskID = a.currentTask.ID
		}
		model := a.model
		a.mu.Unlock()
		a.opts.Costs.RecordUsage(a.teamID, a.name, int64(evt.Usage.InputTokens), int64(evt.Usage.OutputTokens), evt.Usage.TotalCostUSD, model, taskID)
	}
}

func (a *Agent) onLoopDone(ctx context.Context, out agentloop.Outcome) {
	a.mu.Lock()
	a.messages = out.Messages
	a.localFailures = 0
	task := a.currentTask
	a.mu.Unlock()

	if a.opts.Models != nil && task != nil {
		a.opts.Models.RecordSuccess(a.teamID, a.name, task.ID)
	}
}

// onLoopError implements the escalation-on-error policy: at most one
// escalation attempt per send-message call (spec.md §4.10 step 5).
func (a *Agent) onLoopError(ctx context.Context, out agentloop.Outcome, history []store.Message, model string) (string, error) {
	a.mu.Lock()
	a.messages = history
	task := a.currentTask
	a.localFailures++
	locallyFailed := a.localFailures
	a.mu.Unlock()

	taskID := ""
	if task != nil {
		taskID = task.ID
	}
	if a.opts.Models != nil {
		a.opts.Models.RecordFailure(a.teamID, a.name, taskID)
	}

	if !a.opts.EscalationEnabled || a.opts.Models == nil || locallyFailed > escalationFailureThreshold {
		a.setStatus(ctx, StatusError)
		return "", out.Err
	}
	if !a.opts.Models.ShouldEscalate(a.teamID, a.name, taskID, 0) {
		a.setStatus(ctx, StatusError)
		return "", out.Err
	}

	result := a.opts.Models.Escalate(ctx, a.teamID, a.name, taskID, model)
	if result.Kind != modelrouter.Escalated {
		a.setStatus(ctx, StatusError)
		return "", out.Err
	}

	retryOut := a.runLoop(ctx, history, result.NextModel)
	if retryOut.Kind != agentloop.OutcomeDone {
		a.setStatus(ctx, StatusError)
		return "", fmt.Errorf("agent: escalated retry on %s failed: %w", result.NextModel, retryOut.Err)
	}

	a.mu.Lock()
	a.model = result.NextModel
	a.localFailures = 0
	a.mu.Unlock()
	a.onLoopDone(ctx, retryOut)
	return retryOut.Text, nil
}

// ChangeRoleOptions configures a change_role call.
type ChangeRoleOptions struct {
	RequireApproval bool
}

// ChangeRole reloads the role config, updates Registry metadata, logs
// an observation node to the DecisionGraph, and broadcasts
// role_changed (spec.md §4.10 "Role change").
func (a *Agent) ChangeRole(ctx context.Context, newRole string, opts ChangeRoleOptions) error {
	cfg, err := a.opts.RoleProvider(newRole)
	if err != nil {
		return fmt.Errorf("agent: load role %q: %w", newRole, err)
	}

	a.mu.Lock()
	oldRole := a.role
	a.role = newRole
	a.roleConfig = cfg
	a.mu.Unlock()

	if a.opts.Registry != nil {
		_ = a.opts.Registry.UpdateMetadata(a.teamID, a.name, registry.Metadata{"role": newRole})
	}
	if a.opts.Decisions != nil {
		_, err := a.opts.Decisions.AddNode(ctx, decisiongraph.NodeInput{
			ChangeID:    uuid.NewString(),
			NodeType:    store.NodeObservation,
			Title:       fmt.Sprintf("Role change: %s %s -> %s", a.name, oldRole, newRole),
			AgentName:   a.name,
		})
		if err != nil && a.opts.Logger != nil {
			a.opts.Logger.Warn(ctx, "agent: failed to record role-change observation", "err", err)
		}
	}
	if a.opts.Bus != nil {
		a.opts.Bus.Publish(ctx, bus.TeamTopic(a.teamID), RoleChangedEvent{AgentName: a.name, OldRole: oldRole, NewRole: newRole})
	}
	return nil
}

// injectKeeperIndex substitutes the {keeper_index} token in prompt
// with the enumerated keeper lines, or appends them under a fixed
// heading when the token is absent (spec.md §4.10 "System-prompt
// keeper-index injection").
func (a *Agent) injectKeeperIndex(prompt string) string {
	if a.opts.Registry == nil {
		return prompt
	}
	lines := a.keeperIndexLines()
	block := strings.Join(lines, "\n")

	if strings.Contains(prompt, keeperIndexToken) {
		return strings.ReplaceAll(prompt, keeperIndexToken, block)
	}
	if block == "" {
		return prompt
	}
	return prompt + "\n\nAvailable context keepers:\n" + block
}

func (a *Agent) keeperIndexLines() []string {
	entries := a.opts.Registry.Select(a.teamID, func(e registry.Entry) bool {
		return e.Metadata["type"] == "keeper"
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		id := strings.TrimPrefix(e.Name, "keeper:")
		topic, _ := e.Metadata["topic"].(string)
		tokens := e.Metadata["tokens"]
		lines = append(lines, fmt.Sprintf("- [%s] %q by %s (%v tokens)", id, topic, a.keeperSource(e), tokens))
	}
	return lines
}

func (a *Agent) keeperSource(e registry.Entry) string {
	if s, ok := e.Metadata["source"].(string); ok {
		return s
	}
	return "unknown"
}
