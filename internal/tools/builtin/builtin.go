// Package builtin wires the core-owned tool catalog — context
// offload/retrieve, decision log/query, peer question routing and
// messaging, and team spawn/assign/progress — to the components that
// actually implement them (spec.md §4.3, §6.2, §6.3). File, shell,
// git, lsp, and search tools are out of scope (spec.md §1 non-goals);
// this package only covers the names the core itself guarantees.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/treetopdevs/loom/internal/agent"
	"github.com/treetopdevs/loom/internal/bus"
	"github.com/treetopdevs/loom/internal/contextkeeper"
	"github.com/treetopdevs/loom/internal/decisiongraph"
	"github.com/treetopdevs/loom/internal/llm"
	"github.com/treetopdevs/loom/internal/queryrouter"
	"github.com/treetopdevs/loom/internal/registry"
	"github.com/treetopdevs/loom/internal/store"
	"github.com/treetopdevs/loom/internal/taskmanager"
	"github.com/treetopdevs/loom/internal/teammanager"
	"github.com/treetopdevs/loom/internal/tools"
)

// Options binds the catalog to one agent's identity and the shared
// team components it may reach.
type Options struct {
	TeamID      string
	AgentName   string
	ProjectPath string

	Bus       bus.Bus
	Registry  *registry.Registry
	Store     store.Store
	LLM       llm.Client
	Decisions *decisiongraph.Graph
	Queries   *queryrouter.Router
	Tasks     *taskmanager.Manager
	Teams     *teammanager.Manager

	// SmartRetrieveModel is the model context_retrieve uses for its
	// smart_retrieve LLM call, typically the project's weak/cheap
	// model tier (spec.md §4.12 "smart_retrieve(question)").
	SmartRetrieveModel string

	// Messages returns the calling agent's current in-flight message
	// history, the snapshot context_offload splits from (spec.md §4.3
	// "only for the offload tool — a snapshot of the agent's current
	// message history").
	Messages func() []store.Message

	// BaseAgentOptions is the template team_spawn clones before
	// overriding Name and Role.
	BaseAgentOptions agent.Options

	KeeperDebounce time.Duration
}

type keeperRef struct {
	keeper *contextkeeper.Keeper
	teamID string
}

// Catalog holds the process-local state the tool catalog needs beyond
// what each call's params carry: the keepers this agent has spawned
// via context_offload, kept by ID so context_retrieve can address them
// directly (the registry only tracks keepers as opaque Stop()-able
// workers, per spec.md §4.12, so retrieval needs its own typed index).
type Catalog struct {
	opts Options

	mu      sync.Mutex
	keepers map[string]*keeperRef
}

// New constructs a Catalog and registers its tools into reg.
func New(opts Options, reg *tools.Registry) *Catalog {
	c := &Catalog{opts: opts, keepers: make(map[string]*keeperRef)}
	reg.Register(contextOffloadTool{c})
	reg.Register(contextRetrieveTool{c})
	reg.Register(decisionLogTool{c})
	reg.Register(decisionQueryTool{c})
	reg.Register(peerAskQuestionTool{c})
	reg.Register(peerAnswerQuestionTool{c})
	reg.Register(peerForwardQuestionTool{c})
	reg.Register(peerMessageTool{c})
	reg.Register(peerDiscoveryTool{c})
	reg.Register(peerChangeRoleTool{c})
	reg.Register(peerCreateTaskTool{c})
	reg.Register(teamSpawnTool{c})
	reg.Register(teamAssignTool{c})
	reg.Register(teamProgressTool{c})
	return c
}

func stringParam(params map[string]any, name string) string {
	v, _ := params[name].(string)
	return v
}

func intParam(params map[string]any, name string, fallback int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// --- context_offload ---

type contextOffloadTool struct{ c *Catalog }

func (t contextOffloadTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "context_offload",
		Description: "Split off the agent's current message history into a new ContextKeeper and return its index entry.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"topic":          map[string]any{"type": "string", "description": "short label for the offloaded context"},
				"message_count":  map[string]any{"type": "integer", "description": "number of trailing messages to offload; defaults to all"},
			},
			"required": []string{"topic"},
		},
	}
}

func (t contextOffloadTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Messages == nil {
		return tools.ErrorString("context_offload: no message history available to this agent")
	}
	topic := stringParam(params, "topic")
	if topic == "" {
		return tools.ErrorString("context_offload: topic is required")
	}

	history := c.opts.Messages()
	count := intParam(params, "message_count", len(history))
	if count > len(history) {
		count = len(history)
	}
	if count < 0 {
		count = 0
	}
	slice := history[len(history)-count:]

	keeper, err := contextkeeper.New(ctx, contextkeeper.Options{
		ID:          uuid.NewString(),
		TeamID:      c.opts.TeamID,
		Topic:       topic,
		SourceAgent: c.opts.AgentName,
		Store:       c.opts.Store,
		LLM:         c.opts.LLM,
		Debounce:    c.opts.KeeperDebounce,
		Registry:    c.opts.Registry,
	})
	if err != nil {
		return tools.ErrorString("context_offload: spawn keeper: %v", err)
	}
	keeper.Store(ctx, slice, nil)

	c.mu.Lock()
	c.keepers[keeper.ID()] = &keeperRef{keeper: keeper, teamID: c.opts.TeamID}
	c.mu.Unlock()

	if c.opts.Bus != nil {
		c.opts.Bus.Publish(ctx, bus.TeamTopic(c.opts.TeamID), agent.KeeperCreatedEvent{
			ID: keeper.ID(), Topic: topic, Source: c.opts.AgentName,
		})
	}
	return tools.Ok(keeper.IndexEntry())
}

// --- context_retrieve ---

type contextRetrieveTool struct{ c *Catalog }

func (t contextRetrieveTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "context_retrieve",
		Description: "Retrieve a text block of context from a ContextKeeper, either a specific one or the best match by topic.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":      map[string]any{"type": "string", "description": "question or keyword query"},
				"keeper_id":  map[string]any{"type": "string", "description": "specific keeper to query; omit to search by topic"},
				"mode":       map[string]any{"type": "string", "description": "\"smart\" or \"raw\"; defaults to auto-detection from the query"},
			},
			"required": []string{"query"},
		},
	}
}

func (t contextRetrieveTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	query := stringParam(params, "query")
	if query == "" {
		return tools.ErrorString("context_retrieve: query is required")
	}

	keeper := c.resolveKeeper(stringParam(params, "keeper_id"), query)
	if keeper == nil {
		return tools.ErrorString("context_retrieve: no matching keeper for team %q", c.opts.TeamID)
	}

	mode := stringParam(params, "mode")
	smart := mode == "smart" || (mode == "" && contextkeeper.IsQuestionMode(query))
	if !smart {
		msgs := keeper.Retrieve(query)
		return tools.Ok(renderMessages(msgs))
	}

	text, err := keeper.SmartRetrieve(ctx, c.opts.SmartRetrieveModel, query)
	if err != nil {
		return tools.ErrorString("context_retrieve: %v", err)
	}
	return tools.Ok(text)
}

func renderMessages(msgs []store.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("[%s]: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}

// resolveKeeper finds the keeper named keeperID, or — when keeperID is
// empty — the first of the team's keepers whose topic appears as a
// substring of query (case-insensitive). Keepers are visited in no
// defined order; when none matches, an arbitrary one of the team's
// keepers is returned, not the most recently created one.
func (c *Catalog) resolveKeeper(keeperID, query string) *contextkeeper.Keeper {
	c.mu.Lock()
	defer c.mu.Unlock()

	if keeperID != "" {
		if ref, ok := c.keepers[keeperID]; ok {
			return ref.keeper
		}
		return nil
	}

	var best *contextkeeper.Keeper
	lowerQuery := strings.ToLower(query)
	for _, ref := range c.keepers {
		if ref.teamID != c.opts.TeamID {
			continue
		}
		best = ref.keeper
		if strings.Contains(lowerQuery, strings.ToLower(ref.keeper.Topic())) {
			return ref.keeper
		}
	}
	return best
}

// --- decision_log / decision_query ---

type decisionLogTool struct{ c *Catalog }

func (t decisionLogTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "decision_log",
		Description: "Append a node to the shared decision graph (goal, decision, option, action, outcome, observation, or revisit).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"node_type":   map[string]any{"type": "string"},
				"title":       map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
			},
			"required": []string{"node_type", "title"},
		},
	}
}

func (t decisionLogTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Decisions == nil {
		return tools.ErrorString("decision_log: decision graph unavailable")
	}
	nodeType := stringParam(params, "node_type")
	title := stringParam(params, "title")
	if nodeType == "" || title == "" {
		return tools.ErrorString("decision_log: node_type and title are required")
	}
	node, err := c.opts.Decisions.AddNode(ctx, decisiongraph.NodeInput{
		ChangeID:    uuid.NewString(),
		NodeType:    store.DecisionNodeType(nodeType),
		Title:       title,
		Description: stringParam(params, "description"),
		AgentName:   c.opts.AgentName,
	})
	if err != nil {
		return tools.ErrorString("decision_log: %v", err)
	}
	return tools.Ok(fmt.Sprintf("logged %s node %s: %s", node.NodeType, node.ID, node.Title))
}

type decisionQueryTool struct{ c *Catalog }

func (t decisionQueryTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "decision_query",
		Description: "List the most recent active decision nodes, optionally limited.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{"type": "integer"},
			},
		},
	}
}

func (t decisionQueryTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Decisions == nil {
		return tools.ErrorString("decision_query: decision graph unavailable")
	}
	limit := intParam(params, "limit", 10)
	nodes, err := c.opts.Decisions.RecentDecisions(ctx, limit)
	if err != nil {
		return tools.ErrorString("decision_query: %v", err)
	}
	lines := make([]string, 0, len(nodes))
	for _, n := range nodes {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", n.ID, n.Title, n.Description))
	}
	return tools.Ok(strings.Join(lines, "\n"))
}

// --- peer_ask_question / peer_answer_question / peer_forward_question ---

type peerAskQuestionTool struct{ c *Catalog }

func (t peerAskQuestionTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "peer_ask_question",
		Description: "Ask a question to a specific teammate, or broadcast it to the whole team if no target is given.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string"},
				"target":   map[string]any{"type": "string", "description": "teammate name; omit to broadcast"},
			},
			"required": []string{"question"},
		},
	}
}

func (t peerAskQuestionTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Queries == nil {
		return tools.ErrorString("peer_ask_question: query router unavailable")
	}
	question := stringParam(params, "question")
	if question == "" {
		return tools.ErrorString("peer_ask_question: question is required")
	}
	id := c.opts.Queries.Ask(ctx, c.opts.TeamID, c.opts.AgentName, question, queryrouter.AskOptions{
		Target: stringParam(params, "target"),
	})
	return tools.Ok(fmt.Sprintf("query_id=%s", id))
}

type peerAnswerQuestionTool struct{ c *Catalog }

func (t peerAnswerQuestionTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "peer_answer_question",
		Description: "Answer an in-flight peer question by its query id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query_id": map[string]any{"type": "string"},
				"answer":   map[string]any{"type": "string"},
			},
			"required": []string{"query_id", "answer"},
		},
	}
}

func (t peerAnswerQuestionTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Queries == nil {
		return tools.ErrorString("peer_answer_question: query router unavailable")
	}
	id := stringParam(params, "query_id")
	answer := stringParam(params, "answer")
	if id == "" || answer == "" {
		return tools.ErrorString("peer_answer_question: query_id and answer are required")
	}
	if err := c.opts.Queries.Answer(ctx, id, c.opts.AgentName, answer); err != nil {
		return tools.ErrorString("peer_answer_question: %v", err)
	}
	return tools.Ok("answer delivered")
}

type peerForwardQuestionTool struct{ c *Catalog }

func (t peerForwardQuestionTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "peer_forward_question",
		Description: "Forward an in-flight peer question to another teammate, consuming one hop.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query_id":   map[string]any{"type": "string"},
				"target":     map[string]any{"type": "string"},
				"enrichment": map[string]any{"type": "string", "description": "extra context to attach before forwarding"},
			},
			"required": []string{"query_id", "target"},
		},
	}
}

func (t peerForwardQuestionTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Queries == nil {
		return tools.ErrorString("peer_forward_question: query router unavailable")
	}
	id := stringParam(params, "query_id")
	target := stringParam(params, "target")
	if id == "" || target == "" {
		return tools.ErrorString("peer_forward_question: query_id and target are required")
	}
	if err := c.opts.Queries.Forward(ctx, id, c.opts.AgentName, target, stringParam(params, "enrichment")); err != nil {
		return tools.ErrorString("peer_forward_question: %v", err)
	}
	return tools.Ok(fmt.Sprintf("forwarded to %s", target))
}

// --- peer_message / peer_discovery / peer_change_role ---

type peerMessageTool struct{ c *Catalog }

func (t peerMessageTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "peer_message",
		Description: "Send a direct message to a teammate, or broadcast it to the whole team if no target is given.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target":  map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"content"},
		},
	}
}

func (t peerMessageTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Bus == nil {
		return tools.ErrorString("peer_message: bus unavailable")
	}
	content := stringParam(params, "content")
	if content == "" {
		return tools.ErrorString("peer_message: content is required")
	}
	evt := agent.PeerMessageEvent{From: c.opts.AgentName, Content: content}
	if target := stringParam(params, "target"); target != "" {
		c.opts.Bus.Publish(ctx, bus.AgentTopic(c.opts.TeamID, target), evt)
		return tools.Ok(fmt.Sprintf("sent to %s", target))
	}
	c.opts.Bus.Publish(ctx, bus.TeamTopic(c.opts.TeamID), evt)
	return tools.Ok("broadcast to team")
}

type peerDiscoveryTool struct{ c *Catalog }

func (t peerDiscoveryTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "peer_discovery",
		Description: "List teammates currently registered on the team, optionally filtered by role.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"role": map[string]any{"type": "string"},
			},
		},
	}
}

func (t peerDiscoveryTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Registry == nil {
		return tools.ErrorString("peer_discovery: registry unavailable")
	}
	role := stringParam(params, "role")
	entries := c.opts.Registry.Select(c.opts.TeamID, func(e registry.Entry) bool {
		if e.Metadata["type"] != "agent" {
			return false
		}
		return role == "" || e.Metadata["role"] == role
	})
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s (role=%v, status=%v)", e.Name, e.Metadata["role"], e.Metadata["status"]))
	}
	return tools.Ok(strings.Join(lines, "\n"))
}

type peerChangeRoleTool struct{ c *Catalog }

func (t peerChangeRoleTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "peer_change_role",
		Description: "Request that a named teammate (or this agent itself) change its role.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target":   map[string]any{"type": "string"},
				"new_role": map[string]any{"type": "string"},
			},
			"required": []string{"target", "new_role"},
		},
	}
}

func (t peerChangeRoleTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Bus == nil {
		return tools.ErrorString("peer_change_role: bus unavailable")
	}
	target := stringParam(params, "target")
	newRole := stringParam(params, "new_role")
	if target == "" || newRole == "" {
		return tools.ErrorString("peer_change_role: target and new_role are required")
	}
	c.opts.Bus.Publish(ctx, bus.AgentTopic(c.opts.TeamID, target), agent.RoleChangeRequestEvent{
		AgentName: target, NewRole: newRole,
	})
	return tools.Ok(fmt.Sprintf("requested role change for %s -> %s", target, newRole))
}

// --- peer_create_task / team_spawn / team_assign / team_progress ---

type peerCreateTaskTool struct{ c *Catalog }

func (t peerCreateTaskTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "peer_create_task",
		Description: "Create a new team task, optionally assigning it to an agent immediately.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":       map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"priority":    map[string]any{"type": "integer"},
				"model_hint":  map[string]any{"type": "string"},
				"assignee":    map[string]any{"type": "string"},
			},
			"required": []string{"title"},
		},
	}
}

func (t peerCreateTaskTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Tasks == nil {
		return tools.ErrorString("peer_create_task: task manager unavailable")
	}
	title := stringParam(params, "title")
	if title == "" {
		return tools.ErrorString("peer_create_task: title is required")
	}
	task, err := c.opts.Tasks.CreateTask(ctx, store.Task{
		TeamID:      c.opts.TeamID,
		Title:       title,
		Description: stringParam(params, "description"),
		Status:      store.TaskPending,
		Priority:    intParam(params, "priority", 3),
		ModelHint:   stringParam(params, "model_hint"),
	})
	if err != nil {
		return tools.ErrorString("peer_create_task: %v", err)
	}
	if assignee := stringParam(params, "assignee"); assignee != "" {
		task, err = c.opts.Tasks.AssignTask(ctx, task.ID, assignee)
		if err != nil {
			return tools.ErrorString("peer_create_task: assign: %v", err)
		}
	}
	return tools.Ok(fmt.Sprintf("created task %s (status=%s)", task.ID, task.Status))
}

type teamSpawnTool struct{ c *Catalog }

func (t teamSpawnTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "team_spawn",
		Description: "Spawn a new supervised agent under the current team with the given name and role.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
				"role": map[string]any{"type": "string"},
			},
			"required": []string{"name", "role"},
		},
	}
}

func (t teamSpawnTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Teams == nil {
		return tools.ErrorString("team_spawn: team manager unavailable")
	}
	name := stringParam(params, "name")
	role := stringParam(params, "role")
	if name == "" || role == "" {
		return tools.ErrorString("team_spawn: name and role are required")
	}
	opts := c.opts.BaseAgentOptions
	opts.Name = name
	opts.Role = role
	if _, err := c.opts.Teams.SpawnAgent(ctx, c.opts.TeamID, opts); err != nil {
		return tools.ErrorString("team_spawn: %v", err)
	}
	return tools.Ok(fmt.Sprintf("spawned %s as %s", name, role))
}

type teamAssignTool struct{ c *Catalog }

func (t teamAssignTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "team_assign",
		Description: "Assign an existing task to a teammate.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id":    map[string]any{"type": "string"},
				"agent_name": map[string]any{"type": "string"},
			},
			"required": []string{"task_id", "agent_name"},
		},
	}
}

func (t teamAssignTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Tasks == nil {
		return tools.ErrorString("team_assign: task manager unavailable")
	}
	taskID := stringParam(params, "task_id")
	agentName := stringParam(params, "agent_name")
	if taskID == "" || agentName == "" {
		return tools.ErrorString("team_assign: task_id and agent_name are required")
	}
	task, err := c.opts.Tasks.AssignTask(ctx, taskID, agentName)
	if err != nil {
		return tools.ErrorString("team_assign: %v", err)
	}
	return tools.Ok(fmt.Sprintf("assigned %s to %s", task.ID, agentName))
}

type teamProgressTool struct{ c *Catalog }

func (t teamProgressTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "team_progress",
		Description: "Summarize the team's tasks by status.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (t teamProgressTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	c := t.c
	if c.opts.Tasks == nil {
		return tools.ErrorString("team_progress: task manager unavailable")
	}
	tasks, err := c.opts.Tasks.ListAll(ctx, c.opts.TeamID)
	if err != nil {
		return tools.ErrorString("team_progress: %v", err)
	}
	counts := make(map[store.TaskStatus]int)
	for _, task := range tasks {
		counts[task.Status]++
	}
	lines := make([]string, 0, len(counts))
	for _, status := range []store.TaskStatus{store.TaskPending, store.TaskAssigned, store.TaskInProgress, store.TaskDone, store.TaskFailed} {
		if n := counts[status]; n > 0 {
			lines = append(lines, fmt.Sprintf("%s: %d", status, n))
		}
	}
	return tools.Ok(fmt.Sprintf("%d task(s) — %s", len(tasks), strings.Join(lines, ", ")))
}
