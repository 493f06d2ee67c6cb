// Package store defines the embedded relational persistence layer shared
// by every other component: sessions/teams, messages, decision nodes and
// edges, permission grants, team tasks and their dependencies, context
// keeper snapshots, and agent metric rows (spec.md §2, §3, §6.4).
//
// Store is the only component in this module allowed to open a database
// connection. Every other package (decisiongraph, taskmanager,
// permissions, contextkeeper, costtracker aggregation) talks to the
// store through this interface so it can be swapped for the in-memory
// implementation in tests without touching call sites.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors matching the error kinds of spec.md §7. Callers use
// errors.Is against these; persist_failed is any other error returned
// from a Store method, left unwrapped so callers see the underlying
// driver error.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// TeamStatus enumerates the lifecycle of a Session/Team row.
type TeamStatus string

const (
	TeamStatusActive  TeamStatus = "active"
	TeamStatusStopped TeamStatus = "stopped"
)

// Team is a session (team-of-one) or team row (spec.md §3 "Session / Team").
type Team struct {
	ID           string
	Title        string
	ProjectPath  string
	DefaultModel string
	Status       TeamStatus
	PromptTokens int64
	OutputTokens int64
	CostUSD      float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MessageRole enumerates the roles a Message may carry.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCall is one LLM-issued tool invocation attached to an assistant
// message.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Message is one turn in a session's conversation (spec.md §3
// "Message").
type Message struct {
	ID         string
	SessionID  string
	Role       MessageRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set when Role == RoleTool
	TokenCount int
	CreatedAt  time.Time
}

// DecisionNodeType enumerates the kinds of node in the decision graph.
type DecisionNodeType string

const (
	NodeGoal        DecisionNodeType = "goal"
	NodeDecision    DecisionNodeType = "decision"
	NodeOption      DecisionNodeType = "option"
	NodeAction      DecisionNodeType = "action"
	NodeOutcome     DecisionNodeType = "outcome"
	NodeObservation DecisionNodeType = "observation"
	NodeRevisit     DecisionNodeType = "revisit"
)

// DecisionNodeStatus enumerates node lifecycle states.
type DecisionNodeStatus string

const (
	NodeStatusActive     DecisionNodeStatus = "active"
	NodeStatusSuperseded DecisionNodeStatus = "superseded"
	NodeStatusAbandoned  DecisionNodeStatus = "abandoned"
)

// DecisionNode is one vertex of the shared decision graph (spec.md §3
// "Decision node").
type DecisionNode struct {
	ID          string
	ChangeID    string
	NodeType    DecisionNodeType
	Title       string
	Description string
	Status      DecisionNodeStatus
	Confidence  *int // 0..100
	Metadata    map[string]any
	SessionID   string
	AgentName   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DecisionEdgeType enumerates the relationship types between decision
// nodes.
type DecisionEdgeType string

const (
	EdgeLeadsTo    DecisionEdgeType = "leads_to"
	EdgeChosen     DecisionEdgeType = "chosen"
	EdgeRejected   DecisionEdgeType = "rejected"
	EdgeRequires   DecisionEdgeType = "requires"
	EdgeBlocks     DecisionEdgeType = "blocks"
	EdgeEnables    DecisionEdgeType = "enables"
	EdgeSupersedes DecisionEdgeType = "supersedes"
)

// DecisionEdge is one directed relationship between two decision nodes
// (spec.md §3 "Decision edge").
type DecisionEdge struct {
	ID         string
	ChangeID   string
	FromNodeID string
	ToNodeID   string
	EdgeType   DecisionEdgeType
	Weight     float64
	Rationale  string
	CreatedAt  time.Time
}

// PermissionGrant is a standing (tool, path pattern) approval for a
// session (spec.md §3 "Permission grant").
type PermissionGrant struct {
	ID        string
	SessionID string
	Tool      string
	Pattern   string
	GrantedAt time.Time
}

// TaskStatus enumerates team task lifecycle states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// Task is a unit of work owned by a team (spec.md §3 "Team task").
type Task struct {
	ID          string
	TeamID      string
	Title       string
	Description string
	Status      TaskStatus
	Owner       string
	Priority    int // 1 (highest) .. 5
	ModelHint   string
	Result      string
	CostUSD     float64
	Tokens      int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskDepType enumerates dependency kinds between two tasks.
type TaskDepType string

const (
	DepBlocks   TaskDepType = "blocks"
	DepRequires TaskDepType = "requires"
)

// TaskDependency links a task to another it depends on.
type TaskDependency struct {
	ID          string
	TaskID      string
	DependsOnID string
	DepType     TaskDepType
}

// KeeperStatus enumerates a ContextKeeper's persisted lifecycle state.
type KeeperStatus string

const (
	KeeperActive  KeeperStatus = "active"
	KeeperStopped KeeperStatus = "stopped"
)

// KeeperSnapshot is the persisted state of one ContextKeeper (spec.md §3
// "Keeper snapshot").
type KeeperSnapshot struct {
	ID           string
	TeamID       string
	Topic        string
	SourceAgent  string
	Messages     []Message
	TokenCount   int
	Metadata     map[string]any
	Status       KeeperStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AgentMetric is one append-only record of an LLM attempt (spec.md §3
// "Agent metric row").
type AgentMetric struct {
	ID          string
	TeamID      string
	AgentName   string
	Role        string
	Model       string
	TaskType    string
	Success     bool
	CostUSD     float64
	Tokens      int64
	DurationMs  int64
	ProjectPath string
	CreatedAt   time.Time
}

// DecisionNodeFilter composes a list_nodes query (spec.md §4.4).
type DecisionNodeFilter struct {
	NodeType  *DecisionNodeType
	Status    *DecisionNodeStatus
	SessionID string
	AgentName string
}

// DecisionEdgeFilter composes a list_edges query (spec.md §4.4).
type DecisionEdgeFilter struct {
	FromNodeID string
	ToNodeID   string
	EdgeType   *DecisionEdgeType
}

// SupersedeInput bundles the three mutations of a supersede transaction
// (spec.md §4.4 "supersede").
type SupersedeInput struct {
	OldNodeID string
	NewNode   DecisionNode
	Rationale string
}

// Tx is a single atomic unit of work against the store. Implementations
// must commit all writes or none (spec.md §3 "supersedes edges always
// accompany a status transition ... within the same transaction", §4.4
// "Either all three persist or none").
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

// Store is the full persistence contract. Every method that mutates
// state may be called either directly (auto-committing) or against a
// Tx obtained from Begin.
type Store interface {
	// Teams / sessions
	CreateTeam(ctx context.Context, t Team) (Team, error)
	GetTeam(ctx context.Context, id string) (Team, error)
	UpdateTeamUsage(ctx context.Context, id string, deltaPromptTokens, deltaOutputTokens int64, deltaCostUSD float64) error
	SetTeamStatus(ctx context.Context, id string, status TeamStatus) error

	// Messages
	AppendMessage(ctx context.Context, m Message) (Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)

	// Decision graph
	AddDecisionNode(ctx context.Context, n DecisionNode) (DecisionNode, error)
	AddDecisionEdge(ctx context.Context, e DecisionEdge) (DecisionEdge, error)
	GetDecisionNode(ctx context.Context, id string) (DecisionNode, error)
	SetDecisionNodeStatus(ctx context.Context, id string, status DecisionNodeStatus, updatedAt time.Time) error
	ListDecisionNodes(ctx context.Context, f DecisionNodeFilter) ([]DecisionNode, error)
	ListDecisionEdges(ctx context.Context, f DecisionEdgeFilter) ([]DecisionEdge, error)
	Supersede(ctx context.Context, in SupersedeInput) (DecisionNode, DecisionEdge, error)
	SearchDecisionNodes(ctx context.Context, query string, limit int) ([]DecisionNode, error)

	// Permissions
	GrantPermission(ctx context.Context, g PermissionGrant) (PermissionGrant, error)
	CheckPermission(ctx context.Context, sessionID, tool, path string) (bool, error)

	// Tasks
	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTask(ctx context.Context, t Task) (Task, error)
	ListTasks(ctx context.Context, teamID string) ([]Task, error)
	AddTaskDependency(ctx context.Context, d TaskDependency) (TaskDependency, error)
	ListTaskDependencies(ctx context.Context, taskID string) ([]TaskDependency, error)

	// Context keepers
	UpsertKeeperSnapshot(ctx context.Context, k KeeperSnapshot) (KeeperSnapshot, error)
	GetKeeperSnapshot(ctx context.Context, id string) (KeeperSnapshot, error)
	ListKeeperSnapshots(ctx context.Context, teamID string) ([]KeeperSnapshot, error)

	// Agent metrics
	RecordAgentMetric(ctx context.Context, m AgentMetric) error
	ListAgentMetrics(ctx context.Context, teamID string) ([]AgentMetric, error)

	// Begin starts a new transaction. Callers must Commit or Rollback.
	Begin(ctx context.Context) (Tx, error)
}
