package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// InMemory is an in-memory Store used by tests and local development.
// It is safe for concurrent use. Transactions are modeled by copying
// the whole state on Begin and swapping it back in on Commit, which is
// sufficient for the single-process, test-scale use this module makes
// of Store (see runtime/agent/session/inmem/store.go for the pattern
// this is grounded on).
type InMemory struct {
	mu sync.Mutex
	db *data
}

type data struct {
	teams    map[string]Team
	messages map[string][]Message // by session id, insertion order
	nodes    map[string]DecisionNode
	edges    map[string]DecisionEdge
	grants   map[string]PermissionGrant
	tasks    map[string]Task
	deps     map[string][]TaskDependency // by task id
	keepers  map[string]KeeperSnapshot
	metrics  map[string][]AgentMetric // by team id
}

func newData() *data {
	return &data{
		teams:    make(map[string]Team),
		messages: make(map[string][]Message),
		nodes:    make(map[string]DecisionNode),
		edges:    make(map[string]DecisionEdge),
		grants:   make(map[string]PermissionGrant),
		tasks:    make(map[string]Task),
		deps:     make(map[string][]TaskDependency),
		keepers:  make(map[string]KeeperSnapshot),
		metrics:  make(map[string][]AgentMetric),
	}
}

func (d *data) clone() *data {
	out := newData()
	for k, v := range d.teams {
		out.teams[k] = v
	}
	for k, v := range d.messages {
		out.messages[k] = append([]Message(nil), v...)
	}
	for k, v := range d.nodes {
		out.nodes[k] = v
	}
	for k, v := range d.edges {
		out.edges[k] = v
	}
	for k, v := range d.grants {
		out.grants[k] = v
	}
	for k, v := range d.tasks {
		out.tasks[k] = v
	}
	for k, v := range d.deps {
		out.deps[k] = append([]TaskDependency(nil), v...)
	}
	for k, v := range d.keepers {
		out.keepers[k] = v
	}
	for k, v := range d.metrics {
		out.metrics[k] = append([]AgentMetric(nil), v...)
	}
	return out
}

// NewInMemory returns an empty in-memory Store.
func NewInMemory() *InMemory {
	return &InMemory{db: newData()}
}

func (s *InMemory) CreateTeam(_ context.Context, t Team) (Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.db.teams[t.ID]; ok {
		return existing, nil
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = TeamStatusActive
	}
	s.db.teams[t.ID] = t
	return t, nil
}

func (s *InMemory) GetTeam(_ context.Context, id string) (Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.db.teams[id]
	if !ok {
		return Team{}, fmt.Errorf("team %q: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *InMemory) UpdateTeamUsage(_ context.Context, id string, dPrompt, dOutput int64, dCost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.db.teams[id]
	if !ok {
		return fmt.Errorf("team %q: %w", id, ErrNotFound)
	}
	t.PromptTokens += dPrompt
	t.OutputTokens += dOutput
	t.CostUSD += dCost
	t.UpdatedAt = time.Now().UTC()
	s.db.teams[id] = t
	return nil
}

func (s *InMemory) SetTeamStatus(_ context.Context, id string, status TeamStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.db.teams[id]
	if !ok {
		return fmt.Errorf("team %q: %w", id, ErrNotFound)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	s.db.teams[id] = t
	return nil
}

func (s *InMemory) AppendMessage(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.db.messages[m.SessionID] = append(s.db.messages[m.SessionID], m)
	return m, nil
}

func (s *InMemory) ListMessages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.db.messages[sessionID]...), nil
}

func (s *InMemory) AddDecisionNode(_ context.Context, n DecisionNode) (DecisionNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDecisionNodeLocked(n)
}

func (s *InMemory) addDecisionNodeLocked(n DecisionNode) (DecisionNode, error) {
	for _, existing := range s.db.nodes {
		if existing.ChangeID == n.ChangeID {
			return DecisionNode{}, fmt.Errorf("change_id %q: %w", n.ChangeID, ErrAlreadyExists)
		}
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = NodeStatusActive
	}
	s.db.nodes[n.ID] = n
	return n, nil
}

func (s *InMemory) AddDecisionEdge(_ context.Context, e DecisionEdge) (DecisionEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDecisionEdgeLocked(e)
}

func (s *InMemory) addDecisionEdgeLocked(e DecisionEdge) (DecisionEdge, error) {
	if _, ok := s.db.nodes[e.FromNodeID]; !ok {
		return DecisionEdge{}, fmt.Errorf("from node %q: %w", e.FromNodeID, ErrNotFound)
	}
	if _, ok := s.db.nodes[e.ToNodeID]; !ok {
		return DecisionEdge{}, fmt.Errorf("to node %q: %w", e.ToNodeID, ErrNotFound)
	}
	for _, existing := range s.db.edges {
		if existing.ChangeID == e.ChangeID {
			return DecisionEdge{}, fmt.Errorf("change_id %q: %w", e.ChangeID, ErrAlreadyExists)
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Weight == 0 {
		e.Weight = 1.0
	}
	s.db.edges[e.ID] = e
	return e, nil
}

func (s *InMemory) GetDecisionNode(_ context.Context, id string) (DecisionNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.db.nodes[id]
	if !ok {
		return DecisionNode{}, fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	return n, nil
}

func (s *InMemory) SetDecisionNodeStatus(_ context.Context, id string, status DecisionNodeStatus, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setDecisionNodeStatusLocked(id, status, updatedAt)
}

func (s *InMemory) setDecisionNodeStatusLocked(id string, status DecisionNodeStatus, updatedAt time.Time) error {
	n, ok := s.db.nodes[id]
	if !ok {
		return fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	n.Status = status
	n.UpdatedAt = updatedAt
	s.db.nodes[id] = n
	return nil
}

func (s *InMemory) ListDecisionNodes(_ context.Context, f DecisionNodeFilter) ([]DecisionNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DecisionNode
	for _, n := range s.db.nodes {
		if f.NodeType != nil && n.NodeType != *f.NodeType {
			continue
		}
		if f.Status != nil && n.Status != *f.Status {
			continue
		}
		if f.SessionID != "" && n.SessionID != f.SessionID {
			continue
		}
		if f.AgentName != "" && n.AgentName != f.AgentName {
			continue
		}
		out = append(out, n)
	}
	sortNodesByCreatedAtDesc(out)
	return out, nil
}

func (s *InMemory) ListDecisionEdges(_ context.Context, f DecisionEdgeFilter) ([]DecisionEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DecisionEdge
	for _, e := range s.db.edges {
		if f.FromNodeID != "" && e.FromNodeID != f.FromNodeID {
			continue
		}
		if f.ToNodeID != "" && e.ToNodeID != f.ToNodeID {
			continue
		}
		if f.EdgeType != nil && e.EdgeType != *f.EdgeType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemory) Supersede(_ context.Context, in SupersedeInput) (DecisionNode, DecisionEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Simulate transactional all-or-nothing semantics by validating every
	// precondition before mutating anything.
	if _, ok := s.db.nodes[in.OldNodeID]; !ok {
		return DecisionNode{}, DecisionEdge{}, fmt.Errorf("old node %q: %w", in.OldNodeID, ErrNotFound)
	}
	for _, existing := range s.db.nodes {
		if existing.ChangeID == in.NewNode.ChangeID {
			return DecisionNode{}, DecisionEdge{}, fmt.Errorf("change_id %q: %w", in.NewNode.ChangeID, ErrAlreadyExists)
		}
	}

	now := time.Now().UTC()
	if err := s.setDecisionNodeStatusLocked(in.OldNodeID, NodeStatusSuperseded, now); err != nil {
		return DecisionNode{}, DecisionEdge{}, err
	}
	newNode, err := s.addDecisionNodeLocked(in.NewNode)
	if err != nil {
		return DecisionNode{}, DecisionEdge{}, err
	}
	edge, err := s.addDecisionEdgeLocked(DecisionEdge{
		ID:         newEdgeID(newNode.ID, in.OldNodeID),
		ChangeID:   newNode.ChangeID + ":supersedes",
		FromNodeID: newNode.ID,
		ToNodeID:   in.OldNodeID,
		EdgeType:   EdgeSupersedes,
		Weight:     1.0,
		Rationale:  in.Rationale,
	})
	if err != nil {
		return DecisionNode{}, DecisionEdge{}, err
	}
	return newNode, edge, nil
}

func (s *InMemory) SearchDecisionNodes(_ context.Context, query string, limit int) ([]DecisionNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	var out []DecisionNode
	for _, n := range s.db.nodes {
		if strings.Contains(strings.ToLower(n.Title), q) || strings.Contains(strings.ToLower(n.Description), q) {
			out = append(out, n)
		}
	}
	sortNodesByCreatedAtDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) GrantPermission(_ context.Context, g PermissionGrant) (PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := g.SessionID + "\x00" + g.Tool + "\x00" + g.Pattern
	if existing, ok := s.db.grants[key]; ok {
		return existing, nil
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now().UTC()
	}
	s.db.grants[key] = g
	return g, nil
}

func (s *InMemory) CheckPermission(_ context.Context, sessionID, tool, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.db.grants[sessionID+"\x00"+tool+"\x00"+path]; ok {
		return true, nil
	}
	_, ok := s.db.grants[sessionID+"\x00"+tool+"\x00*"]
	return ok, nil
}

func (s *InMemory) CreateTask(_ context.Context, t Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == 0 {
		t.Priority = 3
	}
	s.db.tasks[t.ID] = t
	return t, nil
}

func (s *InMemory) GetTask(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.db.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *InMemory) UpdateTask(_ context.Context, t Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.db.tasks[t.ID]; !ok {
		return Task{}, fmt.Errorf("task %q: %w", t.ID, ErrNotFound)
	}
	t.UpdatedAt = time.Now().UTC()
	s.db.tasks[t.ID] = t
	return t, nil
}

func (s *InMemory) ListTasks(_ context.Context, teamID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.db.tasks {
		if t.TeamID == teamID {
			out = append(out, t)
		}
	}
	sortTasksByPriority(out)
	return out, nil
}

func (s *InMemory) AddTaskDependency(_ context.Context, d TaskDependency) (TaskDependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.db.tasks[d.TaskID]; !ok {
		return TaskDependency{}, fmt.Errorf("task %q: %w", d.TaskID, ErrNotFound)
	}
	if _, ok := s.db.tasks[d.DependsOnID]; !ok {
		return TaskDependency{}, fmt.Errorf("task %q: %w", d.DependsOnID, ErrNotFound)
	}
	s.db.deps[d.TaskID] = append(s.db.deps[d.TaskID], d)
	return d, nil
}

func (s *InMemory) ListTaskDependencies(_ context.Context, taskID string) ([]TaskDependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TaskDependency(nil), s.db.deps[taskID]...), nil
}

func (s *InMemory) UpsertKeeperSnapshot(_ context.Context, k KeeperSnapshot) (KeeperSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.db.keepers[k.ID]; ok {
		k.CreatedAt = existing.CreatedAt
	} else {
		k.CreatedAt = now
	}
	k.UpdatedAt = now
	s.db.keepers[k.ID] = k
	return k, nil
}

func (s *InMemory) GetKeeperSnapshot(_ context.Context, id string) (KeeperSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.db.keepers[id]
	if !ok {
		return KeeperSnapshot{}, fmt.Errorf("keeper %q: %w", id, ErrNotFound)
	}
	return k, nil
}

func (s *InMemory) ListKeeperSnapshots(_ context.Context, teamID string) ([]KeeperSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KeeperSnapshot
	for _, k := range s.db.keepers {
		if k.TeamID == teamID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *InMemory) RecordAgentMetric(_ context.Context, m AgentMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.db.metrics[m.TeamID] = append(s.db.metrics[m.TeamID], m)
	return nil
}

func (s *InMemory) ListAgentMetrics(_ context.Context, teamID string) ([]AgentMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AgentMetric(nil), s.db.metrics[teamID]...), nil
}

// inMemTx is a snapshot-isolated transaction: it operates on a private
// clone of the store's data and is only swapped back in on Commit. This
// gives it the same all-or-nothing guarantee a real SQL transaction
// provides, which is what the supersede operation (spec.md §4.4) and
// the SQLite-backed Store both rely on.
type inMemTx struct {
	*InMemory
	parent *InMemory
	done   bool
}

func (s *InMemory) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := &InMemory{db: s.db.clone()}
	return &inMemTx{InMemory: clone, parent: s}, nil
}

func (t *inMemTx) Commit() error {
	if t.done {
		return nil
	}
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	t.parent.db = t.InMemory.db
	t.done = true
	return nil
}

func (t *inMemTx) Rollback() error {
	t.done = true
	return nil
}

func sortNodesByCreatedAtDesc(nodes []DecisionNode) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].CreatedAt.After(nodes[j-1].CreatedAt); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

func sortTasksByPriority(tasks []Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && less(tasks[j], tasks[j-1]); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

func less(a, b Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func newEdgeID(fromID, toID string) string {
	return fmt.Sprintf("edge-%s-%s-%d", fromID, toID, time.Now().UnixNano())
}
