// Package decisiongraph implements the shared decision graph: the
// append-mostly DAG of goals, decisions, options, actions, outcomes,
// observations, and revisit markers that every agent on a team reads
// from and writes to, so no agent ever silently re-decides something
// another agent already settled (spec.md §4.4).
package decisiongraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/treetopdevs/loom/internal/store"
)

const (
	defaultConfidenceThreshold = 50
	defaultStaleDays           = 7
	recentDecisionsLimit       = 10
)

// Graph is the decision graph API layered over Store.
type Graph struct {
	store store.Store
}

// New constructs a Graph backed by s.
func New(s store.Store) *Graph {
	return &Graph{store: s}
}

// NodeInput describes a node to add; ID and ChangeID are generated
// when left empty.
type NodeInput struct {
	ChangeID    string
	NodeType    store.DecisionNodeType
	Title       string
	Description string
	Confidence  *int
	Metadata    map[string]any
	SessionID   string
	AgentName   string
}

// EdgeInput describes an edge to add; ID and ChangeID are generated
// when left empty.
type EdgeInput struct {
	ChangeID   string
	FromNodeID string
	ToNodeID   string
	EdgeType   store.DecisionEdgeType
	Weight     float64
	Rationale  string
}

// AddNode records a new node in the graph.
func (g *Graph) AddNode(ctx context.Context, in NodeInput) (store.DecisionNode, error) {
	n := store.DecisionNode{
		ID:          uuid.NewString(),
		ChangeID:    in.ChangeID,
		NodeType:    in.NodeType,
		Title:       in.Title,
		Description: in.Description,
		Status:      store.NodeStatusActive,
		Confidence:  in.Confidence,
		Metadata:    in.Metadata,
		SessionID:   in.SessionID,
		AgentName:   in.AgentName,
	}
	if n.ChangeID == "" {
		n.ChangeID = uuid.NewString()
	}
	return g.store.AddDecisionNode(ctx, n)
}

// AddEdge records a new directed relationship between two existing
// nodes.
func (g *Graph) AddEdge(ctx context.Context, in EdgeInput) (store.DecisionEdge, error) {
	e := store.DecisionEdge{
		ID:         uuid.NewString(),
		ChangeID:   in.ChangeID,
		FromNodeID: in.FromNodeID,
		ToNodeID:   in.ToNodeID,
		EdgeType:   in.EdgeType,
		Weight:     in.Weight,
		Rationale:  in.Rationale,
	}
	if e.ChangeID == "" {
		e.ChangeID = uuid.NewString()
	}
	if e.Weight == 0 {
		e.Weight = 1.0
	}
	return g.store.AddDecisionEdge(ctx, e)
}

// Node fetches a single node by ID.
func (g *Graph) Node(ctx context.Context, id string) (store.DecisionNode, error) {
	return g.store.GetDecisionNode(ctx, id)
}

// ListNodes lists nodes matching f.
func (g *Graph) ListNodes(ctx context.Context, f store.DecisionNodeFilter) ([]store.DecisionNode, error) {
	return g.store.ListDecisionNodes(ctx, f)
}

// ListEdges lists edges matching f.
func (g *Graph) ListEdges(ctx context.Context, f store.DecisionEdgeFilter) ([]store.DecisionEdge, error) {
	return g.store.ListDecisionEdges(ctx, f)
}

// Supersede marks oldNodeID superseded and atomically adds newNode
// plus the supersedes edge linking them (spec.md §4.4 "supersede").
// Either all three persist, or none do.
func (g *Graph) Supersede(ctx context.Context, oldNodeID string, newNode NodeInput, rationale string) (store.DecisionNode, store.DecisionEdge, error) {
	n := store.DecisionNode{
		ID:          uuid.NewString(),
		ChangeID:    newNode.ChangeID,
		NodeType:    newNode.NodeType,
		Title:       newNode.Title,
		Description: newNode.Description,
		Confidence:  newNode.Confidence,
		Metadata:    newNode.Metadata,
		SessionID:   newNode.SessionID,
		AgentName:   newNode.AgentName,
	}
	if n.ChangeID == "" {
		n.ChangeID = uuid.NewString()
	}
	return g.store.Supersede(ctx, store.SupersedeInput{
		OldNodeID: oldNodeID,
		NewNode:   n,
		Rationale: rationale,
	})
}

// Search returns nodes whose title or description contains term
// (case-insensitive substring match), most recent first.
func (g *Graph) Search(ctx context.Context, term string, limit int) ([]store.DecisionNode, error) {
	return g.store.SearchDecisionNodes(ctx, term, limit)
}

// RecentDecisions returns the most recently created active decision
// nodes, newest first (spec.md §4.4: "the most recent N active nodes
// of type decision").
func (g *Graph) RecentDecisions(ctx context.Context, limit int) ([]store.DecisionNode, error) {
	t := store.NodeDecision
	st := store.NodeStatusActive
	nodes, err := g.store.ListDecisionNodes(ctx, store.DecisionNodeFilter{NodeType: &t, Status: &st})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes, nil
}

// ActiveGoals returns every goal node currently in the active status.
func (g *Graph) ActiveGoals(ctx context.Context) ([]store.DecisionNode, error) {
	t := store.NodeGoal
	st := store.NodeStatusActive
	return g.store.ListDecisionNodes(ctx, store.DecisionNodeFilter{NodeType: &t, Status: &st})
}

// PulseOptions configures a Pulse report.
type PulseOptions struct {
	ConfidenceThreshold int // active nodes below this confidence are flagged; default 50
	StaleDays           int // active nodes untouched this long are flagged; default 7
}

// PulseReport is a point-in-time health summary of the graph (spec.md
// §4.4 "pulse").
type PulseReport struct {
	ActiveGoals        []store.DecisionNode
	RecentDecisions    []store.DecisionNode
	CoverageGaps       []store.DecisionNode // active goals with no outgoing edge to an action or outcome node
	LowConfidenceNodes []store.DecisionNode
	StaleNodes         []store.DecisionNode
	Summary            string
}

// Pulse computes an at-a-glance health report over the whole graph.
func (g *Graph) Pulse(ctx context.Context, opts PulseOptions) (PulseReport, error) {
	threshold := opts.ConfidenceThreshold
	if threshold == 0 {
		threshold = defaultConfidenceThreshold
	}
	staleDays := opts.StaleDays
	if staleDays == 0 {
		staleDays = defaultStaleDays
	}

	goals, err := g.ActiveGoals(ctx)
	if err != nil {
		return PulseReport{}, fmt.Errorf("active goals: %w", err)
	}
	decisions, err := g.RecentDecisions(ctx, recentDecisionsLimit)
	if err != nil {
		return PulseReport{}, fmt.Errorf("recent decisions: %w", err)
	}
	allNodes, err := g.store.ListDecisionNodes(ctx, store.DecisionNodeFilter{})
	if err != nil {
		return PulseReport{}, fmt.Errorf("list nodes: %w", err)
	}
	allEdges, err := g.store.ListDecisionEdges(ctx, store.DecisionEdgeFilter{})
	if err != nil {
		return PulseReport{}, fmt.Errorf("list edges: %w", err)
	}

	nodeByID := make(map[string]store.DecisionNode, len(allNodes))
	for _, n := range allNodes {
		nodeByID[n.ID] = n
	}
	hasActionOrOutcome := make(map[string]bool, len(allEdges))
	for _, e := range allEdges {
		if to, ok := nodeByID[e.ToNodeID]; ok && (to.NodeType == store.NodeAction || to.NodeType == store.NodeOutcome) {
			hasActionOrOutcome[e.FromNodeID] = true
		}
	}

	var gaps, low, stale []store.DecisionNode
	now := time.Now().UTC()
	for _, g := range goals {
		if !hasActionOrOutcome[g.ID] {
			gaps = append(gaps, g)
		}
	}
	for _, n := range allNodes {
		if n.Status == store.NodeStatusActive && n.Confidence != nil && *n.Confidence < threshold {
			low = append(low, n)
		}
		if n.Status == store.NodeStatusActive && now.Sub(n.UpdatedAt) >= time.Duration(staleDays)*24*time.Hour {
			stale = append(stale, n)
		}
	}

	report := PulseReport{
		ActiveGoals:        goals,
		RecentDecisions:    decisions,
		CoverageGaps:       gaps,
		LowConfidenceNodes: low,
		StaleNodes:         stale,
	}
	report.Summary = fmt.Sprintf(
		"Pulse: %d active goal(s), %d recent decision(s), %d goal(s) without progress, %d low-confidence node(s), %d stale node(s)",
		len(goals), len(decisions), len(gaps), len(low), len(stale))
	return report, nil
}

// Narrative is the result of walking the graph outward from a goal.
type Narrative struct {
	Goal  store.DecisionNode
	Nodes []store.DecisionNode
	Edges []store.DecisionEdge
}

// ForGoal builds a breadth-first narrative of everything reachable
// from goalID by following outgoing edges, visiting each node at most
// once so cycles (a revisit node pointing back into an earlier chain)
// terminate cleanly.
func (g *Graph) ForGoal(ctx context.Context, goalID string) (Narrative, error) {
	goal, err := g.store.GetDecisionNode(ctx, goalID)
	if err != nil {
		return Narrative{}, err
	}

	visited := map[string]bool{goal.ID: true}
	queue := []string{goal.ID}
	narrative := Narrative{Goal: goal}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		edges, err := g.store.ListDecisionEdges(ctx, store.DecisionEdgeFilter{FromNodeID: id})
		if err != nil {
			return Narrative{}, fmt.Errorf("list edges for %q: %w", id, err)
		}
		for _, e := range edges {
			narrative.Edges = append(narrative.Edges, e)
			if visited[e.ToNodeID] {
				continue
			}
			visited[e.ToNodeID] = true
			node, err := g.store.GetDecisionNode(ctx, e.ToNodeID)
			if err != nil {
				return Narrative{}, fmt.Errorf("get node %q: %w", e.ToNodeID, err)
			}
			narrative.Nodes = append(narrative.Nodes, node)
			queue = append(queue, node.ID)
		}
	}

	sort.Slice(narrative.Nodes, func(i, j int) bool { return narrative.Nodes[i].CreatedAt.Before(narrative.Nodes[j].CreatedAt) })
	return narrative, nil
}

// Render produces a human-readable multi-line summary of a Narrative,
// suitable for injecting into an agent's context window.
func (n Narrative) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", n.Goal.Title)
	for _, node := range n.Nodes {
		fmt.Fprintf(&b, "  - [%s] %s\n", node.NodeType, node.Title)
	}
	return b.String()
}
