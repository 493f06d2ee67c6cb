package decisiongraph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/decisiongraph"
	"github.com/treetopdevs/loom/internal/store"
)

func conf(n int) *int { return &n }

func TestAddNodeAndEdge(t *testing.T) {
	ctx := context.Background()
	g := decisiongraph.New(store.NewInMemory())

	goal, err := g.AddNode(ctx, decisiongraph.NodeInput{NodeType: store.NodeGoal, Title: "ship v1"})
	require.NoError(t, err)

	decision, err := g.AddNode(ctx, decisiongraph.NodeInput{NodeType: store.NodeDecision, Title: "use sqlite"})
	require.NoError(t, err)

	edge, err := g.AddEdge(ctx, decisiongraph.EdgeInput{FromNodeID: goal.ID, ToNodeID: decision.ID, EdgeType: store.EdgeLeadsTo})
	require.NoError(t, err)
	require.Equal(t, store.EdgeLeadsTo, edge.EdgeType)
}

func TestSupersedeThroughGraph(t *testing.T) {
	ctx := context.Background()
	g := decisiongraph.New(store.NewInMemory())

	old, err := g.AddNode(ctx, decisiongraph.NodeInput{NodeType: store.NodeDecision, Title: "use postgres"})
	require.NoError(t, err)

	newNode, edge, err := g.Supersede(ctx, old.ID, decisiongraph.NodeInput{NodeType: store.NodeDecision, Title: "use sqlite"}, "simpler ops")
	require.NoError(t, err)
	require.Equal(t, store.EdgeSupersedes, edge.EdgeType)

	refreshed, err := g.Node(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, store.NodeStatusSuperseded, refreshed.Status)
	require.NotEqual(t, old.ID, newNode.ID)
}

func TestPulseFlagsCoverageGapsAndLowConfidence(t *testing.T) {
	ctx := context.Background()
	g := decisiongraph.New(store.NewInMemory())

	coveredGoal, err := g.AddNode(ctx, decisiongraph.NodeInput{NodeType: store.NodeGoal, Title: "covered goal"})
	require.NoError(t, err)
	orphanGoal, err := g.AddNode(ctx, decisiongraph.NodeInput{NodeType: store.NodeGoal, Title: "orphan goal"})
	require.NoError(t, err)
	lowConf, err := g.AddNode(ctx, decisiongraph.NodeInput{NodeType: store.NodeDecision, Title: "risky call", Confidence: conf(20)})
	require.NoError(t, err)
	action, err := g.AddNode(ctx, decisiongraph.NodeInput{NodeType: store.NodeAction, Title: "migrate schema"})
	require.NoError(t, err)

	_, err = g.AddEdge(ctx, decisiongraph.EdgeInput{FromNodeID: coveredGoal.ID, ToNodeID: lowConf.ID, EdgeType: store.EdgeLeadsTo})
	require.NoError(t, err)
	_, err = g.AddEdge(ctx, decisiongraph.EdgeInput{FromNodeID: coveredGoal.ID, ToNodeID: action.ID, EdgeType: store.EdgeLeadsTo})
	require.NoError(t, err)

	report, err := g.Pulse(ctx, decisiongraph.PulseOptions{})
	require.NoError(t, err)

	require.Len(t, report.ActiveGoals, 2)
	gapIDs := nodeIDs(report.CoverageGaps)
	require.Contains(t, gapIDs, orphanGoal.ID)
	require.NotContains(t, gapIDs, coveredGoal.ID)

	lowIDs := nodeIDs(report.LowConfidenceNodes)
	require.Contains(t, lowIDs, lowConf.ID)
	require.NotEmpty(t, report.Summary)
}

func TestForGoalBFSIsCycleSafe(t *testing.T) {
	ctx := context.Background()
	g := decisiongraph.New(store.NewInMemory())

	goal, err := g.AddNode(ctx, decisiongraph.NodeInput{NodeType: store.NodeGoal, Title: "goal"})
	require.NoError(t, err)
	decision, err := g.AddNode(ctx, decisiongraph.NodeInput{NodeType: store.NodeDecision, Title: "decision"})
	require.NoError(t, err)
	revisit, err := g.AddNode(ctx, decisiongraph.NodeInput{NodeType: store.NodeRevisit, Title: "revisit"})
	require.NoError(t, err)

	_, err = g.AddEdge(ctx, decisiongraph.EdgeInput{FromNodeID: goal.ID, ToNodeID: decision.ID, EdgeType: store.EdgeLeadsTo})
	require.NoError(t, err)
	_, err = g.AddEdge(ctx, decisiongraph.EdgeInput{FromNodeID: decision.ID, ToNodeID: revisit.ID, EdgeType: store.EdgeLeadsTo})
	require.NoError(t, err)
	// cycle back to goal
	_, err = g.AddEdge(ctx, decisiongraph.EdgeInput{FromNodeID: revisit.ID, ToNodeID: goal.ID, EdgeType: store.EdgeLeadsTo})
	require.NoError(t, err)

	narrative, err := g.ForGoal(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, narrative.Nodes, 2) // decision, revisit -- goal itself is the root, not repeated
}

func nodeIDs(nodes []store.DecisionNode) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
