package builtin_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/bus"
	"github.com/treetopdevs/loom/internal/decisiongraph"
	"github.com/treetopdevs/loom/internal/queryrouter"
	"github.com/treetopdevs/loom/internal/registry"
	"github.com/treetopdevs/loom/internal/store"
	"github.com/treetopdevs/loom/internal/taskmanager"
	"github.com/treetopdevs/loom/internal/tools"
	"github.com/treetopdevs/loom/internal/tools/builtin"
)

func newCatalog(t *testing.T, opts builtin.Options) (*builtin.Catalog, *tools.Registry) {
	t.Helper()
	reg := tools.NewRegistry()
	c := builtin.New(opts, reg)
	return c, reg
}

func TestContextOffloadThenRetrieveRoundTrips(t *testing.T) {
	s := store.NewInMemory()
	history := []store.Message{
		{Role: store.RoleUser, Content: "what is the deploy plan"},
		{Role: store.RoleAssistant, Content: "deploy via canary then full rollout"},
	}
	_, reg := newCatalog(t, builtin.Options{
		TeamID: "team-1", AgentName: "alice",
		Store:    s,
		Registry: registry.New(),
		Messages: func() []store.Message { return history },
	})

	offload, ok := reg.Lookup("context_offload")
	require.True(t, ok)
	out := offload.Execute(context.Background(), map[string]any{"topic": "deploy"})
	require.True(t, out.OK)
	indexEntry := tools.Format(out)
	require.Contains(t, indexEntry, "topic=deploy")
	require.Contains(t, indexEntry, "source=alice")

	retrieve, ok := reg.Lookup("context_retrieve")
	require.True(t, ok)
	out = retrieve.Execute(context.Background(), map[string]any{"query": "deploy", "mode": "raw"})
	require.True(t, out.OK)
	require.Contains(t, tools.Format(out), "canary")
}

func TestDecisionLogThenQueryReturnsLoggedNode(t *testing.T) {
	s := store.NewInMemory()
	graph := decisiongraph.New(s)
	_, reg := newCatalog(t, builtin.Options{
		TeamID: "team-1", AgentName: "alice",
		Decisions: graph,
	})

	logTool, _ := reg.Lookup("decision_log")
	out := logTool.Execute(context.Background(), map[string]any{
		"node_type": "decision", "title": "use postgres", "description": "chosen over sqlite for concurrency",
	})
	require.True(t, out.OK)

	queryTool, _ := reg.Lookup("decision_query")
	out = queryTool.Execute(context.Background(), map[string]any{"limit": 5})
	require.True(t, out.OK)
	require.Contains(t, tools.Format(out), "use postgres")
}

func TestPeerAskThenAnswerQuestionRoundTrips(t *testing.T) {
	b := bus.New()
	router := queryrouter.New(b)
	_, reg := newCatalog(t, builtin.Options{
		TeamID: "team-1", AgentName: "alice",
		Bus: b, Queries: router,
	})

	ask, _ := reg.Lookup("peer_ask_question")
	out := ask.Execute(context.Background(), map[string]any{"question": "who owns this", "target": "bob"})
	require.True(t, out.OK)
	text := tools.Format(out)
	require.Contains(t, text, "query_id=")
	id := text[len("query_id="):]

	answer, _ := reg.Lookup("peer_answer_question")
	out = answer.Execute(context.Background(), map[string]any{"query_id": id, "answer": "I do"})
	require.True(t, out.OK)
}

func TestPeerDiscoveryFiltersByRole(t *testing.T) {
	reg := registry.New()
	reg.Register(context.Background(), "team-1", "alice", stubWorker{}, registry.Metadata{"type": "agent", "role": "coder", "status": "idle"})
	reg.Register(context.Background(), "team-1", "bob", stubWorker{}, registry.Metadata{"type": "agent", "role": "reviewer", "status": "idle"})

	_, toolsReg := newCatalog(t, builtin.Options{TeamID: "team-1", Registry: reg})
	discovery, _ := toolsReg.Lookup("peer_discovery")

	out := discovery.Execute(context.Background(), map[string]any{"role": "reviewer"})
	require.True(t, out.OK)
	text := tools.Format(out)
	require.Contains(t, text, "bob")
	require.NotContains(t, text, "alice")
}

func TestPeerCreateTaskWithAssigneeAssignsImmediately(t *testing.T) {
	s := store.NewInMemory()
	b := bus.New()
	mgr := taskmanager.New(s, b)
	_, reg := newCatalog(t, builtin.Options{TeamID: "team-1", AgentName: "alice", Tasks: mgr})

	create, _ := reg.Lookup("peer_create_task")
	out := create.Execute(context.Background(), map[string]any{"title": "fix the bug", "assignee": "bob"})
	require.True(t, out.OK)
	require.Contains(t, tools.Format(out), "status=assigned")
}

func TestTeamProgressSummarizesTaskCounts(t *testing.T) {
	s := store.NewInMemory()
	b := bus.New()
	mgr := taskmanager.New(s, b)
	_, err := mgr.CreateTask(context.Background(), store.Task{TeamID: "team-1", Title: "a", Status: store.TaskPending})
	require.NoError(t, err)
	_, err = mgr.CreateTask(context.Background(), store.Task{TeamID: "team-1", Title: "b", Status: store.TaskPending})
	require.NoError(t, err)

	_, reg := newCatalog(t, builtin.Options{TeamID: "team-1", Tasks: mgr})
	progress, _ := reg.Lookup("team_progress")
	out := progress.Execute(context.Background(), map[string]any{})
	require.True(t, out.OK)
	require.Contains(t, tools.Format(out), "2 task(s)")
	require.Contains(t, tools.Format(out), "pending: 2")
}

type stubWorker struct{}

func (stubWorker) Stop(ctx context.Context) {}
