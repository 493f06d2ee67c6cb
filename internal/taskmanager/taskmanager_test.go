package taskmanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	busPkg "github.com/treetopdevs/loom/internal/bus"
	"github.com/treetopdevs/loom/internal/store"
	"github.com/treetopdevs/loom/internal/taskmanager"
)

func TestCreateAndListAllOrderedByPriority(t *testing.T) {
	ctx := context.Background()
	b := busPkg.New()
	defer b.Close()
	m := taskmanager.New(store.NewInMemory(), b)

	_, err := m.CreateTask(ctx, store.Task{TeamID: "team-1", Title: "low", Priority: 5})
	require.NoError(t, err)
	_, err = m.CreateTask(ctx, store.Task{TeamID: "team-1", Title: "high", Priority: 1})
	require.NoError(t, err)

	tasks, err := m.ListAll(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, "high", tasks[0].Title)
	require.Equal(t, "low", tasks[1].Title)
}

func TestAssignTaskPublishesEvent(t *testing.T) {
	ctx := context.Background()
	b := busPkg.New()
	defer b.Close()
	m := taskmanager.New(store.NewInMemory(), b)

	received := make(chan busPkg.Event, 1)
	sub := b.Subscribe(busPkg.TasksTopic("team-1"), func(ctx context.Context, evt busPkg.Event) {
		received <- evt
	})
	defer sub.Close()

	task, err := m.CreateTask(ctx, store.Task{TeamID: "team-1", Title: "write docs"})
	require.NoError(t, err)

	assigned, err := m.AssignTask(ctx, task.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, store.TaskAssigned, assigned.Status)
	require.Equal(t, "alice", assigned.Owner)

	select {
	case evt := <-received:
		payload := evt.Payload.(taskmanager.TaskAssignedEvent)
		require.Equal(t, task.ID, payload.TaskID)
		require.Equal(t, "alice", payload.AgentName)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task_assigned event")
	}
}

func TestDependencyGraph(t *testing.T) {
	ctx := context.Background()
	b := busPkg.New()
	defer b.Close()
	m := taskmanager.New(store.NewInMemory(), b)

	a, err := m.CreateTask(ctx, store.Task{TeamID: "team-1", Title: "a"})
	require.NoError(t, err)
	d, err := m.CreateTask(ctx, store.Task{TeamID: "team-1", Title: "dep"})
	require.NoError(t, err)

	_, err = m.AddDependency(ctx, a.ID, d.ID, store.DepBlocks)
	require.NoError(t, err)

	deps, err := m.ListDependencies(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.Equal(t, d.ID, deps[0].DependsOnID)
}
