// Package taskmanager implements team task CRUD, the task dependency
// graph, and assignment/publication of task_assigned events (spec.md
// §4.14).
package taskmanager

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/treetopdevs/loom/internal/bus"
	"github.com/treetopdevs/loom/internal/store"
)

// TaskAssignedEvent is the payload published on a team's tasks topic
// when a task is assigned.
type TaskAssignedEvent struct {
	TaskID    string
	AgentName string
}

// Manager implements TaskManager (spec.md §4.14).
type Manager struct {
	store store.Store
	bus   bus.Bus
}

// New constructs a Manager.
func New(s store.Store, b bus.Bus) *Manager {
	return &Manager{store: s, bus: b}
}

// CreateTask inserts a new task for team.
func (m *Manager) CreateTask(ctx context.Context, team store.Task) (store.Task, error) {
	if team.ID == "" {
		team.ID = uuid.NewString()
	}
	return m.store.CreateTask(ctx, team)
}

// GetTask fetches a task by id.
func (m *Manager) GetTask(ctx context.Context, id string) (store.Task, error) {
	return m.store.GetTask(ctx, id)
}

// UpdateTask persists changes to an existing task.
func (m *Manager) UpdateTask(ctx context.Context, t store.Task) (store.Task, error) {
	return m.store.UpdateTask(ctx, t)
}

// ListAll returns every task for teamID, ordered by priority ascending
// then insertion order (spec.md §4.14 "list_all").
func (m *Manager) ListAll(ctx context.Context, teamID string) ([]store.Task, error) {
	return m.store.ListTasks(ctx, teamID)
}

// AddDependency links task taskID to dependsOnID.
func (m *Manager) AddDependency(ctx context.Context, taskID, dependsOnID string, depType store.TaskDepType) (store.TaskDependency, error) {
	return m.store.AddTaskDependency(ctx, store.TaskDependency{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		DependsOnID: dependsOnID,
		DepType:     depType,
	})
}

// ListDependencies returns every dependency declared for taskID.
func (m *Manager) ListDependencies(ctx context.Context, taskID string) ([]store.TaskDependency, error) {
	return m.store.ListTaskDependencies(ctx, taskID)
}

// AssignTask sets the task's owner and status=assigned, then publishes
// a task_assigned event on the team's tasks topic.
func (m *Manager) AssignTask(ctx context.Context, taskID, agentName string) (store.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, fmt.Errorf("assign task: %w", err)
	}
	task.Owner = agentName
	task.Status = store.TaskAssigned
	task, err = m.store.UpdateTask(ctx, task)
	if err != nil {
		return store.Task{}, fmt.Errorf("assign task: %w", err)
	}
	m.bus.Publish(ctx, bus.TasksTopic(task.TeamID), TaskAssignedEvent{TaskID: task.ID, AgentName: agentName})
	return task, nil
}
