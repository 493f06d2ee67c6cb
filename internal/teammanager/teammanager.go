// Package teammanager implements team/session creation, supervised
// agent spawning (directly or from a configured template), and
// sub-team dissolution (spec.md §4.15).
package teammanager

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/treetopdevs/loom/internal/agent"
	"github.com/treetopdevs/loom/internal/bus"
	"github.com/treetopdevs/loom/internal/config"
	"github.com/treetopdevs/loom/internal/registry"
	"github.com/treetopdevs/loom/internal/store"
)

// SubTeamCompletedEvent is broadcast on the parent team's topic after
// dissolve_sub_team tears down every worker under team_id (spec.md
// §4.15 "publishes {sub_team_completed, team_id}").
type SubTeamCompletedEvent struct {
	TeamID string
}

// AgentFactory constructs and starts one supervised agent.Agent. It is
// a seam so tests can substitute a lightweight fake without standing
// up a full LLM/router/tracker stack.
type AgentFactory func(ctx context.Context, opts agent.Options) (*agent.Agent, error)

// Manager implements TeamManager (spec.md §4.15).
type Manager struct {
	store     store.Store
	bus       bus.Bus
	registry  *registry.Registry
	templates map[string]config.Team
	newAgent  AgentFactory
}

// Options configures a new Manager.
type Options struct {
	Store     store.Store
	Bus       bus.Bus
	Registry  *registry.Registry
	Templates map[string]config.Team
	// NewAgent defaults to agent.New when unset.
	NewAgent AgentFactory
}

// New constructs a Manager.
func New(opts Options) *Manager {
	newAgent := opts.NewAgent
	if newAgent == nil {
		newAgent = agent.New
	}
	return &Manager{
		store:     opts.Store,
		bus:       opts.Bus,
		registry:  opts.Registry,
		templates: opts.Templates,
		newAgent:  newAgent,
	}
}

// CreateTeam inserts a team row and returns its id (spec.md §4.15
// "create_team(name, project_path)").
func (m *Manager) CreateTeam(ctx context.Context, name, projectPath string) (store.Team, error) {
	team := store.Team{
		ID:          uuid.NewString(),
		Title:       name,
		ProjectPath: projectPath,
		Status:      store.TeamStatusActive,
	}
	return m.store.CreateTeam(ctx, team)
}

// SpawnAgent starts a supervised Agent under teamID and registers it
// (spec.md §4.15 "spawn_agent(team, name, role, opts)").
func (m *Manager) SpawnAgent(ctx context.Context, teamID string, opts agent.Options) (*agent.Agent, error) {
	opts.TeamID = teamID
	if opts.Bus == nil {
		opts.Bus = m.bus
	}
	if opts.Registry == nil {
		opts.Registry = m.registry
	}
	return m.newAgent(ctx, opts)
}

// SpawnFromTemplate expands the {name, role} pairs of a pre-configured
// `[team.templates.<name>]` section into one SpawnAgent call each
// (spec.md §4.15 "spawn_from_template(team, template_name)").
func (m *Manager) SpawnFromTemplate(ctx context.Context, teamID, templateName string, base agent.Options) ([]*agent.Agent, error) {
	tmpl, ok := m.templates[templateName]
	if !ok {
		return nil, fmt.Errorf("teammanager: unknown team template %q", templateName)
	}

	agents := make([]*agent.Agent, 0, len(tmpl.Agents))
	for _, spec := range tmpl.Agents {
		opts := base
		opts.Name = spec.Name
		opts.Role = spec.Role
		a, err := m.SpawnAgent(ctx, teamID, opts)
		if err != nil {
			return agents, fmt.Errorf("teammanager: spawn %q from template %q: %w", spec.Name, templateName, err)
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// DissolveSubTeam stops every worker registered under teamID and
// announces completion to the parent team (spec.md §4.15
// "dissolve_sub_team(team_id)").
func (m *Manager) DissolveSubTeam(ctx context.Context, teamID, parentTeamID string) {
	m.registry.DissolveTeam(ctx, teamID)
	if m.bus != nil && parentTeamID != "" {
		m.bus.Publish(ctx, bus.TeamTopic(parentTeamID), SubTeamCompletedEvent{TeamID: teamID})
	}
}
