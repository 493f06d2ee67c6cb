package teammanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/agent"
	"github.com/treetopdevs/loom/internal/bus"
	"github.com/treetopdevs/loom/internal/config"
	"github.com/treetopdevs/loom/internal/registry"
	"github.com/treetopdevs/loom/internal/store"
	"github.com/treetopdevs/loom/internal/teammanager"
	"github.com/treetopdevs/loom/internal/tools"
)

func fakeAgentFactory(spawned *[]string) teammanager.AgentFactory {
	return func(ctx context.Context, opts agent.Options) (*agent.Agent, error) {
		*spawned = append(*spawned, opts.Name+":"+opts.Role)
		return agent.New(ctx, opts)
	}
}

func roleProvider() agent.RoleProvider {
	return func(role string) (agent.RoleConfig, error) { return agent.RoleConfig{SystemPrompt: "sys"}, nil }
}

func TestCreateTeamInsertsRow(t *testing.T) {
	s := store.NewInMemory()
	m := teammanager.New(teammanager.Options{Store: s, Bus: bus.New(), Registry: registry.New()})

	team, err := m.CreateTeam(context.Background(), "squad", "/repo")
	require.NoError(t, err)
	require.NotEmpty(t, team.ID)
	require.Equal(t, "squad", team.Title)
	require.Equal(t, store.TeamStatusActive, team.Status)
}

func TestSpawnAgentRegistersUnderTeam(t *testing.T) {
	reg := registry.New()
	m := teammanager.New(teammanager.Options{Bus: bus.New(), Registry: reg})

	_, err := m.SpawnAgent(context.Background(), "team-1", agent.Options{
		Name: "alice", Role: "coder",
		RoleProvider: roleProvider(),
		Tools:        tools.NewRegistry(),
	})
	require.NoError(t, err)

	entry, err := reg.Get("team-1", "alice")
	require.NoError(t, err)
	require.Equal(t, "coder", entry.Metadata["role"])
}

func TestSpawnFromTemplateExpandsConfiguredAgents(t *testing.T) {
	reg := registry.New()
	templates := map[string]config.Team{
		"review_squad": {Agents: []config.TemplateAgent{
			{Name: "reviewer", Role: "reviewer"},
			{Name: "tester", Role: "tester"},
		}},
	}
	var spawned []string
	m := teammanager.New(teammanager.Options{
		Bus: bus.New(), Registry: reg, Templates: templates,
		NewAgent: fakeAgentFactory(&spawned),
	})

	agents, err := m.SpawnFromTemplate(context.Background(), "team-2", "review_squad", agent.Options{
		RoleProvider: roleProvider(),
		Tools:        tools.NewRegistry(),
	})
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.ElementsMatch(t, []string{"reviewer:reviewer", "tester:tester"}, spawned)
}

func TestSpawnFromTemplateUnknownNameErrors(t *testing.T) {
	m := teammanager.New(teammanager.Options{Bus: bus.New(), Registry: registry.New()})
	_, err := m.SpawnFromTemplate(context.Background(), "team-3", "missing", agent.Options{})
	require.Error(t, err)
}

func TestDissolveSubTeamStopsWorkersAndAnnouncesParent(t *testing.T) {
	reg := registry.New()
	b := bus.New()
	m := teammanager.New(teammanager.Options{Bus: b, Registry: reg})

	_, err := m.SpawnAgent(context.Background(), "sub-team", agent.Options{
		Name: "alice", Role: "coder", RoleProvider: roleProvider(), Tools: tools.NewRegistry(),
	})
	require.NoError(t, err)

	received := make(chan teammanager.SubTeamCompletedEvent, 1)
	b.Subscribe(bus.TeamTopic("parent-team"), func(ctx context.Context, evt bus.Event) {
		if e, ok := evt.Payload.(teammanager.SubTeamCompletedEvent); ok {
			received <- e
		}
	})

	m.DissolveSubTeam(context.Background(), "sub-team", "parent-team")

	_, err = reg.Get("sub-team", "alice")
	require.Error(t, err)

	select {
	case e := <-received:
		require.Equal(t, "sub-team", e.TeamID)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected sub_team_completed event")
	}
}
