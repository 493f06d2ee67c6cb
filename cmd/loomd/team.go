package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treetopdevs/loom/internal/agent"
	"github.com/treetopdevs/loom/internal/contextwindow"
	"github.com/treetopdevs/loom/internal/store"
	"github.com/treetopdevs/loom/internal/tools"
	"github.com/treetopdevs/loom/internal/tools/builtin"
)

func newTeamCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "create and run multi-agent teams",
	}
	cmd.AddCommand(newTeamSpawnCmd(cfgFile))
	return cmd
}

func newTeamSpawnCmd(cfgFile *string) *cobra.Command {
	var projectPath, template string

	cmd := &cobra.Command{
		Use:   "spawn <team-name>",
		Short: "create a team and spawn its agents from a configured template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTeamSpawn(cmd.Context(), *cfgFile, args[0], projectPath, template)
		},
	}
	cmd.Flags().StringVar(&projectPath, "project", ".", "project root the team operates on")
	cmd.Flags().StringVar(&template, "template", "", "[team.templates.<name>] to expand into agents")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func runTeamSpawn(ctx context.Context, cfgFile, teamName, projectPath, template string) error {
	rt, err := newRuntime(cfgFile)
	if err != nil {
		return err
	}

	teamTemplate, ok := rt.cfg.Team.Templates[template]
	if !ok {
		return fmt.Errorf("loomd: unknown team template %q", template)
	}

	team, err := rt.teams.CreateTeam(ctx, teamName, projectPath)
	if err != nil {
		return fmt.Errorf("loomd: create team: %w", err)
	}

	roleProvider := func(role string) (agent.RoleConfig, error) {
		return agent.RoleConfig{SystemPrompt: fmt.Sprintf("You are a %s on team %s.", role, teamName), MaxIterations: 25}, nil
	}

	for _, member := range teamTemplate.Agents {
		if _, err := spawnTeamAgent(ctx, rt, team.ID, member.Name, member.Role, projectPath, roleProvider); err != nil {
			return fmt.Errorf("loomd: spawn %s: %w", member.Name, err)
		}
		fmt.Printf("spawned %s (role=%s) on team %s\n", member.Name, member.Role, team.ID)
	}

	return nil
}

// spawnTeamAgent builds the per-agent tool catalog and the Agent
// together, breaking the circular dependency between them the same
// way runSession does: the catalog's Messages closure reads the
// *agent.Agent pointer that is only assigned once SpawnAgent returns.
func spawnTeamAgent(ctx context.Context, rt *runtime, teamID, name, role, projectPath string, roleProvider agent.RoleProvider) (*agent.Agent, error) {
	var a *agent.Agent
	toolRegistry := tools.NewRegistry()
	builtin.New(builtin.Options{
		TeamID:    teamID,
		AgentName: name,
		Store:     rt.store,
		Bus:       rt.bus,
		Registry:  rt.registry,
		LLM:       rt.llm,
		Decisions: rt.decisions,
		Queries:   rt.queries,
		Tasks:     rt.tasks,
		Teams:     rt.teams,
		Messages: func() []store.Message {
			if a == nil {
				return nil
			}
			return a.Messages()
		},
		SmartRetrieveModel: rt.cfg.Model.Weak,
	}, toolRegistry)

	opts := agent.Options{
		Name:              name,
		Role:              role,
		ProjectPath:       projectPath,
		RoleProvider:      roleProvider,
		Tools:             toolRegistry,
		LLM:               rt.llm,
		Models:            rt.models,
		Costs:             rt.costs,
		Budget:            rt.budget,
		Decisions:         rt.decisions,
		Tasks:             rt.tasks,
		EscalationEnabled: true,
		ContextOptions: contextwindow.Options{
			ReservedOutput: rt.cfg.Context.ReservedOutputTokens,
		},
		Logger:  rt.logger,
		Metrics: rt.metrics,
		Tracer:  rt.tracer,
	}

	spawned, err := rt.teams.SpawnAgent(ctx, teamID, opts)
	if err != nil {
		return nil, err
	}
	a = spawned
	return a, nil
}
