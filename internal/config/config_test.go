package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/config"
)

const sampleTOML = `
[model]
default = "anthropic:claude-sonnet-4-6"
weak = "zai:glm-5"
architect = "anthropic:claude-opus-4-6"
editor = "anthropic:claude-haiku-4-6"

[model.escalation]
chain = ["zai:glm-5", "anthropic:claude-sonnet-4-6", "anthropic:claude-opus-4-6"]

[permissions]
auto_approve = ["file_read"]
denied = ["shell_execute:rm -rf*"]

[context]
max_repo_map_tokens = 4000
max_decision_context_tokens = 2000
reserved_output_tokens = 1000

[team.templates.review_squad]
agents = [{name = "reviewer", role = "reviewer"}, {name = "tester", role = "tester"}]

[rate_limits.anthropic]
capacity = 60
refill_per_second = 1.0

[budget]
limit_usd = 25.0
`

func TestLoadDecodesFullProjectConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "anthropic:claude-sonnet-4-6", cfg.Model.Default)
	require.Equal(t, []string{"zai:glm-5", "anthropic:claude-sonnet-4-6", "anthropic:claude-opus-4-6"}, cfg.Model.Escalation.Chain)
	require.Equal(t, []string{"file_read"}, cfg.Permissions.AutoApprove)
	require.Equal(t, 4000, cfg.Context.MaxRepoMapTokens)
	require.Equal(t, 25.0, cfg.Budget.LimitUSD)

	tmpl, ok := cfg.Team.Templates["review_squad"]
	require.True(t, ok)
	require.Len(t, tmpl.Agents, 2)
	require.Equal(t, "reviewer", tmpl.Agents[0].Role)

	rl, ok := cfg.RateLimits["anthropic"]
	require.True(t, ok)
	require.Equal(t, 60, rl.Capacity)
}

func TestLoadAppliesDBPathAndPortEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))

	t.Setenv("DB_PATH", "/tmp/custom.db")
	t.Setenv("PORT", "9090")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom.db", cfg.DBPath)
	require.Equal(t, 9090, cfg.Port)
}

func TestAPIKeyReadsProviderEnvVar(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-123")
	require.Equal(t, "sk-test-123", config.APIKey("anthropic"))
}

func TestModelRouterConfigProjection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	mrc := cfg.ModelRouterConfig()
	require.Equal(t, "anthropic:claude-sonnet-4-6", mrc.Default)
	require.Equal(t, "zai:glm-5", mrc.RoleDefaults["weak"])
	require.Len(t, mrc.EscalationChain, 3)
}
