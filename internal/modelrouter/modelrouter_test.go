package modelrouter_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/costtracker"
	"github.com/treetopdevs/loom/internal/modelrouter"
)

func newRouter() *modelrouter.Router {
	return modelrouter.New(modelrouter.Config{
		RoleDefaults:    map[string]string{"coder": "zai:glm-5"},
		Default:         "anthropic:claude-sonnet-4-6",
		EscalationChain: []string{"zai:glm-5", "anthropic:claude-sonnet-4-6", "anthropic:claude-opus-4-6"},
		TierLabels:      map[string]string{"weak": "anthropic:claude-haiku-4-6"},
	}, costtracker.New())
}

func TestSelectPrefersModelHintWithColon(t *testing.T) {
	r := newRouter()
	require.Equal(t, "openai:gpt-5", r.Select("coder", "openai:gpt-5"))
}

func TestSelectResolvesTierLabel(t *testing.T) {
	r := newRouter()
	require.Equal(t, "anthropic:claude-haiku-4-6", r.Select("coder", "weak"))
}

func TestSelectFallsBackToRoleThenGlobalDefault(t *testing.T) {
	r := newRouter()
	require.Equal(t, "zai:glm-5", r.Select("coder", ""))
	require.Equal(t, "anthropic:claude-sonnet-4-6", r.Select("unknown-role", ""))
}

func TestRecordFailureAndSuccess(t *testing.T) {
	r := newRouter()
	r.RecordFailure("team-1", "alice", "task-1")
	r.RecordFailure("team-1", "alice", "task-1")
	require.True(t, r.ShouldEscalate("team-1", "alice", "task-1", 2))

	r.RecordSuccess("team-1", "alice", "task-1")
	require.Equal(t, 0, r.FailureCount("team-1", "alice", "task-1"))
	require.False(t, r.ShouldEscalate("team-1", "alice", "task-1", 2))
}

func TestEscalateWalksChainAndStopsAtTop(t *testing.T) {
	r := newRouter()
	result := r.Escalate(nil, "team-1", "alice", "task-1", "zai:glm-5")
	require.Equal(t, modelrouter.Escalated, result.Kind)
	require.Equal(t, "anthropic:claude-sonnet-4-6", result.NextModel)

	result = r.Escalate(nil, "team-1", "alice", "task-1", "anthropic:claude-opus-4-6")
	require.Equal(t, modelrouter.MaxReached, result.Kind)
}

func TestEscalateDisabledWithoutChain(t *testing.T) {
	r := modelrouter.New(modelrouter.Config{Default: "m"}, costtracker.New())
	result := r.Escalate(nil, "team-1", "alice", "task-1", "m")
	require.Equal(t, modelrouter.Disabled, result.Kind)
}
