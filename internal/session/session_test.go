package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/llm"
	"github.com/treetopdevs/loom/internal/permissions"
	"github.com/treetopdevs/loom/internal/session"
	"github.com/treetopdevs/loom/internal/store"
	"github.com/treetopdevs/loom/internal/tools"
)

type scriptedLLM struct {
	responses []llm.Response
	calls     int
}

func (s *scriptedLLM) GenerateText(ctx context.Context, modelID string, messages []llm.Message, opts llm.Options) (llm.Response, error) {
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

type fileReadTool struct{}

func (fileReadTool) Definition() tools.Definition {
	return tools.Definition{Name: "file_read", Description: "read a file"}
}
func (fileReadTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	return tools.Ok("Content of README: Hello")
}

func newRegistry() *tools.Registry {
	r := tools.NewRegistry()
	r.Register(fileReadTool{})
	return r
}

func TestSendMessageSuspendsThenAllowOnceResumes(t *testing.T) {
	script := &scriptedLLM{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "file_read", Arguments: map[string]any{"file_path": "README.md"}}}},
		{Text: "It says Hello"},
	}}
	s := store.NewInMemory()
	perms := permissions.New(s, permissions.Config{})
	sess, err := session.New(context.Background(), session.Options{
		ID: "sess-1", Model: "anthropic:claude-sonnet-4-6", SystemPrompt: "sys",
		Tools: newRegistry(), Store: s, Permissions: perms, LLM: script,
	})
	require.NoError(t, err)

	out, err := sess.SendMessage(context.Background(), "read it")
	require.NoError(t, err)
	require.False(t, out.Done)
	require.NotEmpty(t, out.RequestID)

	out, err = sess.PermissionResponse(context.Background(), out.RequestID, session.ActionAllowOnce, "")
	require.NoError(t, err)
	require.True(t, out.Done)
	require.Equal(t, "It says Hello", out.Text)
}

func TestPermissionResponseDenyFormulatesDenialAndResumes(t *testing.T) {
	script := &scriptedLLM{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "file_read", Arguments: map[string]any{"file_path": "README.md"}}}},
		{Text: "I could not read it"},
	}}
	s := store.NewInMemory()
	perms := permissions.New(s, permissions.Config{})
	sess, err := session.New(context.Background(), session.Options{
		ID: "sess-2", Model: "anthropic:claude-sonnet-4-6", SystemPrompt: "sys",
		Tools: newRegistry(), Store: s, Permissions: perms, LLM: script,
	})
	require.NoError(t, err)

	out, err := sess.SendMessage(context.Background(), "read it")
	require.NoError(t, err)
	require.False(t, out.Done)

	out, err = sess.PermissionResponse(context.Background(), out.RequestID, session.ActionDeny, "")
	require.NoError(t, err)
	require.True(t, out.Done)
	require.Equal(t, "I could not read it", out.Text)
}

func TestAllowAlwaysGrantsStandingPermission(t *testing.T) {
	script := &scriptedLLM{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "file_read", Arguments: map[string]any{"file_path": "README.md"}}}},
		{Text: "done"},
		{Text: "done again, no prompt"},
	}}
	s := store.NewInMemory()
	perms := permissions.New(s, permissions.Config{})
	sess, err := session.New(context.Background(), session.Options{
		ID: "sess-3", Model: "anthropic:claude-sonnet-4-6", SystemPrompt: "sys",
		Tools: newRegistry(), Store: s, Permissions: perms, LLM: script,
	})
	require.NoError(t, err)

	out, err := sess.SendMessage(context.Background(), "read it")
	require.NoError(t, err)
	require.False(t, out.Done)

	out, err = sess.PermissionResponse(context.Background(), out.RequestID, session.ActionAllowAlways, "README.md")
	require.NoError(t, err)
	require.True(t, out.Done)

	decision, err := perms.Check(context.Background(), "sess-3", "file_read", "README.md")
	require.NoError(t, err)
	require.Equal(t, permissions.Allowed, decision)
}

func TestRunArchitectPlansThenExecutesEachItem(t *testing.T) {
	// The fake LLM client is shared across both sequential phases
	// (Session only routes by model string, the same way the real
	// Registry dispatches by provider prefix); the first response is
	// the planner's JSON plan, the second is the executor's report for
	// the single plan item.
	script := &scriptedLLM{responses: []llm.Response{
		{Text: `[{"file":"a.go","action":"create","description":"add helper","details":"export Foo"}]`},
		{Text: "created a.go"},
	}}
	sess, err := session.New(context.Background(), session.Options{
		ID: "sess-4", Model: "anthropic:claude-sonnet-4-6", SystemPrompt: "sys",
		Tools: newRegistry(), LLM: script,
	})
	require.NoError(t, err)

	result, err := sess.RunArchitect(context.Background(), "add a helper", "anthropic:claude-opus-4-6", "anthropic:claude-haiku-4-6")
	require.NoError(t, err)
	require.Len(t, result.Plan, 1)
	require.Equal(t, "a.go", result.Plan[0].File)
	require.Len(t, result.Results, 1)
	require.Equal(t, "created a.go", result.Results[0].Text)
}

func TestDeniedPermissionIsRefusedAtLoopLevel(t *testing.T) {
	script := &scriptedLLM{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "file_read", Arguments: map[string]any{"file_path": "secret.env"}}}},
		{Text: "cannot access"},
	}}
	s := store.NewInMemory()
	perms := permissions.New(s, permissions.Config{Denied: []string{"file_read:secret.env"}})
	sess, err := session.New(context.Background(), session.Options{
		ID: "sess-5", Model: "anthropic:claude-sonnet-4-6", SystemPrompt: "sys",
		Tools: newRegistry(), Store: s, Permissions: perms, LLM: script,
	})
	require.NoError(t, err)

	out, err := sess.SendMessage(context.Background(), "read secret.env")
	require.NoError(t, err)
	require.True(t, out.Done)
	require.Equal(t, "cannot access", out.Text)
}
