package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/llm"
)

type fakeClient struct {
	lastModel string
	resp      llm.Response
}

func (f *fakeClient) GenerateText(ctx context.Context, modelID string, messages []llm.Message, opts llm.Options) (llm.Response, error) {
	f.lastModel = modelID
	return f.resp, nil
}

func TestParseModelSplitsOnFirstColon(t *testing.T) {
	provider, modelID := llm.ParseModel("anthropic:claude-sonnet-4-6", "zai")
	require.Equal(t, "anthropic", provider)
	require.Equal(t, "claude-sonnet-4-6", modelID)
}

func TestParseModelFallsBackToDefaultProvider(t *testing.T) {
	provider, modelID := llm.ParseModel("glm-5", "zai")
	require.Equal(t, "zai", provider)
	require.Equal(t, "glm-5", modelID)
}

func TestRegistryDispatchesToRegisteredProvider(t *testing.T) {
	anthropic := &fakeClient{resp: llm.Response{Text: "hi"}}
	r := llm.NewRegistry("zai")
	r.Register("anthropic", anthropic)

	resp, err := r.GenerateText(context.Background(), "anthropic:claude-opus-4-6", nil, llm.Options{})
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Text)
	require.Equal(t, "claude-opus-4-6", anthropic.lastModel)
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := llm.NewRegistry("zai")
	_, err := r.GenerateText(context.Background(), "openai:gpt-5", nil, llm.Options{})
	require.ErrorIs(t, err, llm.ErrUnknownProvider)
}

func TestClassifyToolCallsTakesPriorityOverText(t *testing.T) {
	resp := llm.Response{
		Text:      "let me check",
		ToolCalls: []llm.ToolCall{{ID: "1", Name: "file_read"}},
	}
	c := resp.Classify()
	require.Equal(t, llm.StopToolCalls, c.Kind)
	require.Len(t, c.ToolCalls, 1)
}

func TestClassifyFinalAnswerWhenNoToolCalls(t *testing.T) {
	resp := llm.Response{Text: "done"}
	c := resp.Classify()
	require.Equal(t, llm.StopFinalAnswer, c.Kind)
	require.Equal(t, "done", c.Text)
}
