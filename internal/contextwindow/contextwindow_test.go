package contextwindow_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/contextwindow"
	"github.com/treetopdevs/loom/internal/store"
)

func TestBuildMessagesAlwaysStartsWithSystemPrompt(t *testing.T) {
	history := []store.Message{
		{Role: store.RoleUser, Content: "hello"},
		{Role: store.RoleAssistant, Content: "hi there"},
	}
	result := contextwindow.BuildMessages(context.Background(), history, "you are a helpful assistant", contextwindow.Options{Model: "anthropic:claude-sonnet-4-6"})

	require.Equal(t, store.RoleSystem, result.Messages[0].Role)
	require.Equal(t, "you are a helpful assistant", result.Messages[0].Content)
	require.LessOrEqual(t, result.EstimatedTokens, result.ModelLimit)
}

func TestBuildMessagesNeverDropsLastMessage(t *testing.T) {
	var history []store.Message
	for i := 0; i < 500; i++ {
		history = append(history, store.Message{Role: store.RoleUser, Content: strings.Repeat("x", 400)})
	}
	history = append(history, store.Message{Role: store.RoleUser, Content: "the very last message"})

	result := contextwindow.BuildMessages(context.Background(), history, "system", contextwindow.Options{
		Model:     "anthropic:claude-sonnet-4-6",
		MaxTokens: 1000, // tiny budget forces heavy truncation
	})

	last := result.Messages[len(result.Messages)-1]
	require.Equal(t, "the very last message", last.Content)
	require.Positive(t, result.Dropped)
}

func TestBuildMessagesInjectsDecisionContextAndRepoMap(t *testing.T) {
	result := contextwindow.BuildMessages(context.Background(), nil, "system", contextwindow.Options{
		Model:           "anthropic:claude-sonnet-4-6",
		DecisionContext: "Active goal: ship v1",
		RepoMap:         "internal/agent/agent.go",
	})

	require.Len(t, result.Messages, 3)
	require.Equal(t, "Active goal: ship v1", result.Messages[1].Content)
	require.Equal(t, "internal/agent/agent.go", result.Messages[2].Content)
}

func TestBuildMessagesRespectsUnknownModelDefault(t *testing.T) {
	result := contextwindow.BuildMessages(context.Background(), nil, "system", contextwindow.Options{Model: "some:unknown-model"})
	require.Equal(t, 128_000, result.ModelLimit)
}

func TestEstimateTokensFourCharsPerToken(t *testing.T) {
	require.Equal(t, 3, contextwindow.EstimateTokens("abcdefghij")) // 10 chars -> ceil(10/4) = 3
	require.Equal(t, 0, contextwindow.EstimateTokens(""))
}
