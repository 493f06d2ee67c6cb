package openai_test

import (
	"context"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/llm"
	"github.com/treetopdevs/loom/internal/llm/openai"
)

type fakeChat struct {
	resp *sdk.ChatCompletion
	err  error
}

func (f *fakeChat) New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error) {
	return f.resp, f.err
}

func TestGenerateTextTranslatesChoice(t *testing.T) {
	fake := &fakeChat{resp: &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{
			Message: sdk.ChatCompletionMessage{Content: "final answer"},
		}},
		Usage: sdk.CompletionUsage{PromptTokens: 20, CompletionTokens: 8},
	}}
	c, err := openai.New(fake)
	require.NoError(t, err)

	resp, err := c.GenerateText(context.Background(), "gpt-5", []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
	}, llm.Options{})
	require.NoError(t, err)
	require.Equal(t, "final answer", resp.Text)
	require.Equal(t, 20, resp.Usage.InputTokens)
}

func TestGenerateTextRequiresModelID(t *testing.T) {
	c, err := openai.New(&fakeChat{})
	require.NoError(t, err)
	_, err = c.GenerateText(context.Background(), "", nil, llm.Options{})
	require.Error(t, err)
}
