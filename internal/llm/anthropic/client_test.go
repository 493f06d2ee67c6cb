package anthropic_test

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/llm"
	"github.com/treetopdevs/loom/internal/llm/anthropic"
)

type fakeMessages struct {
	resp *sdk.Message
	err  error
}

func (f *fakeMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	return f.resp, f.err
}

func TestGenerateTextTranslatesTextResponse(t *testing.T) {
	fake := &fakeMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "hello there"}},
		Usage:   sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	c, err := anthropic.New(fake, anthropic.Options{})
	require.NoError(t, err)

	resp, err := c.GenerateText(context.Background(), "claude-sonnet-4-6", []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
	}, llm.Options{})
	require.NoError(t, err)
	require.Equal(t, "hello there", resp.Text)
	require.Equal(t, 10, resp.Usage.InputTokens)
}

func TestGenerateTextRequiresModelID(t *testing.T) {
	c, err := anthropic.New(&fakeMessages{}, anthropic.Options{})
	require.NoError(t, err)
	_, err = c.GenerateText(context.Background(), "", nil, llm.Options{})
	require.Error(t, err)
}
