package tools_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/tools"
)

type echoTool struct{ def tools.Definition }

func (e echoTool) Definition() tools.Definition { return e.def }
func (e echoTool) Execute(ctx context.Context, params map[string]any) tools.Outcome {
	return tools.Ok(params["text"])
}

func TestFormatOkResultMap(t *testing.T) {
	out := tools.Ok(map[string]any{"result": "README says hi"})
	require.Equal(t, "README says hi", tools.Format(out))
}

func TestFormatOkPlainString(t *testing.T) {
	require.Equal(t, "hello", tools.Format(tools.Ok("hello")))
}

func TestFormatOkMapWithoutResultKeyDumps(t *testing.T) {
	out := tools.Ok(map[string]any{"count": 3})
	require.Equal(t, "{count: 3}", tools.Format(out))
}

func TestFormatErrorMessageMap(t *testing.T) {
	out := tools.Error(map[string]any{"message": "not found"})
	require.Equal(t, "Error: not found", tools.Format(out))
}

func TestFormatErrorString(t *testing.T) {
	require.Equal(t, "Error: boom", tools.Format(tools.ErrorString("boom")))
}

func TestFormatErrorGoError(t *testing.T) {
	require.Equal(t, "Error: disk full", tools.Format(tools.Error(errors.New("disk full"))))
}

func TestRegistryLookupAndDefinitionsSorted(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(echoTool{def: tools.Definition{Name: "zeta"}})
	r.Register(echoTool{def: tools.Definition{Name: "alpha"}})

	found, ok := r.Lookup("alpha")
	require.True(t, ok)
	require.Equal(t, "alpha", found.Definition().Name)

	defs := r.Definitions()
	require.Len(t, defs, 2)
	require.Equal(t, "alpha", defs[0].Name)
	require.Equal(t, "zeta", defs[1].Name)
}
