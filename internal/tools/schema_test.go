package tools_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/tools"
)

func fileReadDef() tools.Definition {
	return tools.Definition{
		Name: "file_read",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{"type": "string"},
				"limit":     map[string]any{"type": "integer"},
			},
			"required": []string{"file_path"},
		},
	}
}

func TestValidateAcceptsConformingArguments(t *testing.T) {
	err := tools.Validate(fileReadDef(), map[string]any{"file_path": "README.md"})
	require.NoError(t, err)
}

func TestValidateRejectsMissingRequiredArgument(t *testing.T) {
	err := tools.Validate(fileReadDef(), map[string]any{"limit": 10})
	require.Error(t, err)
}

func TestValidateRejectsWrongType(t *testing.T) {
	err := tools.Validate(fileReadDef(), map[string]any{"file_path": "README.md", "limit": "ten"})
	require.Error(t, err)
}

func TestValidateNoOpWhenToolDeclaresNoSchema(t *testing.T) {
	err := tools.Validate(tools.Definition{Name: "no_schema"}, map[string]any{"anything": true})
	require.NoError(t, err)
}

func TestCanonicalizeFoldsCaseInsensitiveKeyToDeclaredSpelling(t *testing.T) {
	out := tools.Canonicalize(fileReadDef(), map[string]any{"File_Path": "README.md"})
	require.Equal(t, "README.md", out["file_path"])
	_, hasWrongCase := out["File_Path"]
	require.False(t, hasWrongCase)
}

func TestCanonicalizePassesThroughUnknownKeys(t *testing.T) {
	out := tools.Canonicalize(fileReadDef(), map[string]any{"file_path": "README.md", "extra": 1})
	require.Equal(t, "README.md", out["file_path"])
	require.Equal(t, 1, out["extra"])
}
