package permissions_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/permissions"
	"github.com/treetopdevs/loom/internal/store"
)

func TestCheckDefaultsToAsk(t *testing.T) {
	c := permissions.New(store.NewInMemory(), permissions.Config{})
	decision, err := c.Check(context.Background(), "session-1", "shell", "/repo")
	require.NoError(t, err)
	require.Equal(t, permissions.Ask, decision)
}

func TestCheckAutoApproveWildcard(t *testing.T) {
	c := permissions.New(store.NewInMemory(), permissions.Config{AutoApprove: []string{"file_read:*"}})
	decision, err := c.Check(context.Background(), "session-1", "file_read", "/repo/README.md")
	require.NoError(t, err)
	require.Equal(t, permissions.Allowed, decision)
}

func TestCheckDeniedTakesPriorityOverGrant(t *testing.T) {
	s := store.NewInMemory()
	c := permissions.New(s, permissions.Config{Denied: []string{"shell:*"}})
	require.NoError(t, c.Grant(context.Background(), "session-1", "shell", "*"))

	decision, err := c.Check(context.Background(), "session-1", "shell", "/repo")
	require.NoError(t, err)
	require.Equal(t, permissions.Denied, decision)
}

func TestGrantThenCheckReturnsAllowed(t *testing.T) {
	s := store.NewInMemory()
	c := permissions.New(s, permissions.Config{})

	decision, err := c.Check(context.Background(), "session-1", "file_write", "/repo/main.go")
	require.NoError(t, err)
	require.Equal(t, permissions.Ask, decision)

	require.NoError(t, c.Grant(context.Background(), "session-1", "file_write", "/repo/main.go"))

	decision, err = c.Check(context.Background(), "session-1", "file_write", "/repo/main.go")
	require.NoError(t, err)
	require.Equal(t, permissions.Allowed, decision)

	// a different path is not covered by the literal grant
	decision, err = c.Check(context.Background(), "session-1", "file_write", "/repo/other.go")
	require.NoError(t, err)
	require.Equal(t, permissions.Ask, decision)
}

func TestDerivePath(t *testing.T) {
	require.Equal(t, "/a", permissions.DerivePath(map[string]any{"file_path": "/a"}))
	require.Equal(t, "/b", permissions.DerivePath(map[string]any{"path": "/b"}))
	require.Equal(t, "*", permissions.DerivePath(map[string]any{}))
}
