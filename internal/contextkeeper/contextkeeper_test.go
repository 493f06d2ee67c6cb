package contextkeeper_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/contextkeeper"
	"github.com/treetopdevs/loom/internal/llm"
	"github.com/treetopdevs/loom/internal/registry"
	"github.com/treetopdevs/loom/internal/store"
)

func newKeeper(t *testing.T, s store.Store) *contextkeeper.Keeper {
	t.Helper()
	k, err := contextkeeper.New(context.Background(), contextkeeper.Options{
		ID:          "keeper-1",
		TeamID:      "team-1",
		Topic:       "auth investigation",
		SourceAgent: "alice",
		Store:       s,
		Debounce:    5 * time.Millisecond,
	})
	require.NoError(t, err)
	return k
}

func TestStoreThenFlushPersistsSnapshot(t *testing.T) {
	s := store.NewInMemory()
	k := newKeeper(t, s)

	k.Store(context.Background(), []store.Message{{Role: store.RoleUser, Content: "hello there"}}, map[string]any{"origin": "offload"})
	require.NoError(t, k.FlushPersist(context.Background()))

	snap, err := s.GetKeeperSnapshot(context.Background(), "keeper-1")
	require.NoError(t, err)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "offload", snap.Metadata["origin"])
}

func TestRepeatedStoreOfSameMessagesIsIdempotentOnTokenCount(t *testing.T) {
	s := store.NewInMemory()
	k := newKeeper(t, s)

	msgs := []store.Message{{Role: store.RoleUser, Content: "same content"}}
	k.Store(context.Background(), msgs, nil)
	first := k.TokenCount()
	require.NoError(t, k.FlushPersist(context.Background()))

	// Calling Store twice in a row with the exact same messages must
	// not double-count them (spec.md §8 invariant 4).
	k.Store(context.Background(), msgs, nil)
	require.Equal(t, first, k.TokenCount())
	require.Len(t, k.RetrieveAll(), 1)

	// Nothing new was queued by the repeat call, so FlushPersist is a
	// no-op rather than re-writing state.
	require.NoError(t, k.FlushPersist(context.Background()))
	snap, err := s.GetKeeperSnapshot(context.Background(), "keeper-1")
	require.NoError(t, err)
	require.Equal(t, first, snap.TokenCount)
}

func TestDebouncedPersistCoalescesReentrantStores(t *testing.T) {
	s := store.NewInMemory()
	k := newKeeper(t, s)

	k.Store(context.Background(), []store.Message{{Role: store.RoleUser, Content: "a"}}, nil)
	k.Store(context.Background(), []store.Message{{Role: store.RoleUser, Content: "b"}}, nil)

	time.Sleep(20 * time.Millisecond)

	snap, err := s.GetKeeperSnapshot(context.Background(), "keeper-1")
	require.NoError(t, err)
	require.Len(t, snap.Messages, 2)
}

func TestRetrieveReturnsAllBelowBudget(t *testing.T) {
	s := store.NewInMemory()
	k := newKeeper(t, s)
	k.Store(context.Background(), []store.Message{
		{Role: store.RoleUser, Content: "short message one"},
		{Role: store.RoleAssistant, Content: "short message two"},
	}, nil)

	got := k.Retrieve("anything")
	require.Len(t, got, 2)
}

func TestRetrieveScoresByKeywordOverlapAboveBudget(t *testing.T) {
	s := store.NewInMemory()
	k := newKeeper(t, s)

	big := strings.Repeat("x", 50_000) // forces token_count above the raw retrieve budget
	k.Store(context.Background(), []store.Message{
		{Role: store.RoleUser, Content: big},
		{Role: store.RoleAssistant, Content: "auth is wired through lib/auth and JWT"},
	}, nil)

	got := k.Retrieve("how is auth wired")
	require.NotEmpty(t, got)
	require.Contains(t, got[0].Content, "auth")
}

func TestIndexEntryFormat(t *testing.T) {
	s := store.NewInMemory()
	k := newKeeper(t, s)
	k.Store(context.Background(), []store.Message{{Role: store.RoleUser, Content: "hi"}}, nil)
	require.Equal(t, "[Keeper:keeper-1] topic=auth investigation source=alice tokens=1", k.IndexEntry())
}

type fakeLLM struct {
	resp llm.Response
	err  error
}

func (f fakeLLM) GenerateText(ctx context.Context, modelID string, messages []llm.Message, opts llm.Options) (llm.Response, error) {
	return f.resp, f.err
}

func TestSmartRetrieveUsesLLMOnSuccess(t *testing.T) {
	s := store.NewInMemory()
	k, err := contextkeeper.New(context.Background(), contextkeeper.Options{
		ID: "keeper-2", TeamID: "team-1", Store: s,
		LLM: fakeLLM{resp: llm.Response{Text: "JWT, per lib/auth"}},
	})
	require.NoError(t, err)
	k.Store(context.Background(), []store.Message{{Role: store.RoleUser, Content: "auth uses JWT"}}, nil)

	answer, err := k.SmartRetrieve(context.Background(), "anthropic:claude-haiku-4-6", "how is auth wired?")
	require.NoError(t, err)
	require.Equal(t, "JWT, per lib/auth", answer)
}

func TestSmartRetrieveFallsBackToKeywordRetrieveOnLLMFailure(t *testing.T) {
	s := store.NewInMemory()
	k, err := contextkeeper.New(context.Background(), contextkeeper.Options{
		ID: "keeper-3", TeamID: "team-1", Store: s,
		LLM: fakeLLM{err: require.AnError},
	})
	require.NoError(t, err)
	k.Store(context.Background(), []store.Message{{Role: store.RoleUser, Content: "auth uses JWT"}}, nil)

	answer, err := k.SmartRetrieve(context.Background(), "anthropic:claude-haiku-4-6", "how is auth wired?")
	require.NoError(t, err)
	require.Contains(t, answer, "[user]: auth uses JWT")
}

func TestRegistersUnderKeeperName(t *testing.T) {
	s := store.NewInMemory()
	reg := registry.New()
	_, err := contextkeeper.New(context.Background(), contextkeeper.Options{
		ID: "keeper-4", TeamID: "team-1", Topic: "x", Store: s, Registry: reg,
	})
	require.NoError(t, err)

	entry, err := reg.Get("team-1", "keeper:keeper-4")
	require.NoError(t, err)
	require.Equal(t, "keeper", entry.Metadata["type"])
}

func TestIsQuestionModeDetection(t *testing.T) {
	require.True(t, contextkeeper.IsQuestionMode("how is auth wired?"))
	require.True(t, contextkeeper.IsQuestionMode("What is the plan"))
	require.False(t, contextkeeper.IsQuestionMode("see lib/auth for details"))
}
