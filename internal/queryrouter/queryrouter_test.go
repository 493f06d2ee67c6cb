package queryrouter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	busPkg "github.com/treetopdevs/loom/internal/bus"
	"github.com/treetopdevs/loom/internal/queryrouter"
)

func TestAskPublishesToTargetAgent(t *testing.T) {
	b := busPkg.New()
	defer b.Close()
	r := queryrouter.New(b)

	received := make(chan busPkg.Event, 1)
	sub := b.Subscribe(busPkg.AgentTopic("team-1", "bob"), func(ctx context.Context, evt busPkg.Event) {
		received <- evt
	})
	defer sub.Close()

	id := r.Ask(context.Background(), "team-1", "alice", "How is auth wired?", queryrouter.AskOptions{Target: "bob"})
	require.NotEmpty(t, id)

	select {
	case evt := <-received:
		payload := evt.Payload.(queryrouter.QueryEvent)
		require.Equal(t, "How is auth wired?", payload.Question)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestForwardIncrementsHopsAndEnforcesMaxHops(t *testing.T) {
	b := busPkg.New()
	defer b.Close()
	r := queryrouter.New(b)

	id := r.Ask(context.Background(), "team-1", "alice", "q", queryrouter.AskOptions{Target: "bob", MaxHops: 2})

	require.NoError(t, r.Forward(context.Background(), id, "bob", "carol", "see lib/auth"))
	require.Equal(t, 1, r.Hops(id))
	require.NoError(t, r.Forward(context.Background(), id, "carol", "dave", "also see docs"))
	require.Equal(t, 2, r.Hops(id))

	err := r.Forward(context.Background(), id, "dave", "eve", "one too many")
	require.ErrorIs(t, err, queryrouter.ErrMaxHopsReached)
}

func TestAnswerDeliversAndRemoves(t *testing.T) {
	b := busPkg.New()
	defer b.Close()
	r := queryrouter.New(b)

	received := make(chan busPkg.Event, 1)
	sub := b.Subscribe(busPkg.AgentTopic("team-1", "alice"), func(ctx context.Context, evt busPkg.Event) {
		received <- evt
	})
	defer sub.Close()

	id := r.Ask(context.Background(), "team-1", "alice", "How is auth wired?", queryrouter.AskOptions{Target: "bob"})
	require.NoError(t, r.Forward(context.Background(), id, "bob", "carol", "see lib/auth"))
	require.NoError(t, r.Answer(context.Background(), id, "carol", "JWT"))

	select {
	case evt := <-received:
		payload := evt.Payload.(queryrouter.QueryAnswerEvent)
		require.Equal(t, "JWT", payload.Answer)
		require.Contains(t, payload.Enrichments, "see lib/auth")
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	require.ErrorIs(t, r.Answer(context.Background(), id, "carol", "again"), queryrouter.ErrNotFound)
}

func TestExpireStaleRemovesOldQueries(t *testing.T) {
	b := busPkg.New()
	defer b.Close()
	r := queryrouter.New(b)

	id := r.Ask(context.Background(), "team-1", "alice", "q", queryrouter.AskOptions{Target: "bob"})
	time.Sleep(5 * time.Millisecond)

	removed := r.ExpireStale(1)
	require.Equal(t, 1, removed)
	require.ErrorIs(t, r.Answer(context.Background(), id, "bob", "late"), queryrouter.ErrNotFound)
}
