package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treetopdevs/loom/internal/bus"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := bus.New()
	defer b.Close()

	received := make(chan bus.Event, 1)
	sub := b.Subscribe("peer_message", func(ctx context.Context, evt bus.Event) {
		received <- evt
	})
	defer sub.Close()

	b.Publish(context.Background(), "peer_message", map[string]string{"from": "alice"})

	select {
	case evt := <-received:
		require.Equal(t, "peer_message", evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishPreservesPerPublisherOrder(t *testing.T) {
	b := bus.New(bus.WithQueueDepth(16))
	defer b.Close()

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	sub := b.Subscribe("seq", func(ctx context.Context, evt bus.Event) {
		mu.Lock()
		seen = append(seen, evt.Payload.(int))
		if len(seen) == 10 {
			close(done)
		}
		mu.Unlock()
	})
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish(context.Background(), "seq", i)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for all events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		require.Equal(t, i, v)
	}
}

func TestClosedSubscriptionReceivesNoMoreEvents(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var count int
	var mu sync.Mutex
	sub := b.Subscribe("x", func(ctx context.Context, evt bus.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	sub.Close()
	sub.Close() // idempotent

	b.Publish(context.Background(), "x", "ignored")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, count)
}

func TestSlowSubscriberDropsRatherThanBlocksPublisher(t *testing.T) {
	b := bus.New(bus.WithQueueDepth(1))
	defer b.Close()

	block := make(chan struct{})
	sub := b.Subscribe("slow", func(ctx context.Context, evt bus.Event) {
		<-block
	})
	defer func() {
		close(block)
		sub.Close()
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(context.Background(), "slow", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
