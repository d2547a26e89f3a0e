package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nikhilgarg28/delegate/internal/core/eventbus"
)

func TestPublishSubscribeDelivers(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx)
	bus.Publish(eventbus.KindTurnStarted, "abc123", "alice")

	select {
	case ev := <-ch:
		require.Equal(t, eventbus.KindTurnStarted, ev.Payload.Kind)
		require.Equal(t, "abc123", ev.Payload.TeamID)
		require.Equal(t, "alice", ev.Payload.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := eventbus.NewWithBuffer(1)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = bus.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(eventbus.KindActivity, "abc123", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
