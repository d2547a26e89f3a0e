package messagebus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nikhilgarg28/delegate/internal/core/eventbus"
	"github.com/nikhilgarg28/delegate/internal/core/messagebus"
	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/store"
)

func newTestBus(t *testing.T, isHuman messagebus.HumanResolver) (*store.Store, *messagebus.Bus) {
	t.Helper()
	s, err := store.OpenMemory("abc123")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	if isHuman == nil {
		isHuman = func(ctx context.Context, teamID, member string) bool { return false }
	}
	return s, messagebus.New(s, eventbus.New(), "abc123", isHuman)
}

func runFor(ctx context.Context, bus *messagebus.Bus) context.CancelFunc {
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = bus.Run(runCtx) }()
	return cancel
}

func TestSendRequiresTaskIDForAgentPairs(t *testing.T) {
	_, bus := newTestBus(t, nil)
	ctx := context.Background()

	_, err := bus.Send(ctx, model.Message{TeamID: "abc123", Sender: "alice", Recipient: "bob", Content: "hi"})
	require.ErrorIs(t, err, messagebus.ErrMissingTaskID)
}

func TestSendWaivesTaskIDForHumanEndpoint(t *testing.T) {
	_, bus := newTestBus(t, func(ctx context.Context, teamID, member string) bool { return member == "alice" })
	ctx := context.Background()

	msg, err := bus.Send(ctx, model.Message{TeamID: "abc123", Sender: "alice", Recipient: "bob", Content: "hi"})
	require.NoError(t, err)
	require.NotZero(t, msg.ID)
}

func TestSendDuplicateReplaysIdempotently(t *testing.T) {
	_, bus := newTestBus(t, nil)
	ctx := context.Background()
	now := time.Now()

	first, err := bus.Send(ctx, model.Message{TeamID: "abc123", Sender: "alice", Recipient: "bob", Content: "hi", TaskID: "1", SentAt: now})
	require.NoError(t, err)

	second, err := bus.Send(ctx, model.Message{TeamID: "abc123", Sender: "alice", Recipient: "bob", Content: "hi", TaskID: "1", SentAt: now})
	require.NoError(t, err, "a duplicate send must be a no-op, not an error")
	require.Equal(t, first.ID, second.ID)
}

func TestRunDeliversAndNotifiesRecipient(t *testing.T) {
	_, bus := newTestBus(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var delivered []string
	bus.SetOnDelivered(func(agent string) { delivered = append(delivered, agent) })

	stop := runFor(ctx, bus)
	defer stop()

	_, err := bus.Send(ctx, model.Message{TeamID: "abc123", Sender: "alice", Recipient: "bob", Content: "one", TaskID: "1"})
	require.NoError(t, err)
	_, err = bus.Send(ctx, model.Message{TeamID: "abc123", Sender: "alice", Recipient: "bob", Content: "two", TaskID: "1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(delivered) > 0
	}, time.Second, 10*time.Millisecond, "expected at least one delivery notification")

	require.Eventually(t, func() bool {
		return bus.PendingDeliveries() == 0
	}, time.Second, 10*time.Millisecond, "backlog should drain once delivery sweeps")
}

func TestMarkSeenAndProcessedAdvanceLifecycle(t *testing.T) {
	s, bus := newTestBus(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stop := runFor(ctx, bus)
	defer stop()

	msg, err := bus.Send(ctx, model.Message{TeamID: "abc123", Sender: "alice", Recipient: "bob", Content: "hi", TaskID: "1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inbox, err := s.Inbox(ctx, "abc123", "bob")
		return err == nil && len(inbox) == 1 && inbox[0].Delivered()
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.MarkSeen(ctx, msg.ID, time.Now()))
	require.NoError(t, bus.MarkProcessed(ctx, msg.ID, time.Now()))

	inbox, err := s.Inbox(ctx, "abc123", "bob")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.True(t, inbox[0].Processed())
}
