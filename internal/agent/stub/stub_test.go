package stub_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nikhilgarg28/delegate/internal/agent/stub"
	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/scheduler"
)

func TestRunTurnAcknowledgesEveryInboxMessage(t *testing.T) {
	a := stub.New()

	req := scheduler.TurnRequest{
		Agent:  "bob",
		TeamID: "team1",
		InboxSnapshot: []model.Message{
			{ID: 1, Sender: "alice", Recipient: "bob", Content: "hello", TaskID: "T0001"},
			{ID: 2, Sender: "carol", Recipient: "bob", Content: "ping", TaskID: "T0002"},
		},
		Cancel: make(chan struct{}),
	}

	result, err := a.RunTurn(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Actions, 2)

	require.Equal(t, "send_message", result.Actions[0].Kind)
	require.Equal(t, "alice", result.Actions[0].Args["recipient"])
	require.Equal(t, "ack: hello", result.Actions[0].Args["content"])
	require.Equal(t, "T0001", result.Actions[0].Args["task_id"])

	require.Equal(t, "carol", result.Actions[1].Args["recipient"])
}

func TestRunTurnHonorsCustomPrefix(t *testing.T) {
	a := &stub.Adapter{ReplyPrefix: "received: "}

	req := scheduler.TurnRequest{
		InboxSnapshot: []model.Message{{Sender: "alice", Content: "hi"}},
		Cancel:        make(chan struct{}),
	}

	result, err := a.RunTurn(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "received: hi", result.Actions[0].Args["content"])
}

func TestRunTurnEmptyInboxProducesNoActions(t *testing.T) {
	a := stub.New()
	result, err := a.RunTurn(context.Background(), scheduler.TurnRequest{Cancel: make(chan struct{})})
	require.NoError(t, err)
	require.Empty(t, result.Actions)
}

func TestRunTurnStopsOnCancel(t *testing.T) {
	a := stub.New()
	cancel := make(chan struct{})
	close(cancel)

	req := scheduler.TurnRequest{
		InboxSnapshot: []model.Message{{Sender: "alice", Content: "hi"}},
		Cancel:        cancel,
	}

	_, err := a.RunTurn(context.Background(), req)
	require.Error(t, err)
}
