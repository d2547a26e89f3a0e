package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenMemory("abc123")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateTaskAllocatesMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateTask(ctx, model.Task{TeamID: "abc123", Title: "add /health", WorkflowName: "default", WorkflowVersion: 1})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.ID)
	require.Equal(t, "T0001", first.RenderedID())

	second, err := s.CreateTask(ctx, model.Task{TeamID: "abc123", Title: "add /metrics", WorkflowName: "default", WorkflowVersion: 1})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.ID)
}

func TestMutateTaskRejectsDRIChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, model.Task{TeamID: "abc123", Title: "t", WorkflowName: "default", WorkflowVersion: 1})
	require.NoError(t, err)

	dri := "alice"
	_, err = s.MutateTask(ctx, "abc123", task.ID, store.TaskMutation{DRI: &dri})
	require.NoError(t, err)

	other := "bob"
	_, err = s.MutateTask(ctx, "abc123", task.ID, store.TaskMutation{DRI: &other})
	require.Error(t, err)
}

func TestMutateTaskTerminalOnlyAllowsAttachments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, model.Task{TeamID: "abc123", Title: "t", WorkflowName: "default", WorkflowVersion: 1})
	require.NoError(t, err)

	done := model.StatusDone
	_, err = s.MutateTask(ctx, "abc123", task.ID, store.TaskMutation{Status: &done})
	require.NoError(t, err)

	title := "rename"
	_, err = s.MutateTask(ctx, "abc123", task.ID, store.TaskMutation{Assignee: &title})
	require.Error(t, err)

	updated, err := s.MutateTask(ctx, "abc123", task.ID, store.TaskMutation{Attachments: []string{"diff.patch"}})
	require.NoError(t, err)
	require.Equal(t, []string{"diff.patch"}, updated.Attachments)
}

func TestAppendMessageDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	_, err := s.AppendMessage(ctx, model.Message{TeamID: "abc123", Sender: "alice", Recipient: "bob", Content: "hi", TaskID: "1", SentAt: now}, true)
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, model.Message{TeamID: "abc123", Sender: "alice", Recipient: "bob", Content: "hi", TaskID: "1", SentAt: now}, true)
	require.ErrorIs(t, err, store.ErrDuplicateMessage)
}

func TestAppendMessageRequiresTaskIDForAgentPairs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, model.Message{TeamID: "abc123", Sender: "alice", Recipient: "bob", Content: "hi"}, true)
	require.ErrorIs(t, err, store.ErrMissingTaskID)
}

func TestMessageLifecycleMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, err := s.AppendMessage(ctx, model.Message{TeamID: "abc123", Sender: "alice", Recipient: "bob", Content: "hi", TaskID: "1"}, true)
	require.NoError(t, err)

	require.NoError(t, s.MarkDelivered(ctx, "abc123", msg.ID, time.Now()))
	require.NoError(t, s.MarkSeen(ctx, "abc123", msg.ID, time.Now()))
	require.NoError(t, s.MarkProcessed(ctx, "abc123", msg.ID, time.Now()))

	inbox, err := s.Inbox(ctx, "abc123", "bob")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.True(t, inbox[0].Processed())
}

func TestInCursorAdvancesMonotonically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMember(ctx, model.Member{TeamID: "abc123", Name: "bob", Kind: model.KindAgent, Role: model.RoleWorker}))

	require.NoError(t, s.AdvanceInCursor(ctx, "abc123", "bob", 5))
	cursor, err := s.InCursor(ctx, "abc123", "bob")
	require.NoError(t, err)
	require.Equal(t, int64(5), cursor)

	require.NoError(t, s.AdvanceInCursor(ctx, "abc123", "bob", 3))
	cursor, err = s.InCursor(ctx, "abc123", "bob")
	require.NoError(t, err)
	require.Equal(t, int64(5), cursor, "cursor must never regress")
}
