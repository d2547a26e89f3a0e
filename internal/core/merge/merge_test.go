package merge_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nikhilgarg28/delegate/internal/core/eventbus"
	"github.com/nikhilgarg28/delegate/internal/core/merge"
	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/resource"
	"github.com/nikhilgarg28/delegate/internal/core/store"
)

// fakeHost is a deterministic resource.GitHost double: every call succeeds
// cleanly unless the test configures a specific failure via the fields
// below. Grounded on the teacher's habit (internal/testutil) of small
// hand-written fakes for git plumbing rather than a mocking framework.
type fakeHost struct {
	rebaseOutcome resource.Outcome
	rebaseErr     error
	testsOutcome  resource.Outcome
	testsErr      error
	heads         map[string]string
}

func (h *fakeHost) WorktreeAdd(string, string, string) error { return nil }
func (h *fakeHost) WorktreeRemove(string) error               { return nil }

func (h *fakeHost) FetchHead(repo string) (string, error) {
	if sha, ok := h.heads[repo]; ok {
		return sha, nil
	}
	return "sha-" + repo, nil
}

func (h *fakeHost) Rebase(string, string) (resource.Outcome, error) {
	return h.rebaseOutcome, h.rebaseErr
}

func (h *fakeHost) ApplyDiff([]byte, string) (resource.Outcome, error) {
	return resource.Clean, nil
}

func (h *fakeHost) UpdateRefCAS(string, string, string) error { return nil }

func (h *fakeHost) RunTests(string, string) (resource.Outcome, error) {
	return h.testsOutcome, h.testsErr
}

func newTestSetup(t *testing.T) (*store.Store, *eventbus.Bus) {
	t.Helper()
	s, err := store.OpenMemory("team1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	events := eventbus.New()
	t.Cleanup(events.Close)
	return s, events
}

func TestMergeSucceedsOnCleanRebaseAndTests(t *testing.T) {
	s, events := newTestSetup(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, model.Task{
		TeamID: "team1", Title: "t", Repos: []string{"svc"},
		WorkflowName: "default", WorkflowVersion: 1,
	})
	require.NoError(t, err)
	require.NoError(t, s.SaveWorktree(ctx, "team1", model.Worktree{TaskID: task.ID, Repo: "svc", Path: "/tmp/svc-T0001", Branch: "b"}))

	host := &fakeHost{rebaseOutcome: resource.Clean, testsOutcome: resource.Clean}
	worker := merge.New(s, events, map[string]resource.GitHost{"svc": host}, map[string]merge.RepoRef{
		"svc": {MainPath: "/tmp/svc", TestCmd: "true"},
	})

	ctxRun, cancel := context.WithCancel(ctx)
	defer cancel()
	go worker.Run(ctxRun)

	require.Eventually(t, func() bool { return worker.Submit("team1", task.ID) == nil }, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		updated, err := s.GetTask(ctx, "team1", task.ID)
		return err == nil && updated.Status == model.StatusDone
	}, time.Second, 5*time.Millisecond)
}

func TestMergeFailsOnConflictingRebaseAndFailedSquash(t *testing.T) {
	s, events := newTestSetup(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, model.Task{
		TeamID: "team1", Title: "t", Repos: []string{"svc"},
		WorkflowName: "default", WorkflowVersion: 1,
	})
	require.NoError(t, err)
	require.NoError(t, s.SaveWorktree(ctx, "team1", model.Worktree{TaskID: task.ID, Repo: "svc", Path: "/tmp/svc-T0001", Branch: "b"}))

	host := &fakeHostConflict{}
	worker := merge.New(s, events, map[string]resource.GitHost{"svc": host}, map[string]merge.RepoRef{
		"svc": {MainPath: "/tmp/svc", TestCmd: "true"},
	})

	ctxRun, cancel := context.WithCancel(ctx)
	defer cancel()
	go worker.Run(ctxRun)

	require.Eventually(t, func() bool { return worker.Submit("team1", task.ID) == nil }, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		updated, err := s.GetTask(ctx, "team1", task.ID)
		return err == nil && updated.Status == model.StatusMergeFailed
	}, time.Second, 5*time.Millisecond)
}

// fakeHostConflict rejects both the rebase and the squash-reapply fallback,
// exercising the spec §4.5 step 6 conflict-report path.
type fakeHostConflict struct{ fakeHost }

func (h *fakeHostConflict) Rebase(string, string) (resource.Outcome, error) {
	return resource.Conflicted, errConflict
}

func (h *fakeHostConflict) ApplyDiff([]byte, string) (resource.Outcome, error) {
	return resource.Fatal, errConflict
}

var errConflict = requireConflictErr{}

type requireConflictErr struct{}

func (requireConflictErr) Error() string { return "conflict" }
