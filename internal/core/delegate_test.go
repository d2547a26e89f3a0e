// Package core_test exercises Store, MessageBus, WorkflowEngine, and
// MergeWorker together against a real gitexec.Host pointed at a throwaway
// git repository, the end-to-end shape spec.md's scenarios describe: a task
// moves from todo through an agent's worktree commit to a merged main.
package core_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nikhilgarg28/delegate/internal/core/eventbus"
	"github.com/nikhilgarg28/delegate/internal/core/ids"
	"github.com/nikhilgarg28/delegate/internal/core/merge"
	"github.com/nikhilgarg28/delegate/internal/core/messagebus"
	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/resource"
	"github.com/nikhilgarg28/delegate/internal/core/store"
	"github.com/nikhilgarg28/delegate/internal/core/workflow"
	"github.com/nikhilgarg28/delegate/internal/gitexec"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// newMainRepo builds a one-commit git repository to stand in for a team's
// tracked project, the same way a real `delegate` deployment would be
// pointed at an operator's existing checkout.
func newMainRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")

	require.NoError(t, exec.Command("sh", "-c", "echo seed > "+dir+"/README.md").Run())
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "seed")

	return dir
}

// TestTaskLifecycleFromCreationToMerge drives one task through
// todo -> in_progress -> in_review -> in_approval -> merging -> done,
// simulating an agent's worktree commit between in_progress and in_review,
// and asserts the commit lands on the repo's main branch.
func TestTaskLifecycleFromCreationToMerge(t *testing.T) {
	mainRepo := newMainRepo(t)
	worktreeRoot := t.TempDir()

	teamID, err := ids.NewTeamID()
	require.NoError(t, err)
	const repoName = "widgets"
	const dri = "alice"

	st, err := store.OpenMemory(teamID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	events := eventbus.New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, st.CreateTeam(ctx, model.Team{TeamID: teamID, Name: "core-team", CreatedAt: time.Now()}))
	require.NoError(t, st.UpsertMember(ctx, model.Member{TeamID: teamID, Name: dri, Kind: model.KindHuman, Role: model.RoleManager}))
	require.NoError(t, st.UpsertMember(ctx, model.Member{TeamID: teamID, Name: "worker-1", Kind: model.KindAgent, Role: model.RoleWorker}))

	host := gitexec.New(mainRepo)
	hosts := map[string]resource.GitHost{repoName: host}
	layouts := map[string]resource.RepoLayout{repoName: {MainPath: mainRepo, WorktreeRoot: worktreeRoot}}
	resources := resource.New(st, hosts, teamID, "core-team", layouts)

	mergeHosts := map[string]resource.GitHost{repoName: host}
	mergeRepos := map[string]merge.RepoRef{repoName: {MainPath: mainRepo, TestCmd: "true"}}
	merger := merge.New(st, events, mergeHosts, mergeRepos)

	mergeCtx, mergeCancel := context.WithCancel(context.Background())
	defer mergeCancel()
	go merger.Run(mergeCtx)
	t.Cleanup(merger.Stop)

	registry := workflow.NewRegistry()
	registry.Register(workflow.NewDefaultWorkflow(resources, merger))
	engine := workflow.New(registry, st, events, teamID, workflow.Config{})

	taskUpdates := events.Subscribe(ctx)
	var seenStatuses []string
	go func() {
		for ev := range taskUpdates {
			if ev.Payload.Kind != eventbus.KindTaskUpdate {
				continue
			}
			if status, ok := ev.Payload.Payload.(map[string]any)["status"].(string); ok {
				seenStatuses = append(seenStatuses, status)
			}
		}
	}()

	task, err := st.CreateTask(ctx, model.Task{
		TeamID: teamID, Title: "add widget endpoint", DRI: dri,
		Repos: []string{repoName}, WorkflowName: "default", WorkflowVersion: 1,
	})
	require.NoError(t, err)
	require.Equal(t, "T0001", task.RenderedID())

	_, err = engine.Transition(ctx, task.ID, model.StatusInProgress)
	require.NoError(t, err)

	worktrees, err := st.ListWorktrees(ctx, teamID, task.ID)
	require.NoError(t, err)
	require.Len(t, worktrees, 1)
	wt := worktrees[0]
	require.NotEmpty(t, wt.BaseSHA)

	// Simulate the agent's turn: commit new work into its worktree.
	require.NoError(t, exec.Command("sh", "-c", "echo widget > "+wt.Path+"/widget.go").Run())
	runGit(t, wt.Path, "add", "widget.go")
	runGit(t, wt.Path, "commit", "-m", "add widget endpoint")

	_, err = engine.Transition(ctx, task.ID, model.StatusInReview)
	require.NoError(t, err)

	reviewed, err := st.GetTask(ctx, teamID, task.ID)
	require.NoError(t, err)
	require.Equal(t, dri, reviewed.Assignee, "no qa- or reviewer-role member exists, so the assignee set on entering in_progress (the dri) is kept")

	_, err = engine.Transition(ctx, task.ID, model.StatusInApproval)
	require.NoError(t, err)

	_, err = engine.Transition(ctx, task.ID, model.StatusMerging)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		final, err := st.GetTask(ctx, teamID, task.ID)
		return err == nil && final.Status == model.StatusDone
	}, 5*time.Second, 20*time.Millisecond, "merge worker should advance the task to done")

	final, err := st.GetTask(ctx, teamID, task.ID)
	require.NoError(t, err)
	require.NotNil(t, final.CompletedAt)
	require.Equal(t, int64(1), merger.ProcessedCount())
	require.Equal(t, int64(0), merger.ErrorCount())

	cmd := exec.Command("git", "log", "refs/heads/main", "--oneline")
	cmd.Dir = mainRepo
	out, err := cmd.Output()
	require.NoError(t, err)
	require.Contains(t, string(out), "add widget endpoint", "the worktree commit should have fast-forwarded main")

	require.Eventually(t, func() bool {
		return len(seenStatuses) > 0
	}, time.Second, 10*time.Millisecond, "expected at least one task_update event on the EventBus")
}

// TestMessageBusDeliversAcrossWorkflowTransition exercises MessageBus
// alongside the Store and WorkflowEngine: a human sends a task-scoped
// message, it is delivered and marked processed, while the task itself is
// sent back from in_review to in_progress by WorkflowEngine.Reject,
// independent of the message flow.
func TestMessageBusDeliversAcrossWorkflowTransition(t *testing.T) {
	mainRepo := newMainRepo(t)
	teamID := "fixedid"

	st, err := store.OpenMemory(teamID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	events := eventbus.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, st.CreateTeam(ctx, model.Team{TeamID: teamID, Name: "bus-team", CreatedAt: time.Now()}))
	require.NoError(t, st.UpsertMember(ctx, model.Member{TeamID: teamID, Name: "alice", Kind: model.KindHuman, Role: model.RoleManager}))
	require.NoError(t, st.UpsertMember(ctx, model.Member{TeamID: teamID, Name: "worker-1", Kind: model.KindAgent, Role: model.RoleWorker}))

	host := gitexec.New(mainRepo)
	hosts := map[string]resource.GitHost{"repo": host}
	resources := resource.New(st, hosts, teamID, "bus-team", map[string]resource.RepoLayout{
		"repo": {MainPath: mainRepo, WorktreeRoot: t.TempDir()},
	})
	merger := merge.New(st, events, hosts, map[string]merge.RepoRef{"repo": {MainPath: mainRepo, TestCmd: "true"}})

	registry := workflow.NewRegistry()
	registry.Register(workflow.NewDefaultWorkflow(resources, merger))
	engine := workflow.New(registry, st, events, teamID, workflow.Config{})

	isHuman := func(ctx context.Context, teamID, member string) bool { return member == "alice" }
	bus := messagebus.New(st, events, teamID, isHuman)

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	go func() { _ = bus.Run(busCtx) }()

	var triggered []string
	bus.SetOnDelivered(func(agent string) { triggered = append(triggered, agent) })

	task, err := st.CreateTask(ctx, model.Task{
		TeamID: teamID, Title: "flaky endpoint", DRI: "alice",
		Repos: []string{"repo"}, WorkflowName: "default", WorkflowVersion: 1,
	})
	require.NoError(t, err)

	_, err = engine.Transition(ctx, task.ID, model.StatusInProgress)
	require.NoError(t, err)

	_, err = bus.Send(ctx, model.Message{
		TeamID: teamID, Sender: "alice", Recipient: "worker-1",
		Content: "please also add a test", TaskID: task.RenderedID(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, a := range triggered {
			if a == "worker-1" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "worker-1 should be notified once its inbox gains a message")

	inbox, err := st.UnprocessedInbox(ctx, teamID, "worker-1")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.NoError(t, bus.MarkProcessed(ctx, inbox[0].ID, time.Now()))

	// A rejection from in_review bounces the task back to in_progress,
	// independent of the message that already landed.
	_, err = engine.Transition(ctx, task.ID, model.StatusInReview)
	require.NoError(t, err)
	rejected, err := engine.Reject(ctx, task.ID, "needs the test alice asked for", "alice")
	require.NoError(t, err)
	require.Equal(t, model.StatusInProgress, rejected.Status)
	require.Equal(t, 1, rejected.ReviewAttempt)
}
