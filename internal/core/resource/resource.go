// Package resource is the ResourceManager (spec §4.6): owns git worktree
// lifecycle (create, snapshot base_sha, destroy) and startup reconciliation
// against on-disk state. The GitHost interface (spec §6) is declared here
// since both MergeWorker and ResourceManager consume it; internal/gitexec
// provides the os/exec-backed implementation.
package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/nikhilgarg28/delegate/internal/core/errs"
	"github.com/nikhilgarg28/delegate/internal/core/ids"
	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/store"
	"github.com/nikhilgarg28/delegate/internal/log"
)

// Outcome is the closed result enum every git operation in GitHost reports,
// letting callers distinguish "nothing to retry" from "retry me" from
// "escalate to a human" without parsing error strings (spec §6, §7).
type Outcome int

const (
	Clean Outcome = iota
	Conflicted
	Transient
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Clean:
		return "clean"
	case Conflicted:
		return "conflicted"
	case Transient:
		return "transient"
	default:
		return "fatal"
	}
}

// GitHost is the external interface (spec §6) both ResourceManager and
// MergeWorker drive. FetchHead returns the current HEAD sha of the repo or
// worktree at path — used to snapshot base_sha at worktree creation time,
// not a network fetch (Design Note, see DESIGN.md).
type GitHost interface {
	WorktreeAdd(path, branch, base string) error
	WorktreeRemove(path string) error
	FetchHead(repo string) (string, error)
	Rebase(branch, onto string) (Outcome, error)
	ApplyDiff(diff []byte, onto string) (Outcome, error)
	UpdateRefCAS(ref, expected, next string) error
	RunTests(path, cmd string) (Outcome, error)
}

// RepoLayout names where a repo's main checkout lives and where its
// worktrees are rooted, so ResourceManager can compute paths per spec §6's
// naming scheme without embedding filesystem policy in the Store.
type RepoLayout struct {
	MainPath     string
	WorktreeRoot string
}

// Manager is the ResourceManager component.
type Manager struct {
	store  *store.Store
	hosts  map[string]GitHost
	teamID string
	team   string
	repos  map[string]RepoLayout
}

// New constructs a Manager scoped to one team. hosts is keyed by repo
// name: each repo's worktree operations run through its own GitHost since
// "git worktree add" must run from that repo's main checkout, not a path
// argument alone.
func New(st *store.Store, hosts map[string]GitHost, teamID, teamName string, repos map[string]RepoLayout) *Manager {
	return &Manager{store: st, hosts: hosts, teamID: teamID, team: teamName, repos: repos}
}

// Create materializes worktrees for every repo a task names, records
// base_sha for each, and is the enter hook for the in_progress stage.
// Partial failure across repos removes the worktrees already created and
// their rows. The status change to in_progress is not undone here: the
// WorkflowEngine has already committed it, and moves the task to error
// when this hook fails.
func (m *Manager) Create(ctx context.Context, task model.Task) (map[string]string, error) {
	baseSHA := make(map[string]string, len(task.Repos))
	var created []repoPath

	for _, repo := range task.Repos {
		layout, ok := m.repos[repo]
		if !ok {
			m.rollback(ctx, task.ID, created)
			return nil, fmt.Errorf("%w: unknown repo %q", errs.ErrInvariantViolation, repo)
		}

		path := worktreePath(layout, repo, task.ID)
		branch := ids.BranchName(m.teamID, m.team, task.ID)
		host := m.hosts[repo]

		if err := host.WorktreeAdd(path, branch, "HEAD"); err != nil {
			m.rollback(ctx, task.ID, created)
			return nil, fmt.Errorf("%w: creating worktree for %s: %v", errs.ErrTransientGit, repo, err)
		}
		created = append(created, repoPath{repo: repo, path: path})

		sha, err := host.FetchHead(path)
		if err != nil {
			m.rollback(ctx, task.ID, created)
			return nil, fmt.Errorf("%w: snapshotting base sha for %s: %v", errs.ErrTransientGit, repo, err)
		}
		baseSHA[repo] = sha

		if err := m.store.SaveWorktree(ctx, m.teamID, model.Worktree{
			TaskID: task.ID, Repo: repo, Path: path, Branch: branch, BaseSHA: sha,
		}); err != nil {
			m.rollback(ctx, task.ID, created)
			return nil, err
		}
	}

	return baseSHA, nil
}

// repoPath pairs a worktree path with the repo it belongs to, so rollback
// can route WorktreeRemove to the right GitHost.
type repoPath struct {
	repo string
	path string
}

func (m *Manager) rollback(ctx context.Context, taskID int64, created []repoPath) {
	for _, rp := range created {
		if err := m.hosts[rp.repo].WorktreeRemove(rp.path); err != nil {
			log.Warn(log.CatResource, "rollback worktree remove failed", "path", rp.path, "error", err.Error())
		}
		if err := m.store.DeleteWorktree(ctx, m.teamID, taskID, rp.repo); err != nil {
			log.Warn(log.CatResource, "rollback worktree row delete failed", "path", rp.path, "error", err.Error())
		}
	}
}

// Destroy removes every worktree belonging to a task, tolerating a worktree
// already absent on disk (idempotent cleanup after done/cancelled).
func (m *Manager) Destroy(ctx context.Context, teamID string, taskID int64) error {
	worktrees, err := m.store.ListWorktrees(ctx, teamID, taskID)
	if err != nil {
		return err
	}
	for _, wt := range worktrees {
		if err := m.hosts[wt.Repo].WorktreeRemove(wt.Path); err != nil {
			log.Warn(log.CatResource, "worktree remove failed during destroy", "path", wt.Path, "error", err.Error())
		}
		if err := m.store.DeleteWorktree(ctx, teamID, taskID, wt.Repo); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile runs once at daemon startup (spec §4.6): any worktree whose
// task is no longer in an active stage is pruned, and any active task whose
// worktree is missing has it recreated from base_sha, or is marked error if
// that's no longer possible.
func (m *Manager) Reconcile(ctx context.Context, teamID string) error {
	all, err := m.store.AllWorktrees(ctx, teamID)
	if err != nil {
		return err
	}

	tasks, err := m.store.ListActiveTasks(ctx, teamID)
	if err != nil {
		return err
	}
	activeByID := make(map[int64]model.Task, len(tasks))
	for _, t := range tasks {
		activeByID[t.ID] = t
	}

	present := make(map[int64]map[string]bool)
	for _, wt := range all {
		task, active := activeByID[wt.TaskID]
		if !active {
			if err := m.hosts[wt.Repo].WorktreeRemove(wt.Path); err != nil {
				log.Warn(log.CatResource, "pruning stale worktree failed", "path", wt.Path, "error", err.Error())
			}
			_ = m.store.DeleteWorktree(ctx, teamID, wt.TaskID, wt.Repo)
			continue
		}
		if present[task.ID] == nil {
			present[task.ID] = make(map[string]bool)
		}
		present[task.ID][wt.Repo] = true
	}

	for _, task := range tasks {
		if task.Status != model.StatusInProgress && task.Status != model.StatusInReview {
			continue
		}
		for _, repo := range task.Repos {
			if present[task.ID][repo] {
				continue
			}
			layout, ok := m.repos[repo]
			if !ok {
				continue
			}
			path := worktreePath(layout, repo, task.ID)
			branch := ids.BranchName(m.teamID, m.team, task.ID)
			base := task.BaseSHA[repo]
			if base == "" {
				m.markUnrecoverable(ctx, teamID, task.ID, repo)
				continue
			}
			if err := m.hosts[repo].WorktreeAdd(path, branch, base); err != nil {
				m.markUnrecoverable(ctx, teamID, task.ID, repo)
				continue
			}
			_ = m.store.SaveWorktree(ctx, teamID, model.Worktree{TaskID: task.ID, Repo: repo, Path: path, Branch: branch, BaseSHA: base})
		}
	}
	return nil
}

func (m *Manager) markUnrecoverable(ctx context.Context, teamID string, taskID int64, repo string) {
	status := model.StatusError
	now := time.Now()
	_, err := m.store.MutateTask(ctx, teamID, taskID, store.TaskMutation{
		Status: &status,
		AppendActivity: &model.Activity{
			TeamID: teamID, Agent: "resource", Type: "worktree_unrecoverable",
			TaskID: model.RenderTaskID(taskID), Payload: fmt.Sprintf("repo %s worktree missing and base_sha unavailable", repo),
			Timestamp: now,
		},
	})
	if err != nil {
		log.ErrorErr(log.CatResource, "marking task error after unrecoverable worktree", err, "task_id", taskID)
	}
}

func worktreePath(layout RepoLayout, repo string, taskID int64) string {
	return layout.WorktreeRoot + "/" + ids.WorktreeDirName(repo, taskID)
}
