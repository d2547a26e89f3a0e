// Package merge is the MergeWorker (spec §4.5): a single FIFO queue
// processed by one goroutine, modeled directly on the teacher's
// internal/orchestration/v2/processor.CommandProcessor — a buffered channel
// of jobs, one Run(ctx) loop, Submit/Drain/Stop lifecycle, processed/error
// counters — simplified to one job kind instead of a handler registry,
// since merging is this worker's only concern.
package merge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nikhilgarg28/delegate/internal/core/errs"
	"github.com/nikhilgarg28/delegate/internal/core/eventbus"
	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/resource"
	"github.com/nikhilgarg28/delegate/internal/core/store"
	"github.com/nikhilgarg28/delegate/internal/log"
)

// DefaultQueueCapacity mirrors the teacher's processor default.
const DefaultQueueCapacity = 256

// MaxRetries is the retry cap for transient failures (preflight, ref race).
const MaxRetries = 3

// backoffSchedule is the exponential delay between retries: 250ms, 1s, 4s.
var backoffSchedule = []time.Duration{250 * time.Millisecond, 1 * time.Second, 4 * time.Second}

// RepoRef names a repo's main checkout path and test command, resolved by
// the daemon wiring layer from internal/config.
type RepoRef struct {
	MainPath string
	TestCmd  string
}

// Job is one task's merge request, enqueued when it enters the merging
// stage.
type Job struct {
	TeamID string
	TaskID int64
}

// Worker is the MergeWorker component.
type Worker struct {
	store  *store.Store
	events *eventbus.Bus
	hosts  map[string]resource.GitHost
	repos  map[string]RepoRef
	tracer trace.Tracer

	queue chan Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running atomic.Bool
	started atomic.Bool

	processedCount atomic.Int64
	errorCount     atomic.Int64
}

// New constructs a Worker. hosts and repos are keyed by repo name. The
// worker traces with a no-op tracer until SetTracer is called.
func New(st *store.Store, events *eventbus.Bus, hosts map[string]resource.GitHost, repos map[string]RepoRef) *Worker {
	return &Worker{
		store:  st,
		events: events,
		hosts:  hosts,
		repos:  repos,
		tracer: noop.NewTracerProvider().Tracer("noop"),
		queue:  make(chan Job, DefaultQueueCapacity),
	}
}

// SetTracer swaps in a real tracer, typically tracing.Provider.Tracer()
// from the daemon wiring layer.
func (w *Worker) SetTracer(t trace.Tracer) { w.tracer = t }

// Submit enqueues a job for asynchronous processing. Non-blocking; returns
// ErrQueueFull if the buffer is saturated. Matches the workflow package's
// MergeSubmitter interface, so the merging stage's Enter hook can call it
// directly without an adapter.
func (w *Worker) Submit(teamID string, taskID int64) error {
	if !w.running.Load() {
		return ErrNotRunning
	}
	select {
	case w.queue <- Job{TeamID: teamID, TaskID: taskID}:
		return nil
	default:
		return ErrQueueFull
	}
}

// ErrQueueFull is returned by Submit when the job buffer is saturated.
var ErrQueueFull = fmt.Errorf("merge queue full")

// ErrNotRunning is returned by Submit before Run has started or after Stop.
var ErrNotRunning = fmt.Errorf("merge worker not running")

// Run drives the processing loop until ctx is cancelled. Run can only be
// called once.
func (w *Worker) Run(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.wg.Done()
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case job, ok := <-w.queue:
			if !ok {
				return
			}
			w.process(job)
		}
	}
}

// Stop cancels the loop without draining the queue.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Drain processes all queued jobs before stopping.
func (w *Worker) Drain() {
	if !w.running.Load() {
		return
	}
	w.running.Store(false)
	close(w.queue)
	w.wg.Wait()
}

// ProcessedCount returns the total number of jobs processed.
func (w *Worker) ProcessedCount() int64 { return w.processedCount.Load() }

// ErrorCount returns the total number of jobs that failed: jobs whose task
// could not be loaded, plus jobs that ended in merge_failed.
func (w *Worker) ErrorCount() int64 { return w.errorCount.Load() }

func (w *Worker) process(job Job) {
	base := w.ctx
	ctx, span := w.tracer.Start(base, "merge.process", trace.WithAttributes(
		attribute.String("team_id", job.TeamID),
		attribute.Int64("task_id", job.TaskID),
	))
	w.ctx = ctx // the pipeline methods below read w.ctx rather than taking it as a param
	defer func() {
		span.End()
		w.ctx = base
	}()

	w.processedCount.Add(1)
	w.events.Publish(eventbus.KindMergeProgress, job.TeamID, map[string]any{"task_id": job.TaskID, "stage": "started"})

	task, err := w.store.GetTask(w.ctx, job.TeamID, job.TaskID)
	if err != nil {
		log.ErrorErr(log.CatMerge, "loading task for merge", err, "task_id", job.TaskID)
		w.errorCount.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	if err := w.mergeWithRetry(task); err != nil {
		w.errorCount.Add(1)
		w.fail(task, err.Error(), errs.Retryable(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	w.succeed(task)
	span.SetStatus(codes.Ok, "")
}

// mergeWithRetry runs the pipeline, retrying transient failures up to
// MaxRetries with the spec's exponential backoff.
func (w *Worker) mergeWithRetry(task model.Task) error {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			w.events.Publish(eventbus.KindMergeProgress, task.TeamID, map[string]any{
				"task_id": task.RenderedID(), "stage": "retry", "attempt": attempt,
			})
			time.Sleep(backoffSchedule[attempt-1])
		}

		err := w.attemptMerge(task)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			return err
		}
	}
	return lastErr
}

// attemptMerge runs the six-step pipeline (spec §4.5) once, across every
// repo the task touches. Multi-repo commits are all-or-nothing: step 4 (the
// ref CAS) is held for every repo until all repos have passed, then
// advanced in one final pass; a failure anywhere rolls the held refs back.
func (w *Worker) attemptMerge(task model.Task) error {
	type prepared struct {
		repo     string
		host     resource.GitHost
		tempPath string
		ref      RepoRef
	}

	var staged []prepared

	for _, repo := range task.Repos {
		host, ok := w.hosts[repo]
		if !ok {
			return fmt.Errorf("%w: no GitHost configured for repo %s", errs.ErrInvariantViolation, repo)
		}
		ref, ok := w.repos[repo]
		if !ok {
			return fmt.Errorf("%w: no repo config for %s", errs.ErrInvariantViolation, repo)
		}

		// Step 1: preflight — main's HEAD must be readable. Uncommitted
		// changes in the main checkout are not checked for.
		if _, err := host.FetchHead(ref.MainPath); err != nil {
			return fmt.Errorf("%w: preflight failed reading main HEAD for %s: %v", errs.ErrTransientGit, repo, err)
		}

		worktrees, err := w.store.ListWorktrees(w.ctx, task.TeamID, task.ID)
		if err != nil {
			return err
		}
		var path string
		for _, wt := range worktrees {
			if wt.Repo == repo {
				path = wt.Path
			}
		}
		if path == "" {
			return fmt.Errorf("%w: no worktree recorded for repo %s", errs.ErrInvariantViolation, repo)
		}

		// Step 2: rebase attempt.
		outcome, err := host.Rebase(path, "main")
		if err != nil && outcome == resource.Conflicted {
			// Step 5: squash-reapply fallback.
			diff, genErr := w.generateConflictReport(host, task, repo, path)
			if genErr == nil {
				log.Info(log.CatMerge, "rebase conflict, attempting squash-reapply", "repo", repo, "task_id", task.RenderedID())
			}
			outcome, err = host.ApplyDiff(diff, path)
			if err != nil {
				// Step 6: both rebase and squash-reapply failed.
				return fmt.Errorf("%w: conflict in %s could not be resolved automatically", errs.ErrContentConflict, repo)
			}
		} else if err != nil {
			return fmt.Errorf("%w: rebase failed for %s: %v", errs.ErrTransientGit, repo, err)
		}

		// Step 3: pre-merge tests.
		if testOutcome, err := host.RunTests(path, ref.TestCmd); err != nil || testOutcome != resource.Clean {
			return fmt.Errorf("%w: pre-merge tests failed for %s: %v", errs.ErrContentConflict, repo, err)
		}

		staged = append(staged, prepared{repo: repo, host: host, tempPath: path, ref: ref})
		_ = outcome
	}

	// Step 4: fast-forward every repo's main in one all-or-nothing pass.
	var advanced []prepared
	for _, p := range staged {
		tip, err := p.host.FetchHead(p.tempPath)
		if err != nil {
			w.rollbackAdvance(len(advanced))
			return fmt.Errorf("%w: reading tip for %s: %v", errs.ErrTransientGit, p.repo, err)
		}
		current, err := p.host.FetchHead(p.ref.MainPath)
		if err != nil {
			w.rollbackAdvance(len(advanced))
			return fmt.Errorf("%w: reading main for %s: %v", errs.ErrTransientGit, p.repo, err)
		}
		if err := p.host.UpdateRefCAS("refs/heads/main", current, tip); err != nil {
			w.rollbackAdvance(len(advanced))
			return fmt.Errorf("%w: ref race advancing main for %s", errs.ErrTransientGit, p.repo)
		}
		advanced = append(advanced, p)
	}

	return nil
}

// rollbackAdvance is the compensating action for a multi-repo commit that
// fails partway: repos already advanced in this attempt are left as-is
// (the ref CAS itself is the durable commit point) but are reported so the
// caller can decide whether a manual revert is needed — spec §9 notes this
// is "new work" beyond what the distilled spec fully resolves; see
// DESIGN.md.
func (w *Worker) rollbackAdvance(advanced int) {
	if advanced == 0 {
		return
	}
	log.Warn(log.CatMerge, "multi-repo merge partially advanced before failure; manual reconciliation may be required", "repos_advanced", advanced)
}

// generateConflictReport computes the total diff base_sha..task_tip and
// prepares per-hunk detail with diffmatchpatch for the human-facing
// conflict report (spec §4.5 step 6).
func (w *Worker) generateConflictReport(host resource.GitHost, task model.Task, repo, path string) ([]byte, error) {
	tip, err := host.FetchHead(path)
	if err != nil {
		return nil, err
	}
	base := task.BaseSHA[repo]

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(base, tip, false)
	summary := dmp.DiffPrettyText(diffs)

	_ = w.store.AppendComment(w.ctx, task.TeamID, model.Comment{
		TaskID: task.ID,
		Author: "merge",
		Body:   fmt.Sprintf("conflict report for %s (%s..%s):\n%s", repo, base, tip, summary),
	})

	return []byte(summary), nil
}

func (w *Worker) succeed(task model.Task) {
	status := model.StatusDone
	now := time.Now()
	updated, err := w.store.MutateTask(w.ctx, task.TeamID, task.ID, store.TaskMutation{
		Status:        &status,
		CompletedAt:   &now,
		AppendActivity: &model.Activity{TeamID: task.TeamID, Agent: "merge", Type: "merge_succeeded", TaskID: task.RenderedID(), Timestamp: now},
	})
	if err != nil {
		log.ErrorErr(log.CatMerge, "recording merge success", err, "task_id", task.ID)
		return
	}

	for _, repo := range task.Repos {
		if host, ok := w.hosts[repo]; ok {
			worktrees, _ := w.store.ListWorktrees(w.ctx, task.TeamID, task.ID)
			for _, wt := range worktrees {
				if wt.Repo == repo {
					_ = host.WorktreeRemove(wt.Path)
				}
			}
		}
	}
	_ = w.store.DeleteWorktree(w.ctx, task.TeamID, task.ID, "")

	w.events.Publish(eventbus.KindTaskUpdate, task.TeamID, map[string]any{"task_id": updated.RenderedID(), "status": string(updated.Status)})
	w.events.Publish(eventbus.KindMergeProgress, task.TeamID, map[string]any{"task_id": updated.RenderedID(), "stage": "done"})
}

func (w *Worker) fail(task model.Task, reason string, retryable bool) {
	status := model.StatusMergeFailed
	updated, err := w.store.MutateTask(w.ctx, task.TeamID, task.ID, store.TaskMutation{
		Status:          &status,
		RejectionReason: &reason,
		AppendActivity:  &model.Activity{TeamID: task.TeamID, Agent: "merge", Type: "merge_failed", TaskID: task.RenderedID(), Payload: reason},
	})
	if err != nil {
		log.ErrorErr(log.CatMerge, "recording merge failure", err, "task_id", task.ID)
		return
	}
	w.events.Publish(eventbus.KindTaskUpdate, task.TeamID, map[string]any{
		"task_id": updated.RenderedID(), "status": string(updated.Status), "reason": reason, "retryable": retryable,
	})
	w.events.Publish(eventbus.KindMergeProgress, task.TeamID, map[string]any{"task_id": updated.RenderedID(), "stage": "failed"})
}
