// Package workflow is the WorkflowEngine (spec §4.4): a pluggable task state
// machine of stage objects with enter/exit/guard/assign hooks. Grounded on
// the teacher's internal/orchestration/workflow package for the (name,
// version) -> definition registry shape, and on
// internal/orchestration/v2/processor.CommandProcessor for the
// "resolve once, stamp, never chase HEAD" discipline applied here to stage
// resolution instead of command dispatch.
package workflow

import (
	"context"
	"fmt"

	"github.com/nikhilgarg28/delegate/internal/core/errs"
	"github.com/nikhilgarg28/delegate/internal/core/eventbus"
	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/store"
)

// DefaultReviewCycleCap is the review_attempt value at which a rejection
// escalates the task to a human member instead of returning it to the
// agent (spec §4.4): with the default of 3, the third rejection escalates.
const DefaultReviewCycleCap = 3

// Ctx carries everything a stage hook needs. Hooks never touch the Store
// directly for the transition itself — only for side effects (worktree
// creation, comments) — the engine performs the actual status write.
type Ctx struct {
	context.Context
	Store  *store.Store
	Events *eventbus.Bus
	TeamID string
	Task   model.Task
}

// Stage is the four-hook capability set named in spec §4.4.
type Stage interface {
	// Name is the TaskStatus this stage corresponds to.
	Name() model.TaskStatus
	// Enter runs on transition into the stage.
	Enter(c Ctx) error
	// Exit runs on transition out of the stage.
	Exit(c Ctx) error
	// Guard is checked before the transition commits; ok=false rejects the
	// transition and reason is recorded as a comment.
	Guard(c Ctx) (ok bool, reason string)
	// Assign returns the stage's assignee, empty if unchanged.
	Assign(c Ctx) (member string)
}

// BaseStage is an embeddable no-op implementation; concrete stages embed it
// and override only the hooks they need, matching the teacher's habit of
// small composable structs over one large switch.
type BaseStage struct {
	StageName model.TaskStatus
}

func (b BaseStage) Name() model.TaskStatus   { return b.StageName }
func (b BaseStage) Enter(Ctx) error           { return nil }
func (b BaseStage) Exit(Ctx) error            { return nil }
func (b BaseStage) Guard(Ctx) (bool, string)  { return true, "" }
func (b BaseStage) Assign(Ctx) string         { return "" }

// Definition is a named, versioned, ordered stage sequence plus its side
// transitions. Tasks are stamped with (Name, Version) at creation and
// resolve against the registry snapshot at creation time's definition,
// never the registry's current HEAD (spec §9 Design Note).
type Definition struct {
	Name    string
	Version int
	Stages  map[model.TaskStatus]Stage
	// Forward is the primary linear sequence.
	Forward []model.TaskStatus
	// Side lists extra transitions not in the linear sequence, e.g.
	// rejected->in_progress, merge_failed->in_progress, X->cancelled.
	Side map[model.TaskStatus][]model.TaskStatus
}

// next returns the stages reachable from cur under this definition.
func (d Definition) next(cur model.TaskStatus) []model.TaskStatus {
	reachable := append([]model.TaskStatus{}, d.Side[cur]...)
	for i, s := range d.Forward {
		if s == cur && i+1 < len(d.Forward) {
			reachable = append(reachable, d.Forward[i+1])
		}
	}
	if cur != model.StatusCancelled {
		reachable = append(reachable, model.StatusCancelled)
	}
	return reachable
}

func (d Definition) allows(from, to model.TaskStatus) bool {
	for _, s := range d.next(from) {
		if s == to {
			return true
		}
	}
	return false
}

// Registry maps (name, version) to a Definition. Safe for concurrent reads
// once populated; registration happens at daemon boot before any task
// creation, so no locking is needed.
type Registry struct {
	defs map[string]map[int]Definition
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]map[int]Definition)}
}

// Register adds a Definition to the registry.
func (r *Registry) Register(d Definition) {
	if r.defs[d.Name] == nil {
		r.defs[d.Name] = make(map[int]Definition)
	}
	r.defs[d.Name][d.Version] = d
}

// ErrUnknownWorkflow is returned when a task names a (name, version) pair
// that was never registered.
var ErrUnknownWorkflow = fmt.Errorf("unknown workflow definition")

// Resolve looks up a Definition by the stamp a task was created with.
func (r *Registry) Resolve(name string, version int) (Definition, error) {
	byVersion, ok := r.defs[name]
	if !ok {
		return Definition{}, ErrUnknownWorkflow
	}
	d, ok := byVersion[version]
	if !ok {
		return Definition{}, ErrUnknownWorkflow
	}
	return d, nil
}

// Engine drives transitions for tasks against a Registry, backed by the
// Store for durable state and the EventBus for task_update notifications.
type Engine struct {
	registry  *Registry
	store     *store.Store
	events    *eventbus.Bus
	teamID    string
	reviewCap int
}

// Config configures an Engine.
type Config struct {
	ReviewCycleCap int // default DefaultReviewCycleCap
}

// New constructs an Engine scoped to one team.
func New(reg *Registry, st *store.Store, events *eventbus.Bus, teamID string, cfg Config) *Engine {
	cap := cfg.ReviewCycleCap
	if cap <= 0 {
		cap = DefaultReviewCycleCap
	}
	return &Engine{registry: reg, store: st, events: events, teamID: teamID, reviewCap: cap}
}

// Transition attempts to move task taskID from its current stage to `to`.
// It resolves stages by the task's creation-time stamp, invokes exit/guard/
// enter hooks, and commits the status change atomically via the Store. A
// losing concurrent attempt on the same task returns errs.ErrStaleTransition
// because MutateTask's transaction reads and checks the expected current
// status under the Store's per-task serialization.
func (e *Engine) Transition(ctx context.Context, taskID int64, to model.TaskStatus) (model.Task, error) {
	task, err := e.store.GetTask(ctx, e.teamID, taskID)
	if err != nil {
		return model.Task{}, err
	}

	def, err := e.registry.Resolve(task.WorkflowName, task.WorkflowVersion)
	if err != nil {
		return model.Task{}, err
	}

	if !def.allows(task.Status, to) {
		return model.Task{}, fmt.Errorf("%w: %s cannot transition %s -> %s", errs.ErrInvariantViolation, task.WorkflowName, task.Status, to)
	}

	from := def.Stages[task.Status]
	dest := def.Stages[to]
	if dest == nil {
		return model.Task{}, fmt.Errorf("%w: stage %s has no implementation", errs.ErrInvariantViolation, to)
	}

	c := Ctx{Context: ctx, Store: e.store, Events: e.events, TeamID: e.teamID, Task: task}

	if ok, reason := dest.Guard(c); !ok {
		_ = e.store.AppendComment(ctx, e.teamID, model.Comment{TaskID: taskID, Author: "workflow", Body: reason})
		return task, fmt.Errorf("guard rejected transition to %s: %s", to, reason)
	}

	if from != nil {
		if err := from.Exit(c); err != nil {
			return e.toErrorStage(ctx, taskID, err)
		}
	}

	assignee := dest.Assign(c)
	var assigneePtr *string
	if assignee != "" {
		assigneePtr = &assignee
	}
	status := to

	updated, err := e.store.MutateTask(ctx, e.teamID, taskID, store.TaskMutation{
		Status:   &status,
		Assignee: assigneePtr,
	})
	if err != nil {
		return model.Task{}, err
	}

	c.Task = updated
	if err := dest.Enter(c); err != nil {
		return e.toErrorStage(ctx, taskID, err)
	}

	e.events.Publish(eventbus.KindTaskUpdate, e.teamID, map[string]any{
		"task_id": updated.RenderedID(),
		"status":  string(updated.Status),
	})

	return updated, nil
}

// toErrorStage implements the Error recovery stage of spec §4.4: an
// unhandled hook exception puts the task in `error` with the exception
// captured as a comment, with no automatic retry.
func (e *Engine) toErrorStage(ctx context.Context, taskID int64, hookErr error) (model.Task, error) {
	wrapped := fmt.Errorf("%w: %v", errs.ErrHookException, hookErr)
	_ = e.store.AppendComment(ctx, e.teamID, model.Comment{TaskID: taskID, Author: "workflow", Body: wrapped.Error()})

	status := model.StatusError
	updated, mutateErr := e.store.MutateTask(ctx, e.teamID, taskID, store.TaskMutation{Status: &status})
	if mutateErr != nil {
		return model.Task{}, mutateErr
	}
	e.events.Publish(eventbus.KindTaskUpdate, e.teamID, map[string]any{
		"task_id": updated.RenderedID(),
		"status":  string(updated.Status),
		"error":   hookErr.Error(),
	})
	return updated, wrapped
}

// Reject handles an in_review -> in_progress rejection: increments
// review_attempt and, once the cap is reached, escalates to the human
// member instead of bouncing back to the agent (spec §4.4 Review cycles).
func (e *Engine) Reject(ctx context.Context, taskID int64, reason string, humanMember string) (model.Task, error) {
	task, err := e.store.GetTask(ctx, e.teamID, taskID)
	if err != nil {
		return model.Task{}, err
	}

	attempt := task.ReviewAttempt + 1
	if attempt >= e.reviewCap {
		status := model.StatusInProgress
		assignee := humanMember
		updated, err := e.store.MutateTask(ctx, e.teamID, taskID, store.TaskMutation{
			Status:        &status,
			Assignee:      &assignee,
			ReviewAttempt: &attempt,
			AppendActivity: &model.Activity{
				TeamID: e.teamID, Agent: "workflow", Type: "human_escalation",
				TaskID: task.RenderedID(), Payload: fmt.Sprintf("review cycle cap (%d) reached: %s", e.reviewCap, reason),
			},
		})
		if err != nil {
			return model.Task{}, err
		}
		e.events.Publish(eventbus.KindTaskUpdate, e.teamID, map[string]any{
			"task_id": updated.RenderedID(), "status": string(updated.Status), "escalated": true,
		})
		return updated, nil
	}

	status := model.StatusInProgress
	updated, err := e.store.MutateTask(ctx, e.teamID, taskID, store.TaskMutation{
		Status:        &status,
		ReviewAttempt: &attempt,
		AppendActivity: &model.Activity{
			TeamID: e.teamID, Agent: "workflow", Type: "review_rejected", TaskID: task.RenderedID(), Payload: reason,
		},
	})
	if err != nil {
		return model.Task{}, err
	}
	e.events.Publish(eventbus.KindTaskUpdate, e.teamID, map[string]any{
		"task_id": updated.RenderedID(), "status": string(updated.Status),
	})
	return updated, nil
}

// QAPreferredAssign resolves Design Note §9's Open Question #1: given a
// charter where a dedicated QA role exists, prefer a role=qa member over
// generic peer review. Falls back to the first reviewer-capable member.
func QAPreferredAssign(members []model.Member) string {
	var reviewer string
	for _, m := range members {
		if m.Quarantined {
			continue
		}
		if m.Role == model.RoleQA {
			return m.Name
		}
		if reviewer == "" && m.Role == model.RoleReviewer {
			reviewer = m.Name
		}
	}
	return reviewer
}
