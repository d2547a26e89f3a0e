package workflow

import (
	"fmt"

	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/resource"
	"github.com/nikhilgarg28/delegate/internal/core/store"
)

// MergeSubmitter is the narrow slice of merge.Worker the merging stage
// needs, kept as an interface here so workflow does not import merge
// directly and create a dependency the engine doesn't otherwise need.
type MergeSubmitter interface {
	Submit(teamID string, taskID int64) error
}

type todoStage struct{ BaseStage }

type inProgressStage struct {
	BaseStage
	resources *resource.Manager
}

func (s inProgressStage) Enter(c Ctx) error {
	baseSHA, err := s.resources.Create(c, c.Task)
	if err != nil {
		return fmt.Errorf("creating worktree: %w", err)
	}
	_, err = c.Store.MutateTask(c, c.TeamID, c.Task.ID, store.TaskMutation{BaseSHA: baseSHA})
	return err
}

func (s inProgressStage) Assign(c Ctx) string {
	if c.Task.Assignee != "" {
		return c.Task.Assignee
	}
	return c.Task.DRI
}

type inReviewStage struct{ BaseStage }

func (s inReviewStage) Assign(c Ctx) string {
	members, err := c.Store.ListMembers(c, c.TeamID)
	if err != nil {
		return ""
	}
	return QAPreferredAssign(members)
}

type inApprovalStage struct{ BaseStage }

func (s inApprovalStage) Assign(c Ctx) string { return c.Task.DRI }

type mergingStage struct {
	BaseStage
	merger MergeSubmitter
}

func (s mergingStage) Enter(c Ctx) error {
	return s.merger.Submit(c.TeamID, c.Task.ID)
}

type doneStage struct{ BaseStage }
type rejectedStage struct{ BaseStage }
type mergeFailedStage struct{ BaseStage }
type cancelledStage struct{ BaseStage }

type errorStage struct{ BaseStage }

func (s errorStage) Assign(c Ctx) string { return c.Task.DRI }

// NewDefaultWorkflow builds the default (name="default", version=1) stage
// sequence named in spec §4.4: todo -> in_progress -> in_review ->
// in_approval -> merging -> done, with side transitions rejected ->
// in_progress, merge_failed -> in_progress, and cancelled reachable from
// any non-terminal stage.
func NewDefaultWorkflow(resources *resource.Manager, merger MergeSubmitter) Definition {
	stages := map[model.TaskStatus]Stage{
		model.StatusTodo:        todoStage{BaseStage{model.StatusTodo}},
		model.StatusInProgress:  inProgressStage{BaseStage{model.StatusInProgress}, resources},
		model.StatusInReview:    inReviewStage{BaseStage{model.StatusInReview}},
		model.StatusInApproval:  inApprovalStage{BaseStage{model.StatusInApproval}},
		model.StatusMerging:     mergingStage{BaseStage{model.StatusMerging}, merger},
		model.StatusDone:        doneStage{BaseStage{model.StatusDone}},
		model.StatusRejected:    rejectedStage{BaseStage{model.StatusRejected}},
		model.StatusMergeFailed: mergeFailedStage{BaseStage{model.StatusMergeFailed}},
		model.StatusCancelled:   cancelledStage{BaseStage{model.StatusCancelled}},
		model.StatusError:       errorStage{BaseStage{model.StatusError}},
	}

	return Definition{
		Name:    "default",
		Version: 1,
		Stages:  stages,
		Forward: []model.TaskStatus{
			model.StatusTodo, model.StatusInProgress, model.StatusInReview,
			model.StatusInApproval, model.StatusMerging, model.StatusDone,
		},
		Side: map[model.TaskStatus][]model.TaskStatus{
			model.StatusRejected:    {model.StatusInProgress},
			model.StatusMergeFailed: {model.StatusInProgress},
			model.StatusInReview:    {model.StatusRejected},
			model.StatusMerging:     {model.StatusMergeFailed},
			model.StatusError:       {model.StatusInProgress, model.StatusCancelled},
		},
	}
}
