// Package apply implements scheduler.ActionApplier: it takes the actions[]
// an AgentAdapter returns from a turn and drives them through the
// Store/MessageBus/WorkflowEngine as one logical unit, per spec §6's
// closed set of seven action kinds. Grounded on the teacher's command
// dispatch pattern in internal/orchestration/v2/processor (a switch over a
// closed command-kind set, one handler per kind, first error aborts the
// batch) rather than a handler registry, since seven kinds never grow at
// runtime.
package apply

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/nikhilgarg28/delegate/internal/core/errs"
	"github.com/nikhilgarg28/delegate/internal/core/messagebus"
	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/scheduler"
	"github.com/nikhilgarg28/delegate/internal/core/store"
	"github.com/nikhilgarg28/delegate/internal/core/workflow"
	"github.com/nikhilgarg28/delegate/internal/log"
)

// DefaultShellTimeout bounds a run_shell action; spec's sandboxing
// Non-goal means no seccomp/container isolation, not no timeout.
const DefaultShellTimeout = 120 * time.Second

// Applier is the ActionApplier scheduler.Scheduler drives after every turn.
type Applier struct {
	store    *store.Store
	bus      *messagebus.Bus
	workflow *workflow.Engine
}

// New constructs an Applier for one team's components.
func New(st *store.Store, bus *messagebus.Bus, wf *workflow.Engine) *Applier {
	return &Applier{store: st, bus: bus, workflow: wf}
}

var _ scheduler.ActionApplier = (*Applier)(nil)

// Apply runs every action in order, in the order the adapter returned them,
// stopping at the first error: actions after a failure are not applied,
// since a later action may assume an earlier one (e.g. update_task_status
// after create_task) already landed.
func (a *Applier) Apply(ctx context.Context, teamID, agent string, actions []scheduler.Action) error {
	for i, act := range actions {
		var err error
		switch act.Kind {
		case "send_message":
			err = a.sendMessage(ctx, teamID, agent, act.Args)
		case "create_task":
			err = a.createTask(ctx, teamID, act.Args)
		case "update_task_status":
			err = a.updateTaskStatus(ctx, teamID, act.Args)
		case "append_comment":
			err = a.appendComment(ctx, teamID, agent, act.Args)
		case "set_context":
			err = a.setContext(ctx, teamID, agent, act.Args)
		case "spawn_agent":
			err = a.spawnAgent(ctx, teamID, act.Args)
		case "run_shell":
			err = a.runShell(ctx, teamID, agent, act.Args)
		default:
			err = fmt.Errorf("%w: unknown action kind %q", errs.ErrInvariantViolation, act.Kind)
		}
		if err != nil {
			return fmt.Errorf("applying action %d (%s): %w", i, act.Kind, err)
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func (a *Applier) sendMessage(ctx context.Context, teamID, agent string, args map[string]any) error {
	msg := model.Message{
		TeamID:    teamID,
		Sender:    agent,
		Recipient: stringArg(args, "recipient"),
		Content:   stringArg(args, "content"),
		Type:      model.MessageType(stringArg(args, "type")),
		TaskID:    stringArg(args, "task_id"),
	}
	if msg.Type == "" {
		msg.Type = model.MessageInfo
	}
	_, err := a.bus.Send(ctx, msg)
	return err
}

func (a *Applier) createTask(ctx context.Context, teamID string, args map[string]any) error {
	var repos []string
	if raw, ok := args["repos"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				repos = append(repos, s)
			}
		}
	}
	task := model.Task{
		TeamID:          teamID,
		Title:           stringArg(args, "title"),
		Description:     stringArg(args, "description"),
		DRI:             stringArg(args, "dri"),
		Repos:           repos,
		WorkflowName:    stringArg(args, "workflow_name"),
		WorkflowVersion: int(intArg(args, "workflow_version")),
	}
	if task.WorkflowName == "" {
		task.WorkflowName = "default"
	}
	if task.WorkflowVersion == 0 {
		task.WorkflowVersion = 1
	}
	_, err := a.store.CreateTask(ctx, task)
	return err
}

func (a *Applier) updateTaskStatus(ctx context.Context, teamID string, args map[string]any) error {
	taskID := intArg(args, "task_id")
	status := model.TaskStatus(stringArg(args, "status"))
	_, err := a.workflow.Transition(ctx, taskID, status)
	return err
}

func (a *Applier) appendComment(ctx context.Context, teamID, agent string, args map[string]any) error {
	return a.store.AppendComment(ctx, teamID, model.Comment{
		TaskID: intArg(args, "task_id"),
		Author: agent,
		Body:   stringArg(args, "body"),
		At:     time.Now(),
	})
}

// setContext has no dedicated column: the running context summary an agent
// hands back for its next turn is recorded on the Activity log, the same
// generic event trail set_context's sibling actions already write to.
func (a *Applier) setContext(ctx context.Context, teamID, agent string, args map[string]any) error {
	return a.store.AppendActivity(ctx, model.Activity{
		TeamID:    teamID,
		Agent:     agent,
		Type:      "context_set",
		Payload:   stringArg(args, "summary"),
		Timestamp: time.Now(),
	})
}

func (a *Applier) spawnAgent(ctx context.Context, teamID string, args map[string]any) error {
	role := model.MemberRole(stringArg(args, "role"))
	if role == "" {
		role = model.RoleWorker
	}
	return a.store.UpsertMember(ctx, model.Member{
		TeamID:    teamID,
		Name:      stringArg(args, "name"),
		Kind:      model.KindAgent,
		Role:      role,
		Seniority: stringArg(args, "seniority"),
	})
}

// runShell executes a command an agent asked the core to run on its behalf
// (e.g. outside its own process sandbox) and records the outcome as an
// Activity entry. Spec's sandboxing Non-goal means this runs unconfined,
// same trust boundary as the rest of the daemon's host git calls.
func (a *Applier) runShell(ctx context.Context, teamID, agent string, args map[string]any) error {
	command := stringArg(args, "command")
	dir := stringArg(args, "cwd")

	runCtx, cancel := context.WithTimeout(ctx, DefaultShellTimeout)
	defer cancel()

	//nolint:gosec // G204: command originates from the agent's own plan, not external input
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()

	activityErr := a.store.AppendActivity(ctx, model.Activity{
		TeamID:    teamID,
		Agent:     agent,
		Type:      "shell_run",
		TaskID:    stringArg(args, "task_id"),
		Payload:   out.String(),
		Timestamp: time.Now(),
	})
	if activityErr != nil {
		log.ErrorErr(log.CatApply, "recording run_shell activity", activityErr, "agent", agent)
	}

	if runErr != nil {
		return fmt.Errorf("%w: run_shell failed: %v", errs.ErrAdapterFailure, runErr)
	}
	return nil
}
