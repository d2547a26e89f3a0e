// Package stub is a deterministic scheduler.AgentAdapter used by tests and
// local smoke runs (spec §6: "AgentAdapter is deliberately left as an
// interface plus a deterministic stub implementation"). It never calls an
// LLM; it turns the inbox snapshot into a small, predictable set of
// actions so the rest of the daemon (scheduler, apply, workflow, merge) can
// be exercised end to end without the real process-spawning adapter this
// repo explicitly does not build.
package stub

import (
	"context"
	"errors"
	"fmt"

	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/scheduler"
)

// ErrCancelled is returned when the turn's cancel channel closes before the
// inbox snapshot is fully processed.
var ErrCancelled = errors.New("turn cancelled")

// Adapter is a deterministic AgentAdapter: for every unprocessed inbox
// message it replies to the sender with an acknowledgement.
type Adapter struct {
	// ReplyPrefix is prepended to every acknowledgement sent back to a
	// message's sender; defaults to "ack: " when empty.
	ReplyPrefix string
}

// New constructs a stub Adapter with default behavior.
func New() *Adapter {
	return &Adapter{ReplyPrefix: "ack: "}
}

var _ scheduler.AgentAdapter = (*Adapter)(nil)

// RunTurn never blocks on external I/O: it inspects the inbox snapshot and
// returns one send_message action per message, acknowledging receipt.
func (a *Adapter) RunTurn(ctx context.Context, req scheduler.TurnRequest) (scheduler.TurnResult, error) {
	prefix := a.ReplyPrefix
	if prefix == "" {
		prefix = "ack: "
	}

	var actions []scheduler.Action
	for _, msg := range req.InboxSnapshot {
		select {
		case <-ctx.Done():
			return scheduler.TurnResult{Actions: actions}, ctx.Err()
		case <-req.Cancel:
			return scheduler.TurnResult{Actions: actions}, ErrCancelled
		default:
		}

		actions = append(actions, scheduler.Action{
			Kind: "send_message",
			Args: map[string]any{
				"recipient": msg.Sender,
				"content":   fmt.Sprintf("%s%s", prefix, msg.Content),
				"type":      string(model.MessageResponse),
				"task_id":   msg.TaskID,
			},
		})
	}

	return scheduler.TurnResult{Actions: actions}, nil
}
