// Package messagebus routes messages from sender outboxes to recipient
// inboxes and drives the created->delivered->seen->processed lifecycle
// (spec §4.2). It is a single cooperative loop, grounded on the single
// goroutine + buffered wake-up channel shape of the teacher's
// internal/orchestration/v2/processor.CommandProcessor, simplified here
// since the bus has no command/handler routing of its own — only delivery.
package messagebus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nikhilgarg28/delegate/internal/core/eventbus"
	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/store"
	"github.com/nikhilgarg28/delegate/internal/log"
)

// ErrMissingTaskID is returned by Send when attribution is required and
// absent; re-exported from store for callers that only import messagebus.
var ErrMissingTaskID = store.ErrMissingTaskID

// BacklogThreshold is the pending-delivery count past which the bus
// publishes a bus_backlog activity event, the "health metric" named in
// spec §4.2.
var BacklogThreshold int64 = 64

// PollInterval is the ticker fallback period; Send also signals the loop
// directly so delivery is normally immediate.
const PollInterval = 200 * time.Millisecond

// HumanResolver answers whether a member name is human, used to decide if
// task_id attribution can be waived for a send.
type HumanResolver func(ctx context.Context, teamID, member string) bool

// Bus is the MessageBus component.
type Bus struct {
	store   *store.Store
	events  *eventbus.Bus
	teamID  string
	isHuman HumanResolver

	wake        chan struct{}
	backlog     atomic.Int64
	onDelivered func(agent string)
}

// New constructs a Bus scoped to one team.
func New(st *store.Store, events *eventbus.Bus, teamID string, isHuman HumanResolver) *Bus {
	return &Bus{
		store:   st,
		events:  events,
		teamID:  teamID,
		isHuman: isHuman,
		wake:    make(chan struct{}, 1),
	}
}

// Send appends a new outbound message and wakes the delivery loop. It
// enforces task attribution before the row is even written: a non-human,
// non-meta send without TaskID fails fast.
func (b *Bus) Send(ctx context.Context, msg model.Message) (model.Message, error) {
	required := msg.Type != model.MessageError &&
		!b.isHuman(ctx, b.teamID, msg.Sender) && !b.isHuman(ctx, b.teamID, msg.Recipient)

	saved, err := b.store.AppendMessage(ctx, msg, required)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			// Idempotent replay: the send already landed under this dedup
			// key, so the caller's retry is a no-op rather than an error.
			return saved, nil
		}
		return model.Message{}, err
	}
	b.signal()
	return saved, nil
}

// SetOnDelivered registers the callback invoked once per distinct
// recipient after a delivery sweep lands at least one message in their
// inbox. This is the wiring seam the daemon uses to connect MessageBus to
// TurnScheduler.Trigger without either package importing the other.
func (b *Bus) SetOnDelivered(fn func(agent string)) {
	b.onDelivered = fn
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run drives the delivery loop until ctx is cancelled: each wake-up (from
// Send or the ticker fallback) writes delivered_at for every undelivered
// outbox row, oldest-first per spec §4.2's ordering rule, and publishes the
// backlog gauge past BacklogThreshold.
func (b *Bus) Run(ctx context.Context) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.wake:
			b.deliverPending(ctx)
		case <-ticker.C:
			b.deliverPending(ctx)
		}
	}
}

func (b *Bus) deliverPending(ctx context.Context) {
	pending, err := b.store.UndeliveredOutbox(ctx, b.teamID)
	if err != nil {
		log.ErrorErr(log.CatBus, "listing undelivered outbox", err)
		return
	}

	b.backlog.Store(int64(len(pending)))
	if int64(len(pending)) > BacklogThreshold && b.events != nil {
		b.events.Publish(eventbus.KindActivity, b.teamID, map[string]any{
			"type":    "bus_backlog",
			"pending": len(pending),
		})
	}

	now := time.Now()
	notified := make(map[string]bool, len(pending))
	for _, m := range pending {
		if err := b.store.MarkDelivered(ctx, b.teamID, m.ID, now); err != nil {
			log.ErrorErr(log.CatBus, "marking message delivered", err, "id", m.ID)
			continue
		}
		if b.onDelivered != nil && !notified[m.Recipient] {
			notified[m.Recipient] = true
			b.onDelivered(m.Recipient)
		}
	}
}

// PendingDeliveries returns the last-observed outbox backlog size.
func (b *Bus) PendingDeliveries() int64 { return b.backlog.Load() }

// MarkSeen records that recipient's current turn has the message in scope.
func (b *Bus) MarkSeen(ctx context.Context, id int64, at time.Time) error {
	return b.store.MarkSeen(ctx, b.teamID, id, at)
}

// MarkProcessed records that recipient's turn consumed the message (its id
// is <= the new in_cursor).
func (b *Bus) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	return b.store.MarkProcessed(ctx, b.teamID, id, at)
}
