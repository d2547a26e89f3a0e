// Package eventbus is Delegate's in-process, topic-per-team pub/sub. It
// wraps the teacher's generic pubsub.Broker[T] — kept close to the original
// since it is a reusable, domain-agnostic primitive — with a typed Event
// envelope carrying the five event kinds named in spec §4.6.
package eventbus

import (
	"context"
	"time"

	"github.com/nikhilgarg28/delegate/internal/pubsub"
)

// Kind is one of the five event kinds the core publishes.
type Kind string

const (
	KindTurnStarted   Kind = "turn_started"
	KindTurnEnded     Kind = "turn_ended"
	KindActivity      Kind = "activity"
	KindTaskUpdate    Kind = "task_update"
	KindMergeProgress Kind = "merge_progress"
)

// Event is the envelope published for every kind: a team-scoped, typed
// payload with a server timestamp.
type Event struct {
	Kind    Kind
	TeamID  string
	Payload any
	At      time.Time
}

// Observer is the external boundary the HTTP/SSE front-end implements to
// receive ordered typed events (§6).
type Observer interface {
	OnEvent(Event)
}

// Bus is the in-process broker. Publishers never block; slow subscribers
// are dropped, matching pubsub.Broker's publish semantics exactly.
type Bus struct {
	broker *pubsub.Broker[Event]
}

// New creates a Bus with the default subscriber buffer size.
func New() *Bus {
	return &Bus{broker: pubsub.NewBroker[Event]()}
}

// NewWithBuffer creates a Bus with a custom per-subscriber buffer size.
func NewWithBuffer(size int) *Bus {
	return &Bus{broker: pubsub.NewBrokerWithBuffer[Event](size)}
}

// Publish emits an event of the given kind for a team. Never blocks.
func (b *Bus) Publish(kind Kind, teamID string, payload any) {
	b.broker.Publish(pubsub.CreatedEvent, Event{Kind: kind, TeamID: teamID, Payload: payload, At: time.Now()})
}

// Subscribe returns a channel of events, closed automatically when ctx is
// cancelled.
func (b *Bus) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return b.broker.Subscribe(ctx)
}

// Observe adapts an Observer to a subscription goroutine; it runs until ctx
// is cancelled or the subscription channel closes.
func (b *Bus) Observe(ctx context.Context, obs Observer) {
	ch := b.Subscribe(ctx)
	go func() {
		for ev := range ch {
			obs.OnEvent(ev.Payload)
		}
	}()
}

// SubscriberCount reports the number of live subscribers, used in tests and
// debug output.
func (b *Bus) SubscriberCount() int { return b.broker.SubscriberCount() }

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() { b.broker.Close() }
