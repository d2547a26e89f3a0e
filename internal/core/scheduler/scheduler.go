// Package scheduler is the TurnScheduler, the concurrency heart of the
// system (spec §4.3): per-agent serialization with cross-agent parallelism
// bounded by a global cap. Grounded on two teacher patterns: the
// per-command FIFO queue of internal/orchestration/v2/processor.Processor
// for the per-agent single-slot debounce, and a bounded, capacity-capped
// concurrent executor for the cross-agent cap — here provided by the real
// github.com/ygrebnov/workers pool rather than a hand-rolled semaphore,
// since that library's entire purpose is exactly this: a fixed-size pool
// draining a FIFO task queue.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ygrebnov/workers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nikhilgarg28/delegate/internal/core/eventbus"
	"github.com/nikhilgarg28/delegate/internal/core/errs"
	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/store"
	"github.com/nikhilgarg28/delegate/internal/log"
)

// QuarantineThreshold is the number of consecutive counted turn failures
// that puts an agent into quarantine (spec §4.3). The streak is kept per
// agent and reset by any successful turn; it does not track which message
// triggered the failing turns.
const QuarantineThreshold = 3

// DefaultGracePeriod is how long a cancelled turn is given to observe the
// cancel flag and return before a hard kill.
const DefaultGracePeriod = 10 * time.Second

// TriggerReason names what caused a dispatch.
type TriggerReason string

const (
	TriggerMessage  TriggerReason = "message_delivered"
	TriggerAssign   TriggerReason = "stage_assign"
	TriggerExternal TriggerReason = "external_request"
)

// TurnRequest is what the AgentAdapter receives.
type TurnRequest struct {
	Agent          string
	TeamID         string
	InboxSnapshot  []model.Message
	ContextSummary string
	Cancel         <-chan struct{}
}

// Action is one effect an agent turn asked the core to apply. Kind is one
// of the seven named in spec §6; Args carries kind-specific fields.
type Action struct {
	Kind string
	Args map[string]any
}

// TurnResult is what the AgentAdapter returns.
type TurnResult struct {
	Actions []Action
}

// AgentAdapter is the external boundary (§6) that performs prompt assembly
// and LLM I/O; the core only invokes it.
type AgentAdapter interface {
	RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// ActionApplier applies a turn's actions through the Store/MessageBus/
// WorkflowEngine in one logical unit. Supplied by the daemon wiring layer
// so the scheduler itself stays decoupled from those concrete types.
type ActionApplier interface {
	Apply(ctx context.Context, teamID, agent string, actions []Action) error
}

type agentSlot struct {
	mu      sync.Mutex // per-agent serialization
	pending bool       // debounce: at most one queued turn per agent
}

// Scheduler is the TurnScheduler component.
type Scheduler struct {
	store   *store.Store
	events  *eventbus.Bus
	adapter AgentAdapter
	apply   ActionApplier
	teamID  string

	pool workers.Workers[struct{}]

	slotsMu sync.Mutex
	slots   map[string]*agentSlot

	grace  time.Duration
	tracer trace.Tracer
}

// Config configures a Scheduler.
type Config struct {
	ParallelismCap int // default = runtime.NumCPU() * 2
	GracePeriod    time.Duration
}

// New constructs a Scheduler. ctx governs the worker pool's lifetime; the
// caller should derive it from the daemon's top-level context.
func New(ctx context.Context, st *store.Store, events *eventbus.Bus, teamID string, adapter AgentAdapter, apply ActionApplier, cfg Config) *Scheduler {
	cap := cfg.ParallelismCap
	if cap <= 0 {
		cap = runtime.NumCPU() * 2
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	pool := workers.NewOptions[struct{}](ctx,
		workers.WithFixedPool(uint(cap)),
		workers.WithStartImmediately(),
	)

	return &Scheduler{
		store:   st,
		events:  events,
		adapter: adapter,
		apply:   apply,
		teamID:  teamID,
		pool:    pool,
		slots:   make(map[string]*agentSlot),
		grace:   grace,
		tracer:  noop.NewTracerProvider().Tracer("noop"),
	}
}

// SetTracer swaps in a real tracer, typically tracing.Provider.Tracer()
// from the daemon wiring layer.
func (s *Scheduler) SetTracer(t trace.Tracer) { s.tracer = t }

func (s *Scheduler) slotFor(agent string) *agentSlot {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	sl, ok := s.slots[agent]
	if !ok {
		sl = &agentSlot{}
		s.slots[agent] = sl
	}
	return sl
}

// Trigger asks the scheduler to dispatch a turn for agent. If a turn is
// already running or queued for that agent, the trigger is coalesced: at
// most one pending turn is queued per agent at any time (spec §4.3 Debounce).
func (s *Scheduler) Trigger(ctx context.Context, agent string, reason TriggerReason) {
	sl := s.slotFor(agent)

	sl.mu.Lock()
	alreadyPending := sl.pending
	sl.pending = true
	sl.mu.Unlock()
	if alreadyPending {
		return
	}

	if err := s.pool.AddTask(func(taskCtx context.Context) (struct{}, error) {
		s.runTurn(taskCtx, agent, reason, sl)
		return struct{}{}, nil
	}); err != nil {
		log.ErrorErr(log.CatScheduler, "submitting turn to worker pool", err, "agent", agent)
		sl.mu.Lock()
		sl.pending = false
		sl.mu.Unlock()
	}
}

func (s *Scheduler) runTurn(ctx context.Context, agent string, reason TriggerReason, sl *agentSlot) {
	sl.mu.Lock() // per-agent serialization: at most one turn runs per agent
	defer sl.mu.Unlock()

	sl.pending = false // a new trigger arriving now starts its own queued turn

	ctx, span := s.tracer.Start(ctx, "scheduler.turn", trace.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("team_id", s.teamID),
		attribute.String("reason", string(reason)),
	))
	defer span.End()

	s.events.Publish(eventbus.KindTurnStarted, s.teamID, map[string]any{"agent": agent, "reason": reason})

	cancel := make(chan struct{})
	turnCtx, cancelFn := context.WithTimeout(ctx, s.grace)
	defer cancelFn()

	inbox, err := s.store.UnprocessedInbox(ctx, s.teamID, agent)
	if err != nil {
		log.ErrorErr(log.CatScheduler, "loading inbox snapshot", err, "agent", agent)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	now := time.Now()
	var maxSeen int64
	for _, m := range inbox {
		if m.ID > maxSeen {
			maxSeen = m.ID
		}
	}
	for _, m := range inbox {
		_ = s.store.MarkSeen(ctx, s.teamID, m.ID, now)
	}

	result, err := s.adapter.RunTurn(turnCtx, TurnRequest{
		Agent:         agent,
		TeamID:        s.teamID,
		InboxSnapshot: inbox,
		Cancel:        cancel,
	})

	if err != nil {
		s.handleFailure(ctx, agent, fmt.Errorf("%w: %v", errs.ErrAdapterFailure, err))
		s.events.Publish(eventbus.KindTurnEnded, s.teamID, map[string]any{"agent": agent, "error": err.Error()})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	if err := s.apply.Apply(ctx, s.teamID, agent, result.Actions); err != nil {
		s.handleFailure(ctx, agent, err)
		s.events.Publish(eventbus.KindTurnEnded, s.teamID, map[string]any{"agent": agent, "error": err.Error()})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	// Advance in_cursor only after the turn's output is durably applied, so
	// a crash before this point re-presents the same inbox (at-least-once).
	if maxSeen > 0 {
		if err := s.store.AdvanceInCursor(ctx, s.teamID, agent, maxSeen); err != nil {
			log.ErrorErr(log.CatScheduler, "advancing in_cursor", err, "agent", agent)
		}
		for _, m := range inbox {
			_ = s.store.MarkProcessed(ctx, s.teamID, m.ID, time.Now())
		}
	}

	_ = s.store.ResetMemberFailure(ctx, s.teamID, agent)
	s.events.Publish(eventbus.KindTurnEnded, s.teamID, map[string]any{"agent": agent})
	span.SetStatus(codes.Ok, "")
}

// handleFailure records the failure on the Activity log and quarantines the
// agent after QuarantineThreshold consecutive failures (spec §4.3). A
// failure that errs.Classify rates ClassFatal is recorded but not counted.
func (s *Scheduler) handleFailure(ctx context.Context, agent string, cause error) {
	_ = s.store.AppendActivity(ctx, model.Activity{
		TeamID:    s.teamID,
		Agent:     agent,
		Type:      "turn_failed",
		Payload:   cause.Error(),
		Timestamp: time.Now(),
	})

	if errs.Classify(cause) == errs.ClassFatal {
		return
	}

	streak, err := s.store.BumpMemberFailure(ctx, s.teamID, agent)
	if err != nil {
		log.ErrorErr(log.CatScheduler, "bumping member failure streak", err, "agent", agent)
		return
	}
	if streak >= QuarantineThreshold {
		if err := s.store.SetMemberQuarantine(ctx, s.teamID, agent, true); err != nil {
			log.ErrorErr(log.CatScheduler, "quarantining agent", err, "agent", agent)
			return
		}
		_ = s.store.AppendActivity(ctx, model.Activity{
			TeamID:    s.teamID,
			Agent:     agent,
			Type:      "alert",
			Payload:   "agent quarantined after repeated turn failures",
			Timestamp: time.Now(),
		})
		s.events.Publish(eventbus.KindActivity, s.teamID, map[string]any{"type": "agent_quarantined", "agent": agent})
	}
}
