// Package handoff chains sequences together: when a watched step succeeds it
// projects the step's outputs into a synthetic trigger event and re-emits it
// through the front door, with provenance and a chain-depth bound so route
// cycles cannot re-trigger forever.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
)

// DefaultMaxChainDepth bounds handoff hops from the original trigger.
const DefaultMaxChainDepth = 8

// EventEmitter feeds synthetic events back into event ingestion.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

// ScheduleFunc runs fn after delay, for routes configured with one.
type ScheduleFunc func(delay time.Duration, fn func())

type Router struct {
	handoffs      repo.HandoffRepository
	logger        *slog.Logger
	maxChainDepth int

	emitter  EventEmitter
	schedule ScheduleFunc
}

func New(handoffs repo.HandoffRepository, logger *slog.Logger, maxChainDepth int) *Router {
	if handoffs == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxChainDepth <= 0 {
		maxChainDepth = DefaultMaxChainDepth
	}
	return &Router{handoffs: handoffs, logger: logger, maxChainDepth: maxChainDepth}
}

// SetEmitter wires event ingestion. Must be called before the first handoff.
func (r *Router) SetEmitter(emitter EventEmitter) { r.emitter = emitter }

// SetScheduler wires the delayed-emission timer.
func (r *Router) SetScheduler(schedule ScheduleFunc) { r.schedule = schedule }

// OnStepSucceeded evaluates every active handoff route for the step. A route
// fires only when its conditions match the step outputs and every required
// mapping resolves; otherwise it is suppressed without touching the parent
// execution. Emission failures are logged and swallowed for the same reason:
// the parent already completed.
func (r *Router) OnStepSucceeded(ctx context.Context, execution domain.SequenceExecution, stepName string, outputs domain.Metadata) {
	routes, err := r.handoffs.ListActiveBySource(ctx, execution.SequenceKey, stepName)
	if err != nil {
		r.logger.Error("list handoff routes failed",
			"sequence_key", execution.SequenceKey,
			"step", stepName,
			"error", err,
		)
		return
	}

	for _, route := range routes {
		if !domain.MatchConditions(route.Conditions, outputs) {
			continue
		}
		payload, ok := route.Project(outputs)
		if !ok {
			r.logger.Warn("handoff suppressed: required mapping missing",
				"handoff_id", route.ID,
				"execution_id", execution.ID,
				"step", stepName,
			)
			continue
		}

		depth := execution.ChainDepth + 1
		if depth > r.maxChainDepth {
			r.logger.Warn("handoff suppressed: chain depth exceeded",
				"handoff_id", route.ID,
				"execution_id", execution.ID,
				"chain_depth", depth,
				"max_chain_depth", r.maxChainDepth,
			)
			continue
		}

		origin := execution.OriginExecutionID
		if origin == "" {
			origin = execution.ID
		}
		event := domain.TriggerEvent{
			TenantID:  execution.TenantID,
			EventType: route.TargetEventType,
			Payload:   payload,
			// Derived from the parent execution and route so a replayed
			// completion cannot double-fire the same handoff.
			IdempotencyKey: execution.ID + ":" + route.ID,
			InitiatedBy:    fmt.Sprintf("handoff:%s/%s", execution.SequenceKey, stepName),
			Provenance: domain.EventProvenance{
				OriginExecutionID: origin,
				ChainDepth:        depth,
			},
		}

		r.logger.Info("handoff fired",
			"handoff_id", route.ID,
			"execution_id", execution.ID,
			"target_event_type", route.TargetEventType,
			"chain_depth", depth,
			"delay", route.Delay().String(),
		)

		// Zero-delay emissions also go through the scheduler: a completion
		// running on a dispatch worker must not block on its own queue.
		if r.schedule != nil {
			emitEvent := event
			r.schedule(route.Delay(), func() {
				r.emit(context.Background(), emitEvent)
			})
			continue
		}
		r.emit(ctx, event)
	}
}

func (r *Router) emit(ctx context.Context, event domain.TriggerEvent) {
	if r.emitter == nil {
		r.logger.Error("handoff emitter not wired", "event_type", event.EventType)
		return
	}
	if err := r.emitter.Emit(ctx, event); err != nil {
		r.logger.Error("handoff emission failed",
			"event_type", event.EventType,
			"idempotency_key", event.IdempotencyKey,
			"error", err,
		)
	}
}
