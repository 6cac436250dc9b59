// Package dispatch is the event front door: every trigger, replay and handoff
// enters through the same queue, gets routed, and starts executions in route
// priority order on a worker pool.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/router"
)

const (
	DefaultQueueSize = 256
	DefaultWorkers   = 4
)

// ErrQueueFull is returned when the intake queue cannot accept the event
// before the caller's context expires.
var ErrQueueFull = errors.New("event queue full")

// Matcher resolves an event to its route/definition matches.
type Matcher interface {
	Route(ctx context.Context, tenantID, eventType string, payload domain.Metadata) ([]router.Match, error)
}

// Starter begins one execution for a resolved definition.
type Starter interface {
	Start(ctx context.Context, def domain.SequenceDefinition, event domain.TriggerEvent) (domain.SequenceExecution, error)
}

type Config struct {
	QueueSize int
	Workers   int
}

type Dispatcher struct {
	matcher Matcher
	starter Starter
	logger  *slog.Logger
	queue   chan domain.TriggerEvent
	workers int
}

func New(matcher Matcher, starter Starter, logger *slog.Logger, cfg Config) *Dispatcher {
	if matcher == nil || starter == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		matcher: matcher,
		starter: starter,
		logger:  logger,
		queue:   make(chan domain.TriggerEvent, queueSize),
		workers: workers,
	}
}

// Emit enqueues an event for dispatch. It blocks while the queue is full and
// gives up when ctx expires, so ingestion backpressure reaches the caller.
func (d *Dispatcher) Emit(ctx context.Context, event domain.TriggerEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	select {
	case d.queue <- event:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrQueueFull, ctx.Err())
	}
}

// EmitAfter runs fn after delay. Backoff retries and delayed handoffs share
// this timer so all deferred work hangs off the dispatcher.
func (d *Dispatcher) EmitAfter(delay time.Duration, fn func()) {
	if fn == nil {
		return
	}
	if delay <= 0 {
		go fn()
		return
	}
	time.AfterFunc(delay, fn)
}

// Run consumes the queue on a worker pool until ctx is cancelled. It blocks,
// so callers start it on its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event := <-d.queue:
					d.process(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
}

// process routes one event and starts an execution per match, in route
// priority order. One failed start does not block the remaining matches.
func (d *Dispatcher) process(ctx context.Context, event domain.TriggerEvent) {
	matches, err := d.matcher.Route(ctx, event.TenantID, event.EventType, event.Payload)
	if err != nil {
		d.logger.Error("event routing failed",
			"tenant_id", event.TenantID,
			"event_type", event.EventType,
			"idempotency_key", event.IdempotencyKey,
			"error", err,
		)
		return
	}
	if len(matches) == 0 {
		d.logger.Debug("event matched no routes",
			"tenant_id", event.TenantID,
			"event_type", event.EventType,
		)
		return
	}

	for _, match := range matches {
		execution, err := d.starter.Start(ctx, match.Definition, event)
		if err != nil {
			d.logger.Error("execution start failed",
				"tenant_id", event.TenantID,
				"sequence_key", match.Route.SequenceKey,
				"idempotency_key", event.IdempotencyKey,
				"error", err,
			)
			continue
		}
		d.logger.Info("event dispatched",
			"tenant_id", event.TenantID,
			"event_type", event.EventType,
			"sequence_key", match.Route.SequenceKey,
			"execution_id", execution.ID,
			"status", string(execution.Status),
		)
	}
}
