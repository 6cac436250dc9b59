package handoff

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeEmitter struct {
	events []domain.TriggerEvent
}

func (f *fakeEmitter) Emit(_ context.Context, event domain.TriggerEvent) error {
	f.events = append(f.events, event)
	return nil
}

type fakeScheduler struct {
	delays []time.Duration
	fns    []func()
}

func (f *fakeScheduler) schedule(delay time.Duration, fn func()) {
	f.delays = append(f.delays, delay)
	f.fns = append(f.fns, fn)
}

func seedHandoff(t *testing.T, store *memory.Store, route domain.HandoffRoute) {
	t.Helper()
	route.Active = true
	if err := store.CreateHandoff(context.Background(), route); err != nil {
		t.Fatalf("seed handoff: %v", err)
	}
}

func sourceExecution() domain.SequenceExecution {
	return domain.SequenceExecution{
		ID:          "exec-1",
		TenantID:    "t1",
		SequenceKey: "post-meeting",
		Status:      domain.ExecutionStatusCompleted,
	}
}

func TestHandoffProjectsOutputsIntoNewEvent(t *testing.T) {
	store := memory.NewStore()
	seedHandoff(t, store, domain.HandoffRoute{
		ID:                "h1",
		SourceSequenceKey: "post-meeting",
		SourceStep:        "update_crm",
		TargetEventType:   "crm.updated",
		Mappings: []domain.ContextMapping{
			{From: "deal_id", To: "deal_id", Required: true},
			{From: "stage", To: "deal_stage"},
		},
	})

	emitter := &fakeEmitter{}
	router := New(store, testLogger(), 0)
	router.SetEmitter(emitter)

	router.OnStepSucceeded(context.Background(), sourceExecution(), "update_crm",
		domain.Metadata{"deal_id": "d-9", "stage": "closed_won", "noise": true})

	if len(emitter.events) != 1 {
		t.Fatalf("expected one handoff event, got %d", len(emitter.events))
	}
	event := emitter.events[0]
	if event.EventType != "crm.updated" || event.TenantID != "t1" {
		t.Fatalf("unexpected event identity: %+v", event)
	}
	if event.Payload["deal_id"] != "d-9" || event.Payload["deal_stage"] != "closed_won" {
		t.Fatalf("unexpected projection: %v", event.Payload)
	}
	if _, leaked := event.Payload["noise"]; leaked {
		t.Fatal("unmapped fields must not leak into the handoff payload")
	}
	if event.Provenance.OriginExecutionID != "exec-1" || event.Provenance.ChainDepth != 1 {
		t.Fatalf("unexpected provenance: %+v", event.Provenance)
	}
	if event.IdempotencyKey != "exec-1:h1" {
		t.Fatalf("idempotency key must derive from execution and route, got %q", event.IdempotencyKey)
	}
}

func TestHandoffSuppressedWhenRequiredMappingMissing(t *testing.T) {
	store := memory.NewStore()
	seedHandoff(t, store, domain.HandoffRoute{
		ID:                "h1",
		SourceSequenceKey: "post-meeting",
		SourceStep:        "update_crm",
		TargetEventType:   "crm.updated",
		Mappings:          []domain.ContextMapping{{From: "deal_id", To: "deal_id", Required: true}},
	})

	emitter := &fakeEmitter{}
	router := New(store, testLogger(), 0)
	router.SetEmitter(emitter)

	router.OnStepSucceeded(context.Background(), sourceExecution(), "update_crm",
		domain.Metadata{"stage": "closed_won"})

	if len(emitter.events) != 0 {
		t.Fatalf("expected suppression, got %d events", len(emitter.events))
	}
}

func TestHandoffConditionsGateEmission(t *testing.T) {
	store := memory.NewStore()
	seedHandoff(t, store, domain.HandoffRoute{
		ID:                "h1",
		SourceSequenceKey: "post-meeting",
		SourceStep:        "update_crm",
		TargetEventType:   "crm.updated",
		Conditions:        []domain.Condition{{Field: "stage", Op: "eq", Value: "closed_won"}},
	})

	emitter := &fakeEmitter{}
	router := New(store, testLogger(), 0)
	router.SetEmitter(emitter)

	router.OnStepSucceeded(context.Background(), sourceExecution(), "update_crm",
		domain.Metadata{"stage": "negotiation"})
	if len(emitter.events) != 0 {
		t.Fatalf("expected condition to gate emission, got %d events", len(emitter.events))
	}

	router.OnStepSucceeded(context.Background(), sourceExecution(), "update_crm",
		domain.Metadata{"stage": "closed_won"})
	if len(emitter.events) != 1 {
		t.Fatalf("expected condition to pass, got %d events", len(emitter.events))
	}
}

func TestHandoffChainDepthBound(t *testing.T) {
	store := memory.NewStore()
	seedHandoff(t, store, domain.HandoffRoute{
		ID:                "h1",
		SourceSequenceKey: "post-meeting",
		SourceStep:        "update_crm",
		TargetEventType:   "crm.updated",
	})

	emitter := &fakeEmitter{}
	router := New(store, testLogger(), 2)
	router.SetEmitter(emitter)

	execution := sourceExecution()
	execution.OriginExecutionID = "exec-root"
	execution.ChainDepth = 2

	router.OnStepSucceeded(context.Background(), execution, "update_crm", domain.Metadata{})
	if len(emitter.events) != 0 {
		t.Fatal("handoff beyond max chain depth must be suppressed")
	}

	execution.ChainDepth = 1
	router.OnStepSucceeded(context.Background(), execution, "update_crm", domain.Metadata{})
	if len(emitter.events) != 1 {
		t.Fatalf("expected handoff below depth bound, got %d", len(emitter.events))
	}
	if emitter.events[0].Provenance.OriginExecutionID != "exec-root" {
		t.Fatalf("origin must be preserved across hops, got %q", emitter.events[0].Provenance.OriginExecutionID)
	}
	if emitter.events[0].Provenance.ChainDepth != 2 {
		t.Fatalf("expected chain depth 2, got %d", emitter.events[0].Provenance.ChainDepth)
	}
}

func TestImmediateHandoffEmitsOffTheCallerGoroutine(t *testing.T) {
	store := memory.NewStore()
	seedHandoff(t, store, domain.HandoffRoute{
		ID:                "h1",
		SourceSequenceKey: "post-meeting",
		SourceStep:        "update_crm",
		TargetEventType:   "crm.updated",
	})

	emitter := &fakeEmitter{}
	scheduler := &fakeScheduler{}
	router := New(store, testLogger(), 0)
	router.SetEmitter(emitter)
	router.SetScheduler(scheduler.schedule)

	router.OnStepSucceeded(context.Background(), sourceExecution(), "update_crm", domain.Metadata{})

	if len(emitter.events) != 0 {
		t.Fatal("emission must not run on the caller goroutine when a scheduler is wired")
	}
	if len(scheduler.delays) != 1 || scheduler.delays[0] != 0 {
		t.Fatalf("expected zero-delay handoff through the scheduler, got %v", scheduler.delays)
	}
	scheduler.fns[0]()
	if len(emitter.events) != 1 {
		t.Fatalf("expected emission from the scheduled callback, got %d", len(emitter.events))
	}
}

func TestHandoffDelayUsesScheduler(t *testing.T) {
	store := memory.NewStore()
	seedHandoff(t, store, domain.HandoffRoute{
		ID:                "h1",
		SourceSequenceKey: "post-meeting",
		SourceStep:        "update_crm",
		TargetEventType:   "crm.updated",
		DelaySeconds:      90,
	})

	emitter := &fakeEmitter{}
	scheduler := &fakeScheduler{}
	router := New(store, testLogger(), 0)
	router.SetEmitter(emitter)
	router.SetScheduler(scheduler.schedule)

	router.OnStepSucceeded(context.Background(), sourceExecution(), "update_crm", domain.Metadata{})

	if len(emitter.events) != 0 {
		t.Fatal("delayed handoff must not emit synchronously")
	}
	if len(scheduler.delays) != 1 || scheduler.delays[0] != 90*time.Second {
		t.Fatalf("expected 90s delay, got %v", scheduler.delays)
	}
	scheduler.fns[0]()
	if len(emitter.events) != 1 {
		t.Fatalf("expected emission after delay, got %d", len(emitter.events))
	}
}
