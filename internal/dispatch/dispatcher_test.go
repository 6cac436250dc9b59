package dispatch

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/engine"
	"github.com/conductor-labs/conductor-go/internal/handoff"
	"github.com/conductor-labs/conductor-go/internal/repo"
	"github.com/conductor-labs/conductor-go/internal/repo/memory"
	"github.com/conductor-labs/conductor-go/internal/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seedSequence(t *testing.T, store *memory.Store, key string, eventType string, priority int, steps ...domain.SequenceStep) {
	t.Helper()
	for i := range steps {
		if steps[i].Criticality == "" {
			steps[i].Criticality = domain.CriticalityCritical
		}
		steps[i].Available = true
	}
	def := domain.SequenceDefinition{
		ID:            "def-" + key,
		SequenceKey:   key,
		Version:       1,
		SchemaVersion: domain.DefinitionSchemaV1,
		Steps:         steps,
		Active:        true,
	}
	if err := store.PublishDefinition(context.Background(), def); err != nil {
		t.Fatalf("publish definition: %v", err)
	}
	route := domain.EventRoute{
		ID:          "route-" + key,
		EventType:   eventType,
		SequenceKey: key,
		Priority:    priority,
		Active:      true,
	}
	if err := store.CreateRoute(context.Background(), route); err != nil {
		t.Fatalf("create route: %v", err)
	}
}

func waitForExecutions(t *testing.T, store *memory.Store, sequenceKey string, status domain.ExecutionStatus) domain.SequenceExecution {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		list, err := store.ListExecutions(context.Background(), repo.ExecutionFilter{SequenceKey: sequenceKey, Status: status})
		if err != nil {
			t.Fatalf("list executions: %v", err)
		}
		if len(list) > 0 {
			return list[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s execution for %s within deadline", status, sequenceKey)
	return domain.SequenceExecution{}
}

func TestDispatcherRoutesEventToEngine(t *testing.T) {
	store := memory.NewStore()
	seedSequence(t, store, "post-meeting", "meeting.ended", 10,
		domain.SequenceStep{Name: "summarize"},
	)

	reg := engine.NewRegistry()
	reg.Register("summarize", func(ctx context.Context, input domain.Metadata) (engine.SkillResult, error) {
		return engine.SkillResult{Status: engine.SkillStatusSuccess, Output: domain.Metadata{"summary": "recap"}}, nil
	})

	eng := engine.New(store, store, reg, testLogger(), engine.Config{})
	matcher := router.New(store, store, testLogger())
	dispatcher := New(matcher, eng, testLogger(), Config{QueueSize: 8, Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	event := domain.TriggerEvent{
		TenantID:       "t1",
		EventType:      "meeting.ended",
		Payload:        domain.Metadata{"meeting_id": "m-1"},
		IdempotencyKey: "evt-1",
		InitiatedBy:    "trigger:webhook",
	}
	if err := dispatcher.Emit(ctx, event); err != nil {
		t.Fatalf("emit: %v", err)
	}

	execution := waitForExecutions(t, store, "post-meeting", domain.ExecutionStatusCompleted)
	if execution.Context["summary"] != "recap" {
		t.Fatalf("expected step output in context, got %v", execution.Context)
	}
}

func TestDispatcherChainsHandoffs(t *testing.T) {
	store := memory.NewStore()
	seedSequence(t, store, "post-meeting", "meeting.ended", 10,
		domain.SequenceStep{Name: "update_crm"},
	)
	seedSequence(t, store, "deal-followup", "crm.updated", 10,
		domain.SequenceStep{Name: "notify"},
	)
	if err := store.CreateHandoff(context.Background(), domain.HandoffRoute{
		ID:                "h1",
		SourceSequenceKey: "post-meeting",
		SourceStep:        "update_crm",
		TargetEventType:   "crm.updated",
		Mappings:          []domain.ContextMapping{{From: "deal_id", To: "deal_id", Required: true}},
		Active:            true,
	}); err != nil {
		t.Fatalf("create handoff: %v", err)
	}

	reg := engine.NewRegistry()
	reg.Register("update_crm", func(ctx context.Context, input domain.Metadata) (engine.SkillResult, error) {
		return engine.SkillResult{Status: engine.SkillStatusSuccess, Output: domain.Metadata{"deal_id": "d-9"}}, nil
	})
	var notified domain.Metadata
	reg.Register("notify", func(ctx context.Context, input domain.Metadata) (engine.SkillResult, error) {
		notified = input
		return engine.SkillResult{Status: engine.SkillStatusSuccess}, nil
	})

	eng := engine.New(store, store, reg, testLogger(), engine.Config{})
	matcher := router.New(store, store, testLogger())
	dispatcher := New(matcher, eng, testLogger(), Config{QueueSize: 8, Workers: 2})

	handoffs := handoff.New(store, testLogger(), 0)
	handoffs.SetEmitter(dispatcher)
	handoffs.SetScheduler(dispatcher.EmitAfter)
	eng.SetSuccessSink(handoffs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	event := domain.TriggerEvent{
		TenantID:       "t1",
		EventType:      "meeting.ended",
		Payload:        domain.Metadata{"meeting_id": "m-1"},
		IdempotencyKey: "evt-1",
		InitiatedBy:    "trigger:webhook",
	}
	if err := dispatcher.Emit(ctx, event); err != nil {
		t.Fatalf("emit: %v", err)
	}

	parent := waitForExecutions(t, store, "post-meeting", domain.ExecutionStatusCompleted)
	child := waitForExecutions(t, store, "deal-followup", domain.ExecutionStatusCompleted)
	if child.OriginExecutionID != parent.ID {
		t.Fatalf("expected child origin %s, got %s", parent.ID, child.OriginExecutionID)
	}
	if child.ChainDepth != 1 {
		t.Fatalf("expected chain depth 1, got %d", child.ChainDepth)
	}
	if notified["deal_id"] != "d-9" {
		t.Fatalf("expected projected payload in chained sequence, got %v", notified)
	}
}

func TestEmitRejectsInvalidEvent(t *testing.T) {
	store := memory.NewStore()
	reg := engine.NewRegistry()
	eng := engine.New(store, store, reg, testLogger(), engine.Config{})
	matcher := router.New(store, store, testLogger())
	dispatcher := New(matcher, eng, testLogger(), Config{})

	err := dispatcher.Emit(context.Background(), domain.TriggerEvent{TenantID: "t1"})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestEmitAfterRunsCallback(t *testing.T) {
	store := memory.NewStore()
	reg := engine.NewRegistry()
	eng := engine.New(store, store, reg, testLogger(), engine.Config{})
	matcher := router.New(store, store, testLogger())
	dispatcher := New(matcher, eng, testLogger(), Config{})

	done := make(chan struct{})
	dispatcher.EmitAfter(5*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
}
