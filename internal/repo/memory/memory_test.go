package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
)

func TestCreateRouteRejectsDuplicateTuple(t *testing.T) {
	store := NewStore()
	route := domain.EventRoute{
		ID:          "r1",
		TenantID:    "t1",
		EventType:   "meeting.ended",
		SequenceKey: "post-meeting",
		Priority:    10,
		Active:      true,
	}
	if err := store.CreateRoute(context.Background(), route); err != nil {
		t.Fatalf("create route: %v", err)
	}

	dup := route
	dup.ID = "r2"
	if err := store.CreateRoute(context.Background(), dup); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate tuple, got %v", err)
	}

	// A different sequence key for the same event is a separate route.
	other := route
	other.ID = "r3"
	other.SequenceKey = "deal-followup"
	if err := store.CreateRoute(context.Background(), other); err != nil {
		t.Fatalf("distinct tuple must insert: %v", err)
	}
}

func TestCreateHandoffRejectsDuplicateID(t *testing.T) {
	store := NewStore()
	route := domain.HandoffRoute{
		ID:                "h1",
		SourceSequenceKey: "post-meeting",
		SourceStep:        "update_crm",
		TargetEventType:   "crm.updated",
		Active:            true,
	}
	if err := store.CreateHandoff(context.Background(), route); err != nil {
		t.Fatalf("create handoff: %v", err)
	}
	if err := store.CreateHandoff(context.Background(), route); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate id, got %v", err)
	}
}

func TestListDueSkipsUnscheduledEntries(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	entry := domain.DeadLetterEntry{
		ID:          "dl-unscheduled",
		ExecutionID: "exec-1",
		TenantID:    "t1",
		EventType:   "meeting.ended",
		RetryCount:  3,
		MaxRetries:  3,
		Status:      domain.DeadLetterStatusPending,
		CreatedAt:   now,
	}
	if err := store.CreateEntry(context.Background(), entry); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	scheduled := entry
	scheduled.ID = "dl-scheduled"
	scheduled.RetryCount = 1
	scheduled.NextRetryAt = &past
	if err := store.CreateEntry(context.Background(), scheduled); err != nil {
		t.Fatalf("create entry: %v", err)
	}

	due, err := store.ListDue(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "dl-scheduled" {
		t.Fatalf("expected only the scheduled entry to be due, got %+v", due)
	}
}
