package router

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

func seedDefinition(t *testing.T, store *memory.Store, tenantID, key string, version int) {
	t.Helper()
	def := domain.SequenceDefinition{
		ID:            key + "-" + tenantID + "-v" + time.Now().Format("150405.000000000"),
		TenantID:      tenantID,
		SequenceKey:   key,
		Version:       version,
		SchemaVersion: domain.DefinitionSchemaV1,
		Steps: []domain.SequenceStep{
			{Name: "noop", Criticality: domain.CriticalityBestEffort, Available: true},
		},
		Active: true,
	}
	if err := store.PublishDefinition(context.Background(), def); err != nil {
		t.Fatalf("seed definition: %v", err)
	}
}

func seedRoute(t *testing.T, store *memory.Store, route domain.EventRoute) {
	t.Helper()
	route.Active = true
	if err := store.CreateRoute(context.Background(), route); err != nil {
		t.Fatalf("seed route: %v", err)
	}
}

func TestRoutePriorityOrderAndTierMerge(t *testing.T) {
	store := memory.NewStore()
	seedDefinition(t, store, "", "seq-a", 1)
	seedDefinition(t, store, "", "seq-b", 1)
	seedDefinition(t, store, "", "seq-c", 1)

	seedRoute(t, store, domain.EventRoute{ID: "r1", TenantID: "t1", EventType: "meeting.ended", SequenceKey: "seq-b", Priority: 20})
	seedRoute(t, store, domain.EventRoute{ID: "r2", EventType: "meeting.ended", SequenceKey: "seq-a", Priority: 10})
	// Global row for seq-b must be shadowed by the tenant row above.
	seedRoute(t, store, domain.EventRoute{ID: "r3", EventType: "meeting.ended", SequenceKey: "seq-b", Priority: 1})
	seedRoute(t, store, domain.EventRoute{ID: "r4", EventType: "meeting.ended", SequenceKey: "seq-c", Priority: 30})

	r := New(store, store, testLogger())
	matches, err := r.Route(context.Background(), "t1", "meeting.ended", domain.Metadata{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	got := []string{matches[0].Route.SequenceKey, matches[1].Route.SequenceKey, matches[2].Route.SequenceKey}
	want := []string{"seq-a", "seq-b", "seq-c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
	if matches[1].Route.ID != "r1" {
		t.Fatalf("expected tenant route to shadow global for seq-b, got %s", matches[1].Route.ID)
	}
}

func TestRouteConditionFilter(t *testing.T) {
	store := memory.NewStore()
	seedDefinition(t, store, "", "seq-a", 1)
	seedRoute(t, store, domain.EventRoute{
		ID: "r1", EventType: "deal.closed", SequenceKey: "seq-a", Priority: 1,
		Conditions: []domain.Condition{{Field: "amount", Op: "gt", Value: "1000"}},
	})

	r := New(store, store, testLogger())
	matches, err := r.Route(context.Background(), "t1", "deal.closed", domain.Metadata{"amount": float64(500)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected predicate to skip route, got %d matches", len(matches))
	}

	matches, err = r.Route(context.Background(), "t1", "deal.closed", domain.Metadata{"amount": float64(5000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected predicate to pass route, got %d matches", len(matches))
	}
}

func TestRouteDropsUnresolvableDefinition(t *testing.T) {
	store := memory.NewStore()
	seedDefinition(t, store, "", "seq-a", 1)
	seedRoute(t, store, domain.EventRoute{ID: "r1", EventType: "tick", SequenceKey: "seq-a", Priority: 1})
	seedRoute(t, store, domain.EventRoute{ID: "r2", EventType: "tick", SequenceKey: "seq-missing", Priority: 2})

	r := New(store, store, testLogger())
	matches, err := r.Route(context.Background(), "t1", "tick", domain.Metadata{})
	if err != nil {
		t.Fatalf("unresolvable definition must not fail other matches: %v", err)
	}
	if len(matches) != 1 || matches[0].Route.SequenceKey != "seq-a" {
		t.Fatalf("expected only seq-a to survive, got %+v", matches)
	}
}

func TestRouteResolvesTenantDefinitionOverGlobal(t *testing.T) {
	store := memory.NewStore()
	seedDefinition(t, store, "", "seq-a", 3)
	seedDefinition(t, store, "t1", "seq-a", 1)
	seedRoute(t, store, domain.EventRoute{ID: "r1", EventType: "tick", SequenceKey: "seq-a", Priority: 1})

	r := New(store, store, testLogger())
	matches, err := r.Route(context.Background(), "t1", "tick", domain.Metadata{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %d", len(matches))
	}
	if matches[0].Definition.TenantID != "t1" {
		t.Fatalf("expected tenant-tier definition to win, got scope %q", matches[0].Definition.TenantID)
	}

	matches, err = r.Route(context.Background(), "t2", "tick", domain.Metadata{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 || !matches[0].Definition.IsGlobal() {
		t.Fatalf("expected global fallback for tenant without override")
	}
	if matches[0].Definition.Version != 3 {
		t.Fatalf("expected highest active global version, got %d", matches[0].Definition.Version)
	}
}
