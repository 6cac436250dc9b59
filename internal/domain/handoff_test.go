package domain

import "testing"

func TestHandoffProject(t *testing.T) {
	route := HandoffRoute{
		ID:                "ho-1",
		SourceSequenceKey: "crm-sync",
		SourceStep:        "update-fields",
		TargetEventType:   "deal.rescore",
		Mappings: []ContextMapping{
			{From: "deal_id", To: "deal_id", Required: true},
			{From: "fields.stage", To: "stage"},
			{From: "owner", To: "owner"},
		},
	}

	outputs := Metadata{
		"deal_id": "deal-42",
		"fields":  map[string]any{"stage": "negotiation"},
	}
	payload, ok := route.Project(outputs)
	if !ok {
		t.Fatalf("expected projection to succeed")
	}
	if payload["deal_id"] != "deal-42" {
		t.Fatalf("expected deal_id mapped, got %v", payload["deal_id"])
	}
	if payload["stage"] != "negotiation" {
		t.Fatalf("expected nested field mapped, got %v", payload["stage"])
	}
	if _, present := payload["owner"]; present {
		t.Fatalf("optional missing field must be omitted, not mapped")
	}
}

func TestHandoffProjectSuppressedOnMissingRequired(t *testing.T) {
	route := HandoffRoute{
		ID:                "ho-1",
		SourceSequenceKey: "crm-sync",
		SourceStep:        "update-fields",
		TargetEventType:   "deal.rescore",
		Mappings: []ContextMapping{
			{From: "deal_id", To: "deal_id", Required: true},
		},
	}
	if _, ok := route.Project(Metadata{"other": "x"}); ok {
		t.Fatalf("expected missing required field to suppress projection")
	}
}

func TestHandoffValidate(t *testing.T) {
	route := HandoffRoute{
		ID:                "ho-1",
		SourceSequenceKey: "crm-sync",
		SourceStep:        "update-fields",
		TargetEventType:   "deal.rescore",
		DelaySeconds:      -1,
	}
	if err := route.Validate(); err == nil {
		t.Fatalf("expected negative delay to be rejected")
	}
	route.DelaySeconds = 30
	route.Mappings = []ContextMapping{{From: "", To: "x"}}
	if err := route.Validate(); err == nil {
		t.Fatalf("expected empty mapping source to be rejected")
	}
}
