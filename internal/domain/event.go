package domain

import (
	"errors"
	"strings"
)

// EventProvenance links a synthetic handoff event back to the execution that
// produced it. ChainDepth counts handoff hops from the original trigger and
// bounds chained re-triggering.
type EventProvenance struct {
	OriginExecutionID string `json:"origin_execution_id,omitempty"`
	ChainDepth        int    `json:"chain_depth,omitempty"`
}

// TriggerEvent is a domain event entering the router, either from an external
// trigger source or re-emitted by a handoff.
type TriggerEvent struct {
	TenantID       string
	EventType      string
	Payload        Metadata
	IdempotencyKey string
	InitiatedBy    string
	Provenance     EventProvenance
}

func (e TriggerEvent) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(e.EventType) == "" {
		return errors.New("event type is required")
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return errors.New("idempotency key is required")
	}
	if e.Provenance.ChainDepth < 0 {
		return errors.New("chain depth must be >= 0")
	}
	return nil
}
