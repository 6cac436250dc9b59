package domain

import (
	"errors"
	"strings"
	"time"
)

// EventRoute binds a domain event type to a sequence key. A route with an
// empty TenantID belongs to the global tier and applies to every tenant that
// has no tenant-specific route for the same (event type, sequence key).
type EventRoute struct {
	ID          string
	TenantID    string
	EventType   string
	SequenceKey string
	Priority    int
	Conditions  []Condition
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r EventRoute) IsGlobal() bool {
	return strings.TrimSpace(r.TenantID) == ""
}

func (r EventRoute) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("route id is required")
	}
	if strings.TrimSpace(r.EventType) == "" {
		return errors.New("event type is required")
	}
	if strings.TrimSpace(r.SequenceKey) == "" {
		return errors.New("sequence key is required")
	}
	return ValidateConditions(r.Conditions)
}

// Matches reports whether the route's predicate accepts the payload. Routes
// without conditions match every payload.
func (r EventRoute) Matches(payload Metadata) bool {
	return MatchConditions(r.Conditions, payload)
}
