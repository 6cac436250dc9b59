package repo

import (
	"context"
	"errors"
	"time"

	"github.com/conductor-labs/conductor-go/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when an insert collides with an existing
// record on its uniqueness tuple.
var ErrAlreadyExists = errors.New("already exists")

// ErrVersionConflict is returned when a definition publish does not advance
// the version for its (scope, sequence key).
var ErrVersionConflict = errors.New("definition version conflict")

type RouteFilter struct {
	TenantID  string
	EventType string
	Active    *bool
	Limit     int
}

type DefinitionFilter struct {
	TenantID    string
	SequenceKey string
	Limit       int
}

type ExecutionFilter struct {
	TenantID    string
	SequenceKey string
	Status      domain.ExecutionStatus
	Limit       int
}

type DeadLetterFilter struct {
	TenantID string
	Status   domain.DeadLetterStatus
	Limit    int
}

type HandoffFilter struct {
	SourceSequenceKey string
	Active            *bool
	Limit             int
}

// RouteRepository manages event routes in two tiers: tenant-specific rows and
// global rows (empty tenant id).
type RouteRepository interface {
	// CreateRoute inserts the route. A route already covering the same
	// (tenant, event type, sequence key) yields ErrAlreadyExists.
	CreateRoute(ctx context.Context, route domain.EventRoute) error
	GetRoute(ctx context.Context, id string) (domain.EventRoute, error)
	ListRoutes(ctx context.Context, filter RouteFilter) ([]domain.EventRoute, error)
	// ListActiveByEvent returns active tenant-tier routes for the event type.
	ListActiveByEvent(ctx context.Context, tenantID, eventType string) ([]domain.EventRoute, error)
	// ListActiveGlobalByEvent returns active global-tier routes for the event type.
	ListActiveGlobalByEvent(ctx context.Context, eventType string) ([]domain.EventRoute, error)
	DeactivateRoute(ctx context.Context, id string) error
}

// DefinitionRepository manages append-only sequence definition versions.
type DefinitionRepository interface {
	// PublishDefinition stores a new immutable version. The version must be
	// strictly greater than every existing version for the same scope and
	// sequence key; otherwise ErrVersionConflict is returned.
	PublishDefinition(ctx context.Context, def domain.SequenceDefinition) error
	// GetActiveDefinition returns the highest active tenant-tier version.
	GetActiveDefinition(ctx context.Context, tenantID, sequenceKey string) (domain.SequenceDefinition, error)
	// GetActiveGlobalDefinition returns the highest active global-tier version.
	GetActiveGlobalDefinition(ctx context.Context, sequenceKey string) (domain.SequenceDefinition, error)
	GetDefinitionVersion(ctx context.Context, tenantID, sequenceKey string, version int) (domain.SequenceDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]domain.SequenceDefinition, error)
}

// ExecutionRepository manages sequence executions with single-writer updates.
type ExecutionRepository interface {
	// CreateExecution inserts the execution unless a non-terminal execution
	// already exists for the same (tenant, sequence key, idempotency key), in
	// which case the existing record is returned and created is false.
	CreateExecution(ctx context.Context, execution domain.SequenceExecution) (domain.SequenceExecution, bool, error)
	GetExecution(ctx context.Context, id string) (domain.SequenceExecution, error)
	// GetOpenExecution returns the non-terminal execution for the idempotency
	// tuple, or ErrNotFound.
	GetOpenExecution(ctx context.Context, tenantID, sequenceKey, idempotencyKey string) (domain.SequenceExecution, error)
	UpdateExecution(ctx context.Context, execution domain.SequenceExecution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.SequenceExecution, error)
}

// DeadLetterRepository manages quarantined failures.
type DeadLetterRepository interface {
	CreateEntry(ctx context.Context, entry domain.DeadLetterEntry) error
	GetEntry(ctx context.Context, id string) (domain.DeadLetterEntry, error)
	UpdateEntry(ctx context.Context, entry domain.DeadLetterEntry) error
	ListEntries(ctx context.Context, filter DeadLetterFilter) ([]domain.DeadLetterEntry, error)
	// ListDue returns open entries whose next retry time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.DeadLetterEntry, error)
}

// HandoffRepository manages handoff routes.
type HandoffRepository interface {
	// CreateHandoff inserts the route; a duplicate id yields ErrAlreadyExists.
	CreateHandoff(ctx context.Context, route domain.HandoffRoute) error
	GetHandoff(ctx context.Context, id string) (domain.HandoffRoute, error)
	ListHandoffs(ctx context.Context, filter HandoffFilter) ([]domain.HandoffRoute, error)
	// ListActiveBySource returns active routes for (sequence key, step name).
	ListActiveBySource(ctx context.Context, sequenceKey, stepName string) ([]domain.HandoffRoute, error)
	DeactivateHandoff(ctx context.Context, id string) error
}
