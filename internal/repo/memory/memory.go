// Package memory provides a mutex-guarded in-memory implementation of the
// repo interfaces, used by engine tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
)

type Store struct {
	mu          sync.Mutex
	routes      map[string]domain.EventRoute
	definitions map[string]domain.SequenceDefinition
	executions  map[string]domain.SequenceExecution
	deadLetters map[string]domain.DeadLetterEntry
	handoffs    map[string]domain.HandoffRoute
}

func NewStore() *Store {
	return &Store{
		routes:      make(map[string]domain.EventRoute),
		definitions: make(map[string]domain.SequenceDefinition),
		executions:  make(map[string]domain.SequenceExecution),
		deadLetters: make(map[string]domain.DeadLetterEntry),
		handoffs:    make(map[string]domain.HandoffRoute),
	}
}

// Routes

func (s *Store) CreateRoute(ctx context.Context, route domain.EventRoute) error {
	if err := route.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.routes {
		if existing.TenantID == route.TenantID &&
			existing.EventType == route.EventType &&
			existing.SequenceKey == route.SequenceKey {
			return fmt.Errorf("route for (%q, %q, %q): %w", route.TenantID, route.EventType, route.SequenceKey, repo.ErrAlreadyExists)
		}
	}
	s.routes[route.ID] = route
	return nil
}

func (s *Store) GetRoute(ctx context.Context, id string) (domain.EventRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	route, ok := s.routes[id]
	if !ok {
		return domain.EventRoute{}, repo.ErrNotFound
	}
	return route, nil
}

func (s *Store) ListRoutes(ctx context.Context, filter repo.RouteFilter) ([]domain.EventRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventRoute, 0)
	for _, route := range s.routes {
		if filter.TenantID != "" && route.TenantID != filter.TenantID {
			continue
		}
		if filter.EventType != "" && route.EventType != filter.EventType {
			continue
		}
		if filter.Active != nil && route.Active != *filter.Active {
			continue
		}
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limitRoutes(out, filter.Limit), nil
}

func (s *Store) ListActiveByEvent(ctx context.Context, tenantID, eventType string) ([]domain.EventRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventRoute, 0)
	for _, route := range s.routes {
		if !route.Active || route.IsGlobal() {
			continue
		}
		if route.TenantID == tenantID && route.EventType == eventType {
			out = append(out, route)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListActiveGlobalByEvent(ctx context.Context, eventType string) ([]domain.EventRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventRoute, 0)
	for _, route := range s.routes {
		if !route.Active || !route.IsGlobal() {
			continue
		}
		if route.EventType == eventType {
			out = append(out, route)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeactivateRoute(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	route, ok := s.routes[id]
	if !ok {
		return repo.ErrNotFound
	}
	route.Active = false
	route.UpdatedAt = time.Now().UTC()
	s.routes[id] = route
	return nil
}

// Definitions

func (s *Store) PublishDefinition(ctx context.Context, def domain.SequenceDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.definitions {
		if existing.TenantID == def.TenantID && existing.SequenceKey == def.SequenceKey &&
			existing.Version >= def.Version {
			return repo.ErrVersionConflict
		}
	}
	s.definitions[def.ID] = def
	return nil
}

func (s *Store) GetActiveDefinition(ctx context.Context, tenantID, sequenceKey string) (domain.SequenceDefinition, error) {
	if strings.TrimSpace(tenantID) == "" {
		return domain.SequenceDefinition{}, repo.ErrNotFound
	}
	return s.highestActive(tenantID, sequenceKey)
}

func (s *Store) GetActiveGlobalDefinition(ctx context.Context, sequenceKey string) (domain.SequenceDefinition, error) {
	return s.highestActive("", sequenceKey)
}

func (s *Store) highestActive(tenantID, sequenceKey string) (domain.SequenceDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best domain.SequenceDefinition
	found := false
	for _, def := range s.definitions {
		if !def.Active || def.TenantID != tenantID || def.SequenceKey != sequenceKey {
			continue
		}
		if !found || def.Version > best.Version {
			best = def
			found = true
		}
	}
	if !found {
		return domain.SequenceDefinition{}, repo.ErrNotFound
	}
	return best, nil
}

func (s *Store) GetDefinitionVersion(ctx context.Context, tenantID, sequenceKey string, version int) (domain.SequenceDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range s.definitions {
		if def.TenantID == tenantID && def.SequenceKey == sequenceKey && def.Version == version {
			return def, nil
		}
	}
	return domain.SequenceDefinition{}, repo.ErrNotFound
}

func (s *Store) ListDefinitions(ctx context.Context, filter repo.DefinitionFilter) ([]domain.SequenceDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SequenceDefinition, 0)
	for _, def := range s.definitions {
		if filter.TenantID != "" && def.TenantID != filter.TenantID {
			continue
		}
		if filter.SequenceKey != "" && def.SequenceKey != filter.SequenceKey {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceKey != out[j].SequenceKey {
			return out[i].SequenceKey < out[j].SequenceKey
		}
		return out[i].Version < out[j].Version
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Executions

func (s *Store) CreateExecution(ctx context.Context, execution domain.SequenceExecution) (domain.SequenceExecution, bool, error) {
	if err := execution.Validate(); err != nil {
		return domain.SequenceExecution{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.executions {
		if existing.TenantID == execution.TenantID &&
			existing.SequenceKey == execution.SequenceKey &&
			existing.IdempotencyKey == execution.IdempotencyKey &&
			!existing.Status.Terminal() {
			return cloneExecution(existing), false, nil
		}
	}
	s.executions[execution.ID] = cloneExecution(execution)
	return cloneExecution(execution), true, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (domain.SequenceExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, ok := s.executions[id]
	if !ok {
		return domain.SequenceExecution{}, repo.ErrNotFound
	}
	return cloneExecution(execution), nil
}

func (s *Store) GetOpenExecution(ctx context.Context, tenantID, sequenceKey, idempotencyKey string) (domain.SequenceExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, execution := range s.executions {
		if execution.TenantID == tenantID &&
			execution.SequenceKey == sequenceKey &&
			execution.IdempotencyKey == idempotencyKey &&
			!execution.Status.Terminal() {
			return cloneExecution(execution), nil
		}
	}
	return domain.SequenceExecution{}, repo.ErrNotFound
}

func (s *Store) UpdateExecution(ctx context.Context, execution domain.SequenceExecution) error {
	if err := execution.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[execution.ID]; !ok {
		return repo.ErrNotFound
	}
	s.executions[execution.ID] = cloneExecution(execution)
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, filter repo.ExecutionFilter) ([]domain.SequenceExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SequenceExecution, 0)
	for _, execution := range s.executions {
		if filter.TenantID != "" && execution.TenantID != filter.TenantID {
			continue
		}
		if filter.SequenceKey != "" && execution.SequenceKey != filter.SequenceKey {
			continue
		}
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		out = append(out, cloneExecution(execution))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Dead letters

func (s *Store) CreateEntry(ctx context.Context, entry domain.DeadLetterEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[entry.ID] = entry
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deadLetters[id]
	if !ok {
		return domain.DeadLetterEntry{}, repo.ErrNotFound
	}
	return entry, nil
}

func (s *Store) UpdateEntry(ctx context.Context, entry domain.DeadLetterEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[entry.ID]; !ok {
		return repo.ErrNotFound
	}
	s.deadLetters[entry.ID] = entry
	return nil
}

func (s *Store) ListEntries(ctx context.Context, filter repo.DeadLetterFilter) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0)
	for _, entry := range s.deadLetters {
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0)
	for _, entry := range s.deadLetters {
		switch entry.Status {
		case domain.DeadLetterStatusPending, domain.DeadLetterStatusRetrying:
		default:
			continue
		}
		if entry.NextRetryAt == nil || entry.NextRetryAt.After(now) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Handoffs

func (s *Store) CreateHandoff(ctx context.Context, route domain.HandoffRoute) error {
	if err := route.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handoffs[route.ID]; ok {
		return fmt.Errorf("handoff %q: %w", route.ID, repo.ErrAlreadyExists)
	}
	s.handoffs[route.ID] = route
	return nil
}

func (s *Store) GetHandoff(ctx context.Context, id string) (domain.HandoffRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	route, ok := s.handoffs[id]
	if !ok {
		return domain.HandoffRoute{}, repo.ErrNotFound
	}
	return route, nil
}

func (s *Store) ListHandoffs(ctx context.Context, filter repo.HandoffFilter) ([]domain.HandoffRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.HandoffRoute, 0)
	for _, route := range s.handoffs {
		if filter.SourceSequenceKey != "" && route.SourceSequenceKey != filter.SourceSequenceKey {
			continue
		}
		if filter.Active != nil && route.Active != *filter.Active {
			continue
		}
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ListActiveBySource(ctx context.Context, sequenceKey, stepName string) ([]domain.HandoffRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.HandoffRoute, 0)
	for _, route := range s.handoffs {
		if !route.Active {
			continue
		}
		if route.SourceSequenceKey == sequenceKey && route.SourceStep == stepName {
			out = append(out, route)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeactivateHandoff(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	route, ok := s.handoffs[id]
	if !ok {
		return repo.ErrNotFound
	}
	route.Active = false
	route.UpdatedAt = time.Now().UTC()
	s.handoffs[id] = route
	return nil
}

func cloneExecution(execution domain.SequenceExecution) domain.SequenceExecution {
	out := execution
	out.Context = execution.Context.Clone()
	out.TriggerPayload = execution.TriggerPayload.Clone()
	if execution.StepResults != nil {
		results := make(map[string]domain.StepResult, len(execution.StepResults))
		for name, result := range execution.StepResults {
			result.Output = result.Output.Clone()
			results[name] = result
		}
		out.StepResults = results
	}
	if execution.PendingAction != nil {
		action := *execution.PendingAction
		action.Input = execution.PendingAction.Input.Clone()
		out.PendingAction = &action
	}
	return out
}

func limitRoutes(routes []domain.EventRoute, limit int) []domain.EventRoute {
	if limit > 0 && len(routes) > limit {
		return routes[:limit]
	}
	return routes
}
