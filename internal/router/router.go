// Package router maps incoming (tenant, event type) pairs to the sequences
// wired to them, resolving which definition version each match should run.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
)

// Match pairs a fired route with the definition version resolved for it.
type Match struct {
	Route      domain.EventRoute
	Definition domain.SequenceDefinition
}

type Router struct {
	routes      repo.RouteRepository
	definitions repo.DefinitionRepository
	logger      *slog.Logger
}

func New(routes repo.RouteRepository, definitions repo.DefinitionRepository, logger *slog.Logger) *Router {
	if routes == nil || definitions == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{routes: routes, definitions: definitions, logger: logger}
}

// Route is a pure lookup: it returns the active matches for the event in
// ascending priority order and resolves each one's definition. Starting
// executions is the engine's job.
func (r *Router) Route(ctx context.Context, tenantID, eventType string, payload domain.Metadata) ([]Match, error) {
	tenantID = strings.TrimSpace(tenantID)
	eventType = strings.TrimSpace(eventType)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if eventType == "" {
		return nil, fmt.Errorf("event type is required")
	}

	tenantRoutes, err := r.routes.ListActiveByEvent(ctx, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list tenant routes: %w", err)
	}
	globalRoutes, err := r.routes.ListActiveGlobalByEvent(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("list global routes: %w", err)
	}

	// A tenant-specific row overrides the global row for the same sequence
	// key; other global rows still apply.
	overridden := make(map[string]struct{}, len(tenantRoutes))
	candidates := make([]domain.EventRoute, 0, len(tenantRoutes)+len(globalRoutes))
	for _, route := range tenantRoutes {
		overridden[route.SequenceKey] = struct{}{}
		candidates = append(candidates, route)
	}
	for _, route := range globalRoutes {
		if _, ok := overridden[route.SequenceKey]; ok {
			continue
		}
		candidates = append(candidates, route)
	}

	matches := make([]Match, 0, len(candidates))
	for _, route := range candidates {
		if !route.Matches(payload) {
			continue
		}
		def, err := r.resolveDefinition(ctx, tenantID, route.SequenceKey)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				r.logger.Warn("route dropped: no active definition",
					"tenant_id", tenantID,
					"event_type", eventType,
					"sequence_key", route.SequenceKey,
				)
				continue
			}
			return nil, err
		}
		matches = append(matches, Match{Route: route, Definition: def})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Route.Priority != matches[j].Route.Priority {
			return matches[i].Route.Priority < matches[j].Route.Priority
		}
		return matches[i].Route.SequenceKey < matches[j].Route.SequenceKey
	})
	return matches, nil
}

// resolveDefinition picks the tenant-specific definition when one is active
// and falls back to the global tier otherwise.
func (r *Router) resolveDefinition(ctx context.Context, tenantID, sequenceKey string) (domain.SequenceDefinition, error) {
	def, err := r.definitions.GetActiveDefinition(ctx, tenantID, sequenceKey)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.SequenceDefinition{}, fmt.Errorf("resolve tenant definition: %w", err)
	}
	def, err = r.definitions.GetActiveGlobalDefinition(ctx, sequenceKey)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.SequenceDefinition{}, repo.ErrNotFound
		}
		return domain.SequenceDefinition{}, fmt.Errorf("resolve global definition: %w", err)
	}
	return def, nil
}
