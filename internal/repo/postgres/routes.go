package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
)

type RouteStore struct {
	db DB
}

const (
	insertRouteQuery = `INSERT INTO event_routes (
		route_id,
		tenant_id,
		event_type,
		sequence_key,
		priority,
		conditions,
		active,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (tenant_id, event_type, sequence_key) DO NOTHING`

	selectRouteQuery = `SELECT route_id, tenant_id, event_type, sequence_key, priority, conditions, active, created_at, updated_at
	 FROM event_routes
	 WHERE route_id = $1`

	listActiveTenantRoutesQuery = `SELECT route_id, tenant_id, event_type, sequence_key, priority, conditions, active, created_at, updated_at
	 FROM event_routes
	 WHERE tenant_id = $1 AND event_type = $2 AND active
	 ORDER BY priority ASC, sequence_key ASC`

	listActiveGlobalRoutesQuery = `SELECT route_id, tenant_id, event_type, sequence_key, priority, conditions, active, created_at, updated_at
	 FROM event_routes
	 WHERE tenant_id = '' AND event_type = $1 AND active
	 ORDER BY priority ASC, sequence_key ASC`

	deactivateRouteQuery = `UPDATE event_routes SET active = FALSE, updated_at = NOW() WHERE route_id = $1`
)

func NewRouteStore(db DB) *RouteStore {
	if db == nil {
		return nil
	}
	return &RouteStore{db: db}
}

func (s *RouteStore) CreateRoute(ctx context.Context, route domain.EventRoute) error {
	if err := route.Validate(); err != nil {
		return err
	}
	conditions, err := encodeJSON(route.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	result, err := s.db.ExecContext(
		ctx,
		insertRouteQuery,
		route.ID,
		route.TenantID,
		route.EventType,
		route.SequenceKey,
		route.Priority,
		conditions,
		route.Active,
		normalizeTime(route.CreatedAt),
		normalizeTime(route.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert route: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert route: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("route for (%q, %q, %q): %w", route.TenantID, route.EventType, route.SequenceKey, repo.ErrAlreadyExists)
	}
	return nil
}

func (s *RouteStore) GetRoute(ctx context.Context, id string) (domain.EventRoute, error) {
	row := s.db.QueryRowContext(ctx, selectRouteQuery, strings.TrimSpace(id))
	return scanRoute(row)
}

func (s *RouteStore) ListRoutes(ctx context.Context, filter repo.RouteFilter) ([]domain.EventRoute, error) {
	query := `SELECT route_id, tenant_id, event_type, sequence_key, priority, conditions, active, created_at, updated_at
	 FROM event_routes WHERE 1=1`
	args := make([]any, 0, 4)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		query += fmt.Sprintf(" AND active = $%d", len(args))
	}
	query += " ORDER BY tenant_id ASC, event_type ASC, priority ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryRoutes(ctx, query, args...)
}

func (s *RouteStore) ListActiveByEvent(ctx context.Context, tenantID, eventType string) ([]domain.EventRoute, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	return s.queryRoutes(ctx, listActiveTenantRoutesQuery, tenantID, eventType)
}

func (s *RouteStore) ListActiveGlobalByEvent(ctx context.Context, eventType string) ([]domain.EventRoute, error) {
	return s.queryRoutes(ctx, listActiveGlobalRoutesQuery, eventType)
}

func (s *RouteStore) DeactivateRoute(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, deactivateRouteQuery, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("deactivate route: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate route: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RouteStore) queryRoutes(ctx context.Context, query string, args ...any) ([]domain.EventRoute, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	routes := make([]domain.EventRoute, 0)
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return routes, nil
}

func scanRoute(scanner rowScanner) (domain.EventRoute, error) {
	var route domain.EventRoute
	var conditions []byte
	if err := scanner.Scan(
		&route.ID,
		&route.TenantID,
		&route.EventType,
		&route.SequenceKey,
		&route.Priority,
		&conditions,
		&route.Active,
		&route.CreatedAt,
		&route.UpdatedAt,
	); err != nil {
		return domain.EventRoute{}, handleNotFound(err)
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &route.Conditions); err != nil {
			return domain.EventRoute{}, fmt.Errorf("decode conditions: %w", err)
		}
	}
	return route, nil
}
