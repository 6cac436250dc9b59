package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
)

type HandoffStore struct {
	db DB
}

const handoffColumns = `handoff_id, source_sequence_key, source_step, target_event_type, mappings, conditions, delay_seconds, active, created_at, updated_at`

const (
	insertHandoffQuery = `INSERT INTO handoff_routes (` + handoffColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (handoff_id) DO NOTHING`

	selectHandoffQuery = `SELECT ` + handoffColumns + `
	 FROM handoff_routes
	 WHERE handoff_id = $1`

	listActiveHandoffsBySourceQuery = `SELECT ` + handoffColumns + `
	 FROM handoff_routes
	 WHERE source_sequence_key = $1 AND source_step = $2 AND active
	 ORDER BY handoff_id ASC`

	deactivateHandoffQuery = `UPDATE handoff_routes SET active = FALSE, updated_at = NOW() WHERE handoff_id = $1`
)

func NewHandoffStore(db DB) *HandoffStore {
	if db == nil {
		return nil
	}
	return &HandoffStore{db: db}
}

func (s *HandoffStore) CreateHandoff(ctx context.Context, route domain.HandoffRoute) error {
	if err := route.Validate(); err != nil {
		return err
	}
	mappings, err := encodeJSON(route.Mappings)
	if err != nil {
		return fmt.Errorf("encode mappings: %w", err)
	}
	conditions, err := encodeJSON(route.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	result, err := s.db.ExecContext(
		ctx,
		insertHandoffQuery,
		route.ID,
		route.SourceSequenceKey,
		route.SourceStep,
		route.TargetEventType,
		mappings,
		conditions,
		route.DelaySeconds,
		route.Active,
		normalizeTime(route.CreatedAt),
		normalizeTime(route.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("handoff %q: %w", route.ID, repo.ErrAlreadyExists)
	}
	return nil
}

func (s *HandoffStore) GetHandoff(ctx context.Context, id string) (domain.HandoffRoute, error) {
	row := s.db.QueryRowContext(ctx, selectHandoffQuery, strings.TrimSpace(id))
	return scanHandoff(row)
}

func (s *HandoffStore) ListHandoffs(ctx context.Context, filter repo.HandoffFilter) ([]domain.HandoffRoute, error) {
	query := `SELECT ` + handoffColumns + ` FROM handoff_routes WHERE 1=1`
	args := make([]any, 0, 3)
	if filter.SourceSequenceKey != "" {
		args = append(args, filter.SourceSequenceKey)
		query += fmt.Sprintf(" AND source_sequence_key = $%d", len(args))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		query += fmt.Sprintf(" AND active = $%d", len(args))
	}
	query += " ORDER BY source_sequence_key ASC, source_step ASC, handoff_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryHandoffs(ctx, query, args...)
}

func (s *HandoffStore) ListActiveBySource(ctx context.Context, sequenceKey, stepName string) ([]domain.HandoffRoute, error) {
	return s.queryHandoffs(ctx, listActiveHandoffsBySourceQuery, sequenceKey, stepName)
}

func (s *HandoffStore) DeactivateHandoff(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, deactivateHandoffQuery, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("deactivate handoff: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate handoff: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *HandoffStore) queryHandoffs(ctx context.Context, query string, args ...any) ([]domain.HandoffRoute, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list handoffs: %w", err)
	}
	defer rows.Close()

	routes := make([]domain.HandoffRoute, 0)
	for rows.Next() {
		route, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list handoffs: %w", err)
	}
	return routes, nil
}

func scanHandoff(scanner rowScanner) (domain.HandoffRoute, error) {
	var route domain.HandoffRoute
	var mappings, conditions []byte
	if err := scanner.Scan(
		&route.ID,
		&route.SourceSequenceKey,
		&route.SourceStep,
		&route.TargetEventType,
		&mappings,
		&conditions,
		&route.DelaySeconds,
		&route.Active,
		&route.CreatedAt,
		&route.UpdatedAt,
	); err != nil {
		return domain.HandoffRoute{}, handleNotFound(err)
	}
	if len(mappings) > 0 {
		if err := json.Unmarshal(mappings, &route.Mappings); err != nil {
			return domain.HandoffRoute{}, fmt.Errorf("decode mappings: %w", err)
		}
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &route.Conditions); err != nil {
			return domain.HandoffRoute{}, fmt.Errorf("decode conditions: %w", err)
		}
	}
	return route, nil
}
