package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
)

type DefinitionStore struct {
	db DB
}

// Definitions are append-only: publishing inserts a new row and never updates
// an existing version. The unique index on (tenant_id, sequence_key, version)
// backs the monotonicity check.
const (
	insertDefinitionQuery = `INSERT INTO sequence_definitions (
		definition_id,
		tenant_id,
		sequence_key,
		version,
		schema_version,
		steps,
		required_context,
		active,
		created_at,
		created_by
	) SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	WHERE NOT EXISTS (
		SELECT 1 FROM sequence_definitions
		WHERE tenant_id = $2 AND sequence_key = $3 AND version >= $4
	)`

	selectActiveDefinitionQuery = `SELECT definition_id, tenant_id, sequence_key, version, schema_version, steps, required_context, active, created_at, created_by
	 FROM sequence_definitions
	 WHERE tenant_id = $1 AND sequence_key = $2 AND active
	 ORDER BY version DESC
	 LIMIT 1`

	selectDefinitionVersionQuery = `SELECT definition_id, tenant_id, sequence_key, version, schema_version, steps, required_context, active, created_at, created_by
	 FROM sequence_definitions
	 WHERE tenant_id = $1 AND sequence_key = $2 AND version = $3`
)

func NewDefinitionStore(db DB) *DefinitionStore {
	if db == nil {
		return nil
	}
	return &DefinitionStore{db: db}
}

func (s *DefinitionStore) PublishDefinition(ctx context.Context, def domain.SequenceDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	steps, err := encodeJSON(def.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	requiredContext, err := encodeJSON(def.RequiredContext)
	if err != nil {
		return fmt.Errorf("encode required context: %w", err)
	}
	result, err := s.db.ExecContext(
		ctx,
		insertDefinitionQuery,
		def.ID,
		def.TenantID,
		def.SequenceKey,
		def.Version,
		def.SchemaVersion,
		steps,
		requiredContext,
		def.Active,
		normalizeTime(def.CreatedAt),
		nullIfEmpty(def.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	if affected == 0 {
		return repo.ErrVersionConflict
	}
	return nil
}

func (s *DefinitionStore) GetActiveDefinition(ctx context.Context, tenantID, sequenceKey string) (domain.SequenceDefinition, error) {
	if strings.TrimSpace(tenantID) == "" {
		return domain.SequenceDefinition{}, repo.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, selectActiveDefinitionQuery, tenantID, sequenceKey)
	return scanDefinition(row)
}

func (s *DefinitionStore) GetActiveGlobalDefinition(ctx context.Context, sequenceKey string) (domain.SequenceDefinition, error) {
	row := s.db.QueryRowContext(ctx, selectActiveDefinitionQuery, "", sequenceKey)
	return scanDefinition(row)
}

func (s *DefinitionStore) GetDefinitionVersion(ctx context.Context, tenantID, sequenceKey string, version int) (domain.SequenceDefinition, error) {
	row := s.db.QueryRowContext(ctx, selectDefinitionVersionQuery, tenantID, sequenceKey, version)
	return scanDefinition(row)
}

func (s *DefinitionStore) ListDefinitions(ctx context.Context, filter repo.DefinitionFilter) ([]domain.SequenceDefinition, error) {
	query := `SELECT definition_id, tenant_id, sequence_key, version, schema_version, steps, required_context, active, created_at, created_by
	 FROM sequence_definitions WHERE 1=1`
	args := make([]any, 0, 3)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.SequenceKey != "" {
		args = append(args, filter.SequenceKey)
		query += fmt.Sprintf(" AND sequence_key = $%d", len(args))
	}
	query += " ORDER BY sequence_key ASC, version ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	defs := make([]domain.SequenceDefinition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	return defs, nil
}

func scanDefinition(scanner rowScanner) (domain.SequenceDefinition, error) {
	var def domain.SequenceDefinition
	var steps []byte
	var requiredContext []byte
	var createdBy sql.NullString
	if err := scanner.Scan(
		&def.ID,
		&def.TenantID,
		&def.SequenceKey,
		&def.Version,
		&def.SchemaVersion,
		&steps,
		&requiredContext,
		&def.Active,
		&def.CreatedAt,
		&createdBy,
	); err != nil {
		return domain.SequenceDefinition{}, handleNotFound(err)
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &def.Steps); err != nil {
			return domain.SequenceDefinition{}, fmt.Errorf("decode steps: %w", err)
		}
	}
	if len(requiredContext) > 0 {
		if err := json.Unmarshal(requiredContext, &def.RequiredContext); err != nil {
			return domain.SequenceDefinition{}, fmt.Errorf("decode required context: %w", err)
		}
	}
	def.CreatedBy = createdBy.String
	return def, nil
}
