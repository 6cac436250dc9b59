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

type ExecutionStore struct {
	db DB
}

const executionColumns = `execution_id, tenant_id, sequence_key, definition_version, idempotency_key, initiated_by, status, current_step, completed_steps, total_steps, context, step_results, pending_action, confirmed_at, error_class, error_detail, attempt, event_type, trigger_payload, origin_execution_id, chain_depth, started_at, completed_at`

// The partial unique index ux_sequence_executions_open on
// (tenant_id, sequence_key, idempotency_key) WHERE status IN
// ('pending','running','waiting_approval') makes duplicate trigger deliveries
// collapse onto the existing open execution.
const (
	insertExecutionQuery = `INSERT INTO sequence_executions (` + executionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	ON CONFLICT (tenant_id, sequence_key, idempotency_key)
		WHERE status IN ('pending','running','waiting_approval')
		DO NOTHING`

	selectExecutionQuery = `SELECT ` + executionColumns + `
	 FROM sequence_executions
	 WHERE execution_id = $1`

	selectOpenExecutionQuery = `SELECT ` + executionColumns + `
	 FROM sequence_executions
	 WHERE tenant_id = $1 AND sequence_key = $2 AND idempotency_key = $3
	   AND status IN ('pending','running','waiting_approval')`

	updateExecutionQuery = `UPDATE sequence_executions SET
		status = $2,
		current_step = $3,
		completed_steps = $4,
		total_steps = $5,
		context = $6,
		step_results = $7,
		pending_action = $8,
		confirmed_at = $9,
		error_class = $10,
		error_detail = $11,
		attempt = $12,
		completed_at = $13
	WHERE execution_id = $1`
)

func NewExecutionStore(db DB) *ExecutionStore {
	if db == nil {
		return nil
	}
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) CreateExecution(ctx context.Context, execution domain.SequenceExecution) (domain.SequenceExecution, bool, error) {
	if err := execution.Validate(); err != nil {
		return domain.SequenceExecution{}, false, err
	}
	contextJSON, stepResults, pendingAction, err := encodeExecutionDocs(execution)
	if err != nil {
		return domain.SequenceExecution{}, false, err
	}
	payload, err := encodeMetadata(execution.TriggerPayload)
	if err != nil {
		return domain.SequenceExecution{}, false, fmt.Errorf("encode trigger payload: %w", err)
	}

	result, err := s.db.ExecContext(
		ctx,
		insertExecutionQuery,
		execution.ID,
		execution.TenantID,
		execution.SequenceKey,
		execution.DefinitionVersion,
		execution.IdempotencyKey,
		nullIfEmpty(execution.InitiatedBy),
		string(execution.Status),
		nullIfEmpty(execution.CurrentStep),
		execution.CompletedSteps,
		execution.TotalSteps,
		contextJSON,
		stepResults,
		pendingAction,
		nullTime(execution.ConfirmedAt),
		nullIfEmpty(string(execution.ErrorClass)),
		nullIfEmpty(execution.ErrorDetail),
		execution.Attempt,
		execution.EventType,
		payload,
		nullIfEmpty(execution.OriginExecutionID),
		execution.ChainDepth,
		normalizeTime(execution.StartedAt),
		nullTime(execution.CompletedAt),
	)
	if err != nil {
		return domain.SequenceExecution{}, false, fmt.Errorf("insert execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.SequenceExecution{}, false, fmt.Errorf("insert execution: %w", err)
	}
	if affected == 0 {
		existing, err := s.GetOpenExecution(ctx, execution.TenantID, execution.SequenceKey, execution.IdempotencyKey)
		if err != nil {
			return domain.SequenceExecution{}, false, err
		}
		return existing, false, nil
	}
	return execution, true, nil
}

func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (domain.SequenceExecution, error) {
	row := s.db.QueryRowContext(ctx, selectExecutionQuery, strings.TrimSpace(id))
	return scanExecution(row)
}

func (s *ExecutionStore) GetOpenExecution(ctx context.Context, tenantID, sequenceKey, idempotencyKey string) (domain.SequenceExecution, error) {
	row := s.db.QueryRowContext(ctx, selectOpenExecutionQuery, tenantID, sequenceKey, idempotencyKey)
	return scanExecution(row)
}

func (s *ExecutionStore) UpdateExecution(ctx context.Context, execution domain.SequenceExecution) error {
	if err := execution.Validate(); err != nil {
		return err
	}
	contextJSON, stepResults, pendingAction, err := encodeExecutionDocs(execution)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(
		ctx,
		updateExecutionQuery,
		execution.ID,
		string(execution.Status),
		nullIfEmpty(execution.CurrentStep),
		execution.CompletedSteps,
		execution.TotalSteps,
		contextJSON,
		stepResults,
		pendingAction,
		nullTime(execution.ConfirmedAt),
		nullIfEmpty(string(execution.ErrorClass)),
		nullIfEmpty(execution.ErrorDetail),
		execution.Attempt,
		nullTime(execution.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ExecutionStore) ListExecutions(ctx context.Context, filter repo.ExecutionFilter) ([]domain.SequenceExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM sequence_executions WHERE 1=1`
	args := make([]any, 0, 4)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.SequenceKey != "" {
		args = append(args, filter.SequenceKey)
		query += fmt.Sprintf(" AND sequence_key = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY started_at DESC, execution_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	executions := make([]domain.SequenceExecution, 0)
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return executions, nil
}

func encodeExecutionDocs(execution domain.SequenceExecution) ([]byte, []byte, []byte, error) {
	contextJSON, err := encodeMetadata(execution.Context)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode context: %w", err)
	}
	results := execution.StepResults
	if results == nil {
		results = map[string]domain.StepResult{}
	}
	stepResults, err := json.Marshal(results)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode step results: %w", err)
	}
	var pendingAction []byte
	if execution.PendingAction != nil {
		pendingAction, err = json.Marshal(execution.PendingAction)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode pending action: %w", err)
		}
	}
	return contextJSON, stepResults, pendingAction, nil
}

func scanExecution(scanner rowScanner) (domain.SequenceExecution, error) {
	var execution domain.SequenceExecution
	var initiatedBy, currentStep, errorClass, errorDetail, originExecutionID sql.NullString
	var confirmedAt, completedAt sql.NullTime
	var contextJSON, stepResults, pendingAction, payload []byte

	if err := scanner.Scan(
		&execution.ID,
		&execution.TenantID,
		&execution.SequenceKey,
		&execution.DefinitionVersion,
		&execution.IdempotencyKey,
		&initiatedBy,
		&execution.Status,
		&currentStep,
		&execution.CompletedSteps,
		&execution.TotalSteps,
		&contextJSON,
		&stepResults,
		&pendingAction,
		&confirmedAt,
		&errorClass,
		&errorDetail,
		&execution.Attempt,
		&execution.EventType,
		&payload,
		&originExecutionID,
		&execution.ChainDepth,
		&execution.StartedAt,
		&completedAt,
	); err != nil {
		return domain.SequenceExecution{}, handleNotFound(err)
	}

	execution.InitiatedBy = initiatedBy.String
	execution.CurrentStep = currentStep.String
	execution.ErrorClass = domain.ErrorClass(errorClass.String)
	execution.ErrorDetail = errorDetail.String
	execution.OriginExecutionID = originExecutionID.String
	execution.ConfirmedAt = timePtr(confirmedAt)
	execution.CompletedAt = timePtr(completedAt)

	var err error
	if execution.Context, err = decodeMetadata(contextJSON); err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("decode context: %w", err)
	}
	if execution.TriggerPayload, err = decodeMetadata(payload); err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("decode trigger payload: %w", err)
	}
	if len(stepResults) > 0 {
		if err := json.Unmarshal(stepResults, &execution.StepResults); err != nil {
			return domain.SequenceExecution{}, fmt.Errorf("decode step results: %w", err)
		}
	}
	if len(pendingAction) > 0 {
		var action domain.PendingAction
		if err := json.Unmarshal(pendingAction, &action); err != nil {
			return domain.SequenceExecution{}, fmt.Errorf("decode pending action: %w", err)
		}
		execution.PendingAction = &action
	}
	return execution, nil
}
