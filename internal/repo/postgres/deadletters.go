package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
)

type DeadLetterStore struct {
	db DB
}

const deadLetterColumns = `entry_id, execution_id, tenant_id, initiated_by, event_type, payload, idempotency_key, reason, failed_step, retry_count, max_retries, status, next_retry_at, created_at, resolved_at`

const (
	insertDeadLetterQuery = `INSERT INTO dead_letter_entries (` + deadLetterColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	selectDeadLetterQuery = `SELECT ` + deadLetterColumns + `
	 FROM dead_letter_entries
	 WHERE entry_id = $1`

	updateDeadLetterQuery = `UPDATE dead_letter_entries SET
		retry_count = $2,
		status = $3,
		next_retry_at = $4,
		resolved_at = $5
	WHERE entry_id = $1`

	listDueDeadLettersQuery = `SELECT ` + deadLetterColumns + `
	 FROM dead_letter_entries
	 WHERE status IN ('pending','retrying')
	   AND next_retry_at IS NOT NULL AND next_retry_at <= $1
	 ORDER BY created_at ASC
	 LIMIT $2`
)

func NewDeadLetterStore(db DB) *DeadLetterStore {
	if db == nil {
		return nil
	}
	return &DeadLetterStore{db: db}
}

func (s *DeadLetterStore) CreateEntry(ctx context.Context, entry domain.DeadLetterEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	payload, err := encodeMetadata(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertDeadLetterQuery,
		entry.ID,
		entry.ExecutionID,
		entry.TenantID,
		nullIfEmpty(entry.InitiatedBy),
		entry.EventType,
		payload,
		nullIfEmpty(entry.IdempotencyKey),
		entry.Reason,
		nullIfEmpty(entry.FailedStep),
		entry.RetryCount,
		entry.MaxRetries,
		string(entry.Status),
		nullTime(entry.NextRetryAt),
		normalizeTime(entry.CreatedAt),
		nullTime(entry.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *DeadLetterStore) GetEntry(ctx context.Context, id string) (domain.DeadLetterEntry, error) {
	row := s.db.QueryRowContext(ctx, selectDeadLetterQuery, strings.TrimSpace(id))
	return scanDeadLetter(row)
}

func (s *DeadLetterStore) UpdateEntry(ctx context.Context, entry domain.DeadLetterEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(
		ctx,
		updateDeadLetterQuery,
		entry.ID,
		entry.RetryCount,
		string(entry.Status),
		nullTime(entry.NextRetryAt),
		nullTime(entry.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("update dead letter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update dead letter: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *DeadLetterStore) ListEntries(ctx context.Context, filter repo.DeadLetterFilter) ([]domain.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_entries WHERE 1=1`
	args := make([]any, 0, 3)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, entry_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryEntries(ctx, query, args...)
}

func (s *DeadLetterStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEntries(ctx, listDueDeadLettersQuery, now.UTC(), limit)
}

func (s *DeadLetterStore) queryEntries(ctx context.Context, query string, args ...any) ([]domain.DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.DeadLetterEntry, 0)
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return entries, nil
}

func scanDeadLetter(scanner rowScanner) (domain.DeadLetterEntry, error) {
	var entry domain.DeadLetterEntry
	var initiatedBy, idempotencyKey, failedStep sql.NullString
	var nextRetryAt, resolvedAt sql.NullTime
	var payload []byte

	if err := scanner.Scan(
		&entry.ID,
		&entry.ExecutionID,
		&entry.TenantID,
		&initiatedBy,
		&entry.EventType,
		&payload,
		&idempotencyKey,
		&entry.Reason,
		&failedStep,
		&entry.RetryCount,
		&entry.MaxRetries,
		&entry.Status,
		&nextRetryAt,
		&entry.CreatedAt,
		&resolvedAt,
	); err != nil {
		return domain.DeadLetterEntry{}, handleNotFound(err)
	}

	entry.InitiatedBy = initiatedBy.String
	entry.IdempotencyKey = idempotencyKey.String
	entry.FailedStep = failedStep.String
	entry.NextRetryAt = timePtr(nextRetryAt)
	entry.ResolvedAt = timePtr(resolvedAt)

	var err error
	if entry.Payload, err = decodeMetadata(payload); err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("decode payload: %w", err)
	}
	return entry, nil
}
