// Package retry decides what happens after a critical-step failure: schedule
// a backoff re-run of the execution, or quarantine the trigger as a
// dead-letter entry for operator attention.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
)

var (
	// ErrEntryClosed is returned when an operator acts on a resolved or
	// abandoned dead-letter entry.
	ErrEntryClosed = errors.New("dead letter entry already closed")
)

// ExecutionRetrier re-opens a failed execution from its failed step.
type ExecutionRetrier interface {
	Retry(ctx context.Context, executionID string) (domain.SequenceExecution, error)
}

// EventEmitter feeds a replayed trigger back into the front door so it is
// routed exactly like a fresh event.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

// PayloadArchiver persists the quarantined trigger payload to durable object
// storage. Archiving is best effort; the row is the source of truth.
type PayloadArchiver interface {
	ArchivePayload(ctx context.Context, entry domain.DeadLetterEntry) error
}

// ScheduleFunc runs fn after delay. The dispatcher provides the timer so the
// manager stays free of its own goroutine bookkeeping.
type ScheduleFunc func(delay time.Duration, fn func())

// Manager implements the engine's failure sink and owns the dead-letter
// lifecycle: creation, operator retry/abandon, and the periodic sweep.
type Manager struct {
	deadLetters repo.DeadLetterRepository
	policy      Policy
	logger      *slog.Logger

	retrier  ExecutionRetrier
	emitter  EventEmitter
	archiver PayloadArchiver
	schedule ScheduleFunc

	now func() time.Time
}

func New(deadLetters repo.DeadLetterRepository, policy Policy, logger *slog.Logger) *Manager {
	if deadLetters == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deadLetters: deadLetters,
		policy:      policy.Normalize(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetRetrier wires the engine. Must be called before the first failure.
func (m *Manager) SetRetrier(retrier ExecutionRetrier) { m.retrier = retrier }

// SetEmitter wires the dispatcher ingest path for dead-letter replays.
func (m *Manager) SetEmitter(emitter EventEmitter) { m.emitter = emitter }

// SetScheduler wires the delayed-callback timer for backoff re-runs.
func (m *Manager) SetScheduler(schedule ScheduleFunc) { m.schedule = schedule }

// SetArchiver wires optional payload archiving for quarantined triggers.
func (m *Manager) SetArchiver(archiver PayloadArchiver) { m.archiver = archiver }

// OnFailure is the retry decision point.
//
// Configuration failures surface as-is: they are caller defects and neither a
// retry nor a dead letter would help. Retryable failures are re-run with
// exponential backoff until the attempt budget is spent, then quarantined.
// Non-retryable business failures skip the backoff loop and are quarantined
// immediately so an operator can replay them once the underlying condition
// is fixed.
func (m *Manager) OnFailure(ctx context.Context, execution domain.SequenceExecution, stepName string, stepErr error) {
	class, retryable := domain.Classify(stepErr)

	switch {
	case class == domain.ErrorClassConfiguration:
		m.logger.Warn("configuration failure, not retrying",
			"execution_id", execution.ID,
			"step", stepName,
			"error", stepErr,
		)
	case !retryable:
		m.quarantine(ctx, execution, stepName, stepErr)
	case execution.Attempt >= m.policy.MaxRetries:
		m.quarantine(ctx, execution, stepName, stepErr)
	default:
		delay := m.policy.BackoffFor(execution.Attempt)
		m.logger.Info("scheduling execution retry",
			"execution_id", execution.ID,
			"step", stepName,
			"attempt", execution.Attempt,
			"delay", delay.String(),
		)
		if m.schedule == nil || m.retrier == nil {
			m.logger.Error("retry scheduling not wired", "execution_id", execution.ID)
			return
		}
		executionID := execution.ID
		m.schedule(delay, func() {
			if _, err := m.retrier.Retry(context.Background(), executionID); err != nil {
				m.logger.Error("scheduled retry failed", "execution_id", executionID, "error", err)
			}
		})
	}
}

// quarantine records the failure as a pending dead-letter entry. The entry
// enters the queue with its automatic budget spent: non-retryable failures
// have no automatic replays, and exhausted ones already used theirs. From
// here only the two operator actions move it.
func (m *Manager) quarantine(ctx context.Context, execution domain.SequenceExecution, stepName string, stepErr error) {
	entry := domain.DeadLetterEntry{
		ID:             uuid.NewString(),
		ExecutionID:    execution.ID,
		TenantID:       execution.TenantID,
		InitiatedBy:    execution.InitiatedBy,
		EventType:      execution.EventType,
		Payload:        execution.TriggerPayload.Clone(),
		IdempotencyKey: execution.IdempotencyKey,
		Reason:         stepErr.Error(),
		FailedStep:     stepName,
		RetryCount:     m.policy.MaxRetries,
		MaxRetries:     m.policy.MaxRetries,
		Status:         domain.DeadLetterStatusPending,
		CreatedAt:      m.now(),
	}
	if err := m.deadLetters.CreateEntry(ctx, entry); err != nil {
		m.logger.Error("create dead letter failed",
			"execution_id", execution.ID,
			"error", err,
		)
		return
	}
	m.logger.Warn("execution dead-lettered",
		"dead_letter_id", entry.ID,
		"execution_id", execution.ID,
		"step", stepName,
		"retry_count", entry.RetryCount,
	)
	if m.archiver != nil {
		if err := m.archiver.ArchivePayload(ctx, entry); err != nil {
			m.logger.Error("archive dead letter payload failed", "dead_letter_id", entry.ID, "error", err)
		}
	}
}

// RetryEntry replays a quarantined trigger on operator request. Entries with
// automatic budget left move to retrying and count the replay; exhausted
// entries are closed as resolved because the manual replay is their final
// disposition.
func (m *Manager) RetryEntry(ctx context.Context, entryID string) (domain.DeadLetterEntry, error) {
	entry, err := m.deadLetters.GetEntry(ctx, entryID)
	if err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("get dead letter: %w", err)
	}
	if entry.Status.Terminal() {
		return entry, ErrEntryClosed
	}
	if err := m.replay(ctx, entry); err != nil {
		return domain.DeadLetterEntry{}, err
	}

	now := m.now()
	if entry.Exhausted() {
		entry.Status = domain.DeadLetterStatusResolved
		entry.ResolvedAt = &now
	} else {
		entry.RetryCount++
		entry.Status = domain.DeadLetterStatusRetrying
		entry.NextRetryAt = nil
	}
	if err := m.deadLetters.UpdateEntry(ctx, entry); err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("update dead letter: %w", err)
	}
	m.logger.Info("dead letter replayed",
		"dead_letter_id", entry.ID,
		"status", string(entry.Status),
		"retry_count", entry.RetryCount,
	)
	return entry, nil
}

// AbandonEntry closes an open entry without replaying it.
func (m *Manager) AbandonEntry(ctx context.Context, entryID string) (domain.DeadLetterEntry, error) {
	entry, err := m.deadLetters.GetEntry(ctx, entryID)
	if err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("get dead letter: %w", err)
	}
	if entry.Status.Terminal() {
		return entry, ErrEntryClosed
	}
	now := m.now()
	entry.Status = domain.DeadLetterStatusAbandoned
	entry.ResolvedAt = &now
	if err := m.deadLetters.UpdateEntry(ctx, entry); err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("update dead letter: %w", err)
	}
	m.logger.Info("dead letter abandoned", "dead_letter_id", entry.ID)
	return entry, nil
}

// RunSweeper periodically evaluates open entries until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepOnce(ctx, batch); err != nil {
				m.logger.Error("dead letter sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce evaluates one batch of entries whose scheduled retry time has
// passed. Quarantined entries carry no schedule and are never picked up; they
// wait for an operator. A scheduled entry with budget left is replayed with
// the next backoff window recorded; one that reached its budget is forced to
// abandoned so no further automatic replay ever fires.
func (m *Manager) SweepOnce(ctx context.Context, batch int) error {
	if batch <= 0 {
		batch = 50
	}
	now := m.now()
	entries, err := m.deadLetters.ListDue(ctx, now, batch)
	if err != nil {
		return fmt.Errorf("list due dead letters: %w", err)
	}

	for _, entry := range entries {
		if entry.Exhausted() {
			entry.Status = domain.DeadLetterStatusAbandoned
			resolved := now
			entry.ResolvedAt = &resolved
			if err := m.deadLetters.UpdateEntry(ctx, entry); err != nil {
				return fmt.Errorf("abandon exhausted dead letter %s: %w", entry.ID, err)
			}
			m.logger.Info("dead letter exhausted, abandoned", "dead_letter_id", entry.ID)
			continue
		}
		if !entry.DueForRetry(now) {
			continue
		}
		if err := m.replay(ctx, entry); err != nil {
			m.logger.Error("dead letter auto-retry failed", "dead_letter_id", entry.ID, "error", err)
			continue
		}
		entry.RetryCount++
		entry.Status = domain.DeadLetterStatusRetrying
		next := now.Add(m.policy.BackoffFor(entry.RetryCount))
		entry.NextRetryAt = &next
		if err := m.deadLetters.UpdateEntry(ctx, entry); err != nil {
			return fmt.Errorf("update dead letter %s: %w", entry.ID, err)
		}
		m.logger.Info("dead letter auto-retried",
			"dead_letter_id", entry.ID,
			"retry_count", entry.RetryCount,
			"next_retry_at", next,
		)
	}
	return nil
}

// replay re-enters the original trigger through the front door so routing and
// idempotency apply exactly as for a fresh event.
func (m *Manager) replay(ctx context.Context, entry domain.DeadLetterEntry) error {
	if m.emitter == nil {
		return errors.New("event emitter not wired")
	}
	event := domain.TriggerEvent{
		TenantID:       entry.TenantID,
		EventType:      entry.EventType,
		Payload:        entry.Payload.Clone(),
		IdempotencyKey: entry.IdempotencyKey,
		InitiatedBy:    entry.InitiatedBy,
	}
	if err := m.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("emit replay event: %w", err)
	}
	return nil
}
