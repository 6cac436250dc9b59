// Package engine runs sequence executions: it schedules steps in dependency
// waves, enforces approval gates and criticality, and records durable state
// after every transition so an execution can be resumed from storage alone.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
)

const DefaultStepTimeout = 30 * time.Second

var (
	// ErrNotAwaitingApproval is returned by Confirm when the execution has no
	// parked pending action.
	ErrNotAwaitingApproval = errors.New("execution is not awaiting approval")
	// ErrTerminal is returned when an operation targets an execution that has
	// already reached a terminal status.
	ErrTerminal = errors.New("execution already terminal")
	// ErrNotRetryable is returned by Retry when the execution is not in the
	// failed status.
	ErrNotRetryable = errors.New("execution is not in a retryable state")
)

// StepSuccessSink is notified for every succeeded step once its execution
// completes. The handoff router implements this.
type StepSuccessSink interface {
	OnStepSucceeded(ctx context.Context, execution domain.SequenceExecution, stepName string, outputs domain.Metadata)
}

// FailureSink is notified when an execution fails on a critical step. The
// retry subsystem implements this and decides between backoff re-queueing and
// dead-lettering.
type FailureSink interface {
	OnFailure(ctx context.Context, execution domain.SequenceExecution, stepName string, stepErr error)
}

type Config struct {
	DefaultStepTimeout time.Duration
}

type Engine struct {
	executions  repo.ExecutionRepository
	definitions repo.DefinitionRepository
	skills      SkillExecutor
	logger      *slog.Logger
	stepTimeout time.Duration

	successSink StepSuccessSink
	failureSink FailureSink

	locks keyedLocks
}

func New(executions repo.ExecutionRepository, definitions repo.DefinitionRepository, skills SkillExecutor, logger *slog.Logger, cfg Config) *Engine {
	if executions == nil || definitions == nil || skills == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DefaultStepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &Engine{
		executions:  executions,
		definitions: definitions,
		skills:      skills,
		logger:      logger,
		stepTimeout: timeout,
		locks:       keyedLocks{locks: make(map[string]*sync.Mutex)},
	}
}

// SetSuccessSink wires the handoff notifier. Must be called before Start.
func (e *Engine) SetSuccessSink(sink StepSuccessSink) {
	e.successSink = sink
}

// SetFailureSink wires the retry decision maker. Must be called before Start.
func (e *Engine) SetFailureSink(sink FailureSink) {
	e.failureSink = sink
}

// Start creates an execution for the event against the resolved definition
// version and drives it as far as it can go in one pass. When a non-terminal
// execution already exists for the same (tenant, sequence key, idempotency
// key) tuple the existing record is returned untouched.
//
// A missing required context key fails the execution immediately with a
// configuration classification; the failed record is still persisted so the
// rejection is visible and auditable.
func (e *Engine) Start(ctx context.Context, def domain.SequenceDefinition, event domain.TriggerEvent) (domain.SequenceExecution, error) {
	if err := event.Validate(); err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("validate event: %w", err)
	}

	now := time.Now().UTC()
	execution := domain.SequenceExecution{
		ID:                uuid.NewString(),
		TenantID:          event.TenantID,
		SequenceKey:       def.SequenceKey,
		DefinitionVersion: def.Version,
		IdempotencyKey:    event.IdempotencyKey,
		InitiatedBy:       event.InitiatedBy,
		Status:            domain.ExecutionStatusPending,
		TotalSteps:        len(def.Steps),
		Context:           event.Payload.Clone(),
		StepResults:       map[string]domain.StepResult{},
		Attempt:           1,
		EventType:         event.EventType,
		TriggerPayload:    event.Payload.Clone(),
		OriginExecutionID: event.Provenance.OriginExecutionID,
		ChainDepth:        event.Provenance.ChainDepth,
		StartedAt:         now,
	}

	stored, created, err := e.executions.CreateExecution(ctx, execution)
	if err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("create execution: %w", err)
	}
	if !created {
		e.logger.Info("duplicate trigger ignored",
			"execution_id", stored.ID,
			"tenant_id", stored.TenantID,
			"sequence_key", stored.SequenceKey,
			"idempotency_key", stored.IdempotencyKey,
		)
		return stored, nil
	}

	unlock := e.locks.acquire(stored.ID)
	defer unlock()

	if missing := missingContext(def, stored.Context); len(missing) > 0 {
		detail := fmt.Sprintf("missing required context: %v", missing)
		stored.Status = domain.ExecutionStatusFailed
		stored.ErrorClass = domain.ErrorClassConfiguration
		stored.ErrorDetail = detail
		finished := time.Now().UTC()
		stored.CompletedAt = &finished
		if err := e.executions.UpdateExecution(ctx, stored); err != nil {
			return domain.SequenceExecution{}, fmt.Errorf("update execution: %w", err)
		}
		e.logger.Warn("execution rejected",
			"execution_id", stored.ID,
			"sequence_key", stored.SequenceKey,
			"detail", detail,
		)
		return stored, nil
	}

	stored.Status = domain.ExecutionStatusRunning
	if err := e.executions.UpdateExecution(ctx, stored); err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("update execution: %w", err)
	}
	if err := e.runPass(ctx, &stored, def); err != nil {
		return domain.SequenceExecution{}, err
	}
	return stored, nil
}

// Decision is an operator's verdict on a parked pending action.
type Decision struct {
	Approve   bool
	DecidedBy string
}

// Confirm resolves a waiting approval. Approval invokes the parked action
// with exactly the input that was proposed, then resumes the remaining waves.
// Rejection marks the step rejected and cancels the execution; downstream
// steps never run.
func (e *Engine) Confirm(ctx context.Context, executionID string, decision Decision) (domain.SequenceExecution, error) {
	unlock := e.locks.acquire(executionID)
	defer unlock()

	execution, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("get execution: %w", err)
	}
	if execution.Status != domain.ExecutionStatusWaitingApproval || execution.PendingAction == nil {
		return execution, ErrNotAwaitingApproval
	}

	def, err := e.loadDefinition(ctx, execution)
	if err != nil {
		return domain.SequenceExecution{}, err
	}

	pending := *execution.PendingAction
	now := time.Now().UTC()
	execution.ConfirmedAt = &now

	if !decision.Approve {
		result := domain.StepResult{Status: domain.StepStatusRejected, FinishedAt: &now}
		recordResult(&execution, pending.StepName, result)
		execution.PendingAction = nil
		execution.Status = domain.ExecutionStatusCancelled
		execution.ErrorDetail = fmt.Sprintf("approval rejected for step %q by %s", pending.StepName, decision.DecidedBy)
		execution.CompletedAt = &now
		if err := e.executions.UpdateExecution(ctx, execution); err != nil {
			return domain.SequenceExecution{}, fmt.Errorf("update execution: %w", err)
		}
		e.logger.Info("approval rejected",
			"execution_id", execution.ID,
			"step", pending.StepName,
			"decided_by", decision.DecidedBy,
		)
		return execution, nil
	}

	execution.Status = domain.ExecutionStatusRunning
	execution.PendingAction = nil
	if err := e.executions.UpdateExecution(ctx, execution); err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("update execution: %w", err)
	}

	step, ok := def.Step(pending.StepName)
	if !ok {
		stepErr := domain.NewConfigurationError(fmt.Errorf("approved step %q no longer in definition", pending.StepName))
		return execution, e.finalizeFailure(ctx, &execution, pending.StepName, stepErr)
	}

	result, stepErr := e.executeStep(ctx, pending.Input, step)
	recordResult(&execution, step.Name, result)
	if stepErr != nil && step.Criticality == domain.CriticalityCritical {
		return execution, e.finalizeFailure(ctx, &execution, step.Name, stepErr)
	}
	if err := e.executions.UpdateExecution(ctx, execution); err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("update execution: %w", err)
	}
	if err := e.runPass(ctx, &execution, def); err != nil {
		return domain.SequenceExecution{}, err
	}
	return execution, nil
}

// Cancel stops a suspended execution. Only pending and waiting_approval
// executions can be cancelled; a running pass always drives itself to a
// stable state first.
func (e *Engine) Cancel(ctx context.Context, executionID, cancelledBy string) (domain.SequenceExecution, error) {
	unlock := e.locks.acquire(executionID)
	defer unlock()

	execution, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("get execution: %w", err)
	}
	if execution.Status.Terminal() {
		return execution, ErrTerminal
	}
	if execution.Status == domain.ExecutionStatusRunning {
		return execution, fmt.Errorf("cannot cancel running execution %s", executionID)
	}

	now := time.Now().UTC()
	execution.Status = domain.ExecutionStatusCancelled
	execution.PendingAction = nil
	execution.ErrorDetail = fmt.Sprintf("cancelled by %s", cancelledBy)
	execution.CompletedAt = &now
	if err := e.executions.UpdateExecution(ctx, execution); err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("update execution: %w", err)
	}
	e.logger.Info("execution cancelled", "execution_id", execution.ID, "cancelled_by", cancelledBy)
	return execution, nil
}

// Retry re-opens a failed execution and re-runs it from the failed critical
// step. Results of steps that already completed are kept, so only the failed
// step and everything downstream of it run again. This is the one path that
// leaves the forward-only status machine: failed becomes running again.
func (e *Engine) Retry(ctx context.Context, executionID string) (domain.SequenceExecution, error) {
	unlock := e.locks.acquire(executionID)
	defer unlock()

	execution, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("get execution: %w", err)
	}
	if execution.Status != domain.ExecutionStatusFailed {
		return execution, ErrNotRetryable
	}

	def, err := e.loadDefinition(ctx, execution)
	if err != nil {
		return domain.SequenceExecution{}, err
	}

	for name, result := range execution.StepResults {
		if result.Status != domain.StepStatusFailed {
			continue
		}
		step, ok := def.Step(name)
		if !ok || step.Criticality != domain.CriticalityCritical {
			continue
		}
		delete(execution.StepResults, name)
		execution.CompletedSteps--
	}
	execution.Status = domain.ExecutionStatusRunning
	execution.ErrorClass = ""
	execution.ErrorDetail = ""
	execution.CompletedAt = nil
	execution.Attempt++
	if err := e.executions.UpdateExecution(ctx, execution); err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("update execution: %w", err)
	}
	e.logger.Info("execution retrying",
		"execution_id", execution.ID,
		"sequence_key", execution.SequenceKey,
		"attempt", execution.Attempt,
	)
	if err := e.runPass(ctx, &execution, def); err != nil {
		return domain.SequenceExecution{}, err
	}
	return execution, nil
}

// runPass walks the waves from the top, skipping steps that already carry a
// terminal result, so the same walk serves fresh starts, approval resumes and
// retries. It returns with the execution in a stable persisted state:
// completed, failed, or parked on an approval.
func (e *Engine) runPass(ctx context.Context, execution *domain.SequenceExecution, def domain.SequenceDefinition) error {
	waves, err := ComputeWaves(def)
	if err != nil {
		return e.finalizeFailure(ctx, execution, "", domain.NewConfigurationError(err))
	}

	for _, wave := range waves {
		var immediate, gated []string
		for _, name := range wave {
			if result, ok := execution.StepResult(name); ok && result.Status.Terminal() {
				continue
			}
			step, ok := def.Step(name)
			if !ok {
				continue
			}
			if step.RequiresApproval && step.Available {
				gated = append(gated, name)
				continue
			}
			immediate = append(immediate, name)
		}
		if len(immediate) == 0 && len(gated) == 0 {
			continue
		}

		if len(immediate) > 0 {
			failedStep, stepErr := e.runWave(ctx, execution, def, immediate)
			if err := e.executions.UpdateExecution(ctx, *execution); err != nil {
				return fmt.Errorf("update execution: %w", err)
			}
			if stepErr != nil {
				return e.finalizeFailure(ctx, execution, failedStep, stepErr)
			}
		}

		if len(gated) > 0 {
			sort.Strings(gated)
			return e.park(ctx, execution, def, gated[0])
		}
	}
	return e.finalizeComplete(ctx, execution, def)
}

// runWave executes the named steps concurrently against a snapshot of the
// accumulated context, then merges results in deterministic name order. The
// returned error is the first critical failure in the wave, if any.
func (e *Engine) runWave(ctx context.Context, execution *domain.SequenceExecution, def domain.SequenceDefinition, names []string) (string, error) {
	sort.Strings(names)
	results := make([]domain.StepResult, len(names))
	stepErrs := make([]error, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		step, ok := def.Step(name)
		if !ok {
			continue
		}
		input := execution.Context.Clone()
		wg.Add(1)
		go func(i int, step domain.SequenceStep, input domain.Metadata) {
			defer wg.Done()
			results[i], stepErrs[i] = e.executeStep(ctx, input, step)
		}(i, step, input)
	}
	wg.Wait()

	failedStep := ""
	var firstErr error
	for i, name := range names {
		recordResult(execution, name, results[i])
		if stepErrs[i] == nil {
			continue
		}
		step, _ := def.Step(name)
		if step.Criticality == domain.CriticalityCritical && firstErr == nil {
			failedStep = name
			firstErr = stepErrs[i]
		}
	}
	return failedStep, firstErr
}

// executeStep invokes one skill with a per-step deadline. The returned error
// is non-nil only when the step failed; it carries the classification the
// retry subsystem needs.
func (e *Engine) executeStep(ctx context.Context, input domain.Metadata, step domain.SequenceStep) (domain.StepResult, error) {
	started := time.Now().UTC()
	result := domain.StepResult{Attempts: 1, StartedAt: &started}

	if !step.Available {
		result.Status = domain.StepStatusSkipped
		result.FinishedAt = &started
		return result, nil
	}

	for _, key := range step.RequiredContext {
		if _, ok := input[key]; !ok {
			stepErr := domain.NewConfigurationError(fmt.Errorf("step %q missing required context key %q", step.Name, key))
			finished := time.Now().UTC()
			result.Status = domain.StepStatusFailed
			result.ErrorClass = domain.ErrorClassConfiguration
			result.ErrorMessage = stepErr.Error()
			result.FinishedAt = &finished
			return result, stepErr
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout(e.stepTimeout))
	defer cancel()

	outcome, err := e.skills.Invoke(stepCtx, step.Name, input)
	finished := time.Now().UTC()
	result.FinishedAt = &finished

	var stepErr error
	switch {
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			err = domain.NewTransientError(fmt.Errorf("step %q timed out after %s", step.Name, step.Timeout(e.stepTimeout)))
		}
		stepErr = err
	case outcome.Status == SkillStatusFailure:
		detail := outcome.ErrorDetail
		if detail == "" {
			detail = "skill reported failure"
		}
		stepErr = domain.NewBusinessError(fmt.Errorf("step %q: %s", step.Name, detail), outcome.Retryable)
	default:
		result.Status = domain.StepStatusSucceeded
		result.Output = outcome.Output
		return result, nil
	}

	class, _ := domain.Classify(stepErr)
	result.Status = domain.StepStatusFailed
	result.ErrorClass = class
	result.ErrorMessage = stepErr.Error()
	e.logger.Warn("step failed",
		"step", step.Name,
		"criticality", string(step.Criticality),
		"error_class", string(class),
		"error", stepErr,
	)
	return result, stepErr
}

// park suspends the execution on an approval gate, storing the exact action
// that will run if the operator approves.
func (e *Engine) park(ctx context.Context, execution *domain.SequenceExecution, def domain.SequenceDefinition, stepName string) error {
	step, ok := def.Step(stepName)
	if !ok {
		return e.finalizeFailure(ctx, execution, stepName,
			domain.NewConfigurationError(fmt.Errorf("approval step %q not in definition", stepName)))
	}
	now := time.Now().UTC()
	execution.PendingAction = &domain.PendingAction{
		StepName:    step.Name,
		Skill:       step.Name,
		Input:       execution.Context.Clone(),
		RequestedAt: now,
	}
	execution.Status = domain.ExecutionStatusWaitingApproval
	execution.CurrentStep = step.Name
	if err := e.executions.UpdateExecution(ctx, *execution); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	e.logger.Info("execution awaiting approval",
		"execution_id", execution.ID,
		"sequence_key", execution.SequenceKey,
		"step", step.Name,
	)
	return nil
}

func (e *Engine) finalizeComplete(ctx context.Context, execution *domain.SequenceExecution, def domain.SequenceDefinition) error {
	now := time.Now().UTC()
	execution.Status = domain.ExecutionStatusCompleted
	execution.PendingAction = nil
	execution.CurrentStep = ""
	execution.CompletedAt = &now
	if err := e.executions.UpdateExecution(ctx, *execution); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	e.logger.Info("execution completed",
		"execution_id", execution.ID,
		"sequence_key", execution.SequenceKey,
		"completed_steps", execution.CompletedSteps,
	)
	if e.successSink != nil {
		for _, step := range def.Steps {
			result, ok := execution.StepResult(step.Name)
			if !ok || result.Status != domain.StepStatusSucceeded {
				continue
			}
			e.successSink.OnStepSucceeded(ctx, *execution, step.Name, result.Output)
		}
	}
	return nil
}

func (e *Engine) finalizeFailure(ctx context.Context, execution *domain.SequenceExecution, stepName string, stepErr error) error {
	class, _ := domain.Classify(stepErr)
	now := time.Now().UTC()
	execution.Status = domain.ExecutionStatusFailed
	execution.PendingAction = nil
	execution.CurrentStep = stepName
	execution.ErrorClass = class
	execution.ErrorDetail = stepErr.Error()
	execution.CompletedAt = &now
	if err := e.executions.UpdateExecution(ctx, *execution); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	e.logger.Warn("execution failed",
		"execution_id", execution.ID,
		"sequence_key", execution.SequenceKey,
		"step", stepName,
		"error_class", string(class),
	)
	if e.failureSink != nil {
		e.failureSink.OnFailure(ctx, *execution, stepName, stepErr)
	}
	return nil
}

func (e *Engine) loadDefinition(ctx context.Context, execution domain.SequenceExecution) (domain.SequenceDefinition, error) {
	def, err := e.definitions.GetDefinitionVersion(ctx, execution.TenantID, execution.SequenceKey, execution.DefinitionVersion)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.SequenceDefinition{}, fmt.Errorf("load definition: %w", err)
	}
	def, err = e.definitions.GetDefinitionVersion(ctx, "", execution.SequenceKey, execution.DefinitionVersion)
	if err != nil {
		return domain.SequenceDefinition{}, fmt.Errorf("load definition: %w", err)
	}
	return def, nil
}

// recordResult stores a step outcome and merges succeeded output into the
// accumulated context. Failed best-effort steps contribute nothing, so their
// dependents see the context exactly as it was.
func recordResult(execution *domain.SequenceExecution, stepName string, result domain.StepResult) {
	if execution.StepResults == nil {
		execution.StepResults = map[string]domain.StepResult{}
	}
	if prior, ok := execution.StepResults[stepName]; ok {
		result.Attempts += prior.Attempts
	}
	execution.StepResults[stepName] = result
	if result.Status.Terminal() {
		execution.CompletedSteps++
	}
	if result.Status == domain.StepStatusSucceeded && len(result.Output) > 0 {
		execution.Context = execution.Context.Merge(result.Output)
	}
	execution.CurrentStep = stepName
}

func missingContext(def domain.SequenceDefinition, payload domain.Metadata) []string {
	var missing []string
	for _, key := range def.RequiredContext {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// keyedLocks serializes all mutations of a single execution.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) acquire(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}
