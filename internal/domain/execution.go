package domain

import (
	"errors"
	"strings"
	"time"
)

// ExecutionStatus is the lifecycle state of a SequenceExecution.
//
// pending -> running -> (waiting_approval <-> running)* ->
// completed | failed | cancelled
//
// waiting_approval is the only non-terminal state that persists across calls;
// everything else progresses within a single engine pass.
type ExecutionStatus string

const (
	ExecutionStatusPending         ExecutionStatus = "pending"
	ExecutionStatusRunning         ExecutionStatus = "running"
	ExecutionStatusWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionStatusCompleted       ExecutionStatus = "completed"
	ExecutionStatusFailed          ExecutionStatus = "failed"
	ExecutionStatusCancelled       ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionExecutionStatus enforces the execution state machine.
func CanTransitionExecutionStatus(current, next ExecutionStatus) bool {
	if current == next {
		return true
	}
	allowed, ok := executionTransitions[current]
	if !ok {
		return false
	}
	for _, candidate := range allowed {
		if candidate == next {
			return true
		}
	}
	return false
}

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending: {ExecutionStatusRunning, ExecutionStatusFailed, ExecutionStatusCancelled},
	ExecutionStatusRunning: {
		ExecutionStatusWaitingApproval,
		ExecutionStatusCompleted,
		ExecutionStatusFailed,
		ExecutionStatusCancelled,
	},
	ExecutionStatusWaitingApproval: {ExecutionStatusRunning, ExecutionStatusCancelled},
}

// StepStatus is the per-step terminal or in-flight state within an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	// StepStatusSkipped covers unavailable steps: treated as a no-op success
	// so dependents still proceed.
	StepStatusSkipped StepStatus = "skipped"
	// StepStatusRejected records a negative approval decision. Distinct from
	// failure: the process worked, the human said no.
	StepStatusRejected StepStatus = "rejected"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusRejected:
		return true
	default:
		return false
	}
}

// Complete reports whether dependents may run after this step. Failed
// best-effort steps count as complete with empty output.
func (s StepStatus) Complete() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// StepResult is the recorded outcome of one step within an execution.
type StepResult struct {
	Status       StepStatus `json:"status"`
	Output       Metadata   `json:"output,omitempty"`
	ErrorClass   ErrorClass `json:"error_class,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// PendingAction is the proposed skill invocation parked while an execution
// awaits an approval decision.
type PendingAction struct {
	StepName    string    `json:"step_name"`
	Skill       string    `json:"skill"`
	Input       Metadata  `json:"input"`
	RequestedAt time.Time `json:"requested_at"`
}

// SequenceExecution is one run of a sequence against a trigger.
type SequenceExecution struct {
	ID                string
	TenantID          string
	SequenceKey       string
	DefinitionVersion int
	IdempotencyKey    string
	InitiatedBy       string
	Status            ExecutionStatus
	CurrentStep       string
	CompletedSteps    int
	TotalSteps        int
	Context           Metadata
	StepResults       map[string]StepResult
	PendingAction     *PendingAction
	ConfirmedAt       *time.Time
	ErrorClass        ErrorClass
	ErrorDetail       string
	Attempt           int
	EventType         string
	TriggerPayload    Metadata
	OriginExecutionID string
	ChainDepth        int
	StartedAt         time.Time
	CompletedAt       *time.Time
}

func (e SequenceExecution) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("execution id is required")
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(e.SequenceKey) == "" {
		return errors.New("sequence key is required")
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return errors.New("idempotency key is required")
	}
	if strings.TrimSpace(string(e.Status)) == "" {
		return errors.New("status is required")
	}
	if e.DefinitionVersion < 1 {
		return errors.New("definition version must be >= 1")
	}
	return nil
}

// StepResult returns the recorded result for a step, if any.
func (e SequenceExecution) StepResult(name string) (StepResult, bool) {
	result, ok := e.StepResults[name]
	return result, ok
}
