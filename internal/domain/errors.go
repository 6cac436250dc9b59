package domain

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a step or execution failure for retry decisions.
type ErrorClass string

const (
	// ErrorClassConfiguration marks caller defects: missing context keys,
	// unknown skills, unresolvable definitions. Never retried.
	ErrorClassConfiguration ErrorClass = "configuration"
	// ErrorClassTransient marks timeouts and executor transport failures.
	// Always eligible for retry.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassBusiness marks domain-level failures reported by a skill.
	// Retried only when the skill marks itself retryable.
	ErrorClassBusiness ErrorClass = "business"
)

// StepError carries the failure classification alongside the cause.
type StepError struct {
	Class     ErrorClass
	Retryable bool
	Err       error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error", e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func NewConfigurationError(err error) *StepError {
	return &StepError{Class: ErrorClassConfiguration, Retryable: false, Err: err}
}

func NewTransientError(err error) *StepError {
	return &StepError{Class: ErrorClassTransient, Retryable: true, Err: err}
}

func NewBusinessError(err error, retryable bool) *StepError {
	return &StepError{Class: ErrorClassBusiness, Retryable: retryable, Err: err}
}

// Classify extracts the error class and retry eligibility from err. Errors
// without an explicit classification are treated as transient so that
// unexpected executor failures stay replayable.
func Classify(err error) (ErrorClass, bool) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Class, stepErr.Retryable
	}
	return ErrorClassTransient, true
}
