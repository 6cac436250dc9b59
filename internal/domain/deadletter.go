package domain

import (
	"errors"
	"strings"
	"time"
)

// DeadLetterStatus is the lifecycle state of a quarantined failure.
type DeadLetterStatus string

const (
	DeadLetterStatusPending   DeadLetterStatus = "pending"
	DeadLetterStatusRetrying  DeadLetterStatus = "retrying"
	DeadLetterStatusResolved  DeadLetterStatus = "resolved"
	DeadLetterStatusAbandoned DeadLetterStatus = "abandoned"
)

func (s DeadLetterStatus) Terminal() bool {
	return s == DeadLetterStatusResolved || s == DeadLetterStatusAbandoned
}

// DeadLetterEntry is a replayable record of an execution that exhausted its
// retry budget (or failed non-retryably) and needs operator attention.
type DeadLetterEntry struct {
	ID             string
	ExecutionID    string
	TenantID       string
	InitiatedBy    string
	EventType      string
	Payload        Metadata
	IdempotencyKey string
	Reason         string
	FailedStep     string
	RetryCount     int
	MaxRetries     int
	Status         DeadLetterStatus
	NextRetryAt    *time.Time
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

func (d DeadLetterEntry) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("dead letter id is required")
	}
	if strings.TrimSpace(d.ExecutionID) == "" {
		return errors.New("execution id is required")
	}
	if strings.TrimSpace(d.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(d.EventType) == "" {
		return errors.New("event type is required")
	}
	if d.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if d.RetryCount < 0 {
		return errors.New("retry count must be >= 0")
	}
	switch d.Status {
	case DeadLetterStatusPending, DeadLetterStatusRetrying:
		if d.RetryCount > d.MaxRetries {
			return errors.New("retry count exceeds max retries for open entry")
		}
	case DeadLetterStatusResolved, DeadLetterStatusAbandoned:
	default:
		return errors.New("dead letter status unsupported")
	}
	return nil
}

// Exhausted reports whether the entry has no automatic retries left.
func (d DeadLetterEntry) Exhausted() bool {
	return d.RetryCount >= d.MaxRetries
}

// DueForRetry reports whether the sweep may auto-retry the entry at now.
// An entry without a scheduled retry time is operator-owned and never due.
func (d DeadLetterEntry) DueForRetry(now time.Time) bool {
	if d.Status != DeadLetterStatusPending && d.Status != DeadLetterStatusRetrying {
		return false
	}
	if d.Exhausted() {
		return false
	}
	if d.NextRetryAt == nil {
		return false
	}
	return !d.NextRetryAt.After(now)
}
