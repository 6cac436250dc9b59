package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContextMapping projects one field from a source step's outputs into the
// payload of the handoff's synthetic event. Required mappings whose source
// field is absent suppress the handoff entirely.
type ContextMapping struct {
	From     string `json:"from" yaml:"from"`
	To       string `json:"to" yaml:"to"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

func (m ContextMapping) Validate() error {
	if strings.TrimSpace(m.From) == "" {
		return errors.New("mapping from is required")
	}
	if strings.TrimSpace(m.To) == "" {
		return errors.New("mapping to is required")
	}
	return nil
}

// HandoffRoute re-emits a new event into the router when a specific step of a
// specific sequence completes successfully, chaining sequences together.
type HandoffRoute struct {
	ID                string
	SourceSequenceKey string
	SourceStep        string
	TargetEventType   string
	Mappings          []ContextMapping
	Conditions        []Condition
	DelaySeconds      int
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (h HandoffRoute) Validate() error {
	if strings.TrimSpace(h.ID) == "" {
		return errors.New("handoff id is required")
	}
	if strings.TrimSpace(h.SourceSequenceKey) == "" {
		return errors.New("source sequence key is required")
	}
	if strings.TrimSpace(h.SourceStep) == "" {
		return errors.New("source step is required")
	}
	if strings.TrimSpace(h.TargetEventType) == "" {
		return errors.New("target event type is required")
	}
	if h.DelaySeconds < 0 {
		return errors.New("delay must be >= 0")
	}
	for i, mapping := range h.Mappings {
		if err := mapping.Validate(); err != nil {
			return fmt.Errorf("mappings[%d]: %w", i, err)
		}
	}
	return ValidateConditions(h.Conditions)
}

// Delay returns the configured delay before the synthetic event fires.
func (h HandoffRoute) Delay() time.Duration {
	return time.Duration(h.DelaySeconds) * time.Second
}

// Project builds the synthetic event payload from the source outputs. The
// second return is false when a required field is missing, which suppresses
// the handoff without touching the parent execution.
func (h HandoffRoute) Project(outputs Metadata) (Metadata, bool) {
	payload := Metadata{}
	for _, mapping := range h.Mappings {
		value, found := lookupPath(outputs, mapping.From)
		if !found {
			if mapping.Required {
				return nil, false
			}
			continue
		}
		payload[mapping.To] = value
	}
	return payload, true
}
