package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefinitionSchemaV1 is the only supported definition document schema.
const DefinitionSchemaV1 = "conductor.sequence.v1"

// Criticality classifies a step's failure impact.
type Criticality string

const (
	// CriticalityCritical aborts the whole execution on step failure.
	CriticalityCritical Criticality = "critical"
	// CriticalityBestEffort records the failure and lets dependents proceed
	// with empty upstream output.
	CriticalityBestEffort Criticality = "best_effort"
)

// SequenceStep is one unit of work inside a sequence, delegated to the skill
// executor by name.
type SequenceStep struct {
	Name             string      `json:"name" yaml:"name"`
	DependsOn        []string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	RequiredContext  []string    `json:"required_context,omitempty" yaml:"required_context,omitempty"`
	RequiresApproval bool        `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	Criticality      Criticality `json:"criticality" yaml:"criticality"`
	TimeoutSeconds   int         `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Available        bool        `json:"available" yaml:"available"`
}

// Timeout returns the step timeout, defaulting when unset.
func (s SequenceStep) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// SequenceDefinition is one published, immutable version of a sequence DAG.
// Definitions with an empty TenantID form the global tier; a tenant-specific
// definition for the same sequence key overrides it entirely.
type SequenceDefinition struct {
	ID              string
	TenantID        string
	SequenceKey     string
	Version         int
	SchemaVersion   string
	Steps           []SequenceStep
	RequiredContext []string
	Active          bool
	CreatedAt       time.Time
	CreatedBy       string
}

func (d SequenceDefinition) IsGlobal() bool {
	return strings.TrimSpace(d.TenantID) == ""
}

// Step returns the named step.
func (d SequenceDefinition) Step(name string) (SequenceStep, bool) {
	for _, step := range d.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return SequenceStep{}, false
}

// StepNameSet returns the set of declared step names.
func (d SequenceDefinition) StepNameSet() map[string]struct{} {
	names := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if strings.TrimSpace(step.Name) == "" {
			continue
		}
		names[step.Name] = struct{}{}
	}
	return names
}

func (d SequenceDefinition) Validate() error {
	if strings.TrimSpace(d.SequenceKey) == "" {
		return errors.New("sequence key is required")
	}
	if d.Version < 1 {
		return errors.New("version must be >= 1")
	}
	if strings.TrimSpace(d.SchemaVersion) != DefinitionSchemaV1 {
		return fmt.Errorf("schema version must be %q", DefinitionSchemaV1)
	}
	if len(d.Steps) == 0 {
		return errors.New("steps must contain at least one step")
	}

	names := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return fmt.Errorf("steps[%d] name is required", i)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("steps[%d] name must be unique (duplicate %q)", i, name)
		}
		names[name] = struct{}{}

		switch step.Criticality {
		case CriticalityCritical, CriticalityBestEffort:
		default:
			return fmt.Errorf("steps[%d] criticality unsupported: %q", i, step.Criticality)
		}
		if step.TimeoutSeconds < 0 {
			return fmt.Errorf("steps[%d] timeout must be >= 0", i)
		}
	}

	for i, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.Name {
				return fmt.Errorf("steps[%d] depends on itself", i)
			}
			if _, ok := names[dep]; !ok {
				return fmt.Errorf("steps[%d] depends on unknown step %q", i, dep)
			}
		}
	}

	if err := d.checkAcyclic(); err != nil {
		return err
	}
	return nil
}

// checkAcyclic walks the dependency graph and rejects cycles. The walk is a
// Kahn elimination: steps remaining after all zero-in-degree steps are
// consumed are part of a cycle.
func (d SequenceDefinition) checkAcyclic() error {
	inDegree := make(map[string]int, len(d.Steps))
	dependents := make(map[string][]string, len(d.Steps))
	for _, step := range d.Steps {
		inDegree[step.Name] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.Name)
		}
	}

	ready := make([]string, 0, len(d.Steps))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}

	visited := 0
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		visited++
		for _, dependent := range dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if visited != len(d.Steps) {
		return errors.New("step graph contains a cycle")
	}
	return nil
}
