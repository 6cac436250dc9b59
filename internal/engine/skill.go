package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/conductor-labs/conductor-go/internal/domain"
)

const (
	SkillStatusSuccess = "success"
	SkillStatusFailure = "failure"
)

// SkillResult is the outcome a skill reports back to the engine. Retryable is
// only meaningful on failure: it marks a business error the skill considers
// worth retrying.
type SkillResult struct {
	Status      string
	Output      domain.Metadata
	ErrorDetail string
	Retryable   bool
}

// SkillExecutor runs a named skill against the accumulated context. It must
// be safe for concurrent use and must honor the caller's context deadline.
// Transport-level errors are returned as err; domain-level failures come back
// as a result with failure status.
type SkillExecutor interface {
	Invoke(ctx context.Context, skill string, input domain.Metadata) (SkillResult, error)
}

type SkillFunc func(ctx context.Context, input domain.Metadata) (SkillResult, error)

// Registry dispatches steps to named skill implementations through a lookup
// table. Unknown skills are a configuration error, not a transient one.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]SkillFunc
}

func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]SkillFunc)}
}

func (r *Registry) Register(name string, fn SkillFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("skill name is required")
	}
	if fn == nil {
		return fmt.Errorf("skill func is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[name]; exists {
		return fmt.Errorf("skill already registered: %q", name)
	}
	r.skills[name] = fn
	return nil
}

func (r *Registry) Invoke(ctx context.Context, skill string, input domain.Metadata) (SkillResult, error) {
	r.mu.RLock()
	fn, ok := r.skills[skill]
	r.mu.RUnlock()
	if !ok {
		return SkillResult{}, domain.NewConfigurationError(fmt.Errorf("skill not registered: %q", skill))
	}
	return fn(ctx, input)
}
