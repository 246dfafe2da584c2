// Package pipeline executes workspace-defined pipelines: ordered steps, each
// bound to a technique, running inside one conversation under one budget.
// Every step boundary is a durable checkpoint; resuming a conversation skips
// steps whose checkpoints already completed.
package pipeline

import (
	"context"
	"sync"

	"sibyl/internal/fault"
)

// Pipeline is an ordered list of steps under a name.
type Pipeline struct {
	Name  string
	Steps []Step
}

// Step binds a phase name to a technique with static params.
type Step struct {
	Phase     string
	Technique string
	Params    map[string]string
	Inputs    []string // phases whose outputs feed this step
}

// Technique is one executable unit of pipeline work. Inputs maps feeding
// phase names to their output blob refs. The returned ref is the step's
// output blob.
type Technique interface {
	Name() string
	Execute(ctx context.Context, sc *StepContext, inputs map[string]string, params map[string]string) (string, error)
}

// Registry resolves technique names to implementations.
type Registry struct {
	mu         sync.RWMutex
	techniques map[string]Technique
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{techniques: make(map[string]Technique)}
}

// Register adds a technique. Re-registering a name replaces it.
func (r *Registry) Register(t Technique) {
	r.mu.Lock()
	r.techniques[t.Name()] = t
	r.mu.Unlock()
}

// Resolve returns the named technique.
func (r *Registry) Resolve(name string) (Technique, error) {
	r.mu.RLock()
	t, ok := r.techniques[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.KindConfiguration, "pipeline.resolve", "unknown technique %q", name)
	}
	return t, nil
}

// Validate checks a pipeline definition against the registry: every step
// needs a known technique, a unique phase name, and inputs that refer to
// earlier phases only.
func (r *Registry) Validate(p Pipeline) error {
	if p.Name == "" {
		return fault.New(fault.KindConfiguration, "pipeline.validate", "pipeline name required")
	}
	if len(p.Steps) == 0 {
		return fault.New(fault.KindConfiguration, "pipeline.validate", "pipeline %q has no steps", p.Name)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, step := range p.Steps {
		if step.Phase == "" {
			return fault.New(fault.KindConfiguration, "pipeline.validate", "step %d of %q has no phase name", i, p.Name)
		}
		if seen[step.Phase] {
			return fault.New(fault.KindConfiguration, "pipeline.validate", "duplicate phase %q in %q", step.Phase, p.Name)
		}
		if _, err := r.Resolve(step.Technique); err != nil {
			return err
		}
		for _, in := range step.Inputs {
			if !seen[in] {
				return fault.New(fault.KindConfiguration, "pipeline.validate",
					"step %q consumes %q which is not an earlier phase", step.Phase, in)
			}
		}
		seen[step.Phase] = true
	}
	return nil
}
