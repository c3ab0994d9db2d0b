package plan

import (
	"errors"
	"fmt"

	"github.com/Strob0t/Runplane/internal/domain"
)

var (
	ErrGoalRequired     = errors.New("goal is required")
	ErrNoSteps          = errors.New("at least one step is required")
	ErrStepMissingName  = errors.New("step name is required")
	ErrStepMissingTool  = errors.New("step tool is required")
	ErrStepMissingInput = errors.New("step inputs are required")
	ErrDuplicateName    = errors.New("step names must be unique")
	ErrDuplicateKey     = errors.New("step idempotency keys must be unique")
	ErrDAGCycle         = errors.New("step dependencies contain a cycle")
	ErrDAGInvalidRef    = errors.New("step dependency references unknown step")
)

// Validate checks the Plan for structural correctness. All returned errors
// wrap domain.ErrValidation.
func (p *Plan) Validate() error {
	if err := p.validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return nil
}

func (p *Plan) validate() error {
	if p.Goal == "" {
		return ErrGoalRequired
	}
	if len(p.Steps) == 0 {
		return ErrNoSteps
	}

	names := make(map[string]bool, len(p.Steps))
	keys := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Name == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepMissingName)
		}
		if s.Tool == "" {
			return fmt.Errorf("step %q: %w", s.Name, ErrStepMissingTool)
		}
		if s.Inputs == nil {
			return fmt.Errorf("step %q: %w", s.Name, ErrStepMissingInput)
		}
		if names[s.Name] {
			return fmt.Errorf("step %q: %w", s.Name, ErrDuplicateName)
		}
		names[s.Name] = true
		if s.IdempotencyKey != "" {
			if keys[s.IdempotencyKey] {
				return fmt.Errorf("step %q: %w", s.Name, ErrDuplicateKey)
			}
			keys[s.IdempotencyKey] = true
		}
	}

	return validateDAG(p.Steps)
}

// validateDAG checks that step dependencies form a valid DAG using Kahn's algorithm.
func validateDAG(steps []StepSpec) error {
	n := len(steps)
	index := make(map[string]int, n)
	for i := range steps {
		index[steps[i].Name] = i
	}

	inDegree := make([]int, n)
	adj := make([][]int, n)
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			idx, ok := index[dep]
			if !ok {
				return fmt.Errorf("step %q depends on %q: %w", steps[i].Name, dep, ErrDAGInvalidRef)
			}
			if idx == i {
				return fmt.Errorf("step %q depends on itself: %w", steps[i].Name, ErrDAGCycle)
			}
			adj[idx] = append(adj[idx], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, n)
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, neighbor := range adj[node] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if visited != n {
		return ErrDAGCycle
	}
	return nil
}
