// Package toolexec defines the port through which steps invoke external tools.
// The control plane never interprets tool inputs or outputs.
package toolexec

import (
	"context"

	"github.com/Strob0t/Runplane/internal/domain/run"
)

// Request is a single tool invocation for one step attempt.
type Request struct {
	RunID   string     `json:"run_id"`
	StepID  string     `json:"step_id"`
	Attempt int        `json:"attempt"`
	Tool    string     `json:"tool"`
	Inputs  run.Values `json:"inputs"`
}

// Result is the outcome of a successful tool invocation.
type Result struct {
	Outputs   run.Values         `json:"outputs"`
	Artifacts []run.ArtifactSpec `json:"artifacts,omitempty"`
}

// Executor runs tools. Any returned error fails the step.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
