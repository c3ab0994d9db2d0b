// Package builtin provides tool executors that run inside the control plane,
// for local runs and smoke tests.
package builtin

import (
	"context"
	"maps"

	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/port/toolexec"
)

const (
	ToolNoop = "noop"
	ToolEcho = "echo"
)

// Noop succeeds with empty outputs.
var Noop = toolexec.ExecutorFunc(func(context.Context, toolexec.Request) (*toolexec.Result, error) {
	return &toolexec.Result{Outputs: run.Values{}}, nil
})

// Echo returns its inputs as outputs.
var Echo = toolexec.ExecutorFunc(func(ctx context.Context, req toolexec.Request) (*toolexec.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(run.Values, len(req.Inputs))
	maps.Copy(out, req.Inputs)
	return &toolexec.Result{Outputs: out}, nil
})

// Register adds noop, echo and the manual-gate passthrough to reg. An
// approved manual step has nothing left to do once it runs.
func Register(reg *toolexec.Registry) {
	reg.Register(ToolNoop, Noop)
	reg.Register(ToolEcho, Echo)
	reg.RegisterPrefix(plan.ManualToolPrefix, Noop)
}
