package plan_test

import (
	"errors"
	"testing"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/plan"
)

func validPlan() plan.Plan {
	return plan.Plan{
		Goal: "ship feature",
		Steps: []plan.StepSpec{
			{Name: "generate", Tool: "codegen", Inputs: plan.Values{"spec": "x"}},
			{Name: "review", Tool: "manual:review", Inputs: plan.Values{}, DependsOn: []string{"generate"}},
			{Name: "push", Tool: "git", Inputs: plan.Values{}, DependsOn: []string{"review"}},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	p := validPlan()
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*plan.Plan)
		want   error
	}{
		{"missing goal", func(p *plan.Plan) { p.Goal = "" }, plan.ErrGoalRequired},
		{"no steps", func(p *plan.Plan) { p.Steps = nil }, plan.ErrNoSteps},
		{"missing name", func(p *plan.Plan) { p.Steps[0].Name = "" }, plan.ErrStepMissingName},
		{"missing tool", func(p *plan.Plan) { p.Steps[1].Tool = "" }, plan.ErrStepMissingTool},
		{"nil inputs", func(p *plan.Plan) { p.Steps[2].Inputs = nil }, plan.ErrStepMissingInput},
		{"duplicate name", func(p *plan.Plan) { p.Steps[2].Name = "generate" }, plan.ErrDuplicateName},
		{"unknown dependency", func(p *plan.Plan) { p.Steps[2].DependsOn = []string{"nope"} }, plan.ErrDAGInvalidRef},
		{"self dependency", func(p *plan.Plan) { p.Steps[0].DependsOn = []string{"generate"} }, plan.ErrDAGCycle},
		{"cycle", func(p *plan.Plan) { p.Steps[0].DependsOn = []string{"push"} }, plan.ErrDAGCycle},
		{"duplicate idempotency key", func(p *plan.Plan) {
			p.Steps[0].IdempotencyKey = "k"
			p.Steps[1].IdempotencyKey = "k"
		}, plan.ErrDuplicateKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.modify(&p)
			err := p.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected error to wrap ErrValidation, got %v", err)
			}
		})
	}
}

func TestGateType(t *testing.T) {
	tests := []struct {
		tool   string
		manual bool
		gate   string
	}{
		{"manual:deploy", true, "deploy"},
		{"manual:", false, ""},
		{"codegen", false, ""},
		{"manualdeploy", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			if got := plan.IsManualTool(tt.tool); got != tt.manual {
				t.Errorf("IsManualTool(%q) = %v, want %v", tt.tool, got, tt.manual)
			}
			if got := plan.GateType(tt.tool); got != tt.gate {
				t.Errorf("GateType(%q) = %q, want %q", tt.tool, got, tt.gate)
			}
		})
	}
}
