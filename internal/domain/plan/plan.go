// Package plan defines the immutable Plan submitted by callers and its validation rules.
package plan

// Values is an opaque JSON-like document passed through to tool handlers.
// The control plane never inspects its shape.
type Values = map[string]any

// ManualToolPrefix marks tools that require an operator approval before they run.
const ManualToolPrefix = "manual:"

// Plan is the declarative description of work: a goal plus ordered steps.
// A Plan is validated once and never mutated afterwards; it is embedded
// verbatim into the Run it creates.
type Plan struct {
	Goal  string     `json:"goal" yaml:"goal"`
	Steps []StepSpec `json:"steps" yaml:"steps"`
}

// StepSpec is one entry of Plan.Steps.
type StepSpec struct {
	Name   string `json:"name" yaml:"name"`
	Tool   string `json:"tool" yaml:"tool"`
	Inputs Values `json:"inputs" yaml:"inputs"`
	// DependsOn lists names of steps that must complete before this one is enqueued.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// IdempotencyKey makes step creation safe to retry. When empty the
	// dispatcher derives one from the run id and step index.
	IdempotencyKey string `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
}

// IsManual reports whether the step's tool requires manual approval.
func (s *StepSpec) IsManual() bool {
	return IsManualTool(s.Tool)
}

// IsManualTool reports whether tool matches the manual:* pattern.
func IsManualTool(tool string) bool {
	return len(tool) > len(ManualToolPrefix) && tool[:len(ManualToolPrefix)] == ManualToolPrefix
}

// GateType returns the gate type for a manual tool ("manual:deploy" -> "deploy"),
// or an empty string for tools that run without approval.
func GateType(tool string) string {
	if !IsManualTool(tool) {
		return ""
	}
	return tool[len(ManualToolPrefix):]
}

// StepByName returns the step spec with the given name.
func (p *Plan) StepByName(name string) (StepSpec, bool) {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return p.Steps[i], true
		}
	}
	return StepSpec{}, false
}
