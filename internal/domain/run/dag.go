package run

// DependenciesMet reports whether every dependency of s has completed.
func DependenciesMet(s *Step, steps []Step) bool {
	if len(s.DependsOn) == 0 {
		return true
	}
	status := make(map[string]StepStatus, len(steps))
	for i := range steps {
		status[steps[i].Name] = steps[i].Status
	}
	for _, dep := range s.DependsOn {
		if status[dep] != StepCompleted {
			return false
		}
	}
	return true
}

// ReadyDependents returns the queued steps that depend on completed and
// whose dependencies are now all met.
func ReadyDependents(completed string, steps []Step) []Step {
	var ready []Step
	for i := range steps {
		s := &steps[i]
		if s.Status != StepQueued || !dependsOn(s, completed) {
			continue
		}
		if DependenciesMet(s, steps) {
			ready = append(ready, *s)
		}
	}
	return ready
}

// CountRemaining counts steps in {queued, waiting, running}.
func CountRemaining(steps []Step) int {
	n := 0
	for i := range steps {
		if steps[i].Status.IsRemaining() {
			n++
		}
	}
	return n
}

// AnyFailed reports whether any step ended failed.
func AnyFailed(steps []Step) bool {
	for i := range steps {
		if steps[i].Status == StepFailed {
			return true
		}
	}
	return false
}

func dependsOn(s *Step, name string) bool {
	for _, d := range s.DependsOn {
		if d == name {
			return true
		}
	}
	return false
}
