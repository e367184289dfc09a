package flow

import "fmt"

// TransitionKind identifies the control-flow shape of a transition.
type TransitionKind string

const (
	// TransitionLinear moves to a single next step.
	TransitionLinear TransitionKind = "linear"

	// TransitionBranch fans out to all listed steps in parallel.
	TransitionBranch TransitionKind = "branch"

	// TransitionForeach fans out one step into N indexed tasks over a
	// runtime-sized slice artifact.
	TransitionForeach TransitionKind = "foreach"

	// TransitionSwitch selects exactly one target from a declared mapping.
	TransitionSwitch TransitionKind = "switch"
)

// Transition is the resolved outcome of a step: which step(s) run next and
// under which control-flow kind. It is produced exactly once per task by the
// step body and is immutable thereafter. The record is part of the
// cross-process result layout, so its field names are wire-stable.
type Transition struct {
	Kind TransitionKind `json:"kind"`

	// Targets are the step(s) to run next. A single element for linear and
	// switch (the selected target); one per branch arm for branch; the body
	// step for foreach.
	Targets []string `json:"targets"`

	// Var names the slice artifact a foreach iterates over.
	Var string `json:"var,omitempty"`

	// Cardinality is the foreach fan-out width, read from the slice
	// artifact's length at the moment the transition was produced. The
	// downstream join barrier is sized from this announcement.
	Cardinality int `json:"cardinality,omitempty"`

	// Key is the selected switch key.
	Key string `json:"key,omitempty"`
}

// Validate checks internal consistency of a transition record read from the
// process boundary.
func (t *Transition) Validate() error {
	switch t.Kind {
	case TransitionLinear, TransitionSwitch:
		if len(t.Targets) != 1 {
			return fmt.Errorf("%s transition must have exactly one target, got %d", t.Kind, len(t.Targets))
		}
	case TransitionBranch:
		if len(t.Targets) < 2 {
			return fmt.Errorf("branch transition must have at least two targets, got %d", len(t.Targets))
		}
	case TransitionForeach:
		if len(t.Targets) != 1 {
			return fmt.Errorf("foreach transition must have exactly one target, got %d", len(t.Targets))
		}
		if t.Var == "" {
			return fmt.Errorf("foreach transition must name its iteration artifact")
		}
		if t.Cardinality < 0 {
			return fmt.Errorf("foreach cardinality must be >= 0, got %d", t.Cardinality)
		}
	default:
		return fmt.Errorf("unknown transition kind: %q", t.Kind)
	}
	return nil
}
