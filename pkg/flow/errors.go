package flow

import (
	"fmt"
	"strings"
)

// ValidationError reports a build-time violation of the graph invariants.
// It is returned by Compile and never surfaces mid-run.
type ValidationError struct {
	// Flow is the name of the flow being compiled.
	Flow string

	// Step is the offending step name, if the violation is step-scoped.
	Step string

	// Reason describes what is wrong.
	Reason string

	// Remediation describes the graph or decorator change that would fix it.
	Remediation string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("flow validation failed")
	if e.Flow != "" {
		fmt.Fprintf(&sb, " for %q", e.Flow)
	}
	if e.Step != "" {
		fmt.Fprintf(&sb, " at step %q", e.Step)
	}
	fmt.Fprintf(&sb, ": %s", e.Reason)
	if e.Remediation != "" {
		fmt.Fprintf(&sb, " (fix: %s)", e.Remediation)
	}
	return sb.String()
}

// TransitionError reports a violation of the exactly-once transition
// contract by a step body, or a transition that does not match the step's
// declared shape. It is fatal to the task that produced it.
type TransitionError struct {
	Step   string
	Reason string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition protocol violation in step %q: %s", e.Step, e.Reason)
}

// MergeConflictError reports that a join step could not merge artifacts
// from its inputs. It names the conflicting artifacts and the inputs that
// contributed them. It is fatal to the join task.
type MergeConflictError struct {
	// Step is the join step performing the merge.
	Step string

	// Artifacts are the artifact names that could not be merged.
	Artifacts []string

	// Inputs are the step names (with foreach index where relevant) that
	// contributed conflicting values.
	Inputs []string

	// Reason distinguishes a value conflict from an include of a name that
	// no input defines.
	Reason string
}

// Error implements the error interface.
func (e *MergeConflictError) Error() string {
	return fmt.Sprintf(
		"merge conflict in join %q: %s: artifacts [%s] from inputs [%s]; "+
			"resolve by setting the artifact explicitly before MergeArtifacts, "+
			"or use MergeInclude/MergeExclude",
		e.Step, e.Reason,
		strings.Join(e.Artifacts, ", "),
		strings.Join(e.Inputs, ", "),
	)
}
