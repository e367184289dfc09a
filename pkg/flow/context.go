package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// JoinInput is one completed predecessor delivered to a join body. Inputs
// arrive ordered by declaration order for branches and by index for foreach
// children.
type JoinInput struct {
	// Step is the predecessor step name.
	Step string

	// TaskID identifies the predecessor task.
	TaskID string

	// Index is the foreach index of the predecessor, or the branch arm
	// position for static branches.
	Index int

	artifacts map[string][]byte
}

// NewJoinInput wraps a completed predecessor's artifact set for delivery to
// a join body.
func NewJoinInput(step, taskID string, index int, artifacts map[string][]byte) JoinInput {
	return JoinInput{Step: step, TaskID: taskID, Index: index, artifacts: artifacts}
}

// Get decodes the named artifact of this input into out.
func (in *JoinInput) Get(name string, out any) error {
	raw, ok := in.artifacts[name]
	if !ok {
		return fmt.Errorf("input %s: artifact %q not found", in.TaskID, name)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("input %s: decode artifact %q: %w", in.TaskID, name, err)
	}
	return nil
}

// Has reports whether this input defines the named artifact.
func (in *JoinInput) Has(name string) bool {
	_, ok := in.artifacts[name]
	return ok
}

// Raw returns the encoded bytes of the named artifact.
func (in *JoinInput) Raw(name string) ([]byte, bool) {
	raw, ok := in.artifacts[name]
	return raw, ok
}

// Names returns the artifact names this input defines, sorted.
func (in *JoinInput) Names() []string {
	names := make([]string, 0, len(in.artifacts))
	for name := range in.artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContextSpec carries everything a step context needs. It is assembled by
// the executor child (or an in-process runner) from the attempt spec and the
// artifact store.
type ContextSpec struct {
	FlowName string
	RunID    string
	Step     string
	TaskID   string
	Attempt  int

	// Node is the compiled node for the step, used to check transition
	// calls against the declared shape.
	Node *Node

	// Artifacts is the input artifact state visible to the body.
	Artifacts map[string][]byte

	// Inputs are the ordered predecessor inputs of a join task.
	Inputs []JoinInput

	// ForeachValue and ForeachIndex bind the iteration element for a task
	// inside a foreach fan-out. ForeachIndex is -1 outside a fan-out.
	ForeachValue []byte
	ForeachIndex int
}

// StepContext is the interface between a step body and the engine: artifact
// reads and writes, foreach bindings, join inputs, and the exactly-once
// transition declaration.
//
// A StepContext is used by a single attempt and is not safe for concurrent
// use.
type StepContext struct {
	spec ContextSpec

	produced   map[string][]byte
	transition *Transition
	protoErr   error
}

// NewStepContext builds the context for one attempt.
func NewStepContext(spec ContextSpec) *StepContext {
	if spec.Artifacts == nil {
		spec.Artifacts = map[string][]byte{}
	}
	return &StepContext{
		spec:     spec,
		produced: map[string][]byte{},
	}
}

// FlowName returns the name of the running flow.
func (c *StepContext) FlowName() string { return c.spec.FlowName }

// RunID returns the current run identifier.
func (c *StepContext) RunID() string { return c.spec.RunID }

// Step returns the current step name.
func (c *StepContext) Step() string { return c.spec.Step }

// TaskID returns the current task identifier.
func (c *StepContext) TaskID() string { return c.spec.TaskID }

// Attempt returns the current attempt number, starting at 0.
func (c *StepContext) Attempt() int { return c.spec.Attempt }

// Get decodes the named artifact into out. Artifacts written during this
// attempt shadow inherited ones.
func (c *StepContext) Get(name string, out any) error {
	raw, ok := c.raw(name)
	if !ok {
		return fmt.Errorf("step %s: artifact %q not found", c.spec.Step, name)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("step %s: decode artifact %q: %w", c.spec.Step, name, err)
	}
	return nil
}

// Set encodes v as the named artifact. The value becomes durable when the
// attempt's artifacts are saved, before the task result is published.
func (c *StepContext) Set(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("step %s: encode artifact %q: %w", c.spec.Step, name, err)
	}
	c.produced[name] = raw
	return nil
}

// SetRaw stores already-encoded bytes as the named artifact.
func (c *StepContext) SetRaw(name string, raw []byte) {
	c.produced[name] = append([]byte(nil), raw...)
}

// Raw returns the encoded bytes of the named artifact.
func (c *StepContext) Raw(name string) ([]byte, bool) {
	return c.raw(name)
}

// Has reports whether the named artifact is visible to the body.
func (c *StepContext) Has(name string) bool {
	_, ok := c.raw(name)
	return ok
}

func (c *StepContext) raw(name string) ([]byte, bool) {
	if raw, ok := c.produced[name]; ok {
		return raw, true
	}
	raw, ok := c.spec.Artifacts[name]
	return raw, ok
}

// Produced returns the artifacts written during this attempt.
func (c *StepContext) Produced() map[string][]byte {
	return c.produced
}

// State returns the full artifact state visible at the end of the attempt:
// the inherited artifacts overlaid with everything the body wrote. This is
// what a task persists, so inherited state keeps flowing down the graph even
// through steps that never touch it.
func (c *StepContext) State() map[string][]byte {
	state := make(map[string][]byte, len(c.spec.Artifacts)+len(c.produced))
	for name, raw := range c.spec.Artifacts {
		state[name] = raw
	}
	for name, raw := range c.produced {
		state[name] = raw
	}
	return state
}

// Input decodes the foreach element bound to this task into out. It fails
// outside a foreach fan-out.
func (c *StepContext) Input(out any) error {
	if c.spec.ForeachValue == nil {
		return fmt.Errorf("step %s: no foreach input bound", c.spec.Step)
	}
	if err := json.Unmarshal(c.spec.ForeachValue, out); err != nil {
		return fmt.Errorf("step %s: decode foreach input: %w", c.spec.Step, err)
	}
	return nil
}

// Index returns the task's foreach index, or -1 outside a fan-out.
func (c *StepContext) Index() int {
	return c.spec.ForeachIndex
}

// Inputs returns the ordered predecessor inputs of a join task, nil for
// non-join tasks.
func (c *StepContext) Inputs() []JoinInput {
	return c.spec.Inputs
}

// Next declares the transition to the given targets: one target for a
// linear step, all declared arms for a branch. The targets must match the
// declared shape and Next must be called exactly once.
func (c *StepContext) Next(targets ...string) error {
	node := c.spec.Node
	switch node.TransitionKind {
	case TransitionLinear:
		if len(targets) != 1 || targets[0] != node.Targets[0] {
			return c.protocolError(fmt.Sprintf(
				"declared linear transition to %q, body transitioned to %v", node.Targets[0], targets))
		}
		return c.resolve(&Transition{Kind: TransitionLinear, Targets: []string{targets[0]}})
	case TransitionBranch:
		if !sameTargetSet(targets, node.Targets) {
			return c.protocolError(fmt.Sprintf(
				"declared branch targets %v, body transitioned to %v", node.Targets, targets))
		}
		return c.resolve(&Transition{Kind: TransitionBranch, Targets: append([]string(nil), node.Targets...)})
	case "":
		return c.protocolError("terminal step must not transition")
	default:
		return c.protocolError(fmt.Sprintf(
			"declared %s transition, body called Next", node.TransitionKind))
	}
}

// NextForeach declares the foreach transition. The declared iteration
// artifact must hold a JSON array at this moment; its length is captured as
// the fan-out cardinality.
func (c *StepContext) NextForeach() error {
	node := c.spec.Node
	if node.TransitionKind != TransitionForeach {
		return c.protocolError(fmt.Sprintf(
			"declared %s transition, body called NextForeach", kindOrTerminal(node)))
	}
	raw, ok := c.raw(node.ForeachVar)
	if !ok {
		return c.protocolError(fmt.Sprintf(
			"foreach artifact %q not set at transition time", node.ForeachVar))
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return c.protocolError(fmt.Sprintf(
			"foreach artifact %q is not an array: %v", node.ForeachVar, err))
	}
	return c.resolve(&Transition{
		Kind:        TransitionForeach,
		Targets:     []string{node.Targets[0]},
		Var:         node.ForeachVar,
		Cardinality: len(elements),
	})
}

// NextSwitch declares the switch transition for the given key. The key must
// be one of the declared cases.
func (c *StepContext) NextSwitch(key string) error {
	node := c.spec.Node
	if node.TransitionKind != TransitionSwitch {
		return c.protocolError(fmt.Sprintf(
			"declared %s transition, body called NextSwitch", kindOrTerminal(node)))
	}
	target, ok := node.SwitchCases[key]
	if !ok {
		return c.protocolError(fmt.Sprintf(
			"switch key %q is not in the declared mapping %v", key, sortedKeys(node.SwitchCases)))
	}
	return c.resolve(&Transition{
		Kind:    TransitionSwitch,
		Targets: []string{target},
		Key:     key,
	})
}

// Transition returns the resolved transition, nil when the body has not
// declared one.
func (c *StepContext) Transition() *Transition {
	return c.transition
}

// ProtocolErr returns the first transition-contract violation recorded
// during the attempt, nil when the contract was honored so far.
func (c *StepContext) ProtocolErr() error {
	return c.protoErr
}

func (c *StepContext) resolve(t *Transition) error {
	if c.transition != nil {
		return c.protocolError("transition declared more than once")
	}
	c.transition = t
	return nil
}

func (c *StepContext) protocolError(reason string) error {
	err := &TransitionError{Step: c.spec.Step, Reason: reason}
	if c.protoErr == nil {
		c.protoErr = err
	}
	return err
}

func kindOrTerminal(n *Node) string {
	if n.TransitionKind == "" {
		return "no"
	}
	return string(n.TransitionKind)
}

func sameTargetSet(got, declared []string) bool {
	if len(got) != len(declared) {
		return false
	}
	seen := map[string]int{}
	for _, t := range declared {
		seen[t]++
	}
	for _, t := range got {
		if seen[t] == 0 {
			return false
		}
		seen[t]--
	}
	return true
}

// MergeOption configures MergeArtifacts.
type MergeOption func(*mergeOptions)

type mergeOptions struct {
	include []string
	exclude []string
}

// MergeInclude restricts the merge to the named artifacts. Each named
// artifact must be present in at least one input.
func MergeInclude(names ...string) MergeOption {
	return func(o *mergeOptions) { o.include = append(o.include, names...) }
}

// MergeExclude drops the named artifacts from the merge.
func MergeExclude(names ...string) MergeOption {
	return func(o *mergeOptions) { o.exclude = append(o.exclude, names...) }
}

// MergeArtifacts folds the inputs' artifacts into the join task's state.
// An artifact already written by the join body counts as explicitly
// resolved and is left untouched. An artifact defined with differing values
// across inputs and not explicitly resolved fails with *MergeConflictError
// naming every conflicting artifact and the inputs involved.
func (c *StepContext) MergeArtifacts(inputs []JoinInput, opts ...MergeOption) error {
	var o mergeOptions
	for _, opt := range opts {
		opt(&o)
	}

	excluded := map[string]bool{}
	for _, name := range o.exclude {
		excluded[name] = true
	}

	var names []string
	if len(o.include) > 0 {
		names = o.include
	} else {
		set := map[string]bool{}
		for i := range inputs {
			for _, name := range inputs[i].Names() {
				if !set[name] {
					set[name] = true
					names = append(names, name)
				}
			}
		}
		sort.Strings(names)
	}

	var (
		conflicts     []string
		conflictTasks = map[string]bool{}
		missing       []string
	)
	for _, name := range names {
		if excluded[name] {
			continue
		}
		if _, resolved := c.produced[name]; resolved {
			continue
		}

		var (
			value []byte
			found bool
			tasks []string
		)
		conflict := false
		for i := range inputs {
			raw, ok := inputs[i].Raw(name)
			if !ok {
				continue
			}
			tasks = append(tasks, inputs[i].TaskID)
			if !found {
				value, found = raw, true
				continue
			}
			if !bytes.Equal(value, raw) {
				conflict = true
			}
		}
		switch {
		case !found:
			missing = append(missing, name)
		case conflict:
			conflicts = append(conflicts, name)
			for _, t := range tasks {
				conflictTasks[t] = true
			}
		default:
			c.produced[name] = append([]byte(nil), value...)
		}
	}

	if len(missing) > 0 {
		return &MergeConflictError{
			Step:      c.spec.Step,
			Artifacts: missing,
			Reason:    "included artifacts are not present in any input",
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		tasks := make([]string, 0, len(conflictTasks))
		for t := range conflictTasks {
			tasks = append(tasks, t)
		}
		sort.Strings(tasks)
		return &MergeConflictError{
			Step:      c.spec.Step,
			Artifacts: conflicts,
			Inputs:    tasks,
			Reason:    "artifact values differ across inputs and are not explicitly resolved",
		}
	}
	return nil
}
