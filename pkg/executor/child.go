// Package executor runs task attempts in isolated child processes. The
// scheduler re-execs the current binary for every attempt; the child half of
// this package detects the attempt spec in the environment, executes one
// step body, publishes a task result, and exits.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/flowmill/flowmill/pkg/flow"
	"github.com/flowmill/flowmill/pkg/protocol"
	"github.com/flowmill/flowmill/pkg/stores"
)

// Child process exit codes. Anything that exits without publishing a result
// is classified as crashed by the parent, so exitNoResult is informational
// only.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitNoResult  = 2
)

// MaybeRunTask checks whether this process was spawned as a task attempt and,
// if so, runs it and exits. It must be called at the top of main, before any
// other startup work, in every binary that registers flows.
func MaybeRunTask(registry *flow.Registry) {
	specPath := os.Getenv(protocol.EnvName)
	if specPath == "" {
		return
	}
	os.Exit(runChild(specPath, registry))
}

// runChild executes one attempt described by the spec file. It publishes a
// TaskResult for every outcome it can represent; failures before the result
// path is known exit without one and surface as a crash.
func runChild(specPath string, registry *flow.Registry) int {
	spec, err := protocol.ReadSpec(specPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read attempt spec: %v\n", err)
		return exitNoResult
	}

	ctx := context.Background()

	graph, ok := registry.Lookup(spec.FlowName)
	if !ok {
		return publishFailure(spec, &protocol.ErrorEnvelope{
			Kind:    protocol.KindUserException,
			Message: fmt.Sprintf("flow %q is not registered in this binary", spec.FlowName),
		})
	}
	node := graph.Node(spec.Task.Step)
	if node == nil {
		return publishFailure(spec, &protocol.ErrorEnvelope{
			Kind:    protocol.KindUserException,
			Message: fmt.Sprintf("step %q does not exist in flow %q", spec.Task.Step, spec.FlowName),
		})
	}

	store, err := stores.OpenArtifactStore(ctx, spec.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open artifact store: %v\n", err)
		return exitNoResult
	}

	stepCtx, err := buildStepContext(ctx, spec, node, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load task inputs: %v\n", err)
		return exitNoResult
	}

	envelope := runBody(node, stepCtx)
	if envelope != nil {
		return publishFailure(spec, envelope)
	}

	// The full visible state persists, inherited artifacts included, so an
	// artifact set upstream stays readable at every later step. Artifacts
	// must be durable before the result that announces them.
	state := stepCtx.State()
	if err := store.Save(ctx, spec.Task, state); err != nil {
		fmt.Fprintf(os.Stderr, "failed to save artifacts: %v\n", err)
		return exitNoResult
	}

	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	result := &protocol.TaskResult{
		Task:       spec.Task,
		Attempt:    spec.Attempt,
		Outcome:    protocol.OutcomeSuccess,
		Transition: stepCtx.Transition(),
		Artifacts:  names,
	}
	if err := protocol.WriteResult(spec.ResultPath, result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to publish result: %v\n", err)
		return exitNoResult
	}
	return exitSuccess
}

// runBody executes the step body with panic recovery and enforces the
// transition contract. A nil return means the attempt succeeded.
func runBody(node *flow.Node, stepCtx *flow.StepContext) (envelope *protocol.ErrorEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			envelope = protocol.NewPanicEnvelope(r)
		}
	}()

	if err := node.Body(stepCtx); err != nil {
		var te *flow.TransitionError
		if errors.As(err, &te) {
			return &protocol.ErrorEnvelope{
				Kind:    protocol.KindTransitionProtocol,
				Message: err.Error(),
			}
		}
		return &protocol.ErrorEnvelope{
			Kind:    protocol.KindUserException,
			Message: err.Error(),
		}
	}

	// A recorded violation outlives a body that swallowed the error.
	if err := stepCtx.ProtocolErr(); err != nil {
		return &protocol.ErrorEnvelope{
			Kind:    protocol.KindTransitionProtocol,
			Message: err.Error(),
		}
	}

	if !node.IsTerminal() && stepCtx.Transition() == nil {
		return &protocol.ErrorEnvelope{
			Kind:    protocol.KindTransitionProtocol,
			Message: fmt.Sprintf("step %q finished without resolving a transition", node.Name),
		}
	}

	return nil
}

// buildStepContext assembles the step context from the spec: inherited
// artifacts for ordinary tasks, ordered join inputs for joins, and the
// foreach binding when inside a fan-out.
func buildStepContext(ctx context.Context, spec *protocol.AttemptSpec, node *flow.Node, store stores.ArtifactStore) (*flow.StepContext, error) {
	cs := flow.ContextSpec{
		FlowName:     spec.FlowName,
		RunID:        spec.Task.RunID,
		Step:         spec.Task.Step,
		TaskID:       spec.Task.TaskID,
		Attempt:      spec.Attempt,
		Node:         node,
		ForeachValue: spec.ForeachValue,
		ForeachIndex: spec.ForeachIndex,
	}

	if spec.IsJoin {
		inputs := make([]flow.JoinInput, 0, len(spec.Inputs))
		for _, in := range spec.Inputs {
			artifacts, err := store.Load(ctx, protocol.TaskRef{
				RunID:  spec.Task.RunID,
				Step:   in.Step,
				TaskID: in.TaskID,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to load join input %s/%s: %w", in.Step, in.TaskID, err)
			}
			inputs = append(inputs, flow.NewJoinInput(in.Step, in.TaskID, in.Index, artifacts))
		}
		cs.Inputs = inputs
		return flow.NewStepContext(cs), nil
	}

	artifacts := make(map[string][]byte)
	if len(spec.Inputs) > 0 {
		in := spec.Inputs[0]
		loaded, err := store.Load(ctx, protocol.TaskRef{
			RunID:  spec.Task.RunID,
			Step:   in.Step,
			TaskID: in.TaskID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load input %s/%s: %w", in.Step, in.TaskID, err)
		}
		for name, data := range loaded {
			artifacts[name] = data
		}
	}
	for name, raw := range spec.Params {
		artifacts[name] = raw
	}
	cs.Artifacts = artifacts
	return flow.NewStepContext(cs), nil
}

// publishFailure writes a non-success result and returns the user error exit
// code. Results that cannot be written degrade to a crash.
func publishFailure(spec *protocol.AttemptSpec, envelope *protocol.ErrorEnvelope) int {
	result := &protocol.TaskResult{
		Task:    spec.Task,
		Attempt: spec.Attempt,
		Outcome: protocol.OutcomeUserException,
		Error:   envelope,
	}
	if err := protocol.WriteResult(spec.ResultPath, result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to publish failure result: %v\n", err)
		return exitNoResult
	}
	return exitUserError
}
