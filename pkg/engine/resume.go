package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/flowmill/flowmill/pkg/flow"
	"github.com/flowmill/flowmill/pkg/protocol"
	"github.com/flowmill/flowmill/pkg/stores"
)

// seedResume prepares a resumed run: every origin task on a step before the
// start step is cloned into this run byte for byte, and the frontier is
// seeded at the start step with inputs bound to the clones. Step bodies
// before the start step are never re-invoked.
func (s *scheduler) seedResume(ctx context.Context, originRunID string, originTasks []*stores.TaskRecord, startStep string, params map[string]json.RawMessage) error {
	node := s.graph.Node(startStep)
	if node == nil {
		return NewValidationError(fmt.Sprintf("flow has no step %q", startStep), nil).
			WithCode(ErrCodeValidation)
	}
	if startStep == flow.StartStep {
		s.seedStart(ctx, params)
		return nil
	}
	if split := s.enclosingFanOut(startStep); split != "" {
		return NewValidationError(
			fmt.Sprintf("step %q is inside the fan-out of %q and cannot seed a resume", startStep, split), nil).
			WithCode(ErrCodeOriginIncompat).
			WithRemediation("resume from the split step or from its join instead")
	}

	prior := make(map[string]bool)
	for _, step := range s.graph.StepsBefore(startStep) {
		prior[step] = true
	}

	clones := make(map[string][]*Task)
	for _, origin := range originTasks {
		if !prior[origin.Step] {
			continue
		}
		if origin.Status != stores.TaskStatusSucceeded && origin.Status != stores.TaskStatusCloned {
			continue
		}
		clone, err := s.cloneTask(ctx, originRunID, origin)
		if err != nil {
			return err
		}
		clones[origin.Step] = append(clones[origin.Step], clone)
	}
	for _, tasks := range clones {
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].ForeachIndex < tasks[j].ForeachIndex })
	}

	if node.Kind == flow.KindJoin {
		return s.seedResumeJoin(ctx, node, clones)
	}
	return s.seedResumeLinear(ctx, node, clones)
}

// cloneTask copies one origin task's artifacts into this run and records the
// clone so downstream tasks can bind to it.
func (s *scheduler) cloneTask(ctx context.Context, originRunID string, origin *stores.TaskRecord) (*Task, error) {
	s.seq++
	t := &Task{
		ID:           fmt.Sprintf("%s-%d", origin.Step, s.seq),
		Step:         origin.Step,
		Node:         s.graph.Node(origin.Step),
		ForeachIndex: origin.ForeachIndex,
		State:        TaskSucceeded,
	}
	s.tasks[t.ID] = t

	from := protocol.TaskRef{RunID: originRunID, Step: origin.Step, TaskID: origin.ID}
	if err := s.store.CopyTask(ctx, from, t.Ref(s.runID)); err != nil {
		return nil, NewTransientError(
			fmt.Sprintf("failed to clone artifacts of origin task %s", origin.ID), err).
			WithStep(origin.Step).WithCode(ErrCodeInternal)
	}

	originID := origin.ID
	if err := s.meta.RecordTask(ctx, &stores.TaskRecord{
		ID:           t.ID,
		RunID:        s.runID,
		Step:         t.Step,
		Status:       stores.TaskStatusCloned,
		ForeachIndex: t.ForeachIndex,
		OriginTaskID: &originID,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		// A clone that is not on record would silently drop lineage from
		// the resumed run, so this is fatal.
		return nil, NewTransientError(
			fmt.Sprintf("failed to record cloned task %s", t.ID), err).
			WithStep(t.Step).WithCode(ErrCodeInternal)
	}
	_ = s.tel.Events.PublishTaskCloned(s.runID, t.Step, t.ID, origin.ID)
	return t, nil
}

// seedResumeLinear seeds a non-join start step from its single completed
// predecessor in the origin run.
func (s *scheduler) seedResumeLinear(ctx context.Context, node *flow.Node, clones map[string][]*Task) error {
	var preds []*Task
	for _, step := range node.Preds {
		preds = append(preds, clones[step]...)
	}
	if len(preds) != 1 {
		return NewValidationError(
			fmt.Sprintf("step %q needs exactly one completed predecessor task in the origin run, found %d",
				node.Name, len(preds)), nil).
			WithStep(node.Name).WithCode(ErrCodeOriginIncompat)
	}

	pred := preds[0]
	input := protocol.InputRef{Step: pred.Step, TaskID: pred.ID, Index: -1}
	t := s.newTask(ctx, node.Name, func(c *Task) {
		c.Input = &input
	})
	s.enqueue(t)
	return nil
}

// seedResumeJoin seeds a join start step by rebuilding its ordered input set
// from the origin run's fan-out.
func (s *scheduler) seedResumeJoin(ctx context.Context, node *flow.Node, clones map[string][]*Task) error {
	split := s.splitOf(node.Name)
	if split == nil {
		return NewValidationError(
			fmt.Sprintf("no split step closes at join %q", node.Name), nil).
			WithStep(node.Name).WithCode(ErrCodeOriginIncompat)
	}

	var inputs []protocol.InputRef
	switch split.Kind {
	case flow.KindBranch:
		for slot, arm := range split.Targets {
			pred, err := s.armPredecessor(node, arm)
			if err != nil {
				return err
			}
			armClones := clones[pred]
			if len(armClones) != 1 {
				return NewValidationError(
					fmt.Sprintf("branch arm %q needs exactly one completed task in the origin run, found %d",
						pred, len(armClones)), nil).
					WithStep(node.Name).WithCode(ErrCodeOriginIncompat)
			}
			inputs = append(inputs, protocol.InputRef{
				Step: armClones[0].Step, TaskID: armClones[0].ID, Index: slot,
			})
		}

	case flow.KindForeach:
		pred, err := s.armPredecessor(node, split.Targets[0])
		if err != nil {
			return err
		}
		for i, clone := range clones[pred] {
			if clone.ForeachIndex != i {
				return NewValidationError(
					fmt.Sprintf("origin run's tasks at %q do not form a contiguous index range", pred), nil).
					WithStep(node.Name).WithCode(ErrCodeOriginIncompat)
			}
			inputs = append(inputs, protocol.InputRef{Step: clone.Step, TaskID: clone.ID, Index: i})
		}

	default:
		return NewValidationError(
			fmt.Sprintf("step %q closing %q is not a fan-out", split.Name, node.Name), nil).
			WithStep(node.Name).WithCode(ErrCodeOriginIncompat)
	}

	t := s.newTask(ctx, node.Name, func(c *Task) {
		c.IsJoin = true
		c.Inputs = inputs
	})
	s.enqueue(t)
	return nil
}

// armPredecessor walks one fan-out arm from its entry step to the step that
// feeds the join. Arms are linear chains between split and join.
func (s *scheduler) armPredecessor(join *flow.Node, arm string) (string, error) {
	preds := make(map[string]bool, len(join.Preds))
	for _, p := range join.Preds {
		preds[p] = true
	}

	cur := arm
	for !preds[cur] {
		node := s.graph.Node(cur)
		if node == nil || len(node.Targets) != 1 {
			return "", NewValidationError(
				fmt.Sprintf("cannot trace the fan-out arm starting at %q to join %q", arm, join.Name), nil).
				WithStep(join.Name).WithCode(ErrCodeOriginIncompat).
				WithRemediation("resume from a step outside this fan-out")
		}
		cur = node.Targets[0]
	}
	return cur, nil
}

// splitOf returns the branch or foreach node whose fan-out closes at the
// given join.
func (s *scheduler) splitOf(join string) *flow.Node {
	for _, node := range s.graph.Nodes() {
		if node.MatchingJoin == join {
			return node
		}
	}
	return nil
}

// enclosingFanOut returns the name of a split whose fan-out strictly
// contains the step, or "" when the step sits at the top level.
func (s *scheduler) enclosingFanOut(step string) string {
	for _, node := range s.graph.Nodes() {
		if node.MatchingJoin == "" {
			continue
		}
		for _, inner := range s.fanOutSteps(node) {
			if inner == step {
				return node.Name
			}
		}
	}
	return ""
}

// fanOutSteps collects the steps strictly inside a split's fan-out,
// excluding the split and its join.
func (s *scheduler) fanOutSteps(split *flow.Node) []string {
	var out []string
	visited := map[string]bool{split.MatchingJoin: true}
	queue := append([]string(nil), split.Targets...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true
		out = append(out, name)
		node := s.graph.Node(name)
		if node == nil {
			continue
		}
		queue = append(queue, node.Targets...)
	}
	return out
}
