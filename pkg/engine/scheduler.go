package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/flowmill/flowmill/pkg/executor"
	"github.com/flowmill/flowmill/pkg/flow"
	"github.com/flowmill/flowmill/pkg/protocol"
	"github.com/flowmill/flowmill/pkg/stores"
	"github.com/flowmill/flowmill/pkg/telemetry"
)

// attemptDone is the completion record a worker goroutine posts back to the
// decision loop.
type attemptDone struct {
	taskID    string
	result    *protocol.TaskResult
	err       error
	startedAt time.Time
}

// scheduler drives one run. A single decision goroutine owns the ready
// queue, the task table, the join barriers, and the run state; worker
// goroutines only execute attempts and report back, so every graph-state
// mutation is sequential.
type scheduler struct {
	graph  *flow.Graph
	runID  string
	cfg    Options
	runner executor.AttemptRunner
	store  stores.ArtifactStore
	meta   stores.MetadataProvider
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	tasks    map[string]*Task
	ready    []*Task
	barriers map[string]*joinBarrier
	running  int
	waiting  int
	seq      int

	completions chan attemptDone
	retries     chan string

	failed       bool
	failure      *FlowError
	endSucceeded bool
}

func newScheduler(graph *flow.Graph, runID string, cfg Options, runner executor.AttemptRunner, store stores.ArtifactStore, meta stores.MetadataProvider, tel *telemetry.Telemetry) *scheduler {
	return &scheduler{
		graph:       graph,
		runID:       runID,
		cfg:         cfg,
		runner:      runner,
		store:       store,
		meta:        meta,
		tel:         tel,
		logger:      tel.Logger.NewComponentLogger("scheduler").WithFlow(graph.FlowName).WithRunID(runID),
		tasks:       make(map[string]*Task),
		barriers:    make(map[string]*joinBarrier),
		completions: make(chan attemptDone),
		retries:     make(chan string, 1024),
	}
}

func (s *scheduler) pipelineConfig() pipelineConfig {
	return pipelineConfig{backoffBase: s.cfg.BackoffBase, backoffMax: s.cfg.BackoffMax}
}

// newTask allocates a task, registers it in the table, and records it in the
// metadata store.
func (s *scheduler) newTask(ctx context.Context, step string, mutate func(*Task)) *Task {
	s.seq++
	t := &Task{
		ID:           fmt.Sprintf("%s-%d", step, s.seq),
		Step:         step,
		Node:         s.graph.Node(step),
		ForeachIndex: -1,
		State:        TaskPending,
	}
	if mutate != nil {
		mutate(t)
	}
	s.tasks[t.ID] = t

	if err := s.meta.RecordTask(ctx, &stores.TaskRecord{
		ID:           t.ID,
		RunID:        s.runID,
		Step:         t.Step,
		Status:       stores.TaskStatusPending,
		ForeachIndex: t.ForeachIndex,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		s.logger.WithError(err).WithTaskID(t.ID).Warn("Failed to record task metadata")
	}
	return t
}

// enqueue makes a pending task eligible for dispatch.
func (s *scheduler) enqueue(t *Task) {
	s.ready = append(s.ready, t)
}

// seedStart creates the run's first task from the flow parameters.
func (s *scheduler) seedStart(ctx context.Context, params map[string]json.RawMessage) {
	t := s.newTask(ctx, flow.StartStep, func(t *Task) {
		t.Params = params
	})
	s.enqueue(t)
}

// loop is the decision loop: dispatch ready tasks up to the parallelism
// bound, then react to whichever attempt completion or retry timer fires
// first. It returns when no progress remains.
func (s *scheduler) loop(ctx context.Context) {
	for {
		for !s.failed && len(s.ready) > 0 && s.running < s.cfg.MaxParallel {
			var t *Task
			t, s.ready = s.ready[0], s.ready[1:]
			s.dispatch(ctx, t)
		}
		s.tel.Metrics.SetReadyTasks(float64(len(s.ready)))
		s.tel.Metrics.SetRunningTasks(float64(s.running))

		// Even after a failure the loop stays alive until pending retry
		// timers fire, so no task is left waiting forever.
		if s.running == 0 && s.waiting == 0 && (s.failed || len(s.ready) == 0) {
			return
		}

		select {
		case done := <-s.completions:
			s.handleCompletion(ctx, done)

		case taskID := <-s.retries:
			s.waiting--
			t := s.tasks[taskID]
			if t == nil || t.State != TaskWaiting {
				continue
			}
			if s.failed {
				t.State = TaskFailed
				s.updateTaskStatus(ctx, t, stores.TaskStatusFailed, s.failure)
				s.endTaskSpan(t, s.failure)
				continue
			}
			t.State = TaskPending
			s.enqueue(t)

		case <-ctx.Done():
			s.failRun(NewTransientError("run canceled", ctx.Err()).WithCode(ErrCodeInternal))
		}
	}
}

// dispatch hands a task to a worker goroutine for one attempt.
func (s *scheduler) dispatch(ctx context.Context, t *Task) {
	t.State = TaskDispatched
	s.running++

	if t.span == nil {
		t.spanCtx, t.span = s.tel.Tracer.StartTaskSpan(ctx, t.Step, t.ID, t.ForeachIndex)
	}

	spec := s.buildSpec(t)
	timeout := attemptTimeout(t.Node, s.cfg.DefaultTimeout)
	startedAt := time.Now().UTC()

	s.updateTaskStatus(ctx, t, stores.TaskStatusRunning, nil)
	if err := s.meta.RecordAttempt(ctx, &stores.AttemptRecord{
		TaskID:     t.ID,
		RunID:      s.runID,
		Attempt:    t.Attempt,
		StdoutPath: spec.StdoutPath,
		StderrPath: spec.StderrPath,
		StartedAt:  startedAt,
	}); err != nil {
		s.logger.WithError(err).WithTaskID(t.ID).Warn("Failed to record attempt metadata")
	}
	s.tel.Metrics.RecordAttemptStarted(t.Step)
	_ = s.tel.Events.PublishTaskStarted(s.runID, t.Step, t.ID, t.Attempt)
	s.logger.WithStep(t.Step).WithTaskID(t.ID).WithAttempt(t.Attempt).Debug("Dispatching attempt")

	taskID, attempt, spanCtx := t.ID, t.Attempt, t.spanCtx
	go func() {
		attemptCtx, attemptSpan := s.tel.Tracer.StartAttemptSpan(spanCtx, taskID, attempt)
		result, err := s.runner.RunAttempt(attemptCtx, spec, timeout)
		if err != nil {
			telemetry.RecordError(attemptSpan, err)
		} else {
			attemptSpan.SetAttributes(telemetry.AttrOutcome.String(string(result.Outcome)))
			if result.Outcome == protocol.OutcomeSuccess {
				telemetry.RecordSuccess(attemptSpan)
			}
		}
		attemptSpan.End()
		s.completions <- attemptDone{taskID: taskID, result: result, err: err, startedAt: startedAt}
	}()
}

// buildSpec assembles the attempt spec the child process executes.
func (s *scheduler) buildSpec(t *Task) *protocol.AttemptSpec {
	attemptDir := filepath.Join(s.cfg.LogDir, s.runID, t.ID, fmt.Sprintf("attempt-%d", t.Attempt))

	spec := &protocol.AttemptSpec{
		FlowName:     s.graph.FlowName,
		Task:         t.Ref(s.runID),
		Attempt:      t.Attempt,
		Store:        s.store.Spec(),
		IsJoin:       t.IsJoin,
		Params:       t.Params,
		ForeachValue: t.ForeachValue,
		ForeachIndex: t.ForeachIndex,
		ResultPath:   filepath.Join(attemptDir, "result.json"),
		StdoutPath:   filepath.Join(attemptDir, "stdout.log"),
		StderrPath:   filepath.Join(attemptDir, "stderr.log"),
	}
	if t.IsJoin {
		spec.Inputs = t.Inputs
	} else if t.Input != nil {
		spec.Inputs = []protocol.InputRef{*t.Input}
	}
	return spec
}

// handleCompletion applies decorator policy to a finished attempt and
// advances the run.
func (s *scheduler) handleCompletion(ctx context.Context, done attemptDone) {
	s.running--
	t := s.tasks[done.taskID]
	logger := s.logger.WithStep(t.Step).WithTaskID(t.ID).WithAttempt(t.Attempt)

	if done.err != nil {
		logger.WithError(done.err).Error("Attempt runner failed")
		t.State = TaskFailed
		failure := NewTransientError("attempt runner failed", done.err).
			WithStep(t.Step).WithTask(t.ID).WithCode(ErrCodeInternal)
		s.updateTaskStatus(ctx, t, stores.TaskStatusFailed, failure)
		s.endTaskSpan(t, failure)
		s.failRun(failure)
		return
	}

	result := done.result
	if err := s.meta.FinishAttempt(ctx, s.runID, t.ID, t.Attempt, string(result.Outcome)); err != nil {
		logger.WithError(err).Warn("Failed to finish attempt metadata")
	}
	s.tel.Metrics.RecordAttemptOutcome(t.Step, string(result.Outcome))

	out := evaluateAttempt(t.Node, t.Attempt, result, s.pipelineConfig())
	switch out.decision {
	case decisionSucceeded:
		t.State = TaskSucceeded
		t.Result = result
		s.updateTaskStatus(ctx, t, stores.TaskStatusSucceeded, nil)
		s.endTaskSpan(t, nil)
		s.tel.Metrics.RecordTaskCompleted(t.Step, string(stores.TaskStatusSucceeded), time.Since(done.startedAt))
		_ = s.tel.Events.PublishTaskSucceeded(s.runID, t.Step, t.ID, time.Since(done.startedAt))
		s.propagate(ctx, t, result.Transition)

	case decisionCaught:
		s.absorbFailure(ctx, t, result, out.transition, done.startedAt)

	case decisionRetry:
		t.LastError = result.Error
		t.Attempt++
		t.State = TaskWaiting
		s.waiting++
		s.updateTaskStatus(ctx, t, stores.TaskStatusWaiting, nil)
		s.tel.Metrics.RecordRetry(t.Step)
		_ = s.tel.Events.PublishTaskRetrying(s.runID, t.Step, t.ID, t.Attempt, out.backoff)
		logger.Warnf("Attempt failed (%s), retrying in %s", result.Outcome, out.backoff)

		taskID := t.ID
		time.AfterFunc(out.backoff, func() { s.retries <- taskID })

	case decisionFailed:
		t.State = TaskFailed
		t.LastError = result.Error
		s.updateTaskStatus(ctx, t, stores.TaskStatusFailed, out.failure)
		s.endTaskSpan(t, out.failure)
		s.tel.Metrics.RecordTaskCompleted(t.Step, string(stores.TaskStatusFailed), time.Since(done.startedAt))
		_ = s.tel.Events.PublishTaskFailed(s.runID, t.Step, t.ID, out.failure.Error())
		s.failRun(out.failure.WithTask(t.ID))
	}
}

// absorbFailure implements the catch decorator's success path: the error
// envelope becomes the declared artifact and the fallback transition is
// taken as if the body had produced it. The caught task persists the state
// it started with, so the fallback path still sees every upstream artifact.
func (s *scheduler) absorbFailure(ctx context.Context, t *Task, result *protocol.TaskResult, transition *flow.Transition, startedAt time.Time) {
	envelope, err := json.Marshal(result.Error)
	if err != nil {
		s.failRun(NewTransientError("failed to encode caught error envelope", err).
			WithStep(t.Step).WithTask(t.ID).WithCode(ErrCodeInternal))
		return
	}

	state := make(map[string][]byte)
	if !t.IsJoin && t.Input != nil {
		inherited, err := s.store.Load(ctx, protocol.TaskRef{RunID: s.runID, Step: t.Input.Step, TaskID: t.Input.TaskID})
		if err != nil {
			s.failRun(NewTransientError("failed to load caught task's input artifacts", err).
				WithStep(t.Step).WithTask(t.ID).WithCode(ErrCodeInternal))
			return
		}
		for name, raw := range inherited {
			state[name] = raw
		}
	}
	for name, raw := range t.Params {
		state[name] = raw
	}
	state[t.Node.Catch.Var] = envelope

	if err := s.store.Save(ctx, t.Ref(s.runID), state); err != nil {
		s.failRun(NewTransientError("failed to save caught error artifact", err).
			WithStep(t.Step).WithTask(t.ID).WithCode(ErrCodeInternal))
		return
	}

	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	t.State = TaskSucceeded
	t.Result = &protocol.TaskResult{
		Task:       t.Ref(s.runID),
		Attempt:    t.Attempt,
		Outcome:    protocol.OutcomeSuccess,
		Transition: transition,
		Artifacts:  names,
	}
	s.updateTaskStatus(ctx, t, stores.TaskStatusSucceeded, nil)
	s.endTaskSpan(t, nil)
	s.tel.Metrics.RecordTaskCompleted(t.Step, string(stores.TaskStatusSucceeded), time.Since(startedAt))
	_ = s.tel.Events.PublishTaskCaught(s.runID, t.Step, t.ID, string(result.Error.Kind))
	s.logger.WithStep(t.Step).WithTaskID(t.ID).Warnf("Failure caught into artifact %q", t.Node.Catch.Var)

	s.propagate(ctx, t, transition)
}

// propagate extends the frontier from a succeeded task's transition. Once
// the run has failed, completions are still recorded but spawn no new
// lineage.
func (s *scheduler) propagate(ctx context.Context, t *Task, transition *flow.Transition) {
	if s.failed {
		return
	}

	if transition == nil {
		if t.Node.IsTerminal() {
			s.endSucceeded = true
		}
		return
	}

	switch transition.Kind {
	case flow.TransitionLinear, flow.TransitionSwitch:
		s.propagateLinear(ctx, t, transition.Targets[0])

	case flow.TransitionBranch:
		s.propagateBranch(ctx, t, transition.Targets)

	case flow.TransitionForeach:
		s.propagateForeach(ctx, t, transition)

	default:
		s.failRun(NewProtocolError(
			fmt.Sprintf("task produced unknown transition kind %q", transition.Kind), nil).
			WithStep(t.Step).WithTask(t.ID).WithCode(ErrCodeInternal))
	}
}

// propagateLinear advances to a single target: either a join arrival or a
// plain successor task.
func (s *scheduler) propagateLinear(ctx context.Context, t *Task, target string) {
	node := s.graph.Node(target)
	if node == nil {
		s.failRun(NewProtocolError(
			fmt.Sprintf("transition targets unknown step %q", target), nil).
			WithStep(t.Step).WithTask(t.ID).WithCode(ErrCodeTransitionTarget))
		return
	}

	scope := t.currentScope()
	if node.Kind == flow.KindJoin && scope != nil && scope.join == target {
		s.arriveAtJoin(ctx, t, target)
		return
	}

	input := protocol.InputRef{Step: t.Step, TaskID: t.ID, Index: -1}
	child := s.newTask(ctx, target, func(c *Task) {
		c.scopes = append([]scopeFrame(nil), t.scopes...)
		c.ForeachIndex = t.ForeachIndex
		if node.Kind == flow.KindJoin {
			// A join reached outside its fan-out (a catch fallback,
			// for instance) runs with a single input.
			c.IsJoin = true
			c.Inputs = []protocol.InputRef{{Step: t.Step, TaskID: t.ID, Index: 0}}
			return
		}
		c.Input = &input
	})
	s.enqueue(child)
}

// propagateBranch fans out one child per arm and registers the join barrier
// sized from the static target set.
func (s *scheduler) propagateBranch(ctx context.Context, t *Task, targets []string) {
	join := t.Node.MatchingJoin
	barrier := newJoinBarrier(join, t.ID, len(targets), false)
	s.barriers[barrierKey(join, t.ID)] = barrier

	for i, target := range targets {
		slot := i
		input := protocol.InputRef{Step: t.Step, TaskID: t.ID, Index: -1}
		child := s.newTask(ctx, target, func(c *Task) {
			c.Input = &input
			c.scopes = t.childScopes(scopeFrame{join: join, key: t.ID, slot: slot, index: -1})
			c.ForeachIndex = t.ForeachIndex
		})
		s.enqueue(child)
	}
}

// propagateForeach fans out the announced cardinality of indexed children.
// The barrier is sized from the announcement, not from the artifact, so a
// later mutation of the iteration artifact cannot skew the join.
func (s *scheduler) propagateForeach(ctx context.Context, t *Task, transition *flow.Transition) {
	join := t.Node.MatchingJoin
	body := transition.Targets[0]
	barrier := newJoinBarrier(join, t.ID, transition.Cardinality, true)
	s.barriers[barrierKey(join, t.ID)] = barrier

	if transition.Cardinality == 0 {
		// An empty fan-out releases the join immediately with no inputs.
		delete(s.barriers, barrierKey(join, t.ID))
		s.spawnJoin(ctx, barrier, append([]scopeFrame(nil), t.scopes...), t.ForeachIndex)
		return
	}

	items, err := s.loadForeachItems(ctx, t, transition)
	if err != nil {
		s.failRun(NewTransientError("failed to load foreach iteration artifact", err).
			WithStep(t.Step).WithTask(t.ID).WithCode(ErrCodeInternal))
		return
	}
	if len(items) != transition.Cardinality {
		s.failRun(NewProtocolError(
			fmt.Sprintf("foreach artifact %q has %d elements but the transition announced %d",
				transition.Var, len(items), transition.Cardinality), nil).
			WithStep(t.Step).WithTask(t.ID).WithCode(ErrCodeJoinInputMismatch).
			WithRemediation("do not change the iteration artifact after calling the foreach transition"))
		return
	}

	for i := range items {
		index := i
		input := protocol.InputRef{Step: t.Step, TaskID: t.ID, Index: -1}
		child := s.newTask(ctx, body, func(c *Task) {
			c.Input = &input
			c.ForeachValue = items[index]
			c.ForeachIndex = index
			c.scopes = t.childScopes(scopeFrame{join: join, key: t.ID, slot: -1, index: index})
		})
		s.enqueue(child)
	}
}

// loadForeachItems reads the split task's iteration artifact back from the
// store and decodes its elements.
func (s *scheduler) loadForeachItems(ctx context.Context, t *Task, transition *flow.Transition) ([]json.RawMessage, error) {
	artifacts, err := s.store.Load(ctx, t.Ref(s.runID))
	if err != nil {
		return nil, err
	}
	raw, ok := artifacts[transition.Var]
	if !ok {
		return nil, fmt.Errorf("artifact %q not found among the split task's artifacts", transition.Var)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("artifact %q is not a JSON array: %w", transition.Var, err)
	}
	return items, nil
}

// arriveAtJoin records one fan-out completion and releases the join once all
// expected predecessors have arrived.
func (s *scheduler) arriveAtJoin(ctx context.Context, t *Task, join string) {
	scope := t.currentScope()
	barrier := s.barriers[barrierKey(join, scope.key)]
	if barrier == nil {
		s.failRun(NewProtocolError(
			fmt.Sprintf("no barrier registered for join %q", join), nil).
			WithStep(t.Step).WithTask(t.ID).WithCode(ErrCodeJoinInputMismatch))
		return
	}

	index := t.arrivalIndex()
	if err := barrier.arrive(index, protocol.InputRef{Step: t.Step, TaskID: t.ID, Index: index}); err != nil {
		s.failRun(asFlowError(err).WithStep(t.Step).WithTask(t.ID))
		return
	}
	if !barrier.satisfied() {
		return
	}

	delete(s.barriers, barrierKey(join, scope.key))
	scopes := t.poppedScopes()
	s.spawnJoin(ctx, barrier, scopes, indexFromScopes(scopes))
}

// spawnJoin creates the join task with its ordered input set.
func (s *scheduler) spawnJoin(ctx context.Context, barrier *joinBarrier, scopes []scopeFrame, foreachIndex int) {
	inputs, err := barrier.orderedInputs()
	if err != nil {
		s.failRun(asFlowError(err).WithStep(barrier.join))
		return
	}

	join := s.newTask(ctx, barrier.join, func(c *Task) {
		c.IsJoin = true
		c.Inputs = inputs
		c.scopes = scopes
		c.ForeachIndex = foreachIndex
	})
	s.enqueue(join)
}

// indexFromScopes derives a task's foreach index from its innermost
// enclosing foreach frame, if any.
func indexFromScopes(scopes []scopeFrame) int {
	for i := len(scopes) - 1; i >= 0; i-- {
		if scopes[i].index >= 0 {
			return scopes[i].index
		}
	}
	return -1
}

// asFlowError normalizes an error into a FlowError without losing the
// original classification.
func asFlowError(err error) *FlowError {
	var ferr *FlowError
	if errors.As(err, &ferr) {
		return ferr
	}
	return NewTransientError(err.Error(), err).WithCode(ErrCodeInternal)
}

// failRun latches the run into the failed state. Already dispatched attempts
// drain; no new lineage starts.
func (s *scheduler) failRun(failure *FlowError) {
	if s.failed {
		return
	}
	s.failed = true
	s.failure = failure
	s.ready = nil
	s.logger.WithError(failure).Error("Run failed")
	_ = s.tel.Events.PublishRunFailed(s.runID, failure.Error())
}

// updateTaskStatus mirrors a task state change into the metadata store.
func (s *scheduler) updateTaskStatus(ctx context.Context, t *Task, status stores.TaskStatus, failure error) {
	var errMsg *string
	if failure != nil {
		msg := failure.Error()
		errMsg = &msg
	}
	if err := s.meta.UpdateTaskStatus(ctx, s.runID, t.ID, status, t.Attempt+1, errMsg); err != nil {
		s.logger.WithError(err).WithTaskID(t.ID).Warn("Failed to update task metadata")
	}
}

// endTaskSpan closes a task's span at its terminal state.
func (s *scheduler) endTaskSpan(t *Task, failure error) {
	if t.span == nil || t.spanEnded {
		return
	}
	if failure != nil {
		telemetry.RecordError(t.span, failure)
	} else {
		telemetry.RecordSuccess(t.span)
	}
	t.span.End()
	t.spanEnded = true
}
