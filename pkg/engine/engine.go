package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmill/flowmill/pkg/executor"
	"github.com/flowmill/flowmill/pkg/flow"
	"github.com/flowmill/flowmill/pkg/protocol"
	"github.com/flowmill/flowmill/pkg/stores"
	"github.com/flowmill/flowmill/pkg/telemetry"
)

// Options tune a single engine instance.
type Options struct {
	// MaxParallel bounds the number of concurrently running attempts.
	MaxParallel int

	// DefaultTimeout applies to steps without a timeout decorator. Zero
	// means no limit.
	DefaultTimeout time.Duration

	// BackoffBase and BackoffMax shape retry delays: base doubles per
	// attempt and is capped at max.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// LogDir is where attempt specs, results and captured output land.
	LogDir string
}

func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Minute
	}
	if o.LogDir == "" {
		o.LogDir = ".flowmill/logs"
	}
	return o
}

// Engine executes compiled flow graphs. One engine can drive many runs; each
// run gets its own scheduler.
type Engine struct {
	opts   Options
	runner executor.AttemptRunner
	store  stores.ArtifactStore
	meta   stores.MetadataProvider
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// New wires an engine from its collaborators. Run events are mirrored into
// the metadata store's append-only event log.
func New(opts Options, runner executor.AttemptRunner, store stores.ArtifactStore, meta stores.MetadataProvider, tel *telemetry.Telemetry) *Engine {
	e := &Engine{
		opts:   opts.withDefaults(),
		runner: runner,
		store:  store,
		meta:   meta,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("engine"),
	}
	tel.Events.Subscribe(e.persistEvent, nil)
	return e
}

// persistEvent appends one published run event to the metadata store.
func (e *Engine) persistEvent(event telemetry.Event) {
	if event.RunID == "" {
		return
	}
	record := &stores.EventRecord{
		RunID:     event.RunID,
		Level:     stores.EventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if event.TaskID != "" {
		taskID := event.TaskID
		record.TaskID = &taskID
	}
	if err := e.meta.AppendEvent(context.Background(), record); err != nil {
		e.logger.WithError(err).WithRunID(event.RunID).Warn("Failed to persist run event")
	}
}

// TaskSummary is the per-task view a RunResult exposes.
type TaskSummary struct {
	ID           string
	Step         string
	State        TaskState
	ForeachIndex int
}

// RunResult is the outcome of one run: its final status plus a handle to
// every task's artifacts.
type RunResult struct {
	RunID    string
	FlowName string
	Status   stores.RunStatus

	// Failure describes why the run failed, nil on success.
	Failure *FlowError

	// Tasks lists every task of the run, cloned tasks included.
	Tasks []TaskSummary

	store stores.ArtifactStore
	steps map[string]string
}

// Artifacts loads the stored artifact set of one of the run's tasks.
func (r *RunResult) Artifacts(ctx context.Context, taskID string) (map[string][]byte, error) {
	step, ok := r.steps[taskID]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("run has no task %q", taskID), nil).
			WithCode(ErrCodeValidation)
	}
	return r.store.Load(ctx, protocol.TaskRef{RunID: r.RunID, Step: step, TaskID: taskID})
}

// Run executes a flow graph from its start step. Params seed the start
// task's artifact state. The returned error is non-nil when the run failed;
// the RunResult is populated either way.
func (e *Engine) Run(ctx context.Context, graph *flow.Graph, params map[string]json.RawMessage) (*RunResult, error) {
	runID := uuid.New().String()
	s := newScheduler(graph, runID, e.opts, e.runner, e.store, e.meta, e.tel)

	if err := e.createRun(ctx, graph, runID, nil, nil); err != nil {
		return nil, err
	}
	e.tel.Metrics.RecordRunStarted(graph.FlowName, false)
	_ = e.tel.Events.PublishRunStarted(runID, graph.FlowName)

	s.seedStart(ctx, params)
	return e.execute(ctx, s)
}

// Resume executes a new run of the graph that inherits every task before
// startStep from the origin run and re-executes from startStep onward.
// Params only matter when resuming from the start step itself.
func (e *Engine) Resume(ctx context.Context, graph *flow.Graph, originRunID, startStep string, params map[string]json.RawMessage) (*RunResult, error) {
	origin, err := e.meta.GetRun(ctx, originRunID)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("origin run %q not found", originRunID), err).
			WithCode(ErrCodeRunNotFound)
	}
	if origin.FlowName != graph.FlowName {
		return nil, NewValidationError(
			fmt.Sprintf("origin run %q executed flow %q, not %q", originRunID, origin.FlowName, graph.FlowName), nil).
			WithCode(ErrCodeOriginIncompat)
	}

	originTasks, err := e.meta.ListTasksByRun(ctx, originRunID)
	if err != nil {
		return nil, NewTransientError("failed to list origin run tasks", err).WithCode(ErrCodeInternal)
	}

	runID := uuid.New().String()
	s := newScheduler(graph, runID, e.opts, e.runner, e.store, e.meta, e.tel)

	if err := e.createRun(ctx, graph, runID, &originRunID, &startStep); err != nil {
		return nil, err
	}
	e.tel.Metrics.RecordRunStarted(graph.FlowName, true)
	_ = e.tel.Events.PublishRunStarted(runID, graph.FlowName)

	if err := s.seedResume(ctx, originRunID, originTasks, startStep, params); err != nil {
		ferr := asFlowError(err)
		e.finishRun(ctx, s, stores.RunStatusFailed, ferr, time.Now().UTC())
		return e.result(s, stores.RunStatusFailed, ferr), ferr
	}
	return e.execute(ctx, s)
}

// createRun records the new run in the metadata store.
func (e *Engine) createRun(ctx context.Context, graph *flow.Graph, runID string, originRunID, startStep *string) error {
	record := &stores.RunRecord{
		ID:          runID,
		FlowName:    graph.FlowName,
		Status:      stores.RunStatusRunning,
		OriginRunID: originRunID,
		StartStep:   startStep,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.meta.CreateRun(ctx, record); err != nil {
		return NewTransientError("failed to create run record", err).WithCode(ErrCodeInternal)
	}
	return nil
}

// execute drives a seeded scheduler to completion and finalizes the run.
func (e *Engine) execute(ctx context.Context, s *scheduler) (*RunResult, error) {
	startedAt := time.Now().UTC()
	ctx, span := e.tel.Tracer.StartRunSpan(ctx, s.graph.FlowName, s.runID)
	defer span.End()

	s.loop(ctx)

	status := stores.RunStatusSuccessful
	failure := s.failure
	switch {
	case s.failed:
		status = stores.RunStatusFailed
	case !s.endSucceeded:
		// Every lineage stopped before the terminal step, which can
		// happen when a catch fallback has no onward transition.
		status = stores.RunStatusFailed
		failure = NewPermanentError("flow stalled before reaching the end step", nil).
			WithCode(ErrCodeInternal)
	}

	e.finishRun(ctx, s, status, failure, startedAt)
	if failure != nil {
		telemetry.RecordError(span, failure)
		return e.result(s, status, failure), failure
	}
	telemetry.RecordSuccess(span)
	return e.result(s, status, nil), nil
}

// finishRun persists the run's final status and publishes completion
// telemetry.
func (e *Engine) finishRun(ctx context.Context, s *scheduler, status stores.RunStatus, failure *FlowError, startedAt time.Time) {
	var errMsg *string
	if failure != nil {
		msg := failure.Error()
		errMsg = &msg
	}
	if err := e.meta.UpdateRunStatus(ctx, s.runID, status, errMsg); err != nil {
		e.logger.WithError(err).WithRunID(s.runID).Warn("Failed to update run status")
	}

	duration := time.Since(startedAt)
	e.tel.Metrics.RecordRunCompleted(s.graph.FlowName, string(status), duration)
	_ = e.tel.Events.PublishRunCompleted(s.runID, string(status), duration)
	e.logger.WithFlow(s.graph.FlowName).WithRunID(s.runID).
		WithField("status", string(status)).Infof("Run finished in %s", duration)
}

// result snapshots the scheduler's task table into a RunResult.
func (e *Engine) result(s *scheduler, status stores.RunStatus, failure *FlowError) *RunResult {
	r := &RunResult{
		RunID:    s.runID,
		FlowName: s.graph.FlowName,
		Status:   status,
		Failure:  failure,
		store:    e.store,
		steps:    make(map[string]string, len(s.tasks)),
	}
	for _, t := range s.tasks {
		r.Tasks = append(r.Tasks, TaskSummary{
			ID:           t.ID,
			Step:         t.Step,
			State:        t.State,
			ForeachIndex: t.ForeachIndex,
		})
		r.steps[t.ID] = t.Step
	}
	return r
}
