package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/flowmill/flowmill/pkg/flow"
	"github.com/flowmill/flowmill/pkg/protocol"
	"github.com/flowmill/flowmill/pkg/stores"
	"github.com/flowmill/flowmill/pkg/telemetry"
)

// Sentinel errors the fake runner maps to the non-user outcomes a real child
// process would produce.
var (
	errCrash   = errors.New("simulated process crash")
	errTimeout = errors.New("simulated deadline kill")
)

// fakeRunner executes attempts in-process against the real artifact store,
// so scheduler tests exercise the full artifact plumbing without forking.
type fakeRunner struct {
	graph *flow.Graph
	store stores.ArtifactStore

	mu       sync.Mutex
	attempts map[string]int
}

func newFakeRunner(graph *flow.Graph, store stores.ArtifactStore) *fakeRunner {
	return &fakeRunner{graph: graph, store: store, attempts: map[string]int{}}
}

// stepAttempts returns how many attempts ran for a step.
func (r *fakeRunner) stepAttempts(step string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[step]
}

func (r *fakeRunner) RunAttempt(ctx context.Context, spec *protocol.AttemptSpec, timeout time.Duration) (*protocol.TaskResult, error) {
	r.mu.Lock()
	r.attempts[spec.Task.Step]++
	r.mu.Unlock()

	node := r.graph.Node(spec.Task.Step)
	cspec := flow.ContextSpec{
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
		for _, in := range spec.Inputs {
			artifacts, err := r.store.Load(ctx, protocol.TaskRef{RunID: spec.Task.RunID, Step: in.Step, TaskID: in.TaskID})
			if err != nil {
				return nil, err
			}
			cspec.Inputs = append(cspec.Inputs, flow.NewJoinInput(in.Step, in.TaskID, in.Index, artifacts))
		}
	} else {
		state := map[string][]byte{}
		if len(spec.Inputs) > 0 {
			artifacts, err := r.store.Load(ctx, protocol.TaskRef{RunID: spec.Task.RunID, Step: spec.Inputs[0].Step, TaskID: spec.Inputs[0].TaskID})
			if err != nil {
				return nil, err
			}
			for name, value := range artifacts {
				state[name] = value
			}
		}
		for name, value := range spec.Params {
			state[name] = value
		}
		cspec.Artifacts = state
	}

	sc := flow.NewStepContext(cspec)
	err := node.Body(sc)

	failed := func(outcome protocol.Outcome, kind protocol.ErrorKind, message string) *protocol.TaskResult {
		return &protocol.TaskResult{
			Task:    spec.Task,
			Attempt: spec.Attempt,
			Outcome: outcome,
			Error:   &protocol.ErrorEnvelope{Kind: kind, Message: message},
		}
	}

	switch {
	case errors.Is(err, errCrash):
		return failed(protocol.OutcomeCrashed, protocol.KindCrashed, "attempt process died abnormally"), nil
	case errors.Is(err, errTimeout):
		return failed(protocol.OutcomeTimedOut, protocol.KindTimedOut, "attempt exceeded its deadline"), nil
	case err != nil:
		var terr *flow.TransitionError
		if errors.As(err, &terr) {
			return failed(protocol.OutcomeUserException, protocol.KindTransitionProtocol, terr.Error()), nil
		}
		return failed(protocol.OutcomeUserException, protocol.KindUserException, err.Error()), nil
	case sc.ProtocolErr() != nil:
		return failed(protocol.OutcomeUserException, protocol.KindTransitionProtocol, sc.ProtocolErr().Error()), nil
	case sc.Transition() == nil && !node.IsTerminal():
		return failed(protocol.OutcomeUserException, protocol.KindTransitionProtocol,
			fmt.Sprintf("step %q finished without resolving a transition", node.Name)), nil
	}

	state := sc.State()
	if err := r.store.Save(ctx, spec.Task, state); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	return &protocol.TaskResult{
		Task:       spec.Task,
		Attempt:    spec.Attempt,
		Outcome:    protocol.OutcomeSuccess,
		Transition: sc.Transition(),
		Artifacts:  names,
	}, nil
}

type harness struct {
	engine *Engine
	runner *fakeRunner
	store  stores.ArtifactStore
	meta   stores.MetadataProvider
}

func newHarness(t *testing.T, graph *flow.Graph) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := stores.NewLocalArtifactStore(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("Failed to create artifact store: %v", err)
	}
	meta, err := stores.NewSQLiteStore(context.Background(), stores.SQLiteConfig{
		Path: filepath.Join(dir, "metadata.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create metadata store: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	runner := newFakeRunner(graph, store)
	engine := New(Options{
		MaxParallel: 4,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		LogDir:      filepath.Join(dir, "logs"),
	}, runner, store, meta, tel)

	return &harness{engine: engine, runner: runner, store: store, meta: meta}
}

// mustCompile builds a graph or fails the test.
func mustCompile(t *testing.T, f *flow.Flow) *flow.Graph {
	t.Helper()
	graph, err := f.Compile()
	if err != nil {
		t.Fatalf("Failed to compile flow: %v", err)
	}
	return graph
}

// taskAt finds the first task of a step in a run result.
func taskAt(t *testing.T, result *RunResult, step string) TaskSummary {
	t.Helper()
	for _, task := range result.Tasks {
		if task.Step == step {
			return task
		}
	}
	t.Fatalf("Expected run to have a task at step %q", step)
	return TaskSummary{}
}

func TestRunLinearFlow(t *testing.T) {
	graph := mustCompile(t, flow.New("linear").
		Step("start", func(ctx *flow.StepContext) error {
			if err := ctx.Set("count", 1); err != nil {
				return err
			}
			return ctx.Next("work")
		}, flow.To("work")).
		Step("work", func(ctx *flow.StepContext) error {
			var count int
			if err := ctx.Get("count", &count); err != nil {
				return err
			}
			if err := ctx.Set("count", count+1); err != nil {
				return err
			}
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error {
			return nil
		}))

	h := newHarness(t, graph)
	result, err := h.engine.Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatalf("Expected run to succeed, got %v", err)
	}
	if result.Status != stores.RunStatusSuccessful {
		t.Errorf("Expected status successful, got %s", result.Status)
	}

	work := taskAt(t, result, "work")
	artifacts, err := result.Artifacts(context.Background(), work.ID)
	if err != nil {
		t.Fatalf("Failed to load work artifacts: %v", err)
	}
	var count int
	if err := json.Unmarshal(artifacts["count"], &count); err != nil {
		t.Fatalf("Failed to decode count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected count 2, got %d", count)
	}
}

func TestRunParamsSeedStartTask(t *testing.T) {
	graph := mustCompile(t, flow.New("params").
		Step("start", func(ctx *flow.StepContext) error {
			var name string
			if err := ctx.Get("name", &name); err != nil {
				return err
			}
			if err := ctx.Set("greeting", "hello "+name); err != nil {
				return err
			}
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	params := map[string]json.RawMessage{"name": json.RawMessage(`"world"`)}
	result, err := h.engine.Run(context.Background(), graph, params)
	if err != nil {
		t.Fatalf("Expected run to succeed, got %v", err)
	}

	start := taskAt(t, result, "start")
	artifacts, err := result.Artifacts(context.Background(), start.ID)
	if err != nil {
		t.Fatalf("Failed to load start artifacts: %v", err)
	}
	var greeting string
	if err := json.Unmarshal(artifacts["greeting"], &greeting); err != nil {
		t.Fatalf("Failed to decode greeting: %v", err)
	}
	if greeting != "hello world" {
		t.Errorf("Expected greeting %q, got %q", "hello world", greeting)
	}
}

func TestRunRetrySucceedsAfterFailures(t *testing.T) {
	var calls int
	var mu sync.Mutex

	graph := mustCompile(t, flow.New("retry").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("flaky")
		}, flow.To("flaky")).
		Step("flaky", func(ctx *flow.StepContext) error {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				return fmt.Errorf("transient failure %d", n)
			}
			return ctx.Next("end")
		}, flow.To("end"), flow.WithRetry(3, time.Millisecond)).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	result, err := h.engine.Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatalf("Expected run to succeed after retries, got %v", err)
	}
	if result.Status != stores.RunStatusSuccessful {
		t.Errorf("Expected status successful, got %s", result.Status)
	}
	if got := h.runner.stepAttempts("flaky"); got != 3 {
		t.Errorf("Expected 3 attempts at flaky, got %d", got)
	}
}

func TestRunRetryExhausted(t *testing.T) {
	graph := mustCompile(t, flow.New("exhausted").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("doomed")
		}, flow.To("doomed")).
		Step("doomed", func(ctx *flow.StepContext) error {
			return errors.New("always fails")
		}, flow.To("end"), flow.WithRetry(2, time.Millisecond)).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	result, err := h.engine.Run(context.Background(), graph, nil)
	if err == nil {
		t.Fatal("Expected run to fail")
	}
	if result.Status != stores.RunStatusFailed {
		t.Errorf("Expected status failed, got %s", result.Status)
	}

	var ferr *FlowError
	if !errors.As(err, &ferr) {
		t.Fatalf("Expected a FlowError, got %T", err)
	}
	if ferr.Code != ErrCodeRetryExhausted {
		t.Errorf("Expected code %s, got %s", ErrCodeRetryExhausted, ferr.Code)
	}
	if got := h.runner.stepAttempts("doomed"); got != 3 {
		t.Errorf("Expected 3 attempts at doomed, got %d", got)
	}
	if got := h.runner.stepAttempts("end"); got != 0 {
		t.Errorf("Expected end to never run, got %d attempts", got)
	}
}

func TestRunCatchAbsorbsFailure(t *testing.T) {
	graph := mustCompile(t, flow.New("catch").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("risky")
		}, flow.To("risky")).
		Step("risky", func(ctx *flow.StepContext) error {
			return errors.New("boom")
		}, flow.To("end"), flow.WithCatch("failure")).
		Step("end", func(ctx *flow.StepContext) error {
			var envelope protocol.ErrorEnvelope
			if err := ctx.Get("failure", &envelope); err != nil {
				return err
			}
			return ctx.Set("seen_kind", string(envelope.Kind))
		}))

	h := newHarness(t, graph)
	result, err := h.engine.Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatalf("Expected run to succeed with catch, got %v", err)
	}
	if got := h.runner.stepAttempts("risky"); got != 1 {
		t.Errorf("Expected caught failure to not retry, got %d attempts", got)
	}

	end := taskAt(t, result, "end")
	artifacts, err := result.Artifacts(context.Background(), end.ID)
	if err != nil {
		t.Fatalf("Failed to load end artifacts: %v", err)
	}
	var kind string
	if err := json.Unmarshal(artifacts["seen_kind"], &kind); err != nil {
		t.Fatalf("Failed to decode seen_kind: %v", err)
	}
	if kind != string(protocol.KindUserException) {
		t.Errorf("Expected envelope kind %s, got %s", protocol.KindUserException, kind)
	}
}

func TestRunCatchPreservesInheritedState(t *testing.T) {
	graph := mustCompile(t, flow.New("catch-state").
		Step("start", func(ctx *flow.StepContext) error {
			if err := ctx.Set("config", "tuned"); err != nil {
				return err
			}
			return ctx.Next("risky")
		}, flow.To("risky")).
		Step("risky", func(ctx *flow.StepContext) error {
			return errors.New("boom")
		}, flow.To("fallback"), flow.WithCatch("failure")).
		Step("fallback", func(ctx *flow.StepContext) error {
			// Upstream state must survive the caught failure.
			var config string
			if err := ctx.Get("config", &config); err != nil {
				return err
			}
			var envelope protocol.ErrorEnvelope
			if err := ctx.Get("failure", &envelope); err != nil {
				return err
			}
			if err := ctx.Set("recovered_with", config); err != nil {
				return err
			}
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	result, err := h.engine.Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatalf("Expected run to succeed with catch, got %v", err)
	}

	fallback := taskAt(t, result, "fallback")
	artifacts, err := result.Artifacts(context.Background(), fallback.ID)
	if err != nil {
		t.Fatalf("Failed to load fallback artifacts: %v", err)
	}
	var recoveredWith string
	if err := json.Unmarshal(artifacts["recovered_with"], &recoveredWith); err != nil {
		t.Fatalf("Failed to decode recovered_with: %v", err)
	}
	if recoveredWith != "tuned" {
		t.Errorf("Expected the fallback to read the inherited config, got %q", recoveredWith)
	}
	if _, ok := artifacts["config"]; !ok {
		t.Error("Expected the inherited config to persist past the fallback step")
	}
}

func TestRunCatchAbsorbsTimeout(t *testing.T) {
	graph := mustCompile(t, flow.New("catch-timeout").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("slow")
		}, flow.To("slow")).
		Step("slow", func(ctx *flow.StepContext) error {
			return errTimeout
		}, flow.To("end"), flow.WithCatch("failure"), flow.WithTimeout(time.Millisecond)).
		Step("end", func(ctx *flow.StepContext) error {
			var envelope protocol.ErrorEnvelope
			return ctx.Get("failure", &envelope)
		}))

	h := newHarness(t, graph)
	if _, err := h.engine.Run(context.Background(), graph, nil); err != nil {
		t.Fatalf("Expected a caught timeout to succeed, got %v", err)
	}
}

func TestRunCatchDoesNotAbsorbCrash(t *testing.T) {
	graph := mustCompile(t, flow.New("catch-crash").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("fragile")
		}, flow.To("fragile")).
		Step("fragile", func(ctx *flow.StepContext) error {
			return errCrash
		}, flow.To("end"), flow.WithCatch("failure")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	result, err := h.engine.Run(context.Background(), graph, nil)
	if err == nil {
		t.Fatal("Expected a crash to fail the run despite catch")
	}
	if result.Status != stores.RunStatusFailed {
		t.Errorf("Expected status failed, got %s", result.Status)
	}
	if !IsTransient(err) {
		t.Errorf("Expected a transient classification for a crash, got %v", err)
	}
}

func TestRunTransitionViolationNeverRetried(t *testing.T) {
	graph := mustCompile(t, flow.New("protocol").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("stray")
		}, flow.To("stray")).
		Step("stray", func(ctx *flow.StepContext) error {
			return ctx.Next("nowhere")
		}, flow.To("end"), flow.WithRetry(3, time.Millisecond)).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	_, err := h.engine.Run(context.Background(), graph, nil)
	if err == nil {
		t.Fatal("Expected run to fail on a transition violation")
	}
	if !IsProtocol(err) {
		t.Errorf("Expected a protocol classification, got %v", err)
	}
	if got := h.runner.stepAttempts("stray"); got != 1 {
		t.Errorf("Expected a transition violation to never retry, got %d attempts", got)
	}
}

func TestRunBranchJoin(t *testing.T) {
	graph := mustCompile(t, flow.New("branch").
		Step("start", func(ctx *flow.StepContext) error {
			if err := ctx.Set("common", "shared"); err != nil {
				return err
			}
			return ctx.Next("a", "b")
		}, flow.ToBranch("a", "b")).
		Step("a", func(ctx *flow.StepContext) error {
			if err := ctx.Set("alpha", 1); err != nil {
				return err
			}
			return ctx.Next("merge")
		}, flow.To("merge")).
		Step("b", func(ctx *flow.StepContext) error {
			if err := ctx.Set("beta", 2); err != nil {
				return err
			}
			return ctx.Next("merge")
		}, flow.To("merge")).
		Join("merge", func(ctx *flow.StepContext) error {
			inputs := ctx.Inputs()
			if len(inputs) != 2 {
				return fmt.Errorf("expected 2 inputs, got %d", len(inputs))
			}
			if inputs[0].Step != "a" || inputs[1].Step != "b" {
				return fmt.Errorf("inputs out of declaration order: %s, %s", inputs[0].Step, inputs[1].Step)
			}
			if err := ctx.MergeArtifacts(inputs); err != nil {
				return err
			}
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	result, err := h.engine.Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatalf("Expected run to succeed, got %v", err)
	}

	merge := taskAt(t, result, "merge")
	artifacts, err := result.Artifacts(context.Background(), merge.ID)
	if err != nil {
		t.Fatalf("Failed to load merge artifacts: %v", err)
	}
	for _, name := range []string{"alpha", "beta", "common"} {
		if _, ok := artifacts[name]; !ok {
			t.Errorf("Expected merged artifact %q", name)
		}
	}
}

func TestRunMergeConflictFailsJoin(t *testing.T) {
	graph := mustCompile(t, flow.New("conflict").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("a", "b")
		}, flow.ToBranch("a", "b")).
		Step("a", func(ctx *flow.StepContext) error {
			if err := ctx.Set("value", 1); err != nil {
				return err
			}
			return ctx.Next("merge")
		}, flow.To("merge")).
		Step("b", func(ctx *flow.StepContext) error {
			if err := ctx.Set("value", 2); err != nil {
				return err
			}
			return ctx.Next("merge")
		}, flow.To("merge")).
		Join("merge", func(ctx *flow.StepContext) error {
			if err := ctx.MergeArtifacts(ctx.Inputs()); err != nil {
				return err
			}
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	_, err := h.engine.Run(context.Background(), graph, nil)
	if err == nil {
		t.Fatal("Expected a merge conflict to fail the run")
	}
}

func TestRunForeachJoin(t *testing.T) {
	graph := mustCompile(t, flow.New("foreach").
		Step("start", func(ctx *flow.StepContext) error {
			if err := ctx.Set("items", []int{10, 20, 30}); err != nil {
				return err
			}
			return ctx.NextForeach()
		}, flow.ToForeach("process", "items")).
		Step("process", func(ctx *flow.StepContext) error {
			var item int
			if err := ctx.Input(&item); err != nil {
				return err
			}
			if err := ctx.Set("doubled", item*2); err != nil {
				return err
			}
			return ctx.Next("gather")
		}, flow.To("gather")).
		Join("gather", func(ctx *flow.StepContext) error {
			total := 0
			for i, input := range ctx.Inputs() {
				if input.Index != i {
					return fmt.Errorf("expected input index %d, got %d", i, input.Index)
				}
				var doubled int
				if err := input.Get("doubled", &doubled); err != nil {
					return err
				}
				total += doubled
			}
			if err := ctx.Set("total", total); err != nil {
				return err
			}
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	result, err := h.engine.Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatalf("Expected run to succeed, got %v", err)
	}
	if got := h.runner.stepAttempts("process"); got != 3 {
		t.Errorf("Expected 3 indexed process tasks, got %d", got)
	}

	gather := taskAt(t, result, "gather")
	artifacts, err := result.Artifacts(context.Background(), gather.ID)
	if err != nil {
		t.Fatalf("Failed to load gather artifacts: %v", err)
	}
	var total int
	if err := json.Unmarshal(artifacts["total"], &total); err != nil {
		t.Fatalf("Failed to decode total: %v", err)
	}
	if total != 120 {
		t.Errorf("Expected total 120, got %d", total)
	}
}

func TestRunForeachEmptyReleasesJoin(t *testing.T) {
	graph := mustCompile(t, flow.New("foreach-empty").
		Step("start", func(ctx *flow.StepContext) error {
			if err := ctx.Set("items", []int{}); err != nil {
				return err
			}
			return ctx.NextForeach()
		}, flow.ToForeach("process", "items")).
		Step("process", func(ctx *flow.StepContext) error {
			return ctx.Next("gather")
		}, flow.To("gather")).
		Join("gather", func(ctx *flow.StepContext) error {
			if n := len(ctx.Inputs()); n != 0 {
				return fmt.Errorf("expected no inputs, got %d", n)
			}
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	if _, err := h.engine.Run(context.Background(), graph, nil); err != nil {
		t.Fatalf("Expected run to succeed, got %v", err)
	}
	if got := h.runner.stepAttempts("process"); got != 0 {
		t.Errorf("Expected no process tasks for an empty fan-out, got %d", got)
	}
}

func TestRunForeachCardinalityMismatch(t *testing.T) {
	graph := mustCompile(t, flow.New("foreach-mismatch").
		Step("start", func(ctx *flow.StepContext) error {
			if err := ctx.Set("items", []int{1, 2, 3}); err != nil {
				return err
			}
			if err := ctx.NextForeach(); err != nil {
				return err
			}
			// Shrink the iteration artifact after announcing the
			// cardinality.
			ctx.SetRaw("items", []byte(`[1]`))
			return nil
		}, flow.ToForeach("process", "items")).
		Step("process", func(ctx *flow.StepContext) error {
			return ctx.Next("gather")
		}, flow.To("gather")).
		Join("gather", func(ctx *flow.StepContext) error {
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	_, err := h.engine.Run(context.Background(), graph, nil)
	if err == nil {
		t.Fatal("Expected a cardinality mismatch to fail the run")
	}
	var ferr *FlowError
	if !errors.As(err, &ferr) {
		t.Fatalf("Expected a FlowError, got %T", err)
	}
	if ferr.Code != ErrCodeJoinInputMismatch {
		t.Errorf("Expected code %s, got %s", ErrCodeJoinInputMismatch, ferr.Code)
	}
}

func TestRunSwitchSelectsOneArm(t *testing.T) {
	graph := mustCompile(t, flow.New("switch").
		Step("start", func(ctx *flow.StepContext) error {
			if err := ctx.Set("size", 100); err != nil {
				return err
			}
			return ctx.NextSwitch("large")
		}, flow.ToSwitch(map[string]string{"small": "small", "large": "large"})).
		Step("small", func(ctx *flow.StepContext) error {
			return ctx.Next("end")
		}, flow.To("end")).
		Step("large", func(ctx *flow.StepContext) error {
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	if _, err := h.engine.Run(context.Background(), graph, nil); err != nil {
		t.Fatalf("Expected run to succeed, got %v", err)
	}
	if got := h.runner.stepAttempts("large"); got != 1 {
		t.Errorf("Expected the selected arm to run once, got %d", got)
	}
	if got := h.runner.stepAttempts("small"); got != 0 {
		t.Errorf("Expected the unselected arm to never run, got %d", got)
	}
}

func TestRunCrashedSiblingFinishes(t *testing.T) {
	release := make(chan struct{})

	graph := mustCompile(t, flow.New("isolation").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("steady", "fragile")
		}, flow.ToBranch("steady", "fragile")).
		Step("steady", func(ctx *flow.StepContext) error {
			<-release
			if err := ctx.Set("done", true); err != nil {
				return err
			}
			return ctx.Next("merge")
		}, flow.To("merge")).
		Step("fragile", func(ctx *flow.StepContext) error {
			close(release)
			return errCrash
		}, flow.To("merge")).
		Join("merge", func(ctx *flow.StepContext) error {
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	result, err := h.engine.Run(context.Background(), graph, nil)
	if err == nil {
		t.Fatal("Expected run to fail")
	}
	if result.Status != stores.RunStatusFailed {
		t.Errorf("Expected status failed, got %s", result.Status)
	}

	// The crash is task scoped: the already dispatched sibling drains to
	// completion and its artifacts are durable.
	steady := taskAt(t, result, "steady")
	if steady.State != TaskSucceeded {
		t.Errorf("Expected steady to finish despite the sibling crash, got state %s", steady.State)
	}
	if got := h.runner.stepAttempts("merge"); got != 0 {
		t.Errorf("Expected no new lineage after the run failed, got %d merge attempts", got)
	}
}

func TestResumeClonesPriorSteps(t *testing.T) {
	graph := mustCompile(t, flow.New("pipeline").
		Step("start", func(ctx *flow.StepContext) error {
			if err := ctx.Set("raw", []int{1, 2, 3}); err != nil {
				return err
			}
			return ctx.Next("prep")
		}, flow.To("prep")).
		Step("prep", func(ctx *flow.StepContext) error {
			if err := ctx.Set("features", "prepared"); err != nil {
				return err
			}
			return ctx.Next("train")
		}, flow.To("train")).
		Step("train", func(ctx *flow.StepContext) error {
			var features string
			if err := ctx.Get("features", &features); err != nil {
				return err
			}
			if err := ctx.Set("model", "trained from "+features); err != nil {
				return err
			}
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	origin, err := h.engine.Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatalf("Expected origin run to succeed, got %v", err)
	}
	prepAttempts := h.runner.stepAttempts("prep")

	resumed, err := h.engine.Resume(context.Background(), graph, origin.RunID, "train", nil)
	if err != nil {
		t.Fatalf("Expected resumed run to succeed, got %v", err)
	}
	if resumed.Status != stores.RunStatusSuccessful {
		t.Errorf("Expected status successful, got %s", resumed.Status)
	}

	// Pre-train bodies must not run again.
	if got := h.runner.stepAttempts("prep"); got != prepAttempts {
		t.Errorf("Expected prep to not re-run on resume, attempts went %d -> %d", prepAttempts, got)
	}
	if got := h.runner.stepAttempts("train"); got != 2 {
		t.Errorf("Expected train to run in both runs, got %d attempts", got)
	}

	// Cloned artifacts are byte identical to the origin's.
	originPrep := taskAt(t, origin, "prep")
	clonedPrep := taskAt(t, resumed, "prep")
	originArtifacts, err := origin.Artifacts(context.Background(), originPrep.ID)
	if err != nil {
		t.Fatalf("Failed to load origin prep artifacts: %v", err)
	}
	clonedArtifacts, err := resumed.Artifacts(context.Background(), clonedPrep.ID)
	if err != nil {
		t.Fatalf("Failed to load cloned prep artifacts: %v", err)
	}
	if len(originArtifacts) != len(clonedArtifacts) {
		t.Fatalf("Expected %d cloned artifacts, got %d", len(originArtifacts), len(clonedArtifacts))
	}
	for name, value := range originArtifacts {
		if !bytes.Equal(value, clonedArtifacts[name]) {
			t.Errorf("Expected artifact %q to be byte identical after cloning", name)
		}
	}

	// The metadata store records the lineage.
	tasks, err := h.meta.ListTasksByRun(context.Background(), resumed.RunID)
	if err != nil {
		t.Fatalf("Failed to list resumed run tasks: %v", err)
	}
	found := false
	for _, task := range tasks {
		if task.Step != "prep" {
			continue
		}
		found = true
		if task.Status != stores.TaskStatusCloned {
			t.Errorf("Expected cloned status for prep, got %s", task.Status)
		}
		if task.OriginTaskID == nil || *task.OriginTaskID != originPrep.ID {
			t.Errorf("Expected origin task ID %s on the clone", originPrep.ID)
		}
	}
	if !found {
		t.Error("Expected the resumed run to record a prep task")
	}
}

func TestResumeUnknownOriginRun(t *testing.T) {
	graph := mustCompile(t, flow.New("missing").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	_, err := h.engine.Resume(context.Background(), graph, "no-such-run", "end", nil)
	if err == nil {
		t.Fatal("Expected resume of an unknown run to fail")
	}
	var ferr *FlowError
	if !errors.As(err, &ferr) {
		t.Fatalf("Expected a FlowError, got %T", err)
	}
	if ferr.Code != ErrCodeRunNotFound {
		t.Errorf("Expected code %s, got %s", ErrCodeRunNotFound, ferr.Code)
	}
}

func TestResumeRejectsStepInsideFanOut(t *testing.T) {
	graph := mustCompile(t, flow.New("fanout").
		Step("start", func(ctx *flow.StepContext) error {
			if err := ctx.Set("items", []int{1, 2}); err != nil {
				return err
			}
			return ctx.NextForeach()
		}, flow.ToForeach("process", "items")).
		Step("process", func(ctx *flow.StepContext) error {
			return ctx.Next("gather")
		}, flow.To("gather")).
		Join("gather", func(ctx *flow.StepContext) error {
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	origin, err := h.engine.Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatalf("Expected origin run to succeed, got %v", err)
	}

	_, err = h.engine.Resume(context.Background(), graph, origin.RunID, "process", nil)
	if err == nil {
		t.Fatal("Expected resume from inside a fan-out to be rejected")
	}
	var ferr *FlowError
	if !errors.As(err, &ferr) {
		t.Fatalf("Expected a FlowError, got %T", err)
	}
	if ferr.Code != ErrCodeOriginIncompat {
		t.Errorf("Expected code %s, got %s", ErrCodeOriginIncompat, ferr.Code)
	}
}

func TestResumeFromJoinRebuildsInputs(t *testing.T) {
	graph := mustCompile(t, flow.New("resume-join").
		Step("start", func(ctx *flow.StepContext) error {
			if err := ctx.Set("items", []int{5, 6}); err != nil {
				return err
			}
			return ctx.NextForeach()
		}, flow.ToForeach("process", "items")).
		Step("process", func(ctx *flow.StepContext) error {
			var item int
			if err := ctx.Input(&item); err != nil {
				return err
			}
			if err := ctx.Set("out", item); err != nil {
				return err
			}
			return ctx.Next("gather")
		}, flow.To("gather")).
		Join("gather", func(ctx *flow.StepContext) error {
			total := 0
			for _, input := range ctx.Inputs() {
				var out int
				if err := input.Get("out", &out); err != nil {
					return err
				}
				total += out
			}
			if err := ctx.Set("total", total); err != nil {
				return err
			}
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	origin, err := h.engine.Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatalf("Expected origin run to succeed, got %v", err)
	}
	processAttempts := h.runner.stepAttempts("process")

	resumed, err := h.engine.Resume(context.Background(), graph, origin.RunID, "gather", nil)
	if err != nil {
		t.Fatalf("Expected resume from the join to succeed, got %v", err)
	}
	if got := h.runner.stepAttempts("process"); got != processAttempts {
		t.Errorf("Expected process to not re-run on resume, attempts went %d -> %d", processAttempts, got)
	}

	gather := taskAt(t, resumed, "gather")
	artifacts, err := resumed.Artifacts(context.Background(), gather.ID)
	if err != nil {
		t.Fatalf("Failed to load gather artifacts: %v", err)
	}
	var total int
	if err := json.Unmarshal(artifacts["total"], &total); err != nil {
		t.Fatalf("Failed to decode total: %v", err)
	}
	if total != 11 {
		t.Errorf("Expected total 11, got %d", total)
	}
}

func TestRunFailureDrainsRetryBackoff(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once

	graph := mustCompile(t, flow.New("drain").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("flaky", "doomed")
		}, flow.ToBranch("flaky", "doomed")).
		Step("flaky", func(ctx *flow.StepContext) error {
			once.Do(func() { close(release) })
			return errors.New("transient wobble")
		}, flow.To("merge"), flow.WithRetry(3, 300*time.Millisecond)).
		Step("doomed", func(ctx *flow.StepContext) error {
			<-release
			return errCrash
		}, flow.To("merge")).
		Join("merge", func(ctx *flow.StepContext) error {
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	eng := New(Options{
		MaxParallel: 4,
		BackoffBase: 300 * time.Millisecond,
		BackoffMax:  300 * time.Millisecond,
		LogDir:      t.TempDir(),
	}, h.runner, h.store, h.meta, h.engine.tel)

	result, err := eng.Run(context.Background(), graph, nil)
	if err == nil {
		t.Fatal("Expected run to fail")
	}

	// The task sitting out its backoff when the run failed must still reach
	// a terminal state, not stay waiting forever.
	flaky := taskAt(t, result, "flaky")
	if flaky.State != TaskFailed {
		t.Errorf("Expected the retrying task to end failed, got %s", flaky.State)
	}
	if got := h.runner.stepAttempts("flaky"); got != 1 {
		t.Errorf("Expected no retry after the run failed, got %d attempts", got)
	}

	tasks, err := h.meta.ListTasksByRun(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Step == "flaky" && task.Status != stores.TaskStatusFailed {
			t.Errorf("Expected failed status recorded for flaky, got %s", task.Status)
		}
	}
}

func TestTaskSpansEndAtTerminalStates(t *testing.T) {
	graph := mustCompile(t, flow.New("spans").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("doomed")
		}, flow.To("doomed")).
		Step("doomed", func(ctx *flow.StepContext) error {
			return errors.New("always fails")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	ctx := context.Background()
	if err := h.meta.CreateRun(ctx, &stores.RunRecord{
		ID: "run-spans", FlowName: "spans",
		Status: stores.RunStatusRunning, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}

	s := newScheduler(graph, "run-spans", h.engine.opts, h.runner, h.store, h.meta, h.engine.tel)
	s.seedStart(ctx, nil)
	s.loop(ctx)

	if len(s.tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(s.tasks))
	}
	for _, task := range s.tasks {
		if task.span == nil {
			t.Errorf("Expected a span on task %s", task)
			continue
		}
		if !task.spanEnded {
			t.Errorf("Expected the span of task %s to be ended", task)
		}
	}
}

func TestRunPersistsEvents(t *testing.T) {
	graph := mustCompile(t, flow.New("events").
		Step("start", func(ctx *flow.StepContext) error {
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error { return nil }))

	h := newHarness(t, graph)
	result, err := h.engine.Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatalf("Expected run to succeed, got %v", err)
	}

	events, err := h.meta.ListEvents(context.Background(), result.RunID, 100)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("Expected run events in the metadata store")
	}
}
