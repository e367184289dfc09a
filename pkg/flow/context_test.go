package flow

import (
	"errors"
	"strings"
	"testing"
)

func compiledNode(t *testing.T, f *Flow, step string) *Node {
	t.Helper()
	g, err := f.Compile()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	n := g.Node(step)
	if n == nil {
		t.Fatalf("Expected node %q in graph", step)
	}
	return n
}

func newCtx(t *testing.T, f *Flow, step string, artifacts map[string][]byte) *StepContext {
	t.Helper()
	return NewStepContext(ContextSpec{
		FlowName:     f.Name(),
		RunID:        "run-1",
		Step:         step,
		TaskID:       "task-1",
		Node:         compiledNode(t, f, step),
		Artifacts:    artifacts,
		ForeachIndex: -1,
	})
}

func TestStepContext_ArtifactRoundTrip(t *testing.T) {
	ctx := newCtx(t, linearFlow(), "middle", map[string][]byte{
		"inherited": []byte(`"upstream"`),
	})

	if err := ctx.Set("count", 42); err != nil {
		t.Fatalf("Expected Set to succeed, got: %v", err)
	}

	var count int
	if err := ctx.Get("count", &count); err != nil {
		t.Fatalf("Expected Get to succeed, got: %v", err)
	}
	if count != 42 {
		t.Errorf("Expected 42, got %d", count)
	}

	var inherited string
	if err := ctx.Get("inherited", &inherited); err != nil {
		t.Fatalf("Expected inherited artifact, got: %v", err)
	}
	if inherited != "upstream" {
		t.Errorf("Expected upstream, got %q", inherited)
	}

	if err := ctx.Get("missing", &count); err == nil {
		t.Errorf("Expected missing artifact to fail")
	}
	if !ctx.Has("count") || ctx.Has("missing") {
		t.Errorf("Has reported wrong membership")
	}

	produced := ctx.Produced()
	if len(produced) != 1 {
		t.Errorf("Expected 1 produced artifact, got %d", len(produced))
	}
	if string(produced["count"]) != "42" {
		t.Errorf("Expected encoded 42, got %s", produced["count"])
	}
}

func TestStepContext_ProducedShadowsInherited(t *testing.T) {
	ctx := newCtx(t, linearFlow(), "middle", map[string][]byte{
		"value": []byte(`1`),
	})
	if err := ctx.Set("value", 2); err != nil {
		t.Fatalf("Expected Set to succeed, got: %v", err)
	}

	var value int
	if err := ctx.Get("value", &value); err != nil {
		t.Fatalf("Expected Get to succeed, got: %v", err)
	}
	if value != 2 {
		t.Errorf("Expected shadowed value 2, got %d", value)
	}
}

func TestStepContext_StateCarriesInherited(t *testing.T) {
	ctx := newCtx(t, linearFlow(), "middle", map[string][]byte{
		"upstream": []byte(`"kept"`),
		"value":    []byte(`1`),
	})
	if err := ctx.Set("value", 2); err != nil {
		t.Fatalf("Expected Set to succeed, got: %v", err)
	}
	if err := ctx.Set("fresh", true); err != nil {
		t.Fatalf("Expected Set to succeed, got: %v", err)
	}

	state := ctx.State()
	if len(state) != 3 {
		t.Fatalf("Expected 3 artifacts in the state, got %d", len(state))
	}
	if string(state["upstream"]) != `"kept"` {
		t.Errorf("Expected the untouched inherited artifact, got %s", state["upstream"])
	}
	if string(state["value"]) != "2" {
		t.Errorf("Expected the shadowed value 2, got %s", state["value"])
	}
	if string(state["fresh"]) != "true" {
		t.Errorf("Expected the new artifact, got %s", state["fresh"])
	}
}

func TestStepContext_NextLinear(t *testing.T) {
	ctx := newCtx(t, linearFlow(), "middle", nil)

	if err := ctx.Next("end"); err != nil {
		t.Fatalf("Expected Next to succeed, got: %v", err)
	}

	tr := ctx.Transition()
	if tr == nil {
		t.Fatalf("Expected a resolved transition")
	}
	if tr.Kind != TransitionLinear || len(tr.Targets) != 1 || tr.Targets[0] != "end" {
		t.Errorf("Unexpected transition: %+v", tr)
	}
	if ctx.ProtocolErr() != nil {
		t.Errorf("Expected no protocol error, got: %v", ctx.ProtocolErr())
	}
}

func TestStepContext_NextWrongTarget(t *testing.T) {
	ctx := newCtx(t, linearFlow(), "middle", nil)

	err := ctx.Next("start")
	if err == nil {
		t.Fatalf("Expected wrong target to fail")
	}
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected *TransitionError, got %T", err)
	}
	if terr.Step != "middle" {
		t.Errorf("Expected step middle, got %q", terr.Step)
	}
	if ctx.ProtocolErr() == nil {
		t.Errorf("Expected protocol error to be recorded")
	}
	if ctx.Transition() != nil {
		t.Errorf("Expected no transition after violation")
	}
}

func TestStepContext_NextTwice(t *testing.T) {
	ctx := newCtx(t, linearFlow(), "middle", nil)

	if err := ctx.Next("end"); err != nil {
		t.Fatalf("Expected first Next to succeed, got: %v", err)
	}
	err := ctx.Next("end")
	if err == nil {
		t.Fatalf("Expected second Next to fail")
	}
	if !strings.Contains(err.Error(), "more than once") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestStepContext_NextOnTerminal(t *testing.T) {
	ctx := newCtx(t, linearFlow(), "end", nil)

	if err := ctx.Next("start"); err == nil {
		t.Fatalf("Expected terminal transition to fail")
	}
}

func TestStepContext_NextBranch(t *testing.T) {
	ctx := newCtx(t, branchFlow(), "start", nil)

	// Arm order in the call does not matter; the resolved transition uses
	// declaration order.
	if err := ctx.Next("b", "a"); err != nil {
		t.Fatalf("Expected branch Next to succeed, got: %v", err)
	}

	tr := ctx.Transition()
	if tr.Kind != TransitionBranch {
		t.Errorf("Expected branch transition, got %s", tr.Kind)
	}
	if len(tr.Targets) != 2 || tr.Targets[0] != "a" || tr.Targets[1] != "b" {
		t.Errorf("Expected targets [a b], got %v", tr.Targets)
	}
}

func TestStepContext_NextBranchMissingArm(t *testing.T) {
	ctx := newCtx(t, branchFlow(), "start", nil)

	if err := ctx.Next("a"); err == nil {
		t.Fatalf("Expected partial branch to fail")
	}
}

func TestStepContext_NextForeach(t *testing.T) {
	ctx := newCtx(t, foreachFlow(), "start", nil)

	if err := ctx.Set("items", []string{"a.csv", "b.csv", "c.csv"}); err != nil {
		t.Fatalf("Expected Set to succeed, got: %v", err)
	}
	if err := ctx.NextForeach(); err != nil {
		t.Fatalf("Expected NextForeach to succeed, got: %v", err)
	}

	tr := ctx.Transition()
	if tr.Kind != TransitionForeach {
		t.Errorf("Expected foreach transition, got %s", tr.Kind)
	}
	if tr.Cardinality != 3 {
		t.Errorf("Expected cardinality 3, got %d", tr.Cardinality)
	}
	if tr.Var != "items" {
		t.Errorf("Expected var items, got %q", tr.Var)
	}
	if len(tr.Targets) != 1 || tr.Targets[0] != "work" {
		t.Errorf("Expected targets [work], got %v", tr.Targets)
	}
}

func TestStepContext_NextForeachMissingArtifact(t *testing.T) {
	ctx := newCtx(t, foreachFlow(), "start", nil)

	if err := ctx.NextForeach(); err == nil {
		t.Fatalf("Expected NextForeach without artifact to fail")
	}
}

func TestStepContext_NextForeachNotArray(t *testing.T) {
	ctx := newCtx(t, foreachFlow(), "start", map[string][]byte{
		"items": []byte(`"not-an-array"`),
	})

	if err := ctx.NextForeach(); err == nil {
		t.Fatalf("Expected non-array foreach artifact to fail")
	}
}

func TestStepContext_NextForeachOnLinear(t *testing.T) {
	ctx := newCtx(t, linearFlow(), "middle", nil)

	if err := ctx.NextForeach(); err == nil {
		t.Fatalf("Expected NextForeach on a linear step to fail")
	}
}

func switchTestFlow() *Flow {
	return New("SwitchFlow").
		Step("start", noop, ToSwitch(map[string]string{"small": "cpu", "large": "gpu"})).
		Step("cpu", noop, To("end")).
		Step("gpu", noop, To("end")).
		Step("end", noop)
}

func TestStepContext_NextSwitch(t *testing.T) {
	ctx := newCtx(t, switchTestFlow(), "start", nil)

	if err := ctx.NextSwitch("large"); err != nil {
		t.Fatalf("Expected NextSwitch to succeed, got: %v", err)
	}

	tr := ctx.Transition()
	if tr.Kind != TransitionSwitch {
		t.Errorf("Expected switch transition, got %s", tr.Kind)
	}
	if tr.Key != "large" {
		t.Errorf("Expected key large, got %q", tr.Key)
	}
	if len(tr.Targets) != 1 || tr.Targets[0] != "gpu" {
		t.Errorf("Expected targets [gpu], got %v", tr.Targets)
	}
}

func TestStepContext_NextSwitchUnknownKey(t *testing.T) {
	ctx := newCtx(t, switchTestFlow(), "start", nil)

	err := ctx.NextSwitch("medium")
	if err == nil {
		t.Fatalf("Expected unknown switch key to fail")
	}
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected *TransitionError, got %T", err)
	}
}

func TestStepContext_ForeachInput(t *testing.T) {
	ctx := NewStepContext(ContextSpec{
		Step:         "work",
		Node:         compiledNode(t, foreachFlow(), "work"),
		ForeachValue: []byte(`"b.csv"`),
		ForeachIndex: 1,
	})

	var item string
	if err := ctx.Input(&item); err != nil {
		t.Fatalf("Expected Input to succeed, got: %v", err)
	}
	if item != "b.csv" {
		t.Errorf("Expected b.csv, got %q", item)
	}
	if ctx.Index() != 1 {
		t.Errorf("Expected index 1, got %d", ctx.Index())
	}
}

func TestStepContext_InputOutsideForeach(t *testing.T) {
	ctx := newCtx(t, linearFlow(), "middle", nil)

	var item string
	if err := ctx.Input(&item); err == nil {
		t.Fatalf("Expected Input outside foreach to fail")
	}
	if ctx.Index() != -1 {
		t.Errorf("Expected index -1, got %d", ctx.Index())
	}
}

func joinCtx(t *testing.T, inputs []JoinInput) *StepContext {
	t.Helper()
	return NewStepContext(ContextSpec{
		Step:         "gather",
		Node:         compiledNode(t, branchFlow(), "gather"),
		Inputs:       inputs,
		ForeachIndex: -1,
	})
}

func TestStepContext_MergeArtifacts(t *testing.T) {
	inputs := []JoinInput{
		NewJoinInput("a", "task-a", 0, map[string][]byte{
			"shared": []byte(`"same"`),
			"onlyA":  []byte(`1`),
		}),
		NewJoinInput("b", "task-b", 1, map[string][]byte{
			"shared": []byte(`"same"`),
			"onlyB":  []byte(`2`),
		}),
	}
	ctx := joinCtx(t, inputs)

	if err := ctx.MergeArtifacts(ctx.Inputs()); err != nil {
		t.Fatalf("Expected merge to succeed, got: %v", err)
	}

	var shared string
	if err := ctx.Get("shared", &shared); err != nil || shared != "same" {
		t.Errorf("Expected merged shared artifact, got %q err %v", shared, err)
	}
	var onlyA, onlyB int
	if err := ctx.Get("onlyA", &onlyA); err != nil || onlyA != 1 {
		t.Errorf("Expected onlyA=1, got %d err %v", onlyA, err)
	}
	if err := ctx.Get("onlyB", &onlyB); err != nil || onlyB != 2 {
		t.Errorf("Expected onlyB=2, got %d err %v", onlyB, err)
	}
}

func TestStepContext_MergeConflict(t *testing.T) {
	inputs := []JoinInput{
		NewJoinInput("a", "task-a", 0, map[string][]byte{"model": []byte(`"lhs"`)}),
		NewJoinInput("b", "task-b", 1, map[string][]byte{"model": []byte(`"rhs"`)}),
	}
	ctx := joinCtx(t, inputs)

	err := ctx.MergeArtifacts(ctx.Inputs())
	if err == nil {
		t.Fatalf("Expected merge conflict")
	}
	var merr *MergeConflictError
	if !errors.As(err, &merr) {
		t.Fatalf("Expected *MergeConflictError, got %T: %v", err, err)
	}
	if len(merr.Artifacts) != 1 || merr.Artifacts[0] != "model" {
		t.Errorf("Expected conflicting artifact model, got %v", merr.Artifacts)
	}
	if len(merr.Inputs) != 2 {
		t.Errorf("Expected 2 conflicting inputs, got %v", merr.Inputs)
	}
}

func TestStepContext_MergeConflictResolvedExplicitly(t *testing.T) {
	inputs := []JoinInput{
		NewJoinInput("a", "task-a", 0, map[string][]byte{"model": []byte(`"lhs"`)}),
		NewJoinInput("b", "task-b", 1, map[string][]byte{"model": []byte(`"rhs"`)}),
	}
	ctx := joinCtx(t, inputs)

	if err := ctx.Set("model", "resolved"); err != nil {
		t.Fatalf("Expected Set to succeed, got: %v", err)
	}
	if err := ctx.MergeArtifacts(ctx.Inputs()); err != nil {
		t.Fatalf("Expected explicit resolution to avoid conflict, got: %v", err)
	}

	var model string
	if err := ctx.Get("model", &model); err != nil || model != "resolved" {
		t.Errorf("Expected resolved, got %q err %v", model, err)
	}
}

func TestStepContext_MergeExclude(t *testing.T) {
	inputs := []JoinInput{
		NewJoinInput("a", "task-a", 0, map[string][]byte{"model": []byte(`"lhs"`), "keep": []byte(`1`)}),
		NewJoinInput("b", "task-b", 1, map[string][]byte{"model": []byte(`"rhs"`), "keep": []byte(`1`)}),
	}
	ctx := joinCtx(t, inputs)

	if err := ctx.MergeArtifacts(ctx.Inputs(), MergeExclude("model")); err != nil {
		t.Fatalf("Expected exclusion to avoid conflict, got: %v", err)
	}
	if ctx.Has("model") {
		t.Errorf("Expected model to be excluded")
	}
	if !ctx.Has("keep") {
		t.Errorf("Expected keep to be merged")
	}
}

func TestStepContext_MergeIncludeMissing(t *testing.T) {
	inputs := []JoinInput{
		NewJoinInput("a", "task-a", 0, map[string][]byte{"present": []byte(`1`)}),
	}
	ctx := joinCtx(t, inputs)

	err := ctx.MergeArtifacts(ctx.Inputs(), MergeInclude("absent"))
	if err == nil {
		t.Fatalf("Expected include of missing artifact to fail")
	}
	var merr *MergeConflictError
	if !errors.As(err, &merr) {
		t.Fatalf("Expected *MergeConflictError, got %T", err)
	}
	if !strings.Contains(merr.Reason, "not present") {
		t.Errorf("Unexpected reason: %s", merr.Reason)
	}
}

func TestJoinInput_Accessors(t *testing.T) {
	in := NewJoinInput("a", "task-a", 0, map[string][]byte{
		"x": []byte(`10`),
		"y": []byte(`"s"`),
	})

	var x int
	if err := in.Get("x", &x); err != nil || x != 10 {
		t.Errorf("Expected x=10, got %d err %v", x, err)
	}
	if err := in.Get("missing", &x); err == nil {
		t.Errorf("Expected missing artifact to fail")
	}
	if !in.Has("y") || in.Has("z") {
		t.Errorf("Has reported wrong membership")
	}
	names := in.Names()
	if len(names) != 2 || names[0] != "x" || names[1] != "y" {
		t.Errorf("Expected names [x y], got %v", names)
	}
}
