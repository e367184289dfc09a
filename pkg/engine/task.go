package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/flowmill/flowmill/pkg/flow"
	"github.com/flowmill/flowmill/pkg/protocol"
)

// TaskState is the scheduler-visible lifecycle of a task.
type TaskState string

const (
	// TaskPending means the task is ready to dispatch.
	TaskPending TaskState = "pending"
	// TaskDispatched means an attempt is running.
	TaskDispatched TaskState = "dispatched"
	// TaskWaiting means the task sits out a retry backoff.
	TaskWaiting TaskState = "waiting"
	// TaskSucceeded is terminal success.
	TaskSucceeded TaskState = "succeeded"
	// TaskFailed is terminal failure, after retries are exhausted or on a
	// non-retryable outcome.
	TaskFailed TaskState = "failed"
)

// scopeFrame records one enclosing fan-out a task lives inside. The key is
// the split task's ID; slot orders branch arms, index orders foreach
// children. Frames nest: the innermost fan-out is the last element.
type scopeFrame struct {
	join  string
	key   string
	slot  int
	index int
}

// Task is one logical unit of work for a (run, step, foreach index). The
// scheduler owns all tasks; nothing outside the decision loop mutates them.
type Task struct {
	ID   string
	Step string
	Node *flow.Node

	// Input state. Ordinary tasks inherit at most one predecessor's
	// artifacts; joins receive the full ordered input set.
	Input  *protocol.InputRef
	Inputs []protocol.InputRef
	IsJoin bool

	// Params seed the start task's artifact state.
	Params map[string]json.RawMessage

	// ForeachValue and ForeachIndex bind the iteration element when the
	// task is a foreach child. ForeachIndex is -1 otherwise.
	ForeachValue json.RawMessage
	ForeachIndex int

	// scopes is the stack of fan-outs enclosing this task, innermost last.
	scopes []scopeFrame

	State   TaskState
	Attempt int

	// LastError is the envelope of the most recent failed attempt.
	LastError *protocol.ErrorEnvelope

	// Result is the final successful result, once the task succeeds.
	Result *protocol.TaskResult

	// span covers the task from first dispatch to terminal state; attempt
	// spans nest under spanCtx.
	span      trace.Span
	spanCtx   context.Context
	spanEnded bool
}

// Ref returns the task's wire identity within the run.
func (t *Task) Ref(runID string) protocol.TaskRef {
	return protocol.TaskRef{RunID: runID, Step: t.Step, TaskID: t.ID}
}

// currentScope returns the innermost enclosing fan-out, or nil.
func (t *Task) currentScope() *scopeFrame {
	if len(t.scopes) == 0 {
		return nil
	}
	return &t.scopes[len(t.scopes)-1]
}

// childScopes copies the task's scope stack with one new frame pushed, for
// handing to fan-out children.
func (t *Task) childScopes(frame scopeFrame) []scopeFrame {
	scopes := make([]scopeFrame, len(t.scopes), len(t.scopes)+1)
	copy(scopes, t.scopes)
	return append(scopes, frame)
}

// poppedScopes copies the task's scope stack with the innermost frame
// removed, for handing to the join that closes it.
func (t *Task) poppedScopes() []scopeFrame {
	if len(t.scopes) == 0 {
		return nil
	}
	scopes := make([]scopeFrame, len(t.scopes)-1)
	copy(scopes, t.scopes[:len(t.scopes)-1])
	return scopes
}

// arrivalIndex is the task's position among its join's inputs: the branch
// slot or foreach index of its innermost scope.
func (t *Task) arrivalIndex() int {
	scope := t.currentScope()
	if scope == nil {
		return -1
	}
	if scope.index >= 0 {
		return scope.index
	}
	return scope.slot
}

// String identifies the task in logs.
func (t *Task) String() string {
	if t.ForeachIndex >= 0 {
		return fmt.Sprintf("%s[%d](%s)", t.Step, t.ForeachIndex, t.ID)
	}
	return fmt.Sprintf("%s(%s)", t.Step, t.ID)
}
