// Package protocol defines the records exchanged between the scheduler and
// the isolated task attempt process: the attempt spec handed to the child
// and the task result published back. Both sides of the process boundary
// must agree on this layout, so field names are wire-stable.
package protocol

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/flowmill/flowmill/pkg/flow"
)

// EnvName is the environment variable that carries the attempt spec path to
// the child process. A binary that finds it set runs the task and exits
// instead of starting normally.
const EnvName = "FLOWMILL_TASK_SPEC"

// Outcome classifies how an attempt finished.
type Outcome string

const (
	// OutcomeSuccess means the body returned nil and honored the
	// transition contract.
	OutcomeSuccess Outcome = "success"
	// OutcomeUserException means the body returned an error, panicked, or
	// violated the transition contract.
	OutcomeUserException Outcome = "user_exception"
	// OutcomeCrashed means the process died without publishing a result
	// (fatal signal, os.Exit, machine-level failure).
	OutcomeCrashed Outcome = "crashed"
	// OutcomeTimedOut means the parent killed the attempt's process group
	// at the deadline.
	OutcomeTimedOut Outcome = "timed_out"
)

// Validate checks the outcome is a known value.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeUserException, OutcomeCrashed, OutcomeTimedOut:
		return nil
	default:
		return fmt.Errorf("unknown outcome: %q", o)
	}
}

// ErrorKind classifies the error envelope of a failed attempt.
type ErrorKind string

const (
	// KindUserException is an error returned (or panic raised) by the
	// step body. Recoverable via catch and retry.
	KindUserException ErrorKind = "UserException"
	// KindTransitionProtocol is a violation of the exactly-once transition
	// contract. Fatal to the task; never retried, never caught.
	KindTransitionProtocol ErrorKind = "TransitionProtocolError"
	// KindTimedOut is a deadline kill by the parent. Recoverable via catch
	// and retry.
	KindTimedOut ErrorKind = "TimedOut"
	// KindCrashed is an abnormal process death. Recoverable via retry
	// only; catch never swallows it because no structured envelope from
	// the body exists.
	KindCrashed ErrorKind = "Crashed"
)

// ErrorEnvelope is the serializable record of an attempt failure, carried
// across the process boundary and, under the catch decorator, written into
// the declared artifact.
type ErrorEnvelope struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Trace is free-form diagnostic text: a goroutine stack for panics,
	// empty otherwise.
	Trace string `json:"trace,omitempty"`
}

// Validate checks the envelope has a known kind and a message.
func (e *ErrorEnvelope) Validate() error {
	switch e.Kind {
	case KindUserException, KindTransitionProtocol, KindTimedOut, KindCrashed:
	default:
		return fmt.Errorf("unknown error kind: %q", e.Kind)
	}
	if e.Message == "" {
		return fmt.Errorf("error envelope has no message")
	}
	return nil
}

// NewPanicEnvelope builds a user-exception envelope for a recovered panic,
// capturing the goroutine stack.
func NewPanicEnvelope(recovered any) *ErrorEnvelope {
	buf := make([]byte, 64<<10)
	buf = buf[:runtime.Stack(buf, false)]
	return &ErrorEnvelope{
		Kind:    KindUserException,
		Message: fmt.Sprintf("panic: %v", recovered),
		Trace:   string(buf),
	}
}

// TaskRef identifies a task within a run.
type TaskRef struct {
	RunID  string `json:"run_id"`
	Step   string `json:"step"`
	TaskID string `json:"task_id"`
}

// Validate checks all identity fields are set.
func (r *TaskRef) Validate() error {
	if r.RunID == "" || r.Step == "" || r.TaskID == "" {
		return fmt.Errorf("incomplete task ref: run=%q step=%q task=%q", r.RunID, r.Step, r.TaskID)
	}
	return nil
}

// InputRef identifies one completed predecessor whose artifacts a task
// reads. Index orders join inputs (branch arm position or foreach index)
// and is -1 for plain linear parents.
type InputRef struct {
	Step   string `json:"step"`
	TaskID string `json:"task_id"`
	Index  int    `json:"index"`
}

// StoreSpec tells the child how to open the artifact store. Kind selects
// the adapter; the remaining fields apply per kind.
type StoreSpec struct {
	// Kind is "local" or "object".
	Kind string `json:"kind"`

	// Root is the base directory of a local store.
	Root string `json:"root,omitempty"`

	// Endpoint, Bucket and Prefix locate an object store. Credentials are
	// taken from the environment, never serialized.
	Endpoint string `json:"endpoint,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	UseSSL   bool   `json:"use_ssl,omitempty"`
}

// Validate checks the spec names a usable store.
func (s *StoreSpec) Validate() error {
	switch s.Kind {
	case "local":
		if s.Root == "" {
			return fmt.Errorf("local store spec has no root")
		}
	case "object":
		if s.Endpoint == "" || s.Bucket == "" {
			return fmt.Errorf("object store spec needs endpoint and bucket")
		}
	default:
		return fmt.Errorf("unknown store kind: %q", s.Kind)
	}
	return nil
}

// AttemptSpec is everything the child process needs to run one attempt. It
// is written to a file by the scheduler and located by the child through
// the spec environment variable.
type AttemptSpec struct {
	FlowName string  `json:"flow_name"`
	Task     TaskRef `json:"task"`
	Attempt  int     `json:"attempt"`

	// Store locates the artifact store the child loads inputs from and
	// saves produced artifacts to.
	Store StoreSpec `json:"store"`

	// Inputs are the completed predecessors whose artifacts form the
	// task's visible state. For a join task there are several, delivered
	// to the body in this order; otherwise at most one.
	Inputs []InputRef `json:"inputs,omitempty"`

	// IsJoin marks the task as a join: inputs are delivered individually
	// to the body instead of being flattened into one artifact state.
	IsJoin bool `json:"is_join,omitempty"`

	// Params seed the artifact state of the start task.
	Params map[string]json.RawMessage `json:"params,omitempty"`

	// ForeachValue and ForeachIndex bind the iteration element for a task
	// inside a foreach fan-out. ForeachIndex is -1 otherwise.
	ForeachValue json.RawMessage `json:"foreach_value,omitempty"`
	ForeachIndex int             `json:"foreach_index"`

	// ResultPath is where the child atomically publishes the TaskResult.
	// StdoutPath and StderrPath capture the attempt's output.
	ResultPath string `json:"result_path"`
	StdoutPath string `json:"stdout_path"`
	StderrPath string `json:"stderr_path"`
}

// Validate checks the spec is complete enough to execute.
func (s *AttemptSpec) Validate() error {
	if s.FlowName == "" {
		return fmt.Errorf("attempt spec has no flow name")
	}
	if err := s.Task.Validate(); err != nil {
		return err
	}
	if s.Attempt < 0 {
		return fmt.Errorf("attempt number must be >= 0, got %d", s.Attempt)
	}
	if err := s.Store.Validate(); err != nil {
		return fmt.Errorf("attempt spec store: %w", err)
	}
	if s.ResultPath == "" {
		return fmt.Errorf("attempt spec has no result path")
	}
	return nil
}

// TaskResult is the record the child publishes back to the scheduler. It is
// written exactly once, after all produced artifacts are durable, so the
// parent never observes a result whose artifacts are missing.
type TaskResult struct {
	Task    TaskRef `json:"task"`
	Attempt int     `json:"attempt"`
	Outcome Outcome `json:"outcome"`

	// Transition is the resolved transition, set only on success for
	// non-terminal steps.
	Transition *flow.Transition `json:"transition,omitempty"`

	// Error is the failure envelope, set for every non-success outcome.
	Error *ErrorEnvelope `json:"error,omitempty"`

	// Artifacts are the names of the artifacts this attempt produced.
	Artifacts []string `json:"artifacts,omitempty"`
}

// Validate checks cross-field consistency of a result read from the process
// boundary.
func (r *TaskResult) Validate() error {
	if err := r.Task.Validate(); err != nil {
		return err
	}
	if err := r.Outcome.Validate(); err != nil {
		return err
	}
	if r.Outcome == OutcomeSuccess {
		if r.Error != nil {
			return fmt.Errorf("successful result carries an error envelope")
		}
		if r.Transition != nil {
			if err := r.Transition.Validate(); err != nil {
				return fmt.Errorf("result transition: %w", err)
			}
		}
		return nil
	}
	if r.Error == nil {
		return fmt.Errorf("%s result has no error envelope", r.Outcome)
	}
	if err := r.Error.Validate(); err != nil {
		return err
	}
	if r.Transition != nil {
		return fmt.Errorf("%s result carries a transition", r.Outcome)
	}
	return nil
}
