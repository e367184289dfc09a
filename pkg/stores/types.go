// Package stores holds the persistence collaborators of the engine: the
// ArtifactStore the child processes read and write step artifacts through,
// and the MetadataProvider that keeps run/task/attempt bookkeeping.
package stores

import (
	"context"
	"time"

	"github.com/flowmill/flowmill/pkg/protocol"
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusSuccessful RunStatus = "successful"
	RunStatusFailed     RunStatus = "failed"
)

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusWaiting   TaskStatus = "waiting"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCloned    TaskStatus = "cloned"
)

// EventLevel represents the severity level of a run event.
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// RunRecord is the persisted state of one run.
type RunRecord struct {
	ID       string    `json:"id"`
	FlowName string    `json:"flow_name"`
	Status   RunStatus `json:"status"`

	// OriginRunID and StartStep are set for resumed runs: the run whose
	// artifacts were inherited and the step the resume started from.
	OriginRunID *string `json:"origin_run_id,omitempty"`
	StartStep   *string `json:"start_step,omitempty"`

	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskRecord is the persisted state of one task. Task IDs are unique
// within a run, not globally; a resumed run's clones reuse origin IDs.
type TaskRecord struct {
	ID     string     `json:"id"`
	RunID  string     `json:"run_id"`
	Step   string     `json:"step"`
	Status TaskStatus `json:"status"`

	// ForeachIndex is the task's index inside a foreach fan-out, -1
	// otherwise.
	ForeachIndex int `json:"foreach_index"`

	// OriginTaskID is set for tasks cloned by resume: the task in the
	// origin run whose artifacts this task inherits.
	OriginTaskID *string `json:"origin_task_id,omitempty"`

	Attempts    int        `json:"attempts"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AttemptRecord is the persisted state of one execution try of a task.
type AttemptRecord struct {
	TaskID  string `json:"task_id"`
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`

	// Outcome is the attempt's exit classification, empty while running.
	Outcome string `json:"outcome,omitempty"`

	StdoutPath  string     `json:"stdout_path,omitempty"`
	StderrPath  string     `json:"stderr_path,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EventRecord is one append-only log entry of a run.
type EventRecord struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	TaskID    *string    `json:"task_id,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// ArtifactStore persists step artifacts across the process boundary. The
// child saves its produced artifacts before publishing its result, so the
// scheduler never observes a task whose artifacts are not durable yet.
// Implementations must publish each task's artifact set atomically: a
// partially saved set is never visible to Load.
type ArtifactStore interface {
	// Save persists the artifact set of a task. Called once per task by
	// the attempt that succeeds.
	Save(ctx context.Context, ref protocol.TaskRef, artifacts map[string][]byte) error

	// Load returns the saved artifact set of a task.
	Load(ctx context.Context, ref protocol.TaskRef) (map[string][]byte, error)

	// CopyTask clones the artifact set of one task to another, byte for
	// byte. Resume uses it to inherit origin-run artifacts.
	CopyTask(ctx context.Context, from, to protocol.TaskRef) error

	// Spec describes this store so a child process can open it.
	Spec() protocol.StoreSpec
}

// MetadataProvider records run/task/attempt bookkeeping and serves the
// queries resume needs to locate origin-run tasks.
type MetadataProvider interface {
	CreateRun(ctx context.Context, run *RunRecord) error
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg *string) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)

	RecordTask(ctx context.Context, task *TaskRecord) error
	UpdateTaskStatus(ctx context.Context, runID, taskID string, status TaskStatus, attempts int, errMsg *string) error
	ListTasksByRun(ctx context.Context, runID string) ([]*TaskRecord, error)

	RecordAttempt(ctx context.Context, attempt *AttemptRecord) error
	FinishAttempt(ctx context.Context, runID, taskID string, attempt int, outcome string) error

	AppendEvent(ctx context.Context, event *EventRecord) error
	ListEvents(ctx context.Context, runID string, limit int) ([]*EventRecord, error)

	Close() error
}
