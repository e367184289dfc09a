package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flowmill/flowmill/pkg/protocol"
	"github.com/flowmill/flowmill/pkg/telemetry"
)

// AttemptRunner executes one attempt of a task and reports its result. The
// production implementation isolates the attempt in a child process; tests
// substitute in-process fakes.
type AttemptRunner interface {
	// RunAttempt executes the attempt described by spec and returns its
	// classified result. A non-nil error means the runner itself failed;
	// attempt failures are reported through the result's outcome. A zero
	// timeout leaves the attempt unbounded.
	RunAttempt(ctx context.Context, spec *protocol.AttemptSpec, timeout time.Duration) (*protocol.TaskResult, error)
}

// ProcessRunner runs each attempt as a re-exec of the current binary in its
// own process group. Timeout enforcement is the parent's job: when the
// deadline passes, the whole group is killed and the attempt is recorded as
// timed out.
type ProcessRunner struct {
	execPath  string
	killGrace time.Duration
	logger    *telemetry.Logger
}

// NewProcessRunner creates a runner that re-execs the current binary.
func NewProcessRunner(killGrace time.Duration, logger *telemetry.Logger) (*ProcessRunner, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate current executable: %w", err)
	}
	return &ProcessRunner{
		execPath:  execPath,
		killGrace: killGrace,
		logger:    logger.NewComponentLogger("executor"),
	}, nil
}

// RunAttempt writes the attempt spec next to its result path, spawns the
// child, and classifies how it finished.
func (r *ProcessRunner) RunAttempt(ctx context.Context, spec *protocol.AttemptSpec, timeout time.Duration) (*protocol.TaskResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid attempt spec: %w", err)
	}

	attemptDir := filepath.Dir(spec.ResultPath)
	if err := os.MkdirAll(attemptDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attempt dir: %w", err)
	}
	specPath := filepath.Join(attemptDir, "spec.json")
	if err := protocol.WriteSpec(specPath, spec); err != nil {
		return nil, fmt.Errorf("failed to write attempt spec: %w", err)
	}

	logger := r.logger.
		WithRunID(spec.Task.RunID).
		WithStep(spec.Task.Step).
		WithTaskID(spec.Task.TaskID).
		WithAttempt(spec.Attempt)

	cmd := exec.Command(r.execPath)
	cmd.Env = append(os.Environ(), protocol.EnvName+"="+specPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// The capture files become the child's fd 1 and 2 directly, so raw
	// descriptor writes and anything the body spawns are captured too.
	if spec.StdoutPath != "" {
		stdout, err := os.Create(spec.StdoutPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout capture: %w", err)
		}
		defer stdout.Close()
		cmd.Stdout = stdout
	}
	if spec.StderrPath != "" {
		stderr, err := os.Create(spec.StderrPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create stderr capture: %w", err)
		}
		defer stderr.Close()
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start attempt process: %w", err)
	}
	pid := cmd.Process.Pid
	logger.Debugf("Attempt process started (pid %d)", pid)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-waitErr:
		return r.classifyExit(spec, err, logger)

	case <-deadline:
		logger.Warn("Attempt deadline passed, terminating process group")
		r.terminateGroup(pid, waitErr)
		return &protocol.TaskResult{
			Task:    spec.Task,
			Attempt: spec.Attempt,
			Outcome: protocol.OutcomeTimedOut,
			Error: &protocol.ErrorEnvelope{
				Kind:    protocol.KindTimedOut,
				Message: fmt.Sprintf("attempt exceeded its %s deadline", timeout),
			},
		}, nil

	case <-ctx.Done():
		r.signalGroup(pid, syscall.SIGKILL)
		<-waitErr
		return nil, ctx.Err()
	}
}

// terminateGroup gives the group killGrace to exit on SIGTERM, then kills it
// outright, and reaps the direct child either way.
func (r *ProcessRunner) terminateGroup(pid int, waitErr <-chan error) {
	r.signalGroup(pid, syscall.SIGTERM)

	grace := time.NewTimer(r.killGrace)
	defer grace.Stop()
	select {
	case <-waitErr:
		return
	case <-grace.C:
	}

	r.signalGroup(pid, syscall.SIGKILL)
	<-waitErr
}

// classifyExit maps the child's exit status and published result onto an
// attempt outcome. A process that died without a coherent result is a crash,
// whatever its exit status claims.
func (r *ProcessRunner) classifyExit(spec *protocol.AttemptSpec, waitErr error, logger *telemetry.Logger) (*protocol.TaskResult, error) {
	result, readErr := protocol.ReadResult(spec.ResultPath)
	if readErr == nil {
		if result.Task == spec.Task && result.Attempt == spec.Attempt {
			return result, nil
		}
		logger.Errorf("Attempt published a result for the wrong task: got %v, want %v", result.Task, spec.Task)
		return r.crashResult(spec, "attempt published a result for a different task"), nil
	}

	var reason string
	switch {
	case errors.Is(readErr, os.ErrNotExist):
		reason = fmt.Sprintf("attempt exited without publishing a result (%s)", exitDescription(waitErr))
	default:
		reason = fmt.Sprintf("attempt result unreadable: %v (%s)", readErr, exitDescription(waitErr))
	}
	logger.WithError(readErr).Warn("Attempt classified as crashed")
	return r.crashResult(spec, reason), nil
}

func (r *ProcessRunner) crashResult(spec *protocol.AttemptSpec, message string) *protocol.TaskResult {
	return &protocol.TaskResult{
		Task:    spec.Task,
		Attempt: spec.Attempt,
		Outcome: protocol.OutcomeCrashed,
		Error: &protocol.ErrorEnvelope{
			Kind:    protocol.KindCrashed,
			Message: message,
		},
	}
}

// signalGroup signals the attempt's whole process group so grandchildren
// cannot outlive the deadline.
func (r *ProcessRunner) signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.WithError(err).Errorf("Failed to signal process group %d", pid)
	}
}

// exitDescription renders a child's wait error for diagnostics.
func exitDescription(waitErr error) string {
	if waitErr == nil {
		return "exit status 0"
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.String()
	}
	return waitErr.Error()
}
