package protocol

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowmill/flowmill/pkg/flow"
)

func TestSpecRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.json")

	spec := validSpec()
	if err := WriteSpec(path, spec); err != nil {
		t.Fatalf("Expected write to succeed, got: %v", err)
	}

	loaded, err := ReadSpec(path)
	if err != nil {
		t.Fatalf("Expected read to succeed, got: %v", err)
	}
	if loaded.Task != spec.Task {
		t.Errorf("Expected task %+v, got %+v", spec.Task, loaded.Task)
	}
	if loaded.Store != spec.Store {
		t.Errorf("Expected store %+v, got %+v", spec.Store, loaded.Store)
	}
	if len(loaded.Inputs) != 1 || loaded.Inputs[0] != spec.Inputs[0] {
		t.Errorf("Expected inputs %+v, got %+v", spec.Inputs, loaded.Inputs)
	}
}

func TestResultRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.json")

	result := &TaskResult{
		Task:    TaskRef{RunID: "run-1", Step: "fetch", TaskID: "task-2"},
		Attempt: 1,
		Outcome: OutcomeSuccess,
		Transition: &flow.Transition{
			Kind:        flow.TransitionForeach,
			Targets:     []string{"train"},
			Var:         "shards",
			Cardinality: 3,
		},
		Artifacts: []string{"shards"},
	}
	if err := WriteResult(path, result); err != nil {
		t.Fatalf("Expected write to succeed, got: %v", err)
	}

	loaded, err := ReadResult(path)
	if err != nil {
		t.Fatalf("Expected read to succeed, got: %v", err)
	}
	if loaded.Outcome != OutcomeSuccess {
		t.Errorf("Expected success outcome, got %s", loaded.Outcome)
	}
	if loaded.Transition == nil || loaded.Transition.Cardinality != 3 {
		t.Errorf("Expected foreach cardinality 3, got %+v", loaded.Transition)
	}

	// No temp files left behind after publication.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Expected dir listing, got: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the published file, got %d entries", len(entries))
	}
}

func TestReadResult_Missing(t *testing.T) {
	_, err := ReadResult(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Expected os.ErrNotExist, got: %v", err)
	}
}

func TestReadResult_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("Expected write to succeed, got: %v", err)
	}
	if _, err := ReadResult(path); err == nil {
		t.Fatalf("Expected corrupt result to fail")
	}
}

func TestWriteResult_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.json")
	bad := &TaskResult{
		Task:    TaskRef{RunID: "run-1", Step: "fetch", TaskID: "task-2"},
		Outcome: OutcomeCrashed,
	}
	if err := WriteResult(path, bad); err == nil {
		t.Fatalf("Expected invalid result to be rejected")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected nothing published, got: %v", err)
	}
}
