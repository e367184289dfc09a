package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic marshals v and publishes it at path with a
// write-temp-then-rename, so a reader never observes a partially written
// record. The temp file lives in the target directory to keep the rename on
// one filesystem, and is fsynced before publication.
func WriteAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to publish record: %w", err)
	}
	return nil
}

// ReadSpec loads and validates an attempt spec file.
func ReadSpec(path string) (*AttemptSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt spec: %w", err)
	}
	var spec AttemptSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse attempt spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid attempt spec: %w", err)
	}
	return &spec, nil
}

// WriteSpec validates and publishes an attempt spec.
func WriteSpec(path string, spec *AttemptSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid attempt spec: %w", err)
	}
	return WriteAtomic(path, spec)
}

// ReadResult loads and validates a task result file. A missing file is
// reported as os.ErrNotExist so the parent can classify the attempt as
// crashed.
func ReadResult(path string) (*TaskResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var result TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse task result: %w", err)
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task result: %w", err)
	}
	return &result, nil
}

// WriteResult validates and publishes a task result. This is the child's
// final act before exiting, after all artifacts are durable.
func WriteResult(path string, result *TaskResult) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("invalid task result: %w", err)
	}
	return WriteAtomic(path, result)
}
