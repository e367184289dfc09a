package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/flowmill/flowmill/pkg/protocol"
)

// LocalArtifactStore keeps artifacts on the local filesystem. Each task's
// set lives under <root>/runs/<run>/<step>/<task>/ as one file per artifact
// plus a manifest. The manifest is published last with a temp-then-rename,
// so readers either see the complete set or nothing.
type LocalArtifactStore struct {
	root string
}

// manifest lists the artifact files of one task.
type manifest struct {
	Artifacts []string `json:"artifacts"`
}

// NewLocalArtifactStore creates (if needed) and opens a local store rooted
// at dir.
func NewLocalArtifactStore(dir string) (*LocalArtifactStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact store root is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &LocalArtifactStore{root: dir}, nil
}

// Spec describes the store for a child process.
func (s *LocalArtifactStore) Spec() protocol.StoreSpec {
	return protocol.StoreSpec{Kind: "local", Root: s.root}
}

func (s *LocalArtifactStore) taskDir(ref protocol.TaskRef) string {
	return filepath.Join(s.root, "runs", ref.RunID, ref.Step, ref.TaskID)
}

// Save persists the artifact set of a task. Every artifact file is written
// and synced before the manifest makes the set visible.
func (s *LocalArtifactStore) Save(ctx context.Context, ref protocol.TaskRef, artifacts map[string][]byte) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	dir := s.taskDir(ref)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create task dir: %w", err)
	}

	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == "" || name != filepath.Base(name) {
			return fmt.Errorf("invalid artifact name: %q", name)
		}
		if err := writeFileSync(filepath.Join(dir, name+".json"), artifacts[name]); err != nil {
			return fmt.Errorf("failed to save artifact %q: %w", name, err)
		}
	}
	if err := protocol.WriteAtomic(filepath.Join(dir, "manifest.json"), &manifest{Artifacts: names}); err != nil {
		return fmt.Errorf("failed to publish manifest: %w", err)
	}
	return nil
}

// Load returns the saved artifact set of a task. A task without a published
// manifest has no visible artifacts.
func (s *LocalArtifactStore) Load(ctx context.Context, ref protocol.TaskRef) (map[string][]byte, error) {
	dir := s.taskDir(ref)
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no artifacts recorded for task %s/%s/%s", ref.RunID, ref.Step, ref.TaskID)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	artifacts := make(map[string][]byte, len(m.Artifacts))
	for _, name := range m.Artifacts {
		raw, err := os.ReadFile(filepath.Join(dir, name+".json"))
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %q: %w", name, err)
		}
		artifacts[name] = raw
	}
	return artifacts, nil
}

// CopyTask clones the artifact set of one task to another, byte for byte.
func (s *LocalArtifactStore) CopyTask(ctx context.Context, from, to protocol.TaskRef) error {
	artifacts, err := s.Load(ctx, from)
	if err != nil {
		return fmt.Errorf("failed to load origin task: %w", err)
	}
	return s.Save(ctx, to, artifacts)
}

// writeFileSync writes data with a temp-then-rename and fsync, keeping the
// temp file in the target directory so the rename stays on one filesystem.
func writeFileSync(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
