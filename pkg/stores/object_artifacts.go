package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/flowmill/flowmill/pkg/protocol"
)

// ObjectArtifactStore keeps artifacts in an S3-compatible object store.
// Object layout mirrors the local store: one object per artifact plus a
// manifest object, uploaded last, that makes the set visible.
//
// Credentials come from the environment (AWS_ACCESS_KEY_ID /
// AWS_SECRET_ACCESS_KEY or the MinIO equivalents), never from serialized
// specs, so an attempt spec can safely cross the process boundary.
type ObjectArtifactStore struct {
	client *minio.Client
	spec   protocol.StoreSpec
}

// NewObjectArtifactStore connects to the object store described by spec and
// verifies the bucket exists.
func NewObjectArtifactStore(ctx context.Context, spec protocol.StoreSpec) (*ObjectArtifactStore, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Kind != "object" {
		return nil, fmt.Errorf("expected object store spec, got %q", spec.Kind)
	}

	client, err := minio.New(spec.Endpoint, &minio.Options{
		Creds:  credentials.NewEnvAWS(),
		Secure: spec.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, spec.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("artifact bucket missing: %s", spec.Bucket)
	}

	return &ObjectArtifactStore{client: client, spec: spec}, nil
}

// Spec describes the store for a child process.
func (s *ObjectArtifactStore) Spec() protocol.StoreSpec {
	return s.spec
}

func (s *ObjectArtifactStore) taskPrefix(ref protocol.TaskRef) string {
	return path.Join(s.spec.Prefix, "runs", ref.RunID, ref.Step, ref.TaskID)
}

func (s *ObjectArtifactStore) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.spec.Bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (s *ObjectArtifactStore) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.spec.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// Save uploads every artifact object before the manifest, so Load never
// observes a partial set.
func (s *ObjectArtifactStore) Save(ctx context.Context, ref protocol.TaskRef, artifacts map[string][]byte) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	prefix := s.taskPrefix(ref)

	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == "" || name != path.Base(name) {
			return fmt.Errorf("invalid artifact name: %q", name)
		}
		if err := s.put(ctx, path.Join(prefix, name+".json"), artifacts[name]); err != nil {
			return fmt.Errorf("failed to save artifact %q: %w", name, err)
		}
	}

	data, err := json.Marshal(&manifest{Artifacts: names})
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := s.put(ctx, path.Join(prefix, "manifest.json"), data); err != nil {
		return fmt.Errorf("failed to publish manifest: %w", err)
	}
	return nil
}

// Load returns the saved artifact set of a task.
func (s *ObjectArtifactStore) Load(ctx context.Context, ref protocol.TaskRef) (map[string][]byte, error) {
	prefix := s.taskPrefix(ref)

	data, err := s.get(ctx, path.Join(prefix, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("no artifacts recorded for task %s/%s/%s: %w", ref.RunID, ref.Step, ref.TaskID, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	artifacts := make(map[string][]byte, len(m.Artifacts))
	for _, name := range m.Artifacts {
		raw, err := s.get(ctx, path.Join(prefix, name+".json"))
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %q: %w", name, err)
		}
		artifacts[name] = raw
	}
	return artifacts, nil
}

// CopyTask clones the artifact set of one task to another, byte for byte.
func (s *ObjectArtifactStore) CopyTask(ctx context.Context, from, to protocol.TaskRef) error {
	artifacts, err := s.Load(ctx, from)
	if err != nil {
		return fmt.Errorf("failed to load origin task: %w", err)
	}
	return s.Save(ctx, to, artifacts)
}

// OpenArtifactStore opens the artifact store described by spec. The child
// side of the executor uses it to reconstruct the parent's store.
func OpenArtifactStore(ctx context.Context, spec protocol.StoreSpec) (ArtifactStore, error) {
	switch spec.Kind {
	case "local":
		return NewLocalArtifactStore(spec.Root)
	case "object":
		return NewObjectArtifactStore(ctx, spec)
	default:
		return nil, fmt.Errorf("unknown store kind: %q", spec.Kind)
	}
}
