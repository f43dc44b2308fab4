// Package gcs provides an ArtifactStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/storage/artifact"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// ArtifactStore writes analysis results to a configured GCS bucket.
type ArtifactStore struct {
	client *storage.Client
	bucket string
	prefix string
	mu     sync.Mutex
}

// New creates a GCS-backed artifact store.
func New(client *storage.Client, cfg Config) (*ArtifactStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// SaveResult uploads <prefix>/<id>.md and returns a gs:// URI.
func (s *ArtifactStore) SaveResult(ctx context.Context, id string, markdown string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("artifact id is required")
	}
	return s.put(ctx, artifact.ResultName(id), artifact.ResultContentType, []byte(markdown))
}

// SaveMetadata uploads <prefix>/<id>.json and returns a gs:// URI.
func (s *ArtifactStore) SaveMetadata(ctx context.Context, id string, meta clip.ArtifactMetadata) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("artifact id is required")
	}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return s.put(ctx, artifact.MetadataName(id), artifact.MetadataContentType, payload)
}

// Merge combines a re-run pair into <prefix>/<prior>_<current>.md.
func (s *ArtifactStore) Merge(ctx context.Context, priorID, currentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, err := artifact.Merge(priorID, currentID, objectFiles{ctx: ctx, store: s})
	if err != nil {
		return "", err
	}
	return s.uri(name), nil
}

func (s *ArtifactStore) put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	writer := s.client.Bucket(s.bucket).Object(s.objectName(name)).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return s.uri(name), nil
}

func (s *ArtifactStore) objectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *ArtifactStore) uri(name string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.objectName(name))
}

// objectFiles adapts bucket objects to artifact.Files for one merge call.
type objectFiles struct {
	ctx   context.Context
	store *ArtifactStore
}

func (f objectFiles) Read(name string) ([]byte, bool, error) {
	reader, err := f.store.client.Bucket(f.store.bucket).Object(f.store.objectName(name)).NewReader(f.ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open object: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, fmt.Errorf("read object: %w", err)
	}
	return data, true, nil
}

func (f objectFiles) Write(name string, data []byte) error {
	contentType := artifact.ResultContentType
	if strings.HasSuffix(name, ".json") {
		contentType = artifact.MetadataContentType
	}
	_, err := f.store.put(f.ctx, name, contentType, data)
	return err
}

func (f objectFiles) Remove(name string) error {
	err := f.store.client.Bucket(f.store.bucket).Object(f.store.objectName(name)).Delete(f.ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
