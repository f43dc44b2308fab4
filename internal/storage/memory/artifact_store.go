package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/storage/artifact"
)

// ArtifactStore keeps analysis results in memory and returns pseudo URIs.
type ArtifactStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewArtifactStore creates a new in-memory artifact store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{data: make(map[string][]byte)}
}

// SaveResult stores the markdown result under <id>.md.
func (s *ArtifactStore) SaveResult(_ context.Context, id string, markdown string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("artifact id is required")
	}
	return s.put(artifact.ResultName(id), []byte(markdown)), nil
}

// SaveMetadata stores the sidecar under <id>.json.
func (s *ArtifactStore) SaveMetadata(_ context.Context, id string, meta clip.ArtifactMetadata) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("artifact id is required")
	}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return s.put(artifact.MetadataName(id), payload), nil
}

// Merge combines the artifacts of a re-run pair under one name.
func (s *ArtifactStore) Merge(_ context.Context, priorID, currentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged, err := artifact.Merge(priorID, currentID, memoryFiles{data: s.data})
	if err != nil {
		return "", err
	}
	return "memory://" + merged, nil
}

// Object returns the stored bytes for name.
func (s *ArtifactStore) Object(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (s *ArtifactStore) put(name string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = append([]byte(nil), data...)
	return "memory://" + name
}

// memoryFiles adapts the map to artifact.Files; callers hold the lock.
type memoryFiles struct {
	data map[string][]byte
}

func (m memoryFiles) Read(name string) ([]byte, bool, error) {
	data, ok := m.data[name]
	return data, ok, nil
}

func (m memoryFiles) Write(name string, data []byte) error {
	m.data[name] = append([]byte(nil), data...)
	return nil
}

func (m memoryFiles) Remove(name string) error {
	delete(m.data, name)
	return nil
}
