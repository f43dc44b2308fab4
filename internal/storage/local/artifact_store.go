// Package local implements an artifact store on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/storage/artifact"
)

// Config captures the parameters for the local filesystem artifact store.
type Config struct {
	// BaseDir is the root directory where artifacts will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ArtifactStore writes analysis results to the local filesystem.
type ArtifactStore struct {
	baseDir string
	mu      sync.Mutex
}

// New creates a new local filesystem-backed artifact store.
func New(cfg Config) (*ArtifactStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &ArtifactStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// BaseDir returns the directory artifacts are written to.
func (s *ArtifactStore) BaseDir() string {
	return s.baseDir
}

// SaveResult writes <id>.md and returns a file:// URI.
func (s *ArtifactStore) SaveResult(_ context.Context, id string, markdown string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("artifact id is required")
	}
	return s.write(artifact.ResultName(id), []byte(markdown))
}

// SaveMetadata writes <id>.json and returns a file:// URI.
func (s *ArtifactStore) SaveMetadata(_ context.Context, id string, meta clip.ArtifactMetadata) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("artifact id is required")
	}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return s.write(artifact.MetadataName(id), payload)
}

// Merge combines a re-run pair into <prior>_<current>.md.
func (s *ArtifactStore) Merge(_ context.Context, priorID, currentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, err := artifact.Merge(priorID, currentID, s)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.Join(s.baseDir, name), nil
}

// Read implements artifact.Files.
func (s *ArtifactStore) Read(name string) ([]byte, bool, error) {
	fullPath, err := s.resolve(name)
	if err != nil {
		return nil, false, err
	}
	// #nosec G304 -- path is confined to baseDir by resolve.
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read file: %w", err)
	}
	return data, true, nil
}

// Write implements artifact.Files.
func (s *ArtifactStore) Write(name string, data []byte) error {
	_, err := s.write(name, data)
	return err
}

// Remove implements artifact.Files; missing files are ignored.
func (s *ArtifactStore) Remove(name string) error {
	fullPath, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *ArtifactStore) write(name string, data []byte) (string, error) {
	fullPath, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}
	return "file://" + fullPath, nil
}

// resolve joins name onto baseDir and rejects anything that escapes it.
func (s *ArtifactStore) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, name))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
