// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/clipbrief/internal/clip"
)

// JobStore keeps job rows in maps guarded by a mutex.
type JobStore struct {
	mu        sync.RWMutex
	byMessage map[int64]clip.Job
	originals map[string]int64
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		byMessage: make(map[int64]clip.Job),
		originals: make(map[string]int64),
	}
}

// CreateJob inserts job with replace semantics.
func (s *JobStore) CreateJob(_ context.Context, job clip.Job) error {
	if job.MessageID == 0 || job.URL == "" {
		return fmt.Errorf("job requires message id and url")
	}
	if !job.Status.Valid() {
		return fmt.Errorf("invalid job status %q", job.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byMessage[job.MessageID]; ok && !prev.IsRerun() {
		delete(s.originals, prev.URL)
	}
	if !job.IsRerun() {
		if prevID, ok := s.originals[job.URL]; ok {
			delete(s.byMessage, prevID)
		}
		s.originals[job.URL] = job.MessageID
	}
	s.byMessage[job.MessageID] = job
	return nil
}

// UpdateJobStatus moves a downloading job to done or failed.
func (s *JobStore) UpdateJobStatus(_ context.Context, messageID int64, status clip.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byMessage[messageID]
	if !ok {
		return clip.ErrJobNotFound
	}
	if !job.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", clip.ErrInvalidTransition, job.Status, status)
	}
	job.Status = status
	s.byMessage[messageID] = job
	return nil
}

// GetJobByURL returns the original job for url.
func (s *JobStore) GetJobByURL(_ context.Context, url string) (clip.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.originals[url]
	if !ok {
		return clip.Job{}, clip.ErrJobNotFound
	}
	return s.byMessage[id], nil
}

// GetJobByMessageID returns the job created by messageID.
func (s *JobStore) GetJobByMessageID(_ context.Context, messageID int64) (clip.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.byMessage[messageID]
	if !ok {
		return clip.Job{}, clip.ErrJobNotFound
	}
	return job, nil
}

// Jobs returns a snapshot of every stored row.
func (s *JobStore) Jobs() []clip.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]clip.Job, 0, len(s.byMessage))
	for _, job := range s.byMessage {
		out = append(out, job)
	}
	return out
}
