package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/clipbrief/internal/clip"
)

// CredentialStore keeps the rotation table in memory. Selection happens under a
// single lock so concurrent callers never observe the same pre-update row.
type CredentialStore struct {
	mu    sync.Mutex
	order []string
	rows  map[string]*clip.Credential
}

// NewCredentialStore constructs an empty CredentialStore.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{rows: make(map[string]*clip.Credential)}
}

// UpsertCredentials adds keys that are not yet known.
func (s *CredentialStore) UpsertCredentials(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := s.rows[key]; ok {
			continue
		}
		s.rows[key] = &clip.Credential{Key: key}
		s.order = append(s.order, key)
	}
	return nil
}

// AcquireCredential picks the unused or least recently used key, breaking ties
// by usage count, and marks it used at now.
func (s *CredentialStore) AcquireCredential(_ context.Context, now time.Time) (clip.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *clip.Credential
	for _, key := range s.order {
		row := s.rows[key]
		if best == nil || less(row, best) {
			best = row
		}
	}
	if best == nil {
		return clip.Credential{}, clip.ErrNoCredentials
	}
	best.UsageCount++
	used := now
	best.LastUsed = &used
	out := *best
	return out, nil
}

// CountCredentials returns the number of stored keys.
func (s *CredentialStore) CountCredentials(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order), nil
}

// Snapshot returns a copy of every row in insertion order.
func (s *CredentialStore) Snapshot() []clip.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]clip.Credential, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, *s.rows[key])
	}
	return out
}

func less(a, b *clip.Credential) bool {
	switch {
	case a.LastUsed == nil && b.LastUsed != nil:
		return true
	case a.LastUsed != nil && b.LastUsed == nil:
		return false
	case a.LastUsed != nil && b.LastUsed != nil && !a.LastUsed.Equal(*b.LastUsed):
		return a.LastUsed.Before(*b.LastUsed)
	default:
		return a.UsageCount < b.UsageCount
	}
}
