package service

import (
	"context"
	"sync"
	"time"
)

type cutoffEntry struct {
	cutoff    time.Time
	expiresAt time.Time
}

// MemoryRevocationStore is a process-local TTL map. It is only correct for a
// single service instance.
type MemoryRevocationStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	cutoffs map[string]cutoffEntry
	now     func() time.Time
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{
		entries: make(map[string]time.Time),
		cutoffs: make(map[string]cutoffEntry),
		now:     time.Now,
	}
}

func (s *MemoryRevocationStore) Add(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.now().Add(ttl)
	return nil
}

func (s *MemoryRevocationStore) Contains(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expiresAt) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryRevocationStore) SetSubjectCutoff(_ context.Context, subjectID string, cutoff time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.cutoffs[subjectID]; ok && prev.cutoff.After(cutoff) {
		cutoff = prev.cutoff
	}
	s.cutoffs[subjectID] = cutoffEntry{cutoff: cutoff, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryRevocationStore) SubjectCutoff(_ context.Context, subjectID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cutoffs[subjectID]
	if !ok {
		return time.Time{}, nil
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.cutoffs, subjectID)
		return time.Time{}, nil
	}
	return entry.cutoff, nil
}

// Sweep drops every expired entry and returns how many were removed.
func (s *MemoryRevocationStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	for subject, entry := range s.cutoffs {
		if !now.Before(entry.expiresAt) {
			delete(s.cutoffs, subject)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored token entries, expired or not.
func (s *MemoryRevocationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps on every tick until ctx is cancelled.
func (s *MemoryRevocationStore) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}
