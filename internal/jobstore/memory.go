package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/jmylchreest/hlsforge/internal/models"
)

// MemoryStore is a process-local Store. Snapshots are published while the
// write lock is held, so subscribers see writes in the order they landed.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.TranscodeJob

	subMu sync.Mutex
	subs  map[*subscriber]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.TranscodeJob),
		subs: make(map[*subscriber]struct{}),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, job *models.TranscodeJob) error {
	snap := job.Clone()

	s.mu.Lock()
	if existing, ok := s.jobs[snap.ID]; ok && !existing.IsTerminal() {
		s.mu.Unlock()
		return ErrActive
	}
	s.jobs[snap.ID] = snap
	s.publish(snap)
	s.mu.Unlock()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.TranscodeJob, error) {
	s.mu.RLock()
	snap, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

// All implements Store.
func (s *MemoryStore) All(_ context.Context) (map[string]*models.TranscodeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.TranscodeJob, len(s.jobs))
	for id, snap := range s.jobs {
		out[id] = snap.Clone()
	}
	return out, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (*models.TranscodeJob, error) {
	s.mu.Lock()
	current, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if current.IsTerminal() {
		s.mu.Unlock()
		return nil, ErrTerminal
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.jobs[id] = next
	s.publish(next)
	s.mu.Unlock()
	return next.Clone(), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

// DeleteTerminalBefore implements Store.
func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, snap := range s.jobs {
		if terminalBefore(snap, cutoff) {
			delete(s.jobs, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan *models.TranscodeJob, error) {
	sub := newSubscriber()

	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	go func() {
		sub.pump(ctx)
		s.subMu.Lock()
		delete(s.subs, sub)
		s.subMu.Unlock()
	}()

	return sub.out, nil
}

// publish must be called with s.mu held.
func (s *MemoryStore) publish(snap *models.TranscodeJob) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for sub := range s.subs {
		sub.push(snap.Clone())
	}
}
