package bridge

import (
	"context"
	"sync"
)

// CachedTaskStore serves Get from memory. Writes go through to the backend
// and replace the cached row while the lock is held, so the next read in the
// same operation sees what was stored.
type CachedTaskStore struct {
	backend TaskStore
	mu      sync.Mutex
	entries map[string]Task
}

func NewCachedTaskStore(backend TaskStore) *CachedTaskStore {
	return &CachedTaskStore{backend: backend, entries: map[string]Task{}}
}

func (s *CachedTaskStore) Create(ctx context.Context, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := s.backend.Create(ctx, task)
	if err != nil {
		return Task{}, err
	}
	s.entries[created.ID] = cloneTask(created)
	return created, nil
}

func (s *CachedTaskStore) Update(ctx context.Context, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated, err := s.backend.Update(ctx, task)
	if err != nil {
		delete(s.entries, task.ID)
		return Task{}, err
	}
	s.entries[updated.ID] = cloneTask(updated)
	return updated, nil
}

func (s *CachedTaskStore) Get(ctx context.Context, id string) (Task, error) {
	s.mu.Lock()
	if task, ok := s.entries[id]; ok {
		s.mu.Unlock()
		return cloneTask(task), nil
	}
	s.mu.Unlock()
	task, err := s.backend.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	if _, ok := s.entries[id]; !ok {
		s.entries[id] = cloneTask(task)
	}
	s.mu.Unlock()
	return task, nil
}

func (s *CachedTaskStore) FindLatest(ctx context.Context, entityType EntityType, identifier string, includeError bool) (Task, bool, error) {
	return s.backend.FindLatest(ctx, entityType, identifier, includeError)
}

func (s *CachedTaskStore) FindAll(ctx context.Context, filter TaskFilter) ([]Task, error) {
	return s.backend.FindAll(ctx, filter)
}

// Invalidate drops one cached row, or all of them when id is empty.
func (s *CachedTaskStore) Invalidate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.entries = map[string]Task{}
		return
	}
	delete(s.entries, id)
}
