package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	now   func() time.Time
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: map[string]Task{},
		now:   time.Now,
	}
}

func (s *MemoryTaskStore) Create(ctx context.Context, task Task) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	task, err := prepareCreate(task, s.now(), uuid.NewString)
	if err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return Task{}, ErrInvalidInput
	}
	s.tasks[task.ID] = cloneTask(task)
	return cloneTask(task), nil
}

func (s *MemoryTaskStore) Update(ctx context.Context, task Task) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	task, err := prepareUpdate(task, s.now())
	if err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; !exists {
		return Task{}, ErrNotFound
	}
	s.tasks[task.ID] = cloneTask(task)
	return cloneTask(task), nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, id string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryTaskStore) FindLatest(ctx context.Context, entityType EntityType, identifier string, includeError bool) (Task, bool, error) {
	tasks, err := s.FindAll(ctx, latestFilter(entityType, identifier, includeError))
	if err != nil || len(tasks) == 0 {
		return Task{}, false, err
	}
	return tasks[0], true, nil
}

func (s *MemoryTaskStore) FindAll(ctx context.Context, filter TaskFilter) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Task, 0)
	for _, task := range s.tasks {
		if filter.matches(task) {
			out = append(out, cloneTask(task))
		}
	}
	s.mu.Unlock()
	sortNewestFirst(out)
	return applyLimit(out, filter.Limit), nil
}
