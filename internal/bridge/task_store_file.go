package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileTaskStore keeps every task in one JSON document. Each operation
// re-reads the file under an advisory lock so several processes can share it.
type FileTaskStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

type fileTaskState struct {
	Tasks []Task `json:"tasks"`
}

func NewFileTaskStore(path string) (*FileTaskStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileTaskStore{path: path, now: time.Now}, nil
}

func (s *FileTaskStore) Create(ctx context.Context, task Task) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	task, err := prepareCreate(task, s.now(), uuid.NewString)
	if err != nil {
		return Task{}, err
	}
	err = s.mutate(func(tasks map[string]Task) error {
		if _, exists := tasks[task.ID]; exists {
			return ErrInvalidInput
		}
		tasks[task.ID] = task
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return cloneTask(task), nil
}

func (s *FileTaskStore) Update(ctx context.Context, task Task) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	task, err := prepareUpdate(task, s.now())
	if err != nil {
		return Task{}, err
	}
	err = s.mutate(func(tasks map[string]Task) error {
		if _, exists := tasks[task.ID]; !exists {
			return ErrNotFound
		}
		tasks[task.ID] = task
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return cloneTask(task), nil
}

func (s *FileTaskStore) Get(ctx context.Context, id string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	tasks, err := s.read()
	if err != nil {
		return Task{}, err
	}
	task, ok := tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}

func (s *FileTaskStore) FindLatest(ctx context.Context, entityType EntityType, identifier string, includeError bool) (Task, bool, error) {
	tasks, err := s.FindAll(ctx, latestFilter(entityType, identifier, includeError))
	if err != nil || len(tasks) == 0 {
		return Task{}, false, err
	}
	return tasks[0], true, nil
}

func (s *FileTaskStore) FindAll(ctx context.Context, filter TaskFilter) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tasks, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0)
	for _, task := range tasks {
		if filter.matches(task) {
			out = append(out, task)
		}
	}
	sortNewestFirst(out)
	return applyLimit(out, filter.Limit), nil
}

func (s *FileTaskStore) read() (map[string]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockFile(s.path+".lock", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.loadLocked()
}

func (s *FileTaskStore) mutate(fn func(tasks map[string]Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockFile(s.path+".lock", true)
	if err != nil {
		return err
	}
	defer unlock()
	tasks, err := s.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(tasks); err != nil {
		return err
	}
	return s.saveLocked(tasks)
}

func (s *FileTaskStore) loadLocked() (map[string]Task, error) {
	tasks := map[string]Task{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tasks, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return tasks, nil
	}
	var snapshot fileTaskState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	for _, task := range snapshot.Tasks {
		tasks[task.ID] = task
	}
	return tasks, nil
}

func (s *FileTaskStore) saveLocked(tasks map[string]Task) error {
	snapshot := fileTaskState{Tasks: make([]Task, 0, len(tasks))}
	for _, task := range tasks {
		snapshot.Tasks = append(snapshot.Tasks, task)
	}
	sortNewestFirst(snapshot.Tasks)
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
