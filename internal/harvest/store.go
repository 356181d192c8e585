package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("not found")

// Store keeps harvest jobs and work items between stages and runs.
type Store interface {
	SaveJob(ctx context.Context, job Job) error
	Job(ctx context.Context, id string) (Job, error)
	SaveItem(ctx context.Context, item WorkItem) error
	Item(ctx context.Context, id string) (WorkItem, error)
	ItemsForJob(ctx context.Context, jobID string) ([]WorkItem, error)
	ItemsForGUID(ctx context.Context, guid string) ([]WorkItem, error)
	// MarkCurrent flags item as current and clears the flag on every other
	// item with the same GUID.
	MarkCurrent(ctx context.Context, itemID string) error
}

type harvestState struct {
	Jobs  map[string]Job      `json:"jobs"`
	Items map[string]WorkItem `json:"items"`
}

func newHarvestState() harvestState {
	return harvestState{Jobs: map[string]Job{}, Items: map[string]WorkItem{}}
}

// MemoryStore keeps everything in process. FileStore builds on it.
type MemoryStore struct {
	mu    sync.RWMutex
	state harvestState
	// persist runs with mu held after every write.
	persist func(harvestState) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newHarvestState()}
}

func (s *MemoryStore) SaveJob(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Jobs[job.ID] = cloneJob(job)
	return s.flush()
}

func (s *MemoryStore) Job(ctx context.Context, id string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.state.Jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) SaveItem(ctx context.Context, item WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("work item id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Items[item.ID] = cloneItem(item)
	return s.flush()
}

func (s *MemoryStore) Item(ctx context.Context, id string) (WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return WorkItem{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.state.Items[id]
	if !ok {
		return WorkItem{}, fmt.Errorf("%w: work item %s", ErrNotFound, id)
	}
	return cloneItem(item), nil
}

func (s *MemoryStore) ItemsForJob(ctx context.Context, jobID string) ([]WorkItem, error) {
	return s.items(ctx, func(item WorkItem) bool { return item.JobID == jobID })
}

func (s *MemoryStore) ItemsForGUID(ctx context.Context, guid string) ([]WorkItem, error) {
	return s.items(ctx, func(item WorkItem) bool { return item.GUID == guid })
}

func (s *MemoryStore) items(ctx context.Context, match func(WorkItem) bool) ([]WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkItem, 0)
	for _, item := range s.state.Items {
		if match(item) {
			out = append(out, cloneItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) MarkCurrent(ctx context.Context, itemID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.state.Items[itemID]
	if !ok {
		return fmt.Errorf("%w: work item %s", ErrNotFound, itemID)
	}
	for id, item := range s.state.Items {
		if item.GUID != target.GUID {
			continue
		}
		item.Current = id == itemID
		s.state.Items[id] = item
	}
	return s.flush()
}

func (s *MemoryStore) flush() error {
	if s.persist == nil {
		return nil
	}
	return s.persist(s.state)
}

// FileStore is a MemoryStore mirrored to a JSON state file after every write.
type FileStore struct {
	*MemoryStore
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("harvest state file is required")
	}
	store := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	store.persist = store.save
	return store, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	state := newHarvestState()
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("harvest state %s: %w", s.path, err)
	}
	if state.Jobs == nil {
		state.Jobs = map[string]Job{}
	}
	if state.Items == nil {
		state.Items = map[string]WorkItem{}
	}
	s.state = state
	return nil
}

func (s *FileStore) save(state harvestState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func cloneJob(job Job) Job {
	job.Errors = append([]string(nil), job.Errors...)
	job.Warnings = append([]string(nil), job.Warnings...)
	return job
}

func cloneItem(item WorkItem) WorkItem {
	item.Content = append(json.RawMessage(nil), item.Content...)
	item.Errors = append([]string(nil), item.Errors...)
	if item.Files != nil {
		files := make([]FileEntry, len(item.Files))
		for i, file := range item.Files {
			file.Resource = file.Resource.Clone()
			files[i] = file
		}
		item.Files = files
	}
	return item
}
