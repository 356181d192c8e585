package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// FileLocalStore is a MemoryLocalStore whose records are written to a JSON
// snapshot after every change and read back on open. It lets the standalone
// binaries keep a catalog between runs; a single process should own the file.
type FileLocalStore struct {
	*MemoryLocalStore
	path    string
	writeMu sync.Mutex
}

func NewFileLocalStore(path string) (*FileLocalStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: catalog file path is required", ErrInvalidInput)
	}
	store := &FileLocalStore{MemoryLocalStore: NewMemoryLocalStore(), path: path}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		records := map[EntityType]map[string]Record{}
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("catalog file %s: %w", path, err)
		}
		store.records = records
	}
	return store, nil
}

func (s *FileLocalStore) Create(ctx context.Context, entityType EntityType, record Record) (Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	created, err := s.MemoryLocalStore.Create(ctx, entityType, record)
	if err != nil {
		return nil, err
	}
	return created, s.save()
}

func (s *FileLocalStore) Update(ctx context.Context, entityType EntityType, record Record) (Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	updated, err := s.MemoryLocalStore.Update(ctx, entityType, record)
	if err != nil {
		return nil, err
	}
	return updated, s.save()
}

func (s *FileLocalStore) Delete(ctx context.Context, entityType EntityType, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.MemoryLocalStore.Delete(ctx, entityType, id); err != nil {
		return err
	}
	return s.save()
}

func (s *FileLocalStore) save() error {
	s.mu.RLock()
	data, err := json.Marshal(s.records)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}
