package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// CursorStore persists the last applied changelog audit id.
type CursorStore interface {
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, auditID int64) error
}

type MemoryCursorStore struct {
	mu      sync.Mutex
	auditID int64
}

func NewMemoryCursorStore(initial int64) *MemoryCursorStore {
	return &MemoryCursorStore{auditID: initial}
}

func (s *MemoryCursorStore) Load(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auditID, nil
}

func (s *MemoryCursorStore) Save(ctx context.Context, auditID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditID = auditID
	return nil
}

type cursorState struct {
	AuditID   int64     `json:"auditId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FileCursorStore keeps the cursor in a small JSON state file.
type FileCursorStore struct {
	path string
	mu   sync.Mutex
}

func NewFileCursorStore(path string) (*FileCursorStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: cursor state path is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileCursorStore{path: path}, nil
}

func (s *FileCursorStore) Load(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return 0, nil
	}
	var state cursorState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, fmt.Errorf("decode cursor state %s: %w", s.path, err)
	}
	return state.AuditID, nil
}

func (s *FileCursorStore) Save(ctx context.Context, auditID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(cursorState{AuditID: auditID, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}
