package bridge

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type TaskStoreFactory func(dsn string) (TaskStore, error)

var taskStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]TaskStoreFactory
}{
	factories: map[string]TaskStoreFactory{},
}

// RegisterTaskStoreFactory overrides or extends the DSN schemes understood by
// BuildTaskStoreFromDSN.
func RegisterTaskStoreFactory(scheme string, factory TaskStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	taskStoreRegistry.mu.Lock()
	defer taskStoreRegistry.mu.Unlock()
	taskStoreRegistry.factories[scheme] = factory
}

func lookupTaskStoreFactory(scheme string) (TaskStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	taskStoreRegistry.mu.RLock()
	defer taskStoreRegistry.mu.RUnlock()
	factory, ok := taskStoreRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildTaskStoreFromDSN picks a backend by scheme. An empty DSN is memory.
func BuildTaskStoreFromDSN(dsn string) (TaskStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryTaskStore(), nil
	}
	if dsn == "sqlite::memory:" {
		return NewSQLiteTaskStore(":memory:")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupTaskStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileTaskStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryTaskStore(), nil
	case "postgres", "postgresql":
		return NewPostgresTaskStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteTaskStore(path)
	default:
		return nil, fmt.Errorf("unsupported task store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
