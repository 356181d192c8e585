package bridge

import (
	"context"
	"sort"
	"strings"
	"time"
)

// TaskStore persists tasks. Update is a full single-row replace and returns
// the row as stored; callers continue with that value.
type TaskStore interface {
	Create(ctx context.Context, task Task) (Task, error)
	Update(ctx context.Context, task Task) (Task, error)
	Get(ctx context.Context, id string) (Task, error)
	FindLatest(ctx context.Context, entityType EntityType, identifier string, includeError bool) (Task, bool, error)
	FindAll(ctx context.Context, filter TaskFilter) ([]Task, error)
}

type TaskFilter struct {
	EntityType EntityType
	Kinds      []TaskKind
	EntityID   string
	// Identifier matches the whole key, the identity half of the key, or
	// the entity id.
	Identifier string
	KeyPrefix  string
	// States overrides the default open states.
	States       []TaskState
	IncludeError bool
	Limit        int
}

func (f TaskFilter) states() []TaskState {
	if len(f.States) > 0 {
		return f.States
	}
	states := []TaskState{StateNew, StateSent, StateInProgress}
	if f.IncludeError {
		states = append(states, StateError)
	}
	return states
}

func (f TaskFilter) matches(t Task) bool {
	if f.EntityType != "" && t.EntityType != f.EntityType {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, kind := range f.Kinds {
			if t.Kind == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.EntityID != "" && t.EntityID != f.EntityID {
		return false
	}
	if f.Identifier != "" && t.Key != f.Identifier && t.EntityID != f.Identifier && KeyIdentifier(t.Key) != f.Identifier {
		return false
	}
	if f.KeyPrefix != "" && !strings.HasPrefix(t.Key, f.KeyPrefix) {
		return false
	}
	for _, state := range f.states() {
		if t.State == state {
			return true
		}
	}
	return false
}

func latestFilter(entityType EntityType, identifier string, includeError bool) TaskFilter {
	return TaskFilter{
		EntityType:   entityType,
		Identifier:   identifier,
		IncludeError: includeError,
		Limit:        1,
	}
}

// sortNewestFirst orders by last_updated descending with id as tiebreak.
func sortNewestFirst(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].LastUpdated.Equal(tasks[j].LastUpdated) {
			return tasks[i].LastUpdated.After(tasks[j].LastUpdated)
		}
		return tasks[i].ID > tasks[j].ID
	})
}

func applyLimit(tasks []Task, limit int) []Task {
	if limit > 0 && len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}

func prepareCreate(task Task, now time.Time, newID func() string) (Task, error) {
	if err := task.validate(); err != nil {
		return Task{}, err
	}
	if strings.TrimSpace(task.ID) == "" {
		task.ID = newID()
	}
	task.State = StateNew
	if task.LastUpdated.IsZero() {
		task.LastUpdated = now
	}
	task.LastUpdated = task.LastUpdated.UTC()
	return task, nil
}

func prepareUpdate(task Task, now time.Time) (Task, error) {
	if strings.TrimSpace(task.ID) == "" {
		return Task{}, ErrInvalidInput
	}
	if err := task.validate(); err != nil {
		return Task{}, err
	}
	if task.LastUpdated.IsZero() {
		task.LastUpdated = now
	}
	task.LastUpdated = task.LastUpdated.UTC()
	return task, nil
}
