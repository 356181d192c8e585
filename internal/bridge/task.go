package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Task records one locally initiated platform change request.
type Task struct {
	ID          string     `json:"id"`
	Kind        TaskKind   `json:"task_type"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Key         string     `json:"key"`
	Value       TaskValue  `json:"value"`
	State       TaskState  `json:"state"`
	Error       string     `json:"error,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
}

// TaskValue is the task payload: the original submission plus whatever the
// platform reported back.
type TaskValue struct {
	Data            map[string]any `json:"data,omitempty"`
	RequestID       string         `json:"request_id,omitempty"`
	PlatformMessage string         `json:"platform_message,omitempty"`
	Error           map[string]any `json:"error,omitempty"`
}

func (v TaskValue) Encode() (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func DecodeTaskValue(raw string) (TaskValue, error) {
	var v TaskValue
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return TaskValue{}, fmt.Errorf("task value is not valid JSON: %w", err)
	}
	return v, nil
}

// TaskKey builds the "{name-or-id}@{timestamp}" lookup key.
func TaskKey(nameOrID string, at time.Time) string {
	return strings.TrimSpace(nameOrID) + "@" + at.UTC().Format(time.RFC3339Nano)
}

// KeyIdentifier returns the name-or-id half of a task key.
func KeyIdentifier(key string) string {
	if idx := strings.LastIndex(key, "@"); idx >= 0 {
		return key[:idx]
	}
	return key
}

var allowedTransitions = map[TaskState][]TaskState{
	StateNew:        {StateSent, StateError},
	StateSent:       {StateInProgress, StateSucceeded, StateError},
	StateInProgress: {StateInProgress, StateSucceeded, StateError},
}

// CanTransition reports whether the lifecycle allows moving to next.
func (t Task) CanTransition(next TaskState) bool {
	for _, allowed := range allowedTransitions[t.State] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (t Task) transition(next TaskState) (Task, error) {
	if !t.CanTransition(next) {
		return t, fmt.Errorf("%w: %s -> %s for task %s", ErrInvalidState, t.State, next, t.ID)
	}
	t.State = next
	return t, nil
}

func (t Task) validate() error {
	missing := make([]string, 0, 4)
	if strings.TrimSpace(string(t.Kind)) == "" {
		missing = append(missing, "task_type")
	}
	if strings.TrimSpace(t.EntityID) == "" {
		missing = append(missing, "entity_id")
	}
	if strings.TrimSpace(string(t.EntityType)) == "" {
		missing = append(missing, "entity_type")
	}
	if strings.TrimSpace(t.Key) == "" {
		missing = append(missing, "key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: task missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

func cloneTask(t Task) Task {
	out := t
	out.Value.Data = cloneMap(t.Value.Data)
	out.Value.Error = cloneMap(t.Value.Error)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return in
	}
	return out
}
