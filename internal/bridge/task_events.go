package bridge

import (
	"context"
	"sync"
	"time"
)

type TaskEventType string

const (
	TaskEventCreated TaskEventType = "task.created"
	TaskEventUpdated TaskEventType = "task.updated"
)

type TaskEvent struct {
	Type      TaskEventType `json:"type"`
	Task      Task          `json:"task"`
	Timestamp time.Time     `json:"timestamp"`
}

// TaskEventHub fans task events out to subscribers. Slow subscribers miss
// events rather than blocking writers.
type TaskEventHub struct {
	mu     sync.Mutex
	subs   map[int]chan TaskEvent
	nextID int
	buffer int
}

func NewTaskEventHub(buffer int) *TaskEventHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &TaskEventHub{subs: map[int]chan TaskEvent{}, buffer: buffer}
}

// Subscribe returns a channel that is closed when ctx ends.
func (h *TaskEventHub) Subscribe(ctx context.Context) <-chan TaskEvent {
	ch := make(chan TaskEvent, h.buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

func (h *TaskEventHub) Publish(event TaskEvent) {
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- TaskEvent{Type: event.Type, Task: cloneTask(event.Task), Timestamp: event.Timestamp}:
		default:
		}
	}
}

func (h *TaskEventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// NotifyingTaskStore publishes an event after every successful write.
type NotifyingTaskStore struct {
	TaskStore
	hub *TaskEventHub
}

func NewNotifyingTaskStore(store TaskStore, hub *TaskEventHub) *NotifyingTaskStore {
	return &NotifyingTaskStore{TaskStore: store, hub: hub}
}

func (s *NotifyingTaskStore) Create(ctx context.Context, task Task) (Task, error) {
	created, err := s.TaskStore.Create(ctx, task)
	if err != nil {
		return Task{}, err
	}
	s.hub.Publish(TaskEvent{Type: TaskEventCreated, Task: created})
	return created, nil
}

func (s *NotifyingTaskStore) Update(ctx context.Context, task Task) (Task, error) {
	updated, err := s.TaskStore.Update(ctx, task)
	if err != nil {
		return Task{}, err
	}
	s.hub.Publish(TaskEvent{Type: TaskEventUpdated, Task: updated})
	return updated, nil
}
