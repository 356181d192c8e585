package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentworkforce/platformbridge/internal/platform"
)

// SuccessHandler applies the local effect of a change request the platform
// reported as succeeded. Handlers must be idempotent.
type SuccessHandler func(ctx context.Context, task Task, op platform.Operation) error

type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[TaskKind]SuccessHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[TaskKind]SuccessHandler{}}
}

func (r *HandlerRegistry) Register(kind TaskKind, handler SuccessHandler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

func (r *HandlerRegistry) Lookup(kind TaskKind) (SuccessHandler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[kind]
	return handler, ok
}

// Dispatch runs the handler registered for the task's kind.
func (r *HandlerRegistry) Dispatch(ctx context.Context, task Task, op platform.Operation) error {
	handler, ok := r.Lookup(task.Kind)
	if !ok {
		return fmt.Errorf("%w: no such task type %s", ErrUnknownTaskType, task.Kind)
	}
	return handler(ctx, task, op)
}

// DefaultHandlers registers the creations that are materialized from the
// task's own payload. Updates and deletes reach the local store through the
// changelog and the harvester instead.
func DefaultHandlers(local LocalStore) *HandlerRegistry {
	registry := NewHandlerRegistry()
	registry.Register(KindDatasetCreate, materializer(local, EntityDataset, "DatasetId", "Id"))
	registry.Register(KindOrganizationCreate, materializer(local, EntityOrganization, "OrganisationId", "Id"))
	registry.Register(KindUserCreate, materializer(local, EntityUser, "UserId", "Id"))
	return registry
}

// materializer creates the entity the task describes with the task's entity
// id, or updates it when a previous run already created it.
func materializer(local LocalStore, entityType EntityType, platformKeys ...string) SuccessHandler {
	return func(ctx context.Context, task Task, op platform.Operation) error {
		record := Record(withoutKeys(task.Value.Data, "upload_name", "password"))
		record["id"] = task.EntityID
		if id := operationProperty(op, platformKeys...); id != "" {
			record["platform_id"] = id
		}
		existing, err := findExisting(ctx, local, entityType, task.EntityID, record.String("name"))
		if err != nil {
			return err
		}
		if existing != nil {
			record["id"] = existing.ID()
			_, err = local.Update(ctx, entityType, record)
			return err
		}
		_, err = local.Create(ctx, entityType, record)
		return err
	}
}

func findExisting(ctx context.Context, local LocalStore, entityType EntityType, refs ...string) (Record, error) {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		record, err := local.Show(ctx, entityType, ref)
		if err == nil {
			return record, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}
	return nil, nil
}

func operationProperty(op platform.Operation, keys ...string) string {
	for _, key := range keys {
		value, ok := op.CustomProperties[key]
		if !ok || value == nil {
			continue
		}
		if s := Record(op.CustomProperties).String(key); s != "" {
			return s
		}
	}
	return ""
}
