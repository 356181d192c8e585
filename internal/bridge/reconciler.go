package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/platformbridge/internal/metrics"
	"github.com/agentworkforce/platformbridge/internal/platform"
)

type ReconcilerOptions struct {
	Tasks    TaskStore
	Platform Platform
	Handlers *HandlerRegistry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Reconciler advances sent tasks from the platform's operation feed.
type Reconciler struct {
	tasks    TaskStore
	platform Platform
	handlers *HandlerRegistry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handlers := opts.Handlers
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	return &Reconciler{
		tasks:    opts.Tasks,
		platform: opts.Platform,
		handlers: handlers,
		logger:   logger,
		metrics:  opts.Metrics,
		locks:    map[string]*sync.Mutex{},
	}
}

// taskLock serializes reconciliation of one task within the process.
func (r *Reconciler) taskLock(id string) func() {
	r.locksMu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	r.locksMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Reconcile polls the platform for one task and applies the newest
// operation if it is newer than the task. Tasks that are no longer open are
// returned unchanged.
func (r *Reconciler) Reconcile(ctx context.Context, taskID string) (Task, error) {
	unlock := r.taskLock(taskID)
	defer unlock()

	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if !task.State.Open() {
		return task, nil
	}
	requestID := strings.TrimSpace(task.Value.RequestID)
	if requestID == "" {
		return task, ValidationMessage("task %s has no request id", task.ID)
	}

	status, err := r.platform.RequestStatus(ctx, requestID)
	if err != nil {
		return task, err
	}
	op, ok := status.Latest()
	if !ok || !op.Timestamp.After(task.LastUpdated) {
		return task, nil
	}
	logger := r.logger.With("task_id", task.ID, "request_id", requestID, "kind", string(task.Kind))

	var handlerErr error
	switch op.OperationState {
	case platform.OperationInProgress:
		task, err = task.transition(StateInProgress)
		task.Value.PlatformMessage = op.Message
	case platform.OperationFailed:
		task, err = task.transition(StateError)
		task.Error = op.Message
		task.Value.PlatformMessage = op.Message
	case platform.OperationSucceeded:
		task, err = task.transition(StateSucceeded)
		task.Value.PlatformMessage = op.Message
		if err == nil {
			handlerErr = r.handlers.Dispatch(ctx, task, op)
		}
	default:
		return task, fmt.Errorf("%w: unknown operation state %q", platform.ErrPlatform, op.OperationState)
	}
	if err != nil {
		return task, err
	}
	if handlerErr != nil {
		logger.Error("success handler failed", "error", handlerErr)
		task.State = StateError
		task.Error = handlerErr.Error()
		task.Value.PlatformMessage = handlerErr.Error()
		task.Value.Error = errorDetail(handlerErr)
	}
	task.LastUpdated = op.Timestamp.UTC()

	updated, err := r.tasks.Update(ctx, task)
	if err != nil {
		return task, fmt.Errorf("update task %s: %w", task.ID, err)
	}
	r.metrics.TaskTransition(string(updated.Kind), string(updated.State))
	logger.Info("task reconciled", "state", string(updated.State), "operation", string(op.OperationState))
	if handlerErr != nil {
		return updated, handlerErr
	}
	return updated, nil
}

// ReconcileReport summarizes one pass. Finished counts tasks that reached
// succeeded or error during the pass.
type ReconcileReport struct {
	Checked  int `json:"checked"`
	Changed  int `json:"changed"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
}

// ReconcileOpen reconciles every sent or in-progress task. A failing task is
// logged and left as it was.
func (r *Reconciler) ReconcileOpen(ctx context.Context) (ReconcileReport, error) {
	started := time.Now()
	defer func() { r.metrics.ReconcileRun(time.Since(started)) }()

	tasks, err := r.tasks.FindAll(ctx, TaskFilter{States: []TaskState{StateSent, StateInProgress}})
	if err != nil {
		return ReconcileReport{}, err
	}
	var report ReconcileReport
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		updated, err := r.Reconcile(ctx, task.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return report, err
			}
			report.Failed++
			r.logger.Warn("reconcile task failed", "task_id", task.ID, "error", err)
			continue
		}
		if updated.State != task.State || !updated.LastUpdated.Equal(task.LastUpdated) {
			report.Changed++
		}
		if updated.State.Terminal() {
			report.Finished++
		}
	}
	return report, nil
}
