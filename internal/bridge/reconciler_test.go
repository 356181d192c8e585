package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/platformbridge/internal/platform"
)

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(ReconcilerOptions{
		Tasks:    f.tasks,
		Platform: f.platform,
		Handlers: DefaultHandlers(f.local),
	})
}

// sentTask stores a task that has already been submitted as requestID.
func (f *fixture) sentTask(t *testing.T, kind TaskKind, entityType EntityType, requestID string, data map[string]any) Task {
	t.Helper()
	task, err := f.tasks.Create(f.ctx, Task{
		Kind:        kind,
		EntityType:  entityType,
		EntityID:    "entity-" + requestID,
		Key:         TaskKey("entity-"+requestID, f.now),
		Value:       TaskValue{Data: data},
		LastUpdated: f.now,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task.State = StateSent
	task.Value.RequestID = requestID
	task, err = f.tasks.Update(f.ctx, task)
	if err != nil {
		t.Fatalf("mark task sent: %v", err)
	}
	return task
}

func TestReconcileIgnoresOperationsNotNewerThanTask(t *testing.T) {
	f := newFixture(t)
	task := f.sentTask(t, KindOrganizationCreate, EntityOrganization, "R1", map[string]any{"name": "parks", "title": "Parks"})
	r := f.reconciler()

	f.platform.setStatus("R1", op(platform.OperationSucceeded, f.now.Add(-time.Minute), "old"))
	got, err := r.Reconcile(f.ctx, task.ID)
	if err != nil || got.State != StateSent {
		t.Fatalf("older operation must be ignored: %+v %v", got, err)
	}
	f.platform.setStatus("R1", op(platform.OperationSucceeded, f.now, "same instant"))
	got, err = r.Reconcile(f.ctx, task.ID)
	if err != nil || got.State != StateSent {
		t.Fatalf("equal timestamp must be ignored: %+v %v", got, err)
	}
	f.platform.setStatus("R1")
	if got, err = r.Reconcile(f.ctx, task.ID); err != nil || got.State != StateSent {
		t.Fatalf("empty status must be ignored: %+v %v", got, err)
	}
}

func TestReconcileSucceededMaterializesOnce(t *testing.T) {
	f := newFixture(t)
	task := f.sentTask(t, KindOrganizationCreate, EntityOrganization, "R1", map[string]any{"name": "parks", "title": "Parks"})
	r := f.reconciler()
	at := f.now.Add(5 * time.Minute)
	done := op(platform.OperationSucceeded, at, "created")
	done.CustomProperties = map[string]any{"OrganisationId": float64(314)}
	f.platform.setStatus("R1", op(platform.OperationInProgress, f.now.Add(time.Minute), "queued"), done)

	got, err := r.Reconcile(f.ctx, task.ID)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if got.State != StateSucceeded || !got.LastUpdated.Equal(at) || got.Value.PlatformMessage != "created" {
		t.Fatalf("unexpected task %+v", got)
	}
	org, err := f.local.Show(f.ctx, EntityOrganization, "parks")
	if err != nil || org.String("platform_id") != "314" || org.ID() != task.EntityID {
		t.Fatalf("organization not materialized: %#v %v", org, err)
	}

	again, err := r.Reconcile(f.ctx, task.ID)
	if err != nil || again.State != StateSucceeded || !again.LastUpdated.Equal(at) {
		t.Fatalf("second reconcile must be a no-op: %+v %v", again, err)
	}
}

func TestReconcileEqualTimestampsAppliesLastListed(t *testing.T) {
	f := newFixture(t)
	task := f.sentTask(t, KindOrganizationCreate, EntityOrganization, "R1", map[string]any{"name": "parks", "title": "Parks"})
	at := f.now.Add(time.Second)
	done := op(platform.OperationSucceeded, at, "created")
	done.CustomProperties = map[string]any{"OrganisationId": float64(7)}
	f.platform.setStatus("R1", op(platform.OperationInProgress, at, "queued"), done)

	if _, err := f.reconciler().ReconcileOpen(f.ctx); err != nil {
		t.Fatalf("reconcile open failed: %v", err)
	}
	stored, err := f.tasks.Get(f.ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.State != StateSucceeded || !stored.LastUpdated.Equal(at) {
		t.Fatalf("expected succeeded at %s, got %s at %s", at, stored.State, stored.LastUpdated)
	}
	if org, err := f.local.Show(f.ctx, EntityOrganization, "parks"); err != nil || org.String("platform_id") != "7" {
		t.Fatalf("success handler did not run: %#v %v", org, err)
	}
}

func TestReconcileInProgressAndFailed(t *testing.T) {
	f := newFixture(t)
	task := f.sentTask(t, KindDatasetUpdate, EntityDataset, "R1", nil)
	r := f.reconciler()

	f.platform.setStatus("R1", op(platform.OperationInProgress, f.now.Add(time.Minute), "processing"))
	got, err := r.Reconcile(f.ctx, task.ID)
	if err != nil || got.State != StateInProgress || got.Value.PlatformMessage != "processing" {
		t.Fatalf("expected in_progress, got %+v %v", got, err)
	}

	f.platform.setStatus("R1",
		op(platform.OperationInProgress, f.now.Add(time.Minute), "processing"),
		op(platform.OperationFailed, f.now.Add(2*time.Minute), "title already taken"),
	)
	got, err = r.Reconcile(f.ctx, task.ID)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if got.State != StateError || got.Error != "title already taken" {
		t.Fatalf("expected error state with platform message, got %+v", got)
	}
}

func TestReconcileUnknownKindFailsTask(t *testing.T) {
	f := newFixture(t)
	task := f.sentTask(t, KindFileUpdate, EntityFile, "R1", nil)
	f.platform.setStatus("R1", op(platform.OperationSucceeded, f.now.Add(time.Minute), "ok"))

	got, err := f.reconciler().Reconcile(f.ctx, task.ID)
	if !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("expected unknown task type, got %v", err)
	}
	stored, _ := f.tasks.Get(f.ctx, task.ID)
	if got.State != StateError || stored.State != StateError || stored.Value.Error == nil {
		t.Fatalf("handler failure must be recorded on the task: %+v", stored)
	}
}

func TestReconcileHandlerErrorIsRecorded(t *testing.T) {
	f := newFixture(t)
	task := f.sentTask(t, KindDatasetUpdate, EntityDataset, "R1", nil)
	handlers := NewHandlerRegistry()
	handlers.Register(KindDatasetUpdate, func(context.Context, Task, platform.Operation) error {
		return errors.New("disk full")
	})
	r := NewReconciler(ReconcilerOptions{Tasks: f.tasks, Platform: f.platform, Handlers: handlers})
	f.platform.setStatus("R1", op(platform.OperationSucceeded, f.now.Add(time.Minute), "ok"))

	got, err := r.Reconcile(f.ctx, task.ID)
	if err == nil || got.State != StateError || got.Error != "disk full" {
		t.Fatalf("expected recorded handler error, got %+v %v", got, err)
	}
}

func TestReconcileLeavesClosedTasksAlone(t *testing.T) {
	f := newFixture(t)
	task := f.sentTask(t, KindDatasetUpdate, EntityDataset, "R1", nil)
	task.State = StateSucceeded
	if _, err := f.tasks.Update(f.ctx, task); err != nil {
		t.Fatalf("update task: %v", err)
	}
	f.platform.statusErr = errors.New("must not be called")
	got, err := f.reconciler().Reconcile(f.ctx, task.ID)
	if err != nil || got.State != StateSucceeded {
		t.Fatalf("closed task must come back unchanged: %+v %v", got, err)
	}
}

func TestReconcileRequiresRequestID(t *testing.T) {
	f := newFixture(t)
	task, err := f.tasks.Create(f.ctx, Task{Kind: KindDatasetUpdate, EntityType: EntityDataset, EntityID: "d1", Key: TaskKey("d1", f.now), LastUpdated: f.now})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := f.reconciler().Reconcile(f.ctx, task.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReconcileOpenCountsOutcomes(t *testing.T) {
	f := newFixture(t)
	changed := f.sentTask(t, KindDatasetUpdate, EntityDataset, "R1", nil)
	f.sentTask(t, KindDatasetUpdate, EntityDataset, "R2", nil)
	f.sentTask(t, KindFileUpdate, EntityFile, "R3", nil)
	f.platform.setStatus("R1", op(platform.OperationFailed, f.now.Add(time.Minute), "rejected"))
	f.platform.setStatus("R3", op(platform.OperationSucceeded, f.now.Add(time.Minute), "ok"))

	report, err := f.reconciler().ReconcileOpen(f.ctx)
	if err != nil {
		t.Fatalf("reconcile open failed: %v", err)
	}
	if report.Checked != 3 || report.Changed != 1 || report.Finished != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	stored, _ := f.tasks.Get(f.ctx, changed.ID)
	if stored.State != StateError {
		t.Fatalf("expected failed task, got %s", stored.State)
	}

	report, err = f.reconciler().ReconcileOpen(f.ctx)
	if err != nil || report.Checked != 1 {
		t.Fatalf("only the untouched task stays open: %+v %v", report, err)
	}
}
