package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/roach88/canon/internal/model"
)

func newTestTask(id, ref string, version int64, view string) model.ProjectionTask {
	return model.ProjectionTask{
		ID:          id,
		ReferenceID: ref,
		Version:     version,
		View:        view,
		Status:      model.TaskPending,
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestInsertTaskIfMissing_CreatesNew(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, created, err := s.InsertTaskIfMissing(ctx, newTestTask("task-1", "ref-1", 1, "search"))
	if err != nil {
		t.Fatalf("InsertTaskIfMissing() failed: %v", err)
	}
	if !created {
		t.Error("expected created=true for new task")
	}
	if task.Status != model.TaskPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
}

func TestInsertTaskIfMissing_DuplicateTripleIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, created, err := s.InsertTaskIfMissing(ctx, newTestTask("task-1", "ref-1", 1, "search"))
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if !created {
		t.Fatal("first insert should create")
	}

	// Same triple, different task id: must return the existing identity.
	second, created, err := s.InsertTaskIfMissing(ctx, newTestTask("task-2", "ref-1", 1, "search"))
	if err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	if created {
		t.Error("second insert should be a no-op")
	}
	if second.ID != first.ID {
		t.Errorf("existing task id = %q, want %q", second.ID, first.ID)
	}

	count, err := s.CountTasks(ctx, model.TaskPending)
	if err != nil {
		t.Fatalf("CountTasks() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("pending count = %d, want exactly 1", count)
	}
}

func TestInsertTaskIfMissing_DifferentVersionCreates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.InsertTaskIfMissing(ctx, newTestTask("task-1", "ref-1", 1, "search")); err != nil {
		t.Fatal(err)
	}
	_, created, err := s.InsertTaskIfMissing(ctx, newTestTask("task-2", "ref-1", 2, "search"))
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("new version should create a new task")
	}
}

func TestTransitionTask_Monotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, _, err := s.InsertTaskIfMissing(ctx, newTestTask("task-1", "ref-1", 1, "search")); err != nil {
		t.Fatal(err)
	}

	ok, err := s.TransitionTask(ctx, "task-1", model.TaskProcessing, now, model.TaskPending)
	if err != nil || !ok {
		t.Fatalf("pending->processing: ok=%v err=%v", ok, err)
	}

	ok, err = s.TransitionTask(ctx, "task-1", model.TaskCompleted, now, model.TaskProcessing)
	if err != nil || !ok {
		t.Fatalf("processing->completed: ok=%v err=%v", ok, err)
	}

	// Completed is terminal: further transitions must not apply.
	ok, err = s.TransitionTask(ctx, "task-1", model.TaskProcessing, now, model.TaskPending, model.TaskProcessing)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("terminal task must not transition")
	}

	task, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != model.TaskCompleted {
		t.Errorf("status = %q, want completed", task.Status)
	}
}

func TestResetFailedTask_OverridePath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, _, err := s.InsertTaskIfMissing(ctx, newTestTask("task-1", "ref-1", 1, "search")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionTask(ctx, "task-1", model.TaskProcessing, now, model.TaskPending); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionTask(ctx, "task-1", model.TaskFailed, now, model.TaskProcessing); err != nil {
		t.Fatal(err)
	}

	ok, err := s.ResetFailedTask(ctx, "ref-1", 1, "search")
	if err != nil || !ok {
		t.Fatalf("ResetFailedTask: ok=%v err=%v", ok, err)
	}

	task, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != model.TaskPending {
		t.Errorf("status = %q, want pending after reset", task.Status)
	}

	// Reset only applies to failed tasks.
	ok, err = s.ResetFailedTask(ctx, "ref-1", 1, "search")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("reset of a non-failed task should be a no-op")
	}
}

func TestScanTasks_CursorRestartable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Lexically ordered ids stand in for UUIDv7 time ordering.
	for i := 0; i < 5; i++ {
		task := newTestTask(fmt.Sprintf("task-%d", i), fmt.Sprintf("ref-%d", i), 1, "search")
		if _, _, err := s.InsertTaskIfMissing(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	batch1, err := s.ScanTasks(ctx, model.TaskPending, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch1) != 2 {
		t.Fatalf("batch1 len = %d, want 2", len(batch1))
	}

	// Resume from the cursor as a fresh caller would.
	batch2, err := s.ScanTasks(ctx, model.TaskPending, batch1[len(batch1)-1].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch2) != 3 {
		t.Fatalf("batch2 len = %d, want 3", len(batch2))
	}

	seen := map[string]bool{}
	for _, task := range append(batch1, batch2...) {
		if seen[task.ID] {
			t.Errorf("task %s returned twice", task.ID)
		}
		seen[task.ID] = true
	}

	// Exhausted scan returns an empty batch.
	batch3, err := s.ScanTasks(ctx, model.TaskPending, batch2[len(batch2)-1].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch3) != 0 {
		t.Errorf("batch3 len = %d, want 0", len(batch3))
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetTask(context.Background(), "missing")
	if !model.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
