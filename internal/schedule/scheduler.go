// Package schedule creates and advances projection tasks. The core
// guarantee is exactly-once scheduling per (reference, version, view)
// triple: enqueue is idempotent against the task table's unique index, so
// concurrent producers and crash-retry loops cannot double-schedule work.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/canon/internal/model"
	"github.com/roach88/canon/internal/store"
)

const defaultMaxDeliveryAttempts = 3

// Scheduler wraps the task table with lifecycle and delivery semantics.
type Scheduler struct {
	store       *store.Store
	ids         IDGenerator
	now         func() time.Time
	delivery    Delivery
	maxAttempts int
	logger      *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithIDGenerator overrides the task id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Scheduler) { s.ids = g }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithDelivery attaches a delivery sink invoked for newly created tasks.
func WithDelivery(d Delivery) Option {
	return func(s *Scheduler) { s.delivery = d }
}

// WithMaxDeliveryAttempts bounds delivery retries per enqueue.
func WithMaxDeliveryAttempts(n int) Option {
	return func(s *Scheduler) { s.maxAttempts = n }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New creates a scheduler over the given store.
func New(st *store.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       st,
		ids:         UUIDv7Generator{},
		now:         time.Now,
		maxAttempts: defaultMaxDeliveryAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueIfMissing schedules a projection task for the triple, returning
// the existing task when one is already scheduled. Created reports whether
// this call inserted the task.
//
// New tasks are handed to the delivery sink with bounded retries; a sink
// that stays down yields a DELIVERY_ERROR while the task itself remains
// pending, so a later enqueue (a no-op insert) retries delivery.
func (s *Scheduler) EnqueueIfMissing(ctx context.Context, referenceID string, version int64, view string) (model.ProjectionTask, bool, error) {
	if view == "" {
		return model.ProjectionTask{}, false, model.NewConfigurationError("view name is required")
	}

	task, created, err := s.store.InsertTaskIfMissing(ctx, model.ProjectionTask{
		ID:          s.ids.Generate(),
		ReferenceID: referenceID,
		Version:     version,
		View:        view,
		Status:      model.TaskPending,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return model.ProjectionTask{}, false, err
	}

	if created {
		s.logger.Debug("projection task scheduled",
			"task_id", task.ID,
			"reference_id", referenceID,
			"version", version,
			"view", view)
	}

	// Deliver pending tasks even when this call lost the insert race: the
	// winner may have crashed before its delivery went out.
	if s.delivery != nil && task.Status == model.TaskPending {
		if err := s.deliver(ctx, task); err != nil {
			return task, created, err
		}
	}
	return task, created, nil
}

// deliver retries the sink up to maxAttempts with doubling backoff.
func (s *Scheduler) deliver(ctx context.Context, task model.ProjectionTask) error {
	backoff := 10 * time.Millisecond
	var last error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		last = s.delivery.Deliver(ctx, task)
		if last == nil {
			return nil
		}
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	s.logger.Warn("task delivery exhausted retries",
		"task_id", task.ID,
		"attempts", s.maxAttempts,
		"error", last)
	return model.NewDeliveryError(task.ReferenceID, s.maxAttempts, last)
}

// EnqueueWithOverride re-opens a failed task for the triple before
// enqueueing. This is the operator path for retrying a projection that
// reached the terminal failed state.
func (s *Scheduler) EnqueueWithOverride(ctx context.Context, referenceID string, version int64, view string) (model.ProjectionTask, bool, error) {
	reset, err := s.store.ResetFailedTask(ctx, referenceID, version, view)
	if err != nil {
		return model.ProjectionTask{}, false, err
	}
	if reset {
		s.logger.Info("failed task reset for retry",
			"reference_id", referenceID,
			"version", version,
			"view", view)
	}
	return s.EnqueueIfMissing(ctx, referenceID, version, view)
}

// MarkProcessing moves a pending task to processing. Returns false when the
// task is not pending, which is how competing workers lose the claim.
func (s *Scheduler) MarkProcessing(ctx context.Context, taskID string) (bool, error) {
	return s.store.TransitionTask(ctx, taskID, model.TaskProcessing, s.now().UTC(), model.TaskPending)
}

// MarkCompleted moves a processing task to completed.
func (s *Scheduler) MarkCompleted(ctx context.Context, taskID string) (bool, error) {
	return s.store.TransitionTask(ctx, taskID, model.TaskCompleted, s.now().UTC(), model.TaskProcessing)
}

// MarkFailed moves a pending or processing task to failed.
func (s *Scheduler) MarkFailed(ctx context.Context, taskID string) (bool, error) {
	return s.store.TransitionTask(ctx, taskID, model.TaskFailed, s.now().UTC(), model.TaskPending, model.TaskProcessing)
}

// Task fetches one task by id.
func (s *Scheduler) Task(ctx context.Context, taskID string) (model.ProjectionTask, error) {
	return s.store.GetTask(ctx, taskID)
}

// Tasks pages through tasks in a status, in creation order. Pass the last
// returned task's id as afterID to continue; an empty result means the scan
// is complete.
func (s *Scheduler) Tasks(ctx context.Context, status model.TaskStatus, afterID string, limit int) ([]model.ProjectionTask, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("task scan limit must be positive, got %d", limit)
	}
	return s.store.ScanTasks(ctx, status, afterID, limit)
}

// PendingCount returns the number of pending tasks.
func (s *Scheduler) PendingCount(ctx context.Context) (int, error) {
	return s.store.CountTasks(ctx, model.TaskPending)
}
