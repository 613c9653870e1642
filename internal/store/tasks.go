package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/canon/internal/model"
)

// InsertTaskIfMissing atomically creates a pending projection task unless
// one with the same (reference_id, version, view_name) triple already
// exists. On conflict the existing task is returned unchanged.
//
// This is the enqueue-if-missing kernel: the UNIQUE constraint claims the
// triple, ON CONFLICT DO NOTHING turns the lost race into rowsAffected == 0,
// and the insert-or-select runs in one transaction so concurrent producers
// always observe exactly one task.
func (s *Store) InsertTaskIfMissing(ctx context.Context, task model.ProjectionTask) (model.ProjectionTask, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ProjectionTask{}, false, fmt.Errorf("insert task: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO projection_tasks (id, reference_id, version, view_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(reference_id, version, view_name) DO NOTHING
	`,
		task.ID,
		task.ReferenceID,
		task.Version,
		task.View,
		string(model.TaskPending),
		task.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return model.ProjectionTask{}, false, fmt.Errorf("insert task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return model.ProjectionTask{}, false, fmt.Errorf("insert task: rows affected: %w", err)
	}

	if affected > 0 {
		task.Status = model.TaskPending
		if err := tx.Commit(); err != nil {
			return model.ProjectionTask{}, false, fmt.Errorf("insert task: commit: %w", err)
		}
		return task, true, nil
	}

	// Conflict - the triple is already claimed, fetch the existing task.
	existing, err := scanTask(tx.QueryRowContext(ctx, `
		SELECT id, reference_id, version, view_name, status, created_at, attempted_at
		FROM projection_tasks
		WHERE reference_id = ? AND version = ? AND view_name = ?
	`, task.ReferenceID, task.Version, task.View))
	if err != nil {
		return model.ProjectionTask{}, false, fmt.Errorf("insert task: select existing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.ProjectionTask{}, false, fmt.Errorf("insert task: commit (existing): %w", err)
	}

	return existing, false, nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (model.ProjectionTask, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT id, reference_id, version, view_name, status, created_at, attempted_at
		FROM projection_tasks
		WHERE id = ?
	`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProjectionTask{}, model.NewNotFound(fmt.Sprintf("task %s", taskID))
	}
	if err != nil {
		return model.ProjectionTask{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// GetTaskByTriple returns the task for a (reference, version, view) triple.
func (s *Store) GetTaskByTriple(ctx context.Context, referenceID string, version int64, view string) (model.ProjectionTask, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT id, reference_id, version, view_name, status, created_at, attempted_at
		FROM projection_tasks
		WHERE reference_id = ? AND version = ? AND view_name = ?
	`, referenceID, version, view))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProjectionTask{}, model.NewNotFound(
			fmt.Sprintf("task %s/%d/%s", referenceID, version, view))
	}
	if err != nil {
		return model.ProjectionTask{}, fmt.Errorf("get task by triple: %w", err)
	}
	return task, nil
}

// TransitionTask moves a task between statuses. The transition only applies
// when the current status is one of allowedFrom, which keeps transitions
// monotonic: terminal states cannot be left through this method.
//
// Returns false (without error) when the task exists but is not in an
// allowed predecessor state.
func (s *Store) TransitionTask(
	ctx context.Context,
	taskID string,
	to model.TaskStatus,
	at time.Time,
	allowedFrom ...model.TaskStatus,
) (bool, error) {
	if len(allowedFrom) == 0 {
		return false, fmt.Errorf("transition task: no predecessor states given")
	}

	query := `UPDATE projection_tasks SET status = ?, attempted_at = ? WHERE id = ? AND status IN (?`
	args := []any{string(to), at.UnixMilli(), taskID, string(allowedFrom[0])}
	for _, from := range allowedFrom[1:] {
		query += ", ?"
		args = append(args, string(from))
	}
	query += ")"

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition task %s to %s: %w", taskID, to, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition task: rows affected: %w", err)
	}

	return affected > 0, nil
}

// ResetFailedTask moves a failed task back to pending. This is the explicit
// override path for re-running a failed task without a version change.
func (s *Store) ResetFailedTask(ctx context.Context, referenceID string, version int64, view string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projection_tasks SET status = ?
		WHERE reference_id = ? AND version = ? AND view_name = ? AND status = ?
	`, string(model.TaskPending), referenceID, version, view, string(model.TaskFailed))
	if err != nil {
		return false, fmt.Errorf("reset failed task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset failed task: rows affected: %w", err)
	}
	return affected > 0, nil
}

// ScanTasks returns one batch of tasks with the given status, ordered by id.
// Task ids are UUIDv7 (time-sortable), so id order is creation order and the
// last id of a batch is a restartable cursor: pass it back as afterID to
// resume the scan, including from a different process.
//
// An empty batch means the scan is complete.
func (s *Store) ScanTasks(ctx context.Context, status model.TaskStatus, afterID string, limit int) ([]model.ProjectionTask, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("scan tasks: limit must be positive, got %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reference_id, version, view_name, status, created_at, attempted_at
		FROM projection_tasks
		WHERE status = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, string(status), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.ProjectionTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tasks: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, nil
}

// CountTasks returns the number of tasks with the given status.
func (s *Store) CountTasks(ctx context.Context, status model.TaskStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM projection_tasks WHERE status = ?
	`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (model.ProjectionTask, error) {
	var (
		task        model.ProjectionTask
		status      string
		createdAt   int64
		attemptedAt sql.NullInt64
	)
	err := row.Scan(&task.ID, &task.ReferenceID, &task.Version, &task.View, &status, &createdAt, &attemptedAt)
	if err != nil {
		return model.ProjectionTask{}, err
	}
	task.Status = model.TaskStatus(status)
	task.CreatedAt = time.UnixMilli(createdAt).UTC()
	if attemptedAt.Valid {
		task.AttemptedAt = time.UnixMilli(attemptedAt.Int64).UTC()
	}
	return task, nil
}
