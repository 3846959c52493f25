package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// CreateTask inserts a task, idempotent on correlation key. When the key is
// already present the stored task's id is returned with created=false and
// nothing is written.
func (s *Store) CreateTask(ctx context.Context, task types.Task) (string, bool, error) {
	return createTask(ctx, s.db, task)
}

// CreateTask is the transactional variant.
func (t *Tx) CreateTask(ctx context.Context, task types.Task) (string, bool, error) {
	return createTask(ctx, t.tx, task)
}

func createTask(ctx context.Context, q dbtx, task types.Task) (string, bool, error) {
	if task.ID == "" || task.CorrelationKey == "" {
		return "", false, types.NewValidationError("task", "id and correlation_key required")
	}
	if !task.Status.IsValid() {
		return "", false, types.NewValidationError("task.status", fmt.Sprintf("unknown status %q", task.Status))
	}

	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO tasks
			(id, description, status, priority, correlation_key, origin, cancel_requested, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		task.ID, task.Description, string(task.Status), task.Priority,
		task.CorrelationKey, task.Origin, encodeTime(task.CreatedAt), encodeTime(task.UpdatedAt))
	if err != nil {
		return "", false, fmt.Errorf("insert task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("insert task: %w", err)
	}
	if n > 0 {
		logging.StoreDebug("Task %s created (key=%s)", task.ID, task.CorrelationKey)
		return task.ID, true, nil
	}

	// Duplicate submit: hand back the original id.
	var existing string
	err = q.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE correlation_key = ?`, task.CorrelationKey).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("lookup existing task: %w", err)
	}
	logging.StoreDebug("Task submit deduplicated: key=%s -> %s", task.CorrelationKey, existing)
	return existing, false, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (types.Task, error) {
	return getTask(ctx, s.db, id)
}

// GetTask is the transactional variant.
func (t *Tx) GetTask(ctx context.Context, id string) (types.Task, error) {
	return getTask(ctx, t.tx, id)
}

func getTask(ctx context.Context, q dbtx, id string) (types.Task, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, description, status, priority, correlation_key, origin, cancel_requested, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func scanTask(row *sql.Row) (types.Task, error) {
	var task types.Task
	var status, createdAt, updatedAt string
	var cancel int
	err := row.Scan(&task.ID, &task.Description, &status, &task.Priority,
		&task.CorrelationKey, &task.Origin, &cancel, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, types.ErrTaskNotFound
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.Status = types.TaskStatus(status)
	task.CancelRequested = cancel != 0
	task.CreatedAt = decodeTime(createdAt)
	task.UpdatedAt = decodeTime(updatedAt)
	return task, nil
}

// ListTasksByStatus returns up to limit tasks in the given status, highest
// priority first, oldest first within a priority.
func (s *Store) ListTasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, status, priority, correlation_key, origin, cancel_requested, created_at, updated_at
		FROM tasks WHERE status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		var task types.Task
		var st, createdAt, updatedAt string
		var cancel int
		if err := rows.Scan(&task.ID, &task.Description, &st, &task.Priority,
			&task.CorrelationKey, &task.Origin, &cancel, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.Status = types.TaskStatus(st)
		task.CancelRequested = cancel != 0
		task.CreatedAt = decodeTime(createdAt)
		task.UpdatedAt = decodeTime(updatedAt)
		out = append(out, task)
	}
	return out, rows.Err()
}

// CountTasksByStatus returns the number of tasks in the given status.
func (s *Store) CountTasksByStatus(ctx context.Context, status types.TaskStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// UpdateTaskStatus transitions a task, enforcing terminal-state rules.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status types.TaskStatus, now time.Time) error {
	return s.RunInTx(ctx, func(tx *Tx) error {
		return tx.UpdateTaskStatus(ctx, id, status, now)
	})
}

// UpdateTaskStatus is the transactional variant.
func (t *Tx) UpdateTaskStatus(ctx context.Context, id string, status types.TaskStatus, now time.Time) error {
	return updateTaskStatus(ctx, t.tx, id, status, now)
}

func updateTaskStatus(ctx context.Context, q dbtx, id string, status types.TaskStatus, now time.Time) error {
	if !status.IsValid() {
		return types.NewValidationError("task.status", fmt.Sprintf("unknown status %q", status))
	}

	current, err := getTask(ctx, q, id)
	if err != nil {
		return err
	}
	if !taskTransitionAllowed(current.Status, status) {
		return types.NewValidationError("task.status",
			fmt.Sprintf("illegal transition %s -> %s for task %s", current.Status, status, id))
	}

	_, err = q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), encodeTime(now), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	logging.StoreDebug("Task %s: %s -> %s", id, current.Status, status)
	return nil
}

// taskTransitionAllowed encodes the task state machine. Completed and failed
// are dead ends; deferred tasks may be reactivated to pending when the
// external authority resolves them.
func taskTransitionAllowed(from, to types.TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case types.TaskPending:
		return to == types.TaskActive || to == types.TaskFailed || to == types.TaskDeferred
	case types.TaskActive:
		return to == types.TaskCompleted || to == types.TaskFailed || to == types.TaskDeferred
	case types.TaskDeferred:
		return to == types.TaskPending
	default:
		return false
	}
}

// RequestCancel marks a task for cooperative cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?`, encodeTime(now), id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.ErrTaskNotFound
	}
	return nil
}
