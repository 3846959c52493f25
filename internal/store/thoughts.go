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

// CreateThought inserts a thought.
func (s *Store) CreateThought(ctx context.Context, th types.Thought) error {
	return createThought(ctx, s.db, th)
}

// CreateThought is the transactional variant; used when a ponder handler
// spawns the follow-up thought in the same transaction that finalizes its
// parent.
func (t *Tx) CreateThought(ctx context.Context, th types.Thought) error {
	return createThought(ctx, t.tx, th)
}

func createThought(ctx context.Context, q dbtx, th types.Thought) error {
	if th.ID == "" || th.TaskID == "" {
		return types.NewValidationError("thought", "id and task_id required")
	}
	if !th.Status.IsValid() {
		return types.NewValidationError("thought.status", fmt.Sprintf("unknown status %q", th.Status))
	}
	if th.Depth < 0 {
		return types.NewValidationError("thought.depth", "negative depth")
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO thoughts
			(id, task_id, parent_id, content, status, round, depth, rationale, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		th.ID, th.TaskID, th.ParentID, th.Content, string(th.Status),
		th.Round, th.Depth, th.Rationale, encodeTime(th.CreatedAt), encodeTime(th.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert thought: %w", err)
	}
	logging.StoreDebug("Thought %s created (task=%s depth=%d)", th.ID, th.TaskID, th.Depth)
	return nil
}

// GetThought fetches one thought by id.
func (s *Store) GetThought(ctx context.Context, id string) (types.Thought, error) {
	return getThought(ctx, s.db, id)
}

// GetThought is the transactional variant.
func (t *Tx) GetThought(ctx context.Context, id string) (types.Thought, error) {
	return getThought(ctx, t.tx, id)
}

func getThought(ctx context.Context, q dbtx, id string) (types.Thought, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, task_id, parent_id, content, status, round, depth, rationale, created_at, updated_at
		FROM thoughts WHERE id = ?`, id)

	var th types.Thought
	var status, createdAt, updatedAt string
	err := row.Scan(&th.ID, &th.TaskID, &th.ParentID, &th.Content, &status,
		&th.Round, &th.Depth, &th.Rationale, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Thought{}, types.ErrThoughtNotFound
	}
	if err != nil {
		return types.Thought{}, fmt.Errorf("scan thought: %w", err)
	}
	th.Status = types.ThoughtStatus(status)
	th.CreatedAt = decodeTime(createdAt)
	th.UpdatedAt = decodeTime(updatedAt)
	return th, nil
}

// PendingThoughts returns up to limit pending thoughts, oldest first, joined
// against their owning task's priority so urgent tasks drain first.
func (s *Store) PendingThoughts(ctx context.Context, limit int) ([]types.Thought, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.task_id, t.parent_id, t.content, t.status, t.round, t.depth, t.rationale, t.created_at, t.updated_at
		FROM thoughts t
		JOIN tasks k ON k.id = t.task_id
		WHERE t.status = ?
		ORDER BY k.priority DESC, t.created_at ASC
		LIMIT ?`, string(types.ThoughtPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending thoughts: %w", err)
	}
	defer rows.Close()
	return scanThoughts(rows)
}

// FairPendingBatch selects one round of work: the oldest pending thought of
// each schedulable task, highest task priority first, capped at limit.
// Taking at most one thought per task per round serializes each task's
// chain while keeping rounds fair across tasks. Tasks marked for
// cancellation stay in the batch so the cancellation drains through normal
// processing.
func (s *Store) FairPendingBatch(ctx context.Context, limit int) ([]types.Thought, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH ranked AS (
			SELECT t.id, t.task_id, t.parent_id, t.content, t.status, t.round, t.depth, t.rationale,
			       t.created_at, t.updated_at,
			       k.priority AS task_priority,
			       ROW_NUMBER() OVER (PARTITION BY t.task_id ORDER BY t.created_at ASC, t.id ASC) AS rn
			FROM thoughts t
			JOIN tasks k ON k.id = t.task_id
			WHERE t.status = ? AND k.status IN (?, ?)
		)
		SELECT id, task_id, parent_id, content, status, round, depth, rationale, created_at, updated_at
		FROM ranked
		WHERE rn = 1
		ORDER BY task_priority DESC, created_at ASC
		LIMIT ?`,
		string(types.ThoughtPending), string(types.TaskPending), string(types.TaskActive), limit)
	if err != nil {
		return nil, fmt.Errorf("select fair batch: %w", err)
	}
	defer rows.Close()
	return scanThoughts(rows)
}

// ThoughtsByStatus lists thoughts in the given status, oldest first. The
// startup sweep uses it to find thoughts stranded in processing by a crash.
func (s *Store) ThoughtsByStatus(ctx context.Context, status types.ThoughtStatus, limit int) ([]types.Thought, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, parent_id, content, status, round, depth, rationale, created_at, updated_at
		FROM thoughts WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list thoughts by status: %w", err)
	}
	defer rows.Close()
	return scanThoughts(rows)
}

// ThoughtsForTask returns every thought belonging to a task, oldest first.
func (s *Store) ThoughtsForTask(ctx context.Context, taskID string) ([]types.Thought, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, parent_id, content, status, round, depth, rationale, created_at, updated_at
		FROM thoughts WHERE task_id = ?
		ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task thoughts: %w", err)
	}
	defer rows.Close()
	return scanThoughts(rows)
}

func scanThoughts(rows *sql.Rows) ([]types.Thought, error) {
	var out []types.Thought
	for rows.Next() {
		var th types.Thought
		var status, createdAt, updatedAt string
		if err := rows.Scan(&th.ID, &th.TaskID, &th.ParentID, &th.Content, &status,
			&th.Round, &th.Depth, &th.Rationale, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan thought: %w", err)
		}
		th.Status = types.ThoughtStatus(status)
		th.CreatedAt = decodeTime(createdAt)
		th.UpdatedAt = decodeTime(updatedAt)
		out = append(out, th)
	}
	return out, rows.Err()
}

// ThoughtChain walks parent links from the given thought back to the seed,
// returning seed first. Chains are short (bounded by the ponder cap) so the
// walk is one query per hop.
func (s *Store) ThoughtChain(ctx context.Context, thoughtID string) ([]types.Thought, error) {
	var chain []types.Thought
	id := thoughtID
	for id != "" {
		th, err := getThought(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, th)
		id = th.ParentID
		if len(chain) > 1000 {
			return nil, fmt.Errorf("thought chain cycle detected at %s", thoughtID)
		}
	}
	// Reverse to seed-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// UpdateThoughtStatus transitions a thought, enforcing that terminal
// statuses are final.
func (s *Store) UpdateThoughtStatus(ctx context.Context, id string, status types.ThoughtStatus, rationale string, now time.Time) error {
	return s.RunInTx(ctx, func(tx *Tx) error {
		return tx.UpdateThoughtStatus(ctx, id, status, rationale, now)
	})
}

// UpdateThoughtStatus is the transactional variant.
func (t *Tx) UpdateThoughtStatus(ctx context.Context, id string, status types.ThoughtStatus, rationale string, now time.Time) error {
	if !status.IsValid() {
		return types.NewValidationError("thought.status", fmt.Sprintf("unknown status %q", status))
	}

	current, err := getThought(ctx, t.tx, id)
	if err != nil {
		return err
	}
	if !thoughtTransitionAllowed(current.Status, status) {
		return types.NewValidationError("thought.status",
			fmt.Sprintf("illegal transition %s -> %s for thought %s", current.Status, status, id))
	}

	_, err = t.tx.ExecContext(ctx,
		`UPDATE thoughts SET status = ?, rationale = ?, updated_at = ? WHERE id = ?`,
		string(status), rationale, encodeTime(now), id)
	if err != nil {
		return fmt.Errorf("update thought status: %w", err)
	}
	logging.StoreDebug("Thought %s: %s -> %s", id, current.Status, status)
	return nil
}

// thoughtTransitionAllowed encodes the thought state machine. Terminal
// statuses never transition again.
func thoughtTransitionAllowed(from, to types.ThoughtStatus) bool {
	switch from {
	case types.ThoughtPending:
		// Pending can fail directly when validation rejects it before
		// processing starts.
		return to == types.ThoughtProcessing || to == types.ThoughtFailed
	case types.ThoughtProcessing:
		return to == types.ThoughtCompleted || to == types.ThoughtDeferred || to == types.ThoughtFailed
	default:
		return false
	}
}

// FailPendingForTask fails every still-pending thought of a task, returning
// how many were swept. Used when an explicit completion or cancellation
// supersedes queued siblings.
func (t *Tx) FailPendingForTask(ctx context.Context, taskID, rationale string, now time.Time) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE thoughts SET status = ?, rationale = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(types.ThoughtFailed), rationale, encodeTime(now), taskID, string(types.ThoughtPending))
	if err != nil {
		return 0, fmt.Errorf("fail pending thoughts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail pending thoughts: %w", err)
	}
	if n > 0 {
		logging.StoreDebug("Swept %d pending thoughts for task %s", n, taskID)
	}
	return int(n), nil
}

// CountPendingThoughtsForTask returns how many non-terminal thoughts remain
// for a task. Zero means the task can settle.
func (s *Store) CountPendingThoughtsForTask(ctx context.Context, taskID string) (int, error) {
	return countPendingThoughtsForTask(ctx, s.db, taskID)
}

// CountPendingThoughtsForTask is the transactional variant.
func (t *Tx) CountPendingThoughtsForTask(ctx context.Context, taskID string) (int, error) {
	return countPendingThoughtsForTask(ctx, t.tx, taskID)
}

func countPendingThoughtsForTask(ctx context.Context, q dbtx, taskID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM thoughts
		WHERE task_id = ? AND status IN (?, ?)`,
		taskID, string(types.ThoughtPending), string(types.ThoughtProcessing)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending thoughts: %w", err)
	}
	return n, nil
}
