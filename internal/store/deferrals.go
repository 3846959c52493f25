package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// InsertDeferral records an escalation awaiting the external authority.
func (s *Store) InsertDeferral(ctx context.Context, d types.Deferral) error {
	return insertDeferral(ctx, s.db, d)
}

// InsertDeferral is the transactional variant; deferrals are written in the
// same transaction that marks the thought deferred.
func (t *Tx) InsertDeferral(ctx context.Context, d types.Deferral) error {
	return insertDeferral(ctx, t.tx, d)
}

func insertDeferral(ctx context.Context, q dbtx, d types.Deferral) error {
	ctxJSON := ""
	if len(d.Context) > 0 {
		b, err := json.Marshal(d.Context)
		if err != nil {
			return fmt.Errorf("encode deferral context: %w", err)
		}
		ctxJSON = string(b)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO deferrals
			(id, task_id, thought_id, reason, context, status, resolution, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, '')`,
		d.ID, d.TaskID, d.ThoughtID, d.Reason, ctxJSON, string(d.Status), encodeTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert deferral: %w", err)
	}
	logging.Guidance("Deferral %s recorded for task %s: %s", d.ID, d.TaskID, d.Reason)
	return nil
}

// GetDeferral fetches one deferral by id.
func (s *Store) GetDeferral(ctx context.Context, id string) (types.Deferral, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, thought_id, reason, context, status, resolution, created_at, resolved_at
		FROM deferrals WHERE id = ?`, id)
	d, err := scanDeferral(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Deferral{}, fmt.Errorf("deferral %s not found", id)
	}
	return d, err
}

// PendingDeferrals returns unresolved deferrals, oldest first.
func (s *Store) PendingDeferrals(ctx context.Context) ([]types.Deferral, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, thought_id, reason, context, status, resolution, created_at, resolved_at
		FROM deferrals WHERE status = ?
		ORDER BY created_at ASC`, string(types.DeferralPending))
	if err != nil {
		return nil, fmt.Errorf("list pending deferrals: %w", err)
	}
	defer rows.Close()

	var out []types.Deferral
	for rows.Next() {
		d, err := scanDeferral(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deferral: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ResolveDeferral records the authority's decision. Only pending deferrals
// can be resolved.
func (s *Store) ResolveDeferral(ctx context.Context, id, resolution string, at time.Time) error {
	return resolveDeferral(ctx, s.db, id, resolution, at)
}

// ResolveDeferral is the transactional variant; resolution reactivates the
// owning task in the same transaction.
func (t *Tx) ResolveDeferral(ctx context.Context, id, resolution string, at time.Time) error {
	return resolveDeferral(ctx, t.tx, id, resolution, at)
}

func resolveDeferral(ctx context.Context, q dbtx, id, resolution string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE deferrals SET status = ?, resolution = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		string(types.DeferralResolved), resolution, encodeTime(at),
		id, string(types.DeferralPending))
	if err != nil {
		return fmt.Errorf("resolve deferral: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("deferral %s not pending", id)
	}
	logging.Guidance("Deferral %s resolved", id)
	return nil
}

// ExpireDeferrals marks pending deferrals older than cutoff as expired and
// returns them so the scheduler can settle their tasks.
func (s *Store) ExpireDeferrals(ctx context.Context, cutoff, at time.Time) ([]types.Deferral, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, thought_id, reason, context, status, resolution, created_at, resolved_at
		FROM deferrals WHERE status = ? AND created_at < ?`,
		string(types.DeferralPending), encodeTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("find expired deferrals: %w", err)
	}
	var expired []types.Deferral
	for rows.Next() {
		d, err := scanDeferral(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan deferral: %w", err)
		}
		expired = append(expired, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range expired {
		_, err := s.db.ExecContext(ctx, `
			UPDATE deferrals SET status = ?, resolved_at = ? WHERE id = ?`,
			string(types.DeferralExpired), encodeTime(at), expired[i].ID)
		if err != nil {
			return nil, fmt.Errorf("expire deferral %s: %w", expired[i].ID, err)
		}
		expired[i].Status = types.DeferralExpired
		logging.GuidanceWarn("Deferral %s expired without resolution", expired[i].ID)
	}
	return expired, nil
}

func scanDeferral(row rowScanner) (types.Deferral, error) {
	var d types.Deferral
	var ctxJSON, status, createdAt, resolvedAt string
	if err := row.Scan(&d.ID, &d.TaskID, &d.ThoughtID, &d.Reason, &ctxJSON,
		&status, &d.Resolution, &createdAt, &resolvedAt); err != nil {
		return types.Deferral{}, err
	}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &d.Context); err != nil {
			return types.Deferral{}, fmt.Errorf("decode deferral context: %w", err)
		}
	}
	d.Status = types.DeferralStatus(status)
	d.CreatedAt = decodeTime(createdAt)
	d.ResolvedAt = decodeTime(resolvedAt)
	return d, nil
}
