package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// UpsertMemory writes one node. (scope, key) is the identity, so repeating
// a write is naturally idempotent.
func (s *Store) UpsertMemory(ctx context.Context, rec types.MemoryRecord) error {
	if rec.Scope == "" || rec.Key == "" {
		return types.NewValidationError("memory", "scope and key required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_nodes (scope, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		rec.Scope, rec.Key, rec.Value, encodeTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	logging.MemoryDebug("Memorized %s/%s", rec.Scope, rec.Key)
	return nil
}

// GetMemory reads one node.
func (s *Store) GetMemory(ctx context.Context, scope, key string) (types.MemoryRecord, bool, error) {
	var rec types.MemoryRecord
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT scope, key, value, updated_at FROM memory_nodes
		WHERE scope = ? AND key = ?`, scope, key).
		Scan(&rec.Scope, &rec.Key, &rec.Value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MemoryRecord{}, false, nil
	}
	if err != nil {
		return types.MemoryRecord{}, false, fmt.Errorf("get memory: %w", err)
	}
	rec.UpdatedAt = decodeTime(updatedAt)
	return rec, true, nil
}

// ListMemoryScope returns every node in a scope, key order.
func (s *Store) ListMemoryScope(ctx context.Context, scope string) ([]types.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, key, value, updated_at FROM memory_nodes
		WHERE scope = ? ORDER BY key ASC`, scope)
	if err != nil {
		return nil, fmt.Errorf("list memory scope: %w", err)
	}
	defer rows.Close()

	var out []types.MemoryRecord
	for rows.Next() {
		var rec types.MemoryRecord
		var updatedAt string
		if err := rows.Scan(&rec.Scope, &rec.Key, &rec.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan memory node: %w", err)
		}
		rec.UpdatedAt = decodeTime(updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteMemory removes one node. Deleting an absent node is not an error;
// forget is idempotent.
func (s *Store) DeleteMemory(ctx context.Context, scope, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_nodes WHERE scope = ? AND key = ?`, scope, key)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		logging.MemoryDebug("Forgot %s/%s", scope, key)
	}
	return n > 0, nil
}
