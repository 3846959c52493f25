package store

import (
	"context"
	"fmt"
	"time"

	"arbiter/internal/types"
)

// InsertCorrelation records one capability request/response pair. Tracing
// writes are best-effort; callers log failures and move on.
func (s *Store) InsertCorrelation(ctx context.Context, c types.ServiceCorrelation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO correlations
			(id, capability, operation, provider, thought_id, request, response, outcome, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Capability, c.Operation, c.Provider, c.ThoughtID,
		c.Request, c.Response, c.Outcome, c.Latency.Milliseconds(), encodeTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert correlation: %w", err)
	}
	return nil
}

// ListCorrelations returns the newest correlations, optionally filtered by
// capability. Pass capability="" for all.
func (s *Store) ListCorrelations(ctx context.Context, capability string, limit int) ([]types.ServiceCorrelation, error) {
	query := `
		SELECT id, capability, operation, provider, thought_id, request, response, outcome, latency_ms, created_at
		FROM correlations`
	args := []any{}
	if capability != "" {
		query += ` WHERE capability = ?`
		args = append(args, capability)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list correlations: %w", err)
	}
	defer rows.Close()

	var out []types.ServiceCorrelation
	for rows.Next() {
		var c types.ServiceCorrelation
		var latencyMS int64
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Capability, &c.Operation, &c.Provider, &c.ThoughtID,
			&c.Request, &c.Response, &c.Outcome, &latencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan correlation: %w", err)
		}
		c.Latency = time.Duration(latencyMS) * time.Millisecond
		c.CreatedAt = decodeTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
