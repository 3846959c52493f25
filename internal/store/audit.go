package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// AppendAuditEntry allocates the next sequence number and previous hash
// inside the transaction, hands them to build, and inserts the completed
// entry. Running inside a transaction is what makes the sequence gapless:
// the read and the insert cannot interleave with another appender.
//
// The returned entry is exactly what was persisted.
func (t *Tx) AppendAuditEntry(ctx context.Context, build func(seq int64, prevHash string) (types.AuditEntry, error)) (types.AuditEntry, error) {
	var lastSeq int64
	var lastHash string
	err := t.tx.QueryRowContext(ctx, `
		SELECT sequence_number, entry_hash FROM audit_entries
		ORDER BY sequence_number DESC LIMIT 1`).Scan(&lastSeq, &lastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		lastSeq = 0
		lastHash = types.GenesisHash
	case err != nil:
		return types.AuditEntry{}, fmt.Errorf("read chain head: %w", err)
	}

	entry, err := build(lastSeq+1, lastHash)
	if err != nil {
		return types.AuditEntry{}, err
	}
	if entry.SequenceNumber != lastSeq+1 {
		return types.AuditEntry{}, fmt.Errorf("builder changed sequence number: got %d, want %d",
			entry.SequenceNumber, lastSeq+1)
	}
	if entry.PreviousHash != lastHash {
		return types.AuditEntry{}, fmt.Errorf("builder changed previous hash")
	}

	if err := insertAuditEntry(ctx, t.tx, entry); err != nil {
		return types.AuditEntry{}, err
	}
	return entry, nil
}

func insertAuditEntry(ctx context.Context, q dbtx, e types.AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_entries
			(sequence_number, event_id, event_type, originator_id, ts, payload,
			 previous_hash, entry_hash, signature, signing_key_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SequenceNumber, e.EventID, e.EventType, e.OriginatorID, encodeTime(e.Timestamp),
		e.Payload, e.PreviousHash, e.EntryHash, e.Signature, e.SigningKeyID)
	if err != nil {
		// The primary key on sequence_number is the last line of defense
		// against a gapped or forked chain.
		if strings.Contains(err.Error(), "UNIQUE constraint") ||
			strings.Contains(err.Error(), "constraint failed") {
			return fmt.Errorf("%w: sequence %d", types.ErrDuplicateSequence, e.SequenceNumber)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	logging.AuditDebug("Appended audit entry seq=%d type=%s", e.SequenceNumber, e.EventType)
	return nil
}

// LatestAuditEntry returns the chain head, or sql.ErrNoRows wrapped as
// found=false for an empty chain.
func (s *Store) LatestAuditEntry(ctx context.Context) (types.AuditEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence_number, event_id, event_type, originator_id, ts, payload,
		       previous_hash, entry_hash, signature, signing_key_id
		FROM audit_entries ORDER BY sequence_number DESC LIMIT 1`)
	e, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AuditEntry{}, false, nil
	}
	if err != nil {
		return types.AuditEntry{}, false, err
	}
	return e, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(row rowScanner) (types.AuditEntry, error) {
	var e types.AuditEntry
	var ts string
	err := row.Scan(&e.SequenceNumber, &e.EventID, &e.EventType, &e.OriginatorID, &ts,
		&e.Payload, &e.PreviousHash, &e.EntryHash, &e.Signature, &e.SigningKeyID)
	if err != nil {
		return types.AuditEntry{}, err
	}
	e.Timestamp = decodeTime(ts)
	return e, nil
}

// AuditEntries returns entries with fromSeq <= sequence <= toSeq in order.
// Pass toSeq = 0 for "through the head".
func (s *Store) AuditEntries(ctx context.Context, fromSeq, toSeq int64) ([]types.AuditEntry, error) {
	query := `
		SELECT sequence_number, event_id, event_type, originator_id, ts, payload,
		       previous_hash, entry_hash, signature, signing_key_id
		FROM audit_entries WHERE sequence_number >= ?`
	args := []any{fromSeq}
	if toSeq > 0 {
		query += ` AND sequence_number <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY sequence_number ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TailAuditEntries returns the newest n entries in ascending order.
func (s *Store) TailAuditEntries(ctx context.Context, n int) ([]types.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number, event_id, event_type, originator_id, ts, payload,
		       previous_hash, entry_hash, signature, signing_key_id
		FROM audit_entries ORDER BY sequence_number DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("tail audit entries: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountAuditEntries returns the chain length.
func (s *Store) CountAuditEntries(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// EntriesForOriginator returns the audit entries for one task or thought.
func (s *Store) EntriesForOriginator(ctx context.Context, originatorID string) ([]types.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number, event_id, event_type, originator_id, ts, payload,
		       previous_hash, entry_hash, signature, signing_key_id
		FROM audit_entries WHERE originator_id = ?
		ORDER BY sequence_number ASC`, originatorID)
	if err != nil {
		return nil, fmt.Errorf("list originator entries: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// SIGNING KEYS
// =============================================================================

// InsertSigningKey records a new public key.
func (s *Store) InsertSigningKey(ctx context.Context, k types.SigningKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signing_keys (key_id, public_key, created_at, retired_at)
		VALUES (?, ?, ?, ?)`,
		k.KeyID, k.PublicKey, encodeTime(k.CreatedAt), encodeTime(k.RetiredAt))
	if err != nil {
		return fmt.Errorf("insert signing key: %w", err)
	}
	logging.Audit("Signing key %s registered", k.KeyID)
	return nil
}

// RetireSigningKey marks a key retired. The row is never deleted; entries
// signed with it must stay verifiable.
func (s *Store) RetireSigningKey(ctx context.Context, keyID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE signing_keys SET retired_at = ? WHERE key_id = ? AND retired_at = ''`,
		encodeTime(at), keyID)
	if err != nil {
		return fmt.Errorf("retire signing key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("signing key %s not found or already retired", keyID)
	}
	logging.Audit("Signing key %s retired", keyID)
	return nil
}

// ActiveSigningKey returns the newest unretired key.
func (s *Store) ActiveSigningKey(ctx context.Context) (types.SigningKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, public_key, created_at, retired_at FROM signing_keys
		WHERE retired_at = '' ORDER BY created_at DESC LIMIT 1`)
	k, err := scanSigningKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SigningKey{}, types.ErrNoSigningKey
	}
	return k, err
}

// GetSigningKey returns one key by id, retired or not.
func (s *Store) GetSigningKey(ctx context.Context, keyID string) (types.SigningKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, public_key, created_at, retired_at FROM signing_keys
		WHERE key_id = ?`, keyID)
	k, err := scanSigningKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SigningKey{}, types.ErrNoSigningKey
	}
	return k, err
}

// ListSigningKeys returns every key, oldest first.
func (s *Store) ListSigningKeys(ctx context.Context) ([]types.SigningKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, public_key, created_at, retired_at FROM signing_keys
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	defer rows.Close()

	var out []types.SigningKey
	for rows.Next() {
		k, err := scanSigningKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanSigningKey(row rowScanner) (types.SigningKey, error) {
	var k types.SigningKey
	var createdAt, retiredAt string
	if err := row.Scan(&k.KeyID, &k.PublicKey, &createdAt, &retiredAt); err != nil {
		return types.SigningKey{}, err
	}
	k.CreatedAt = decodeTime(createdAt)
	k.RetiredAt = decodeTime(retiredAt)
	return k, nil
}
