package audit

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"arbiter/internal/logging"
	"arbiter/internal/store"
	"arbiter/internal/types"
)

// Service appends signed entries to the audit chain. One Service instance
// owns the chain for the process; the store transaction serializes appends
// so sequence numbers stay gapless.
//
// Once tampering is detected the service freezes: every further append
// fails with ErrAuditFrozen. A frozen chain is evidence; the agent must not
// write over it.
type Service struct {
	store  *store.Store
	signer *Signer
	clock  types.Clock

	frozen atomic.Bool
}

// NewService wires the audit service.
func NewService(st *store.Store, signer *Signer, clock types.Clock) *Service {
	return &Service{store: st, signer: signer, clock: clock}
}

// Record appends one entry in its own transaction.
func (s *Service) Record(ctx context.Context, eventType EventType, originatorID string, payload any) (types.AuditEntry, error) {
	var entry types.AuditEntry
	err := s.store.RunInTx(ctx, func(tx *store.Tx) error {
		var err error
		entry, err = s.RecordInTx(ctx, tx, eventType, originatorID, payload)
		return err
	})
	return entry, err
}

// RecordInTx appends one entry inside the caller's transaction. This is the
// finalize path: the same transaction that settles thought and task status
// carries the audit append, so none of the three can land without the
// others.
func (s *Service) RecordInTx(ctx context.Context, tx *store.Tx, eventType EventType, originatorID string, payload any) (types.AuditEntry, error) {
	if s.frozen.Load() {
		return types.AuditEntry{}, types.ErrAuditFrozen
	}

	payloadJSON, err := CanonicalJSON(payload)
	if err != nil {
		return types.AuditEntry{}, fmt.Errorf("serialize audit payload: %w", err)
	}

	entry, err := tx.AppendAuditEntry(ctx, func(seq int64, prevHash string) (types.AuditEntry, error) {
		e := types.AuditEntry{
			SequenceNumber: seq,
			EventID:        uuid.NewString(),
			EventType:      string(eventType),
			OriginatorID:   originatorID,
			Timestamp:      s.clock.Now(),
			Payload:        string(payloadJSON),
			PreviousHash:   prevHash,
			SigningKeyID:   s.signer.KeyID(),
		}
		hash, err := EntryHash(e)
		if err != nil {
			return types.AuditEntry{}, err
		}
		e.EntryHash = hash

		sig, err := s.signer.Sign(hash)
		if err != nil {
			return types.AuditEntry{}, err
		}
		e.Signature = sig
		return e, nil
	})
	if err != nil {
		return types.AuditEntry{}, err
	}

	logging.Audit("seq=%d type=%s originator=%s", entry.SequenceNumber, eventType, originatorID)
	return entry, nil
}

// Freeze stops all future appends. Called on tamper detection; never undone
// at runtime.
func (s *Service) Freeze(reason string) {
	if s.frozen.CompareAndSwap(false, true) {
		logging.AuditError("AUDIT CHAIN FROZEN: %s", reason)
	}
}

// Frozen reports whether the chain has been frozen.
func (s *Service) Frozen() bool {
	return s.frozen.Load()
}

// Tail returns the newest n entries, oldest first.
func (s *Service) Tail(ctx context.Context, n int) ([]types.AuditEntry, error) {
	return s.store.TailAuditEntries(ctx, n)
}

// Entries returns the chain slice [from, to]. to <= 0 means the head.
func (s *Service) Entries(ctx context.Context, from, to int64) ([]types.AuditEntry, error) {
	return s.store.AuditEntries(ctx, from, to)
}

// ForOriginator returns the entries recorded for one task or thought.
func (s *Service) ForOriginator(ctx context.Context, originatorID string) ([]types.AuditEntry, error) {
	return s.store.EntriesForOriginator(ctx, originatorID)
}
