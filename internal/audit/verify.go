package audit

import (
	"context"
	"fmt"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// Report is the outcome of a chain verification pass.
type Report struct {
	Entries  int64  `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	KeysSeen int    `json:"keys_seen"`
}

// Verify walks the whole chain: gapless sequence, hash linkage, recomputed
// entry hashes, and signatures against the stored public keys (retired keys
// included). On the first inconsistency the service freezes and a
// ChainVerificationError is returned alongside the report.
//
// An empty chain is valid.
func (s *Service) Verify(ctx context.Context) (Report, error) {
	timer := logging.StartTimer(logging.CategoryAudit, "chain verification")
	defer timer.StopWithInfo()

	entries, err := s.store.AuditEntries(ctx, 1, 0)
	if err != nil {
		return Report{}, err
	}

	report := Report{Entries: int64(len(entries))}
	keys := make(map[string]string) // key id -> base64 public key

	fail := func(seq int64, reason string) (Report, error) {
		report.Valid = false
		report.BrokenAt = seq
		report.Reason = reason
		s.Freeze(fmt.Sprintf("verification failed at seq %d: %s", seq, reason))
		return report, &types.ChainVerificationError{SequenceNumber: seq, Reason: reason}
	}

	prevHash := types.GenesisHash
	var prevSeq int64
	for _, e := range entries {
		if e.SequenceNumber != prevSeq+1 {
			return fail(e.SequenceNumber,
				fmt.Sprintf("sequence gap: %d follows %d", e.SequenceNumber, prevSeq))
		}
		if e.PreviousHash != prevHash {
			return fail(e.SequenceNumber, "previous hash does not match prior entry")
		}

		recomputed, err := EntryHash(e)
		if err != nil {
			return Report{}, err
		}
		if recomputed != e.EntryHash {
			return fail(e.SequenceNumber, "entry hash mismatch (content altered)")
		}

		pub, ok := keys[e.SigningKeyID]
		if !ok {
			key, err := s.store.GetSigningKey(ctx, e.SigningKeyID)
			if err != nil {
				return fail(e.SequenceNumber,
					fmt.Sprintf("signing key %s unknown", e.SigningKeyID))
			}
			pub = key.PublicKey
			keys[e.SigningKeyID] = pub
		}
		valid, err := VerifySignature(pub, e.EntryHash, e.Signature)
		if err != nil {
			return fail(e.SequenceNumber, fmt.Sprintf("signature malformed: %v", err))
		}
		if !valid {
			return fail(e.SequenceNumber, "signature invalid")
		}

		prevHash = e.EntryHash
		prevSeq = e.SequenceNumber
	}

	report.Valid = true
	report.KeysSeen = len(keys)
	logging.Audit("Chain verified: %d entries, %d keys", report.Entries, report.KeysSeen)
	return report, nil
}
