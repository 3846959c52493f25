package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"arbiter/internal/types"
)

// CanonicalJSON serializes v deterministically: objects get lexicographically
// sorted keys regardless of struct field order. Round-tripping through an
// untyped map is what forces encoding/json to sort.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical roundtrip: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical remarshal: %w", err)
	}
	return out, nil
}

// canonicalTime renders a timestamp the one way hashing ever sees it. The
// store persists the identical format, so recomputing a stored entry's hash
// reproduces the original bytes.
func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// hashBody is the exact content covered by an entry hash. Signature and the
// hash itself are excluded; previous_hash is included, which is what links
// the chain.
type hashBody struct {
	SequenceNumber int64  `json:"sequence_number"`
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	OriginatorID   string `json:"originator_id"`
	Timestamp      string `json:"timestamp"`
	Payload        string `json:"payload"`
	PreviousHash   string `json:"previous_hash"`
}

// EntryHash computes the hex sha256 over the entry's canonical hash body.
func EntryHash(e types.AuditEntry) (string, error) {
	body := hashBody{
		SequenceNumber: e.SequenceNumber,
		EventID:        e.EventID,
		EventType:      e.EventType,
		OriginatorID:   e.OriginatorID,
		Timestamp:      canonicalTime(e.Timestamp),
		Payload:        e.Payload,
		PreviousHash:   e.PreviousHash,
	}
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
