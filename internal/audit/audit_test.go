package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"arbiter/internal/store"
	"arbiter/internal/types"
)

type fixture struct {
	store   *store.Store
	signer  *Signer
	service *Service
	clock   *types.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "arbiter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := types.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	signer, err := LoadOrCreateSigner(context.Background(), st, filepath.Join(dir, "keys"), clock)
	require.NoError(t, err)

	return &fixture{
		store:   st,
		signer:  signer,
		service: NewService(st, signer, clock),
		clock:   clock,
	}
}

func (f *fixture) record(t *testing.T, eventType EventType, originator string) types.AuditEntry {
	t.Helper()
	entry, err := f.service.Record(context.Background(), eventType, originator, map[string]any{
		"action": "speak",
		"detail": "test payload",
	})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return entry
}

// rawDB opens a second connection for tamper simulation.
func rawDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordBuildsLinkedChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var entries []types.AuditEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, f.record(t, EventActionSpeak, "th-1"))
	}

	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.SequenceNumber)
		if i == 0 {
			assert.Equal(t, types.GenesisHash, e.PreviousHash)
		} else {
			assert.Equal(t, entries[i-1].EntryHash, e.PreviousHash)
		}
		assert.NotEmpty(t, e.Signature)
		assert.Equal(t, f.signer.KeyID(), e.SigningKeyID)
	}

	report, err := f.service.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(5), report.Entries)
	assert.Equal(t, 1, report.KeysSeen)
}

func TestVerifyEmptyChain(t *testing.T) {
	f := newFixture(t)
	report, err := f.service.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.Entries)
}

func TestPayloadTamperFreezesChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.record(t, EventActionTool, "th-2")
	}

	db := rawDB(t, f.store.Path())
	_, err := db.Exec(`UPDATE audit_entries SET payload = '{"evil":true}' WHERE sequence_number = 2`)
	require.NoError(t, err)

	report, err := f.service.Verify(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTamperDetected)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(2), report.BrokenAt)

	var verr *types.ChainVerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, int64(2), verr.SequenceNumber)

	// Frozen: appends refused from now on.
	assert.True(t, f.service.Frozen())
	_, err = f.service.Record(ctx, EventActionSpeak, "th-3", nil)
	assert.ErrorIs(t, err, types.ErrAuditFrozen)
}

func TestLinkTamperDetected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.record(t, EventActionSpeak, "th-1")
	}

	db := rawDB(t, f.store.Path())
	_, err := db.Exec(`UPDATE audit_entries SET previous_hash = ? WHERE sequence_number = 3`, types.GenesisHash)
	require.NoError(t, err)

	report, err := f.service.Verify(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(3), report.BrokenAt)
}

func TestSignatureTamperDetected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.record(t, EventActionSpeak, "th-1")
	f.record(t, EventActionSpeak, "th-1")

	// Graft entry 1's signature onto entry 2: well-formed, wrong content.
	db := rawDB(t, f.store.Path())
	_, err := db.Exec(`UPDATE audit_entries SET signature = ? WHERE sequence_number = 2`, first.Signature)
	require.NoError(t, err)

	report, err := f.service.Verify(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(2), report.BrokenAt)
	assert.Contains(t, report.Reason, "signature")
}

func TestKeyRotationKeepsOldEntriesVerifiable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, EventActionSpeak, "th-1")
	f.record(t, EventActionMemorize, "th-1")

	oldID, newID, err := f.signer.Rotate(ctx)
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)

	f.record(t, EventActionRecall, "th-2")
	f.record(t, EventActionSpeak, "th-2")

	report, err := f.service.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(4), report.Entries)
	assert.Equal(t, 2, report.KeysSeen)

	// The retired key's row survives rotation.
	old, err := f.store.GetSigningKey(ctx, oldID)
	require.NoError(t, err)
	assert.True(t, old.Retired())

	active, err := f.store.ActiveSigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, newID, active.KeyID)
}

func TestSignerResumesAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clock := types.NewManualClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	st, err := store.Open(filepath.Join(dir, "arbiter.db"))
	require.NoError(t, err)

	s1, err := LoadOrCreateSigner(ctx, st, filepath.Join(dir, "keys"), clock)
	require.NoError(t, err)
	firstID := s1.KeyID()

	// Simulated restart: new signer over the same store and key dir.
	s2, err := LoadOrCreateSigner(ctx, st, filepath.Join(dir, "keys"), clock)
	require.NoError(t, err)
	assert.Equal(t, firstID, s2.KeyID())

	require.NoError(t, st.Close())
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"zeta": 1, "alpha": 2, "mid": map[string]any{"b": 1, "a": 2}})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"mid": map[string]any{"a": 2, "b": 1}, "alpha": 2, "zeta": 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"alpha":2,"mid":{"a":2,"b":1},"zeta":1}`, string(a))
}

func TestEntryHashCoversEveryChainedField(t *testing.T) {
	base := types.AuditEntry{
		SequenceNumber: 7,
		EventID:        "ev",
		EventType:      "action.speak",
		OriginatorID:   "th-9",
		Timestamp:      time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC),
		Payload:        `{"x":1}`,
		PreviousHash:   types.GenesisHash,
	}
	baseHash, err := EntryHash(base)
	require.NoError(t, err)

	mutations := []func(e *types.AuditEntry){
		func(e *types.AuditEntry) { e.SequenceNumber = 8 },
		func(e *types.AuditEntry) { e.EventID = "other" },
		func(e *types.AuditEntry) { e.EventType = "action.tool" },
		func(e *types.AuditEntry) { e.OriginatorID = "th-10" },
		func(e *types.AuditEntry) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) },
		func(e *types.AuditEntry) { e.Payload = `{"x":2}` },
		func(e *types.AuditEntry) { e.PreviousHash = "ff" },
	}
	for i, mutate := range mutations {
		e := base
		mutate(&e)
		h, err := EntryHash(e)
		require.NoError(t, err)
		assert.NotEqual(t, baseHash, h, "mutation %d did not change the hash", i)
	}

	// Signature and the hash itself are excluded from the hash body.
	e := base
	e.Signature = "sig"
	e.EntryHash = "deadbeef"
	h, err := EntryHash(e)
	require.NoError(t, err)
	assert.Equal(t, baseHash, h)
}
