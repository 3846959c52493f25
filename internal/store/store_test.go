package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"arbiter/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "arbiter.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testTask(id, key string) types.Task {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return types.Task{
		ID:             id,
		Description:    "test task",
		Status:         types.TaskPending,
		CorrelationKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testThought(id, taskID, parentID string, depth int) types.Thought {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return types.Thought{
		ID:        id,
		TaskID:    taskID,
		ParentID:  parentID,
		Content:   "consider the request",
		Status:    types.ThoughtPending,
		Depth:     depth,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateTaskIdempotentOnCorrelationKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, created, err := s.CreateTask(ctx, testTask("task-1", "key-A"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if !created || id1 != "task-1" {
		t.Fatalf("first create: id=%s created=%v", id1, created)
	}

	// Same correlation key, different id: must return the original id and
	// write nothing.
	id2, created, err := s.CreateTask(ctx, testTask("task-2", "key-A"))
	if err != nil {
		t.Fatalf("duplicate CreateTask: %v", err)
	}
	if created {
		t.Error("duplicate submit reported created=true")
	}
	if id2 != "task-1" {
		t.Errorf("duplicate submit returned %s, want task-1", id2)
	}

	if _, err := s.GetTask(ctx, "task-2"); !errors.Is(err, types.ErrTaskNotFound) {
		t.Errorf("task-2 should not exist, got err=%v", err)
	}

	n, err := s.CountTasksByStatus(ctx, types.TaskPending)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("task count = %d, want 1", n)
	}
}

func TestTaskTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := s.CreateTask(ctx, testTask("task-1", "k1")); err != nil {
		t.Fatal(err)
	}

	steps := []types.TaskStatus{types.TaskActive, types.TaskCompleted}
	for _, st := range steps {
		if err := s.UpdateTaskStatus(ctx, "task-1", st, now); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}

	// Completed is final.
	if err := s.UpdateTaskStatus(ctx, "task-1", types.TaskActive, now); err == nil {
		t.Error("completed task accepted a transition")
	}

	// Deferred reactivates to pending.
	if _, _, err := s.CreateTask(ctx, testTask("task-2", "k2")); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTaskStatus(ctx, "task-2", types.TaskDeferred, now); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTaskStatus(ctx, "task-2", types.TaskPending, now); err != nil {
		t.Errorf("deferred -> pending rejected: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, "task-2", types.TaskCompleted, now); err == nil {
		t.Error("pending -> completed accepted without active phase")
	}
}

func TestPendingThoughtsOrderedByTaskPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := testTask("task-low", "kl")
	low.Priority = 1
	high := testTask("task-high", "kh")
	high.Priority = 9
	high.CreatedAt = low.CreatedAt.Add(time.Minute) // newer but more urgent

	for _, task := range []types.Task{low, high} {
		if _, _, err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateThought(ctx, testThought("th-low", "task-low", "", 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThought(ctx, testThought("th-high", "task-high", "", 0)); err != nil {
		t.Fatal(err)
	}

	got, err := s.PendingThoughts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("pending count = %d, want 2", len(got))
	}
	if got[0].ID != "th-high" {
		t.Errorf("first pending = %s, want th-high (priority order)", got[0].ID)
	}
}

func TestThoughtTransitionsTerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := s.CreateTask(ctx, testTask("task-1", "k1")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThought(ctx, testThought("th-1", "task-1", "", 0)); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateThoughtStatus(ctx, "th-1", types.ThoughtProcessing, "", now); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateThoughtStatus(ctx, "th-1", types.ThoughtCompleted, "spoke", now); err != nil {
		t.Fatal(err)
	}

	for _, st := range []types.ThoughtStatus{types.ThoughtPending, types.ThoughtProcessing, types.ThoughtDeferred} {
		if err := s.UpdateThoughtStatus(ctx, "th-1", st, "", now); err == nil {
			t.Errorf("completed thought accepted transition to %s", st)
		}
	}

	th, err := s.GetThought(ctx, "th-1")
	if err != nil {
		t.Fatal(err)
	}
	if th.Rationale != "spoke" {
		t.Errorf("rationale = %q, want spoke", th.Rationale)
	}
}

func TestThoughtChainWalk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.CreateTask(ctx, testTask("task-1", "k1")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThought(ctx, testThought("seed", "task-1", "", 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThought(ctx, testThought("p1", "task-1", "seed", 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThought(ctx, testThought("p2", "task-1", "p1", 2)); err != nil {
		t.Fatal(err)
	}

	chain, err := s.ThoughtChain(ctx, "p2")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	want := []string{"seed", "p1", "p2"}
	for i, th := range chain {
		if th.ID != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, th.ID, want[i])
		}
		if th.Depth != i {
			t.Errorf("chain[%d].Depth = %d, want %d", i, th.Depth, i)
		}
	}
}

func TestAppendAuditEntryAllocatesGaplessSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	build := func(eventID string) func(seq int64, prevHash string) (types.AuditEntry, error) {
		return func(seq int64, prevHash string) (types.AuditEntry, error) {
			return types.AuditEntry{
				SequenceNumber: seq,
				EventID:        eventID,
				EventType:      "action.speak",
				OriginatorID:   "th-1",
				Timestamp:      time.Now().UTC(),
				Payload:        `{"a":1}`,
				PreviousHash:   prevHash,
				EntryHash:      "hash-" + eventID,
				Signature:      "sig",
				SigningKeyID:   "key-1",
			}, nil
		}
	}

	var first, second types.AuditEntry
	err := s.RunInTx(ctx, func(tx *Tx) error {
		var err error
		first, err = tx.AppendAuditEntry(ctx, build("ev-1"))
		return err
	})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if first.SequenceNumber != 1 {
		t.Errorf("first seq = %d, want 1", first.SequenceNumber)
	}
	if first.PreviousHash != types.GenesisHash {
		t.Errorf("first prev = %q, want genesis", first.PreviousHash)
	}

	err = s.RunInTx(ctx, func(tx *Tx) error {
		var err error
		second, err = tx.AppendAuditEntry(ctx, build("ev-2"))
		return err
	})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second.SequenceNumber != 2 {
		t.Errorf("second seq = %d, want 2", second.SequenceNumber)
	}
	if second.PreviousHash != first.EntryHash {
		t.Errorf("second prev = %q, want first entry hash %q", second.PreviousHash, first.EntryHash)
	}

	n, err := s.CountAuditEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("chain length = %d, want 2", n)
	}
}

func TestDuplicateSequenceRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := types.AuditEntry{
		SequenceNumber: 1,
		EventID:        "ev-1",
		EventType:      "action.speak",
		OriginatorID:   "th-1",
		Timestamp:      time.Now().UTC(),
		Payload:        "{}",
		PreviousHash:   types.GenesisHash,
		EntryHash:      "h1",
		Signature:      "sig",
		SigningKeyID:   "key-1",
	}
	if err := insertAuditEntry(ctx, s.db, entry); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	entry.EventID = "ev-2"
	err := insertAuditEntry(ctx, s.db, entry)
	if !errors.Is(err, types.ErrDuplicateSequence) {
		t.Fatalf("duplicate seq error = %v, want ErrDuplicateSequence", err)
	}
}

func TestRolledBackAppendLeavesNoGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	build := func(seq int64, prevHash string) (types.AuditEntry, error) {
		return types.AuditEntry{
			SequenceNumber: seq, EventID: "ev-x", EventType: "t",
			OriginatorID: "o", Timestamp: time.Now().UTC(), Payload: "{}",
			PreviousHash: prevHash, EntryHash: "hx", Signature: "s", SigningKeyID: "k",
		}, nil
	}

	wantErr := errors.New("boom")
	err := s.RunInTx(ctx, func(tx *Tx) error {
		if _, err := tx.AppendAuditEntry(ctx, build); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("RunInTx err = %v", err)
	}

	// The rolled-back append must not consume a sequence number.
	var entry types.AuditEntry
	err = s.RunInTx(ctx, func(tx *Tx) error {
		var err error
		entry, err = tx.AppendAuditEntry(ctx, build)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.SequenceNumber != 1 {
		t.Errorf("seq after rollback = %d, want 1", entry.SequenceNumber)
	}
}

func TestSigningKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := s.InsertSigningKey(ctx, types.SigningKey{KeyID: "key-1", PublicKey: "pk1", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveSigningKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active.KeyID != "key-1" {
		t.Errorf("active = %s, want key-1", active.KeyID)
	}

	// Rotate: new key, retire old.
	if err := s.InsertSigningKey(ctx, types.SigningKey{KeyID: "key-2", PublicKey: "pk2", CreatedAt: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := s.RetireSigningKey(ctx, "key-1", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	active, err = s.ActiveSigningKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active.KeyID != "key-2" {
		t.Errorf("active after rotation = %s, want key-2", active.KeyID)
	}

	// Retired key must remain fetchable for verification.
	old, err := s.GetSigningKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("retired key lookup: %v", err)
	}
	if !old.Retired() {
		t.Error("key-1 not marked retired")
	}

	keys, err := s.ListSigningKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Errorf("key count = %d, want 2 (retired keys are never deleted)", len(keys))
	}
}

func TestNoActiveSigningKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ActiveSigningKey(context.Background())
	if !errors.Is(err, types.ErrNoSigningKey) {
		t.Fatalf("err = %v, want ErrNoSigningKey", err)
	}
}

func TestMemoryUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := types.MemoryRecord{Scope: "identity", Key: "name", Value: "arbiter", UpdatedAt: now}
	for i := 0; i < 3; i++ {
		if err := s.UpsertMemory(ctx, rec); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	got, found, err := s.GetMemory(ctx, "identity", "name")
	if err != nil || !found {
		t.Fatalf("GetMemory: found=%v err=%v", found, err)
	}
	if got.Value != "arbiter" {
		t.Errorf("value = %q", got.Value)
	}

	all, err := s.ListMemoryScope(ctx, "identity")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("scope size = %d, want 1", len(all))
	}

	// Overwrite updates in place.
	rec.Value = "arbiter-2"
	if err := s.UpsertMemory(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.GetMemory(ctx, "identity", "name")
	if got.Value != "arbiter-2" {
		t.Errorf("after overwrite value = %q", got.Value)
	}

	// Forget twice: second delete is a clean no-op.
	removed, err := s.DeleteMemory(ctx, "identity", "name")
	if err != nil || !removed {
		t.Fatalf("first delete: removed=%v err=%v", removed, err)
	}
	removed, err = s.DeleteMemory(ctx, "identity", "name")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if removed {
		t.Error("second delete reported a removal")
	}
}

func TestDeferralLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	d := types.Deferral{
		ID: "def-1", TaskID: "task-1", ThoughtID: "th-1",
		Reason:    "needs human judgment",
		Context:   map[string]string{"risk": "high"},
		Status:    types.DeferralPending,
		CreatedAt: t0,
	}
	if err := s.InsertDeferral(ctx, d); err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingDeferrals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Context["risk"] != "high" {
		t.Fatalf("pending = %+v", pending)
	}

	if err := s.ResolveDeferral(ctx, "def-1", "approved", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	// Double resolution is rejected.
	if err := s.ResolveDeferral(ctx, "def-1", "denied", t0.Add(2*time.Hour)); err == nil {
		t.Error("resolved deferral accepted a second resolution")
	}

	got, err := s.GetDeferral(ctx, "def-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.DeferralResolved || got.Resolution != "approved" {
		t.Errorf("deferral = %+v", got)
	}
}

func TestExpireDeferrals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	old := types.Deferral{ID: "def-old", TaskID: "t1", ThoughtID: "th1",
		Reason: "r", Status: types.DeferralPending, CreatedAt: t0}
	fresh := types.Deferral{ID: "def-new", TaskID: "t2", ThoughtID: "th2",
		Reason: "r", Status: types.DeferralPending, CreatedAt: t0.Add(48 * time.Hour)}
	for _, d := range []types.Deferral{old, fresh} {
		if err := s.InsertDeferral(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := s.ExpireDeferrals(ctx, t0.Add(24*time.Hour), t0.Add(49*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != "def-old" {
		t.Fatalf("expired = %+v", expired)
	}

	pending, err := s.PendingDeferrals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "def-new" {
		t.Errorf("pending after expiry = %+v", pending)
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := types.ServiceCorrelation{
		ID: "corr-1", Capability: "communication", Operation: "send",
		Provider: "console", ThoughtID: "th-1",
		Outcome: types.CorrelationOK, Latency: 42 * time.Millisecond,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.InsertCorrelation(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListCorrelations(ctx, "communication", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Latency != 42*time.Millisecond {
		t.Fatalf("correlations = %+v", got)
	}
	if got, _ := s.ListCorrelations(ctx, "tool", 10); len(got) != 0 {
		t.Errorf("capability filter leaked: %+v", got)
	}
}
