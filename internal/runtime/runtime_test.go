package runtime

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"arbiter/internal/audit"
	"arbiter/internal/bus"
	"arbiter/internal/config"
	"arbiter/internal/dma"
	"arbiter/internal/guardrail"
	"arbiter/internal/providers"
	"arbiter/internal/store"
	"arbiter/internal/types"
)

type harness struct {
	agent   *Agent
	store   *store.Store
	auditor *audit.Service
	clock   *types.ManualClock
	console *safeBuffer
	inbox   string
}

// safeBuffer guards the console capture; workers write concurrently.
type safeBuffer struct {
	mu  chan struct{}
	buf bytes.Buffer
}

func newSafeBuffer() *safeBuffer {
	return &safeBuffer{mu: make(chan struct{}, 1)}
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu <- struct{}{}
	defer func() { <-b.mu }()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu <- struct{}{}
	defer func() { <-b.mu }()
	return b.buf.String()
}

type harnessOpts struct {
	cfg     func(*config.Config)
	noComms bool
	noStart bool
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	ctx := context.Background()
	ws := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Processing.Workers = 2
	if opts.cfg != nil {
		opts.cfg(cfg)
	}
	require.NoError(t, cfg.Validate())

	st, err := store.Open(filepath.Join(ws, "arbiter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := types.NewManualClock(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	signer, err := audit.LoadOrCreateSigner(ctx, st, filepath.Join(ws, "keys"), clock)
	require.NoError(t, err)
	auditor := audit.NewService(st, signer, clock)

	console := newSafeBuffer()
	inbox := filepath.Join(ws, "inbox")
	registry := bus.NewRegistry()
	if !opts.noComms {
		require.NoError(t, registry.Register(providers.NewConsoleProvider(console, clock), types.TierPrimary))
	}
	require.NoError(t, registry.Register(providers.NewMemoryProvider(st, clock), types.TierPrimary))
	toolProvider := providers.NewToolProvider()
	for _, tool := range providers.DefaultTools(clock) {
		require.NoError(t, toolProvider.RegisterTool(tool))
	}
	require.NoError(t, registry.Register(toolProvider, types.TierPrimary))
	require.NoError(t, registry.Register(providers.NewFileGuidanceProvider(inbox, clock), types.TierPrimary))

	pipeline, err := dma.FromProfile(cfg, ws)
	require.NoError(t, err)

	agent, err := New(Deps{
		Config:   cfg,
		Store:    st,
		Audit:    auditor,
		Bus:      bus.New(cfg, registry, st, clock, nil, nil),
		Pipeline: pipeline,
		Chain:    guardrail.Default(cfg, clock),
		Clock:    clock,
	})
	require.NoError(t, err)
	if !opts.noStart {
		require.NoError(t, agent.Start(ctx))
	}

	return &harness{agent: agent, store: st, auditor: auditor, clock: clock, console: console, inbox: inbox}
}

func (h *harness) submit(t *testing.T, description string, priority int) types.Task {
	t.Helper()
	task, created, err := h.agent.SubmitTask(context.Background(), Submission{
		Description: description,
		Priority:    priority,
	})
	require.NoError(t, err)
	require.True(t, created)
	h.clock.Advance(time.Second)
	return task
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n, err := h.agent.RunUntilIdle(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) taskStatus(t *testing.T, id string) types.TaskStatus {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	entries, err := h.store.AuditEntries(context.Background(), 1, 0)
	require.NoError(t, err)
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = e.EventType
	}
	return kinds
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config")
}

func TestPingTaskSpeaksPong(t *testing.T) {
	// The sql pool keeps its opener goroutine alive until the store closes
	// in cleanup, after this check runs.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
	h := newHarness(t, harnessOpts{})

	task := h.submit(t, "ping", 0)
	processed := h.drain(t)

	assert.Equal(t, 1, processed)
	assert.Equal(t, types.TaskCompleted, h.taskStatus(t, task.ID))
	assert.Contains(t, h.console.String(), "pong")

	thoughts, err := h.store.ThoughtsForTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, thoughts, 1)
	assert.Equal(t, types.ThoughtCompleted, thoughts[0].Status)

	kinds := h.eventTypes(t)
	assert.Equal(t, []string{
		"system.startup", "task.submitted", "action.speak", "task.completed",
	}, kinds)

	report, err := h.auditor.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(4), report.Entries)

	// Spot-check the hash linkage Verify walks.
	entries, err := h.store.AuditEntries(context.Background(), 1, 0)
	require.NoError(t, err)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].EntryHash, entries[i].PreviousHash)
	}
}

func TestResubmissionIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	first, created, err := h.agent.SubmitTask(ctx, Submission{Description: "ping", CorrelationKey: "req-42"})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := h.agent.SubmitTask(ctx, Submission{Description: "ping", CorrelationKey: "req-42"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	pending, err := h.store.CountTasksByStatus(ctx, types.TaskPending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	var submissions int
	for _, kind := range h.eventTypes(t) {
		if kind == "task.submitted" {
			submissions++
		}
	}
	assert.Equal(t, 1, submissions, "duplicate submit must not write a second audit entry")
}

func TestSubmitRejectsEmptyDescription(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, _, err := h.agent.SubmitTask(context.Background(), Submission{Description: "   "})
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestPonderCapForcesDeferral(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: func(c *config.Config) {
		c.Processing.MaxPonderDepth = 1
	}})
	ctx := context.Background()

	task := h.submit(t, "untangle the mystery of the attic", 0)
	h.drain(t)

	assert.Equal(t, types.TaskDeferred, h.taskStatus(t, task.ID))

	thoughts, err := h.store.ThoughtsForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, thoughts, 2, "one ponder hop then the forced deferral")

	deferrals, err := h.store.PendingDeferrals(ctx)
	require.NoError(t, err)
	require.Len(t, deferrals, 1)
	assert.Contains(t, deferrals[0].Reason, "max ponder rounds exceeded")

	var deferred types.Thought
	for _, th := range thoughts {
		if th.Status == types.ThoughtDeferred {
			deferred = th
		}
	}
	require.NotEmpty(t, deferred.ID)
	assert.Equal(t, 1, deferred.Depth)
	assert.Contains(t, deferred.Rationale, "max ponder rounds exceeded")

	// The veto itself is on the chain.
	assert.Contains(t, h.eventTypes(t), "guardrail.override")

	// The authority got a request file for the deferral.
	_, err = os.Stat(filepath.Join(h.inbox, deferrals[0].ID+".request.json"))
	assert.NoError(t, err)
}

func TestHardStopDeferralResolvesAndResumes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	task := h.submit(t, "deploy to production now", 0)
	h.drain(t)

	require.Equal(t, types.TaskDeferred, h.taskStatus(t, task.ID))
	deferrals, err := h.store.PendingDeferrals(ctx)
	require.NoError(t, err)
	require.Len(t, deferrals, 1)
	assert.Contains(t, deferrals[0].Reason, "production change requires human sign-off")

	require.NoError(t, h.agent.ResolveDeferral(ctx, deferrals[0].ID, "say deployment approved by ops"))
	assert.Equal(t, types.TaskPending, h.taskStatus(t, task.ID))

	h.drain(t)
	assert.Equal(t, types.TaskCompleted, h.taskStatus(t, task.ID))
	assert.Contains(t, h.console.String(), "deployment approved by ops")

	kinds := h.eventTypes(t)
	assert.Contains(t, kinds, "action.defer")
	assert.Contains(t, kinds, "guidance.resolved")
	assert.Contains(t, kinds, "task.resumed")

	resolved, err := h.store.GetDeferral(ctx, deferrals[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeferralResolved, resolved.Status)

	// Resolving twice is refused.
	err = h.agent.ResolveDeferral(ctx, deferrals[0].ID, "again")
	require.Error(t, err)
}

func TestRejectDirectiveFailsTask(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	task := h.submit(t, "reject: out of scope for this agent", 0)
	h.drain(t)

	assert.Equal(t, types.TaskFailed, h.taskStatus(t, task.ID))
	thoughts, err := h.store.ThoughtsForTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, thoughts, 1)
	assert.Equal(t, types.ThoughtCompleted, thoughts[0].Status)
	assert.Contains(t, thoughts[0].Rationale, "rejected:")

	kinds := h.eventTypes(t)
	assert.Contains(t, kinds, "action.reject")
	assert.Contains(t, kinds, "task.failed")
}

func TestCancellationDrainsThroughRound(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	task := h.submit(t, "ping", 0)
	require.NoError(t, h.agent.CancelTask(ctx, task.ID))

	h.drain(t)

	assert.Equal(t, types.TaskFailed, h.taskStatus(t, task.ID))
	thoughts, err := h.store.ThoughtsForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, thoughts, 1)
	assert.Equal(t, types.ThoughtFailed, thoughts[0].Status)
	assert.Equal(t, "task cancelled", thoughts[0].Rationale)
	assert.NotContains(t, h.console.String(), "pong", "cancelled task must not act")
	assert.Contains(t, h.eventTypes(t), "task.cancelled")

	// Cancelling a settled task is refused.
	err = h.agent.CancelTask(ctx, task.ID)
	require.Error(t, err)
}

func TestMissingCapabilityBecomesDeferral(t *testing.T) {
	h := newHarness(t, harnessOpts{noComms: true})
	ctx := context.Background()

	task := h.submit(t, "ping", 0)
	h.drain(t)

	assert.Equal(t, types.TaskDeferred, h.taskStatus(t, task.ID))
	deferrals, err := h.store.PendingDeferrals(ctx)
	require.NoError(t, err)
	require.Len(t, deferrals, 1)
	assert.Contains(t, deferrals[0].Reason, "cannot perform speak")
	assert.Equal(t, "speak", deferrals[0].Context["action"])

	// The failed dispatch is still on the chain, marked as an error.
	entries, err := h.store.AuditEntries(ctx, 1, 0)
	require.NoError(t, err)
	var speakEntry types.AuditEntry
	for _, e := range entries {
		if e.EventType == "action.speak" {
			speakEntry = e
		}
	}
	require.NotZero(t, speakEntry.SequenceNumber)
	assert.Contains(t, speakEntry.Payload, `"outcome":"error"`)
}

func TestRoundProcessesTasksByPriority(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: func(c *config.Config) {
		c.Processing.Workers = 1
	}})

	low := h.submit(t, "say beta", 0)
	high := h.submit(t, "say alpha", 5)

	stats, err := h.agent.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Batch, "one thought per task in a single round")
	assert.Equal(t, 2, stats.Completed)

	out := h.console.String()
	assert.Less(t, strings.Index(out, "alpha"), strings.Index(out, "beta"),
		"higher priority task speaks first")
	assert.Equal(t, types.TaskCompleted, h.taskStatus(t, low.ID))
	assert.Equal(t, types.TaskCompleted, h.taskStatus(t, high.ID))
}

func TestMemoryDirectivesRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	remember := h.submit(t, "remember favorite=blue", 0)
	h.drain(t)
	require.Equal(t, types.TaskCompleted, h.taskStatus(t, remember.ID))

	rec, found, err := h.store.GetMemory(ctx, "local", "favorite")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "blue", rec.Value)

	recall := h.submit(t, "recall favorite", 0)
	h.drain(t)
	require.Equal(t, types.TaskCompleted, h.taskStatus(t, recall.ID))

	forget := h.submit(t, "forget favorite", 0)
	h.drain(t)
	require.Equal(t, types.TaskCompleted, h.taskStatus(t, forget.ID))

	_, found, err = h.store.GetMemory(ctx, "local", "favorite")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestToolDirectiveExecutes(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	task := h.submit(t, "echo structured decision core", 0)
	h.drain(t)

	assert.Equal(t, types.TaskCompleted, h.taskStatus(t, task.ID))
	assert.Contains(t, h.eventTypes(t), "action.tool")
}

func TestStartRecoversStrandedThoughts(t *testing.T) {
	h := newHarness(t, harnessOpts{noStart: true})
	ctx := context.Background()
	now := h.clock.Now()

	task := types.Task{
		ID: "task-stranded", Description: "ping", Status: types.TaskActive,
		CorrelationKey: "stranded", CreatedAt: now, UpdatedAt: now,
	}
	_, _, err := h.store.CreateTask(ctx, task)
	require.NoError(t, err)
	th := types.Thought{
		ID: "th-stranded", TaskID: task.ID, Content: "ping",
		Status: types.ThoughtPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateThought(ctx, th))
	require.NoError(t, h.store.UpdateThoughtStatus(ctx, th.ID, types.ThoughtProcessing, "", now))

	require.NoError(t, h.agent.Start(ctx))

	got, err := h.store.GetThought(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ThoughtFailed, got.Status)
	assert.Contains(t, got.Rationale, "interrupted by restart")
	assert.Equal(t, types.TaskFailed, h.taskStatus(t, task.ID))

	report, err := h.auditor.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestSnapshotReportsState(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	h.submit(t, "ping", 0)
	h.drain(t)

	snap, err := h.agent.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "arbiter", snap.AgentID)
	assert.Equal(t, 1, snap.Tasks[string(types.TaskCompleted)])
	assert.False(t, snap.AuditFrozen)
	assert.Greater(t, snap.AuditEntries, int64(0))
	assert.NotEmpty(t, snap.Providers)
}

func TestSubmitAfterStopRefused(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	require.NoError(t, h.agent.Stop(ctx))
	_, _, err := h.agent.SubmitTask(ctx, Submission{Description: "ping"})
	assert.ErrorIs(t, err, types.ErrShuttingDown)
	_, err = h.agent.RunRound(ctx)
	assert.ErrorIs(t, err, types.ErrShuttingDown)

	kinds := h.eventTypes(t)
	assert.Equal(t, "system.shutdown", kinds[len(kinds)-1])
}

func TestExpireDeferrals(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	task := h.submit(t, "deploy to production now", 0)
	h.drain(t)
	require.Equal(t, types.TaskDeferred, h.taskStatus(t, task.ID))

	h.clock.Advance(25 * time.Hour) // default resolution timeout is 24h

	n, err := h.agent.ExpireDeferrals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := h.store.PendingDeferrals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, types.TaskDeferred, h.taskStatus(t, task.ID), "expiry keeps the task parked")
	assert.Contains(t, h.eventTypes(t), "guidance.expired")
}
