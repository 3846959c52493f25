// Package runtime drives the agent: task admission, fair round scheduling,
// pipeline evaluation, guardrail enforcement, action dispatch, and the
// transactional finalize that keeps state transitions and audit appends
// atomic. The Agent owns no goroutines of its own besides the optional Run
// loop; every round is an explicit call so tests and the CLI can step it.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/audit"
	"arbiter/internal/bus"
	"arbiter/internal/config"
	"arbiter/internal/dma"
	"arbiter/internal/events"
	"arbiter/internal/guardrail"
	"arbiter/internal/logging"
	"arbiter/internal/resources"
	"arbiter/internal/store"
	"arbiter/internal/types"
	"arbiter/internal/usage"
)

// Deps carries the collaborators an Agent needs. Config, Store, Audit, Bus,
// Pipeline and Chain are required. Clock defaults to the system clock;
// Tracker and Stream may be nil. The resource monitor attaches afterwards
// via SetMonitor because it samples gauges the agent itself exposes.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Audit    *audit.Service
	Bus      *bus.Bus
	Pipeline *dma.Pipeline
	Chain    *guardrail.Chain
	Clock    types.Clock
	Tracker  *usage.Tracker
	Stream   *events.Stream
}

// Agent is the decision core. All mutable state lives in the store; the
// struct itself only holds wiring, the round counter, and gauges, so a
// restart resumes from whatever the database says.
type Agent struct {
	cfg      *config.Config
	clock    types.Clock
	store    *store.Store
	auditor  *audit.Service
	bus      *bus.Bus
	pipeline *dma.Pipeline
	chain    *guardrail.Chain
	tracker  *usage.Tracker
	stream   *events.Stream
	monitor  *resources.Monitor

	handlers map[types.ActionType]handlerFunc

	mu       sync.Mutex
	round    int
	inFlight atomic.Int64
	shutdown atomic.Bool
}

// New validates deps and wires the dispatch table.
func New(deps Deps) (*Agent, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("runtime: config is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("runtime: store is required")
	case deps.Audit == nil:
		return nil, fmt.Errorf("runtime: audit service is required")
	case deps.Bus == nil:
		return nil, fmt.Errorf("runtime: bus is required")
	case deps.Pipeline == nil:
		return nil, fmt.Errorf("runtime: pipeline is required")
	case deps.Chain == nil:
		return nil, fmt.Errorf("runtime: guardrail chain is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}
	a := &Agent{
		cfg:      deps.Config,
		clock:    clock,
		store:    deps.Store,
		auditor:  deps.Audit,
		bus:      deps.Bus,
		pipeline: deps.Pipeline,
		chain:    deps.Chain,
		tracker:  deps.Tracker,
		stream:   deps.Stream,
	}
	a.handlers = a.buildHandlers()
	return a, nil
}

// SetMonitor attaches the resource monitor after construction. The monitor
// needs the agent's gauges and the agent needs the monitor's admission
// verdict, so one side has to connect late.
func (a *Agent) SetMonitor(m *resources.Monitor) {
	a.monitor = m
}

// ActiveThoughts reports thoughts currently being processed. Wired into
// resources.Sources.
func (a *Agent) ActiveThoughts() int64 {
	return a.inFlight.Load()
}

// Start verifies the audit chain, recovers thoughts stranded by a previous
// crash, records the startup entry, and begins resource sampling. A chain
// that fails verification refuses startup outright.
func (a *Agent) Start(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryBoot, "agent start")
	defer timer.StopWithInfo()

	if a.cfg.Audit.VerifyOnStart {
		report, err := a.auditor.Verify(ctx)
		if err != nil {
			return fmt.Errorf("audit chain rejected at startup: %w", err)
		}
		logging.Boot("Audit chain verified: %d entries, %d keys", report.Entries, report.KeysSeen)
	}

	if err := a.recoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted thoughts: %w", err)
	}

	if _, err := a.auditor.Record(ctx, audit.EventSystemStartup, a.cfg.Identity.AgentID, map[string]any{
		"agent_id": a.cfg.Identity.AgentID,
		"profile":  a.cfg.Profile,
	}); err != nil {
		return fmt.Errorf("record startup: %w", err)
	}

	if a.monitor != nil {
		a.monitor.Start()
	}
	logging.Boot("Agent %s started (profile=%s workers=%d)",
		a.cfg.Identity.AgentID, a.cfg.Profile, a.cfg.Processing.Workers)
	return nil
}

// Stop flips the shutdown flag, stops sampling, and records the shutdown
// entry. In-flight rounds finish; new submissions and rounds are refused.
func (a *Agent) Stop(ctx context.Context) error {
	if !a.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if _, err := a.auditor.Record(ctx, audit.EventSystemShutdown, a.cfg.Identity.AgentID, map[string]any{
		"agent_id": a.cfg.Identity.AgentID,
		"rounds":   a.currentRound(),
	}); err != nil {
		return fmt.Errorf("record shutdown: %w", err)
	}
	logging.Boot("Agent %s stopped after %d rounds", a.cfg.Identity.AgentID, a.currentRound())
	return nil
}

func (a *Agent) currentRound() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.round
}

// recoverInterrupted fails thoughts left in processing by a crash. Their
// tasks settle through the usual zero-pending rule, so a task whose only
// thought was stranded lands in failed rather than hanging active forever.
func (a *Agent) recoverInterrupted(ctx context.Context) error {
	stranded, err := a.store.ThoughtsByStatus(ctx, types.ThoughtProcessing, 1000)
	if err != nil {
		return err
	}
	for _, th := range stranded {
		a.failThought(ctx, th, "processing interrupted by restart")
	}
	if len(stranded) > 0 {
		logging.BootWarn("Recovered %d thoughts stranded in processing", len(stranded))
	}
	return nil
}

// Submission is one incoming request for work.
type Submission struct {
	Description    string
	Priority       int
	Origin         string
	CorrelationKey string
}

// SubmitTask admits one task. Resubmitting an existing correlation key
// returns the original task with created=false and writes nothing. A fresh
// task gets its seed thought and the task.submitted audit entry in the same
// transaction, so no task can exist without its provenance.
func (a *Agent) SubmitTask(ctx context.Context, sub Submission) (types.Task, bool, error) {
	if a.shutdown.Load() {
		return types.Task{}, false, types.ErrShuttingDown
	}
	desc := strings.TrimSpace(sub.Description)
	if desc == "" {
		return types.Task{}, false, types.NewValidationError("description", "must not be empty")
	}
	if a.monitor != nil && !a.monitor.AdmissionAllowed() {
		return types.Task{}, false, fmt.Errorf("admission paused by resource monitor: %w", types.ErrQueueSaturated)
	}

	key := strings.TrimSpace(sub.CorrelationKey)
	if key == "" {
		key = uuid.NewString()
	}
	now := a.clock.Now()
	task := types.Task{
		ID:             uuid.NewString(),
		Description:    desc,
		Status:         types.TaskPending,
		Priority:       sub.Priority,
		CorrelationKey: key,
		Origin:         strings.TrimSpace(sub.Origin),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	seed := types.Thought{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Content:   desc,
		Status:    types.ThoughtPending,
		Round:     0,
		Depth:     0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var (
		created    bool
		existingID string
	)
	err := a.store.RunInTx(ctx, func(tx *store.Tx) error {
		id, didCreate, err := tx.CreateTask(ctx, task)
		if err != nil {
			return err
		}
		existingID = id
		created = didCreate
		if !didCreate {
			return nil
		}
		if err := tx.CreateThought(ctx, seed); err != nil {
			return err
		}
		_, err = a.auditor.RecordInTx(ctx, tx, audit.EventTaskSubmitted, task.ID, map[string]any{
			"task_id":         task.ID,
			"description":     excerpt(desc, 300),
			"priority":        sub.Priority,
			"origin":          task.Origin,
			"correlation_key": key,
			"seed_thought_id": seed.ID,
		})
		return err
	})
	if err != nil {
		return types.Task{}, false, err
	}
	if !created {
		existing, err := a.store.GetTask(ctx, existingID)
		if err != nil {
			return types.Task{}, false, err
		}
		logging.Scheduler("Submission deduplicated: key=%s -> task %s", key, existingID)
		return existing, false, nil
	}

	a.emit(events.Event{
		Kind:    events.KindTaskSubmitted,
		TaskID:  task.ID,
		Message: excerpt(desc, 120),
		Fields:  map[string]string{"priority": fmt.Sprintf("%d", sub.Priority), "origin": task.Origin},
	})
	logging.Scheduler("Task %s submitted (priority=%d origin=%q key=%s)", task.ID, sub.Priority, task.Origin, key)
	return task, true, nil
}

// CancelTask flags a task for cooperative cancellation. The flag is honored
// at the next checkpoint in thought processing; already-terminal tasks are
// left alone.
func (a *Agent) CancelTask(ctx context.Context, taskID string) error {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return types.NewValidationError("task", fmt.Sprintf("task %s already %s", taskID, task.Status))
	}
	if err := a.store.RequestCancel(ctx, taskID, a.clock.Now()); err != nil {
		return err
	}
	logging.Scheduler("Cancellation requested for task %s", taskID)
	return nil
}

// ResolveDeferral applies an authority's answer to a pending deferral. The
// task moves back to pending with a fresh thought whose content leads with
// the resolution so the next round acts on the guidance. Everything commits
// in one transaction alongside the guidance.resolved and task.resumed
// entries.
func (a *Agent) ResolveDeferral(ctx context.Context, deferralID, resolution string) error {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return types.NewValidationError("resolution", "must not be empty")
	}
	d, err := a.store.GetDeferral(ctx, deferralID)
	if err != nil {
		return err
	}
	if d.Status != types.DeferralPending {
		return types.NewValidationError("deferral", fmt.Sprintf("deferral %s already %s", deferralID, d.Status))
	}

	now := a.clock.Now()
	var resumed bool
	err = a.store.RunInTx(ctx, func(tx *store.Tx) error {
		if err := tx.ResolveDeferral(ctx, d.ID, resolution, now); err != nil {
			return err
		}
		task, err := tx.GetTask(ctx, d.TaskID)
		if err != nil {
			return err
		}
		if _, err := a.auditor.RecordInTx(ctx, tx, audit.EventDeferralResolved, d.TaskID, map[string]any{
			"deferral_id": d.ID,
			"task_id":     d.TaskID,
			"thought_id":  d.ThoughtID,
			"reason":      excerpt(d.Reason, 200),
			"resolution":  excerpt(resolution, 300),
		}); err != nil {
			return err
		}
		// A task that settled some other way keeps its state; the answer is
		// recorded but nothing resumes.
		if task.Status != types.TaskDeferred {
			logging.SchedulerWarn("Deferral %s resolved but task %s is %s; not resuming", d.ID, task.ID, task.Status)
			return nil
		}
		if err := tx.UpdateTaskStatus(ctx, d.TaskID, types.TaskPending, now); err != nil {
			return err
		}
		next := types.Thought{
			ID:        uuid.NewString(),
			TaskID:    d.TaskID,
			Content:   resolutionContent(resolution, d.ID),
			Status:    types.ThoughtPending,
			Round:     0,
			Depth:     0,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreateThought(ctx, next); err != nil {
			return err
		}
		_, err = a.auditor.RecordInTx(ctx, tx, audit.EventTaskResumed, d.TaskID, map[string]any{
			"task_id":     d.TaskID,
			"deferral_id": d.ID,
			"thought_id":  next.ID,
		})
		if err != nil {
			return err
		}
		resumed = true
		return nil
	})
	if err != nil {
		return err
	}
	a.emit(events.Event{
		Kind:    events.KindDeferralResolved,
		TaskID:  d.TaskID,
		Message: excerpt(resolution, 120),
		Fields:  map[string]string{"deferral_id": d.ID, "resumed": fmt.Sprintf("%t", resumed)},
	})
	logging.Scheduler("Deferral %s resolved (task=%s resumed=%t)", d.ID, d.TaskID, resumed)
	return nil
}

// resolutionContent puts the resolution on the first line so selection reads
// it as the directive. The original request text is deliberately not quoted
// back in: evaluators judge the authority's instruction on its own, and a
// hard-stopped phrase from the first attempt cannot re-trip the same stop.
// Provenance stays on the deferral row and in the audit chain.
func resolutionContent(resolution, deferralID string) string {
	return resolution + "\n\napplying guidance for deferral " + deferralID
}

// ExpireDeferrals times out deferrals that waited past the resolution
// timeout. Their tasks stay deferred; expiry only closes the question so the
// pending queue reflects what an authority can still act on.
func (a *Agent) ExpireDeferrals(ctx context.Context) (int, error) {
	now := a.clock.Now()
	cutoff := now.Add(-a.cfg.GetResolutionTimeout())
	expired, err := a.store.ExpireDeferrals(ctx, cutoff, now)
	if err != nil || len(expired) == 0 {
		return 0, err
	}
	for _, d := range expired {
		if _, err := a.auditor.Record(ctx, audit.EventDeferralExpired, d.TaskID, map[string]any{
			"deferral_id": d.ID,
			"task_id":     d.TaskID,
			"reason":      excerpt(d.Reason, 200),
		}); err != nil {
			return 0, err
		}
		a.emit(events.Event{
			Kind:    events.KindDeferralResolved,
			TaskID:  d.TaskID,
			Message: "deferral expired without resolution",
			Fields:  map[string]string{"deferral_id": d.ID},
		})
	}
	logging.SchedulerWarn("Expired %d unresolved deferrals", len(expired))
	return len(expired), nil
}

// Run executes rounds until the context ends or maxRounds is reached
// (maxRounds <= 0 means unbounded). Idle rounds sleep for the configured
// interval; deferral expiry sweeps run once a minute.
func (a *Agent) Run(ctx context.Context, maxRounds int) error {
	interval := a.cfg.GetRoundInterval()
	nextSweep := a.clock.Now().Add(time.Minute)
	rounds := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.shutdown.Load() {
			return nil
		}
		stats, err := a.RunRound(ctx)
		if err != nil {
			return err
		}
		rounds++
		if maxRounds > 0 && rounds >= maxRounds {
			return nil
		}
		if now := a.clock.Now(); now.After(nextSweep) {
			if _, err := a.ExpireDeferrals(ctx); err != nil {
				logging.SchedulerError("Deferral expiry sweep: %v", err)
			}
			nextSweep = now.Add(time.Minute)
		}
		if stats.Batch == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}

// RunUntilIdle executes rounds until one comes back empty. Returns the
// number of thoughts processed. Used by tests and the drain mode of the CLI.
func (a *Agent) RunUntilIdle(ctx context.Context) (int, error) {
	processed := 0
	for {
		stats, err := a.RunRound(ctx)
		if err != nil {
			return processed, err
		}
		if stats.Batch == 0 {
			return processed, nil
		}
		processed += stats.Batch
	}
}

// Status is a point-in-time snapshot for the status command.
type Status struct {
	AgentID      string              `json:"agent_id"`
	Profile      string              `json:"profile"`
	Round        int                 `json:"round"`
	Tasks        map[string]int      `json:"tasks"`
	Deferrals    int                 `json:"pending_deferrals"`
	AuditEntries int64               `json:"audit_entries"`
	AuditFrozen  bool                `json:"audit_frozen"`
	Providers    []bus.ProviderInfo  `json:"providers"`
	Breakers     []bus.BreakerStatus `json:"breakers"`
	Resources    *resources.Status   `json:"resources,omitempty"`
	Usage        *usage.Aggregate    `json:"usage,omitempty"`
}

// Snapshot assembles the current Status.
func (a *Agent) Snapshot(ctx context.Context) (Status, error) {
	st := Status{
		AgentID:     a.cfg.Identity.AgentID,
		Profile:     a.cfg.Profile,
		Round:       a.currentRound(),
		Tasks:       make(map[string]int),
		AuditFrozen: a.auditor.Frozen(),
		Providers:   a.bus.Providers(),
		Breakers:    a.bus.Breakers(),
	}
	for _, status := range []types.TaskStatus{
		types.TaskPending, types.TaskActive, types.TaskCompleted, types.TaskFailed, types.TaskDeferred,
	} {
		n, err := a.store.CountTasksByStatus(ctx, status)
		if err != nil {
			return Status{}, err
		}
		st.Tasks[string(status)] = n
	}
	pending, err := a.store.PendingDeferrals(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Deferrals = len(pending)
	entries, err := a.store.CountAuditEntries(ctx)
	if err != nil {
		return Status{}, err
	}
	st.AuditEntries = entries
	if a.monitor != nil {
		rs := a.monitor.Status()
		st.Resources = &rs
	}
	if a.tracker != nil {
		agg := a.tracker.Stats()
		st.Usage = &agg
	}
	return st, nil
}

// failThought marks a thought failed and settles its task if nothing else is
// pending. Runs detached from the caller's context: cleanup after a deadline
// must not itself die to that deadline.
func (a *Agent) failThought(ctx context.Context, th types.Thought, reason string) {
	dctx := context.WithoutCancel(ctx)
	now := a.clock.Now()
	err := a.store.RunInTx(dctx, func(tx *store.Tx) error {
		cur, err := tx.GetThought(dctx, th.ID)
		if err != nil {
			return err
		}
		if !cur.Status.IsTerminal() {
			if err := tx.UpdateThoughtStatus(dctx, th.ID, types.ThoughtFailed, reason, now); err != nil {
				return err
			}
		}
		task, err := tx.GetTask(dctx, th.TaskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return nil
		}
		n, err := tx.CountPendingThoughtsForTask(dctx, th.TaskID)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if err := tx.UpdateTaskStatus(dctx, th.TaskID, types.TaskFailed, now); err != nil {
			return err
		}
		_, err = a.auditor.RecordInTx(dctx, tx, audit.EventTaskFailed, th.TaskID, map[string]any{
			"task_id":    th.TaskID,
			"thought_id": th.ID,
			"reason":     excerpt(reason, 200),
		})
		return err
	})
	if err != nil {
		logging.SchedulerError("Mark thought %s failed: %v", th.ID, err)
	}
}

func (a *Agent) trackRound() {
	if a.tracker != nil {
		a.tracker.RecordRound()
	}
}

func (a *Agent) trackThought() {
	if a.tracker != nil {
		a.tracker.RecordThought()
	}
}

func (a *Agent) trackAction(action string) {
	if a.tracker != nil {
		a.tracker.RecordAction(action)
	}
}

func (a *Agent) emit(event events.Event) {
	if a.stream != nil {
		a.stream.Emit(event)
	}
}

func (a *Agent) emitNow(event events.Event) {
	if a.stream != nil {
		a.stream.EmitImmediate(event)
	}
}

// excerpt trims s to at most max runes for logs and audit payloads.
func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
