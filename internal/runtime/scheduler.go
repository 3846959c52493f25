package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"arbiter/internal/audit"
	"arbiter/internal/events"
	"arbiter/internal/logging"
	"arbiter/internal/providers"
	"arbiter/internal/store"
	"arbiter/internal/types"
)

// RoundStats summarizes one scheduler round.
type RoundStats struct {
	Round     int
	Batch     int
	Completed int
	Pondered  int
	Deferred  int
	Failed    int
	Duration  time.Duration
}

type thoughtOutcome int

const (
	outcomeCompleted thoughtOutcome = iota
	outcomePondered
	outcomeDeferred
	outcomeFailed
)

// RunRound takes one fair batch of pending thoughts, at most one per task,
// and processes them on a bounded worker pool. A failure in one thought
// never aborts the round; each worker settles its own thought and reports an
// outcome for the stats.
func (a *Agent) RunRound(ctx context.Context) (RoundStats, error) {
	if a.shutdown.Load() {
		return RoundStats{}, types.ErrShuttingDown
	}
	a.mu.Lock()
	a.round++
	round := a.round
	a.mu.Unlock()

	limit := a.cfg.Processing.QueueLimit
	if mt := a.cfg.Processing.MaxActiveTasks; mt > 0 && mt < limit {
		limit = mt
	}
	batch, err := a.store.FairPendingBatch(ctx, limit)
	if err != nil {
		return RoundStats{Round: round}, fmt.Errorf("round %d batch: %w", round, err)
	}
	stats := RoundStats{Round: round, Batch: len(batch)}
	if len(batch) == 0 {
		return stats, nil
	}

	timer := logging.StartTimer(logging.CategoryScheduler, "round")
	logging.Scheduler("Round %d: %d thoughts queued", round, len(batch))

	var completed, pondered, deferred, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Processing.Workers)
	for _, th := range batch {
		g.Go(func() error {
			outcome := a.safeProcess(gctx, round, th)
			switch outcome {
			case outcomeCompleted:
				completed.Add(1)
			case outcomePondered:
				pondered.Add(1)
			case outcomeDeferred:
				deferred.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; isolation is the point

	stats.Completed = int(completed.Load())
	stats.Pondered = int(pondered.Load())
	stats.Deferred = int(deferred.Load())
	stats.Failed = int(failed.Load())
	stats.Duration = timer.Stop()
	a.trackRound()

	a.emit(events.Event{
		Kind:  events.KindRoundCompleted,
		Round: round,
		Message: fmt.Sprintf("%d thoughts: %d completed, %d pondered, %d deferred, %d failed",
			stats.Batch, stats.Completed, stats.Pondered, stats.Deferred, stats.Failed),
	})
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// safeProcess wraps processThought so a panic in a handler or store call
// fails that one thought instead of taking the round down.
func (a *Agent) safeProcess(ctx context.Context, round int, th types.Thought) (outcome thoughtOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logging.SchedulerError("Thought %s panicked: %v", th.ID, r)
			a.failThought(ctx, th, fmt.Sprintf("processing panic: %v", r))
			outcome = outcomeFailed
		}
	}()
	return a.processThought(ctx, round, th)
}

// processThought runs one thought through its full lifecycle: claim,
// context assembly, pipeline evaluation, guardrail check, dispatch. The
// cancellation flag is honored at the checkpoints between stages; once
// dispatch commits, the action stands.
func (a *Agent) processThought(ctx context.Context, round int, th types.Thought) thoughtOutcome {
	a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	a.trackThought()

	tl := logging.WithThoughtID(logging.CategoryScheduler, th.ID)
	tctx, cancel := context.WithTimeout(ctx, a.cfg.GetThoughtTimeout())
	defer cancel()

	task, err := a.claim(tctx, th)
	if err != nil {
		tl.Error("claim failed: %v", err)
		a.failThought(ctx, th, "claim failed: "+err.Error())
		return outcomeFailed
	}
	a.emit(events.Event{
		Kind:      events.KindThoughtStarted,
		TaskID:    task.ID,
		ThoughtID: th.ID,
		Round:     round,
		Message:   excerpt(th.Content, 120),
		Fields:    map[string]string{"depth": fmt.Sprintf("%d", th.Depth)},
	})

	if task.CancelRequested {
		return a.cancelThought(tctx, task, th)
	}

	tc, err := a.buildContext(tctx, task, th)
	if err != nil {
		tl.Error("context assembly failed: %v", err)
		a.failThought(ctx, th, "context assembly failed: "+err.Error())
		return outcomeFailed
	}

	proposed, bundle, err := a.pipeline.Evaluate(tctx, tc)
	if err != nil {
		tl.Error("pipeline evaluation failed: %v", err)
		a.failThought(ctx, th, "pipeline evaluation failed: "+err.Error())
		return outcomeFailed
	}
	tl.Debug("pipeline selected %s (confidence %.2f)", proposed.Action, proposed.Confidence)

	// Re-read the cancel flag before acting on the decision.
	if fresh, err := a.store.GetTask(tctx, task.ID); err == nil && fresh.CancelRequested {
		return a.cancelThought(tctx, fresh, th)
	}

	final, outcomes, vetoed := a.chain.Apply(tctx, proposed, tc)
	if vetoed {
		a.emitNow(events.Event{
			Kind:      events.KindGuardrailVeto,
			TaskID:    task.ID,
			ThoughtID: th.ID,
			Round:     round,
			Message:   final.Rationale,
			Fields:    map[string]string{"proposed": string(proposed.Action), "final": string(final.Action)},
		})
	}

	d := &dispatchState{
		round:    round,
		task:     task,
		thought:  th,
		tc:       tc,
		proposed: proposed,
		result:   final,
		bundle:   bundle,
		outcomes: outcomes,
		vetoed:   vetoed,
	}
	return a.dispatch(tctx, d)
}

// claim moves the thought to processing and activates its task inside one
// transaction. Losing a claim (thought no longer pending) is not an error
// path worth retrying; the status check in UpdateThoughtStatus surfaces it.
func (a *Agent) claim(ctx context.Context, th types.Thought) (types.Task, error) {
	var task types.Task
	now := a.clock.Now()
	err := a.store.RunInTx(ctx, func(tx *store.Tx) error {
		t, err := tx.GetTask(ctx, th.TaskID)
		if err != nil {
			return err
		}
		if err := tx.UpdateThoughtStatus(ctx, th.ID, types.ThoughtProcessing, "", now); err != nil {
			return err
		}
		if t.Status == types.TaskPending {
			if err := tx.UpdateTaskStatus(ctx, th.TaskID, types.TaskActive, now); err != nil {
				return err
			}
			t.Status = types.TaskActive
		}
		task = t
		return nil
	})
	return task, err
}

// buildContext assembles everything the pipeline sees for one thought: the
// task, the parent chain, the capability profile, and a bounded slice of
// local memory.
func (a *Agent) buildContext(ctx context.Context, task types.Task, th types.Thought) (types.ThoughtContext, error) {
	chain, err := a.store.ThoughtChain(ctx, th.ID)
	if err != nil {
		return types.ThoughtContext{}, err
	}
	channel := task.Origin
	if channel == "" {
		channel = a.cfg.Identity.DefaultChannel
	}
	recalled := a.recallLocal(ctx)
	return types.ThoughtContext{
		Task:     task,
		Thought:  th,
		Chain:    chain,
		Profile:  a.cfg.Profile,
		Identity: a.cfg.Identity.Description,
		Recalled: recalled,
		Channel:  channel,
	}, nil
}

const recallLimit = 16

// recallLocal loads a bounded view of local-scope memory for the evaluators.
// Failures degrade to an empty view; memory is advisory context, not a
// processing dependency.
func (a *Agent) recallLocal(ctx context.Context) map[string]string {
	records, err := a.store.ListMemoryScope(ctx, providers.DefaultScope)
	if err != nil {
		logging.SchedulerWarn("Local memory recall failed: %v", err)
		return nil
	}
	if len(records) == 0 {
		return nil
	}
	if len(records) > recallLimit {
		records = records[:recallLimit]
	}
	recalled := make(map[string]string, len(records))
	for _, r := range records {
		recalled[r.Key] = r.Value
	}
	return recalled
}

// cancelThought honors a cancellation flag observed at a checkpoint: the
// current thought and all pending siblings fail with a cancellation
// rationale, the task fails, and the task.cancelled entry is written in the
// same transaction.
func (a *Agent) cancelThought(ctx context.Context, task types.Task, th types.Thought) thoughtOutcome {
	dctx := context.WithoutCancel(ctx)
	now := a.clock.Now()
	var swept int
	err := a.store.RunInTx(dctx, func(tx *store.Tx) error {
		if err := tx.UpdateThoughtStatus(dctx, th.ID, types.ThoughtFailed, "task cancelled", now); err != nil {
			return err
		}
		n, err := tx.FailPendingForTask(dctx, task.ID, "task cancelled", now)
		if err != nil {
			return err
		}
		swept = n
		if !task.Status.IsTerminal() {
			if err := tx.UpdateTaskStatus(dctx, task.ID, types.TaskFailed, now); err != nil {
				return err
			}
		}
		_, err = a.auditor.RecordInTx(dctx, tx, audit.EventTaskCancelled, task.ID, map[string]any{
			"task_id":         task.ID,
			"thought_id":      th.ID,
			"swept_thoughts":  swept,
			"cancelled_round": a.currentRound(),
		})
		return err
	})
	if err != nil {
		logging.SchedulerError("Cancel task %s: %v", task.ID, err)
		return outcomeFailed
	}
	a.emit(events.Event{
		Kind:      events.KindTaskSettled,
		TaskID:    task.ID,
		ThoughtID: th.ID,
		Message:   "task cancelled",
		Fields:    map[string]string{"status": string(types.TaskFailed), "swept": fmt.Sprintf("%d", swept)},
	})
	logging.Scheduler("Task %s cancelled (thought %s, %d siblings swept)", task.ID, th.ID, swept)
	return outcomeFailed
}
