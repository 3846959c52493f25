package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/audit"
	"arbiter/internal/events"
	"arbiter/internal/guardrail"
	"arbiter/internal/logging"
	"arbiter/internal/providers"
	"arbiter/internal/store"
	"arbiter/internal/types"
)

// settleMode says what happens to the task once the thought finalizes.
type settleMode int

const (
	// settleNone leaves the task active (a child thought continues it).
	settleNone settleMode = iota
	// settleAuto completes the task when no pending thoughts remain.
	settleAuto
	// settleComplete completes the task and sweeps pending siblings.
	settleComplete
	// settleFail fails the task.
	settleFail
	// settleDefer parks the task on a deferral.
	settleDefer
)

// dispatchState carries one decision from handler through finalize.
type dispatchState struct {
	round    int
	task     types.Task
	thought  types.Thought
	tc       types.ThoughtContext
	proposed types.ActionSelectionResult // pipeline output, pre-guardrail
	result   types.ActionSelectionResult // what actually dispatches
	bundle   types.AssessmentBundle
	outcomes []guardrail.Outcome
	vetoed   bool

	// filled by the handler
	effect        map[string]any
	thoughtStatus types.ThoughtStatus
	rationale     string
	settle        settleMode
	child         *types.Thought
	deferral      *types.Deferral
	settledTo     types.TaskStatus
}

type handlerFunc func(ctx context.Context, d *dispatchState) error

func (a *Agent) buildHandlers() map[types.ActionType]handlerFunc {
	return map[types.ActionType]handlerFunc{
		types.ActionObserve:      a.handleObserve,
		types.ActionSpeak:        a.handleSpeak,
		types.ActionTool:         a.handleTool,
		types.ActionReject:       a.handleReject,
		types.ActionPonder:       a.handlePonder,
		types.ActionDefer:        a.handleDefer,
		types.ActionMemorize:     a.handleMemorize,
		types.ActionRecall:       a.handleRecall,
		types.ActionForget:       a.handleForget,
		types.ActionTaskComplete: a.handleTaskComplete,
	}
}

// dispatch runs the handler for the decided action and finalizes thought,
// task, and audit in one transaction. Handler failures are themselves
// dispositions: a missing capability parks the task on a deferral so an
// authority can intervene, anything else fails the thought. Both are
// audited the same way successes are.
func (a *Agent) dispatch(ctx context.Context, d *dispatchState) thoughtOutcome {
	tl := logging.WithThoughtID(logging.CategoryHandlers, d.thought.ID)

	handlerErr := d.result.Validate()
	if handlerErr == nil {
		h, ok := a.handlers[d.result.Action]
		if !ok {
			handlerErr = fmt.Errorf("no handler for action %q", d.result.Action)
		} else {
			handlerErr = h(ctx, d)
		}
	}
	if handlerErr != nil {
		tl.Error("%s handler failed: %v", d.result.Action, handlerErr)
		a.applyFailureDisposition(d, handlerErr)
	}
	a.trackAction(string(d.result.Action))

	if err := a.finalize(ctx, d, handlerErr); err != nil {
		tl.Error("finalize failed: %v", err)
		a.failThought(ctx, d.thought, "finalize failed: "+err.Error())
		return outcomeFailed
	}
	a.afterFinalize(ctx, d)

	switch {
	case d.child != nil:
		return outcomePondered
	case d.thoughtStatus == types.ThoughtDeferred:
		return outcomeDeferred
	case d.thoughtStatus == types.ThoughtFailed:
		return outcomeFailed
	default:
		return outcomeCompleted
	}
}

// applyFailureDisposition rewrites the dispatch state after a handler error.
// An unavailable capability becomes a deferral; the attempted action is kept
// in the deferral context so the authority sees what was tried.
func (a *Agent) applyFailureDisposition(d *dispatchState, handlerErr error) {
	d.effect = nil
	d.child = nil
	var unavailable *types.CapabilityUnavailableError
	if errors.As(handlerErr, &unavailable) {
		d.thoughtStatus = types.ThoughtDeferred
		d.rationale = fmt.Sprintf("capability %s unavailable; awaiting guidance", unavailable.Capability)
		d.settle = settleDefer
		d.deferral = &types.Deferral{
			ID:        uuid.NewString(),
			TaskID:    d.task.ID,
			ThoughtID: d.thought.ID,
			Reason:    fmt.Sprintf("cannot perform %s: %v", d.result.Action, handlerErr),
			Context: map[string]string{
				"action": string(d.result.Action),
				"error":  excerpt(handlerErr.Error(), 300),
			},
			Status:    types.DeferralPending,
			CreatedAt: a.clock.Now(),
		}
		return
	}
	d.thoughtStatus = types.ThoughtFailed
	d.rationale = fmt.Sprintf("%s handler failed: %v", d.result.Action, handlerErr)
	d.settle = settleFail
	d.deferral = nil
}

// finalize commits the decision: thought status, child thought, deferral
// row, the guardrail.override entry when a veto rewrote the action, the
// action entry itself, and the task settle, all in one transaction.
func (a *Agent) finalize(ctx context.Context, d *dispatchState, handlerErr error) error {
	now := a.clock.Now()
	payload := d.payload(handlerErr)
	return a.store.RunInTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpdateThoughtStatus(ctx, d.thought.ID, d.thoughtStatus, d.rationale, now); err != nil {
			return err
		}
		if d.child != nil {
			if err := tx.CreateThought(ctx, *d.child); err != nil {
				return err
			}
		}
		if d.deferral != nil {
			if err := tx.InsertDeferral(ctx, *d.deferral); err != nil {
				return err
			}
		}
		if d.vetoed {
			if _, err := a.auditor.RecordInTx(ctx, tx, audit.EventGuardrailOverride, d.thought.ID, map[string]any{
				"task_id":         d.task.ID,
				"thought_id":      d.thought.ID,
				"proposed_action": string(d.proposed.Action),
				"final_action":    string(d.result.Action),
				"reason":          d.result.Rationale,
			}); err != nil {
				return err
			}
		}
		if _, err := a.auditor.RecordInTx(ctx, tx, audit.ForAction(string(d.result.Action)), d.thought.ID, payload); err != nil {
			return err
		}
		return a.settleTask(ctx, tx, d, now)
	})
}

// settleTask applies the handler's settle mode. Terminal tasks are left
// untouched so a late finalize cannot flip a settled task.
func (a *Agent) settleTask(ctx context.Context, tx *store.Tx, d *dispatchState, now time.Time) error {
	if d.settle == settleNone {
		return nil
	}
	task, err := tx.GetTask(ctx, d.task.ID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	switch d.settle {
	case settleAuto:
		n, err := tx.CountPendingThoughtsForTask(ctx, d.task.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if err := tx.UpdateTaskStatus(ctx, d.task.ID, types.TaskCompleted, now); err != nil {
			return err
		}
		d.settledTo = types.TaskCompleted
		_, err = a.auditor.RecordInTx(ctx, tx, audit.EventTaskCompleted, d.task.ID, map[string]any{
			"task_id":          d.task.ID,
			"final_thought_id": d.thought.ID,
			"final_action":     string(d.result.Action),
		})
		return err

	case settleComplete:
		swept, err := tx.FailPendingForTask(ctx, d.task.ID, "superseded by task completion", now)
		if err != nil {
			return err
		}
		if err := tx.UpdateTaskStatus(ctx, d.task.ID, types.TaskCompleted, now); err != nil {
			return err
		}
		d.settledTo = types.TaskCompleted
		_, err = a.auditor.RecordInTx(ctx, tx, audit.EventTaskCompleted, d.task.ID, map[string]any{
			"task_id":          d.task.ID,
			"final_thought_id": d.thought.ID,
			"swept_thoughts":   swept,
		})
		return err

	case settleFail:
		if err := tx.UpdateTaskStatus(ctx, d.task.ID, types.TaskFailed, now); err != nil {
			return err
		}
		d.settledTo = types.TaskFailed
		_, err = a.auditor.RecordInTx(ctx, tx, audit.EventTaskFailed, d.task.ID, map[string]any{
			"task_id":          d.task.ID,
			"final_thought_id": d.thought.ID,
			"rationale":        excerpt(d.rationale, 300),
		})
		return err

	case settleDefer:
		if err := tx.UpdateTaskStatus(ctx, d.task.ID, types.TaskDeferred, now); err != nil {
			return err
		}
		d.settledTo = types.TaskDeferred
		payload := map[string]any{
			"task_id":    d.task.ID,
			"thought_id": d.thought.ID,
		}
		if d.deferral != nil {
			payload["deferral_id"] = d.deferral.ID
			payload["reason"] = excerpt(d.deferral.Reason, 300)
		}
		_, err = a.auditor.RecordInTx(ctx, tx, audit.EventTaskDeferred, d.task.ID, payload)
		return err
	}
	return nil
}

// afterFinalize emits events and routes the guidance request once the
// transaction committed. Guidance delivery failures are logged, not fatal:
// the deferral row is the durable record and an operator can still answer
// via the resolve command.
func (a *Agent) afterFinalize(ctx context.Context, d *dispatchState) {
	a.emit(events.Event{
		Kind:      events.KindActionDispatched,
		TaskID:    d.task.ID,
		ThoughtID: d.thought.ID,
		Round:     d.round,
		Message:   excerpt(d.rationale, 160),
		Fields: map[string]string{
			"action":     string(d.result.Action),
			"confidence": fmt.Sprintf("%.2f", d.result.Confidence),
		},
	})
	a.emit(events.Event{
		Kind:      events.KindThoughtFinalized,
		TaskID:    d.task.ID,
		ThoughtID: d.thought.ID,
		Round:     d.round,
		Message:   string(d.thoughtStatus),
	})
	if d.child != nil {
		a.emit(events.Event{
			Kind:      events.KindThoughtQueued,
			TaskID:    d.task.ID,
			ThoughtID: d.child.ID,
			Round:     d.round,
			Message:   fmt.Sprintf("ponder depth %d", d.child.Depth),
		})
	}
	if d.deferral != nil {
		a.emit(events.Event{
			Kind:      events.KindDeferralCreated,
			TaskID:    d.task.ID,
			ThoughtID: d.thought.ID,
			Round:     d.round,
			Message:   excerpt(d.deferral.Reason, 160),
			Fields:    map[string]string{"deferral_id": d.deferral.ID},
		})
		a.requestGuidance(ctx, d.deferral)
	}
	if d.settledTo != "" {
		a.emit(events.Event{
			Kind:    events.KindTaskSettled,
			TaskID:  d.task.ID,
			Message: string(d.settledTo),
		})
		logging.Scheduler("Task %s settled: %s (action=%s thought=%s)",
			d.task.ID, d.settledTo, d.result.Action, d.thought.ID)
	}
}

// requestGuidance routes a committed deferral to the guidance capability.
func (a *Agent) requestGuidance(ctx context.Context, d *types.Deferral) {
	_, err := a.bus.Call(ctx, types.Request{
		Capability: types.CapabilityGuidance,
		Operation:  providers.OpRequest,
		ThoughtID:  d.ThoughtID,
		TaskID:     d.TaskID,
		Params: map[string]any{
			"deferral_id": d.ID,
			"reason":      d.Reason,
			"context":     d.Context,
		},
	})
	if err != nil {
		logging.HandlersError("Guidance request for deferral %s not delivered: %v", d.ID, err)
		return
	}
	logging.Handlers("Guidance requested for deferral %s (task=%s)", d.ID, d.TaskID)
}

// actionRecord is the audit payload for every dispatched action.
type actionRecord struct {
	TaskID      string                 `json:"task_id"`
	ThoughtID   string                 `json:"thought_id"`
	Round       int                    `json:"round"`
	Depth       int                    `json:"depth"`
	Action      string                 `json:"action"`
	Rationale   string                 `json:"rationale"`
	Confidence  float64                `json:"confidence"`
	Outcome     string                 `json:"outcome"`
	Error       string                 `json:"error,omitempty"`
	Effect      map[string]any         `json:"effect,omitempty"`
	Guardrails  []guardrail.Outcome    `json:"guardrails"`
	Assessments types.AssessmentBundle `json:"assessments"`
}

func (d *dispatchState) payload(handlerErr error) actionRecord {
	rec := actionRecord{
		TaskID:      d.task.ID,
		ThoughtID:   d.thought.ID,
		Round:       d.round,
		Depth:       d.thought.Depth,
		Action:      string(d.result.Action),
		Rationale:   d.result.Rationale,
		Confidence:  d.result.Confidence,
		Outcome:     "ok",
		Effect:      d.effect,
		Guardrails:  d.outcomes,
		Assessments: d.bundle,
	}
	if handlerErr != nil {
		rec.Outcome = "error"
		rec.Error = excerpt(handlerErr.Error(), 300)
	}
	return rec
}

// --- handlers ---

func (a *Agent) handleObserve(ctx context.Context, d *dispatchState) error {
	p := d.result.Params.Observe
	source := p.Source
	if source == "" {
		source = d.tc.Channel
	}
	resp, err := a.bus.Call(ctx, types.Request{
		Capability: types.CapabilityCommunication,
		Operation:  providers.OpObserve,
		ThoughtID:  d.thought.ID,
		TaskID:     d.task.ID,
		Params:     map[string]any{"channel": source},
	})
	if err != nil {
		return err
	}
	d.effect = map[string]any{"source": source, "active": p.Active}
	if n, ok := resp.Data["count"]; ok {
		d.effect["observed"] = n
	}
	d.complete(d.result.Rationale, settleAuto)
	return nil
}

func (a *Agent) handleSpeak(ctx context.Context, d *dispatchState) error {
	p := d.result.Params.Speak
	channel := p.Channel
	if channel == "" {
		channel = d.tc.Channel
	}
	resp, err := a.bus.Call(ctx, types.Request{
		Capability: types.CapabilityCommunication,
		Operation:  providers.OpSend,
		ThoughtID:  d.thought.ID,
		TaskID:     d.task.ID,
		Params:     map[string]any{"content": p.Content, "channel": channel},
	})
	if err != nil {
		return err
	}
	d.effect = map[string]any{"channel": channel, "length": len(p.Content)}
	if delivered, ok := resp.Data["delivered"]; ok {
		d.effect["delivered"] = delivered
	}
	d.complete(d.result.Rationale, settleAuto)
	return nil
}

func (a *Agent) handleTool(ctx context.Context, d *dispatchState) error {
	p := d.result.Params.Tool
	args := make(map[string]any, len(p.Args))
	for k, v := range p.Args {
		args[k] = v
	}
	resp, err := a.bus.Call(ctx, types.Request{
		Capability: types.CapabilityTool,
		Operation:  providers.OpExecute,
		ThoughtID:  d.thought.ID,
		TaskID:     d.task.ID,
		Params:     map[string]any{"name": p.Name, "args": args},
	})
	if err != nil {
		return err
	}
	d.effect = map[string]any{"tool": p.Name, "result": excerpt(resp.Content, 300)}
	d.complete(d.result.Rationale, settleAuto)
	return nil
}

func (a *Agent) handleMemorize(ctx context.Context, d *dispatchState) error {
	p := d.result.Params.Memorize
	_, err := a.bus.Call(ctx, types.Request{
		Capability: types.CapabilityMemory,
		Operation:  providers.OpMemorize,
		ThoughtID:  d.thought.ID,
		TaskID:     d.task.ID,
		Params:     map[string]any{"scope": p.Scope, "key": p.Key, "value": p.Value},
	})
	if err != nil {
		return err
	}
	d.effect = map[string]any{"scope": scopeOrDefault(p.Scope), "key": p.Key}
	d.complete(d.result.Rationale, settleAuto)
	return nil
}

func (a *Agent) handleRecall(ctx context.Context, d *dispatchState) error {
	p := d.result.Params.Recall
	resp, err := a.bus.Call(ctx, types.Request{
		Capability: types.CapabilityMemory,
		Operation:  providers.OpRecall,
		ThoughtID:  d.thought.ID,
		TaskID:     d.task.ID,
		Params:     map[string]any{"scope": p.Scope, "key": p.Key},
	})
	if err != nil {
		return err
	}
	d.effect = map[string]any{"scope": scopeOrDefault(p.Scope), "key": p.Key}
	if found, ok := resp.Data["found"]; ok {
		d.effect["found"] = found
	}
	if resp.Content != "" {
		d.effect["value"] = excerpt(resp.Content, 300)
	}
	d.complete(d.result.Rationale, settleAuto)
	return nil
}

func (a *Agent) handleForget(ctx context.Context, d *dispatchState) error {
	p := d.result.Params.Forget
	resp, err := a.bus.Call(ctx, types.Request{
		Capability: types.CapabilityMemory,
		Operation:  providers.OpForget,
		ThoughtID:  d.thought.ID,
		TaskID:     d.task.ID,
		Params:     map[string]any{"scope": p.Scope, "key": p.Key, "reason": p.Reason},
	})
	if err != nil {
		return err
	}
	d.effect = map[string]any{"scope": scopeOrDefault(p.Scope), "key": p.Key}
	if removed, ok := resp.Data["removed"]; ok {
		d.effect["removed"] = removed
	}
	d.complete(d.result.Rationale, settleAuto)
	return nil
}

func (a *Agent) handleReject(ctx context.Context, d *dispatchState) error {
	p := d.result.Params.Reject
	d.effect = map[string]any{"reason": excerpt(p.Reason, 300)}
	d.complete("rejected: "+p.Reason, settleFail)
	return nil
}

func (a *Agent) handlePonder(ctx context.Context, d *dispatchState) error {
	maxDepth := a.cfg.Processing.MaxPonderDepth
	if d.thought.Depth >= maxDepth {
		// The depth guardrail rewrites this before dispatch; the ceiling
		// holds here too in case the chain was assembled without it.
		d.result = deferResult(fmt.Sprintf("max ponder rounds exceeded: depth %d reached the cap of %d",
			d.thought.Depth, maxDepth))
		return a.handleDefer(ctx, d)
	}

	p := d.result.Params.Ponder
	now := a.clock.Now()
	child := types.Thought{
		ID:        uuid.NewString(),
		TaskID:    d.task.ID,
		ParentID:  d.thought.ID,
		Content:   ponderContent(d.thought.Content, p.Questions, d.thought.Depth+1),
		Status:    types.ThoughtPending,
		Round:     d.round + 1,
		Depth:     d.thought.Depth + 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.child = &child
	d.effect = map[string]any{"child_thought_id": child.ID, "depth": child.Depth, "questions": len(p.Questions)}
	d.complete(d.result.Rationale, settleNone)
	return nil
}

func (a *Agent) handleDefer(ctx context.Context, d *dispatchState) error {
	p := d.result.Params.Defer
	d.deferral = &types.Deferral{
		ID:        uuid.NewString(),
		TaskID:    d.task.ID,
		ThoughtID: d.thought.ID,
		Reason:    p.Reason,
		Context:   p.Context,
		Status:    types.DeferralPending,
		CreatedAt: a.clock.Now(),
	}
	d.effect = map[string]any{"deferral_id": d.deferral.ID, "reason": excerpt(p.Reason, 300)}
	d.thoughtStatus = types.ThoughtDeferred
	d.rationale = d.result.Rationale
	d.settle = settleDefer
	return nil
}

func (a *Agent) handleTaskComplete(ctx context.Context, d *dispatchState) error {
	d.effect = map[string]any{}
	if p := d.result.Params.Complete; p != nil && p.Outcome != "" {
		d.effect["outcome"] = excerpt(p.Outcome, 300)
	}
	d.complete(d.result.Rationale, settleComplete)
	return nil
}

// complete marks the thought completed with the given rationale and settle
// mode. Deferrals set their own thought status and go through handleDefer.
func (d *dispatchState) complete(rationale string, settle settleMode) {
	d.thoughtStatus = types.ThoughtCompleted
	d.rationale = rationale
	d.settle = settle
}

// deferResult builds a defer decision the runtime itself authored.
func deferResult(reason string) types.ActionSelectionResult {
	return types.ActionSelectionResult{
		Action:     types.ActionDefer,
		Params:     types.ActionParams{Defer: &types.DeferParams{Reason: reason}},
		Rationale:  reason,
		Confidence: 1,
	}
}

// ponderContent extends the parent content with the open questions so the
// next evaluation sees what the last one could not resolve.
func ponderContent(parent string, questions []string, depth int) string {
	var b strings.Builder
	b.WriteString(parent)
	fmt.Fprintf(&b, "\n\nreflection %d:\n", depth)
	for _, q := range questions {
		b.WriteString("- ")
		b.WriteString(q)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func scopeOrDefault(scope string) string {
	if scope == "" {
		return providers.DefaultScope
	}
	return scope
}
