// Package guardrail implements the safety chain that validates every
// synthesized action before dispatch. Rails run in a fixed order; the first
// veto short-circuits the rest and replaces the selection with a
// conservative substitute carrying the veto reason. Every rail that
// ran is recorded, pass or veto, with its latency, and the record travels
// into the dispatch audit entry.
package guardrail

import (
	"context"
	"time"

	"arbiter/internal/config"
	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// Verdict is one rail's decision. ReplaceWith overrides the chain's default
// replacement action when the rail demands a specific substitute (the depth
// ceiling must defer, never reject).
type Verdict struct {
	OK          bool
	Reason      string
	ReplaceWith types.ActionType
}

// Allow is the passing verdict.
func Allow() Verdict { return Verdict{OK: true} }

// Veto blocks the action; the chain's configured replacement applies.
func Veto(reason string) Verdict { return Verdict{Reason: reason} }

// VetoWith blocks the action and names the replacement.
func VetoWith(action types.ActionType, reason string) Verdict {
	return Verdict{Reason: reason, ReplaceWith: action}
}

// Guardrail is one rail in the chain. Implementations must be safe for
// concurrent use.
type Guardrail interface {
	Name() string
	Check(ctx context.Context, result types.ActionSelectionResult, tc types.ThoughtContext) Verdict
}

// Outcome records one rail evaluation for the audit trail.
type Outcome struct {
	Guardrail string        `json:"guardrail"`
	Passed    bool          `json:"passed"`
	Reason    string        `json:"reason,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// Chain is the ordered guardrail sequence.
type Chain struct {
	rails      []Guardrail
	vetoAction types.ActionType
}

// NewChain builds a chain over the given rails. The configured veto_action
// replaces vetoed selections unless a rail demands its own substitute.
func NewChain(cfg *config.Config, rails ...Guardrail) *Chain {
	vetoAction := types.ActionType(cfg.Guardrails.VetoAction)
	if vetoAction != types.ActionDefer {
		vetoAction = types.ActionReject
	}
	return &Chain{rails: rails, vetoAction: vetoAction}
}

// Default builds the standard chain in order: legality, ponder depth
// ceiling, content safety, confidence floor, action rate limit.
func Default(cfg *config.Config, clock types.Clock) *Chain {
	profile := cfg.ActiveProfile()
	return NewChain(cfg,
		NewActionLegality(profile.PermittedActions),
		NewPonderDepth(cfg.Processing.MaxPonderDepth),
		NewContentSafety(cfg.Guardrails.MaxSpeakLength),
		NewConfidenceFloor(cfg.Guardrails.MinConfidence, cfg.Processing.MaxPonderDepth),
		NewRateLimit(cfg.Guardrails.RateLimit, cfg.GetRateWindow(), clock),
	)
}

// Apply runs the chain over a synthesized selection. It returns the final
// result (the original, or the replacement on a veto), the outcome record
// of every rail that ran, and whether a veto fired. Replacement results are
// chain-authored and are not themselves re-checked.
func (c *Chain) Apply(ctx context.Context, result types.ActionSelectionResult, tc types.ThoughtContext) (types.ActionSelectionResult, []Outcome, bool) {
	outcomes := make([]Outcome, 0, len(c.rails))
	for _, rail := range c.rails {
		start := time.Now()
		verdict := rail.Check(ctx, result, tc)
		elapsed := time.Since(start)

		outcomes = append(outcomes, Outcome{
			Guardrail: rail.Name(),
			Passed:    verdict.OK,
			Reason:    verdict.Reason,
			Latency:   elapsed,
		})
		if verdict.OK {
			continue
		}

		replacement := c.replace(verdict, result)
		logging.GuardrailWarn("%s vetoed %s for thought %s: %s -> %s",
			rail.Name(), result.Action, tc.Thought.ID, verdict.Reason, replacement.Action)
		return replacement, outcomes, true
	}

	logging.GuardrailDebug("%s passed %d rails for thought %s", result.Action, len(outcomes), tc.Thought.ID)
	return result, outcomes, false
}

// replace builds the substituted action for a veto. Rails may demand a
// reject, defer, or ponder substitute; anything else falls back to the
// chain's configured veto action.
func (c *Chain) replace(verdict Verdict, original types.ActionSelectionResult) types.ActionSelectionResult {
	action := verdict.ReplaceWith
	switch action {
	case types.ActionReject, types.ActionDefer, types.ActionPonder:
	default:
		action = c.vetoAction
	}

	replacement := types.ActionSelectionResult{
		Action:     action,
		Rationale:  "guardrail veto of " + string(original.Action) + ": " + verdict.Reason,
		Confidence: 1,
	}
	switch action {
	case types.ActionReject:
		replacement.Params.Reject = &types.RejectParams{Reason: verdict.Reason}
	case types.ActionDefer:
		replacement.Params.Defer = &types.DeferParams{Reason: verdict.Reason}
	case types.ActionPonder:
		replacement.Params.Ponder = &types.PonderParams{
			Questions: []string{"what evidence would justify " + string(original.Action) + "?"},
		}
	}
	return replacement
}
