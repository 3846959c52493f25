package types

import "time"

// =============================================================================
// DECISION ASSESSMENTS
// =============================================================================

// Evaluator names for the parallel assessment pass. Action selection runs
// after these and is identified separately.
const (
	DMAEthical     = "ethical"
	DMACommonSense = "common_sense"
	DMADomain      = "domain"
	DMASelection   = "action_selection"
)

// AssessmentStatus records whether an evaluator produced a usable result.
type AssessmentStatus string

const (
	// AssessmentOK means the evaluator completed within budget.
	AssessmentOK AssessmentStatus = "ok"
	// AssessmentAbstained means the evaluator timed out or failed; the
	// abstention is recorded and synthesis proceeds without it.
	AssessmentAbstained AssessmentStatus = "abstained"
)

// Assessment is one evaluator's verdict on a thought. A hard stop forces a
// conservative terminal action during synthesis regardless of what the other
// evaluators concluded.
type Assessment struct {
	DMA    string           `json:"dma"`
	Status AssessmentStatus `json:"status"`

	// HardStop forces the action named by HardStopAction (reject or defer).
	HardStop       bool       `json:"hard_stop,omitempty"`
	HardStopAction ActionType `json:"hard_stop_action,omitempty"`

	// Flags are machine-readable concern markers, e.g. "implausible_premise".
	Flags []string `json:"flags,omitempty"`

	// Score is the evaluator's confidence in its own verdict, in [0,1].
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning,omitempty"`

	// Abstention holds the failure or timeout description when Status is
	// AssessmentAbstained.
	Abstention string        `json:"abstention,omitempty"`
	Latency    time.Duration `json:"latency,omitempty"`
}

// Abstained builds an abstention record for the named evaluator.
func Abstained(dma, reason string, latency time.Duration) Assessment {
	return Assessment{
		DMA:        dma,
		Status:     AssessmentAbstained,
		Abstention: reason,
		Latency:    latency,
	}
}

// AssessmentBundle collects every evaluator's output for one thought, keyed
// by evaluator name. Synthesis and guardrails read from the bundle.
type AssessmentBundle map[string]Assessment

// HardStop returns the first hard-stop assessment in canonical evaluator
// order, or ok=false when none fired.
func (b AssessmentBundle) HardStop() (Assessment, bool) {
	for _, name := range []string{DMAEthical, DMACommonSense, DMADomain} {
		if a, found := b[name]; found && a.Status == AssessmentOK && a.HardStop {
			return a, true
		}
	}
	return Assessment{}, false
}

// Abstentions lists the evaluators that abstained, in canonical order.
func (b AssessmentBundle) Abstentions() []string {
	var out []string
	for _, name := range []string{DMAEthical, DMACommonSense, DMADomain} {
		if a, found := b[name]; found && a.Status == AssessmentAbstained {
			out = append(out, name)
		}
	}
	return out
}

// =============================================================================
// THOUGHT CONTEXT
// =============================================================================

// ThoughtContext is the read-only bundle handed to evaluators and guardrails.
// It is assembled once per thought so every evaluator sees the same snapshot.
type ThoughtContext struct {
	Task    Task      `json:"task"`
	Thought Thought   `json:"thought"`
	Chain   []Thought `json:"chain,omitempty"`

	// Profile names the active deployment profile (which evaluators run,
	// which actions are permitted).
	Profile string `json:"profile"`

	// Identity is the agent's self-description made available to evaluators.
	Identity string `json:"identity,omitempty"`

	// Recalled carries memory fetched for this thought, keyed "scope/key".
	Recalled map[string]string `json:"recalled,omitempty"`

	// Channel is the origin channel for outbound communication defaults.
	Channel string `json:"channel,omitempty"`
}
