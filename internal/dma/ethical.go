package dma

import (
	"context"
	"strings"

	"arbiter/internal/types"
)

// ethicalRule is one marker in the ethical screen. Hard-stop rules name the
// forced action; the rest only flag.
type ethicalRule struct {
	marker   string
	flag     string
	hardStop bool
	action   types.ActionType
	reason   string
}

// defaultEthicalRules is the built-in charter. Markers are matched as
// lowercase substrings of the thought content; the first hard-stop match
// wins and short-circuits the scan.
func defaultEthicalRules() []ethicalRule {
	return []ethicalRule{
		// Non-maleficence: requests to damage systems or people are refused.
		{marker: "rm -rf /", flag: "destructive_command", hardStop: true, action: types.ActionReject,
			reason: "request asks for irreversible bulk destruction"},
		{marker: "wipe the database", flag: "destructive_command", hardStop: true, action: types.ActionReject,
			reason: "request asks for irreversible bulk destruction"},
		{marker: "cause harm", flag: "harm_to_person", hardStop: true, action: types.ActionReject,
			reason: "request targets a person with harm"},
		{marker: "exfiltrate", flag: "data_exfiltration", hardStop: true, action: types.ActionReject,
			reason: "request asks to exfiltrate data"},
		{marker: "bypass safety", flag: "safety_bypass", hardStop: true, action: types.ActionReject,
			reason: "request asks to bypass safety controls"},
		{marker: "disable the audit", flag: "audit_tamper", hardStop: true, action: types.ActionReject,
			reason: "request asks to tamper with the audit trail"},

		// High-stakes domains are routed to a human, not refused outright.
		{marker: "medical advice", flag: "high_stakes_domain", hardStop: true, action: types.ActionDefer,
			reason: "medical questions require human review"},
		{marker: "legal advice", flag: "high_stakes_domain", hardStop: true, action: types.ActionDefer,
			reason: "legal questions require human review"},
		{marker: "self-harm", flag: "high_stakes_domain", hardStop: true, action: types.ActionDefer,
			reason: "self-harm content requires human review"},

		// Soft concerns: recorded as flags, weighed during selection.
		{marker: "password", flag: "sensitive_data"},
		{marker: "credential", flag: "sensitive_data"},
		{marker: "credit card", flag: "financial_data"},
		{marker: "personal data", flag: "privacy"},
	}
}

// EthicalDMA screens thoughts against the agent's ethical charter. The
// screen is deterministic: a rule table of content markers, each either
// flagging a concern or forcing a conservative terminal action.
type EthicalDMA struct {
	rules []ethicalRule
}

// NewEthical returns the ethical evaluator with the built-in charter.
func NewEthical() *EthicalDMA {
	return &EthicalDMA{rules: defaultEthicalRules()}
}

func (d *EthicalDMA) Name() string { return types.DMAEthical }

func (d *EthicalDMA) Evaluate(ctx context.Context, tc types.ThoughtContext) (types.Assessment, error) {
	content := strings.ToLower(tc.Thought.Content)

	a := types.Assessment{Score: 1, Reasoning: "no ethical concerns detected"}
	for _, rule := range d.rules {
		if !strings.Contains(content, rule.marker) {
			continue
		}
		if rule.hardStop {
			return types.Assessment{
				HardStop:       true,
				HardStopAction: rule.action,
				Flags:          []string{rule.flag},
				Score:          1,
				Reasoning:      rule.reason,
			}, nil
		}
		a.Flags = appendUnique(a.Flags, rule.flag)
	}

	if len(a.Flags) > 0 {
		a.Score = 0.9
		a.Reasoning = "ethical concerns flagged: " + strings.Join(a.Flags, ", ")
	}
	return a, nil
}

func appendUnique(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}
