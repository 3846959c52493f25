// Package events provides the live event stream for arbiter: a buffered
// fan-out bus that lets front-end adapters and tests watch processing
// without touching the audit chain. Events are advisory; dropping one is
// acceptable, losing an audit entry is not.
package events

import "time"

// Kind categorizes a stream event.
type Kind string

const (
	KindTaskSubmitted    Kind = "task_submitted"
	KindTaskSettled      Kind = "task_settled"
	KindThoughtQueued    Kind = "thought_queued"
	KindThoughtStarted   Kind = "thought_started"
	KindThoughtFinalized Kind = "thought_finalized"
	KindActionDispatched Kind = "action_dispatched"
	KindGuardrailVeto    Kind = "guardrail_veto"
	KindBreakerChanged   Kind = "breaker_changed"
	KindResourceBreach   Kind = "resource_breach"
	KindDeferralCreated  Kind = "deferral_created"
	KindDeferralResolved Kind = "deferral_resolved"
	KindRoundCompleted   Kind = "round_completed"
)

// Event is one observation of the running agent.
type Event struct {
	// ID is a per-process sequence number assigned at emit time.
	ID        uint64    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	TaskID    string `json:"task_id,omitempty"`
	ThoughtID string `json:"thought_id,omitempty"`
	Round     int    `json:"round,omitempty"`

	// Message is the human-readable line front ends print.
	Message string `json:"message"`

	// Fields carries structured extras (action name, breaker state, ...).
	Fields map[string]string `json:"fields,omitempty"`
}
