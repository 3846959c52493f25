// Package types provides shared type definitions used across arbiter packages.
// This package exists to break import cycles between core, dma, bus, and audit.
// Types in this package should be foundational data structures with no complex
// dependencies.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// TASK
// =============================================================================

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskDeferred  TaskStatus = "deferred"
)

// IsTerminal returns true when the task requires no further processing.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskDeferred
}

// IsValid returns true if the status is a recognized task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskActive, TaskCompleted, TaskFailed, TaskDeferred:
		return true
	default:
		return false
	}
}

// Task is an externally originated unit of work. Tasks own thoughts; the
// scheduler owns tasks. A task reaches a terminal status once no pending
// thoughts remain for it.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`

	// CorrelationKey is the external idempotence key. Submitting a task
	// with a key that already exists is a no-op returning the original id.
	CorrelationKey string `json:"correlation_key"`

	// Origin references the submitting collaborator's context (channel id,
	// upstream request id); opaque to the core.
	Origin string `json:"origin,omitempty"`

	// CancelRequested marks the task for cooperative cancellation. In-flight
	// thought processing finishes its current step before honoring it.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// THOUGHT
// =============================================================================

// ThoughtStatus represents the lifecycle state of a single reasoning step.
type ThoughtStatus string

const (
	ThoughtPending    ThoughtStatus = "pending"
	ThoughtProcessing ThoughtStatus = "processing"
	ThoughtCompleted  ThoughtStatus = "completed"
	ThoughtDeferred   ThoughtStatus = "deferred"
	ThoughtFailed     ThoughtStatus = "failed"
)

// IsTerminal returns true when the thought will never be processed again.
func (s ThoughtStatus) IsTerminal() bool {
	return s == ThoughtCompleted || s == ThoughtDeferred || s == ThoughtFailed
}

// IsValid returns true if the status is a recognized thought status.
func (s ThoughtStatus) IsValid() bool {
	switch s {
	case ThoughtPending, ThoughtProcessing, ThoughtCompleted, ThoughtDeferred, ThoughtFailed:
		return true
	default:
		return false
	}
}

// Thought is one reasoning step belonging to exactly one task. Ponder chains
// are stored as id-keyed records with a non-owning ParentID back-reference,
// never as a live object graph.
type Thought struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	// ParentID is the thought this one was pondered from; empty for seeds.
	ParentID string `json:"parent_id,omitempty"`

	Content string        `json:"content"`
	Status  ThoughtStatus `json:"status"`

	// Round is the scheduler round in which this thought became eligible.
	Round int `json:"round"`

	// Depth counts ponder hops from the seed thought. Depth is non-decreasing
	// along a chain and hard-capped by configuration; exceeding the cap forces
	// deferral unconditionally.
	Depth int `json:"depth"`

	// Rationale records why the thought reached its terminal status.
	Rationale string `json:"rationale,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// ACTION VOCABULARY
// =============================================================================

// ActionType identifies one of the ten actions the agent can select.
// The vocabulary is closed: handlers exist for exactly these values.
type ActionType string

const (
	ActionObserve      ActionType = "observe"
	ActionSpeak        ActionType = "speak"
	ActionTool         ActionType = "tool"
	ActionReject       ActionType = "reject"
	ActionPonder       ActionType = "ponder"
	ActionDefer        ActionType = "defer"
	ActionMemorize     ActionType = "memorize"
	ActionRecall       ActionType = "recall"
	ActionForget       ActionType = "forget"
	ActionTaskComplete ActionType = "task_complete"
)

// AllActionTypes returns the full closed vocabulary.
func AllActionTypes() []ActionType {
	return []ActionType{
		ActionObserve, ActionSpeak, ActionTool, ActionReject, ActionPonder,
		ActionDefer, ActionMemorize, ActionRecall, ActionForget, ActionTaskComplete,
	}
}

// IsValid returns true if the action is part of the closed vocabulary.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionObserve, ActionSpeak, ActionTool, ActionReject, ActionPonder,
		ActionDefer, ActionMemorize, ActionRecall, ActionForget, ActionTaskComplete:
		return true
	default:
		return false
	}
}

// IsControl returns true for actions that feed back into the state machine
// instead of touching external systems.
func (a ActionType) IsControl() bool {
	return a == ActionPonder || a == ActionDefer || a == ActionReject || a == ActionTaskComplete
}

// String returns the action name.
func (a ActionType) String() string { return string(a) }

// -----------------------------------------------------------------------------
// Typed action parameters (tagged union)
// -----------------------------------------------------------------------------

// ObserveParams configures a passive or active observation.
type ObserveParams struct {
	Source string `json:"source"`
	// Active requests a fresh look at the source rather than the last
	// known snapshot.
	Active bool `json:"active,omitempty"`
}

// SpeakParams carries outbound communication content.
type SpeakParams struct {
	Content string `json:"content"`
	Channel string `json:"channel,omitempty"`
}

// ToolParams names a tool and its arguments.
type ToolParams struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// RejectParams carries the reason a request was refused.
type RejectParams struct {
	Reason string `json:"reason"`
}

// PonderParams carries the reflection questions for a follow-up thought.
type PonderParams struct {
	Questions []string `json:"questions"`
}

// DeferParams carries the reason and context routed to an external authority.
type DeferParams struct {
	Reason  string            `json:"reason"`
	Context map[string]string `json:"context,omitempty"`
}

// MemorizeParams writes one value into graph memory.
type MemorizeParams struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RecallParams reads values back from graph memory.
type RecallParams struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
}

// ForgetParams removes one value from graph memory.
type ForgetParams struct {
	Scope  string `json:"scope"`
	Key    string `json:"key"`
	Reason string `json:"reason,omitempty"`
}

// CompleteParams closes out the owning task.
type CompleteParams struct {
	Outcome string `json:"outcome,omitempty"`
}

// ActionParams is the tagged union of per-action parameters. Exactly the
// member matching the selected action must be set; Validate enforces this.
type ActionParams struct {
	Observe  *ObserveParams  `json:"observe,omitempty"`
	Speak    *SpeakParams    `json:"speak,omitempty"`
	Tool     *ToolParams     `json:"tool,omitempty"`
	Reject   *RejectParams   `json:"reject,omitempty"`
	Ponder   *PonderParams   `json:"ponder,omitempty"`
	Defer    *DeferParams    `json:"defer,omitempty"`
	Memorize *MemorizeParams `json:"memorize,omitempty"`
	Recall   *RecallParams   `json:"recall,omitempty"`
	Forget   *ForgetParams   `json:"forget,omitempty"`
	Complete *CompleteParams `json:"complete,omitempty"`
}

// Validate checks that the params union carries exactly the member required
// by the given action, with its required fields populated.
func (p ActionParams) Validate(action ActionType) error {
	set := 0
	for _, present := range []bool{
		p.Observe != nil, p.Speak != nil, p.Tool != nil, p.Reject != nil,
		p.Ponder != nil, p.Defer != nil, p.Memorize != nil, p.Recall != nil,
		p.Forget != nil, p.Complete != nil,
	} {
		if present {
			set++
		}
	}
	if set > 1 {
		return NewValidationError("params", fmt.Sprintf("%d parameter members set, want at most 1", set))
	}

	switch action {
	case ActionObserve:
		if p.Observe == nil || p.Observe.Source == "" {
			return NewValidationError("observe.source", "required")
		}
	case ActionSpeak:
		if p.Speak == nil || p.Speak.Content == "" {
			return NewValidationError("speak.content", "required")
		}
	case ActionTool:
		if p.Tool == nil || p.Tool.Name == "" {
			return NewValidationError("tool.name", "required")
		}
	case ActionReject:
		if p.Reject == nil || p.Reject.Reason == "" {
			return NewValidationError("reject.reason", "required")
		}
	case ActionPonder:
		if p.Ponder == nil || len(p.Ponder.Questions) == 0 {
			return NewValidationError("ponder.questions", "at least one required")
		}
	case ActionDefer:
		if p.Defer == nil || p.Defer.Reason == "" {
			return NewValidationError("defer.reason", "required")
		}
	case ActionMemorize:
		if p.Memorize == nil || p.Memorize.Key == "" {
			return NewValidationError("memorize.key", "required")
		}
	case ActionRecall:
		if p.Recall == nil || p.Recall.Key == "" {
			return NewValidationError("recall.key", "required")
		}
	case ActionForget:
		if p.Forget == nil || p.Forget.Key == "" {
			return NewValidationError("forget.key", "required")
		}
	case ActionTaskComplete:
		// No required fields; nil params are acceptable.
	default:
		return NewValidationError("action", fmt.Sprintf("unknown action type %q", action))
	}
	return nil
}

// =============================================================================
// DECISION RESULTS
// =============================================================================

// ActionSelectionResult is the synthesized decision for one thought: one
// action from the closed vocabulary plus typed parameters and a rationale.
// It is not authoritative until the guardrail chain has passed it.
type ActionSelectionResult struct {
	Action     ActionType   `json:"action"`
	Params     ActionParams `json:"params"`
	Rationale  string       `json:"rationale"`
	Confidence float64      `json:"confidence"`
}

// Validate checks the action is in the vocabulary and the params match it.
func (r ActionSelectionResult) Validate() error {
	if !r.Action.IsValid() {
		return NewValidationError("action", fmt.Sprintf("%q is not in the action vocabulary", r.Action))
	}
	return r.Params.Validate(r.Action)
}

// =============================================================================
// AUDIT
// =============================================================================

// GenesisHash is the previous_hash of the first chain entry: 64 zero hex
// digits, the width of a sha256 digest.
var GenesisHash = strings.Repeat("0", 64)

// AuditEntry is the immutable record of one dispatched action. Entries form
// a hash chain: EntryHash covers the canonical serialization of the entry
// including PreviousHash, and Signature covers EntryHash.
type AuditEntry struct {
	// SequenceNumber is strictly increasing and gapless across all tasks.
	SequenceNumber int64 `json:"sequence_number"`

	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	OriginatorID string    `json:"originator_id"`
	Timestamp    time.Time `json:"timestamp"`

	// Payload is the canonical JSON document describing the action.
	Payload string `json:"payload"`

	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
	Signature    string `json:"signature"`
	SigningKeyID string `json:"signing_key_id"`
}

// SigningKey is the public half of an audit signing key. Retired keys are
// kept forever so old entries stay verifiable after rotation.
type SigningKey struct {
	KeyID     string    `json:"key_id"`
	PublicKey string    `json:"public_key"` // base64 raw ed25519
	CreatedAt time.Time `json:"created_at"`
	RetiredAt time.Time `json:"retired_at,omitempty"`
}

// Retired reports whether the key has been rotated out of signing duty.
func (k SigningKey) Retired() bool { return !k.RetiredAt.IsZero() }

// =============================================================================
// SERVICE CORRELATION
// =============================================================================

// ServiceCorrelation links one capability request to its response with
// timing and outcome. Used for tracing; not safety-critical.
type ServiceCorrelation struct {
	ID         string        `json:"id"`
	Capability string        `json:"capability"`
	Operation  string        `json:"operation"`
	Provider   string        `json:"provider"`
	ThoughtID  string        `json:"thought_id,omitempty"`
	Request    string        `json:"request,omitempty"`
	Response   string        `json:"response,omitempty"`
	Outcome    string        `json:"outcome"`
	Latency    time.Duration `json:"latency"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Correlation outcomes.
const (
	CorrelationOK      = "ok"
	CorrelationError   = "error"
	CorrelationTimeout = "timeout"
	CorrelationDenied  = "denied"
)
