package types

import (
	"context"
	"time"
)

// =============================================================================
// CAPABILITIES
// =============================================================================

// Capability names a class of externally provided service the agent can
// request through the bus. Providers declare which capabilities they serve.
type Capability string

const (
	// CapabilityMemory serves graph memory reads and writes.
	CapabilityMemory Capability = "memory"
	// CapabilityCommunication delivers outbound messages and observes channels.
	CapabilityCommunication Capability = "communication"
	// CapabilityTool executes named tools with arguments.
	CapabilityTool Capability = "tool"
	// CapabilityGuidance routes deferrals to an external authority.
	CapabilityGuidance Capability = "guidance"
	// CapabilityLanguage serves model-backed evaluation requests.
	CapabilityLanguage Capability = "language"
	// CapabilityAudit serves audit trail reads and verification. Appends do
	// not route through the bus; they share the triggering transaction.
	CapabilityAudit Capability = "audit"
)

// IsValid returns true for a recognized capability name.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityMemory, CapabilityCommunication, CapabilityTool, CapabilityGuidance, CapabilityLanguage, CapabilityAudit:
		return true
	default:
		return false
	}
}

// Tier orders providers for a capability. Lower tiers are tried first;
// within a tier the bus prefers lower observed latency.
type Tier int

const (
	TierPrimary   Tier = 0
	TierSecondary Tier = 1
	TierFallback  Tier = 2
)

// Request is one capability invocation routed through the bus.
type Request struct {
	Capability Capability     `json:"capability"`
	Operation  string         `json:"operation"`
	ThoughtID  string         `json:"thought_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// Response is the provider's answer to a Request.
type Response struct {
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Provider serves one or more capabilities. Implementations must be safe for
// concurrent use; the bus may invoke a provider from multiple workers.
type Provider interface {
	// Name uniquely identifies the provider instance for routing, breaker
	// state, and audit records.
	Name() string

	// Capabilities lists what this provider serves.
	Capabilities() []Capability

	// Call performs one operation. Implementations must honor ctx
	// cancellation and return promptly when the deadline passes.
	Call(ctx context.Context, req Request) (Response, error)
}

// OperationScoped is implemented by providers that serve only some of a
// capability's operations. The bus filters candidates by it before routing,
// so a scoped provider is never invoked for an operation it did not declare.
// Providers that do not implement it accept every operation of their
// declared capabilities.
type OperationScoped interface {
	// Operations lists every operation name served for the capability.
	Operations(capability Capability) []string
}

// =============================================================================
// MEMORY
// =============================================================================

// MemoryRecord is one node in scoped graph memory. (Scope, Key) is the
// identity; writes upsert, so repeating a write with identical content is
// a no-op.
type MemoryRecord struct {
	Scope     string    `json:"scope"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// DEFERRALS
// =============================================================================

// DeferralStatus tracks a deferral handed to the external authority.
type DeferralStatus string

const (
	DeferralPending  DeferralStatus = "pending"
	DeferralResolved DeferralStatus = "resolved"
	DeferralExpired  DeferralStatus = "expired"
)

// Deferral is an escalation awaiting an external decision. The owning task
// stays terminal-deferred until a resolution arrives or the deferral expires.
type Deferral struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	ThoughtID  string            `json:"thought_id"`
	Reason     string            `json:"reason"`
	Context    map[string]string `json:"context,omitempty"`
	Status     DeferralStatus    `json:"status"`
	Resolution string            `json:"resolution,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt time.Time         `json:"resolved_at,omitempty"`
}
