// Package audit maintains the tamper-evident record of everything the agent
// does: a signed hash chain over canonically serialized entries, persisted
// in the store. Appends are strictly sequential; verification walks the
// whole chain and freezes the service on the first inconsistency.
package audit

// EventType names what an audit entry records.
type EventType string

const (
	// Action dispatch events, one per vocabulary action.
	EventActionObserve      EventType = "action.observe"
	EventActionSpeak        EventType = "action.speak"
	EventActionTool         EventType = "action.tool"
	EventActionReject       EventType = "action.reject"
	EventActionPonder       EventType = "action.ponder"
	EventActionDefer        EventType = "action.defer"
	EventActionMemorize     EventType = "action.memorize"
	EventActionRecall       EventType = "action.recall"
	EventActionForget       EventType = "action.forget"
	EventActionTaskComplete EventType = "action.task_complete"

	// Task lifecycle events.
	EventTaskSubmitted EventType = "task.submitted"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskDeferred  EventType = "task.deferred"
	EventTaskCancelled EventType = "task.cancelled"
	EventTaskResumed   EventType = "task.resumed"

	// Guardrail events.
	EventGuardrailOverride EventType = "guardrail.override"

	// Guidance events.
	EventDeferralResolved EventType = "guidance.resolved"
	EventDeferralExpired  EventType = "guidance.expired"

	// System events.
	EventSystemStartup  EventType = "system.startup"
	EventSystemShutdown EventType = "system.shutdown"
	EventSystemTamper   EventType = "system.tamper_detected"
	EventKeyRotated     EventType = "system.key_rotated"
)

// ForAction maps an action name to its dispatch event type.
func ForAction(action string) EventType {
	return EventType("action." + action)
}
