package core

import "time"

// EventType names a realtime event. The set is shared verbatim by the
// websocket transport and the polling fallback so client handlers are
// transport-agnostic.
type EventType string

const (
	// EventTaskAccepted confirms admission of a task.
	EventTaskAccepted EventType = "taskAccepted"
	// EventTaskProgress carries an intermediate progress value and label.
	EventTaskProgress EventType = "taskProgress"
	// EventTaskCompleted carries the final result. Never dropped.
	EventTaskCompleted EventType = "taskCompleted"
	// EventTaskFailed carries the task error. Never dropped.
	EventTaskFailed EventType = "taskFailed"
	// EventAgentMessage carries a domain-level chat increment or an
	// inter-agent notification surfaced to the session.
	EventAgentMessage EventType = "agentMessage"
)

// Terminal reports whether the event type closes a task's event stream.
func (t EventType) Terminal() bool {
	return t == EventTaskCompleted || t == EventTaskFailed
}

// Envelope is the single wire shape for realtime events. Seq increases
// monotonically per task so clients can deduplicate under at-least-once
// delivery.
type Envelope struct {
	Seq       uint64         `json:"seq"`
	TaskID    string         `json:"taskId"`
	SessionID string         `json:"sessionId"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Ts        time.Time      `json:"ts"`
}

// ProgressPayload builds the payload of a taskProgress envelope.
func ProgressPayload(value float64, label string) map[string]any {
	return map[string]any{"value": value, "label": label}
}
