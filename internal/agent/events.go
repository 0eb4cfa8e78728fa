// ABOUTME: Event types delivered to the embedding application's sink.
// ABOUTME: Delivery is at-most-once and fire-and-forget; the sink must not block.

package agent

import (
	acp "github.com/coder/acp-go-sdk"
)

// EventKind discriminates the Event payload.
type EventKind int

const (
	// EventConnectionStateChanged reports a connection status transition.
	EventConnectionStateChanged EventKind = iota
	// EventSessionNotification forwards a session/update from the agent verbatim.
	EventSessionNotification
	// EventPermissionRequested reports a pending permission request awaiting
	// ReplyPermission with the carried RequestID.
	EventPermissionRequested
)

// String returns the snake_case name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventConnectionStateChanged:
		return "connection_state_changed"
	case EventSessionNotification:
		return "session_notification"
	case EventPermissionRequested:
		return "permission_requested"
	default:
		return "unknown"
	}
}

// Event is one emission toward the embedding application. ConnectionID is
// always set; the remaining fields depend on Kind.
type Event struct {
	Kind         EventKind
	ConnectionID string

	// For EventConnectionStateChanged.
	Status Status
	Err    string

	// For EventSessionNotification.
	Notification *acp.SessionNotification

	// For EventPermissionRequested.
	RequestID  string
	Permission *acp.RequestPermissionRequest
}

// EventSink receives events from the registry and its actors. Implementations
// must be safe for concurrent use and return quickly; there is no backpressure
// channel back into the core.
type EventSink func(Event)
