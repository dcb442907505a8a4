// Copyright 2024-2026 Aiku AI

package bridge

import "maunium.net/go/mautrix/id"

// NotificationKind enumerates the events the orchestrator reports to the
// UI layer.
type NotificationKind string

const (
	// NotifyArtifact carries an intermediate artifact (QR payload) for a
	// still-pending attempt.
	NotifyArtifact NotificationKind = "bridge_artifact"
	// NotifyConnected reports a confirmed bridge link.
	NotifyConnected NotificationKind = "bridge_connected"
	// NotifyFailed reports a terminally failed attempt.
	NotifyFailed NotificationKind = "bridge_failed"
	// NotifyPlatformsChanged tells the UI to re-read the connected
	// platform list.
	NotifyPlatformsChanged NotificationKind = "platforms_changed"
)

// Notification is one UI-facing event.
type Notification struct {
	Kind     NotificationKind
	Protocol string
	RoomID   id.RoomID
	// Payload is the artifact body for NotifyArtifact.
	Payload string
	// Reason is the human-readable explanation for NotifyFailed.
	Reason string
}

// Notifier receives orchestrator notifications. Notify must not block for
// long; it is called from orchestration goroutines.
type Notifier interface {
	Notify(n Notification)
}

// ChanNotifier is a channel-backed Notifier for UI consumers. Events are
// dropped when the consumer falls behind the buffer.
type ChanNotifier struct {
	C chan Notification
}

// NewChanNotifier creates a notifier with the given buffer size.
func NewChanNotifier(buffer int) *ChanNotifier {
	return &ChanNotifier{C: make(chan Notification, buffer)}
}

func (c *ChanNotifier) Notify(n Notification) {
	select {
	case c.C <- n:
	default:
	}
}
