// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgehub/pkg/session"
)

// Taxonomy errors for bridge orchestration. Guard violations are rejected
// synchronously before any I/O; terminal failures wrap these with a
// human-readable reason.
var (
	// ErrAttemptInProgress rejects a connect request while a non-terminal
	// attempt exists for the same protocol.
	ErrAttemptInProgress = errors.New("a connection attempt for this protocol is already in progress")
	// ErrNetworkRequired rejects a connect request missing a required
	// network selection or protocol-specific address.
	ErrNetworkRequired = errors.New("missing required network or address")
	// ErrRoomCreation marks attempts that failed while creating the bridge
	// room or sending the link command.
	ErrRoomCreation = errors.New("bridge room setup failed")
	// ErrConfirmationTimeout marks attempts that never received a terminal
	// event within the configured budget.
	ErrConfirmationTimeout = errors.New("bridge did not confirm in time")
	// ErrSessionEnded marks attempts invalidated by logout.
	ErrSessionEnded = errors.New("session ended")
	// ErrBridgeUnavailable rejects connecting a protocol neither the
	// homeserver nor the catalog makes available.
	ErrBridgeUnavailable = errors.New("bridge not available")
	// ErrBotRejected marks attempts the bridge bot answered with a
	// failure message.
	ErrBotRejected = errors.New("bridge bot reported failure")
	// ErrUnknownProtocol rejects protocols absent from both the catalog
	// and the homeserver report.
	ErrUnknownProtocol = errors.New("unknown bridge protocol")
)

// SetupError is returned when a connect request short-circuits because the
// protocol is unavailable. It carries the setup instructions the UI should
// show instead of starting an attempt.
type SetupError struct {
	Protocol     string
	Instructions string
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("bridge %s is not available on this homeserver", e.Protocol)
}

func (e *SetupError) Unwrap() error { return ErrBridgeUnavailable }

// Status is the lifecycle position of a bridge attempt.
type Status string

const (
	StatusPending              Status = "pending"
	StatusRoomCreated          Status = "room-created"
	StatusAwaitingConfirmation Status = "awaiting-confirmation"
	StatusConnected            Status = "connected"
	StatusFailed               Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusConnected || s == StatusFailed
}

// Request is a user-initiated bridge connection request.
type Request struct {
	Protocol string
	// Network selects a sub-network for protocols that have them.
	Network string
	// Address is the protocol-specific account handle: a Telegram
	// username or a Signal phone number.
	Address string
	// Timeout bounds the awaiting-confirmation phase. Zero means the
	// orchestrator default.
	Timeout time.Duration
}

// attempt is the orchestrator's mutable per-protocol state. All fields
// past the immutable header are guarded by the orchestrator mutex;
// snapshots cross the API boundary.
type attempt struct {
	id        uuid.UUID
	protocol  string
	network   string
	address   string
	startedAt time.Time

	status    Status
	roomID    id.RoomID
	qrPayload string
	err       error
	reason    string

	// cancel aborts the run goroutine; sub is the timeline subscription
	// released on every exit path.
	cancel context.CancelCauseFunc
	sub    *session.Subscription
}

// Attempt is an immutable snapshot of an in-flight or terminal attempt.
type Attempt struct {
	ID        uuid.UUID
	Protocol  string
	Network   string
	Address   string
	Status    Status
	RoomID    id.RoomID
	QRPayload string
	// Err is the taxonomy error for failed attempts.
	Err error
	// Reason is the human-readable failure explanation, distinct from the
	// raw transport error.
	Reason    string
	StartedAt time.Time
}

func (a *attempt) snapshot() Attempt {
	return Attempt{
		ID:        a.id,
		Protocol:  a.protocol,
		Network:   a.network,
		Address:   a.address,
		Status:    a.status,
		RoomID:    a.roomID,
		QRPayload: a.qrPayload,
		Err:       a.err,
		Reason:    a.reason,
		StartedAt: a.startedAt,
	}
}
