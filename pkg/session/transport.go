// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"errors"
	"time"

	"maunium.net/go/mautrix/id"
)

// Taxonomy errors surfaced by the session layer. Callers match them with
// errors.Is; wrapped messages carry the transport detail.
var (
	// ErrSessionNotReady is returned when an operation requires an active
	// authenticated session and none exists.
	ErrSessionNotReady = errors.New("no active session")
	// ErrAuth is returned when the homeserver rejects a login.
	ErrAuth = errors.New("authentication failed")
	// ErrRegistration is returned when the homeserver rejects a registration.
	ErrRegistration = errors.New("registration failed")
	// ErrTransport wraps opaque homeserver/connectivity failures.
	ErrTransport = errors.New("transport error")
)

// StateEvent is a single room state event as reported by the homeserver.
// Content is the raw decoded JSON content of the event.
type StateEvent struct {
	Type     string
	StateKey string
	Content  map[string]any
}

// TimelineEvent is a single inbound room timeline event delivered through
// the shared event stream.
type TimelineEvent struct {
	RoomID    id.RoomID
	Type      string
	Body      string
	Sender    id.UserID
	Timestamp time.Time
}

// RoomConfig describes a room to be created for a bridge connection.
type RoomConfig struct {
	Name   string
	Topic  string
	Invite []id.UserID
	// DirectChat marks the room as a DM-style private room.
	DirectChat bool
}

// ProtocolInstance is one sub-network of a third-party protocol as reported
// by the homeserver (e.g. an IRC network behind the IRC appservice).
type ProtocolInstance struct {
	Desc      string
	NetworkID string
}

// ProtocolInfo is the homeserver's descriptor fragment for a supported
// third-party protocol.
type ProtocolInfo struct {
	Icon      string
	Instances []ProtocolInstance
}

// Transport is the narrow Session Transport capability this core consumes.
// The production implementation is MatrixTransport; tests substitute
// in-memory fakes.
type Transport interface {
	// Login authenticates with a username and password and returns the
	// resulting credentials. Fails with ErrAuth on rejection.
	Login(ctx context.Context, username, password string) (Credentials, error)
	// Register creates a new account. Fails with ErrRegistration.
	Register(ctx context.Context, username, password string) (Credentials, error)
	// Logout invalidates the access token server-side. Best effort; the
	// local session is cleared regardless of the outcome.
	Logout(ctx context.Context) error

	// JoinedRooms lists the room IDs the user has joined.
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	// RoomState returns the full current state of a room.
	RoomState(ctx context.Context, roomID id.RoomID) ([]StateEvent, error)
	// RoomMessages returns up to limit of the most recent timeline events
	// of a room, newest first.
	RoomMessages(ctx context.Context, roomID id.RoomID, limit int) ([]TimelineEvent, error)

	// CreateRoom creates a new room and returns its ID.
	CreateRoom(ctx context.Context, cfg RoomConfig) (id.RoomID, error)
	// JoinRoom joins a room by ID or alias and returns the resolved room ID.
	JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	// SendText sends a plain text m.room.message into a room.
	SendText(ctx context.Context, roomID id.RoomID, text string) error

	// Timeline opens the shared timeline event stream. Events are delivered
	// on the returned channel until ctx is cancelled, at which point the
	// channel is closed. At most one stream is open at a time; the Hub
	// enforces that with reference counting.
	Timeline(ctx context.Context) (<-chan TimelineEvent, error)

	// ThirdPartyProtocols fetches the homeserver's supported third-party
	// protocol map (protocol key to descriptor fragment).
	ThirdPartyProtocols(ctx context.Context) (map[string]ProtocolInfo, error)
}
