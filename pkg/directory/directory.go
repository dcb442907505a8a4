// Copyright 2024-2026 Aiku AI

// Package directory derives the list of joined conversations and their
// bridge links from session transport state. Conversations are projections
// rebuilt on every call; the homeserver's room state is the source of truth.
package directory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgehub/pkg/session"
)

// Matrix state event types the directory reads.
const (
	roomNameEventType = "m.room.name"
	bridgeEventType   = "m.bridge"
)

// Kind classifies a conversation.
type Kind string

const (
	KindPlain   Kind = "plain"
	KindBridged Kind = "bridged"
)

// BridgeLink identifies the external protocol a bridged room belongs to.
type BridgeLink struct {
	Protocol string
	Network  string
	RoomID   id.RoomID
}

// Conversation is one joined room with resolved metadata.
type Conversation struct {
	ID          id.RoomID
	DisplayName string
	Kind        Kind
	LastMessage string
	Bridge      *BridgeLink
}

// Directory lists conversations for an active session.
type Directory struct {
	sess *session.Session
	log  zerolog.Logger
}

// New creates a directory over the given session.
func New(sess *session.Session, log zerolog.Logger) *Directory {
	return &Directory{
		sess: sess,
		log:  log.With().Str("component", "directory").Logger(),
	}
}

// Conversations lists all joined rooms with their display name and bridge
// classification. Rooms whose state cannot be fetched are skipped with a
// warning rather than failing the whole listing.
func (d *Directory) Conversations(ctx context.Context) ([]Conversation, error) {
	transport, err := d.sess.Require()
	if err != nil {
		return nil, err
	}

	roomIDs, err := transport.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list joined rooms: %w", err)
	}

	conversations := make([]Conversation, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		state, err := transport.RoomState(ctx, roomID)
		if err != nil {
			d.log.Warn().Err(err).Str("room_id", string(roomID)).Msg("Skipping room with unreadable state")
			continue
		}
		conversations = append(conversations, conversationFromState(roomID, state))
	}
	return conversations, nil
}

// LastMessage returns the body of the newest text message in a room, or
// empty if the room has no readable messages.
func (d *Directory) LastMessage(ctx context.Context, roomID id.RoomID) (string, error) {
	transport, err := d.sess.Require()
	if err != nil {
		return "", err
	}
	events, err := transport.RoomMessages(ctx, roomID, 20)
	if err != nil {
		return "", fmt.Errorf("fetch messages: %w", err)
	}
	for _, evt := range events {
		if evt.Type == "m.room.message" && evt.Body != "" {
			return evt.Body, nil
		}
	}
	return "", nil
}

// conversationFromState builds a Conversation from raw room state. Display
// name comes from m.room.name, falling back to the room ID; the bridge link
// comes from the first m.bridge marker found.
func conversationFromState(roomID id.RoomID, state []session.StateEvent) Conversation {
	conv := Conversation{
		ID:          roomID,
		DisplayName: string(roomID),
		Kind:        KindPlain,
	}
	for _, evt := range state {
		switch evt.Type {
		case roomNameEventType:
			if name, ok := evt.Content["name"].(string); ok && name != "" {
				conv.DisplayName = name
			}
		case bridgeEventType:
			if conv.Bridge != nil {
				// First-found wins; duplicate markers are a data anomaly.
				continue
			}
			conv.Kind = KindBridged
			conv.Bridge = bridgeLinkFromContent(roomID, evt.Content)
		}
	}
	return conv
}

// BridgeLinkFromState extracts the bridge link from already-fetched room
// state without any network call, or nil when the room is not bridged.
func BridgeLinkFromState(roomID id.RoomID, state []session.StateEvent) *BridgeLink {
	for _, evt := range state {
		if evt.Type == bridgeEventType {
			return bridgeLinkFromContent(roomID, evt.Content)
		}
	}
	return nil
}

func bridgeLinkFromContent(roomID id.RoomID, content map[string]any) *BridgeLink {
	link := &BridgeLink{RoomID: roomID}
	if protocol, ok := content["protocol"].(string); ok {
		link.Protocol = protocol
	}
	// Some bridge bots publish the protocol under bridge_name instead.
	if link.Protocol == "" {
		if name, ok := content["bridge_name"].(string); ok {
			link.Protocol = name
		}
	}
	if network, ok := content["network"].(string); ok {
		link.Network = network
	}
	return link
}
