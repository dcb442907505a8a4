// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgehub/pkg/session"
)

// bridgeEventType is the room state marker bridge bots set on rooms they
// manage. Its presence is the sole test for "this conversation is bridged".
const bridgeEventType = "m.bridge"

// Platform is one confirmed bridge: an external protocol with its room.
type Platform struct {
	Protocol string
	RoomID   id.RoomID
}

// View aggregates the connected platforms for the current session. It is
// read-only: it never mutates orchestrator state.
type View struct {
	sess *session.Session
	orch *Orchestrator
	log  zerolog.Logger
}

// NewView creates a view over the session. The orchestrator is consulted
// so freshly connected attempts are visible before the bridge bot has
// published its room marker; pass nil to read room state only.
func NewView(sess *session.Session, orch *Orchestrator, log zerolog.Logger) *View {
	return &View{
		sess: sess,
		orch: orch,
		log:  log.With().Str("component", "platform_view").Logger(),
	}
}

// Connected lists every joined room carrying a bridge marker, one entry per
// room, merged with the orchestrator's connected attempts so a connected
// transition is reflected immediately.
func (v *View) Connected(ctx context.Context) ([]Platform, error) {
	transport, err := v.sess.Require()
	if err != nil {
		return nil, err
	}

	roomIDs, err := transport.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list joined rooms: %w", err)
	}

	var platforms []Platform
	seen := make(map[id.RoomID]struct{})
	for _, roomID := range roomIDs {
		state, err := transport.RoomState(ctx, roomID)
		if err != nil {
			v.log.Warn().Err(err).Str("room_id", string(roomID)).Msg("Skipping room with unreadable state")
			continue
		}
		for _, evt := range state {
			if evt.Type != bridgeEventType {
				continue
			}
			platforms = append(platforms, Platform{
				Protocol: markerProtocol(evt.Content),
				RoomID:   roomID,
			})
			seen[roomID] = struct{}{}
			break
		}
	}

	if v.orch != nil {
		for _, att := range v.orch.connectedAttempts() {
			if _, ok := seen[att.RoomID]; ok {
				continue
			}
			platforms = append(platforms, Platform{
				Protocol: att.Protocol,
				RoomID:   att.RoomID,
			})
		}
	}
	return platforms, nil
}

// markerProtocol reads the protocol name out of an m.bridge marker,
// accepting both the protocol and legacy bridge_name content keys.
func markerProtocol(content map[string]any) string {
	if protocol, ok := content["protocol"].(string); ok && protocol != "" {
		return protocol
	}
	if name, ok := content["bridge_name"].(string); ok {
		return name
	}
	return ""
}
