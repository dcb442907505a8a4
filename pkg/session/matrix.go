// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// timelineBuffer is the capacity of the raw stream channel between the
// sync loop and the hub pump.
const timelineBuffer = 32

// syncRetryDelay is how long the sync loop waits before retrying after a
// transient sync failure.
const syncRetryDelay = 5 * time.Second

// MatrixTransport is the production Transport backed by a Matrix
// client-server API client.
type MatrixTransport struct {
	client *mautrix.Client
	log    zerolog.Logger

	streamMu sync.Mutex
	stream   chan TimelineEvent
}

var _ Transport = (*MatrixTransport)(nil)

// NewMatrixTransport creates a transport for the given homeserver.
// Credentials, if already known, are attached with SetCredentials.
func NewMatrixTransport(homeserverURL string, log zerolog.Logger) (*MatrixTransport, error) {
	client, err := mautrix.NewClient(homeserverURL, "", "")
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	t := &MatrixTransport{
		client: client,
		log:    log.With().Str("component", "matrix_transport").Logger(),
	}
	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, t.onMessage)
	return t, nil
}

// SetCredentials attaches restored credentials to the underlying client.
func (t *MatrixTransport) SetCredentials(creds Credentials) {
	t.client.UserID = creds.UserID
	t.client.AccessToken = creds.AccessToken
}

func (t *MatrixTransport) Login(ctx context.Context, username, password string) (Credentials, error) {
	resp, err := t.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: "bridgehub",
		StoreCredentials:         true,
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return Credentials{
		AccessToken:   resp.AccessToken,
		UserID:        resp.UserID,
		HomeserverURL: t.client.HomeserverURL.String(),
		LoggedInAt:    jsontime.UnixMilliNow(),
	}, nil
}

func (t *MatrixTransport) Register(ctx context.Context, username, password string) (Credentials, error) {
	resp, err := t.client.RegisterDummy(ctx, &mautrix.ReqRegister{
		Username:                 username,
		Password:                 password,
		InitialDeviceDisplayName: "bridgehub",
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	t.client.UserID = resp.UserID
	t.client.AccessToken = resp.AccessToken
	return Credentials{
		AccessToken:   resp.AccessToken,
		UserID:        resp.UserID,
		HomeserverURL: t.client.HomeserverURL.String(),
		LoggedInAt:    jsontime.UnixMilliNow(),
	}, nil
}

func (t *MatrixTransport) Logout(ctx context.Context) error {
	_, err := t.client.Logout(ctx)
	if err != nil {
		return fmt.Errorf("%w: logout: %v", ErrTransport, err)
	}
	return nil
}

func (t *MatrixTransport) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := t.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: joined rooms: %v", ErrTransport, err)
	}
	return resp.JoinedRooms, nil
}

func (t *MatrixTransport) RoomState(ctx context.Context, roomID id.RoomID) ([]StateEvent, error) {
	state, err := t.client.State(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: room state for %s: %v", ErrTransport, roomID, err)
	}
	var events []StateEvent
	for evtType, byKey := range state {
		for stateKey, evt := range byKey {
			events = append(events, StateEvent{
				Type:     evtType.Type,
				StateKey: stateKey,
				Content:  evt.Content.Raw,
			})
		}
	}
	return events, nil
}

func (t *MatrixTransport) RoomMessages(ctx context.Context, roomID id.RoomID, limit int) ([]TimelineEvent, error) {
	resp, err := t.client.Messages(ctx, roomID, "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: messages for %s: %v", ErrTransport, roomID, err)
	}
	events := make([]TimelineEvent, 0, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		events = append(events, convertEvent(evt))
	}
	return events, nil
}

func (t *MatrixTransport) CreateRoom(ctx context.Context, cfg RoomConfig) (id.RoomID, error) {
	req := &mautrix.ReqCreateRoom{
		Name:   cfg.Name,
		Topic:  cfg.Topic,
		Invite: cfg.Invite,
		Preset: "private_chat",
	}
	if cfg.DirectChat {
		req.IsDirect = true
		req.Preset = "trusted_private_chat"
	}
	resp, err := t.client.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: create room: %v", ErrTransport, err)
	}
	return resp.RoomID, nil
}

func (t *MatrixTransport) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	resp, err := t.client.JoinRoom(ctx, roomIDOrAlias, nil)
	if err != nil {
		return "", fmt.Errorf("%w: join %s: %v", ErrTransport, roomIDOrAlias, err)
	}
	return resp.RoomID, nil
}

func (t *MatrixTransport) SendText(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := t.client.SendText(ctx, roomID, text)
	if err != nil {
		return fmt.Errorf("%w: send to %s: %v", ErrTransport, roomID, err)
	}
	return nil
}

// Timeline starts the sync loop and streams message events until ctx is
// cancelled. The hub guarantees a single open stream at a time.
func (t *MatrixTransport) Timeline(ctx context.Context) (<-chan TimelineEvent, error) {
	t.streamMu.Lock()
	if t.stream != nil {
		t.streamMu.Unlock()
		return nil, fmt.Errorf("%w: timeline stream already open", ErrTransport)
	}
	stream := make(chan TimelineEvent, timelineBuffer)
	t.stream = stream
	t.streamMu.Unlock()

	go t.syncLoop(ctx, stream)
	return stream, nil
}

func (t *MatrixTransport) syncLoop(ctx context.Context, stream chan TimelineEvent) {
	defer func() {
		t.streamMu.Lock()
		t.stream = nil
		t.streamMu.Unlock()
		close(stream)
	}()

	for {
		err := t.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return
		}
		t.log.Warn().Err(err).Msg("Sync interrupted, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(syncRetryDelay):
		}
	}
}

// onMessage forwards sync message events into the open stream, if any.
func (t *MatrixTransport) onMessage(_ context.Context, evt *event.Event) {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	if t.stream == nil {
		return
	}
	select {
	case t.stream <- convertEvent(evt):
	default:
		t.log.Warn().Str("room_id", string(evt.RoomID)).Msg("Timeline stream full, dropping event")
	}
}

func (t *MatrixTransport) ThirdPartyProtocols(ctx context.Context) (map[string]ProtocolInfo, error) {
	var resp map[string]struct {
		Icon      string `json:"icon"`
		Instances []struct {
			Desc      string `json:"desc"`
			NetworkID string `json:"network_id"`
		} `json:"instances"`
	}
	url := t.client.BuildClientURL("v3", "thirdparty", "protocols")
	_, err := t.client.MakeRequest(ctx, http.MethodGet, url, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: third-party protocols: %v", ErrTransport, err)
	}
	protocols := make(map[string]ProtocolInfo, len(resp))
	for key, info := range resp {
		pi := ProtocolInfo{Icon: info.Icon}
		for _, inst := range info.Instances {
			pi.Instances = append(pi.Instances, ProtocolInstance{
				Desc:      inst.Desc,
				NetworkID: inst.NetworkID,
			})
		}
		protocols[key] = pi
	}
	return protocols, nil
}

// convertEvent maps a mautrix event to the transport's timeline type.
func convertEvent(evt *event.Event) TimelineEvent {
	body := ""
	if msg := evt.Content.AsMessage(); msg != nil {
		body = msg.Body
	}
	if body == "" {
		if raw, ok := evt.Content.Raw["body"].(string); ok {
			body = raw
		}
	}
	return TimelineEvent{
		RoomID:    evt.RoomID,
		Type:      evt.Type.Type,
		Body:      body,
		Sender:    evt.Sender,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
}
