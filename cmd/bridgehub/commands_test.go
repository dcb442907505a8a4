// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgehub/pkg/session"
)

// cliTransport is a minimal session.Transport recording SendText calls.
type cliTransport struct {
	sentRoom id.RoomID
	sentText string
	sends    int
}

var _ session.Transport = (*cliTransport)(nil)

func (c *cliTransport) Login(_ context.Context, username, _ string) (session.Credentials, error) {
	return session.Credentials{AccessToken: "tok", UserID: id.UserID("@" + username + ":example.org")}, nil
}

func (c *cliTransport) Register(_ context.Context, username, _ string) (session.Credentials, error) {
	return session.Credentials{AccessToken: "tok", UserID: id.UserID("@" + username + ":example.org")}, nil
}

func (c *cliTransport) Logout(context.Context) error { return nil }

func (c *cliTransport) JoinedRooms(context.Context) ([]id.RoomID, error) { return nil, nil }

func (c *cliTransport) RoomState(context.Context, id.RoomID) ([]session.StateEvent, error) {
	return nil, nil
}

func (c *cliTransport) RoomMessages(context.Context, id.RoomID, int) ([]session.TimelineEvent, error) {
	return nil, nil
}

func (c *cliTransport) CreateRoom(context.Context, session.RoomConfig) (id.RoomID, error) {
	return "!new:example.org", nil
}

func (c *cliTransport) JoinRoom(_ context.Context, alias string) (id.RoomID, error) {
	return id.RoomID("!" + alias), nil
}

func (c *cliTransport) SendText(_ context.Context, roomID id.RoomID, text string) error {
	c.sends++
	c.sentRoom = roomID
	c.sentText = text
	return nil
}

func (c *cliTransport) Timeline(context.Context) (<-chan session.TimelineEvent, error) {
	return nil, nil
}

func (c *cliTransport) ThirdPartyProtocols(context.Context) (map[string]session.ProtocolInfo, error) {
	return nil, nil
}

func TestSendCommand(t *testing.T) {
	transport := &cliTransport{}
	a := &app{sess: session.New(transport, zerolog.Nop())}
	a.sess.Restore(session.Credentials{AccessToken: "tok", UserID: "@me:example.org"})

	cmd := sendCommand(a)
	cmd.SetArgs([]string{"!room:example.org", "hello", "over", "there"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("send: %v", err)
	}
	if transport.sends != 1 {
		t.Fatalf("sends: got %d, want 1", transport.sends)
	}
	if transport.sentRoom != "!room:example.org" {
		t.Errorf("room: got %s", transport.sentRoom)
	}
	// Remaining args join into one message body.
	if transport.sentText != "hello over there" {
		t.Errorf("text: got %q", transport.sentText)
	}
}

func TestSendCommandRequiresSession(t *testing.T) {
	transport := &cliTransport{}
	a := &app{sess: session.New(transport, zerolog.Nop())} // never activated

	cmd := sendCommand(a)
	cmd.SetArgs([]string{"!room:example.org", "hi"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); !errors.Is(err, session.ErrSessionNotReady) {
		t.Errorf("error: got %v, want ErrSessionNotReady", err)
	}
	if transport.sends != 0 {
		t.Errorf("sends: got %d, want 0", transport.sends)
	}
}
