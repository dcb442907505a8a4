// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgehub/pkg/session"
)

// sentText records one SendText call.
type sentText struct {
	RoomID id.RoomID
	Text   string
}

// fakeTransport is an in-memory session.Transport. Tests inject timeline
// events with emit and make endpoints fail via the Fail* fields.
type fakeTransport struct {
	mu sync.Mutex

	Rooms     []id.RoomID
	State     map[id.RoomID][]session.StateEvent
	Protocols map[string]session.ProtocolInfo
	// AliasRooms maps room aliases to the room ID JoinRoom resolves.
	AliasRooms map[string]id.RoomID

	Created []session.RoomConfig
	Sent    []sentText
	Joined  []string

	FailCreateRoom error
	FailJoinRoom   error
	FailSendText   error
	// FailTextContaining fails only SendText calls whose text contains
	// the key, for best-effort command tests.
	FailTextContaining map[string]error

	// Calls counts every transport method invocation, for asserting that
	// guard rejections do zero I/O.
	Calls int

	// TeardownDelay keeps a cancelled timeline stream open for this long
	// before releasing it, like a sync loop finishing an in-flight request.
	TeardownDelay time.Duration

	nextRoom int
	stream   chan session.TimelineEvent
	streamOn bool
}

var _ session.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		State:              make(map[id.RoomID][]session.StateEvent),
		Protocols:          make(map[string]session.ProtocolInfo),
		AliasRooms:         make(map[string]id.RoomID),
		FailTextContaining: make(map[string]error),
	}
}

func (f *fakeTransport) count() {
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()
}

func (f *fakeTransport) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

func (f *fakeTransport) Login(_ context.Context, username, _ string) (session.Credentials, error) {
	f.count()
	return session.Credentials{
		AccessToken:   "fake-token",
		UserID:        id.UserID("@" + username + ":example.org"),
		HomeserverURL: "https://example.org",
		LoggedInAt:    jsontime.UnixMilliNow(),
	}, nil
}

func (f *fakeTransport) Register(_ context.Context, username, _ string) (session.Credentials, error) {
	f.count()
	return session.Credentials{
		AccessToken:   "fake-token",
		UserID:        id.UserID("@" + username + ":example.org"),
		HomeserverURL: "https://example.org",
	}, nil
}

func (f *fakeTransport) Logout(context.Context) error {
	f.count()
	return nil
}

func (f *fakeTransport) JoinedRooms(context.Context) ([]id.RoomID, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]id.RoomID, len(f.Rooms))
	copy(cp, f.Rooms)
	return cp, nil
}

func (f *fakeTransport) RoomState(_ context.Context, roomID id.RoomID) ([]session.StateEvent, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.State[roomID], nil
}

func (f *fakeTransport) RoomMessages(_ context.Context, _ id.RoomID, _ int) ([]session.TimelineEvent, error) {
	f.count()
	return nil, nil
}

func (f *fakeTransport) CreateRoom(_ context.Context, cfg session.RoomConfig) (id.RoomID, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreateRoom != nil {
		return "", f.FailCreateRoom
	}
	f.nextRoom++
	roomID := id.RoomID(fmt.Sprintf("!bridge-%d:example.org", f.nextRoom))
	f.Created = append(f.Created, cfg)
	f.Rooms = append(f.Rooms, roomID)
	return roomID, nil
}

func (f *fakeTransport) JoinRoom(_ context.Context, roomIDOrAlias string) (id.RoomID, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailJoinRoom != nil {
		return "", f.FailJoinRoom
	}
	f.Joined = append(f.Joined, roomIDOrAlias)
	if roomID, ok := f.AliasRooms[roomIDOrAlias]; ok {
		return roomID, nil
	}
	return id.RoomID("!" + strings.TrimPrefix(roomIDOrAlias, "#")), nil
}

func (f *fakeTransport) SendText(_ context.Context, roomID id.RoomID, text string) error {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSendText != nil {
		return f.FailSendText
	}
	for key, err := range f.FailTextContaining {
		if strings.Contains(text, key) {
			return err
		}
	}
	f.Sent = append(f.Sent, sentText{RoomID: roomID, Text: text})
	return nil
}

func (f *fakeTransport) SentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentText, len(f.Sent))
	copy(cp, f.Sent)
	return cp
}

func (f *fakeTransport) Timeline(ctx context.Context) (<-chan session.TimelineEvent, error) {
	f.count()
	f.mu.Lock()
	if f.streamOn {
		f.mu.Unlock()
		return nil, fmt.Errorf("timeline already open")
	}
	stream := make(chan session.TimelineEvent, 32)
	f.stream = stream
	f.streamOn = true
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		if f.TeardownDelay > 0 {
			time.Sleep(f.TeardownDelay)
		}
		f.mu.Lock()
		f.streamOn = false
		f.stream = nil
		f.mu.Unlock()
		close(stream)
	}()
	return stream, nil
}

// emit injects a timeline event into the open stream, if any.
func (f *fakeTransport) emit(roomID id.RoomID, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.streamOn {
		return
	}
	f.stream <- session.TimelineEvent{
		RoomID:    roomID,
		Type:      "m.room.message",
		Body:      body,
		Sender:    "@bot:example.org",
		Timestamp: time.Now(),
	}
}

func (f *fakeTransport) ThirdPartyProtocols(context.Context) (map[string]session.ProtocolInfo, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]session.ProtocolInfo, len(f.Protocols))
	for k, v := range f.Protocols {
		cp[k] = v
	}
	return cp, nil
}

// mockNotifier records notifications for assertions.
type mockNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (m *mockNotifier) Notify(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
}

func (m *mockNotifier) All() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Notification, len(m.notifications))
	copy(cp, m.notifications)
	return cp
}

func (m *mockNotifier) OfKind(kind NotificationKind) []Notification {
	var out []Notification
	for _, n := range m.All() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// testRig bundles a fully wired orchestrator over fakes with an active
// session.
type testRig struct {
	transport *fakeTransport
	sess      *session.Session
	hub       *session.Hub
	registry  *Registry
	notifier  *mockNotifier
	orch      *Orchestrator
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	log := zerolog.Nop()
	transport := newFakeTransport()
	sess := session.New(transport, log)
	sess.Restore(session.Credentials{
		AccessToken:   "tok",
		UserID:        "@me:example.org",
		HomeserverURL: "https://example.org",
	})
	hub := session.NewHub(sess, log)
	registry := NewRegistry(sess, log)
	notifier := &mockNotifier{}
	orch := NewOrchestrator(sess, registry, hub, notifier, log)
	return &testRig{
		transport: transport,
		sess:      sess,
		hub:       hub,
		registry:  registry,
		notifier:  notifier,
		orch:      orch,
	}
}

// refresh marks the given protocols as homeserver-supported.
func (r *testRig) refresh(t *testing.T, protocols ...string) {
	t.Helper()
	r.transport.mu.Lock()
	for _, p := range protocols {
		r.transport.Protocols[p] = session.ProtocolInfo{}
	}
	r.transport.mu.Unlock()
	if err := r.registry.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitForStatus polls until the protocol's attempt reaches the status.
func (r *testRig) waitForStatus(t *testing.T, protocol string, status Status) Attempt {
	t.Helper()
	var att Attempt
	waitFor(t, fmt.Sprintf("%s to reach %s", protocol, status), func() bool {
		a, ok := r.orch.Attempt(protocol)
		if ok && a.Status == status {
			att = a
			return true
		}
		return false
	})
	return att
}
