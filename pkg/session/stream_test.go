// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitCond(t *testing.T, what string, cond func() bool) {
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

func TestHubRequiresActiveSession(t *testing.T) {
	sess := New(&stubTransport{}, zerolog.Nop())
	hub := NewHub(sess, zerolog.Nop())
	if _, err := hub.Subscribe("!room:example.org"); !errors.Is(err, ErrSessionNotReady) {
		t.Errorf("error: got %v, want ErrSessionNotReady", err)
	}
}

func TestHubReferenceCounting(t *testing.T) {
	transport := &stubTransport{}
	hub := NewHub(activeSession(t, transport), zerolog.Nop())

	if hub.Refs() != 0 {
		t.Fatalf("initial refs: got %d, want 0", hub.Refs())
	}

	a, err := hub.Subscribe("!a:example.org")
	if err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if !transport.streamOpen() {
		t.Error("first subscription should open the shared stream")
	}
	b, err := hub.Subscribe("!b:example.org")
	if err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	if hub.Refs() != 2 {
		t.Errorf("refs: got %d, want 2", hub.Refs())
	}
	if transport.TimelineOpens != 1 {
		t.Errorf("stream opens: got %d, want 1 (shared)", transport.TimelineOpens)
	}

	a.Close()
	if hub.Refs() != 1 {
		t.Errorf("refs after first close: got %d, want 1", hub.Refs())
	}
	if !transport.streamOpen() {
		t.Error("stream must stay open while a subscription remains")
	}

	b.Close()
	if hub.Refs() != 0 {
		t.Errorf("refs after last close: got %d, want 0", hub.Refs())
	}
	waitCond(t, "stream teardown", func() bool { return !transport.streamOpen() })
}

func TestHubReopensAfterFullTeardown(t *testing.T) {
	transport := &stubTransport{}
	hub := NewHub(activeSession(t, transport), zerolog.Nop())

	sub, err := hub.Subscribe("!a:example.org")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Close()
	waitCond(t, "stream teardown", func() bool { return !transport.streamOpen() })

	again, err := hub.Subscribe("!a:example.org")
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer again.Close()
	if transport.TimelineOpens != 2 {
		t.Errorf("stream opens: got %d, want 2", transport.TimelineOpens)
	}
}

func TestHubReopenWhileStreamDraining(t *testing.T) {
	// The transport takes a while to release the stream after cancellation.
	// A Subscribe racing the last Close must wait for that drain instead of
	// hitting the transport's single-stream rejection.
	transport := &stubTransport{TeardownDelay: 50 * time.Millisecond}
	hub := NewHub(activeSession(t, transport), zerolog.Nop())

	a, err := hub.Subscribe("!a:example.org")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		a.Close()
		close(closed)
	}()
	time.Sleep(5 * time.Millisecond)

	b, err := hub.Subscribe("!a:example.org")
	if err != nil {
		t.Fatalf("Subscribe during teardown: %v", err)
	}
	<-closed
	if transport.TimelineOpens != 2 {
		t.Errorf("stream opens: got %d, want 2", transport.TimelineOpens)
	}

	// The fresh stream must actually deliver.
	transport.emit(TimelineEvent{RoomID: "!a:example.org", Body: "after reopen"})
	if got := <-b.C; got.Body != "after reopen" {
		t.Errorf("received %q", got.Body)
	}
	b.Close()
}

func TestHubDemultiplexesByRoom(t *testing.T) {
	transport := &stubTransport{}
	hub := NewHub(activeSession(t, transport), zerolog.Nop())

	a, _ := hub.Subscribe("!a:example.org")
	b, _ := hub.Subscribe("!b:example.org")
	both, _ := hub.Subscribe("!a:example.org", "!b:example.org")
	defer a.Close()
	defer b.Close()
	defer both.Close()

	transport.emit(TimelineEvent{RoomID: "!a:example.org", Body: "for a"})
	transport.emit(TimelineEvent{RoomID: "!b:example.org", Body: "for b"})
	transport.emit(TimelineEvent{RoomID: "!c:example.org", Body: "for nobody"})

	got := <-a.C
	if got.Body != "for a" {
		t.Errorf("a received %q", got.Body)
	}
	select {
	case extra := <-a.C:
		t.Errorf("a received unexpected event %q", extra.Body)
	case <-time.After(50 * time.Millisecond):
	}

	got = <-b.C
	if got.Body != "for b" {
		t.Errorf("b received %q", got.Body)
	}

	first := <-both.C
	second := <-both.C
	if first.Body != "for a" || second.Body != "for b" {
		t.Errorf("both received %q then %q", first.Body, second.Body)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	transport := &stubTransport{}
	hub := NewHub(activeSession(t, transport), zerolog.Nop())

	sub, err := hub.Subscribe("!a:example.org")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Close()
	sub.Close() // must not panic or double-decrement
	if hub.Refs() != 0 {
		t.Errorf("refs: got %d, want 0", hub.Refs())
	}
}

func TestClosedSubscriptionChannelCloses(t *testing.T) {
	transport := &stubTransport{}
	hub := NewHub(activeSession(t, transport), zerolog.Nop())

	sub, _ := hub.Subscribe("!a:example.org")
	sub.Close()
	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after Close")
	}
}
