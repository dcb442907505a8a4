// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// subscriptionBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts dropping events rather than blocking
// the shared stream.
const subscriptionBuffer = 16

// Hub fans the transport's single timeline stream out to any number of
// room-filtered subscriptions. The underlying stream is reference counted:
// it opens when the first subscription is created and is cancelled when the
// last one closes. Demultiplexing is strictly by room ID, so events for one
// bridge attempt can never be delivered to another attempt's subscription
// even when both watch a shared control room plus their own room.
type Hub struct {
	session *Session
	log     zerolog.Logger

	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscription delivers timeline events for a fixed set of rooms on C.
// C is closed when the subscription is closed or the session ends the
// underlying stream.
type Subscription struct {
	ID    uuid.UUID
	C     chan TimelineEvent
	rooms map[id.RoomID]struct{}

	hub       *Hub
	closeOnce sync.Once
}

// NewHub creates a hub over the session's transport stream.
func NewHub(sess *Session, log zerolog.Logger) *Hub {
	return &Hub{
		session: sess,
		log:     log.With().Str("component", "timeline_hub").Logger(),
		subs:    make(map[uuid.UUID]*Subscription),
	}
}

// Subscribe registers interest in timeline events for the given rooms.
// The first subscription opens the shared transport stream; the error is
// ErrSessionNotReady if the session is not active.
func (h *Hub) Subscribe(rooms ...id.RoomID) (*Subscription, error) {
	transport, err := h.session.Require()
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:    uuid.New(),
		C:     make(chan TimelineEvent, subscriptionBuffer),
		rooms: make(map[id.RoomID]struct{}, len(rooms)),
		hub:   h,
	}
	for _, r := range rooms {
		sub.rooms[r] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// A just-closed stream may still be draining; opening a new one before
	// the transport has released the old would be rejected. Wait it out.
	for len(h.subs) == 0 && h.done != nil {
		done := h.done
		h.mu.Unlock()
		<-done
		h.mu.Lock()
		if h.done == done {
			h.cancel = nil
			h.done = nil
		}
	}

	if len(h.subs) == 0 {
		ctx, cancel := context.WithCancel(context.Background())
		events, err := transport.Timeline(ctx)
		if err != nil {
			cancel()
			return nil, err
		}
		h.cancel = cancel
		h.done = make(chan struct{})
		go h.pump(events, h.done)
		h.log.Debug().Msg("Opened shared timeline stream")
	}

	h.subs[sub.ID] = sub
	return sub, nil
}

// pump reads the shared stream and dispatches to matching subscriptions
// until the stream closes.
func (h *Hub) pump(events <-chan TimelineEvent, done chan struct{}) {
	defer close(done)
	for evt := range events {
		h.dispatch(evt)
	}
}

func (h *Hub) dispatch(evt TimelineEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if _, ok := sub.rooms[evt.RoomID]; !ok {
			continue
		}
		select {
		case sub.C <- evt:
		default:
			h.log.Warn().
				Str("subscription", sub.ID.String()).
				Str("room_id", string(evt.RoomID)).
				Msg("Subscriber buffer full, dropping event")
		}
	}
}

// Refs returns the number of live subscriptions.
func (h *Hub) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close releases the subscription. When the last subscription closes, the
// shared transport stream is cancelled. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		h := s.hub
		h.mu.Lock()
		delete(h.subs, s.ID)
		last := len(h.subs) == 0
		cancel := h.cancel
		done := h.done
		h.mu.Unlock()

		if last && cancel != nil {
			cancel()
			// Wait for the pump to drain so no dispatch races the close.
			// h.done stays set until the drain finishes, so a concurrent
			// Subscribe blocks on it instead of opening a second stream
			// under the old one.
			<-done
			h.mu.Lock()
			if h.done == done {
				h.cancel = nil
				h.done = nil
			}
			h.mu.Unlock()
			h.log.Debug().Msg("Closed shared timeline stream")
		}
		close(s.C)
	})
}
