// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgehub/pkg/session"
)

// DefaultConfirmTimeout bounds the awaiting-confirmation phase when the
// request doesn't set its own budget.
const DefaultConfirmTimeout = 2 * time.Minute

// ErrAttemptCancelled marks attempts torn down by the user before a
// terminal event arrived.
var ErrAttemptCancelled = errors.New("connection attempt cancelled")

// Orchestrator drives bridge connection attempts through their state
// machine: pending, room-created, awaiting-confirmation, then connected or
// failed. Transitions for one protocol are strictly sequential; attempts
// for different protocols run independently. At most one non-terminal
// attempt exists per protocol at any time.
type Orchestrator struct {
	sess     *session.Session
	reg      *Registry
	hub      *session.Hub
	notifier Notifier
	timeout  time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
}

// NewOrchestrator wires the orchestrator to a session, registry, event hub
// and notification sink, and registers the logout hook that invalidates
// in-flight attempts before the session is torn down.
func NewOrchestrator(sess *session.Session, reg *Registry, hub *session.Hub, notifier Notifier, log zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		sess:     sess,
		reg:      reg,
		hub:      hub,
		notifier: notifier,
		timeout:  DefaultConfirmTimeout,
		log:      log.With().Str("component", "orchestrator").Logger(),
		attempts: make(map[string]*attempt),
	}
	sess.OnLogout(func(ctx context.Context) {
		o.failAll(ErrSessionEnded, "the session was logged out before the bridge confirmed")
	})
	return o
}

// SetDefaultTimeout overrides the confirmation budget used when requests
// don't carry their own.
func (o *Orchestrator) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		o.timeout = d
	}
}

// Connect starts a bridge connection attempt. All guards run synchronously
// before any transport I/O: active session, protocol availability, required
// network/address, and the single-live-attempt invariant. The returned
// snapshot is in the pending state; progress is reported through the
// notifier and observable via Attempt.
func (o *Orchestrator) Connect(ctx context.Context, req Request) (Attempt, error) {
	transport, err := o.sess.Require()
	if err != nil {
		return Attempt{}, err
	}

	desc, ok := o.reg.Descriptor(req.Protocol)
	if !ok {
		return Attempt{}, fmt.Errorf("%w: %s", ErrUnknownProtocol, req.Protocol)
	}
	if !desc.Available {
		return Attempt{}, &SetupError{Protocol: desc.Protocol, Instructions: desc.SetupInstructions}
	}
	if desc.RequiresNetwork && req.Network == "" {
		return Attempt{}, fmt.Errorf("%w: %s requires a network selection", ErrNetworkRequired, desc.Name)
	}
	if desc.RequiresAddress && req.Address == "" {
		return Attempt{}, fmt.Errorf("%w: %s requires a %s", ErrNetworkRequired, desc.Name, desc.AddressHint)
	}

	o.mu.Lock()
	if existing, ok := o.attempts[req.Protocol]; ok && !existing.status.Terminal() {
		o.mu.Unlock()
		return Attempt{}, fmt.Errorf("%w: %s", ErrAttemptInProgress, req.Protocol)
	}
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	att := &attempt{
		id:        uuid.New(),
		protocol:  req.Protocol,
		network:   req.Network,
		address:   req.Address,
		startedAt: time.Now(),
		status:    StatusPending,
		cancel:    cancel,
	}
	// Terminal attempts for the protocol are discarded here, which is what
	// allows an immediate retry after failure.
	o.attempts[req.Protocol] = att
	snap := att.snapshot()
	o.mu.Unlock()

	o.log.Info().
		Str("protocol", req.Protocol).
		Str("network", req.Network).
		Str("attempt_id", att.id.String()).
		Msg("Bridge connection attempt accepted")

	go o.run(runCtx, transport, desc, att, req)
	return snap, nil
}

// run executes the asynchronous phases of one attempt. Every exit path
// releases the timeline subscription.
func (o *Orchestrator) run(ctx context.Context, transport session.Transport, desc Descriptor, att *attempt, req Request) {
	log := o.log.With().
		Str("protocol", att.protocol).
		Str("attempt_id", att.id.String()).
		Logger()

	// Phase 1: materialize the bridge room and dispatch the link command.
	var controlRoom id.RoomID
	if desc.ControlRoomAlias != "" {
		roomID, err := transport.JoinRoom(ctx, desc.ControlRoomAlias)
		if err != nil {
			log.Error().Err(err).Str("alias", desc.ControlRoomAlias).Msg("Control room join failed")
			o.fail(att, fmt.Errorf("%w: %v", ErrRoomCreation, err),
				fmt.Sprintf("could not join the %s control room", desc.Name))
			return
		}
		controlRoom = roomID
	}

	cfg := session.RoomConfig{
		Name:       desc.Name + " Bridge",
		Topic:      fmt.Sprintf("Bridge room for %s", desc.Name),
		DirectChat: true,
	}
	if desc.BotUserID != "" {
		cfg.Invite = []id.UserID{desc.BotUserID}
	}
	roomID, err := transport.CreateRoom(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Bridge room creation failed")
		o.fail(att, fmt.Errorf("%w: %v", ErrRoomCreation, err),
			fmt.Sprintf("could not create a room for the %s bridge", desc.Name))
		return
	}

	command := desc.LinkCommand(req.Network, req.Address)
	if err := transport.SendText(ctx, roomID, command); err != nil {
		log.Error().Err(err).Str("room_id", string(roomID)).Msg("Link command send failed")
		o.fail(att, fmt.Errorf("%w: %v", ErrRoomCreation, err),
			fmt.Sprintf("could not send the link command to the %s bridge", desc.Name))
		return
	}

	if !o.transition(att, StatusRoomCreated, roomID) {
		return
	}
	log.Debug().Str("room_id", string(roomID)).Str("command", command).Msg("Bridge room ready, link command sent")

	// Phase 2: wait for the bot's confirmation on the bridge room and, for
	// protocols that confirm out-of-band, the control room.
	rooms := []id.RoomID{roomID}
	if controlRoom != "" {
		rooms = append(rooms, controlRoom)
	}
	sub, err := o.hub.Subscribe(rooms...)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotReady) {
			o.fail(att, ErrSessionEnded, "the session ended before the bridge confirmed")
		} else {
			o.fail(att, fmt.Errorf("%w: %v", ErrRoomCreation, err),
				fmt.Sprintf("could not listen for %s bridge events", desc.Name))
		}
		return
	}
	if !o.attach(att, sub) {
		// A logout raced the subscription; the attempt is already terminal.
		sub.Close()
		return
	}
	defer sub.Close()

	if !o.transition(att, StatusAwaitingConfirmation, roomID) {
		return
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				// Subscription closed under us (logout invalidation).
				return
			}
			marker, matched := desc.MatchMarker(evt.Body)
			if !matched {
				continue
			}
			switch marker.Outcome {
			case OutcomeArtifact:
				o.artifact(att, evt.Body)
				log.Debug().Str("marker", marker.Substring).Msg("Bridge artifact received")
			case OutcomeSuccess:
				o.connected(att)
				log.Info().Str("room_id", string(roomID)).Msg("Bridge connected")
				o.postSuccess(desc, roomID, controlRoom, log)
				return
			case OutcomeFailure:
				log.Warn().Str("marker", marker.Substring).Msg("Bridge bot reported failure")
				o.fail(att, fmt.Errorf("%w: %s", ErrBotRejected, evt.Body),
					fmt.Sprintf("the %s bridge rejected the link request", desc.Name))
				return
			}
		case <-timer.C:
			log.Warn().Dur("timeout", timeout).Msg("Bridge confirmation timed out")
			o.fail(att, ErrConfirmationTimeout,
				fmt.Sprintf("the %s bridge did not confirm within %s", desc.Name, timeout))
			return
		case <-ctx.Done():
			cause := context.Cause(ctx)
			if cause == nil || errors.Is(cause, context.Canceled) {
				cause = ErrAttemptCancelled
			}
			o.fail(att, cause, fmt.Sprintf("the %s connection attempt was cancelled", desc.Name))
			return
		}
	}
}

// postSuccess fires the descriptor's post-success command (e.g. WhatsApp
// chat sync). Best effort: failure is logged and never changes the
// attempt's terminal state.
func (o *Orchestrator) postSuccess(desc Descriptor, roomID, controlRoom id.RoomID, log zerolog.Logger) {
	if desc.PostSuccessCommand == "" {
		return
	}
	target := roomID
	if controlRoom != "" {
		target = controlRoom
	}
	transport, err := o.sess.Require()
	if err != nil {
		log.Warn().Err(err).Msg("Skipping post-success command, session gone")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := transport.SendText(ctx, target, desc.PostSuccessCommand); err != nil {
			log.Warn().Err(err).Str("command", desc.PostSuccessCommand).Msg("Post-success command failed")
		}
	}()
}

// transition advances a non-terminal attempt and reports whether it did.
// A false return means the attempt was invalidated concurrently.
func (o *Orchestrator) transition(att *attempt, status Status, roomID id.RoomID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if att.status.Terminal() {
		return false
	}
	att.status = status
	att.roomID = roomID
	return true
}

// attach records the attempt's subscription so logout can release it.
// Returns false if the attempt is already terminal.
func (o *Orchestrator) attach(att *attempt, sub *session.Subscription) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if att.status.Terminal() {
		return false
	}
	att.sub = sub
	return true
}

// artifact stores a QR payload and notifies the UI. State is unchanged;
// the attempt keeps awaiting a terminal event.
func (o *Orchestrator) artifact(att *attempt, payload string) {
	o.mu.Lock()
	if att.status.Terminal() {
		o.mu.Unlock()
		return
	}
	att.qrPayload = payload
	protocol := att.protocol
	o.mu.Unlock()

	o.notifier.Notify(Notification{
		Kind:     NotifyArtifact,
		Protocol: protocol,
		Payload:  payload,
	})
}

// connected drives the attempt to its connected terminal state and emits
// exactly one bridgeConnected notification plus a platforms-changed nudge.
func (o *Orchestrator) connected(att *attempt) {
	o.mu.Lock()
	if att.status.Terminal() {
		o.mu.Unlock()
		return
	}
	att.status = StatusConnected
	protocol := att.protocol
	roomID := att.roomID
	o.mu.Unlock()

	o.notifier.Notify(Notification{
		Kind:     NotifyConnected,
		Protocol: protocol,
		RoomID:   roomID,
	})
	o.notifier.Notify(Notification{Kind: NotifyPlatformsChanged})
}

// fail drives the attempt to its failed terminal state exactly once,
// recording the taxonomy error and a human-readable reason.
func (o *Orchestrator) fail(att *attempt, err error, reason string) {
	o.mu.Lock()
	if att.status.Terminal() {
		o.mu.Unlock()
		return
	}
	att.status = StatusFailed
	att.err = err
	att.reason = reason
	sub := att.sub
	protocol := att.protocol
	o.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	o.notifier.Notify(Notification{
		Kind:     NotifyFailed,
		Protocol: protocol,
		Reason:   reason,
	})
}

// failAll invalidates every non-terminal attempt. Runs synchronously from
// the session's logout hook so no attempt survives the credential.
func (o *Orchestrator) failAll(cause error, reason string) {
	o.mu.Lock()
	var doomed []*attempt
	for _, att := range o.attempts {
		if !att.status.Terminal() {
			att.status = StatusFailed
			att.err = cause
			att.reason = reason
			doomed = append(doomed, att)
		}
	}
	o.mu.Unlock()

	for _, att := range doomed {
		if att.sub != nil {
			att.sub.Close()
		}
		att.cancel(cause)
		o.notifier.Notify(Notification{
			Kind:     NotifyFailed,
			Protocol: att.protocol,
			Reason:   reason,
		})
	}
	if len(doomed) > 0 {
		o.log.Info().Int("count", len(doomed)).Msg("Invalidated in-flight bridge attempts")
	}
}

// Cancel tears down a live attempt, releasing its timeline subscription.
// Returns false if no non-terminal attempt exists for the protocol.
func (o *Orchestrator) Cancel(protocol string) bool {
	o.mu.Lock()
	att, ok := o.attempts[protocol]
	if !ok || att.status.Terminal() {
		o.mu.Unlock()
		return false
	}
	o.mu.Unlock()

	att.cancel(ErrAttemptCancelled)
	o.fail(att, ErrAttemptCancelled, "the connection attempt was cancelled")
	return true
}

// Attempt returns a snapshot of the current attempt for a protocol.
func (o *Orchestrator) Attempt(protocol string) (Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	att, ok := o.attempts[protocol]
	if !ok {
		return Attempt{}, false
	}
	return att.snapshot(), true
}

// Attempts returns snapshots of all tracked attempts, ordered by protocol.
func (o *Orchestrator) Attempts() []Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Attempt, 0, len(o.attempts))
	for _, att := range o.attempts {
		out = append(out, att.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out
}

// Clear discards a terminal attempt once the UI has observed it. Returns
// false for live or unknown attempts.
func (o *Orchestrator) Clear(protocol string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	att, ok := o.attempts[protocol]
	if !ok || !att.status.Terminal() {
		return false
	}
	delete(o.attempts, protocol)
	return true
}

// connectedAttempts returns snapshots of attempts in the connected state,
// for the platform view's read-your-writes merge.
func (o *Orchestrator) connectedAttempts() []Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Attempt
	for _, att := range o.attempts {
		if att.status == StatusConnected {
			out = append(out, att.snapshot())
		}
	}
	return out
}
