// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"
)

// Credentials is the authenticated identity of a session. It is the unit
// persisted by the credential store between runs.
type Credentials struct {
	AccessToken   string           `json:"access_token"`
	UserID        id.UserID        `json:"user_id"`
	HomeserverURL string           `json:"homeserver_url"`
	LoggedInAt    jsontime.UnixMilli `json:"logged_in_at"`
}

// Session owns the authenticated connection to the homeserver for the
// lifetime of the process. It is constructed explicitly and passed by
// reference to the directory, registry, orchestrator and view; there is no
// package-level singleton. At most one session is active per client.
type Session struct {
	transport Transport
	log       zerolog.Logger

	mu     sync.Mutex
	creds  Credentials
	active bool
	// teardown hooks run synchronously inside Logout, before the transport
	// logout call and before the session is cleared. The orchestrator
	// registers one to invalidate in-flight bridge attempts.
	teardown []func(ctx context.Context)
}

// New creates an inactive session over the given transport. Call Login,
// Register or Restore to activate it.
func New(transport Transport, log zerolog.Logger) *Session {
	return &Session{
		transport: transport,
		log:       log.With().Str("component", "session").Logger(),
	}
}

// Login authenticates with the homeserver and activates the session.
func (s *Session) Login(ctx context.Context, username, password string) (Credentials, error) {
	creds, err := s.transport.Login(ctx, username, password)
	if err != nil {
		return Credentials{}, fmt.Errorf("login: %w", err)
	}
	s.activate(creds)
	s.log.Info().Str("user_id", string(creds.UserID)).Msg("Logged in")
	return creds, nil
}

// Register creates a new account on the homeserver and activates the
// session with the returned credentials.
func (s *Session) Register(ctx context.Context, username, password string) (Credentials, error) {
	creds, err := s.transport.Register(ctx, username, password)
	if err != nil {
		return Credentials{}, fmt.Errorf("register: %w", err)
	}
	s.activate(creds)
	s.log.Info().Str("user_id", string(creds.UserID)).Msg("Registered")
	return creds, nil
}

// Restore activates the session from previously persisted credentials
// without a server round trip.
func (s *Session) Restore(creds Credentials) {
	s.activate(creds)
	s.log.Debug().Str("user_id", string(creds.UserID)).Msg("Session restored")
}

func (s *Session) activate(creds Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.active = true
}

// Logout tears the session down. Registered teardown hooks run first so
// in-flight work is invalidated before the credential disappears; the
// server-side logout is best effort and the local session is cleared
// regardless of its outcome.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrSessionNotReady
	}
	hooks := make([]func(ctx context.Context), len(s.teardown))
	copy(hooks, s.teardown)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(ctx)
	}

	err := s.transport.Logout(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Server-side logout failed, clearing local session anyway")
	}

	s.mu.Lock()
	s.creds = Credentials{}
	s.active = false
	s.mu.Unlock()

	s.log.Info().Msg("Logged out")
	return err
}

// OnLogout registers a teardown hook. Hooks run in registration order,
// synchronously, at the start of Logout.
func (s *Session) OnLogout(hook func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown = append(s.teardown, hook)
}

// Active reports whether the session holds a live credential.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Credentials returns a copy of the current credentials.
func (s *Session) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// Require returns the transport if the session is active, or
// ErrSessionNotReady. Every consumer goes through this guard so "no active
// session" is rejected before any I/O.
func (s *Session) Require() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil, ErrSessionNotReady
	}
	return s.transport, nil
}
