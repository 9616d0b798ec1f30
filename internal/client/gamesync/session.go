// Package gamesync builds the per-session client views on top of the
// channel layer: authoritative session state, combat state with a bounded
// roll history, and the live presence roster.
package gamesync

import (
	"encoding/json"
	"sync"

	"sparc/server/internal/client/channel"
	"sparc/server/internal/game"
	"sparc/server/internal/net/proto"
	"sparc/server/internal/telemetry"
)

// ChannelProvider opens topic channels. *channel.Client satisfies it.
type ChannelProvider interface {
	Channel(topic string, opts channel.ChannelOptions) (channel.Channel, error)
}

// Config carries the ambient dependencies shared by the synchronizers.
type Config struct {
	Logger telemetry.Logger
}

func (c Config) logger() telemetry.Logger {
	if c.Logger == nil {
		return telemetry.LoggerFunc(nil)
	}
	return c.Logger
}

// SessionSync keeps one client's view of a session converged with the
// authoritative record. Change notifications replace the state wholesale;
// peer state_update broadcasts shallow-merge into an existing state and are
// dropped when no base state exists yet.
type SessionSync struct {
	mu        sync.Mutex
	ch        channel.Channel
	logger    telemetry.Logger
	sessionID string

	state     *game.Session
	connected bool
	lastError string
	closed    bool

	onPlayerJoined func(json.RawMessage)
	onPlayerLeft   func(json.RawMessage)
}

// SessionSyncOptions configures observer callbacks. The membership events
// are side-effect hooks only; the stored session never changes from them.
type SessionSyncOptions struct {
	OnPlayerJoined func(payload json.RawMessage)
	OnPlayerLeft   func(payload json.RawMessage)
}

// NewSessionSync opens the session:{id} channel and subscribes.
func NewSessionSync(provider ChannelProvider, sessionID string, opts SessionSyncOptions, cfg Config) (*SessionSync, error) {
	ch, err := provider.Channel(proto.SessionTopic(sessionID), channel.ChannelOptions{
		ChangeRecordID: sessionID,
	})
	if err != nil {
		return nil, err
	}
	s := &SessionSync{
		ch:             ch,
		logger:         cfg.logger(),
		sessionID:      sessionID,
		onPlayerJoined: opts.OnPlayerJoined,
		onPlayerLeft:   opts.OnPlayerLeft,
	}

	ch.OnChange(s.applyChange)
	ch.OnBroadcast("state_update", s.applyStateUpdate)
	ch.OnBroadcast("player_joined", func(_ string, payload json.RawMessage, _ string) {
		s.observeMembership(s.onPlayerJoined, payload)
	})
	ch.OnBroadcast("player_left", func(_ string, payload json.RawMessage, _ string) {
		s.observeMembership(s.onPlayerLeft, payload)
	})

	if err := ch.Subscribe(s.onStatus); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SessionSync) onStatus(status channel.Status, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch status {
	case channel.StatusSubscribed:
		s.connected = true
		s.lastError = ""
	case channel.StatusChannelError:
		// Recoverable: the transport keeps trying, the view keeps its state.
		s.connected = false
		s.lastError = reason
	case channel.StatusClosed:
		s.connected = false
	}
}

func (s *SessionSync) applyChange(recordID string, record json.RawMessage) {
	var session game.Session
	if err := json.Unmarshal(record, &session); err != nil {
		s.logger.Printf("dropping malformed session change for %s: %v", s.sessionID, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state = &session
}

func (s *SessionSync) applyStateUpdate(_ string, payload json.RawMessage, _ string) {
	var patch game.SessionPatch
	if err := json.Unmarshal(payload, &patch); err != nil {
		s.logger.Printf("dropping malformed state_update for %s: %v", s.sessionID, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state == nil {
		// No base state: nothing to merge into.
		return
	}
	patch.Apply(s.state)
}

func (s *SessionSync) observeMembership(fn func(json.RawMessage), payload json.RawMessage) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(payload)
}

// Session returns the current view, if any.
func (s *SessionSync) Session() (game.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return game.Session{}, false
	}
	return *s.state, true
}

// IsConnected reports whether the channel is subscribed.
func (s *SessionSync) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastError returns the most recent channel error, empty when healthy.
func (s *SessionSync) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Broadcast sends a peer event. It no-ops silently while the channel is
// not established.
func (s *SessionSync) Broadcast(event string, payload any) {
	s.mu.Lock()
	ready := s.connected && !s.closed
	s.mu.Unlock()
	if !ready {
		return
	}
	if err := s.ch.Send(event, payload); err != nil {
		s.logger.Printf("broadcast %s on %s failed: %v", event, s.sessionID, err)
	}
}

// Close tears the synchronizer down. Late messages never mutate state.
func (s *SessionSync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	s.mu.Unlock()
	s.ch.Unsubscribe()
}
