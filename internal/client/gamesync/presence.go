package gamesync

import (
	"encoding/json"
	"sync"
	"time"

	"sparc/server/internal/client/channel"
	"sparc/server/internal/game"
	"sparc/server/internal/net/proto"
	"sparc/server/internal/telemetry"
)

// HeartbeatInterval is how often the tracker re-tracks its own presence to
// stay ahead of the hub's idle expiry.
const HeartbeatInterval = 30 * time.Second

// PresenceTracker publishes the local participant's presence on the
// presence:{id} channel and mirrors the live roster. The roster of record
// is always rebuilt from sync snapshots; join and leave events are observer
// hooks only, so the roster cannot drift from missed deltas.
type PresenceTracker struct {
	mu     sync.Mutex
	ch     channel.Channel
	logger telemetry.Logger
	now    func() time.Time

	sessionID   string
	userID      string
	userName    string
	characterID string
	status      game.PresenceStatus

	roster    []game.PlayerPresence
	connected bool
	closed    bool

	heartbeat time.Duration
	stop      chan struct{}

	onJoin  func(key string)
	onLeave func(key string)
}

// PresenceOptions configures the tracker.
type PresenceOptions struct {
	UserID      string
	UserName    string
	CharacterID string
	// Heartbeat overrides the re-track cadence. Defaults to 30s.
	Heartbeat time.Duration
	// OnJoin and OnLeave observe membership churn for side effects.
	OnJoin  func(key string)
	OnLeave func(key string)
}

// NewPresenceTracker opens the presence:{id} channel, subscribes, and
// tracks the initial online presence as soon as the subscription lands.
func NewPresenceTracker(provider ChannelProvider, sessionID string, opts PresenceOptions, cfg Config) (*PresenceTracker, error) {
	ch, err := provider.Channel(proto.PresenceTopic(sessionID), channel.ChannelOptions{
		PresenceKey: opts.UserID,
	})
	if err != nil {
		return nil, err
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = HeartbeatInterval
	}
	p := &PresenceTracker{
		ch:          ch,
		logger:      cfg.logger(),
		now:         time.Now,
		sessionID:   sessionID,
		userID:      opts.UserID,
		userName:    opts.UserName,
		characterID: opts.CharacterID,
		status:      game.PresenceOnline,
		heartbeat:   heartbeat,
		stop:        make(chan struct{}),
		onJoin:      opts.OnJoin,
		onLeave:     opts.OnLeave,
	}

	ch.OnPresence(proto.PresenceSync, p.applySync)
	ch.OnPresence(proto.PresenceJoin, func(key string, _ proto.PresenceSet) {
		p.observe(p.onJoin, key)
	})
	ch.OnPresence(proto.PresenceLeave, func(key string, _ proto.PresenceSet) {
		p.observe(p.onLeave, key)
	})

	if err := ch.Subscribe(p.onStatus); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PresenceTracker) onStatus(status channel.Status, reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	switch status {
	case channel.StatusSubscribed:
		wasConnected := p.connected
		p.connected = true
		p.mu.Unlock()
		p.track()
		if !wasConnected {
			go p.heartbeatLoop()
		}
		return
	case channel.StatusChannelError:
		p.connected = false
		p.logger.Printf("presence channel error on %s: %s", p.sessionID, reason)
	case channel.StatusClosed:
		p.connected = false
	}
	p.mu.Unlock()
}

func (p *PresenceTracker) heartbeatLoop() {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.track()
		case <-p.stop:
			return
		}
	}
}

// track publishes the current presence blob under the canonical schema.
func (p *PresenceTracker) track() {
	p.mu.Lock()
	if p.closed || !p.connected {
		p.mu.Unlock()
		return
	}
	blob := game.PlayerPresence{
		UserID:      p.userID,
		UserName:    p.userName,
		Status:      p.status,
		CharacterID: p.characterID,
		LastSeen:    p.now().UTC(),
	}
	p.mu.Unlock()

	if err := p.ch.Track(blob); err != nil {
		p.logger.Printf("presence track on %s failed: %v", p.sessionID, err)
	}
}

// applySync rebuilds the roster from the authoritative snapshot, taking the
// first reported presence per identity key.
func (p *PresenceTracker) applySync(_ string, state proto.PresenceSet) {
	roster := make([]game.PlayerPresence, 0, len(state))
	for key, states := range state {
		if len(states) == 0 {
			continue
		}
		var presence game.PlayerPresence
		if err := json.Unmarshal(states[0], &presence); err != nil {
			p.logger.Printf("dropping malformed presence for %s: %v", key, err)
			continue
		}
		if presence.UserID == "" {
			presence.UserID = key
		}
		roster = append(roster, presence)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.roster = roster
}

func (p *PresenceTracker) observe(fn func(string), key string) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(key)
}

// Players returns the roster from the latest sync.
func (p *PresenceTracker) Players() []game.PlayerPresence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]game.PlayerPresence(nil), p.roster...)
}

// IsConnected reports whether the channel is subscribed.
func (p *PresenceTracker) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// UpdateStatus re-tracks immediately with the new status.
func (p *PresenceTracker) UpdateStatus(status game.PresenceStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	p.track()
}

// Close stops the heartbeat and leaves the channel. Late presence frames
// never mutate the roster.
func (p *PresenceTracker) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.connected = false
	p.mu.Unlock()
	close(p.stop)
	p.ch.Unsubscribe()
}
