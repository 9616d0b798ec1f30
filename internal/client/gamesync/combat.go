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

// RollHistoryLimit bounds the in-memory dice history, newest first.
const RollHistoryLimit = 20

// CombatSync mirrors a session's combat state and keeps a bounded,
// newest-first window of dice rolls. Combat state only ever arrives whole;
// turn_change and combat_end patch it and are no-ops until the first
// combat_state lands.
type CombatSync struct {
	mu        sync.Mutex
	ch        channel.Channel
	logger    telemetry.Logger
	sessionID string
	now       func() time.Time

	state     *game.CombatState
	rolls     []game.DiceRollEvent
	connected bool
	lastError string
	closed    bool
}

// NewCombatSync opens the combat:{id} channel and subscribes.
func NewCombatSync(provider ChannelProvider, sessionID string, cfg Config) (*CombatSync, error) {
	ch, err := provider.Channel(proto.CombatTopic(sessionID), channel.ChannelOptions{})
	if err != nil {
		return nil, err
	}
	c := &CombatSync{
		ch:        ch,
		logger:    cfg.logger(),
		sessionID: sessionID,
		now:       time.Now,
	}

	ch.OnBroadcast("combat_state", c.applyCombatState)
	ch.OnBroadcast("dice_roll", c.applyDiceRoll)
	ch.OnBroadcast("turn_change", c.applyTurnChange)
	ch.OnBroadcast("combat_end", c.applyCombatEnd)

	if err := ch.Subscribe(c.onStatus); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CombatSync) onStatus(status channel.Status, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch status {
	case channel.StatusSubscribed:
		c.connected = true
		c.lastError = ""
	case channel.StatusChannelError:
		c.connected = false
		c.lastError = reason
	case channel.StatusClosed:
		c.connected = false
	}
}

func (c *CombatSync) applyCombatState(_ string, payload json.RawMessage, _ string) {
	var state game.CombatState
	if err := json.Unmarshal(payload, &state); err != nil {
		c.logger.Printf("dropping malformed combat_state for %s: %v", c.sessionID, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = &state
}

func (c *CombatSync) applyDiceRoll(_ string, payload json.RawMessage, _ string) {
	var roll game.DiceRollEvent
	if err := json.Unmarshal(payload, &roll); err != nil {
		c.logger.Printf("dropping malformed dice_roll for %s: %v", c.sessionID, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.prependRollLocked(roll)
}

func (c *CombatSync) prependRollLocked(roll game.DiceRollEvent) {
	c.rolls = append([]game.DiceRollEvent{roll}, c.rolls...)
	if len(c.rolls) > RollHistoryLimit {
		c.rolls = c.rolls[:RollHistoryLimit]
	}
}

func (c *CombatSync) applyTurnChange(_ string, payload json.RawMessage, _ string) {
	var change struct {
		CurrentTurnIndex *int `json:"currentTurnIndex"`
		Round            int  `json:"round"`
	}
	if err := json.Unmarshal(payload, &change); err != nil || change.CurrentTurnIndex == nil {
		c.logger.Printf("dropping malformed turn_change for %s", c.sessionID)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == nil {
		return
	}
	c.state.CurrentTurnIndex = *change.CurrentTurnIndex
	if change.Round > c.state.Round {
		c.state.Round = change.Round
	}
}

func (c *CombatSync) applyCombatEnd(_ string, payload json.RawMessage, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == nil {
		return
	}
	c.state.IsActive = false
}

// State returns the current combat view, if any.
func (c *CombatSync) State() (game.CombatState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return game.CombatState{}, false
	}
	out := *c.state
	out.Order = append([]game.InitiativeEntry(nil), c.state.Order...)
	return out, true
}

// Rolls returns the roll history, newest first.
func (c *CombatSync) Rolls() []game.DiceRollEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]game.DiceRollEvent(nil), c.rolls...)
}

// IsConnected reports whether the channel is subscribed.
func (c *CombatSync) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastError returns the most recent channel error, empty when healthy.
func (c *CombatSync) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// BroadcastRoll stamps the roll with the current time, records it locally
// (peers do not echo broadcasts back to the sender), and sends it. Silent
// no-op while disconnected.
func (c *CombatSync) BroadcastRoll(roll game.DiceRollEvent) {
	c.mu.Lock()
	if c.closed || !c.connected {
		c.mu.Unlock()
		return
	}
	roll.Timestamp = c.now()
	c.prependRollLocked(roll)
	c.mu.Unlock()

	if err := c.ch.Send("dice_roll", roll); err != nil {
		c.logger.Printf("broadcast dice_roll on %s failed: %v", c.sessionID, err)
	}
}

// BroadcastAction sends an arbitrary combat action under a caller-chosen
// event name. Silent no-op while disconnected.
func (c *CombatSync) BroadcastAction(event string, payload any) {
	c.mu.Lock()
	ready := c.connected && !c.closed
	c.mu.Unlock()
	if !ready {
		return
	}
	if err := c.ch.Send(event, payload); err != nil {
		c.logger.Printf("broadcast %s on %s failed: %v", event, c.sessionID, err)
	}
}

// Close tears the synchronizer down. Late messages never mutate state.
func (c *CombatSync) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	c.ch.Unsubscribe()
}
