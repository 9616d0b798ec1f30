// Package game defines the shared data model for SPARC sessions: session
// state, combat state, dice rolls, presence, and characters. The types here
// cross the wire as JSON between the hub, the REST layer, and the client
// synchronizers, so field tags are part of the protocol.
package game

import "time"

// SessionStatus enumerates the lifecycle states of a game session.
type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionActive  SessionStatus = "active"
	SessionPaused  SessionStatus = "paused"
	SessionEnded   SessionStatus = "ended"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionWaiting, SessionActive, SessionPaused, SessionEnded:
		return true
	}
	return false
}

// Session is the authoritative session record. Server-side writes flow to
// clients as change notifications; peer broadcasts may patch a client's copy
// optimistically (last write wins per field).
type Session struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	SeerID           string        `json:"seerId"`
	AdventureID      string        `json:"adventureId,omitempty"`
	Status           SessionStatus `json:"status"`
	CurrentNodeID    string        `json:"currentNodeId,omitempty"`
	MaxPlayers       int           `json:"maxPlayers"`
	PlayerCharacters []string      `json:"playerCharacters"`
	TurnOrder        []string      `json:"turnOrder,omitempty"`
	CurrentTurnIndex int           `json:"currentTurnIndex"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// ParticipantKind distinguishes player combatants from enemies.
type ParticipantKind string

const (
	ParticipantPlayer ParticipantKind = "player"
	ParticipantEnemy  ParticipantKind = "enemy"
)

// InitiativeEntry is one combatant in an initiative order.
type InitiativeEntry struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Initiative int             `json:"initiative"`
	Kind       ParticipantKind `json:"kind"`
}

// CombatState is the full combat view shared across a session. It is only
// ever replaced wholesale or patched at CurrentTurnIndex; rounds start at 1
// and increase monotonically.
type CombatState struct {
	Round            int               `json:"round"`
	CurrentTurnIndex int               `json:"currentTurnIndex"`
	Order            []InitiativeEntry `json:"order"`
	IsActive         bool              `json:"isActive"`
}

// RollKind classifies what a dice roll was for.
type RollKind string

const (
	RollAttack     RollKind = "attack"
	RollDamage     RollKind = "damage"
	RollInitiative RollKind = "initiative"
	RollSkillCheck RollKind = "skill_check"
	RollHeroicSave RollKind = "heroic_save"
)

// RollOutcome classifies a finished roll.
type RollOutcome string

const (
	OutcomeCriticalSuccess RollOutcome = "critical_success"
	OutcomeCriticalFailure RollOutcome = "critical_failure"
	OutcomeSuccess         RollOutcome = "success"
	OutcomeFailure         RollOutcome = "failure"
	// OutcomeRoll marks rolls made without a difficulty target.
	OutcomeRoll RollOutcome = "roll"
)

// DiceRollEvent is an immutable record of a single dice roll. Clients keep
// only a bounded, newest-first window of these per session.
type DiceRollEvent struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	ActorID   string      `json:"actorId"`
	ActorName string      `json:"actorName"`
	Kind      RollKind    `json:"kind"`
	Faces     []int       `json:"faces"`
	Modifier  int         `json:"modifier,omitempty"`
	Total     int         `json:"total"`
	Outcome   RollOutcome `json:"outcome"`
	Timestamp time.Time   `json:"timestamp"`
}

// PresenceStatus is a participant's self-reported connection status.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PlayerPresence is the canonical presence payload tracked on a presence
// channel and read back when rebuilding the roster from a sync snapshot.
// Track and read paths must use exactly these field names.
type PlayerPresence struct {
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName"`
	Status      PresenceStatus `json:"status"`
	CharacterID string         `json:"characterId,omitempty"`
	LastSeen    time.Time      `json:"lastSeen"`
}

// CharacterClass enumerates the seven playable classes.
type CharacterClass string

const (
	ClassCleric      CharacterClass = "cleric"
	ClassNecromancer CharacterClass = "necromancer"
	ClassPaladin     CharacterClass = "paladin"
	ClassRanger      CharacterClass = "ranger"
	ClassRogue       CharacterClass = "rogue"
	ClassWarrior     CharacterClass = "warrior"
	ClassWizard      CharacterClass = "wizard"
)

// Stats holds the four core attributes, each in 1-6.
type Stats struct {
	STR int `json:"str"`
	DEX int `json:"dex"`
	INT int `json:"int"`
	CHA int `json:"cha"`
}

// Character is a player character record.
type Character struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	Name             string         `json:"name"`
	Class            CharacterClass `json:"class"`
	Stats            Stats          `json:"stats"`
	CurrentHP        int            `json:"currentHp"`
	MaxHP            int            `json:"maxHp"`
	Level            int            `json:"level"`
	SpecialAvailable bool           `json:"specialAbilityAvailable"`
	HeroicSaves      int            `json:"heroicSavesAvailable"`
	Equipment        []string       `json:"equipment,omitempty"`
	Background       string         `json:"background,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// AdventureProgress summarizes how far a session has moved through an
// adventure's node graph.
type AdventureProgress struct {
	SessionID    string    `json:"sessionId"`
	AdventureID  string    `json:"adventureId,omitempty"`
	VisitedNodes []string  `json:"visitedNodes"`
	TotalNodes   int       `json:"totalNodes"`
	Percent      float64   `json:"percent"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
