// Package session implements the authoritative session lifecycle: create,
// join, start, turn advancement, node transitions, pause/resume, and end.
// Every write persists the session and publishes a change notification on
// the session topic so polling and realtime clients converge on the same
// record.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sparc/server/internal/dice"
	"sparc/server/internal/game"
	"sparc/server/internal/net/proto"
	"sparc/server/internal/realtime"
	"sparc/server/internal/storage"
	"sparc/server/logging"
)

const defaultMaxPlayers = 6

var (
	ErrNotFound         = errors.New("session not found")
	ErrNotJoinable      = errors.New("session is not accepting players")
	ErrSessionFull      = errors.New("session is full")
	ErrAlreadyJoined    = errors.New("character already joined")
	ErrUnknownCharacter = errors.New("character does not exist")
	ErrNotJoined        = errors.New("character is not in the session")
	ErrNoPlayers        = errors.New("session has no players")
	ErrNotStartable     = errors.New("session cannot be started")
	ErrNotActive        = errors.New("session is not active")
	ErrNotPaused        = errors.New("session is not paused")
	ErrAlreadyEnded     = errors.New("session already ended")
)

// Service owns session records. It is the only writer; clients observe
// sessions through change notifications and REST reads.
type Service struct {
	store *storage.Store
	dice  *dice.Engine
	hub   *realtime.Hub
	pub   logging.Publisher
	now   func() time.Time

	mu     sync.Mutex
	rounds map[string]int
}

type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store *storage.Store, engine *dice.Engine, hub *realtime.Hub, pub logging.Publisher, opts ...Option) *Service {
	s := &Service{
		store:  store,
		dice:   engine,
		hub:    hub,
		pub:    pub,
		now:    time.Now,
		rounds: make(map[string]int),
	}
	if s.pub == nil {
		s.pub = logging.NopPublisher()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new waiting session owned by the given seer.
func (s *Service) Create(ctx context.Context, seerID, name, adventureID string) (game.Session, error) {
	if name == "" {
		return game.Session{}, errors.New("session name must not be empty")
	}
	now := s.now().UTC()
	session := game.Session{
		ID:               uuid.NewString(),
		Name:             name,
		SeerID:           seerID,
		AdventureID:      adventureID,
		Status:           game.SessionWaiting,
		MaxPlayers:       defaultMaxPlayers,
		PlayerCharacters: []string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.commit(ctx, session); err != nil {
		return game.Session{}, err
	}
	s.publishEvent(ctx, logging.EventSessionCreated, session, logging.EntityRef{ID: seerID, Kind: logging.EntityKindSeer}, nil)
	return session, nil
}

// Get loads a session by ID.
func (s *Service) Get(ctx context.Context, id string) (game.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return game.Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return session, err
}

// Join adds a character to a waiting session. The character must exist and
// the session must have room.
func (s *Service) Join(ctx context.Context, sessionID, characterID string) (game.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return game.Session{}, err
	}
	if session.Status != game.SessionWaiting {
		return game.Session{}, fmt.Errorf("%w: status %s", ErrNotJoinable, session.Status)
	}
	if len(session.PlayerCharacters) >= session.MaxPlayers {
		return game.Session{}, ErrSessionFull
	}
	for _, id := range session.PlayerCharacters {
		if id == characterID {
			return game.Session{}, fmt.Errorf("%w: %s", ErrAlreadyJoined, characterID)
		}
	}
	ch, err := s.store.GetCharacter(ctx, characterID)
	if errors.Is(err, storage.ErrNotFound) {
		return game.Session{}, fmt.Errorf("%w: %s", ErrUnknownCharacter, characterID)
	} else if err != nil {
		return game.Session{}, err
	}

	session.PlayerCharacters = append(session.PlayerCharacters, characterID)
	session.UpdatedAt = s.now().UTC()
	if err := s.commit(ctx, session); err != nil {
		return game.Session{}, err
	}
	s.publishEvent(ctx, logging.EventSessionJoined, session,
		logging.EntityRef{ID: ch.UserID, Kind: logging.EntityKindPlayer},
		map[string]any{"characterId": characterID})
	return session, nil
}

// Leave removes a character from a session that has not ended. Leaving an
// active session also drops the character from the turn order; the current
// turn index stays on the same surviving combatant where possible.
func (s *Service) Leave(ctx context.Context, sessionID, characterID string) (game.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return game.Session{}, err
	}
	if session.Status == game.SessionEnded {
		return game.Session{}, ErrAlreadyEnded
	}

	found := false
	players := session.PlayerCharacters[:0:0]
	for _, id := range session.PlayerCharacters {
		if id == characterID {
			found = true
			continue
		}
		players = append(players, id)
	}
	if !found {
		return game.Session{}, fmt.Errorf("%w: %s", ErrNotJoined, characterID)
	}
	session.PlayerCharacters = players

	if len(session.TurnOrder) > 0 {
		order := session.TurnOrder[:0:0]
		for i, id := range session.TurnOrder {
			if id == characterID {
				if i < session.CurrentTurnIndex {
					session.CurrentTurnIndex--
				}
				continue
			}
			order = append(order, id)
		}
		session.TurnOrder = order
		if len(order) == 0 {
			session.CurrentTurnIndex = 0
		} else if session.CurrentTurnIndex >= len(order) {
			session.CurrentTurnIndex = 0
		}
	}

	session.UpdatedAt = s.now().UTC()
	if err := s.commit(ctx, session); err != nil {
		return game.Session{}, err
	}
	s.publishEvent(ctx, logging.EventSessionLeft, session,
		logging.EntityRef{ID: characterID, Kind: logging.EntityKindPlayer},
		map[string]any{"characterId": characterID})
	return session, nil
}

// Start activates a waiting session. Initiative is rolled for every joined
// character (1d6 plus DEX) and the turn order is built from the results,
// highest first.
func (s *Service) Start(ctx context.Context, sessionID string) (game.Session, []game.InitiativeEntry, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return game.Session{}, nil, err
	}
	if session.Status != game.SessionWaiting {
		return game.Session{}, nil, fmt.Errorf("%w: status %s", ErrNotStartable, session.Status)
	}
	if len(session.PlayerCharacters) == 0 {
		return game.Session{}, nil, ErrNoPlayers
	}

	characters, err := s.store.GetCharacters(ctx, session.PlayerCharacters)
	if err != nil {
		return game.Session{}, nil, fmt.Errorf("load characters: %w", err)
	}
	order, err := s.rollInitiative(sessionID, characters)
	if err != nil {
		return game.Session{}, nil, err
	}

	session.Status = game.SessionActive
	session.TurnOrder = make([]string, len(order))
	for i, entry := range order {
		session.TurnOrder[i] = entry.ID
	}
	session.CurrentTurnIndex = 0
	session.UpdatedAt = s.now().UTC()
	if err := s.commit(ctx, session); err != nil {
		return game.Session{}, nil, err
	}

	s.mu.Lock()
	s.rounds[sessionID] = 1
	s.mu.Unlock()
	s.broadcastCombat(sessionID, "combat_state", game.CombatState{
		Round:            1,
		CurrentTurnIndex: 0,
		Order:            order,
		IsActive:         true,
	})
	s.publishEvent(ctx, logging.EventSessionStarted, session,
		logging.EntityRef{ID: session.SeerID, Kind: logging.EntityKindSeer},
		map[string]any{"players": len(order)})
	return session, order, nil
}

// AdvanceTurn moves the active session to the next entry in the turn order,
// wrapping at the end.
func (s *Service) AdvanceTurn(ctx context.Context, sessionID string) (game.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return game.Session{}, err
	}
	if session.Status != game.SessionActive {
		return game.Session{}, fmt.Errorf("%w: status %s", ErrNotActive, session.Status)
	}
	if len(session.TurnOrder) == 0 {
		return game.Session{}, ErrNoPlayers
	}

	session.CurrentTurnIndex = (session.CurrentTurnIndex + 1) % len(session.TurnOrder)
	session.UpdatedAt = s.now().UTC()
	if err := s.commit(ctx, session); err != nil {
		return game.Session{}, err
	}

	// Wrapping back to the first combatant opens a new round.
	s.mu.Lock()
	if s.rounds[sessionID] == 0 {
		s.rounds[sessionID] = 1
	}
	if session.CurrentTurnIndex == 0 {
		s.rounds[sessionID]++
	}
	round := s.rounds[sessionID]
	s.mu.Unlock()

	s.broadcastCombat(sessionID, "turn_change", map[string]int{
		"currentTurnIndex": session.CurrentTurnIndex,
		"round":            round,
	})
	return session, nil
}

// Round reports the current combat round for an active session, starting
// at 1.
func (s *Service) Round(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.rounds[sessionID]; r > 0 {
		return r
	}
	return 1
}

// SetCurrentNode records the session's position in the adventure graph.
func (s *Service) SetCurrentNode(ctx context.Context, sessionID, nodeID string) (game.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return game.Session{}, err
	}
	if session.Status == game.SessionEnded {
		return game.Session{}, ErrAlreadyEnded
	}
	session.CurrentNodeID = nodeID
	session.UpdatedAt = s.now().UTC()
	if err := s.commit(ctx, session); err != nil {
		return game.Session{}, err
	}
	return session, nil
}

// Pause suspends an active session.
func (s *Service) Pause(ctx context.Context, sessionID string) (game.Session, error) {
	return s.transition(ctx, sessionID, game.SessionActive, game.SessionPaused, ErrNotActive)
}

// Resume reactivates a paused session.
func (s *Service) Resume(ctx context.Context, sessionID string) (game.Session, error) {
	return s.transition(ctx, sessionID, game.SessionPaused, game.SessionActive, ErrNotPaused)
}

// End terminates a session. Ended sessions accept no further writes.
func (s *Service) End(ctx context.Context, sessionID string) (game.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return game.Session{}, err
	}
	if session.Status == game.SessionEnded {
		return game.Session{}, ErrAlreadyEnded
	}
	session.Status = game.SessionEnded
	session.UpdatedAt = s.now().UTC()
	if err := s.commit(ctx, session); err != nil {
		return game.Session{}, err
	}
	s.mu.Lock()
	delete(s.rounds, sessionID)
	s.mu.Unlock()
	s.broadcastCombat(sessionID, "combat_end", map[string]string{"sessionId": sessionID})
	s.publishEvent(ctx, logging.EventSessionEnded, session,
		logging.EntityRef{ID: session.SeerID, Kind: logging.EntityKindSeer}, nil)
	return session, nil
}

// ListByStatus returns sessions in the given lifecycle state.
func (s *Service) ListByStatus(ctx context.Context, status game.SessionStatus) ([]game.Session, error) {
	return s.store.ListSessionsByStatus(ctx, status)
}

func (s *Service) transition(ctx context.Context, sessionID string, from, to game.SessionStatus, mismatch error) (game.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return game.Session{}, err
	}
	if session.Status != from {
		return game.Session{}, fmt.Errorf("%w: status %s", mismatch, session.Status)
	}
	session.Status = to
	session.UpdatedAt = s.now().UTC()
	if err := s.commit(ctx, session); err != nil {
		return game.Session{}, err
	}
	return session, nil
}

// commit persists the session and notifies subscribers filtered on its ID.
func (s *Service) commit(ctx context.Context, session game.Session) error {
	if err := s.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if s.hub != nil {
		if err := s.hub.PublishChange(proto.SessionTopic(session.ID), session.ID, session); err != nil {
			return fmt.Errorf("publish change: %w", err)
		}
	}
	return nil
}

func (s *Service) rollInitiative(sessionID string, characters []game.Character) ([]game.InitiativeEntry, error) {
	order := make([]game.InitiativeEntry, 0, len(characters))
	for _, ch := range characters {
		roll, err := s.dice.Roll(dice.RollRequest{
			SessionID: sessionID,
			ActorID:   ch.ID,
			ActorName: ch.Name,
			Kind:      game.RollInitiative,
			Count:     1,
			Modifier:  ch.Stats.DEX,
		})
		if err != nil {
			return nil, fmt.Errorf("roll initiative for %s: %w", ch.ID, err)
		}
		order = append(order, game.InitiativeEntry{
			ID:         ch.ID,
			Name:       ch.Name,
			Initiative: roll.Total,
			Kind:       game.ParticipantPlayer,
		})
	}
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Initiative > order[j].Initiative
	})
	return order, nil
}

func (s *Service) broadcastCombat(sessionID, event string, payload any) {
	if s.hub == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.hub.Broadcast(proto.CombatTopic(sessionID), event, raw, nil)
}

func (s *Service) publishEvent(ctx context.Context, typ logging.EventType, session game.Session, actor logging.EntityRef, extra map[string]any) {
	s.pub.Publish(ctx, logging.Event{
		Type:     typ,
		Time:     s.now().UTC(),
		Actor:    actor,
		Session:  session.ID,
		Category: logging.CategorySession,
		Severity: logging.SeverityInfo,
		Payload:  session,
		Extra:    extra,
	})
}
