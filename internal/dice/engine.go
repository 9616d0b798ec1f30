// Package dice implements the d6 dice engine: roll execution, outcome
// classification, bounded per-session history, and roll statistics.
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"sparc/server/internal/game"
)

const (
	// DieSides is fixed: the system rolls pools of six-sided dice.
	DieSides = 6
	// MaxDice bounds a single roll request.
	MaxDice = 10
	// historyLimit bounds the retained per-session roll history.
	historyLimit = 100
)

// ErrInvalidDiceCount indicates a roll outside the 1-10 dice range.
var ErrInvalidDiceCount = errors.New("dice count must be between 1 and 10")

// ErrInvalidDifficulty indicates a negative difficulty target.
var ErrInvalidDifficulty = errors.New("difficulty must be non-negative")

// RollRequest describes one roll to execute.
type RollRequest struct {
	SessionID  string
	ActorID    string
	ActorName  string
	Kind       game.RollKind
	Count      int
	Modifier   int
	Difficulty int // 0 means no target: outcome is "roll" unless critical
}

// Stats aggregates per-session roll activity.
type Stats struct {
	TotalRolls   int                   `json:"totalRolls"`
	TotalResult  int                   `json:"totalResult"`
	SuccessCount int                   `json:"successCount"`
	ByKind       map[game.RollKind]int `json:"byKind"`
}

// Engine executes rolls and retains bounded history per session. Safe for
// concurrent use.
type Engine struct {
	mu      sync.Mutex
	rng     *rand.Rand
	now     func() time.Time
	latency *LatencyRecorder
	history map[string][]game.DiceRollEvent
	stats   map[string]*Stats
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithSeed makes the engine deterministic for tests.
func WithSeed(seed int64) Option {
	return func(e *Engine) {
		e.rng = rand.New(rand.NewSource(seed))
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine constructs a dice engine seeded from the current time.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		latency: NewLatencyRecorder(0),
		history: make(map[string][]game.DiceRollEvent),
		stats:   make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Roll executes a request, records latency and history, and returns the
// immutable roll event.
func (e *Engine) Roll(req RollRequest) (game.DiceRollEvent, error) {
	if req.Count < 1 || req.Count > MaxDice {
		return game.DiceRollEvent{}, fmt.Errorf("%w: got %d", ErrInvalidDiceCount, req.Count)
	}
	if req.Difficulty < 0 {
		return game.DiceRollEvent{}, ErrInvalidDifficulty
	}

	started := time.Now()

	e.mu.Lock()
	faces := make([]int, req.Count)
	for i := range faces {
		faces[i] = e.rng.Intn(DieSides) + 1
	}
	timestamp := e.now()
	e.mu.Unlock()

	total := req.Modifier
	for _, face := range faces {
		total += face
	}

	event := game.DiceRollEvent{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		ActorID:   req.ActorID,
		ActorName: req.ActorName,
		Kind:      req.Kind,
		Faces:     faces,
		Modifier:  req.Modifier,
		Total:     total,
		Outcome:   Classify(faces, total, req.Difficulty),
		Timestamp: timestamp,
	}

	e.record(event)
	e.latency.Record(float64(time.Since(started).Microseconds()) / 1000)
	return event, nil
}

// Classify determines the roll outcome. All-max faces are a critical
// success and all-min a critical failure regardless of difficulty; with a
// difficulty the total decides success, without one the outcome is open.
func Classify(faces []int, total, difficulty int) game.RollOutcome {
	allMax, allMin := true, true
	for _, face := range faces {
		if face != DieSides {
			allMax = false
		}
		if face != 1 {
			allMin = false
		}
	}
	switch {
	case len(faces) > 0 && allMax:
		return game.OutcomeCriticalSuccess
	case len(faces) > 0 && allMin:
		return game.OutcomeCriticalFailure
	case difficulty <= 0:
		return game.OutcomeRoll
	case total >= difficulty:
		return game.OutcomeSuccess
	default:
		return game.OutcomeFailure
	}
}

func (e *Engine) record(event game.DiceRollEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	history := append(e.history[event.SessionID], event)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	e.history[event.SessionID] = history

	stats := e.stats[event.SessionID]
	if stats == nil {
		stats = &Stats{ByKind: make(map[game.RollKind]int)}
		e.stats[event.SessionID] = stats
	}
	stats.TotalRolls++
	stats.TotalResult += event.Total
	stats.ByKind[event.Kind]++
	if event.Outcome == game.OutcomeSuccess || event.Outcome == game.OutcomeCriticalSuccess {
		stats.SuccessCount++
	}
}

// RecentRolls returns up to limit rolls for a session, newest first.
func (e *Engine) RecentRolls(sessionID string, limit int) []game.DiceRollEvent {
	if limit <= 0 {
		limit = 10
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	history := e.history[sessionID]
	if len(history) == 0 {
		return nil
	}

	if limit > len(history) {
		limit = len(history)
	}
	out := make([]game.DiceRollEvent, 0, limit)
	for i := len(history) - 1; i >= len(history)-limit; i-- {
		out = append(out, history[i])
	}
	return out
}

// SessionStats copies the aggregate stats for a session.
func (e *Engine) SessionStats(sessionID string) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats[sessionID]
	if stats == nil {
		return Stats{ByKind: map[game.RollKind]int{}}
	}
	byKind := make(map[game.RollKind]int, len(stats.ByKind))
	for k, v := range stats.ByKind {
		byKind[k] = v
	}
	return Stats{
		TotalRolls:   stats.TotalRolls,
		TotalResult:  stats.TotalResult,
		SuccessCount: stats.SuccessCount,
		ByKind:       byKind,
	}
}

// ClearSession drops history and stats for an ended session.
func (e *Engine) ClearSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.history, sessionID)
	delete(e.stats, sessionID)
}

// Latency exposes the roll latency recorder.
func (e *Engine) Latency() *LatencyRecorder {
	return e.latency
}
