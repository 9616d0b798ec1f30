// Package ai holds the seer-assist boundary: narrative generation behind
// the Narrator interface, and the performance monitor backing the
// /ai/performance endpoint.
package ai

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// NarrationRequest carries the scene context a narrator works from.
type NarrationRequest struct {
	SessionID   string   `json:"sessionId"`
	NodeID      string   `json:"nodeId,omitempty"`
	Prompt      string   `json:"prompt"`
	PartyNames  []string `json:"partyNames,omitempty"`
	RecentRolls []string `json:"recentRolls,omitempty"`
}

// Narration is one generated passage.
type Narration struct {
	SessionID string        `json:"sessionId"`
	Text      string        `json:"text"`
	Elapsed   time.Duration `json:"-"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Narrator produces narrative text for a scene. Implementations may call
// external services; they must honor context cancellation.
type Narrator interface {
	Narrate(ctx context.Context, req NarrationRequest) (Narration, error)
}

// StubNarrator is a deterministic in-process narrator used when no external
// generation backend is configured. It echoes the scene context back as
// flavor text with a small simulated think time.
type StubNarrator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
	delay time.Duration
}

type StubOption func(*StubNarrator)

// WithStubSeed pins the narrator's phrase choice, for tests.
func WithStubSeed(seed int64) StubOption {
	return func(n *StubNarrator) { n.rng = rand.New(rand.NewSource(seed)) }
}

// WithStubDelay sets the simulated think time. Zero disables the pause.
func WithStubDelay(d time.Duration) StubOption {
	return func(n *StubNarrator) { n.delay = d }
}

func NewStubNarrator(opts ...StubOption) *StubNarrator {
	n := &StubNarrator{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var stubOpenings = []string{
	"The torchlight gutters as",
	"A hush falls over the party while",
	"Somewhere in the dark,",
	"The seer's voice lowers:",
}

func (n *StubNarrator) Narrate(ctx context.Context, req NarrationRequest) (Narration, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Narration{}, fmt.Errorf("narration prompt must not be empty")
	}
	start := n.now()
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return Narration{}, ctx.Err()
		}
	}

	n.mu.Lock()
	opening := stubOpenings[n.rng.Intn(len(stubOpenings))]
	n.mu.Unlock()

	text := opening + " " + strings.TrimSpace(req.Prompt)
	if len(req.PartyNames) > 0 {
		text += " The party (" + strings.Join(req.PartyNames, ", ") + ") readies itself."
	}
	done := n.now()
	return Narration{
		SessionID: req.SessionID,
		Text:      text,
		Elapsed:   done.Sub(start),
		CreatedAt: done.UTC(),
	}, nil
}
