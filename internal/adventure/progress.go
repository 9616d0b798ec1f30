// Package adventure tracks how far a session has moved through an
// adventure's node graph. Visits are idempotent: re-entering a node never
// inflates the completion percentage.
package adventure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sparc/server/internal/game"
	"sparc/server/internal/storage"
)

var ErrNotStarted = errors.New("no progress recorded for session")

// Tracker records node visits and answers progress queries.
type Tracker struct {
	store *storage.Store
	now   func() time.Time
}

type Option func(*Tracker)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(store *storage.Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin initializes progress for a session against an adventure graph of
// the given size. Calling Begin again resets the visited set.
func (t *Tracker) Begin(ctx context.Context, sessionID, adventureID string, totalNodes int) (game.AdventureProgress, error) {
	if totalNodes <= 0 {
		return game.AdventureProgress{}, fmt.Errorf("adventure %s has no nodes", adventureID)
	}
	progress := game.AdventureProgress{
		SessionID:    sessionID,
		AdventureID:  adventureID,
		VisitedNodes: []string{},
		TotalNodes:   totalNodes,
		UpdatedAt:    t.now().UTC(),
	}
	if err := t.store.SaveProgress(ctx, progress); err != nil {
		return game.AdventureProgress{}, err
	}
	return progress, nil
}

// RecordVisit marks a node as visited. Repeat visits are no-ops.
func (t *Tracker) RecordVisit(ctx context.Context, sessionID, nodeID string) (game.AdventureProgress, error) {
	progress, err := t.Progress(ctx, sessionID)
	if err != nil {
		return game.AdventureProgress{}, err
	}
	for _, visited := range progress.VisitedNodes {
		if visited == nodeID {
			return progress, nil
		}
	}
	progress.VisitedNodes = append(progress.VisitedNodes, nodeID)
	progress.UpdatedAt = t.now().UTC()
	if err := t.store.SaveProgress(ctx, progress); err != nil {
		return game.AdventureProgress{}, err
	}
	if progress.TotalNodes > 0 {
		progress.Percent = float64(len(progress.VisitedNodes)) / float64(progress.TotalNodes) * 100
	}
	return progress, nil
}

// Progress returns the current completion state for a session.
func (t *Tracker) Progress(ctx context.Context, sessionID string) (game.AdventureProgress, error) {
	progress, err := t.store.GetProgress(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return game.AdventureProgress{}, fmt.Errorf("%w: %s", ErrNotStarted, sessionID)
	}
	return progress, err
}
