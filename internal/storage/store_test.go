package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sparc/server/internal/game"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sparc.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	session := game.Session{
		ID:               "session-1",
		Name:             "First Light",
		SeerID:           "user-seer",
		Status:           game.SessionWaiting,
		MaxPlayers:       6,
		PlayerCharacters: []string{"char-1", "char-2"},
		TurnOrder:        []string{"char-2", "char-1"},
		CurrentTurnIndex: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("save session: %v", err)
	}

	loaded, err := store.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if loaded.Name != "First Light" || loaded.Status != game.SessionWaiting {
		t.Fatalf("unexpected session %+v", loaded)
	}
	if len(loaded.PlayerCharacters) != 2 || loaded.TurnOrder[0] != "char-2" {
		t.Fatalf("unexpected membership %+v", loaded)
	}

	session.Status = game.SessionActive
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("update session: %v", err)
	}
	loaded, err = store.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if loaded.Status != game.SessionActive {
		t.Fatalf("expected active, got %s", loaded.Status)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessionsByStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, status := range []game.SessionStatus{game.SessionWaiting, game.SessionWaiting, game.SessionEnded} {
		session := game.Session{
			ID:         "session-" + string(rune('a'+i)),
			Name:       "s",
			SeerID:     "seer",
			Status:     status,
			MaxPlayers: 6,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
			UpdatedAt:  base,
		}
		if err := store.SaveSession(ctx, session); err != nil {
			t.Fatalf("save session: %v", err)
		}
	}

	waiting, err := store.ListSessionsByStatus(ctx, game.SessionWaiting)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(waiting) != 2 {
		t.Fatalf("expected 2 waiting sessions, got %d", len(waiting))
	}
}

func TestCharacterBatchSkipsMissing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	ch := game.Character{
		ID:               "char-1",
		UserID:           "user-1",
		Name:             "Lyra",
		Class:            game.ClassRanger,
		Stats:            game.Stats{STR: 2, DEX: 4, INT: 3, CHA: 2},
		CurrentHP:        10,
		MaxHP:            12,
		Level:            1,
		SpecialAvailable: true,
		HeroicSaves:      3,
		Equipment:        []string{"bow"},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.SaveCharacter(ctx, ch); err != nil {
		t.Fatalf("save character: %v", err)
	}

	batch, err := store.GetCharacters(ctx, []string{"char-1", "char-missing"})
	if err != nil {
		t.Fatalf("get characters: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 character, got %d", len(batch))
	}
	if batch[0].Stats.DEX != 4 || !batch[0].SpecialAvailable {
		t.Fatalf("unexpected character %+v", batch[0])
	}
}

func TestRecentRollsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		roll := game.DiceRollEvent{
			ID:        "roll-" + string(rune('a'+i)),
			SessionID: "session-1",
			Kind:      game.RollAttack,
			Faces:     []int{3, 4},
			Total:     7,
			Outcome:   game.OutcomeRoll,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendRoll(ctx, roll); err != nil {
			t.Fatalf("append roll: %v", err)
		}
	}

	rolls, err := store.RecentRolls(ctx, "session-1", 2)
	if err != nil {
		t.Fatalf("recent rolls: %v", err)
	}
	if len(rolls) != 2 {
		t.Fatalf("expected 2 rolls, got %d", len(rolls))
	}
	if rolls[0].ID != "roll-c" {
		t.Fatalf("expected newest first, got %s", rolls[0].ID)
	}
}

func TestProgressPercentComputed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	progress := game.AdventureProgress{
		SessionID:    "session-1",
		AdventureID:  "adv-1",
		VisitedNodes: []string{"n1", "n2"},
		TotalNodes:   8,
		UpdatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := store.SaveProgress(ctx, progress); err != nil {
		t.Fatalf("save progress: %v", err)
	}

	loaded, err := store.GetProgress(ctx, "session-1")
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if loaded.Percent != 25 {
		t.Fatalf("expected 25%%, got %v", loaded.Percent)
	}
}
