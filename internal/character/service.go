// Package character creates and retrieves player characters from class
// templates.
package character

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sparc/server/internal/game"
	"sparc/server/internal/storage"
)

var (
	ErrUnknownClass   = errors.New("unknown character class")
	ErrInvalidPrimary = errors.New("primary stat must be one of: str, dex, int, cha")
	ErrEmptyName      = errors.New("character name must not be empty")
)

// Template captures the starting package for one class.
type Template struct {
	Class      game.CharacterClass
	BaseStats  game.Stats
	StartingHP int
	Equipment  []string
	Special    string
}

var templates = map[game.CharacterClass]Template{
	game.ClassCleric: {
		Class:      game.ClassCleric,
		BaseStats:  game.Stats{STR: 2, DEX: 2, INT: 3, CHA: 4},
		StartingHP: 12,
		Equipment:  []string{"mace", "holy symbol", "chain shirt"},
		Special:    "Healing Word",
	},
	game.ClassNecromancer: {
		Class:      game.ClassNecromancer,
		BaseStats:  game.Stats{STR: 1, DEX: 2, INT: 5, CHA: 3},
		StartingHP: 8,
		Equipment:  []string{"bone staff", "grimoire"},
		Special:    "Raise Thrall",
	},
	game.ClassPaladin: {
		Class:      game.ClassPaladin,
		BaseStats:  game.Stats{STR: 4, DEX: 1, INT: 2, CHA: 4},
		StartingHP: 14,
		Equipment:  []string{"longsword", "shield", "plate"},
		Special:    "Radiant Smite",
	},
	game.ClassRanger: {
		Class:      game.ClassRanger,
		BaseStats:  game.Stats{STR: 2, DEX: 4, INT: 3, CHA: 2},
		StartingHP: 12,
		Equipment:  []string{"longbow", "twin daggers", "leathers"},
		Special:    "Hunter's Mark",
	},
	game.ClassRogue: {
		Class:      game.ClassRogue,
		BaseStats:  game.Stats{STR: 2, DEX: 5, INT: 2, CHA: 3},
		StartingHP: 10,
		Equipment:  []string{"shortblade", "thieves' tools"},
		Special:    "Shadowstep",
	},
	game.ClassWarrior: {
		Class:      game.ClassWarrior,
		BaseStats:  game.Stats{STR: 5, DEX: 3, INT: 1, CHA: 2},
		StartingHP: 16,
		Equipment:  []string{"greataxe", "scale mail"},
		Special:    "Battle Fury",
	},
	game.ClassWizard: {
		Class:      game.ClassWizard,
		BaseStats:  game.Stats{STR: 1, DEX: 2, INT: 5, CHA: 3},
		StartingHP: 8,
		Equipment:  []string{"spellbook", "oak staff"},
		Special:    "Arcane Surge",
	},
}

// TemplateFor returns the starting template for a class.
func TemplateFor(class game.CharacterClass) (Template, bool) {
	tpl, ok := templates[class]
	return tpl, ok
}

// Service creates and loads characters.
type Service struct {
	store *storage.Store
	now   func() time.Time
}

func NewService(store *storage.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create builds a character from its class template with the chosen
// primary stat emphasized (+1, capped at 6) and persists it.
func (s *Service) Create(ctx context.Context, userID, name string, class game.CharacterClass, primaryStat string) (game.Character, error) {
	if name == "" {
		return game.Character{}, ErrEmptyName
	}
	tpl, ok := templates[class]
	if !ok {
		return game.Character{}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}

	stats := tpl.BaseStats
	switch primaryStat {
	case "str":
		stats.STR = bumpStat(stats.STR)
	case "dex":
		stats.DEX = bumpStat(stats.DEX)
	case "int":
		stats.INT = bumpStat(stats.INT)
	case "cha":
		stats.CHA = bumpStat(stats.CHA)
	default:
		return game.Character{}, fmt.Errorf("%w: %q", ErrInvalidPrimary, primaryStat)
	}

	now := s.now()
	ch := game.Character{
		ID:               uuid.NewString(),
		UserID:           userID,
		Name:             name,
		Class:            class,
		Stats:            stats,
		CurrentHP:        tpl.StartingHP,
		MaxHP:            tpl.StartingHP,
		Level:            1,
		SpecialAvailable: true,
		HeroicSaves:      3,
		Equipment:        append([]string(nil), tpl.Equipment...),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.SaveCharacter(ctx, ch); err != nil {
		return game.Character{}, err
	}
	return ch, nil
}

// Get loads one character.
func (s *Service) Get(ctx context.Context, id string) (game.Character, error) {
	return s.store.GetCharacter(ctx, id)
}

// Batch loads several characters at once, skipping unknown ids.
func (s *Service) Batch(ctx context.Context, ids []string) ([]game.Character, error) {
	return s.store.GetCharacters(ctx, ids)
}

func bumpStat(v int) int {
	if v >= 6 {
		return 6
	}
	return v + 1
}
