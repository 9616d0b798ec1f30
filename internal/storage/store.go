// Package storage persists sessions, characters, dice rolls and adventure
// progress in SQLite. Uses the pure-Go modernc.org/sqlite driver to avoid
// CGO dependencies.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"sparc/server/internal/game"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store manages the SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path, creating
// parent directories and running migrations. Pass ":memory:" for an
// ephemeral database.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: cannot create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: cannot connect to database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migration failed: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			seer_id TEXT NOT NULL,
			adventure_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_node_id TEXT NOT NULL DEFAULT '',
			max_players INTEGER NOT NULL,
			player_characters TEXT NOT NULL DEFAULT '[]',
			turn_order TEXT NOT NULL DEFAULT '[]',
			current_turn_index INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS characters (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			class TEXT NOT NULL,
			stats TEXT NOT NULL,
			current_hp INTEGER NOT NULL,
			max_hp INTEGER NOT NULL,
			level INTEGER NOT NULL DEFAULT 1,
			special_available INTEGER NOT NULL DEFAULT 1,
			heroic_saves INTEGER NOT NULL DEFAULT 3,
			equipment TEXT NOT NULL DEFAULT '[]',
			background TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_characters_user ON characters(user_id);
		CREATE TABLE IF NOT EXISTS dice_rolls (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			actor_name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			faces TEXT NOT NULL,
			modifier INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			rolled_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dice_rolls_session ON dice_rolls(session_id, rolled_at DESC);
		CREATE TABLE IF NOT EXISTS adventure_progress (
			session_id TEXT PRIMARY KEY,
			adventure_id TEXT NOT NULL DEFAULT '',
			visited_nodes TEXT NOT NULL DEFAULT '[]',
			total_nodes INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession inserts or replaces a session row.
func (s *Store) SaveSession(ctx context.Context, session game.Session) error {
	players, err := json.Marshal(session.PlayerCharacters)
	if err != nil {
		return fmt.Errorf("marshal players: %w", err)
	}
	order, err := json.Marshal(session.TurnOrder)
	if err != nil {
		return fmt.Errorf("marshal turn order: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, name, seer_id, adventure_id, status, current_node_id, max_players,
			 player_characters, turn_order, current_turn_index, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Name, session.SeerID, session.AdventureID, string(session.Status),
		session.CurrentNodeID, session.MaxPlayers, string(players), string(order),
		session.CurrentTurnIndex, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (game.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, seer_id, adventure_id, status, current_node_id, max_players,
		       player_characters, turn_order, current_turn_index, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var session game.Session
	var status, players, order string
	err := row.Scan(&session.ID, &session.Name, &session.SeerID, &session.AdventureID,
		&status, &session.CurrentNodeID, &session.MaxPlayers, &players, &order,
		&session.CurrentTurnIndex, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return game.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return game.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}

	session.Status = game.SessionStatus(status)
	if err := json.Unmarshal([]byte(players), &session.PlayerCharacters); err != nil {
		return game.Session{}, fmt.Errorf("unmarshal players for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(order), &session.TurnOrder); err != nil {
		return game.Session{}, fmt.Errorf("unmarshal turn order for %s: %w", id, err)
	}
	return session, nil
}

// ListSessionsByStatus returns sessions with a given status, newest first.
func (s *Store) ListSessionsByStatus(ctx context.Context, status game.SessionStatus) ([]game.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions WHERE status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]game.Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// SaveCharacter inserts or replaces a character row.
func (s *Store) SaveCharacter(ctx context.Context, ch game.Character) error {
	stats, err := json.Marshal(ch.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	equipment, err := json.Marshal(ch.Equipment)
	if err != nil {
		return fmt.Errorf("marshal equipment: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO characters
			(id, user_id, name, class, stats, current_hp, max_hp, level,
			 special_available, heroic_saves, equipment, background, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.UserID, ch.Name, string(ch.Class), string(stats), ch.CurrentHP, ch.MaxHP,
		ch.Level, boolToInt(ch.SpecialAvailable), ch.HeroicSaves, string(equipment),
		ch.Background, ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save character %s: %w", ch.ID, err)
	}
	return nil
}

// GetCharacter loads one character by id.
func (s *Store) GetCharacter(ctx context.Context, id string) (game.Character, error) {
	return s.scanCharacter(s.db.QueryRowContext(ctx, characterSelect+` WHERE id = ?`, id), id)
}

const characterSelect = `
	SELECT id, user_id, name, class, stats, current_hp, max_hp, level,
	       special_available, heroic_saves, equipment, background, created_at, updated_at
	FROM characters`

func (s *Store) scanCharacter(row *sql.Row, id string) (game.Character, error) {
	var ch game.Character
	var class, stats, equipment string
	var special int
	err := row.Scan(&ch.ID, &ch.UserID, &ch.Name, &class, &stats, &ch.CurrentHP, &ch.MaxHP,
		&ch.Level, &special, &ch.HeroicSaves, &equipment, &ch.Background, &ch.CreatedAt, &ch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return game.Character{}, fmt.Errorf("character %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return game.Character{}, fmt.Errorf("get character %s: %w", id, err)
	}

	ch.Class = game.CharacterClass(class)
	ch.SpecialAvailable = special != 0
	if err := json.Unmarshal([]byte(stats), &ch.Stats); err != nil {
		return game.Character{}, fmt.Errorf("unmarshal stats for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(equipment), &ch.Equipment); err != nil {
		return game.Character{}, fmt.Errorf("unmarshal equipment for %s: %w", id, err)
	}
	return ch, nil
}

// GetCharacters loads a batch of characters, skipping missing ids.
func (s *Store) GetCharacters(ctx context.Context, ids []string) ([]game.Character, error) {
	out := make([]game.Character, 0, len(ids))
	for _, id := range ids {
		ch, err := s.GetCharacter(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// AppendRoll records one dice roll.
func (s *Store) AppendRoll(ctx context.Context, roll game.DiceRollEvent) error {
	faces, err := json.Marshal(roll.Faces)
	if err != nil {
		return fmt.Errorf("marshal faces: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dice_rolls
			(id, session_id, actor_id, actor_name, kind, faces, modifier, total, outcome, rolled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		roll.ID, roll.SessionID, roll.ActorID, roll.ActorName, string(roll.Kind),
		string(faces), roll.Modifier, roll.Total, string(roll.Outcome), roll.Timestamp)
	if err != nil {
		return fmt.Errorf("append roll %s: %w", roll.ID, err)
	}
	return nil
}

// RecentRolls returns up to limit rolls for a session, newest first.
func (s *Store) RecentRolls(ctx context.Context, sessionID string, limit int) ([]game.DiceRollEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, actor_id, actor_name, kind, faces, modifier, total, outcome, rolled_at
		FROM dice_rolls WHERE session_id = ? ORDER BY rolled_at DESC, id LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent rolls for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []game.DiceRollEvent
	for rows.Next() {
		var roll game.DiceRollEvent
		var kind, faces, outcome string
		if err := rows.Scan(&roll.ID, &roll.SessionID, &roll.ActorID, &roll.ActorName,
			&kind, &faces, &roll.Modifier, &roll.Total, &outcome, &roll.Timestamp); err != nil {
			return nil, fmt.Errorf("scan roll: %w", err)
		}
		roll.Kind = game.RollKind(kind)
		roll.Outcome = game.RollOutcome(outcome)
		if err := json.Unmarshal([]byte(faces), &roll.Faces); err != nil {
			return nil, fmt.Errorf("unmarshal faces for %s: %w", roll.ID, err)
		}
		out = append(out, roll)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent rolls for %s: %w", sessionID, err)
	}
	return out, nil
}

// SaveProgress inserts or replaces a session's adventure progress.
func (s *Store) SaveProgress(ctx context.Context, progress game.AdventureProgress) error {
	visited, err := json.Marshal(progress.VisitedNodes)
	if err != nil {
		return fmt.Errorf("marshal visited nodes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO adventure_progress
			(session_id, adventure_id, visited_nodes, total_nodes, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		progress.SessionID, progress.AdventureID, string(visited), progress.TotalNodes, progress.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save progress for %s: %w", progress.SessionID, err)
	}
	return nil
}

// GetProgress loads a session's adventure progress.
func (s *Store) GetProgress(ctx context.Context, sessionID string) (game.AdventureProgress, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, adventure_id, visited_nodes, total_nodes, updated_at
		FROM adventure_progress WHERE session_id = ?`, sessionID)

	var progress game.AdventureProgress
	var visited string
	err := row.Scan(&progress.SessionID, &progress.AdventureID, &visited,
		&progress.TotalNodes, &progress.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return game.AdventureProgress{}, fmt.Errorf("progress %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return game.AdventureProgress{}, fmt.Errorf("get progress %s: %w", sessionID, err)
	}

	if err := json.Unmarshal([]byte(visited), &progress.VisitedNodes); err != nil {
		return game.AdventureProgress{}, fmt.Errorf("unmarshal visited for %s: %w", sessionID, err)
	}
	if progress.TotalNodes > 0 {
		progress.Percent = float64(len(progress.VisitedNodes)) / float64(progress.TotalNodes) * 100
	}
	return progress, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
