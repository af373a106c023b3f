package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

// Interaction is one completed pipeline pass.
type Interaction struct {
	ID           string               `json:"id"`
	SessionID    string               `json:"session_id"`
	Transcript   string               `json:"transcript"`
	Intent       action.Intent        `json:"intent"`
	ParsedAction *action.ParsedAction `json:"parsed_action,omitempty"`
	Passed       bool                 `json:"validation_passed"`
	Feedback     []string             `json:"feedback"`
	Diff         *world.WorldDiff     `json:"world_diff,omitempty"`
	NPCDialogue  string               `json:"npc_dialogue,omitempty"`
	Turn         int                  `json:"turn"`
	CreatedAt    time.Time            `json:"created_at"`
}

// HistoryStore records interactions in SQLite.
type HistoryStore struct {
	db *sql.DB

	entropyMu sync.Mutex
	entropy   *rand.Rand
}

// NewHistoryStore opens or creates the database at dbPath.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &HistoryStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *HistoryStore) newID(t time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

func (s *HistoryStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS interactions (
		id            TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL,
		transcript    TEXT NOT NULL,
		intent        TEXT NOT NULL,
		parsed_action TEXT,
		passed        INTEGER NOT NULL,
		feedback      TEXT,
		diff          TEXT,
		npc_dialogue  TEXT,
		turn          INTEGER NOT NULL,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores in and fills in its ID and CreatedAt when empty.
func (s *HistoryStore) Record(ctx context.Context, in *Interaction) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	if in.ID == "" {
		in.ID = s.newID(in.CreatedAt)
	}

	parsed, err := nullableJSON(in.ParsedAction)
	if err != nil {
		return fmt.Errorf("marshal parsed action: %w", err)
	}
	diff, err := nullableJSON(in.Diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	feedback, _ := json.Marshal(in.Feedback)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, session_id, transcript, intent, parsed_action, passed, feedback, diff, npc_dialogue, turn, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.SessionID, in.Transcript, string(in.Intent), parsed, in.Passed,
		string(feedback), diff, in.NPCDialogue, in.Turn, in.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

// List returns up to limit interactions for a session, newest first.
func (s *HistoryStore) List(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, transcript, intent, parsed_action, passed, feedback, diff, npc_dialogue, turn, created_at
		 FROM interactions WHERE session_id = ? ORDER BY rowid DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	out := []Interaction{}
	for rows.Next() {
		var (
			in                     Interaction
			intent, createdAt      string
			parsed, feedback, diff sql.NullString
			dialogue               sql.NullString
		)
		if err := rows.Scan(&in.ID, &in.SessionID, &in.Transcript, &intent, &parsed, &in.Passed,
			&feedback, &diff, &dialogue, &in.Turn, &createdAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		in.Intent = action.Intent(intent)
		in.NPCDialogue = dialogue.String
		in.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if parsed.Valid && parsed.String != "" {
			in.ParsedAction = &action.ParsedAction{}
			if err := json.Unmarshal([]byte(parsed.String), in.ParsedAction); err != nil {
				return nil, fmt.Errorf("decode parsed action %s: %w", in.ID, err)
			}
		}
		if diff.Valid && diff.String != "" {
			in.Diff = &world.WorldDiff{}
			if err := json.Unmarshal([]byte(diff.String), in.Diff); err != nil {
				return nil, fmt.Errorf("decode diff %s: %w", in.ID, err)
			}
		}
		if feedback.Valid && feedback.String != "" {
			_ = json.Unmarshal([]byte(feedback.String), &in.Feedback)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// DeleteSession removes every interaction of a session.
func (s *HistoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete interactions: %w", err)
	}
	return nil
}

func (s *HistoryStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *HistoryStore) Close() error {
	return s.db.Close()
}

func nullableJSON(v any) (*string, error) {
	switch x := v.(type) {
	case *action.ParsedAction:
		if x == nil {
			return nil, nil
		}
	case *world.WorldDiff:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	str := string(b)
	return &str, nil
}
