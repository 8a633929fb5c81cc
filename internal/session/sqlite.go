package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists session turns to a local SQLite database. Turn
// order within a channel is a monotonically increasing sequence number
// assigned at append time, so a reload yields the exact sequence that
// was written.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the turn database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open turn db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_turns (
			id         TEXT PRIMARY KEY,
			channel    TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			tool_calls   TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name    TEXT NOT NULL DEFAULT '',
			tool_ok    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_channel_seq
			ON session_turns(channel, seq);
	`)
	if err != nil {
		return fmt.Errorf("migrate turn db: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Append stores one turn at the end of the channel's sequence.
func (s *SQLiteStore) Append(channel string, t Turn) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_turns WHERE channel = ?`,
		channel,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}

	if err := insertTurn(tx, channel, next, t); err != nil {
		return err
	}
	return tx.Commit()
}

// Load returns the channel's turns in append order.
func (s *SQLiteStore) Load(channel string) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT role, content, tool_calls, tool_call_id, tool_name, tool_ok, created_at
		FROM session_turns
		WHERE channel = ?
		ORDER BY seq ASC
	`, channel)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var calls sql.NullString
		var created string
		if err := rows.Scan(&t.Role, &t.Content, &calls, &t.ToolCallID, &t.ToolName, &t.ToolOK, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &t.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			t.Timestamp = ts
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Clear deletes all persisted turns for the channel.
func (s *SQLiteStore) Clear(channel string) error {
	_, err := s.db.Exec(`DELETE FROM session_turns WHERE channel = ?`, channel)
	if err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	return nil
}

// Rewrite atomically replaces the channel's turns with the given
// sequence. Either the full replacement lands or nothing changes.
func (s *SQLiteStore) Rewrite(channel string, turns []Turn) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("rewrite turns: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_turns WHERE channel = ?`, channel); err != nil {
		return fmt.Errorf("rewrite turns: %w", err)
	}
	for i, t := range turns {
		if err := insertTurn(tx, channel, int64(i+1), t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertTurn(tx *sql.Tx, channel string, seq int64, t Turn) error {
	var calls any
	if len(t.ToolCalls) > 0 {
		raw, err := json.Marshal(t.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		calls = string(raw)
	}

	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("turn id: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO session_turns (id, channel, seq, role, content, tool_calls, tool_call_id, tool_name, tool_ok, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), channel, seq, t.Role, t.Content, calls, t.ToolCallID, t.ToolName, boolInt(t.ToolOK), ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
