package logstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the SQLite-backed message log.
type SQLite struct {
	db *sql.DB

	// nowFunc is swappable for tests.
	nowFunc func() time.Time
}

// OpenSQLite opens (creating if needed) the message log database.
func OpenSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLite{db: db, nowFunc: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		channel TEXT NOT NULL,
		nick TEXT NOT NULL,
		text TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'message'
	);
	CREATE INDEX IF NOT EXISTS idx_messages_channel_time ON messages(channel, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_nick ON messages(nick);
	CREATE INDEX IF NOT EXISTS idx_messages_kind ON messages(kind);

	-- Nicks currently present per channel, maintained on join/part.
	CREATE TABLE IF NOT EXISTS channel_users (
		channel TEXT NOT NULL,
		nick TEXT NOT NULL,
		joined_at TIMESTAMP NOT NULL,
		PRIMARY KEY (channel, nick)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Log implements Store.
func (s *SQLite) Log(msg Message) error {
	if msg.ID == "" {
		id, _ := uuid.NewV7()
		msg.ID = id.String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.nowFunc()
	}
	if msg.Kind == "" {
		msg.Kind = KindMessage
	}

	_, err := s.db.Exec(`
		INSERT INTO messages (id, timestamp, channel, nick, text, kind)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Timestamp, msg.Channel, msg.Nick, msg.Text, msg.Kind)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent implements Store.
func (s *SQLite) Recent(q RecentQuery) ([]Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, timestamp, channel, nick, text, kind FROM messages WHERE kind = ?`
	args := []any{KindMessage}

	if q.Channel != "" {
		query += " AND channel = ?"
		args = append(args, q.Channel)
	}
	if q.SinceHours > 0 {
		cutoff := s.nowFunc().Add(-time.Duration(q.SinceHours) * time.Hour)
		query += " AND timestamp > ?"
		args = append(args, cutoff)
	}

	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	return s.queryMessages(query, args)
}

// Search implements Store.
func (s *SQLite) Search(q SearchQuery) ([]Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 25
	}
	mode := q.Mode
	if mode == "" {
		mode = ModeAnd
	}

	var conditions []string
	var args []any

	switch mode {
	case ModePhrase:
		conditions = append(conditions, "text LIKE ?")
		args = append(args, "%"+q.Query+"%")
	case ModeOr:
		words := splitWords(q.Query, "+")
		if len(words) == 0 {
			return nil, fmt.Errorf("empty search query")
		}
		parts := make([]string, len(words))
		for i, w := range words {
			parts[i] = "text LIKE ?"
			args = append(args, "%"+w+"%")
		}
		conditions = append(conditions, "("+strings.Join(parts, " OR ")+")")
	default: // ModeAnd
		words := strings.Fields(q.Query)
		if len(words) == 0 {
			return nil, fmt.Errorf("empty search query")
		}
		for _, w := range words {
			conditions = append(conditions, "text LIKE ?")
			args = append(args, "%"+w+"%")
		}
	}

	conditions = append(conditions, "kind = ?")
	args = append(args, KindMessage)

	if q.Channel != "" {
		conditions = append(conditions, "channel = ?")
		args = append(args, q.Channel)
	}
	if q.Nick != "" {
		conditions = append(conditions, "nick = ?")
		args = append(args, q.Nick)
	}
	if q.SinceHours > 0 {
		cutoff := s.nowFunc().Add(-time.Duration(q.SinceHours) * time.Hour)
		conditions = append(conditions, "timestamp > ?")
		args = append(args, cutoff)
	}

	query := `SELECT id, timestamp, channel, nick, text, kind FROM messages WHERE ` +
		strings.Join(conditions, " AND ") + " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	return s.queryMessages(query, args)
}

// queryMessages runs a newest-first query and returns the rows in
// chronological order.
func (s *SQLite) queryMessages(query string, args []any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.Channel, &m.Nick, &m.Text, &m.Kind); err != nil {
			continue
		}
		out = append(out, m)
	}

	// Reverse to oldest-first for presentation.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Stats implements Store.
func (s *SQLite) Stats(channel string) (ChannelStats, error) {
	stats := ChannelStats{Channel: channel, PerNickCounts: make(map[string]int)}

	var first, last sql.NullTime
	err := s.db.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT nick), MIN(timestamp), MAX(timestamp)
		FROM messages
		WHERE channel = ? AND kind = ?
	`, channel, KindMessage).Scan(&stats.MessageCount, &stats.UniqueNicks, &first, &last)
	if err != nil {
		return stats, fmt.Errorf("channel stats: %w", err)
	}
	if first.Valid {
		stats.FirstMessage = first.Time
	}
	if last.Valid {
		stats.LastMessage = last.Time
	}

	rows, err := s.db.Query(`
		SELECT nick, COUNT(*) FROM messages
		WHERE channel = ? AND kind = ?
		GROUP BY nick ORDER BY COUNT(*) DESC
	`, channel, KindMessage)
	if err != nil {
		return stats, fmt.Errorf("per-nick counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var nick string
		var count int
		if err := rows.Scan(&nick, &count); err != nil {
			continue
		}
		stats.PerNickCounts[nick] = count
	}

	return stats, nil
}

// UserJoined records a nick as present in a channel.
func (s *SQLite) UserJoined(channel, nick string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO channel_users (channel, nick, joined_at)
		VALUES (?, ?, ?)
	`, channel, nick, s.nowFunc())
	return err
}

// UserParted removes a nick from a channel.
func (s *SQLite) UserParted(channel, nick string) error {
	_, err := s.db.Exec(`DELETE FROM channel_users WHERE channel = ? AND nick = ?`, channel, nick)
	return err
}

// UserQuit removes a nick from every channel.
func (s *SQLite) UserQuit(nick string) error {
	_, err := s.db.Exec(`DELETE FROM channel_users WHERE nick = ?`, nick)
	return err
}

// ActiveUsers implements Store.
func (s *SQLite) ActiveUsers(channel string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT nick FROM channel_users WHERE channel = ? ORDER BY nick
	`, channel)
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}
	defer rows.Close()

	var nicks []string
	for rows.Next() {
		var nick string
		if err := rows.Scan(&nick); err != nil {
			continue
		}
		nicks = append(nicks, nick)
	}
	return nicks, nil
}

// splitWords splits on sep and drops empty fragments.
func splitWords(s, sep string) []string {
	var out []string
	for _, w := range strings.Split(s, sep) {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return out
}
