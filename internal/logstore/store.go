// Package logstore provides the keyed, time-ordered channel message log
// that sessions and tools query for raw-feed context, history search,
// and channel statistics.
package logstore

import (
	"strings"
	"time"
)

// Message is one logged channel message.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
	Nick      string    `json:"nick"`
	Text      string    `json:"text"`
	// Kind distinguishes conversation messages from join/part noise.
	// Queries default to "message" so presence events stay out of
	// conversation windows.
	Kind string `json:"kind"`
}

// Message kinds.
const (
	KindMessage = "message"
	KindJoin    = "join"
	KindPart    = "part"
)

// RecentQuery selects a recent window of messages, oldest first.
type RecentQuery struct {
	Channel string
	Limit   int
	// SinceHours restricts to the last N hours when > 0.
	SinceHours int
}

// SearchMode selects how multi-word queries match.
type SearchMode string

const (
	// ModeAnd requires every word to be present (default).
	ModeAnd SearchMode = "and"
	// ModeOr matches any word; words are separated by '+' in the query.
	ModeOr SearchMode = "or"
	// ModePhrase matches the exact substring.
	ModePhrase SearchMode = "phrase"
)

// SearchQuery is a keyword search over the message log.
type SearchQuery struct {
	Query      string
	Mode       SearchMode
	Channel    string
	Nick       string
	SinceHours int
	Limit      int
}

// ChannelStats aggregates per-channel counts.
type ChannelStats struct {
	Channel       string         `json:"channel"`
	MessageCount  int            `json:"message_count"`
	UniqueNicks   int            `json:"unique_nicks"`
	PerNickCounts map[string]int `json:"per_nick_counts"`
	FirstMessage  time.Time      `json:"first_message"`
	LastMessage   time.Time      `json:"last_message"`
}

// Store is the message-log contract consumed by the session manager and
// the tool executor. The SQLite implementation lives in this package;
// tests may substitute fakes.
type Store interface {
	// Log appends one message to the log.
	Log(msg Message) error

	// Recent returns the most recent matching messages in
	// chronological (oldest-first) order.
	Recent(q RecentQuery) ([]Message, error)

	// Search returns messages matching a keyword query, oldest first.
	Search(q SearchQuery) ([]Message, error)

	// Stats returns aggregate counts for a channel.
	Stats(channel string) (ChannelStats, error)

	// ActiveUsers returns the nicks currently present in a channel.
	ActiveUsers(channel string) ([]string, error)
}

// ParseQueryMode inspects a raw query for mode markers: surrounding
// quotes select phrase match, '+' separators select OR. It returns the
// cleaned query and the mode.
func ParseQueryMode(raw string) (string, SearchMode) {
	q := strings.TrimSpace(raw)
	if len(q) >= 2 && strings.HasPrefix(q, `"`) && strings.HasSuffix(q, `"`) {
		return q[1 : len(q)-1], ModePhrase
	}
	if strings.Contains(q, "+") {
		return q, ModeOr
	}
	return q, ModeAnd
}
