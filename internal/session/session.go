// Package session holds per-channel conversation memory: the ordered
// turn sequence shown to the model, the staleness clock, and the
// summarization watermark. A Session never contains raw-feed turns;
// those are injected transiently at request-assembly time by the
// session manager and are never persisted.
package session

import (
	"fmt"
	"sync"
	"time"
)

// Turn is one role-tagged unit of conversation. Turns are immutable
// once appended; their order is the literal sequence shown to the model.
type Turn struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`

	// ToolCalls are the invocations an assistant turn requested.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID, ToolName, and ToolOK are set on tool turns: the
	// invocation being answered, the originating tool, and whether it
	// succeeded. Content carries the result text.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolOK     bool   `json:"tool_ok,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ToolCall records one requested tool invocation on an assistant turn.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Turn roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// TurnStore is the durable-storage contract the session imposes: the
// full turn sequence, including tool-call arguments and results, must
// reload verbatim after a restart.
type TurnStore interface {
	Append(channel string, t Turn) error
	Load(channel string) ([]Turn, error)
	Clear(channel string) error
	// Rewrite atomically replaces a channel's persisted turns. Used by
	// summarization compaction and exchange rollback.
	Rewrite(channel string, turns []Turn) error
}

// Session is the conversation state for one channel. It is logically
// single-writer: the manager guarantees at most one in-flight exchange
// per channel, so the internal lock only guards against concurrent
// readers (listings, background summarization checks).
type Session struct {
	channel string
	store   TurnStore // nil means memory-only

	mu           sync.RWMutex
	turns        []Turn
	lastActivity time.Time
	// summarizedAt is the turn count at which the last summarization
	// ran; NeedsSummary stays false until memory grows past it again.
	summarizedAt int

	nowFunc func() time.Time
}

// New creates a session, loading any persisted turns for the channel.
func New(channel string, store TurnStore) (*Session, error) {
	s := &Session{
		channel: channel,
		store:   store,
		nowFunc: time.Now,
	}

	if store != nil {
		turns, err := store.Load(channel)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", channel, err)
		}
		s.turns = turns
		if n := len(turns); n > 0 {
			s.lastActivity = turns[n-1].Timestamp
		}
	}

	return s, nil
}

// Channel returns the channel this session belongs to.
func (s *Session) Channel() string { return s.channel }

// Stale reports whether the session has been inactive longer than
// threshold. All staleness comparisons live here so call sites cannot
// drift. A session with no activity yet is never stale.
func (s *Session) Stale(threshold time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastActivity.IsZero() {
		return false
	}
	return s.nowFunc().Sub(s.lastActivity) > threshold
}

// Reset clears memory turns and the summarization watermark, and bumps
// the activity clock. The durable store is cleared as well; a store
// failure is deliberately swallowed: reset is a side-effect-only
// operation and the in-memory state is authoritative afterwards.
func (s *Session) Reset() {
	s.mu.Lock()
	s.turns = nil
	s.summarizedAt = 0
	s.lastActivity = s.nowFunc()
	store := s.store
	s.mu.Unlock()

	if store != nil {
		_ = store.Clear(s.channel)
	}
}

// AppendUser appends a user turn labeled with the speaker's nick and
// updates the activity clock.
func (s *Session) AppendUser(speaker, text string) error {
	return s.append(Turn{
		Role:    RoleUser,
		Content: fmt.Sprintf("%s: %s", speaker, text),
	}, true)
}

// AppendAssistant appends an assistant turn, optionally carrying the
// tool invocations the model requested, and updates the activity clock.
func (s *Session) AppendAssistant(text string, toolCalls []ToolCall) error {
	return s.append(Turn{
		Role:      RoleAssistant,
		Content:   text,
		ToolCalls: toolCalls,
	}, true)
}

// AppendTool appends a tool-result turn. The activity clock is not
// touched: a long tool exchange must not look like fresh conversation
// to the staleness check.
func (s *Session) AppendTool(callID, name, result string, ok bool) error {
	return s.append(Turn{
		Role:       RoleTool,
		Content:    result,
		ToolCallID: callID,
		ToolName:   name,
		ToolOK:     ok,
	}, false)
}

func (s *Session) append(t Turn, activity bool) error {
	s.mu.Lock()
	t.Timestamp = s.nowFunc()
	s.turns = append(s.turns, t)
	if activity {
		s.lastActivity = t.Timestamp
	}
	store := s.store
	s.mu.Unlock()

	if store != nil {
		if err := store.Append(s.channel, t); err != nil {
			return fmt.Errorf("persist turn: %w", err)
		}
	}
	return nil
}

// Turns returns a copy of the memory turns.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of memory turns. The manager snapshots this
// before an exchange so a failed exchange can be rolled back.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Truncate discards turns appended after the first n, restoring the
// session (and the durable store) to a pre-exchange snapshot.
func (s *Session) Truncate(n int) error {
	s.mu.Lock()
	if n < 0 {
		n = 0
	}
	if n < len(s.turns) {
		s.turns = s.turns[:n]
	}
	kept := make([]Turn, len(s.turns))
	copy(kept, s.turns)
	store := s.store
	s.mu.Unlock()

	if store != nil {
		if err := store.Rewrite(s.channel, kept); err != nil {
			return fmt.Errorf("rollback turns: %w", err)
		}
	}
	return nil
}

// NeedsSummary reports whether memory has grown past maxTurns since the
// last summarization. Repeated calls without intervening appends return
// the same answer, and the watermark keeps a just-compacted session
// from immediately re-triggering.
func (s *Session) NeedsSummary(maxTurns int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns) > maxTurns && len(s.turns) > s.summarizedAt
}

// Compact replaces all but the newest keepRecent turns with a single
// synthetic system turn carrying the digest, records the watermark, and
// rewrites the durable store. Returns the number of turns replaced.
func (s *Session) Compact(summary string, keepRecent int) (int, error) {
	s.mu.Lock()

	if len(s.turns) <= keepRecent {
		s.summarizedAt = len(s.turns)
		s.mu.Unlock()
		return 0, nil
	}

	cut := len(s.turns) - keepRecent
	compacted := make([]Turn, 0, keepRecent+1)
	compacted = append(compacted, Turn{
		Role:      RoleSystem,
		Content:   "Earlier conversation, summarized: " + summary,
		Timestamp: s.nowFunc(),
	})
	compacted = append(compacted, s.turns[cut:]...)

	s.turns = compacted
	s.summarizedAt = len(compacted)
	kept := make([]Turn, len(compacted))
	copy(kept, compacted)
	store := s.store
	s.mu.Unlock()

	if store != nil {
		if err := store.Rewrite(s.channel, kept); err != nil {
			return cut, fmt.Errorf("persist compaction: %w", err)
		}
	}
	return cut, nil
}

// LastActivity returns the activity clock (for listings and tests).
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}
