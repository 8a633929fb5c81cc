// Package agent orchestrates one exchange: it owns the per-channel
// sessions, assembles dual context (persisted memory plus a transient
// raw-feed injection), drives the tool-call loop against the model,
// and keeps memory consistent when anything fails along the way.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roost-irc/roost/internal/config"
	"github.com/roost-irc/roost/internal/llm"
	"github.com/roost-irc/roost/internal/logstore"
	"github.com/roost-irc/roost/internal/prompts"
	"github.com/roost-irc/roost/internal/session"
	"github.com/roost-irc/roost/internal/tools"
)

// ErrBusy is returned when a channel already has an exchange in
// flight. Callers surface it as a short "hold on" to the channel
// rather than queueing.
var ErrBusy = errors.New("an exchange is already in flight for this channel")

// Manager owns all channel sessions and serializes exchanges per
// channel while allowing different channels to proceed in parallel.
type Manager struct {
	client    llm.Client
	registry  *tools.Registry
	log       logstore.Store
	turnStore session.TurnStore
	cfg       config.SessionConfig
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*channelState

	// summarizeWG tracks background summarization goroutines so Close
	// can wait for them.
	summarizeWG sync.WaitGroup
}

// channelState pairs a session with its exchange and summarization
// guards. inFlight enforces at-most-one exchange per channel;
// summarizing makes background compaction single-flight.
//
// exchangeMu serializes exchanges with background compaction: the
// rollback snapshot in Ask is an index into the turn sequence, so a
// Compact landing mid-exchange would shift it out from under the
// exchange. Compaction therefore waits for the in-flight exchange to
// finish, and an exchange arriving during compaction queues behind it.
type channelState struct {
	sess        *session.Session
	inFlight    bool
	summarizing bool
	mu          sync.Mutex
	exchangeMu  sync.Mutex
}

// New creates a session manager. turnStore may be nil for memory-only
// operation (tests).
func New(client llm.Client, registry *tools.Registry, log logstore.Store, turnStore session.TurnStore, cfg config.SessionConfig, logger *slog.Logger) *Manager {
	return &Manager{
		client:    client,
		registry:  registry,
		log:       log,
		turnStore: turnStore,
		cfg:       cfg,
		logger:    logger.With("component", "agent"),
		sessions:  make(map[string]*channelState),
	}
}

// Ask runs one full exchange for a channel: staleness check, context
// assembly, the tool loop, and persistence. It returns the cleaned
// reply split into channel-sized chunks.
//
// Memory semantics on failure: tool turns persist as they are
// produced (so a crash mid-exchange loses nothing already done), but a
// clean API failure rolls the session back to its pre-exchange state
// before the error is returned.
func (m *Manager) Ask(ctx context.Context, channel, speaker, text string) ([]string, error) {
	st, err := m.acquire(channel)
	if err != nil {
		return nil, err
	}
	defer m.release(st)

	st.exchangeMu.Lock()
	defer st.exchangeMu.Unlock()

	sess := st.sess

	if sess.Stale(m.cfg.StaleThreshold()) {
		m.logger.Info("resetting stale session",
			"channel", channel, "idle_since", sess.LastActivity())
		sess.Reset()
	}

	// Snapshot for rollback: everything appended during this exchange
	// is discarded if the model conversation fails cleanly.
	snapshot := sess.Len()

	// Raw feed only goes in when the session has no memory of its own;
	// an established conversation already carries its context.
	injectFeed := snapshot == 0

	if err := sess.AppendUser(speaker, text); err != nil {
		return nil, err
	}

	reply, err := m.runToolLoop(ctx, channel, sess, injectFeed)
	if err != nil {
		if rbErr := sess.Truncate(snapshot); rbErr != nil {
			m.logger.Error("rollback after failed exchange",
				"channel", channel, "error", rbErr)
		}
		return nil, err
	}

	if err := sess.AppendAssistant(reply, nil); err != nil {
		return nil, err
	}

	m.maybeSummarize(channel, st)

	return prompts.Split(prompts.Clean(reply)), nil
}

// runToolLoop drives completion rounds until the model answers with
// text, executing requested tools between rounds. The iteration cap
// turns a runaway tool conversation into an exchange failure.
func (m *Manager) runToolLoop(ctx context.Context, channel string, sess *session.Session, injectFeed bool) (string, error) {
	opts := llm.Options{Tools: m.registry.Definitions()}

	for round := 0; ; round++ {
		if round >= m.cfg.ToolLoopCap {
			m.logger.Warn("tool loop cap reached", "channel", channel, "cap", m.cfg.ToolLoopCap)
			return "", fmt.Errorf("model requested tools %d rounds in a row without answering", round)
		}

		msgs := m.assemble(channel, sess, injectFeed)
		reply, err := m.client.Complete(ctx, msgs, opts)
		if err != nil {
			return "", err
		}

		if !reply.IsToolRequest() {
			return reply.Content, nil
		}

		calls := make([]session.ToolCall, 0, len(reply.ToolCalls))
		for _, tc := range reply.ToolCalls {
			calls = append(calls, session.ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			})
		}
		if err := sess.AppendAssistant(reply.Content, calls); err != nil {
			return "", err
		}

		for _, tc := range reply.ToolCalls {
			res := m.registry.Execute(ctx, tc.Function.Name, tools.Invocation{
				Channel: channel,
				Args:    tc.Function.Arguments,
			})
			m.logger.Debug("tool executed",
				"channel", channel, "tool", tc.Function.Name, "ok", res.OK)
			if err := sess.AppendTool(tc.ID, tc.Function.Name, res.Text, res.OK); err != nil {
				return "", err
			}
		}
	}
}

// assemble builds the message sequence for one completion round:
// persona, optional transient raw feed, then the memory turns. The
// raw-feed block is never written to the session.
func (m *Manager) assemble(channel string, sess *session.Session, injectFeed bool) []llm.Message {
	msgs := []llm.Message{{
		Role:    llm.RoleSystem,
		Content: prompts.Persona(channel),
	}}

	if injectFeed {
		recent, err := m.log.Recent(logstore.RecentQuery{
			Channel: channel,
			Limit:   m.cfg.RawFeedLimit,
		})
		if err != nil {
			m.logger.Warn("raw feed unavailable", "channel", channel, "error", err)
		} else if feed := prompts.RawFeed(channel, recent); feed != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: feed})
		}
	}

	for _, t := range sess.Turns() {
		msg := llm.Message{
			Role:       t.Role,
			Content:    t.Content,
			ToolCallID: t.ToolCallID,
		}
		for _, tc := range t.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID: tc.ID,
				Function: llm.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Args,
				},
			})
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// maybeSummarize kicks off background compaction when memory has grown
// past the threshold. Single-flight per channel; the exchange that
// triggered it does not wait.
func (m *Manager) maybeSummarize(channel string, st *channelState) {
	if !st.sess.NeedsSummary(m.cfg.MaxTurns) {
		return
	}

	st.mu.Lock()
	if st.summarizing {
		st.mu.Unlock()
		return
	}
	st.summarizing = true
	st.mu.Unlock()

	m.summarizeWG.Add(1)
	go func() {
		defer m.summarizeWG.Done()
		defer func() {
			st.mu.Lock()
			st.summarizing = false
			st.mu.Unlock()
		}()
		st.exchangeMu.Lock()
		defer st.exchangeMu.Unlock()
		m.summarize(context.Background(), channel, st.sess)
	}()
}

func (m *Manager) summarize(ctx context.Context, channel string, sess *session.Session) {
	// Re-check under the exchange lock: the session may have been
	// reset while this goroutine waited its turn.
	if !sess.NeedsSummary(m.cfg.MaxTurns) {
		return
	}

	turns := sess.Turns()
	keep := m.cfg.KeepTurns
	if len(turns) <= keep {
		return
	}

	var msgs []llm.Message
	for _, t := range turns[:len(turns)-keep] {
		if t.Role != llm.RoleUser && t.Role != llm.RoleAssistant {
			continue
		}
		if t.Content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	if len(msgs) == 0 {
		return
	}

	summary, err := m.client.Summarize(ctx, msgs)
	if err != nil {
		// Memory stays intact; the next exchange will retry.
		m.logger.Warn("summarization failed", "channel", channel, "error", err)
		return
	}

	replaced, err := sess.Compact(summary, keep)
	if err != nil {
		m.logger.Error("compaction persist failed", "channel", channel, "error", err)
		return
	}
	m.logger.Info("session summarized",
		"channel", channel, "replaced_turns", replaced, "kept_turns", keep)
}

// acquire returns the channel's state with the in-flight flag taken,
// creating and loading the session on first use.
func (m *Manager) acquire(channel string) (*channelState, error) {
	m.mu.Lock()
	st, ok := m.sessions[channel]
	if !ok {
		sess, err := session.New(channel, m.turnStore)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		st = &channelState{sess: sess}
		m.sessions[channel] = st
	}
	m.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inFlight {
		return nil, ErrBusy
	}
	st.inFlight = true
	return st, nil
}

func (m *Manager) release(st *channelState) {
	st.mu.Lock()
	st.inFlight = false
	st.mu.Unlock()
}

// Reset clears a channel's session on operator request.
func (m *Manager) Reset(channel string) {
	m.mu.Lock()
	st, ok := m.sessions[channel]
	m.mu.Unlock()
	if ok {
		st.exchangeMu.Lock()
		st.sess.Reset()
		st.exchangeMu.Unlock()
	}
}

// Close waits for background summarization to finish.
func (m *Manager) Close() {
	m.summarizeWG.Wait()
}

// UserMessage maps an exchange error to the short line shown in the
// channel. Operator detail stays in the logs.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrBusy):
		return "Still working on the last question, one moment."
	case errors.Is(err, context.Canceled):
		return "That request was cancelled."
	}

	if kind, ok := llm.KindOf(err); ok {
		switch kind {
		case llm.KindUnreachable:
			return "I can't reach the model service right now."
		case llm.KindOverloaded:
			return "The model service is overloaded; try again in a bit."
		case llm.KindBadRequest, llm.KindProtocol:
			return "Something went wrong talking to the model service."
		}
	}

	if strings.Contains(err.Error(), "rounds in a row") {
		return "I got stuck looking things up; try rephrasing."
	}
	return "Something went wrong; try again."
}
