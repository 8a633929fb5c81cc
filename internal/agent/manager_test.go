package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roost-irc/roost/internal/backlog"
	"github.com/roost-irc/roost/internal/config"
	"github.com/roost-irc/roost/internal/llm"
	"github.com/roost-irc/roost/internal/logstore"
	"github.com/roost-irc/roost/internal/tools"
)

// scriptedClient returns canned replies in order and records every
// request it sees.
type scriptedClient struct {
	mu        sync.Mutex
	replies   []any // *llm.Reply or error
	requests  [][]llm.Message
	release   chan struct{} // when set, Complete blocks until closed
	started   chan struct{} // when set, closed on first Complete entry
	startOnce sync.Once

	summarizeStarted chan struct{} // when set, closed on first Summarize entry
	summarizeGate    chan struct{} // when set, Summarize blocks until closed
	sumStartOnce     sync.Once
}

func (c *scriptedClient) Complete(ctx context.Context, msgs []llm.Message, opts llm.Options) (*llm.Reply, error) {
	if c.started != nil {
		c.startOnce.Do(func() { close(c.started) })
	}
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, msgs)
	if len(c.replies) == 0 {
		return &llm.Reply{Content: "default reply"}, nil
	}
	next := c.replies[0]
	c.replies = c.replies[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*llm.Reply), nil
}

func (c *scriptedClient) Summarize(ctx context.Context, msgs []llm.Message) (string, error) {
	if c.summarizeStarted != nil {
		c.sumStartOnce.Do(func() { close(c.summarizeStarted) })
	}
	if c.summarizeGate != nil {
		<-c.summarizeGate
	}
	return "the digest", nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func (c *scriptedClient) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptedClient) request(i int) []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

// memLog is a minimal logstore.Store with canned recent messages.
type memLog struct {
	recent []logstore.Message
}

func (f *memLog) Log(msg logstore.Message) error                            { return nil }
func (f *memLog) Recent(q logstore.RecentQuery) ([]logstore.Message, error) { return f.recent, nil }
func (f *memLog) Search(q logstore.SearchQuery) ([]logstore.Message, error) {
	return []logstore.Message{{Nick: "bob", Text: "deploy done", Timestamp: time.Now()}}, nil
}
func (f *memLog) Stats(channel string) (logstore.ChannelStats, error) {
	return logstore.ChannelStats{Channel: channel}, nil
}
func (f *memLog) ActiveUsers(channel string) ([]string, error) { return nil, nil }

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		StaleAfterMin: 120,
		MaxTurns:      40,
		KeepTurns:     16,
		RawFeedLimit:  25,
		ToolLoopCap:   5,
	}
}

func newTestManager(t *testing.T, client llm.Client, log logstore.Store) *Manager {
	t.Helper()
	if log == nil {
		log = &memLog{}
	}
	items, err := backlog.NewStore(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("backlog.NewStore: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	feed := func(channel string, limit int) ([]logstore.Message, error) {
		return log.Recent(logstore.RecentQuery{Channel: channel, Limit: limit})
	}
	registry := tools.NewRegistry(log, items, nil, feed, logger)
	return New(client, registry, log, nil, testSessionConfig(), logger)
}

func TestFreshSessionAssembly(t *testing.T) {
	client := &scriptedClient{replies: []any{&llm.Reply{Content: "hi alice"}}}
	log := &memLog{recent: []logstore.Message{{
		Timestamp: time.Now(), Nick: "bob", Text: "earlier chatter",
		Kind: logstore.KindMessage,
	}}}
	mgr := newTestManager(t, client, log)

	chunks, err := mgr.Ask(context.Background(), "#ops", "alice", "anyone here?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "hi alice" {
		t.Errorf("chunks = %#v", chunks)
	}

	msgs := client.request(0)
	// persona, raw feed, user turn
	if len(msgs) != 3 {
		t.Fatalf("assembled %d messages, want 3: %#v", len(msgs), msgs)
	}
	if msgs[0].Role != llm.RoleSystem {
		t.Errorf("msgs[0].Role = %q, want system persona", msgs[0].Role)
	}
	if !strings.Contains(msgs[1].Content, "earlier chatter") {
		t.Errorf("raw feed not injected: %q", msgs[1].Content)
	}
	if msgs[2].Content != "alice: anyone here?" {
		t.Errorf("user turn = %q", msgs[2].Content)
	}
}

func TestEstablishedSessionSkipsRawFeed(t *testing.T) {
	client := &scriptedClient{replies: []any{
		&llm.Reply{Content: "first"},
		&llm.Reply{Content: "second"},
	}}
	log := &memLog{recent: []logstore.Message{{
		Timestamp: time.Now(), Nick: "bob", Text: "raw feed line",
		Kind: logstore.KindMessage,
	}}}
	mgr := newTestManager(t, client, log)
	ctx := context.Background()

	if _, err := mgr.Ask(ctx, "#ops", "alice", "one"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if _, err := mgr.Ask(ctx, "#ops", "alice", "two"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	msgs := client.request(1)
	for _, m := range msgs {
		if strings.Contains(m.Content, "raw feed line") {
			t.Error("raw feed injected into established session")
		}
	}
	// persona + 3 memory turns (user, assistant, user)
	if len(msgs) != 4 {
		t.Errorf("assembled %d messages, want 4: %#v", len(msgs), msgs)
	}
}

func TestToolLoopOrdering(t *testing.T) {
	client := &scriptedClient{replies: []any{
		&llm.Reply{ToolCalls: []llm.ToolCall{{
			ID: "c1",
			Function: llm.FunctionCall{
				Name:      "search_history",
				Arguments: map[string]any{"query": "deploy"},
			},
		}}},
		&llm.Reply{Content: "bob finished the deploy."},
	}}
	mgr := newTestManager(t, client, nil)

	chunks, err := mgr.Ask(context.Background(), "#ops", "alice", "deploy status?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if chunks[0] != "bob finished the deploy." {
		t.Errorf("reply = %q", chunks[0])
	}
	if client.requestCount() != 2 {
		t.Fatalf("completion rounds = %d, want 2", client.requestCount())
	}

	// Second round must carry the full exchange: user, assistant with
	// tool calls, tool result.
	msgs := client.request(1)
	roles := make([]string, 0, len(msgs))
	for _, m := range msgs {
		roles = append(roles, m.Role)
	}
	want := []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}

	asst := msgs[2]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "c1" {
		t.Errorf("assistant tool calls = %#v", asst.ToolCalls)
	}
	toolMsg := msgs[3]
	if toolMsg.ToolCallID != "c1" {
		t.Errorf("tool turn call id = %q, want c1", toolMsg.ToolCallID)
	}
	if !strings.Contains(toolMsg.Content, "deploy done") {
		t.Errorf("tool result = %q", toolMsg.Content)
	}
}

func TestToolFailureFedBackInBand(t *testing.T) {
	client := &scriptedClient{replies: []any{
		&llm.Reply{ToolCalls: []llm.ToolCall{{
			ID:       "c1",
			Function: llm.FunctionCall{Name: "read_item", Arguments: map[string]any{"id": "ghost"}},
		}}},
		&llm.Reply{Content: "that item does not exist."},
	}}
	mgr := newTestManager(t, client, nil)

	if _, err := mgr.Ask(context.Background(), "#ops", "alice", "read ghost"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	toolMsg := client.request(1)[3]
	if !strings.HasPrefix(toolMsg.Content, "Error:") {
		t.Errorf("tool failure not fed back in-band: %q", toolMsg.Content)
	}
}

func TestAPIFailureRollsBack(t *testing.T) {
	client := &scriptedClient{replies: []any{
		&llm.Error{Kind: llm.KindUnreachable, Msg: "cannot connect"},
		&llm.Reply{Content: "working again"},
	}}
	mgr := newTestManager(t, client, nil)
	ctx := context.Background()

	_, err := mgr.Ask(ctx, "#ops", "alice", "first question")
	if err == nil {
		t.Fatal("expected error from unreachable service")
	}
	if kind, ok := llm.KindOf(err); !ok || kind != llm.KindUnreachable {
		t.Errorf("kind = %v, want unreachable", kind)
	}

	// The failed exchange must leave no trace: the retry sees a fresh
	// session (persona + raw feed attempt + the new user turn only).
	if _, err := mgr.Ask(ctx, "#ops", "alice", "second question"); err != nil {
		t.Fatalf("Ask after failure: %v", err)
	}
	msgs := client.request(1)
	for _, m := range msgs {
		if strings.Contains(m.Content, "first question") {
			t.Error("failed exchange leaked into memory")
		}
	}
}

func TestMidToolLoopFailureRollsBack(t *testing.T) {
	client := &scriptedClient{replies: []any{
		&llm.Reply{ToolCalls: []llm.ToolCall{{
			ID:       "c1",
			Function: llm.FunctionCall{Name: "search_history", Arguments: map[string]any{"query": "x"}},
		}}},
		&llm.Error{Kind: llm.KindOverloaded, Msg: "gave up"},
		&llm.Reply{Content: "fine now"},
	}}
	mgr := newTestManager(t, client, nil)
	ctx := context.Background()

	if _, err := mgr.Ask(ctx, "#ops", "alice", "first"); err == nil {
		t.Fatal("expected overload error")
	}

	// Tool turns from the failed exchange are rolled back too.
	if _, err := mgr.Ask(ctx, "#ops", "alice", "second"); err != nil {
		t.Fatalf("Ask after failure: %v", err)
	}
	for _, m := range client.request(2) {
		if m.Role == llm.RoleTool || strings.Contains(m.Content, "first") {
			t.Errorf("stale turn survived rollback: %#v", m)
		}
	}
}

func TestToolLoopCap(t *testing.T) {
	// The model keeps requesting tools forever.
	var replies []any
	for i := 0; i < 10; i++ {
		replies = append(replies, &llm.Reply{ToolCalls: []llm.ToolCall{{
			ID:       "c1",
			Function: llm.FunctionCall{Name: "channel_stats", Arguments: map[string]any{}},
		}}})
	}
	client := &scriptedClient{replies: replies}
	mgr := newTestManager(t, client, nil)

	_, err := mgr.Ask(context.Background(), "#ops", "alice", "stats?")
	if err == nil {
		t.Fatal("expected loop cap error")
	}
	if client.requestCount() != 5 {
		t.Errorf("completion rounds = %d, want 5 (the cap)", client.requestCount())
	}
}

func TestBusyChannelRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	client := &scriptedClient{
		replies: []any{&llm.Reply{Content: "slow answer"}},
		release: release,
		started: started,
	}
	mgr := newTestManager(t, client, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := mgr.Ask(ctx, "#ops", "alice", "slow one"); err != nil {
			t.Errorf("first Ask: %v", err)
		}
	}()

	// Once the first exchange reaches the model call it holds the
	// channel's in-flight slot.
	<-started
	if _, err := mgr.Ask(ctx, "#ops", "bob", "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Ask error = %v, want ErrBusy", err)
	}

	// A different channel proceeds while #ops is busy.
	other := &scriptedClient{replies: []any{&llm.Reply{Content: "parallel"}}}
	otherMgr := newTestManager(t, other, nil)
	if _, err := otherMgr.Ask(ctx, "#dev", "carol", "hi"); err != nil {
		t.Errorf("other channel blocked: %v", err)
	}

	close(release)
	wg.Wait()

	// After the slow exchange drains, the channel accepts work again.
	if _, err := mgr.Ask(ctx, "#ops", "bob", "third"); err != nil {
		t.Errorf("Ask after release: %v", err)
	}
}

func TestSummarizationCompactsMemory(t *testing.T) {
	client := &scriptedClient{}
	log := &memLog{}
	items, err := backlog.NewStore(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("backlog.NewStore: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := tools.NewRegistry(log, items, nil, nil, logger)

	cfg := testSessionConfig()
	cfg.MaxTurns = 4
	cfg.KeepTurns = 2
	mgr := New(client, registry, log, nil, cfg, logger)
	ctx := context.Background()

	// Each exchange adds a user and an assistant turn. The third one
	// pushes memory past the threshold and triggers compaction.
	for _, q := range []string{"one", "two", "three"} {
		if _, err := mgr.Ask(ctx, "#ops", "alice", q); err != nil {
			t.Fatalf("Ask(%q): %v", q, err)
		}
	}
	mgr.Close()

	if _, err := mgr.Ask(ctx, "#ops", "alice", "four"); err != nil {
		t.Fatalf("Ask after compaction: %v", err)
	}
	msgs := client.request(3)
	// persona + summary turn + 2 kept turns + new user turn
	if len(msgs) != 5 {
		t.Fatalf("assembled %d messages after compaction, want 5: %#v", len(msgs), msgs)
	}
	if msgs[1].Role != llm.RoleSystem ||
		!strings.Contains(msgs[1].Content, "Earlier conversation, summarized: the digest") {
		t.Errorf("summary turn = %#v", msgs[1])
	}
}

func TestCompactionDoesNotDisturbRollback(t *testing.T) {
	summarizeStarted := make(chan struct{})
	summarizeGate := make(chan struct{})
	client := &scriptedClient{
		replies: []any{
			&llm.Reply{Content: "a1"},
			&llm.Reply{Content: "a2"},
			&llm.Reply{Content: "a3"},
			&llm.Error{Kind: llm.KindUnreachable, Msg: "cannot connect"},
			&llm.Reply{Content: "recovered"},
		},
		summarizeStarted: summarizeStarted,
		summarizeGate:    summarizeGate,
	}
	log := &memLog{}
	items, err := backlog.NewStore(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("backlog.NewStore: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := tools.NewRegistry(log, items, nil, nil, logger)

	cfg := testSessionConfig()
	cfg.MaxTurns = 4
	cfg.KeepTurns = 2
	mgr := New(client, registry, log, nil, cfg, logger)
	ctx := context.Background()

	for _, q := range []string{"one", "two", "three"} {
		if _, err := mgr.Ask(ctx, "#ops", "alice", q); err != nil {
			t.Fatalf("Ask(%q): %v", q, err)
		}
	}

	// Compaction is now underway, holding the session mid-rewrite.
	<-summarizeStarted

	// An exchange arriving while compaction runs must wait for it, so
	// its rollback snapshot reflects the compacted memory. This one is
	// doomed: the model service is unreachable.
	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.Ask(ctx, "#ops", "alice", "doomed question")
		errCh <- err
	}()
	close(summarizeGate)

	if err := <-errCh; err == nil {
		t.Fatal("expected error from unreachable service")
	}
	mgr.Close()

	// Memory must be exactly the compacted state: digest turn plus the
	// kept turns, with no trace of the failed exchange.
	if _, err := mgr.Ask(ctx, "#ops", "alice", "still there?"); err != nil {
		t.Fatalf("Ask after rollback: %v", err)
	}
	msgs := client.request(4)
	for _, m := range msgs {
		if strings.Contains(m.Content, "doomed question") {
			t.Errorf("failed exchange leaked into memory: %q", m.Content)
		}
	}
	// persona + digest + 2 kept turns + new user turn
	if len(msgs) != 5 {
		t.Fatalf("assembled %d messages, want 5: %#v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[1].Content, "Earlier conversation, summarized: the digest") {
		t.Errorf("summary turn = %#v", msgs[1])
	}
}

func TestResetClearsChannel(t *testing.T) {
	client := &scriptedClient{}
	mgr := newTestManager(t, client, nil)
	ctx := context.Background()

	if _, err := mgr.Ask(ctx, "#ops", "alice", "remember the deploy"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	mgr.Reset("#ops")
	if _, err := mgr.Ask(ctx, "#ops", "alice", "what did I say?"); err != nil {
		t.Fatalf("Ask after reset: %v", err)
	}
	for _, m := range client.request(1) {
		if strings.Contains(m.Content, "remember the deploy") {
			t.Error("reset did not clear memory")
		}
	}
}

func TestUserMessageMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"busy", ErrBusy, "one moment"},
		{"unreachable", &llm.Error{Kind: llm.KindUnreachable}, "can't reach"},
		{"overloaded", &llm.Error{Kind: llm.KindOverloaded}, "overloaded"},
		{"bad request", &llm.Error{Kind: llm.KindBadRequest}, "went wrong"},
		{"protocol", &llm.Error{Kind: llm.KindProtocol}, "went wrong"},
		{"loop cap", errors.New("model requested tools 5 rounds in a row without answering"), "rephrasing"},
		{"unknown", errors.New("mystery"), "try again"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UserMessage(tt.err)
			if !strings.Contains(got, tt.want) {
				t.Errorf("UserMessage(%v) = %q, want substring %q", tt.err, got, tt.want)
			}
		})
	}
}
