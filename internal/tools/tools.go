// Package tools defines the tools the assistant can call during an
// exchange: channel history lookups, channel statistics, the backlog
// of open items, and optional web search.
//
// Tool failures are conversational, not exceptional: Execute returns a
// Result whose text describes what went wrong, and the caller feeds
// that back to the model like any other tool output. Only the result
// shape, never an error, crosses the package boundary.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roost-irc/roost/internal/backlog"
	"github.com/roost-irc/roost/internal/logstore"
	"github.com/roost-irc/roost/internal/search"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any

	// Validate checks arguments before the handler runs. Nil means no
	// validation beyond what the handler does itself.
	Validate func(args map[string]any) error

	Handler func(ctx context.Context, inv Invocation) (string, error)
}

// Invocation carries one tool call: the requesting channel plus the
// decoded arguments.
type Invocation struct {
	Channel string
	Args    map[string]any
}

// Result is the outcome of a tool execution. OK false means the text
// describes a failure; it is still fed back to the model in-band.
type Result struct {
	OK   bool
	Text string
}

// FeedFunc returns the recent raw-feed lines for a channel, used to
// snapshot context into newly created backlog items.
type FeedFunc func(channel string, limit int) ([]logstore.Message, error)

// Registry holds the available tools.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	store  logstore.Store
	items  *backlog.Store
	search *search.Manager
	feed   FeedFunc
	logger *slog.Logger
}

// NewRegistry creates a registry wired to the channel log, the backlog
// store, and (optionally) a search manager. searchMgr may be nil or
// unconfigured; the web search tool then reports itself disabled.
func NewRegistry(store logstore.Store, items *backlog.Store, searchMgr *search.Manager, feed FeedFunc, logger *slog.Logger) *Registry {
	r := &Registry{
		tools:  make(map[string]*Tool),
		store:  store,
		items:  items,
		search: searchMgr,
		feed:   feed,
		logger: logger.With("component", "tools"),
	}
	r.registerHistory()
	r.registerBacklog()
	r.registerWebSearch()
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Definitions returns all tool definitions in the function-calling
// format the completion API expects, in registration order.
func (r *Registry) Definitions() []map[string]any {
	defs := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return defs
}

// Execute runs a named tool. Unknown tools, validation failures, and
// handler errors all come back as a failed Result; the error text is
// written for the model, not for an operator.
func (r *Registry) Execute(ctx context.Context, name string, inv Invocation) Result {
	t := r.tools[name]
	if t == nil {
		r.logger.Warn("unknown tool requested", "tool", name, "channel", inv.Channel)
		return Result{Text: fmt.Sprintf("Error: unknown tool %q", name)}
	}

	if t.Validate != nil {
		if err := t.Validate(inv.Args); err != nil {
			r.logger.Debug("tool arguments rejected", "tool", name, "error", err)
			return Result{Text: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}

	text, err := t.Handler(ctx, inv)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "channel", inv.Channel, "error", err)
		return Result{Text: fmt.Sprintf("Error: %v", err)}
	}
	return Result{OK: true, Text: text}
}

// argument helpers

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// clampInt returns the argument bounded to [1, max], or def when absent.
func clampInt(args map[string]any, key string, def, max int) int {
	n := intArg(args, key, def)
	if n < 1 {
		n = def
	}
	if n > max {
		n = max
	}
	return n
}

func requireString(args map[string]any, key string) error {
	if stringArg(args, key) == "" {
		return fmt.Errorf("%s is required", key)
	}
	return nil
}
