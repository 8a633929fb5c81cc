package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roost-irc/roost/internal/backlog"
	"github.com/roost-irc/roost/internal/prompts"
)

// feedSnapshotLines is how much recent channel traffic gets captured
// into a newly created backlog item.
const feedSnapshotLines = 20

func (r *Registry) registerBacklog() {
	r.Register(&Tool{
		Name:        "list_open_items",
		Description: "List the open backlog items: topics the channel wants to come back to.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleListItems,
	})

	r.Register(&Tool{
		Name:        "read_item",
		Description: "Read one backlog item in full, including the conversation snapshot captured when it was created.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The item id, as shown by list_open_items",
				},
			},
			"required": []string{"id"},
		},
		Validate: func(args map[string]any) error {
			return requireString(args, "id")
		},
		Handler: r.handleReadItem,
	})

	r.Register(&Tool{
		Name: "create_item",
		Description: "Create a backlog item for a topic to revisit later. " +
			"A snapshot of the recent channel conversation is attached automatically.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short title for the item",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Optional notes on why this matters",
				},
			},
			"required": []string{"title"},
		},
		Validate: func(args map[string]any) error {
			return requireString(args, "title")
		},
		Handler: r.handleCreateItem,
	})
}

func (r *Registry) handleListItems(ctx context.Context, inv Invocation) (string, error) {
	items, err := r.items.List()
	if err != nil {
		return "", fmt.Errorf("list backlog: %w", err)
	}

	if len(items) == 0 {
		return "The backlog is empty.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d open item(s), oldest first:\n", len(items))
	for _, item := range items {
		fmt.Fprintf(&b, "- %s: %s (%s, created %s)\n",
			item.ID, item.Title, item.Channel, item.Created.Format("2006-01-02"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Registry) handleReadItem(ctx context.Context, inv Invocation) (string, error) {
	id := stringArg(inv.Args, "id")
	item, err := r.items.Read(id)
	if err != nil {
		if errors.Is(err, backlog.ErrNotFound) {
			return "", fmt.Errorf("no backlog item %q; use list_open_items to see valid ids", id)
		}
		return "", fmt.Errorf("read backlog item: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, created %s)\n\n", item.Title, item.Channel, item.Created.Format("2006-01-02 15:04"))
	b.WriteString(item.Body)
	return strings.TrimSpace(b.String()), nil
}

func (r *Registry) handleCreateItem(ctx context.Context, inv Invocation) (string, error) {
	title := stringArg(inv.Args, "title")
	notes := stringArg(inv.Args, "notes")

	var body strings.Builder
	if notes != "" {
		body.WriteString(notes)
		body.WriteString("\n\n")
	}
	if r.feed != nil {
		if msgs, err := r.feed(inv.Channel, feedSnapshotLines); err == nil && len(msgs) > 0 {
			body.WriteString(prompts.RawFeed(inv.Channel, msgs))
		}
	}

	item, err := r.items.Create(inv.Channel, title, body.String())
	if err != nil {
		if errors.Is(err, backlog.ErrFull) {
			return "", fmt.Errorf("cannot create item: %v; close or prune existing items first", err)
		}
		return "", fmt.Errorf("create backlog item: %w", err)
	}
	return fmt.Sprintf("Created backlog item %s: %s", item.ID, item.Title), nil
}
