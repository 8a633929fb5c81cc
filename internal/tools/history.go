package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roost-irc/roost/internal/logstore"
)

func (r *Registry) registerHistory() {
	r.Register(&Tool{
		Name: "search_history",
		Description: "Search the channel's message history. Plain words match " +
			"messages containing all of them; words joined with '+' match any " +
			"of them; a quoted query matches the exact phrase.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search terms (e.g. deploy friday, 'alice+bob', \"exact phrase\")",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum matches to return (default 10, max 25)",
				},
				"since_hours": map[string]any{
					"type":        "integer",
					"description": "Only search messages from the last N hours (max 720)",
				},
			},
			"required": []string{"query"},
		},
		Validate: func(args map[string]any) error {
			return requireString(args, "query")
		},
		Handler: r.handleSearchHistory,
	})

	r.Register(&Tool{
		Name:        "recent_messages",
		Description: "Fetch the most recent messages from the channel, oldest first.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum messages to return (default 20, max 50)",
				},
				"hours": map[string]any{
					"type":        "integer",
					"description": "Only messages from the last N hours",
				},
			},
		},
		Handler: r.handleRecentMessages,
	})

	r.Register(&Tool{
		Name:        "channel_stats",
		Description: "Get activity statistics for the channel: message counts, most active nicks, and the span of logged history.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleChannelStats,
	})

	r.Register(&Tool{
		Name:        "active_users",
		Description: "List the nicks currently present in the channel.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleActiveUsers,
	})
}

func (r *Registry) handleSearchHistory(ctx context.Context, inv Invocation) (string, error) {
	raw := stringArg(inv.Args, "query")
	query, mode := logstore.ParseQueryMode(raw)

	msgs, err := r.store.Search(logstore.SearchQuery{
		Query:      query,
		Mode:       mode,
		Channel:    inv.Channel,
		SinceHours: clampInt(inv.Args, "since_hours", 0, 720),
		Limit:      clampInt(inv.Args, "limit", 10, 25),
	})
	if err != nil {
		return "", fmt.Errorf("search history: %w", err)
	}

	if len(msgs) == 0 {
		return fmt.Sprintf("No messages matching %q.", raw), nil
	}
	return formatMessages(msgs), nil
}

func (r *Registry) handleRecentMessages(ctx context.Context, inv Invocation) (string, error) {
	msgs, err := r.store.Recent(logstore.RecentQuery{
		Channel:    inv.Channel,
		Limit:      clampInt(inv.Args, "limit", 20, 50),
		SinceHours: intArg(inv.Args, "hours", 0),
	})
	if err != nil {
		return "", fmt.Errorf("recent messages: %w", err)
	}

	if len(msgs) == 0 {
		return "No recent messages logged.", nil
	}
	return formatMessages(msgs), nil
}

func (r *Registry) handleChannelStats(ctx context.Context, inv Invocation) (string, error) {
	stats, err := r.store.Stats(inv.Channel)
	if err != nil {
		return "", fmt.Errorf("channel stats: %w", err)
	}

	if stats.MessageCount == 0 {
		return "No messages logged for this channel yet.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Channel %s:\n", stats.Channel)
	fmt.Fprintf(&b, "- %d messages from %d nicks\n", stats.MessageCount, stats.UniqueNicks)
	if !stats.FirstMessage.IsZero() {
		fmt.Fprintf(&b, "- logged since %s (latest %s)\n",
			stats.FirstMessage.Format("2006-01-02"),
			stats.LastMessage.Format("2006-01-02 15:04"))
	}
	if len(stats.PerNickCounts) > 0 {
		b.WriteString("- most active:")
		for i, nick := range topNicks(stats.PerNickCounts, 5) {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, " %s (%d)", nick, stats.PerNickCounts[nick])
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Registry) handleActiveUsers(ctx context.Context, inv Invocation) (string, error) {
	nicks, err := r.store.ActiveUsers(inv.Channel)
	if err != nil {
		return "", fmt.Errorf("active users: %w", err)
	}

	if len(nicks) == 0 {
		return "No users currently tracked in this channel.", nil
	}
	return fmt.Sprintf("%d users present: %s", len(nicks), strings.Join(nicks, ", ")), nil
}

func topNicks(counts map[string]int, n int) []string {
	nicks := make([]string, 0, len(counts))
	for nick := range counts {
		nicks = append(nicks, nick)
	}
	sort.Slice(nicks, func(i, j int) bool {
		if counts[nicks[i]] != counts[nicks[j]] {
			return counts[nicks[i]] > counts[nicks[j]]
		}
		return nicks[i] < nicks[j]
	})
	if len(nicks) > n {
		nicks = nicks[:n]
	}
	return nicks
}

func formatMessages(msgs []logstore.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] <%s> %s\n",
			m.Timestamp.Format(time.DateTime), m.Nick, m.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
