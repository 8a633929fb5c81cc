package tools

import (
	"context"
	"fmt"

	"github.com/roost-irc/roost/internal/search"
)

func (r *Registry) registerWebSearch() {
	r.Register(&Tool{
		Name:        "web_search",
		Description: "Search the web for current information. Use for things outside the channel's own history.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum results to return (max 5)",
				},
			},
			"required": []string{"query"},
		},
		Validate: func(args map[string]any) error {
			return requireString(args, "query")
		},
		Handler: r.handleWebSearch,
	})
}

func (r *Registry) handleWebSearch(ctx context.Context, inv Invocation) (string, error) {
	if r.search == nil || !r.search.Configured() {
		return "", fmt.Errorf("web search is not configured on this deployment")
	}

	results, err := r.search.Search(ctx, stringArg(inv.Args, "query"), search.Options{
		Count: clampInt(inv.Args, "count", 5, 5),
	})
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	return search.FormatResults(results), nil
}
