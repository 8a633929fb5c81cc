package llm

import "context"

// Client is the interface the session manager depends on. The HTTP
// implementation lives in this package; tests substitute fakes.
type Client interface {
	// Complete sends a turn list (plus optional tool specs) and returns
	// the parsed assistant reply: either final text or tool requests.
	Complete(ctx context.Context, msgs []Message, opts Options) (*Reply, error)

	// Summarize asks the service for a compact digest of the given
	// turns. Used by session summarization; no tools are offered.
	Summarize(ctx context.Context, msgs []Message) (string, error)

	// Ping checks if the service is reachable.
	Ping(ctx context.Context) error
}
