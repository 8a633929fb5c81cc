// Package llm provides the client for the external model service.
package llm

// Message roles on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a role-tagged chat message on the wire.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its argument mapping.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Reply is the parsed assistant turn returned by the model service.
// Either Content is non-empty (final answer) or ToolCalls is non-empty
// (intermediate step); Complete never returns both empty.
type Reply struct {
	Content   string
	ToolCalls []ToolCall

	// Token usage when the service reports it.
	InputTokens  int
	OutputTokens int
}

// IsToolRequest reports whether the reply asks for tool execution.
func (r *Reply) IsToolRequest() bool {
	return len(r.ToolCalls) > 0
}

// Options shape a single completion request.
type Options struct {
	// Temperature overrides the client default when non-nil.
	Temperature *float64

	// MaxTokens overrides the client default when > 0.
	MaxTokens int

	// Tools are the tool definitions offered to the model, in
	// function-calling format.
	Tools []map[string]any
}
