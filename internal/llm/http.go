package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roost-irc/roost/internal/config"
	"github.com/roost-irc/roost/internal/httpkit"
)

const chatCompletionsPath = "/v1/chat/completions"

// summarizeInstruction is the system prompt for summarization requests.
const summarizeInstruction = `Condense the following conversation into a compact digest.
Preserve: who asked what, conclusions reached, tool lookups performed and their
key results, and any unresolved threads. Write plain prose, no preamble, under
200 words.`

// HTTPClient talks to an OpenAI-compatible chat-completions endpoint.
// It owns retry/backoff and failure classification; it keeps no state
// beyond configuration.
type HTTPClient struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	retry       RetryPolicy
	httpClient  *http.Client
	logger      *slog.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Retry       RetryPolicy
}

// NewHTTPClient creates a client for the model service endpoint.
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	// Model responses can take a while before headers arrive on long
	// prompts; give the transport more room than the shared default.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = timeout

	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		retry:       cfg.Retry.applyDefaults(),
		logger:      logger.With("component", "llm"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithTransport(t),
		),
		sleep: sleepCtx,
	}
}

// Wire types for the chat-completions endpoint.

type chatRequest struct {
	Model       string           `json:"model,omitempty"`
	Messages    []wireMessage    `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
	Tools       []map[string]any `json:"tools,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, msgs []Message, opts Options) (*Reply, error) {
	temperature := c.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	req := chatRequest{
		Model:       c.model,
		Messages:    toWire(msgs),
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Tools:       opts.Tools,
	}

	return c.do(ctx, req)
}

// Summarize implements Client.
func (c *HTTPClient) Summarize(ctx context.Context, msgs []Message) (string, error) {
	wire := make([]wireMessage, 0, len(msgs)+1)
	wire = append(wire, wireMessage{Role: "system", Content: summarizeInstruction})
	wire = append(wire, toWire(msgs)...)

	reply, err := c.do(ctx, chatRequest{
		Model:       c.model,
		Messages:    wire,
		Temperature: 0.3,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if reply.Content == "" {
		return "", &Error{Kind: KindProtocol, Msg: "summarize returned no text"}
	}
	return reply.Content, nil
}

// Ping implements Client. It issues a minimal request to verify the
// service answers at all; any HTTP status counts as reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  []wireMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &Error{Kind: KindUnreachable, Msg: "cannot connect to " + c.baseURL, Err: err}
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// do issues the request with retry/backoff and classifies the outcome.
func (c *HTTPClient) do(ctx context.Context, req chatRequest) (*Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: KindBadRequest, Msg: "marshal request", Err: err}
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(body))

	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retry.Delay(attempt - 1)
			c.logger.Debug("retrying model request",
				"attempt", attempt+1,
				"max_attempts", c.retry.MaxAttempts,
				"delay", delay,
				"error", lastErr,
			)
			if !c.sleep(ctx, delay) {
				return nil, ctx.Err()
			}
		}

		reply, retryable, err := c.attempt(ctx, body)
		if err == nil {
			return reply, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, &Error{
		Kind: KindOverloaded,
		Msg:  fmt.Sprintf("gave up after %d attempts", c.retry.MaxAttempts),
		Err:  lastErr,
	}
}

// attempt performs a single HTTP round trip. The second return reports
// whether the failure is worth another attempt.
func (c *HTTPClient) attempt(ctx context.Context, body []byte) (*Reply, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, false, &Error{Kind: KindBadRequest, Msg: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			// The service accepted the connection but didn't answer in
			// time; treat like overload and retry.
			return nil, true, &Error{Kind: KindOverloaded, Msg: "request timed out", Err: err}
		}
		return nil, false, &Error{Kind: KindUnreachable, Msg: "cannot connect to " + c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, true, &Error{Kind: KindOverloaded, Status: resp.StatusCode, Msg: errBody}
	case resp.StatusCode >= 400:
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("model service rejected request", "status", resp.StatusCode, "body", errBody)
		return nil, false, &Error{Kind: KindBadRequest, Status: resp.StatusCode, Msg: errBody}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, &Error{Kind: KindProtocol, Status: resp.StatusCode, Msg: "decode response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, false, &Error{Kind: KindProtocol, Status: resp.StatusCode, Msg: "response has no choices"}
	}

	msg := parsed.Choices[0].Message
	reply := &Reply{
		Content:      msg.Content,
		ToolCalls:    fromWireToolCalls(msg.ToolCalls),
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}
	if reply.Content == "" && len(reply.ToolCalls) == 0 {
		return nil, false, &Error{Kind: KindProtocol, Status: resp.StatusCode, Msg: "response has neither content nor tool calls"}
	}

	c.logger.Debug("response received",
		"input_tokens", reply.InputTokens,
		"output_tokens", reply.OutputTokens,
		"tool_calls", len(reply.ToolCalls),
		"content_len", len(reply.Content),
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", reply.Content)

	return reply, false, nil
}

// toWire converts internal messages to the wire format.
func toWire(msgs []Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Function.Name
			if tc.Function.Arguments != nil {
				if raw, err := json.Marshal(tc.Function.Arguments); err == nil {
					wtc.Function.Arguments = raw
				}
			}
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

// fromWireToolCalls decodes tool-call arguments. Services disagree on
// whether arguments arrive as a JSON object or a string-encoded object;
// accept both.
func fromWireToolCalls(wire []wireToolCall) []ToolCall {
	if len(wire) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(wire))
	for _, w := range wire {
		tc := ToolCall{ID: w.ID}
		tc.Function.Name = w.Function.Name
		tc.Function.Arguments = decodeArguments(w.Function.Arguments)
		out = append(out, tc)
	}
	return out
}

func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if err := json.Unmarshal([]byte(encoded), &args); err == nil {
			return args
		}
	}
	return map[string]any{"_raw": string(raw)}
}

// isTimeout reports whether err is a deadline-style failure rather than
// a connection failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return true
	}
	return false
}
