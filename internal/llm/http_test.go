package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(baseURL string) *HTTPClient {
	c := NewHTTPClient(HTTPClientConfig{
		BaseURL: baseURL,
		Model:   "test-model",
		Retry:   RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, nil)
	c.sleep = func(ctx context.Context, d time.Duration) bool { return true }
	return c
}

func textResponse(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` +
		mustJSON(content) + `},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func TestCompleteText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(textResponse("hello there")))
	}))
	defer srv.Close()

	reply, err := newTestClient(srv.URL).Complete(context.Background(),
		[]Message{{Role: RoleUser, Content: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply.Content != "hello there" {
		t.Errorf("Content = %q", reply.Content)
	}
	if reply.IsToolRequest() {
		t.Error("IsToolRequest = true for text reply")
	}
	if reply.InputTokens != 10 || reply.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 10/5", reply.InputTokens, reply.OutputTokens)
	}
}

func TestCompleteToolCallArguments(t *testing.T) {
	// Services disagree on the arguments encoding: some send a JSON
	// object, others a string containing a JSON object.
	tests := []struct {
		name string
		body string
	}{
		{
			"object arguments",
			`{"choices":[{"message":{"role":"assistant","content":"",
				"tool_calls":[{"id":"c1","function":{"name":"search_history","arguments":{"query":"deploy"}}}]}}]}`,
		},
		{
			"string-encoded arguments",
			`{"choices":[{"message":{"role":"assistant","content":"",
				"tool_calls":[{"id":"c1","function":{"name":"search_history","arguments":"{\"query\":\"deploy\"}"}}]}}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			reply, err := newTestClient(srv.URL).Complete(context.Background(),
				[]Message{{Role: RoleUser, Content: "q"}}, Options{})
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if !reply.IsToolRequest() {
				t.Fatal("expected tool request")
			}
			tc := reply.ToolCalls[0]
			if tc.ID != "c1" || tc.Function.Name != "search_history" {
				t.Errorf("tool call = %#v", tc)
			}
			if got := tc.Function.Arguments["query"]; got != "deploy" {
				t.Errorf("query argument = %v, want deploy", got)
			}
		})
	}
}

func TestOverloadRetriesThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return true
	}

	_, err := c.Complete(context.Background(),
		[]Message{{Role: RoleUser, Content: "q"}}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind, ok := KindOf(err); !ok || kind != KindOverloaded {
		t.Errorf("kind = %v, want overloaded", kind)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	// Backoff doubles from the base delay between attempts.
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays = %v, want %v", delays, want)
		}
	}
}

func TestOverloadRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(textResponse("recovered")))
	}))
	defer srv.Close()

	reply, err := newTestClient(srv.URL).Complete(context.Background(),
		[]Message{{Role: RoleUser, Content: "q"}}, Options{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply.Content != "recovered" {
		t.Errorf("Content = %q", reply.Content)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestBadRequestNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model name", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(),
		[]Message{{Role: RoleUser, Content: "q"}}, Options{})
	if kind, ok := KindOf(err); !ok || kind != KindBadRequest {
		t.Errorf("kind = %v, want bad_request", kind)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (4xx must not retry)", got)
	}
}

func TestProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>definitely not json</html>"},
		{"no choices", `{"choices":[]}`},
		{"empty message", `{"choices":[{"message":{"role":"assistant","content":""}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Complete(context.Background(),
				[]Message{{Role: RoleUser, Content: "q"}}, Options{})
			if kind, ok := KindOf(err); !ok || kind != KindProtocol {
				t.Errorf("kind = %v, want protocol", kind)
			}
			if got := calls.Load(); got != 1 {
				t.Errorf("attempts = %d, want 1 (protocol errors must not retry)", got)
			}
		})
	}
}

func TestUnreachable(t *testing.T) {
	// Closed server: connection refused, must fail immediately.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(),
		[]Message{{Role: RoleUser, Content: "q"}}, Options{})
	if kind, ok := KindOf(err); !ok || kind != KindUnreachable {
		t.Errorf("kind = %v, want unreachable", kind)
	}
}

func TestSummarize(t *testing.T) {
	var sawSystem bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
			sawSystem = true
		}
		w.Write([]byte(textResponse("the digest")))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Summarize(context.Background(),
		[]Message{{Role: RoleUser, Content: "alice: hi"}})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "the digest" {
		t.Errorf("summary = %q", got)
	}
	if !sawSystem {
		t.Error("summarize request missing instruction system turn")
	}
}

func TestSummarizeEmptyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A tool-call reply has no text; Summarize must reject it.
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"",
			"tool_calls":[{"id":"c1","function":{"name":"x","arguments":{}}}]}}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Summarize(context.Background(),
		[]Message{{Role: RoleUser, Content: "alice: hi"}})
	if kind, ok := KindOf(err); !ok || kind != KindProtocol {
		t.Errorf("kind = %v, want protocol", kind)
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &Error{Kind: KindUnreachable, Msg: "cannot connect", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("Unwrap lost the inner error")
	}
}
