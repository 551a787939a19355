package llm_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bdobrica/Kaname/internal/kaname/llm"
)

func TestOllama_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req["stream"] != false {
			t.Error("complete should not request a stream")
		}
		options := req["options"].(map[string]any)
		if options["num_predict"].(float64) != 64 {
			t.Errorf("num_predict wrong: %v", options)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": "hi there"},
			"done":    true,
		})
	}))
	defer server.Close()

	p := llm.NewOllama(llm.OllamaConfig{BaseURL: server.URL})
	got, err := p.Complete(context.Background(), llm.ChatRequest{Model: "llama3.2", Prompt: "hello", MaxTokens: 64})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "hi there" {
		t.Errorf("unexpected completion %q", got)
	}
}

func TestOllama_StreamChunksAndDoneReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, piece := range []string{"hel", "lo"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":"%s"},"done":false}`+"\n", piece)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`)
	}))
	defer server.Close()

	p := llm.NewOllama(llm.OllamaConfig{BaseURL: server.URL})
	var text strings.Builder
	var doneReason string
	err := p.Stream(context.Background(), llm.ChatRequest{Model: "m", Prompt: "x"}, func(c llm.Chunk) error {
		if c.Done {
			doneReason = c.DoneReason
			return nil
		}
		text.WriteString(c.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text.String() != "hello" {
		t.Errorf("streamed text wrong: %q", text.String())
	}
	if doneReason != "stop" {
		t.Errorf("done reason wrong: %q", doneReason)
	}
}

func TestOpenRouter_CompleteSendsBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("missing bearer header: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "answer"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer server.Close()

	p := llm.NewOpenRouter(llm.OpenRouterConfig{APIKey: "sk-test", BaseURL: server.URL})
	got, err := p.Complete(context.Background(), llm.ChatRequest{Model: "openrouter/auto", Prompt: "q"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "answer" {
		t.Errorf("unexpected completion %q", got)
	}
}

func TestOpenRouter_StreamParsesSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"a"}}]}`)
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"b"},"finish_reason":"stop"}]}`)
		fmt.Fprintln(w, `data: [DONE]`)
	}))
	defer server.Close()

	p := llm.NewOpenRouter(llm.OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
	var text strings.Builder
	err := p.Stream(context.Background(), llm.ChatRequest{Model: "m", Prompt: "x"}, func(c llm.Chunk) error {
		text.WriteString(c.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text.String() != "ab" {
		t.Errorf("streamed text wrong: %q", text.String())
	}
}

func TestRetryable_Classification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{401, false},
		{403, false},
		{404, false},
		{408, true},
		{409, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		err := &llm.HTTPError{Status: tc.status}
		if got := llm.Retryable(err); got != tc.retryable {
			t.Errorf("status %d: retryable=%v, want %v", tc.status, got, tc.retryable)
		}
	}
	if !llm.Retryable(context.DeadlineExceeded) {
		t.Error("deadline expiry must be retryable")
	}
	if llm.Retryable(nil) {
		t.Error("nil error is not retryable")
	}
}
