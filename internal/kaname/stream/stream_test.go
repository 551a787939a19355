package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bdobrica/Kaname/internal/kaname/config"
	"github.com/bdobrica/Kaname/internal/kaname/llm"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

type fakeProvider struct {
	name     string
	text     string
	err      error
	streamed []string
	lastReq  llm.ChatRequest
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req llm.ChatRequest) (string, error) {
	p.lastReq = req
	return p.text, p.err
}

func (p *fakeProvider) Stream(ctx context.Context, req llm.ChatRequest, onChunk func(llm.Chunk) error) error {
	p.lastReq = req
	if p.err != nil {
		return p.err
	}
	for _, part := range p.streamed {
		if err := onChunk(llm.Chunk{Text: part}); err != nil {
			return err
		}
	}
	return onChunk(llm.Chunk{Done: true, DoneReason: "stop"})
}

func (p *fakeProvider) ListModels(ctx context.Context) ([]string, error) {
	return nil, p.err
}

func newTestHandler(provider *fakeProvider, enqueue EnqueueFunc) *Handler {
	return NewHandler(Options{
		Resolver:  config.NewResolver(""),
		Providers: map[string]llm.Provider{"ollama": provider},
		Enqueue:   enqueue,
	})
}

func postMessage(t *testing.T, handler http.HandlerFunc, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	msg := protocol.New("chat.general", payload)
	body, err := json.Marshal(msg.AsMap())
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var event sseEvent
		for _, line := range strings.Split(block, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				event.Name = name
			}
			if raw, ok := strings.CutPrefix(line, "data: "); ok {
				if err := json.Unmarshal([]byte(raw), &event.Data); err != nil {
					t.Fatalf("bad event data %q: %v", raw, err)
				}
			}
		}
		events = append(events, event)
	}
	return events
}

func TestCompleteSynchronous(t *testing.T) {
	provider := &fakeProvider{name: "ollama", text: "hello back"}
	h := newTestHandler(provider, nil)

	rec := postMessage(t, h.Complete, map[string]any{"prompt": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["intent"] != "chat_response" {
		t.Fatalf("intent = %v", resp["intent"])
	}
	payload, _ := resp["payload"].(map[string]any)
	if payload["text"] != "hello back" || payload["provider"] != "ollama" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestCompleteAppliesInlineDirectives(t *testing.T) {
	provider := &fakeProvider{name: "ollama", text: "ok"}
	h := newTestHandler(provider, nil)

	rec := postMessage(t, h.Complete, map[string]any{"prompt": "/node:builder /model:custom-model explain the plan"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if provider.lastReq.Model != "custom-model" {
		t.Fatalf("model = %q, want custom-model", provider.lastReq.Model)
	}
	if provider.lastReq.Prompt != "explain the plan" {
		t.Fatalf("prompt = %q, directives not stripped", provider.lastReq.Prompt)
	}
	if !strings.Contains(provider.lastReq.SystemPrompt, "project assistant") {
		t.Fatalf("system prompt = %q, want builder profile", provider.lastReq.SystemPrompt)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	payload, _ := resp["payload"].(map[string]any)
	if payload["node"] != "builder" {
		t.Fatalf("node = %v", payload["node"])
	}
}

func TestCompleteDelegatesToAsyncOnForceAsync(t *testing.T) {
	var queued *protocol.Message
	enqueue := func(ctx context.Context, msg *protocol.Message) *protocol.Message {
		queued = msg
		return protocol.MakeResponse("route_async.accepted", map[string]any{
			"accepted":   true,
			"message_id": msg.MessageID,
			"status_url": "/status/" + msg.MessageID,
			"replay_url": "/replay/" + msg.MessageID,
		}, msg.MessageID, nil)
	}
	h := newTestHandler(&fakeProvider{name: "ollama"}, enqueue)

	rec := postMessage(t, h.Complete, map[string]any{"prompt": "short", "force_async": true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["accepted"] != true || resp["reason"] != "force_async" {
		t.Fatalf("body = %v", resp)
	}
	if queued == nil || queued.Intent != "model.chat.complete" {
		t.Fatalf("queued = %v", queued)
	}
}

func TestCompleteDelegatesToAsyncOnLongPrompt(t *testing.T) {
	enqueue := func(ctx context.Context, msg *protocol.Message) *protocol.Message {
		return protocol.MakeResponse("route_async.accepted", map[string]any{
			"accepted": true, "message_id": msg.MessageID,
		}, msg.MessageID, nil)
	}
	h := newTestHandler(&fakeProvider{name: "ollama"}, enqueue)

	long := strings.Repeat("word ", DefaultMinChars/4)
	rec := postMessage(t, h.Complete, map[string]any{"prompt": long})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["reason"] != "prompt_length" {
		t.Fatalf("reason = %v", resp["reason"])
	}
}

func TestStreamEmitsMetaTokensDone(t *testing.T) {
	provider := &fakeProvider{name: "ollama", streamed: []string{"hel", "lo"}}
	h := newTestHandler(provider, nil)

	rec := postMessage(t, h.Stream, map[string]any{"prompt": "say hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	events := parseSSE(t, rec.Body.String())
	if len(events) != 4 {
		t.Fatalf("got %d events: %v", len(events), events)
	}
	if events[0].Name != "meta" || events[0].Data["async_fallback"] != false {
		t.Fatalf("meta = %v", events[0])
	}
	if events[1].Name != "token" || events[1].Data["text"] != "hel" {
		t.Fatalf("first token = %v", events[1])
	}
	done := events[3]
	if done.Name != "done" {
		t.Fatalf("last event = %v", done)
	}
	if done.Data["token_events"] != float64(2) || done.Data["output_chars"] != float64(5) {
		t.Fatalf("done = %v", done.Data)
	}
	if done.Data["ollama_done_reason"] != "stop" {
		t.Fatalf("done_reason = %v", done.Data["ollama_done_reason"])
	}
}

func TestStreamAsyncFallbackQueuesAndCloses(t *testing.T) {
	enqueue := func(ctx context.Context, msg *protocol.Message) *protocol.Message {
		return protocol.MakeResponse("route_async.accepted", map[string]any{
			"accepted": true, "message_id": msg.MessageID,
		}, msg.MessageID, nil)
	}
	h := newTestHandler(&fakeProvider{name: "ollama"}, enqueue)

	rec := postMessage(t, h.Stream, map[string]any{"prompt": "anything", "force_async": true})
	events := parseSSE(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("got %d events: %v", len(events), events)
	}
	if events[0].Name != "meta" || events[0].Data["async_fallback"] != true {
		t.Fatalf("meta = %v", events[0])
	}
	if events[1].Name != "async_queued" {
		t.Fatalf("second event = %v", events[1])
	}
	if events[2].Name != "done" || events[2].Data["route_mode"] != "async_fallback" {
		t.Fatalf("done = %v", events[2])
	}
}

func TestStreamUpstreamErrorBecomesErrorEvent(t *testing.T) {
	provider := &fakeProvider{name: "ollama", err: &llm.HTTPError{Status: 401, Body: "no"}}
	h := newTestHandler(provider, nil)

	rec := postMessage(t, h.Stream, map[string]any{"prompt": "hi"})
	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	if last.Name != "error" {
		t.Fatalf("last event = %v", last)
	}
	if last.Data["code"] != protocol.ErrNodeUnavailable {
		t.Fatalf("code = %v", last.Data["code"])
	}
}

func TestStreamRejectsEmptyPrompt(t *testing.T) {
	h := newTestHandler(&fakeProvider{name: "ollama"}, nil)
	rec := postMessage(t, h.Stream, map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
