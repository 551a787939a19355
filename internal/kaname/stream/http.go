package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/bdobrica/Kaname/internal/kaname/config"
	"github.com/bdobrica/Kaname/internal/kaname/llm"
	"github.com/bdobrica/Kaname/internal/kaname/persist"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

// EnqueueFunc hands a message to the async pipeline and returns either the
// accepted acknowledgement or a protocol error.
type EnqueueFunc func(ctx context.Context, msg *protocol.Message) *protocol.Message

// Options configure the front-end.
type Options struct {
	Resolver  *config.Resolver
	Providers map[string]llm.Provider
	Enqueue   EnqueueFunc
	Store     *persist.Store

	// MinChars is the async-fallback threshold; zero means DefaultMinChars.
	MinChars         int
	DefaultMaxTokens int
	DefaultStop      []string
}

// Handler serves /complete and /stream.
type Handler struct {
	opts Options
	log  *slog.Logger
}

// NewHandler builds the front-end. Missing numeric options take the package
// defaults.
func NewHandler(opts Options) *Handler {
	if opts.MinChars <= 0 {
		opts.MinChars = DefaultMinChars
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = DefaultMaxTokens
	}
	return &Handler{opts: opts, log: slog.Default().With("component", "stream")}
}

func (h *Handler) parseRequest(w http.ResponseWriter, r *http.Request) *protocol.Message {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			protocol.MakeError(protocol.ErrBadMessage, "unreadable body", "", false, nil).AsMap())
		return nil
	}
	msg, errMsg := protocol.Parse(body)
	if errMsg != nil {
		writeJSON(w, http.StatusBadRequest, errMsg.AsMap())
		return nil
	}
	return msg
}

func (h *Handler) resolve(msg *protocol.Message) target {
	return resolveTarget(msg, h.opts.Resolver, h.opts.MinChars, h.opts.DefaultMaxTokens, h.opts.DefaultStop)
}

// queueFallback delegates to the async pipeline and renders the 202 body.
func (h *Handler) queueFallback(ctx context.Context, msg *protocol.Message, t target) (map[string]any, *protocol.Message) {
	if h.opts.Enqueue == nil {
		return nil, protocol.MakeError(protocol.ErrNodeUnavailable,
			"async fallback requested but no queue is configured", msg.MessageID, false, nil)
	}
	async := msg.Clone()
	async.Intent = "model.chat.complete"
	async.Payload["prompt"] = t.Prompt
	async.Payload["system_prompt"] = t.SystemPrompt
	resp := h.opts.Enqueue(ctx, async)
	if protocol.IsError(resp) {
		return nil, resp
	}
	return map[string]any{
		"accepted":   true,
		"message_id": resp.Payload["message_id"],
		"status_url": resp.Payload["status_url"],
		"replay_url": resp.Payload["replay_url"],
		"reason":     t.AsyncReason,
	}, nil
}

// Complete is the POST /complete handler: one-shot completion or a 202
// delegation to the async pipeline.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	msg := h.parseRequest(w, r)
	if msg == nil {
		return
	}
	t := h.resolve(msg)
	if t.Prompt == "" {
		writeJSON(w, http.StatusBadRequest,
			protocol.MakeError(protocol.ErrBadMessage, "prompt is required", msg.MessageID, false, nil).AsMap())
		return
	}

	if t.ForceAsync {
		body, errMsg := h.queueFallback(r.Context(), msg, t)
		if errMsg != nil {
			writeJSON(w, http.StatusBadGateway, errMsg.AsMap())
			return
		}
		writeJSON(w, http.StatusAccepted, body)
		return
	}

	provider, ok := h.opts.Providers[t.Provider]
	if !ok {
		writeJSON(w, http.StatusBadGateway, protocol.MakeError(protocol.ErrNodeUnavailable,
			fmt.Sprintf("provider %q is not configured", t.Provider), msg.MessageID, false, nil).AsMap())
		return
	}
	text, err := provider.Complete(r.Context(), t.chatRequest())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, providerError(msg.MessageID, t.Provider, err).AsMap())
		return
	}
	writeJSON(w, http.StatusOK, protocol.MakeResponse("chat_response", map[string]any{
		"provider": t.Provider,
		"model":    t.Model,
		"node":     t.Node,
		"node_id":  t.NodeID,
		"text":     text,
	}, msg.MessageID, nil).AsMap())
}

// Stream is the POST /stream handler: SSE token streaming with the same
// async fallback decision as Complete.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	msg := h.parseRequest(w, r)
	if msg == nil {
		return
	}
	t := h.resolve(msg)
	if t.Prompt == "" {
		writeJSON(w, http.StatusBadRequest,
			protocol.MakeError(protocol.ErrBadMessage, "prompt is required", msg.MessageID, false, nil).AsMap())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			protocol.MakeError(protocol.ErrInternal, "streaming unsupported", msg.MessageID, false, nil).AsMap())
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendEvent(w, flusher, "meta", map[string]any{
		"message_id":     msg.MessageID,
		"node":           t.Node,
		"node_id":        t.NodeID,
		"model":          t.Model,
		"max_tokens":     t.MaxTokens,
		"stop_count":     len(t.Stop),
		"async_fallback": t.ForceAsync,
		"async_reason":   t.AsyncReason,
	})

	if t.ForceAsync {
		body, errMsg := h.queueFallback(r.Context(), msg, t)
		if errMsg != nil {
			sendError(w, flusher, errMsg)
			return
		}
		sendEvent(w, flusher, "async_queued", body)
		sendEvent(w, flusher, "done", map[string]any{"route_mode": "async_fallback"})
		return
	}

	provider, ok := h.opts.Providers[t.Provider]
	if !ok {
		sendError(w, flusher, protocol.MakeError(protocol.ErrNodeUnavailable,
			fmt.Sprintf("provider %q is not configured", t.Provider), msg.MessageID, false, nil))
		return
	}

	tokenEvents := 0
	outputChars := 0
	doneReason := ""
	err := provider.Stream(r.Context(), t.chatRequest(), func(chunk llm.Chunk) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		if chunk.Text != "" {
			sendEvent(w, flusher, "token", map[string]any{"text": chunk.Text})
			tokenEvents++
			outputChars += len(chunk.Text)
		}
		if chunk.Done {
			doneReason = chunk.DoneReason
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
			h.emit("client_disconnected", map[string]any{
				"message_id":   msg.MessageID,
				"token_events": tokenEvents,
			})
			return
		}
		sendError(w, flusher, providerError(msg.MessageID, t.Provider, err))
		return
	}
	sendEvent(w, flusher, "done", map[string]any{
		"token_events":       tokenEvents,
		"output_chars":       outputChars,
		"ollama_done_reason": doneReason,
	})
}

func providerError(parentID, provider string, err error) *protocol.Message {
	details := map[string]any{"provider": provider}
	switch {
	case llm.IsTimeout(err):
		return protocol.MakeError(protocol.ErrNodeTimeout, "provider did not answer in time", parentID, true, details)
	case llm.Retryable(err):
		return protocol.MakeError(protocol.ErrNodeError, err.Error(), parentID, true, details)
	default:
		return protocol.MakeError(protocol.ErrNodeUnavailable, err.Error(), parentID, false, details)
	}
}

func (h *Handler) emit(eventType string, payload map[string]any) {
	if h.opts.Store == nil {
		return
	}
	_ = h.opts.Store.EmitEvent("stream", eventType, payload)
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, data map[string]any) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
	flusher.Flush()
}

func sendError(w http.ResponseWriter, flusher http.Flusher, errMsg *protocol.Message) {
	sendEvent(w, flusher, "error", map[string]any{
		"code":    protocol.ErrorCode(errMsg),
		"message": protocol.ErrorText(errMsg),
		"details": errorDetails(errMsg),
	})
}

func errorDetails(errMsg *protocol.Message) map[string]any {
	block, _ := errMsg.Payload["error"].(map[string]any)
	if block == nil {
		return nil
	}
	details, _ := block["details"].(map[string]any)
	return details
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
