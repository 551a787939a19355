// Package httpapi is the router's HTTP surface: registration, heartbeats,
// synchronous and asynchronous routing, status/replay, intent analysis, and
// the streaming front-end.
//
// Endpoints:
//
//	GET  /health                 → {ok, service, protocol_version}
//	GET  /router/catalog         → {ok, catalog}
//	GET  /router/registry        → {ok, nodes} (lease tokens withheld)
//	POST /router/node/register   → NodeDescriptor → RegisterResult
//	POST /router/node/heartbeat  → {node_id, lease_token} → {ok, code?}, 404 when unknown
//	POST /route                  → Message → routed Message
//	POST /route_async            → Message → 202 {accepted, message_id, status_url, replay_url}
//	POST /worker_result          → worker Result → {ok}
//	GET  /status/{id}            → {ok, message_id, status}
//	GET  /replay/{id}            → {ok, request, response, state, events[]}
//	POST /intent/analyze         → {message, context} → {ok, analysis}
//	POST /intent/route           → {message, context, confirm} → routed result
//	POST /complete               → one-shot completion (or 202 fallback)
//	POST /stream                 → SSE token stream
//
// Every routing response is a protocol message; transport-level failures
// (unreadable body) are the only plain HTTP errors.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Kaname/internal/kaname/asyncq"
	"github.com/bdobrica/Kaname/internal/kaname/intent"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
	"github.com/bdobrica/Kaname/internal/kaname/router"
	"github.com/bdobrica/Kaname/internal/kaname/stream"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 * 1024 * 1024 // 1 MiB

// Deps are the collaborators the server fronts. Enqueuer, Sink, and Stream
// may be nil; their endpoints answer 503.
type Deps struct {
	Router   *router.Router
	Intent   *intent.Router
	Enqueuer *asyncq.Enqueuer
	Sink     *asyncq.ResultSink
	Stream   *stream.Handler
}

// Server is the router HTTP server.
type Server struct {
	addr   string
	deps   Deps
	server *http.Server
}

// New builds the server listening on addr.
func New(addr string, deps Deps) *Server {
	s := &Server{addr: addr, deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /router/catalog", s.handleCatalog)
	mux.HandleFunc("GET /router/registry", s.handleRegistry)
	mux.HandleFunc("POST /router/node/register", s.handleRegister)
	mux.HandleFunc("POST /router/node/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /route", s.handleRoute)
	mux.HandleFunc("POST /route_async", s.handleRouteAsync)
	mux.HandleFunc("POST /worker_result", s.handleWorkerResult)
	mux.HandleFunc("GET /status/{id}", s.handleStatus)
	mux.HandleFunc("GET /replay/{id}", s.handleReplay)
	mux.HandleFunc("POST /intent/analyze", s.handleIntentAnalyze)
	mux.HandleFunc("POST /intent/route", s.handleIntentRoute)
	if deps.Stream != nil {
		mux.HandleFunc("POST /complete", deps.Stream.Complete)
		mux.HandleFunc("POST /stream", deps.Stream.Stream)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.addr, err)
	}
	slog.Info("router listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("router server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop shuts down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// Handler exposes the mux for httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"service":          "kaname",
		"protocol_version": protocol.Version,
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"catalog": s.deps.Router.Registry().Catalog(),
	})
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	records := s.deps.Router.Registry().ActiveRecords()
	nodes := make([]map[string]any, 0, len(records))
	for _, record := range records {
		caps := make([]string, 0, len(record.Descriptor.Capabilities))
		for _, c := range record.Descriptor.Capabilities {
			caps = append(caps, c.Name)
		}
		nodes = append(nodes, map[string]any{
			"node_id":           record.Descriptor.NodeID,
			"node_version":      record.Descriptor.NodeVersion,
			"priority":          record.Descriptor.Priority,
			"capabilities":      caps,
			"registered_at":     record.RegisteredAt,
			"last_heartbeat_at": record.LastHeartbeatAt,
			"expires_at":        record.ExpiresAt,
			"health":            record.Health,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "nodes": nodes})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var desc registry.NodeDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid descriptor: "+err.Error())
		return
	}
	// Remote nodes have no in-process handler; the router invokes them over
	// their declared endpoint URL.
	result := s.deps.Router.Registry().Register(desc, nil)
	if result.OK && s.deps.Intent != nil {
		s.deps.Intent.Analyzer().InvalidateCatalog()
	}
	status := http.StatusOK
	if !result.OK {
		switch result.Code {
		case protocol.ErrNodeUntrusted:
			status = http.StatusForbidden
		default:
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, result)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req struct {
		NodeID     string `json:"node_id"`
		LeaseToken string `json:"lease_token"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid heartbeat: "+err.Error())
		return
	}
	ok, code := s.deps.Router.Registry().Heartbeat(req.NodeID, req.LeaseToken)
	resp := map[string]any{"ok": ok}
	status := http.StatusOK
	if !ok {
		resp["code"] = code
		status = http.StatusNotFound
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.parseMessage(w, r)
	if !ok {
		return
	}
	resp := s.deps.Router.Route(r.Context(), msg)
	writeJSON(w, http.StatusOK, resp.AsMap())
}

func (s *Server) handleRouteAsync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Enqueuer == nil {
		writeError(w, http.StatusServiceUnavailable, "async pipeline not configured")
		return
	}
	msg, ok := s.parseMessage(w, r)
	if !ok {
		return
	}
	resp := s.deps.Enqueuer.Enqueue(r.Context(), msg)
	if protocol.IsError(resp) {
		writeJSON(w, http.StatusUnprocessableEntity, resp.AsMap())
		return
	}
	// The acknowledgement travels flat, not wrapped in a protocol envelope.
	writeJSON(w, http.StatusAccepted, resp.Payload)
}

func (s *Server) handleWorkerResult(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sink == nil {
		writeError(w, http.StatusServiceUnavailable, "async pipeline not configured")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var res asyncq.Result
	if err := json.Unmarshal(body, &res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid result: "+err.Error())
		return
	}
	if err := s.deps.Sink.Resolve(r.Context(), res); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sink == nil {
		writeError(w, http.StatusServiceUnavailable, "async pipeline not configured")
		return
	}
	status, err := s.deps.Sink.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status == nil {
		writeError(w, http.StatusNotFound, "unknown message_id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"message_id": r.PathValue("id"),
		"status":     status,
	})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sink == nil {
		writeError(w, http.StatusServiceUnavailable, "async pipeline not configured")
		return
	}
	replay, err := s.deps.Sink.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if replay == nil {
		writeError(w, http.StatusNotFound, "unknown message_id")
		return
	}
	replay["ok"] = true
	writeJSON(w, http.StatusOK, replay)
}

func (s *Server) handleIntentAnalyze(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req struct {
		Message string         `json:"message"`
		Text    string         `json:"text"`
		Context map[string]any `json:"context"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	plan := s.deps.Intent.Analyzer().Analyze(messageField(req.Message, req.Text), req.Context)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "analysis": plan})
}

func (s *Server) handleIntentRoute(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req struct {
		Message    string         `json:"message"`
		Text       string         `json:"text"`
		Confirm    bool           `json:"confirm"`
		Context    map[string]any `json:"context"`
		Extensions map[string]any `json:"extensions"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	result := s.deps.Intent.Route(r.Context(), intent.Request{
		Text:       messageField(req.Message, req.Text),
		Confirm:    req.Confirm,
		Context:    req.Context,
		Extensions: req.Extensions,
	})
	writeJSON(w, http.StatusOK, result)
}

// --- helpers ---

// messageField prefers the canonical "message" field, tolerating the older
// "text" spelling.
func messageField(message, text string) string {
	if message != "" {
		return message
	}
	return text
}

func (s *Server) parseMessage(w http.ResponseWriter, r *http.Request) (*protocol.Message, bool) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	msg, errMsg := protocol.Parse(body)
	if errMsg != nil {
		writeJSON(w, http.StatusBadRequest, errMsg.AsMap())
		return nil, false
	}
	return msg, true
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
