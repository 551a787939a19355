// Package router implements the routing pipeline: validate, select eligible
// nodes, enforce the metadata-driven safety policy, invoke, and observe.
//
// The pipeline short-circuits with protocol-shaped errors; no step panics or
// returns a Go error across the boundary. Candidate nodes are tried in the
// deterministic selection order until one answers, with per-hop outcomes
// collected into details.attempted on exhaustion.
package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/Kaname/internal/kaname/config"
	"github.com/bdobrica/Kaname/internal/kaname/persist"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

const hopName = "router.core"

// Router mediates every capability call.
type Router struct {
	registry    *registry.Registry
	resolver    *config.Resolver
	store       *persist.Store
	libraryRoot string
	nodeTimeout time.Duration
	httpClient  *http.Client
}

// New wires a router over its collaborators. libraryRoot may be empty, which
// disables fingerprint checks.
func New(reg *registry.Registry, resolver *config.Resolver, store *persist.Store, libraryRoot string, nodeTimeout time.Duration) *Router {
	return &Router{
		registry:    reg,
		resolver:    resolver,
		store:       store,
		libraryRoot: libraryRoot,
		nodeTimeout: nodeTimeout,
		httpClient:  newHTTPClient(),
	}
}

// Registry exposes the backing registry for surfaces that publish it.
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// Resolver exposes the provider resolver.
func (r *Router) Resolver() *config.Resolver {
	return r.resolver
}

// Route runs the full pipeline for one message and always returns a
// well-formed message.
func (r *Router) Route(ctx context.Context, msg *protocol.Message) *protocol.Message {
	if errMsg := protocol.ValidateCore(msg); errMsg != nil {
		return errMsg
	}
	if msg.ProtocolVersion != protocol.Version {
		return protocol.MakeError(protocol.ErrUnsupportedProtocol,
			fmt.Sprintf("protocol version %q is not supported", msg.ProtocolVersion),
			msg.MessageID, false,
			map[string]any{"expected": protocol.Version, "got": msg.ProtocolVersion})
	}

	candidates := r.registry.Candidates(msg.Intent, msg.ProtocolVersion)
	if len(candidates) == 0 {
		return protocol.MakeError(protocol.ErrNoRoute,
			fmt.Sprintf("no registered node provides %q", msg.Intent),
			msg.MessageID, false, map[string]any{"intent": msg.Intent})
	}

	candidates, missing := filterRequiredExtensions(candidates, msg)
	if len(candidates) == 0 {
		return protocol.MakeError(protocol.ErrRequiredExtensionMissing,
			fmt.Sprintf("missing required extensions: %s", strings.Join(missing, ", ")),
			msg.MessageID, false, map[string]any{"missing": toAnySlice(missing)})
	}

	canonical := r.registry.CapabilityMetadata(msg.Intent)
	if canonical != nil && canonical.ApprovalRequired && confirmationStatus(msg) != "approved" {
		return protocol.MakeError(protocol.ErrConfirmationRequired,
			fmt.Sprintf("%q requires an approved confirmation", msg.Intent),
			msg.MessageID, false, map[string]any{"intent": msg.Intent})
	}

	var selection *config.Selection
	if strings.HasPrefix(msg.Intent, "model.") {
		sel := r.resolver.Resolve(llmExtension(msg))
		if sel.Model == "" {
			return protocol.MakeError(protocol.ErrBadMessage,
				fmt.Sprintf("no model resolved for provider %q", sel.Provider),
				msg.MessageID, false, map[string]any{"provider": sel.Provider})
		}
		if err := r.resolver.CheckPrerequisites(sel.Provider); err != nil {
			return protocol.MakeError(protocol.ErrNodeUnavailable, err.Error(),
				msg.MessageID, false, map[string]any{"provider": sel.Provider})
		}
		candidates = filterProvider(candidates, msg.Intent, sel.Provider)
		if len(candidates) == 0 {
			return protocol.MakeError(protocol.ErrNoRoute,
				fmt.Sprintf("no node provides %q for provider %q", msg.Intent, sel.Provider),
				msg.MessageID, false, map[string]any{"intent": msg.Intent, "provider": sel.Provider})
		}
		selection = &sel
	}

	return r.dispatch(ctx, msg, candidates, selection)
}

// SelectAsync runs the validation prefix of the pipeline without invoking
// anything. It returns the preferred node for a queue envelope, or the
// synchronous error the enqueue surface should answer with.
func (r *Router) SelectAsync(msg *protocol.Message) (string, *protocol.Message) {
	if errMsg := protocol.ValidateCore(msg); errMsg != nil {
		return "", errMsg
	}
	if msg.ProtocolVersion != protocol.Version {
		return "", protocol.MakeError(protocol.ErrUnsupportedProtocol,
			fmt.Sprintf("protocol version %q is not supported", msg.ProtocolVersion),
			msg.MessageID, false,
			map[string]any{"expected": protocol.Version, "got": msg.ProtocolVersion})
	}
	candidates := r.registry.Candidates(msg.Intent, msg.ProtocolVersion)
	if len(candidates) == 0 {
		return "", protocol.MakeError(protocol.ErrNoRoute,
			fmt.Sprintf("no registered node provides %q", msg.Intent),
			msg.MessageID, false, map[string]any{"intent": msg.Intent})
	}
	return candidates[0].Descriptor.NodeID, nil
}

// dispatch tries candidates in order until one yields a usable response.
func (r *Router) dispatch(ctx context.Context, msg *protocol.Message, candidates []*registry.NodeRecord, selection *config.Selection) *protocol.Message {
	var attempted []any
	var firstRetryable *protocol.Message
	sawUndeclared := false

	for _, record := range candidates {
		nodeID := record.Descriptor.NodeID
		capability := record.Descriptor.Capability(msg.Intent)

		outbound := msg.Clone()
		protocol.EnsureTrace(outbound, msg.MessageID, hopName)
		if selection != nil {
			stampLLM(outbound, *selection)
		}

		var before []FingerprintEntry
		checkFingerprint := r.libraryRoot != "" && capability != nil &&
			capability.RiskClass == registry.RiskRead && capability.SideEffectScope == registry.ScopeNone
		if checkFingerprint {
			before = Fingerprint(r.libraryRoot)
		}

		r.emit("route_dispatched", map[string]any{"message_id": msg.MessageID, "intent": msg.Intent, "node_id": nodeID})
		start := time.Now()
		resp := r.invoke(ctx, record, outbound)
		latencyMS := float64(time.Since(start)) / float64(time.Millisecond)

		if protocol.ValidateCore(resp) != nil {
			r.registry.UpdateHealth(nodeID, false, -1)
			attempted = append(attempted, attempt(nodeID, "malformed_response", ""))
			r.emit("route_retry", map[string]any{"message_id": msg.MessageID, "node_id": nodeID, "reason": "malformed_response"})
			continue
		}

		if checkFingerprint {
			after := Fingerprint(r.libraryRoot)
			if !FingerprintsEqual(before, after) {
				r.registry.UpdateHealth(nodeID, false, -1)
				sawUndeclared = true
				attempted = append(attempted, attempt(nodeID, "undeclared_side_effect", ""))
				r.emit("route_retry", map[string]any{"message_id": msg.MessageID, "node_id": nodeID, "reason": "undeclared_side_effect"})
				continue
			}
		}

		if protocol.IsError(resp) && protocol.ErrorRetryable(resp) {
			r.registry.UpdateHealth(nodeID, false, latencyMS)
			attempted = append(attempted, attempt(nodeID, "retryable_error", protocol.ErrorCode(resp)))
			if firstRetryable == nil {
				firstRetryable = resp
			}
			r.emit("route_retry", map[string]any{"message_id": msg.MessageID, "node_id": nodeID, "code": protocol.ErrorCode(resp)})
			continue
		}

		// Non-retryable errors are the node's definitive answer; they flow
		// back unmodified.
		r.registry.UpdateHealth(nodeID, true, latencyMS)
		r.emit("route_complete", map[string]any{"message_id": msg.MessageID, "intent": msg.Intent, "node_id": nodeID})
		return resp
	}

	r.emit("route_failed", map[string]any{"message_id": msg.MessageID, "intent": msg.Intent, "attempted": attempted})

	if firstRetryable != nil {
		setErrorDetail(firstRetryable, "attempted", attempted)
		return firstRetryable
	}
	if sawUndeclared {
		return protocol.MakeError(protocol.ErrNodeError, "undeclared side effects", msg.MessageID, false,
			map[string]any{"attempted": attempted})
	}
	return protocol.MakeError(protocol.ErrNodeUnavailable,
		fmt.Sprintf("all candidates for %q failed", msg.Intent),
		msg.MessageID, true, map[string]any{"attempted": attempted})
}

// filterRequiredExtensions drops candidates whose capability demands
// extensions the message does not carry. The returned slice preserves order;
// missing is the sorted union across dropped candidates.
func filterRequiredExtensions(candidates []*registry.NodeRecord, msg *protocol.Message) ([]*registry.NodeRecord, []string) {
	var kept []*registry.NodeRecord
	missingSet := map[string]bool{}
	for _, record := range candidates {
		capability := record.Descriptor.Capability(msg.Intent)
		if capability == nil {
			continue
		}
		ok := true
		for _, ext := range capability.RequiredExtensions {
			if _, present := msg.Extensions[ext]; !present {
				missingSet[ext] = true
				ok = false
			}
		}
		if ok {
			kept = append(kept, record)
		}
	}
	missing := make([]string, 0, len(missingSet))
	for ext := range missingSet {
		missing = append(missing, ext)
	}
	sort.Strings(missing)
	return kept, missing
}

func filterProvider(candidates []*registry.NodeRecord, intent, provider string) []*registry.NodeRecord {
	var kept []*registry.NodeRecord
	for _, record := range candidates {
		capability := record.Descriptor.Capability(intent)
		if capability != nil && capability.Provider == provider {
			kept = append(kept, record)
		}
	}
	return kept
}

// stampLLM discloses the resolved provider and model on the outbound message.
func stampLLM(msg *protocol.Message, sel config.Selection) {
	if msg.Extensions == nil {
		msg.Extensions = map[string]any{}
	}
	llm, _ := msg.Extensions["llm"].(map[string]any)
	if llm == nil {
		llm = map[string]any{}
	}
	llm["provider"] = sel.Provider
	llm["model"] = sel.Model
	llm["provider_source"] = sel.ProviderSource
	llm["model_source"] = sel.ModelSource
	msg.Extensions["llm"] = llm
}

func confirmationStatus(msg *protocol.Message) string {
	if msg.Extensions == nil {
		return ""
	}
	confirmation, _ := msg.Extensions["confirmation"].(map[string]any)
	if confirmation == nil {
		return ""
	}
	status, _ := confirmation["status"].(string)
	return status
}

func llmExtension(msg *protocol.Message) map[string]any {
	if msg.Extensions == nil {
		return nil
	}
	llm, _ := msg.Extensions["llm"].(map[string]any)
	return llm
}

func attempt(nodeID, outcome, code string) map[string]any {
	entry := map[string]any{"node_id": nodeID, "outcome": outcome}
	if code != "" {
		entry["code"] = code
	}
	return entry
}

func setErrorDetail(errMsg *protocol.Message, key string, value any) {
	block, _ := errMsg.Payload["error"].(map[string]any)
	if block == nil {
		return
	}
	details, _ := block["details"].(map[string]any)
	if details == nil {
		details = map[string]any{}
		block["details"] = details
	}
	details[key] = value
}

func (r *Router) emit(eventType string, payload map[string]any) {
	if r.store == nil {
		return
	}
	_ = r.store.EmitEvent("router", eventType, payload)
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
