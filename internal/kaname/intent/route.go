package intent

import (
	"context"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

// Route statuses. Clarifications are first-class responses, not errors.
const (
	StatusNeedsClarification = "needs_clarification"
	StatusRouted             = "routed"
	StatusRouteError         = "route_error"
)

// RouteFunc submits a canonical message to the router core.
type RouteFunc func(ctx context.Context, msg *protocol.Message) *protocol.Message

// Router turns prompts into routed capability calls.
type Router struct {
	analyzer *Analyzer
	route    RouteFunc
}

// NewRouter pairs an analyzer with the core's route function.
func NewRouter(analyzer *Analyzer, route RouteFunc) *Router {
	return &Router{analyzer: analyzer, route: route}
}

// Analyzer exposes the underlying analyzer for the analyze-only surface.
func (r *Router) Analyzer() *Analyzer {
	return r.analyzer
}

// Request carries one natural-language routing request.
type Request struct {
	Text       string
	Confirm    bool
	Context    map[string]any
	Extensions map[string]any
}

// Result is the outcome of analyzing and (possibly) routing a prompt.
type Result struct {
	Status        string            `json:"status"`
	Analysis      *Plan             `json:"analysis"`
	RouteMessage  *protocol.Message `json:"route_message,omitempty"`
	RouteResponse *protocol.Message `json:"route_response,omitempty"`
}

// Route analyzes the prompt and, unless a clarification is needed, builds a
// canonical message and submits it.
func (r *Router) Route(ctx context.Context, req Request) *Result {
	plan := r.analyzer.Analyze(req.Text, req.Context)
	if plan.ClarificationRequired {
		return &Result{Status: StatusNeedsClarification, Analysis: plan}
	}

	msg := r.buildMessage(plan, req)
	resp := r.route(ctx, msg)

	status := StatusRouted
	if protocol.IsError(resp) {
		status = StatusRouteError
	}
	return &Result{Status: status, Analysis: plan, RouteMessage: msg, RouteResponse: resp}
}

func (r *Router) buildMessage(plan *Plan, req Request) *protocol.Message {
	msg := protocol.New(plan.CanonicalIntent, protocol.DeepCopyMap(plan.Payload))
	msg.Extensions = map[string]any{
		"confidence": map[string]any{
			"score": plan.Confidence,
			"basis": confidenceBasis,
		},
	}
	for k, v := range protocol.DeepCopyMap(req.Extensions) {
		msg.Extensions[k] = v
	}
	if plan.RequiredConfirmation {
		confirmation, _ := msg.Extensions["confirmation"].(map[string]any)
		if confirmation == nil {
			confirmation = map[string]any{}
		}
		confirmation["required"] = true
		if req.Confirm {
			confirmation["status"] = "approved"
		} else if _, ok := confirmation["status"]; !ok {
			confirmation["status"] = "pending"
		}
		msg.Extensions["confirmation"] = confirmation
	}
	return msg
}
