package nodes

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

const approvalsStateName = "approvals"

// Approval decisions.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
)

// ApprovalNode is the proposal/resolve state machine guarding mutations.
// Records live in the approvals state snapshot; a record is pending until
// exactly one resolve terminates it.
type ApprovalNode struct {
	base
	env *Context
}

// NewApprovalNode builds the approval gate provider.
func NewApprovalNode(env *Context) *ApprovalNode {
	n := &ApprovalNode{base: base{id: "approval-node"}, env: env}
	n.ops = map[string]opHandler{
		"approval.request": n.request,
		"approval.resolve": n.resolve,
	}
	return n
}

func (n *ApprovalNode) ID() string { return n.id }

func (n *ApprovalNode) Capabilities() []registry.CapabilityMetadata {
	return []registry.CapabilityMetadata{
		{
			Name:              "approval.request",
			Description:       "Create a pending approval record for a guarded mutation.",
			RiskClass:         registry.RiskMutate,
			SideEffectScope:   registry.ScopeNone,
			Idempotency:       registry.NonIdempotent,
			Examples:          []string{"request approval for memory.write"},
			CapabilityVersion: "1.0.0",
		},
		{
			Name:              "approval.resolve",
			Description:       "Approve or deny a pending approval record.",
			RiskClass:         registry.RiskMutate,
			SideEffectScope:   registry.ScopeNone,
			Idempotency:       registry.Idempotent,
			Examples:          []string{"approve appr-1234"},
			CapabilityVersion: "1.0.0",
		},
	}
}

func (n *ApprovalNode) Handler() registry.Handler { return n.handle }

func (n *ApprovalNode) loadRecords() map[string]any {
	return n.env.Persist.LoadState(approvalsStateName, map[string]any{})
}

func (n *ApprovalNode) saveRecords(records map[string]any) error {
	return n.env.Persist.SaveState(approvalsStateName, records)
}

func (n *ApprovalNode) request(ctx context.Context, msg *protocol.Message) *protocol.Message {
	guarded := stringArg(msg, "intent")
	if guarded == "" {
		return n.fail(msg, protocol.ErrBadMessage, "intent is required", false, nil)
	}
	changes, _ := msg.Payload["changes"].([]any)
	if changes == nil {
		changes = []any{}
	}
	record := map[string]any{
		"request_id":           "appr-" + uuid.NewString(),
		"intent_being_guarded": guarded,
		"changes":              changes,
		"status":               "pending",
		"requested_at":         protocol.NowISO(),
		"resolved_at":          nil,
		"decision_note":        "",
		"decided_by":           "",
	}
	records := n.loadRecords()
	records[record["request_id"].(string)] = record
	if err := n.saveRecords(records); err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("persist approval: %v", err), false, nil)
	}
	_ = n.env.Persist.EmitEvent("workflow", "approval_requested", map[string]any{
		"request_id": record["request_id"],
		"intent":     guarded,
	})
	return n.ok(msg, "approval.request.result", map[string]any{"record": record})
}

func (n *ApprovalNode) resolve(ctx context.Context, msg *protocol.Message) *protocol.Message {
	requestID := stringArg(msg, "request_id")
	decision := stringArg(msg, "decision")
	if requestID == "" {
		return n.fail(msg, protocol.ErrBadMessage, "request_id is required", false, nil)
	}
	if decision != DecisionApproved && decision != DecisionDenied {
		return n.fail(msg, protocol.ErrBadMessage,
			fmt.Sprintf("decision %q must be approved or denied", decision), false, nil)
	}

	records := n.loadRecords()
	raw, ok := records[requestID].(map[string]any)
	if !ok {
		return n.fail(msg, protocol.ErrBadMessage, fmt.Sprintf("no approval record %q", requestID), false, nil)
	}
	if raw["status"] != "pending" {
		return n.fail(msg, protocol.ErrBadMessage,
			fmt.Sprintf("approval %q is already %v", requestID, raw["status"]), false, nil)
	}

	raw["status"] = decision
	raw["resolved_at"] = protocol.NowISO()
	raw["decided_by"] = stringArg(msg, "decided_by")
	raw["decision_note"] = stringArg(msg, "note")
	records[requestID] = raw
	if err := n.saveRecords(records); err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("persist approval: %v", err), false, nil)
	}
	_ = n.env.Persist.EmitEvent("workflow", "approval_resolved", map[string]any{
		"request_id": requestID,
		"decision":   decision,
	})
	return n.ok(msg, "approval.resolve.result", map[string]any{
		"record": raw,
		"confirmation": map[string]any{
			"required":   true,
			"status":     decision,
			"request_id": requestID,
		},
	})
}
