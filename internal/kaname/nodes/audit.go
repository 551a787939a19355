package nodes

import (
	"context"
	"fmt"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

// AuditNode reads the append-only event logs back out, so operators can
// inspect routing history through the same capability surface everything
// else uses.
type AuditNode struct {
	base
	env *Context
}

// NewAuditNode builds the audit provider.
func NewAuditNode(env *Context) *AuditNode {
	n := &AuditNode{base: base{id: "audit-node"}, env: env}
	n.ops = map[string]opHandler{
		"audit.log.query": n.query,
	}
	return n
}

func (n *AuditNode) ID() string { return n.id }

func (n *AuditNode) Capabilities() []registry.CapabilityMetadata {
	return []registry.CapabilityMetadata{{
		Name:              "audit.log.query",
		Description:       "Read the tail of an event-log channel.",
		RiskClass:         registry.RiskRead,
		SideEffectScope:   registry.ScopeNone,
		Idempotency:       registry.Idempotent,
		Examples:          []string{"show the last router events"},
		CapabilityVersion: "1.0.0",
	}}
}

func (n *AuditNode) Handler() registry.Handler { return n.handle }

func (n *AuditNode) query(ctx context.Context, msg *protocol.Message) *protocol.Message {
	channel := stringArg(msg, "channel")
	if channel == "" {
		channel = "router"
	}
	if err := safeName(channel); err != nil {
		return n.fail(msg, protocol.ErrBadMessage, err.Error(), false, nil)
	}
	limit := 50
	if raw, ok := msg.Payload["limit"].(float64); ok && raw > 0 {
		limit = int(raw)
	}
	entries, err := n.env.Persist.ReadLog(channel, limit)
	if err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("read log: %v", err), false, nil)
	}
	items := make([]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entry)
	}
	return n.ok(msg, "audit.log.query.result", map[string]any{
		"channel": channel,
		"entries": items,
	})
}
