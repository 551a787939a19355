package nodes

import (
	"context"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

// ChatNode answers chat.general locally without a model backend. It is the
// smallest possible capability provider and doubles as the liveness probe
// for the routing path.
type ChatNode struct {
	base
}

// NewChatNode builds the built-in chat provider.
func NewChatNode() *ChatNode {
	n := &ChatNode{base: base{id: "chat-node"}}
	n.ops = map[string]opHandler{
		"chat.general": n.general,
	}
	return n
}

func (n *ChatNode) ID() string { return n.id }

func (n *ChatNode) Capabilities() []registry.CapabilityMetadata {
	return []registry.CapabilityMetadata{{
		Name:              "chat.general",
		Description:       "Echo-style general chat without a model backend.",
		RiskClass:         registry.RiskRead,
		SideEffectScope:   registry.ScopeNone,
		Idempotency:       registry.Idempotent,
		Examples:          []string{"hello", "say hi"},
		CapabilityVersion: "1.0.0",
	}}
}

func (n *ChatNode) Handler() registry.Handler { return n.handle }

func (n *ChatNode) general(ctx context.Context, msg *protocol.Message) *protocol.Message {
	text := stringArg(msg, "text")
	return n.ok(msg, "chat.response", map[string]any{"text": text})
}
