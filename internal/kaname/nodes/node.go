// Package nodes implements the built-in capability providers the runtime
// registers in-process: chat, folder, memory, workflow skills, approvals,
// audit, git, and model backends.
//
// Ownership stays acyclic: nodes receive a Context with a route function
// injected by the runtime, never a reference to the router itself.
package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/Kaname/internal/kaname/persist"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
	"github.com/bdobrica/Kaname/internal/kaname/workflow"
)

// RouteFunc lets a node submit a sub-request back through the router.
type RouteFunc func(ctx context.Context, msg *protocol.Message) *protocol.Message

// Context carries the shared services a node may use.
type Context struct {
	LibraryRoot string
	Persist     *persist.Store
	Workflow    *workflow.State
	Route       RouteFunc
}

// Node is one built-in capability provider.
type Node interface {
	ID() string
	Capabilities() []registry.CapabilityMetadata
	Handler() registry.Handler
}

// Descriptor renders a node's registration descriptor. Built-in nodes use an
// in-process sentinel endpoint; the handler is what actually runs.
func Descriptor(n Node, registrationToken string, priority int) registry.NodeDescriptor {
	return registry.NodeDescriptor{
		NodeID:                    n.ID(),
		NodeVersion:               "1.0.0",
		EndpointURL:               "inproc://" + n.ID(),
		SupportedProtocolVersions: []string{protocol.Version},
		Capabilities:              n.Capabilities(),
		Priority:                  priority,
		Auth:                      registry.NodeAuth{RegistrationToken: registrationToken},
	}
}

type opHandler func(ctx context.Context, msg *protocol.Message) *protocol.Message

// base gives every node the same dispatch, response, and trace behavior.
type base struct {
	id  string
	ops map[string]opHandler
}

func (b *base) handle(ctx context.Context, msg *protocol.Message) *protocol.Message {
	op, ok := b.ops[msg.Intent]
	var resp *protocol.Message
	if !ok {
		resp = protocol.MakeError(protocol.ErrAdapterNotFound,
			fmt.Sprintf("node %s does not implement %q", b.id, msg.Intent),
			msg.MessageID, false, map[string]any{"intent": msg.Intent})
	} else {
		resp = op(ctx, msg)
	}
	protocol.SeedTrace(resp, msg)
	protocol.EnsureTrace(resp, msg.MessageID, b.id)
	return resp
}

func (b *base) ok(parent *protocol.Message, intent string, payload map[string]any) *protocol.Message {
	return protocol.MakeResponse(intent, payload, parent.MessageID, nil)
}

func (b *base) fail(parent *protocol.Message, code, text string, retryable bool, details map[string]any) *protocol.Message {
	return protocol.MakeError(code, text, parent.MessageID, retryable, details)
}

// safeName rejects names that could escape the library root.
func safeName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("name %q is not allowed", name)
	}
	return nil
}

func stringArg(msg *protocol.Message, key string) string {
	s, _ := msg.Payload[key].(string)
	return s
}
