package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

const agentScaffold = `# AGENT

This folder is managed through the capability router.

- spec.md: the project specification
- plan.md: the implementation plan
- interview.md: interview notes
- memory/: working notes
`

// FolderNode manages the working folders under the library root and the
// active_folder pointer in workflow state.
type FolderNode struct {
	base
	env *Context
}

// NewFolderNode builds the folder provider.
func NewFolderNode(env *Context) *FolderNode {
	n := &FolderNode{base: base{id: "folder-node"}, env: env}
	n.ops = map[string]opHandler{
		"folder.list":   n.list,
		"folder.create": n.create,
		"folder.switch": n.switchTo,
	}
	return n
}

func (n *FolderNode) ID() string { return n.id }

func (n *FolderNode) Capabilities() []registry.CapabilityMetadata {
	return []registry.CapabilityMetadata{
		{
			Name:              "folder.list",
			Description:       "List working folders under the library root.",
			RiskClass:         registry.RiskRead,
			SideEffectScope:   registry.ScopeNone,
			Idempotency:       registry.Idempotent,
			Examples:          []string{"list folders"},
			CapabilityVersion: "1.0.0",
		},
		{
			Name:              "folder.create",
			Description:       "Create a working folder with an AGENT.md scaffold and make it active.",
			RiskClass:         registry.RiskMutate,
			SideEffectScope:   registry.ScopeFile,
			ApprovalRequired:  true,
			Idempotency:       registry.Idempotent,
			Examples:          []string{"create folder my-project"},
			CapabilityVersion: "1.0.0",
		},
		{
			Name:              "folder.switch",
			Description:       "Make an existing folder the active folder.",
			RiskClass:         registry.RiskMutate,
			SideEffectScope:   registry.ScopeNone,
			Idempotency:       registry.Idempotent,
			Examples:          []string{"switch to folder my-project"},
			CapabilityVersion: "1.0.0",
		},
	}
}

func (n *FolderNode) Handler() registry.Handler { return n.handle }

func (n *FolderNode) list(ctx context.Context, msg *protocol.Message) *protocol.Message {
	entries, err := os.ReadDir(n.env.LibraryRoot)
	if err != nil && !os.IsNotExist(err) {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("read library root: %v", err), false, nil)
	}
	var folders []any
	for _, entry := range entries {
		if entry.IsDir() {
			folders = append(folders, entry.Name())
		}
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].(string) < folders[j].(string) })
	if folders == nil {
		folders = []any{}
	}
	active, _ := n.env.Workflow.Read("active_folder", "").(string)
	return n.ok(msg, "folder.list.result", map[string]any{
		"folders":       folders,
		"active_folder": active,
	})
}

func (n *FolderNode) create(ctx context.Context, msg *protocol.Message) *protocol.Message {
	name := stringArg(msg, "name")
	if err := safeName(name); err != nil {
		return n.fail(msg, protocol.ErrBadMessage, err.Error(), false, nil)
	}
	dir := filepath.Join(n.env.LibraryRoot, name)
	if err := os.MkdirAll(filepath.Join(dir, "memory"), 0o755); err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("create folder: %v", err), false, nil)
	}
	agentPath := filepath.Join(dir, "AGENT.md")
	if _, err := os.Stat(agentPath); os.IsNotExist(err) {
		if err := os.WriteFile(agentPath, []byte(agentScaffold), 0o644); err != nil {
			return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("write scaffold: %v", err), false, nil)
		}
	}
	if _, err := n.env.Workflow.Update(map[string]any{"active_folder": name}); err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("update state: %v", err), false, nil)
	}
	return n.ok(msg, "folder.create.result", map[string]any{
		"name":          name,
		"active_folder": name,
	})
}

func (n *FolderNode) switchTo(ctx context.Context, msg *protocol.Message) *protocol.Message {
	name := stringArg(msg, "name")
	if err := safeName(name); err != nil {
		return n.fail(msg, protocol.ErrBadMessage, err.Error(), false, nil)
	}
	info, err := os.Stat(filepath.Join(n.env.LibraryRoot, name))
	if err != nil || !info.IsDir() {
		return n.fail(msg, protocol.ErrBadMessage, fmt.Sprintf("folder %q does not exist", name), false,
			map[string]any{"name": name})
	}
	if _, err := n.env.Workflow.Update(map[string]any{"active_folder": name}); err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("update state: %v", err), false, nil)
	}
	return n.ok(msg, "folder.switch.result", map[string]any{"active_folder": name})
}
