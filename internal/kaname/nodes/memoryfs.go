package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

// MemoryNode stores per-folder working notes as markdown files under
// <folder>/memory/. All mutations are approval-gated.
type MemoryNode struct {
	base
	env *Context
}

// NewMemoryNode builds the memory provider.
func NewMemoryNode(env *Context) *MemoryNode {
	n := &MemoryNode{base: base{id: "memory-node"}, env: env}
	n.ops = map[string]opHandler{
		"memory.read":   n.read,
		"memory.list":   n.list,
		"memory.search": n.search,
		"memory.write":  n.write,
		"memory.edit":   n.edit,
		"memory.delete": n.remove,
	}
	return n
}

func (n *MemoryNode) ID() string { return n.id }

func (n *MemoryNode) Capabilities() []registry.CapabilityMetadata {
	read := func(name, desc, example string) registry.CapabilityMetadata {
		return registry.CapabilityMetadata{
			Name:              name,
			Description:       desc,
			RiskClass:         registry.RiskRead,
			SideEffectScope:   registry.ScopeNone,
			Idempotency:       registry.Idempotent,
			Examples:          []string{example},
			CapabilityVersion: "1.0.0",
		}
	}
	mutate := func(name, desc, example, risk string) registry.CapabilityMetadata {
		return registry.CapabilityMetadata{
			Name:              name,
			Description:       desc,
			RiskClass:         risk,
			SideEffectScope:   registry.ScopeFile,
			ApprovalRequired:  true,
			Idempotency:       registry.Idempotent,
			Examples:          []string{example},
			CapabilityVersion: "1.0.0",
		}
	}
	return []registry.CapabilityMetadata{
		read("memory.read", "Read one memory file.", "read file notes.md"),
		read("memory.list", "List memory files in the active folder.", "list files"),
		read("memory.search", "Search memory files for a substring.", "search memory for routing"),
		mutate("memory.write", "Create or overwrite a memory file.", "write file notes.md with hello", registry.RiskMutate),
		mutate("memory.edit", "Replace text inside a memory file.", "edit file notes.md replace a with b", registry.RiskMutate),
		mutate("memory.delete", "Delete a memory file.", "delete file notes.md", registry.RiskDestructive),
	}
}

func (n *MemoryNode) Handler() registry.Handler { return n.handle }

// memoryDir resolves the memory directory for the request, preferring an
// explicit payload folder over the workflow's active folder.
func (n *MemoryNode) memoryDir(msg *protocol.Message) (string, *protocol.Message) {
	folder := stringArg(msg, "folder")
	if folder == "" {
		folder, _ = n.env.Workflow.Read("active_folder", "").(string)
	}
	if folder == "" {
		return "", n.fail(msg, protocol.ErrBadMessage, "no folder given and no active folder set", false, nil)
	}
	if err := safeName(folder); err != nil {
		return "", n.fail(msg, protocol.ErrBadMessage, err.Error(), false, nil)
	}
	return filepath.Join(n.env.LibraryRoot, folder, "memory"), nil
}

func (n *MemoryNode) memoryPath(msg *protocol.Message) (string, *protocol.Message) {
	dir, errMsg := n.memoryDir(msg)
	if errMsg != nil {
		return "", errMsg
	}
	name := stringArg(msg, "name")
	if err := safeName(name); err != nil {
		return "", n.fail(msg, protocol.ErrBadMessage, err.Error(), false, nil)
	}
	if filepath.Ext(name) == "" {
		name += ".md"
	}
	return filepath.Join(dir, name), nil
}

func (n *MemoryNode) read(ctx context.Context, msg *protocol.Message) *protocol.Message {
	path, errMsg := n.memoryPath(msg)
	if errMsg != nil {
		return errMsg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return n.fail(msg, protocol.ErrBadMessage, fmt.Sprintf("no such memory %q", filepath.Base(path)), false, nil)
	}
	return n.ok(msg, "memory.read.result", map[string]any{
		"name":    filepath.Base(path),
		"content": string(data),
	})
}

func (n *MemoryNode) list(ctx context.Context, msg *protocol.Message) *protocol.Message {
	dir, errMsg := n.memoryDir(msg)
	if errMsg != nil {
		return errMsg
	}
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("read memory dir: %v", err), false, nil)
	}
	items := []any{}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
			items = append(items, entry.Name())
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].(string) < items[j].(string) })
	return n.ok(msg, "memory.list.result", map[string]any{"items": items})
}

func (n *MemoryNode) search(ctx context.Context, msg *protocol.Message) *protocol.Message {
	dir, errMsg := n.memoryDir(msg)
	if errMsg != nil {
		return errMsg
	}
	query := stringArg(msg, "query")
	if query == "" {
		return n.fail(msg, protocol.ErrBadMessage, "query is required", false, nil)
	}
	matches := []any{}
	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(strings.ToLower(line), strings.ToLower(query)) {
				matches = append(matches, map[string]any{
					"name": entry.Name(),
					"line": i + 1,
					"text": line,
				})
			}
		}
	}
	return n.ok(msg, "memory.search.result", map[string]any{"query": query, "matches": matches})
}

func (n *MemoryNode) write(ctx context.Context, msg *protocol.Message) *protocol.Message {
	path, errMsg := n.memoryPath(msg)
	if errMsg != nil {
		return errMsg
	}
	content, ok := msg.Payload["content"].(string)
	if !ok {
		return n.fail(msg, protocol.ErrBadMessage, "content is required", false, nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("create memory dir: %v", err), false, nil)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("write memory: %v", err), false, nil)
	}
	return n.ok(msg, "memory.write.result", map[string]any{
		"name":  filepath.Base(path),
		"bytes": len(content),
	})
}

func (n *MemoryNode) edit(ctx context.Context, msg *protocol.Message) *protocol.Message {
	path, errMsg := n.memoryPath(msg)
	if errMsg != nil {
		return errMsg
	}
	find := stringArg(msg, "find")
	replace := stringArg(msg, "replace")
	if find == "" {
		return n.fail(msg, protocol.ErrBadMessage, "find is required", false, nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return n.fail(msg, protocol.ErrBadMessage, fmt.Sprintf("no such memory %q", filepath.Base(path)), false, nil)
	}
	content := string(data)
	if !strings.Contains(content, find) {
		return n.fail(msg, protocol.ErrBadMessage, fmt.Sprintf("text %q not found", find), false, nil)
	}
	updated := strings.ReplaceAll(content, find, replace)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("write memory: %v", err), false, nil)
	}
	return n.ok(msg, "memory.edit.result", map[string]any{
		"name":         filepath.Base(path),
		"replacements": strings.Count(content, find),
	})
}

func (n *MemoryNode) remove(ctx context.Context, msg *protocol.Message) *protocol.Message {
	path, errMsg := n.memoryPath(msg)
	if errMsg != nil {
		return errMsg
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return n.fail(msg, protocol.ErrBadMessage, fmt.Sprintf("no such memory %q", filepath.Base(path)), false, nil)
		}
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("delete memory: %v", err), false, nil)
	}
	return n.ok(msg, "memory.delete.result", map[string]any{"name": filepath.Base(path)})
}
