package nodes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

// GitNode versions the library root. Approved mutations are followed by a
// git.commit of the touched paths so every change has a durable record.
type GitNode struct {
	base
	env *Context
}

// NewGitNode builds the version-control provider.
func NewGitNode(env *Context) *GitNode {
	n := &GitNode{base: base{id: "git-node"}, env: env}
	n.ops = map[string]opHandler{
		"git.commit": n.commit,
	}
	return n
}

func (n *GitNode) ID() string { return n.id }

func (n *GitNode) Capabilities() []registry.CapabilityMetadata {
	return []registry.CapabilityMetadata{{
		Name:              "git.commit",
		Description:       "Stage the given library paths and commit them.",
		RiskClass:         registry.RiskMutate,
		SideEffectScope:   registry.ScopeFile,
		ApprovalRequired:  true,
		Idempotency:       registry.NonIdempotent,
		Examples:          []string{"commit notes.md"},
		CapabilityVersion: "1.0.0",
	}}
}

func (n *GitNode) Handler() registry.Handler { return n.handle }

func (n *GitNode) openOrInit() (*git.Repository, error) {
	repo, err := git.PlainOpen(n.env.LibraryRoot)
	if err == nil {
		return repo, nil
	}
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return git.PlainInit(n.env.LibraryRoot, false)
	}
	return nil, err
}

func (n *GitNode) commit(ctx context.Context, msg *protocol.Message) *protocol.Message {
	rawPaths, _ := msg.Payload["paths"].([]any)
	var paths []string
	for _, raw := range rawPaths {
		p, ok := raw.(string)
		if !ok || p == "" {
			continue
		}
		clean := filepath.ToSlash(filepath.Clean(p))
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return n.fail(msg, protocol.ErrBadMessage, fmt.Sprintf("path %q escapes the library root", p), false, nil)
		}
		paths = append(paths, clean)
	}
	if len(paths) == 0 {
		return n.fail(msg, protocol.ErrBadMessage, "paths is required", false, nil)
	}

	message := stringArg(msg, "message")
	if message == "" {
		message = fmt.Sprintf("update %s", strings.Join(paths, ", "))
	}

	repo, err := n.openOrInit()
	if err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("open repository: %v", err), false, nil)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("open worktree: %v", err), false, nil)
	}
	for _, p := range paths {
		if _, err := worktree.Add(p); err != nil {
			return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("stage %s: %v", p, err), false,
				map[string]any{"path": p})
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("status: %v", err), false, nil)
	}
	if status.IsClean() {
		return n.ok(msg, "git.commit.result", map[string]any{
			"clean":  true,
			"commit": "",
		})
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "kaname",
			Email: "kaname@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("commit: %v", err), false, nil)
	}
	return n.ok(msg, "git.commit.result", map[string]any{
		"clean":           false,
		"commit":          hash.String(),
		"committed_paths": toAny(paths),
		"message":         message,
	})
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
