package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Kaname/internal/kaname/llm"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

// ModelOptions are the backend defaults a ModelNode applies when the request
// does not override them.
type ModelOptions struct {
	Timeout          time.Duration
	DefaultMaxTokens int
	DefaultStop      []string
}

// ModelNode exposes one inference backend as model.* capabilities. One node
// registers per configured provider; the provider tag on each capability is
// what the router's pinning step matches against.
type ModelNode struct {
	base
	provider llm.Provider
	opts     ModelOptions
}

// NewModelNode builds the model provider for one backend.
func NewModelNode(provider llm.Provider, opts ModelOptions) *ModelNode {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = 512
	}
	n := &ModelNode{
		base:     base{id: "model-node-" + provider.Name()},
		provider: provider,
		opts:     opts,
	}
	n.ops = map[string]opHandler{
		"model.catalog.list":  n.catalogList,
		"model.chat.complete": n.chatComplete,
		"model.chat.stream":   n.chatStream,
	}
	return n
}

func (n *ModelNode) ID() string { return n.id }

func (n *ModelNode) Capabilities() []registry.CapabilityMetadata {
	cap := func(name, desc, example string) registry.CapabilityMetadata {
		return registry.CapabilityMetadata{
			Name:              name,
			Description:       desc,
			RiskClass:         registry.RiskRead,
			SideEffectScope:   registry.ScopeExternal,
			Idempotency:       registry.NonIdempotent,
			Examples:          []string{example},
			CapabilityVersion: "1.0.0",
			Provider:          n.provider.Name(),
		}
	}
	caps := []registry.CapabilityMetadata{
		cap("model.chat.complete", "Run one chat completion and return the full text.", "ask the model a question"),
		cap("model.chat.stream", "Run one chat completion, collecting streamed chunks.", "stream a model answer"),
	}
	list := cap("model.catalog.list", "List the models the backend serves.", "list available models")
	list.Idempotency = registry.Idempotent
	caps = append(caps, list)
	return caps
}

func (n *ModelNode) Handler() registry.Handler { return n.handle }

// llmExtension is the router-stamped model selection plus any generation
// overrides the caller put alongside it.
func llmExtension(msg *protocol.Message) map[string]any {
	ext, _ := msg.Extensions["llm"].(map[string]any)
	return ext
}

func (n *ModelNode) buildRequest(msg *protocol.Message) (llm.ChatRequest, *protocol.Message) {
	prompt := stringArg(msg, "prompt")
	if prompt == "" {
		prompt = stringArg(msg, "text")
	}
	if prompt == "" {
		return llm.ChatRequest{}, n.fail(msg, protocol.ErrBadMessage, "prompt is required", false, nil)
	}

	ext := llmExtension(msg)
	model, _ := ext["model"].(string)
	if model == "" {
		return llm.ChatRequest{}, n.fail(msg, protocol.ErrBadMessage,
			"no model selected; extensions.llm.model is required", false, nil)
	}

	req := llm.ChatRequest{
		Model:        model,
		SystemPrompt: stringArg(msg, "system_prompt"),
		Prompt:       prompt,
		MaxTokens:    n.opts.DefaultMaxTokens,
		Stop:         n.opts.DefaultStop,
	}
	if raw, ok := ext["max_tokens"].(float64); ok && raw > 0 {
		req.MaxTokens = int(raw)
	}
	if raw, ok := ext["temperature"].(float64); ok {
		req.Temperature = &raw
	}
	if raw, ok := ext["top_p"].(float64); ok {
		req.TopP = &raw
	}
	if raw, ok := ext["stop"].([]any); ok {
		var stop []string
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				stop = append(stop, s)
			}
		}
		if stop != nil {
			req.Stop = stop
		}
	}
	return req, nil
}

// providerError maps a backend failure onto the protocol error set.
func (n *ModelNode) providerError(msg *protocol.Message, err error) *protocol.Message {
	details := map[string]any{"provider": n.provider.Name()}
	switch {
	case llm.IsTimeout(err):
		return n.fail(msg, protocol.ErrNodeTimeout,
			fmt.Sprintf("%s did not answer in time", n.provider.Name()), true, details)
	case llm.Retryable(err):
		return n.fail(msg, protocol.ErrNodeError, err.Error(), true, details)
	default:
		return n.fail(msg, protocol.ErrNodeUnavailable, err.Error(), false, details)
	}
}

func (n *ModelNode) chatComplete(ctx context.Context, msg *protocol.Message) *protocol.Message {
	req, errMsg := n.buildRequest(msg)
	if errMsg != nil {
		return errMsg
	}
	callCtx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()
	text, err := n.provider.Complete(callCtx, req)
	if err != nil {
		return n.providerError(msg, err)
	}
	return n.ok(msg, "model.chat.response", map[string]any{
		"provider": n.provider.Name(),
		"model":    req.Model,
		"text":     text,
	})
}

func (n *ModelNode) chatStream(ctx context.Context, msg *protocol.Message) *protocol.Message {
	req, errMsg := n.buildRequest(msg)
	if errMsg != nil {
		return errMsg
	}
	callCtx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	var parts []string
	chunks := 0
	doneReason := ""
	err := n.provider.Stream(callCtx, req, func(chunk llm.Chunk) error {
		if chunk.Text != "" {
			parts = append(parts, chunk.Text)
			chunks++
		}
		if chunk.Done {
			doneReason = chunk.DoneReason
		}
		return nil
	})
	if err != nil {
		return n.providerError(msg, err)
	}
	return n.ok(msg, "model.chat.response", map[string]any{
		"provider":    n.provider.Name(),
		"model":       req.Model,
		"text":        strings.Join(parts, ""),
		"chunks":      chunks,
		"done_reason": doneReason,
	})
}

func (n *ModelNode) catalogList(ctx context.Context, msg *protocol.Message) *protocol.Message {
	callCtx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()
	models, err := n.provider.ListModels(callCtx)
	if err != nil {
		return n.providerError(msg, err)
	}
	items := make([]any, 0, len(models))
	for _, m := range models {
		items = append(items, m)
	}
	return n.ok(msg, "model.catalog.list.result", map[string]any{
		"provider": n.provider.Name(),
		"models":   items,
	})
}
