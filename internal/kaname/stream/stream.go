// Package stream is the synchronous completion front-end: inline directive
// parsing, provider selection, SSE token streaming, and the async fallback
// for prompts too long to serve inline.
package stream

import (
	"regexp"
	"strings"

	"github.com/bdobrica/Kaname/internal/kaname/config"
	"github.com/bdobrica/Kaname/internal/kaname/llm"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

// DefaultMinChars is the prompt length at which requests fall back to the
// async pipeline.
const DefaultMinChars = 700

// DefaultMaxTokens caps generation when neither the request nor the
// environment says otherwise.
const DefaultMaxTokens = 512

// profile binds a node key to the system prompt it implies.
type profile struct {
	NodeID       string
	SystemPrompt string
}

// nodeProfiles are the selectable personalities for /node:<key> directives.
var nodeProfiles = map[string]profile{
	"general": {
		NodeID:       "chat-node",
		SystemPrompt: "You are a concise, helpful assistant.",
	},
	"builder": {
		NodeID:       "skill-node",
		SystemPrompt: "You are a software project assistant. Answer with concrete specs, plans, and file contents.",
	},
}

const defaultNodeKey = "general"

var directivePattern = regexp.MustCompile(`/(node|model):(\S+)`)

// target is the fully resolved request: what to run, where, and with which
// generation options.
type target struct {
	Node         string
	NodeID       string
	Provider     string
	Model        string
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Stop         []string
	ForceAsync   bool
	AsyncReason  string
}

// resolveTarget layers, in priority order: inline directives, extensions.llm,
// then provider defaults from the resolver.
func resolveTarget(msg *protocol.Message, resolver *config.Resolver, minChars, defaultMaxTokens int, defaultStop []string) target {
	prompt, _ := msg.Payload["prompt"].(string)
	if prompt == "" {
		prompt, _ = msg.Payload["text"].(string)
	}

	nodeKey := defaultNodeKey
	directiveModel := ""
	for _, match := range directivePattern.FindAllStringSubmatch(prompt, -1) {
		switch match[1] {
		case "node":
			if _, ok := nodeProfiles[match[2]]; ok {
				nodeKey = match[2]
			}
		case "model":
			directiveModel = match[2]
		}
	}
	prompt = strings.TrimSpace(directivePattern.ReplaceAllString(prompt, ""))
	prompt = strings.Join(strings.Fields(prompt), " ")

	ext, _ := msg.Extensions["llm"].(map[string]any)
	sel := resolver.Resolve(ext)
	model := sel.Model
	if directiveModel != "" {
		model = directiveModel
	}

	out := target{
		Node:         nodeKey,
		NodeID:       nodeProfiles[nodeKey].NodeID,
		Provider:     sel.Provider,
		Model:        model,
		Prompt:       prompt,
		SystemPrompt: nodeProfiles[nodeKey].SystemPrompt,
		MaxTokens:    defaultMaxTokens,
		Stop:         defaultStop,
	}
	if raw, ok := msg.Payload["system_prompt"].(string); ok && raw != "" {
		out.SystemPrompt = raw
	}
	if raw, ok := ext["max_tokens"].(float64); ok && raw > 0 {
		out.MaxTokens = int(raw)
	}
	if raw, ok := ext["stop"].([]any); ok {
		var stop []string
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				stop = append(stop, s)
			}
		}
		if stop != nil {
			out.Stop = stop
		}
	}

	if force, _ := msg.Payload["force_async"].(bool); force {
		out.ForceAsync = true
		out.AsyncReason = "force_async"
	} else if len(out.Prompt) >= minChars {
		out.ForceAsync = true
		out.AsyncReason = "prompt_length"
	}
	return out
}

func (t target) chatRequest() llm.ChatRequest {
	return llm.ChatRequest{
		Model:        t.Model,
		SystemPrompt: t.SystemPrompt,
		Prompt:       t.Prompt,
		MaxTokens:    t.MaxTokens,
		Stop:         t.Stop,
	}
}
