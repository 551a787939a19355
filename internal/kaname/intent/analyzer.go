// Package intent maps free-form text to canonical capability calls. The
// analyzer is a fixed, ordered rule table; it is deterministic on purpose so
// the same prompt always produces the same plan. Low-confidence plans are
// turned into clarifications instead of being routed.
package intent

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Tunables. The threshold gates routing; plans below it ask for
// clarification instead.
const (
	ConfidenceThreshold = 0.75
	CatalogTTL          = 5 * time.Second
	confidenceBasis     = "intent.router.nl"
)

// Plan is the analyzer's output for one prompt.
type Plan struct {
	CanonicalIntent       string         `json:"canonical_intent"`
	Confidence            float64        `json:"confidence"`
	RiskClass             string         `json:"risk_class,omitempty"`
	ReasonCodes           []string       `json:"reason_codes"`
	RequiredExtensions    []string       `json:"required_extensions"`
	TargetCapabilities    []string       `json:"target_capabilities"`
	ClarificationRequired bool           `json:"clarification_required"`
	ClarificationPrompt   string         `json:"clarification_prompt,omitempty"`
	Payload               map[string]any `json:"payload"`
	RequiredConfirmation  bool           `json:"required_confirmation"`
	ErrorCode             string         `json:"error_code,omitempty"`
}

// CatalogFunc supplies the live capability catalog, typically
// Registry.Catalog via the router.
type CatalogFunc func() map[string][]map[string]any

// Analyzer holds the rule table plus a short-lived catalog cache.
type Analyzer struct {
	catalogFn CatalogFunc

	mu          sync.Mutex
	cached      map[string][]map[string]any
	cachedAt    time.Time
	catalogTTL  time.Duration
	threshold   float64
	nowOverride func() time.Time
}

// NewAnalyzer builds an analyzer with the default threshold and catalog TTL.
func NewAnalyzer(catalogFn CatalogFunc) *Analyzer {
	return &Analyzer{
		catalogFn:  catalogFn,
		catalogTTL: CatalogTTL,
		threshold:  ConfidenceThreshold,
	}
}

type rule struct {
	pattern    *regexp.Regexp
	intent     string
	confidence float64
	reason     string
	build      func(match []string, ctx map[string]any) map[string]any
}

// Rules are matched in order; the first hit wins. Patterns are conservative
// on purpose: the model-chat fallback catches everything else.
var rules = []rule{
	{
		pattern:    regexp.MustCompile(`(?i)^(?:list|show)\s+(?:my\s+)?folders?$`),
		intent:     "folder.list",
		confidence: 0.95,
		reason:     "folder_list_keyword",
		build:      func(m []string, ctx map[string]any) map[string]any { return map[string]any{} },
	},
	{
		pattern:    regexp.MustCompile(`(?i)^(?:create|make|new)\s+folder\s+(?:called\s+|named\s+)?["']?([\w./-]+)["']?$`),
		intent:     "folder.create",
		confidence: 0.92,
		reason:     "folder_create_keyword",
		build: func(m []string, ctx map[string]any) map[string]any {
			return map[string]any{"name": m[1]}
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)^(?:switch\s+to|open|use)\s+folder\s+["']?([\w./-]+)["']?$`),
		intent:     "folder.switch",
		confidence: 0.92,
		reason:     "folder_switch_keyword",
		build: func(m []string, ctx map[string]any) map[string]any {
			return map[string]any{"name": m[1]}
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)^(?:start|begin)\s+(?:the\s+)?interview`),
		intent:     "workflow.interview.start",
		confidence: 0.9,
		reason:     "interview_start_keyword",
		build:      func(m []string, ctx map[string]any) map[string]any { return map[string]any{} },
	},
	{
		pattern:    regexp.MustCompile(`(?i)^(?:continue|resume)\s+(?:the\s+)?interview`),
		intent:     "workflow.interview.continue",
		confidence: 0.9,
		reason:     "interview_continue_keyword",
		build:      func(m []string, ctx map[string]any) map[string]any { return map[string]any{} },
	},
	{
		pattern:    regexp.MustCompile(`(?i)^(?:complete|finish|end)\s+(?:the\s+)?interview`),
		intent:     "workflow.interview.complete",
		confidence: 0.9,
		reason:     "interview_complete_keyword",
		build:      func(m []string, ctx map[string]any) map[string]any { return map[string]any{} },
	},
	{
		pattern:    regexp.MustCompile(`(?i)^(?:generate|draft|write)\s+(?:the\s+|a\s+)?spec`),
		intent:     "workflow.spec.generate",
		confidence: 0.88,
		reason:     "spec_generate_keyword",
		build:      func(m []string, ctx map[string]any) map[string]any { return map[string]any{} },
	},
	{
		pattern:    regexp.MustCompile(`(?i)^save\s+(?:the\s+)?spec`),
		intent:     "workflow.spec.propose_save",
		confidence: 0.88,
		reason:     "spec_save_keyword",
		build:      func(m []string, ctx map[string]any) map[string]any { return map[string]any{} },
	},
	{
		pattern:    regexp.MustCompile(`(?i)^(?:generate|draft)\s+(?:the\s+|a\s+)?plan`),
		intent:     "workflow.plan.generate",
		confidence: 0.88,
		reason:     "plan_generate_keyword",
		build:      func(m []string, ctx map[string]any) map[string]any { return map[string]any{} },
	},
	{
		pattern:    regexp.MustCompile(`(?i)^save\s+(?:the\s+)?plan`),
		intent:     "workflow.plan.propose_save",
		confidence: 0.88,
		reason:     "plan_save_keyword",
		build:      func(m []string, ctx map[string]any) map[string]any { return map[string]any{} },
	},
	{
		pattern:    regexp.MustCompile(`(?i)^(?:write|save)\s+(?:file|memory|note)\s+["']?([\w./-]+)["']?\s+with\s+(.+)$`),
		intent:     "memory.write",
		confidence: 0.9,
		reason:     "memory_write_keyword",
		build: func(m []string, ctx map[string]any) map[string]any {
			return map[string]any{"name": m[1], "content": m[2]}
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)^(?:read|show)\s+(?:file|memory|note)\s+["']?([\w./-]+)["']?$`),
		intent:     "memory.read",
		confidence: 0.9,
		reason:     "memory_read_keyword",
		build: func(m []string, ctx map[string]any) map[string]any {
			return map[string]any{"name": m[1]}
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)^list\s+(?:files|memories|notes)$`),
		intent:     "memory.list",
		confidence: 0.9,
		reason:     "memory_list_keyword",
		build:      func(m []string, ctx map[string]any) map[string]any { return map[string]any{} },
	},
	{
		pattern:    regexp.MustCompile(`(?i)^search\s+(?:files|memory|memories|notes)\s+for\s+(.+)$`),
		intent:     "memory.search",
		confidence: 0.88,
		reason:     "memory_search_keyword",
		build: func(m []string, ctx map[string]any) map[string]any {
			return map[string]any{"query": strings.TrimSpace(m[1])}
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)^edit\s+(?:file|memory|note)\s+["']?([\w./-]+)["']?\s+(?:replacing|replace)\s+(.+?)\s+with\s+(.+)$`),
		intent:     "memory.edit",
		confidence: 0.85,
		reason:     "memory_edit_keyword",
		build: func(m []string, ctx map[string]any) map[string]any {
			return map[string]any{"name": m[1], "find": m[2], "replace": m[3]}
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)^(?:delete|remove)\s+(?:file|memory|note)\s+["']?([\w./-]+)["']?$`),
		intent:     "memory.delete",
		confidence: 0.9,
		reason:     "memory_delete_keyword",
		build: func(m []string, ctx map[string]any) map[string]any {
			return map[string]any{"name": m[1]}
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)^(?:list|show)\s+(?:available\s+)?models$`),
		intent:     "model.catalog.list",
		confidence: 0.95,
		reason:     "model_catalog_keyword",
		build:      func(m []string, ctx map[string]any) map[string]any { return map[string]any{} },
	},
	{
		pattern:    regexp.MustCompile(`(?i)^stream[:\s]\s*(.+)$`),
		intent:     "model.chat.stream",
		confidence: 0.9,
		reason:     "model_stream_keyword",
		build: func(m []string, ctx map[string]any) map[string]any {
			return map[string]any{"prompt": strings.TrimSpace(m[1])}
		},
	},
}

// Analyze produces a plan for the prompt. ctx carries workflow context such
// as active_folder and interview.awaiting_answer.
func (a *Analyzer) Analyze(text string, ctx map[string]any) *Plan {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return &Plan{
			Confidence:            0.0,
			ReasonCodes:           []string{"empty_prompt"},
			RequiredExtensions:    []string{},
			TargetCapabilities:    []string{},
			ClarificationRequired: true,
			ClarificationPrompt:   "The prompt is empty. What would you like to do?",
			Payload:               map[string]any{},
		}
	}

	plan := a.matchRules(trimmed, ctx)
	a.overlayCatalog(plan)

	if plan.Confidence < a.threshold && !plan.ClarificationRequired {
		plan.ClarificationRequired = true
		plan.ClarificationPrompt = "I am not sure what you mean. Can you rephrase?"
		plan.ReasonCodes = append(plan.ReasonCodes, "confidence_below_threshold")
	}
	return plan
}

func (a *Analyzer) matchRules(text string, ctx map[string]any) *Plan {
	for _, r := range rules {
		if m := r.pattern.FindStringSubmatch(text); m != nil {
			return &Plan{
				CanonicalIntent:    r.intent,
				Confidence:         r.confidence,
				ReasonCodes:        []string{r.reason},
				RequiredExtensions: []string{},
				TargetCapabilities: []string{r.intent},
				Payload:            r.build(m, ctx),
			}
		}
	}

	if awaitingAnswer(ctx) {
		return &Plan{
			CanonicalIntent:    "workflow.interview.continue",
			Confidence:         0.9,
			ReasonCodes:        []string{"interview_context_answer"},
			RequiredExtensions: []string{},
			TargetCapabilities: []string{"workflow.interview.continue"},
			Payload:            map[string]any{"answer": text},
		}
	}

	return &Plan{
		CanonicalIntent:    "model.chat.complete",
		Confidence:         0.86,
		ReasonCodes:        []string{"fallback_model_chat"},
		RequiredExtensions: []string{},
		TargetCapabilities: []string{"model.chat.complete"},
		Payload:            map[string]any{"prompt": text},
	}
}

// overlayCatalog layers the canonical capability metadata into the plan and
// flags intents the live catalog cannot serve.
func (a *Analyzer) overlayCatalog(plan *Plan) {
	if plan.CanonicalIntent == "" {
		return
	}
	catalog := a.catalog()
	providers, ok := catalog[plan.CanonicalIntent]
	if !ok || len(providers) == 0 {
		plan.ClarificationRequired = true
		plan.ClarificationPrompt = "That capability is not available right now."
		plan.ReasonCodes = append(plan.ReasonCodes, "capability_unavailable")
		plan.ErrorCode = "E_NO_ROUTE"
		return
	}
	canonical := providers[0]
	if rc, ok := canonical["risk_class"].(string); ok {
		plan.RiskClass = rc
	}
	if required, ok := canonical["required_extensions"].([]string); ok {
		plan.RequiredExtensions = append([]string{}, required...)
	} else if required, ok := canonical["required_extensions"].([]any); ok {
		for _, item := range required {
			if s, ok := item.(string); ok {
				plan.RequiredExtensions = append(plan.RequiredExtensions, s)
			}
		}
	}
	if approval, ok := canonical["approval_required"].(bool); ok {
		plan.RequiredConfirmation = approval
	}
}

// catalog returns the cached catalog, refreshing it after the TTL.
func (a *Analyzer) catalog() map[string][]map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if a.nowOverride != nil {
		now = a.nowOverride()
	}
	if a.cached == nil || now.Sub(a.cachedAt) >= a.catalogTTL {
		a.cached = a.catalogFn()
		a.cachedAt = now
	}
	return a.cached
}

// InvalidateCatalog drops the cache so the next analysis sees fresh data.
func (a *Analyzer) InvalidateCatalog() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cached = nil
}

func awaitingAnswer(ctx map[string]any) bool {
	if ctx == nil {
		return false
	}
	interview, _ := ctx["interview"].(map[string]any)
	if interview == nil {
		return false
	}
	awaiting, _ := interview["awaiting_answer"].(bool)
	return awaiting
}
