package intent_test

import (
	"context"
	"testing"

	"github.com/bdobrica/Kaname/internal/kaname/intent"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

func staticCatalog() map[string][]map[string]any {
	return map[string][]map[string]any{
		"folder.list":         {{"risk_class": "read", "required_extensions": []string{}, "approval_required": false}},
		"folder.create":       {{"risk_class": "mutate", "required_extensions": []string{}, "approval_required": true}},
		"memory.write":        {{"risk_class": "mutate", "required_extensions": []string{}, "approval_required": true}},
		"memory.search":       {{"risk_class": "read", "required_extensions": []string{}, "approval_required": false}},
		"model.chat.complete": {{"risk_class": "read", "required_extensions": []string{}, "approval_required": false}},
		"model.catalog.list":  {{"risk_class": "read", "required_extensions": []string{}, "approval_required": false}},
		"workflow.interview.continue": {{
			"risk_class": "read", "required_extensions": []string{}, "approval_required": false,
		}},
	}
}

func newAnalyzer() *intent.Analyzer {
	return intent.NewAnalyzer(staticCatalog)
}

func TestAnalyze_EmptyPrompt(t *testing.T) {
	plan := newAnalyzer().Analyze("   ", nil)
	if !plan.ClarificationRequired {
		t.Fatal("empty prompt must ask for clarification")
	}
	if plan.Confidence > 0.5 {
		t.Errorf("empty prompt confidence too high: %v", plan.Confidence)
	}
	if len(plan.ReasonCodes) == 0 || plan.ReasonCodes[0] != "empty_prompt" {
		t.Errorf("expected empty_prompt reason, got %v", plan.ReasonCodes)
	}
}

func TestAnalyze_RuleTable(t *testing.T) {
	cases := []struct {
		text    string
		intent  string
		payload map[string]any
	}{
		{"list folders", "folder.list", map[string]any{}},
		{"create folder my-project", "folder.create", map[string]any{"name": "my-project"}},
		{"write file notes.md with hello", "memory.write", map[string]any{"name": "notes.md", "content": "hello"}},
		{"search memory for routing", "memory.search", map[string]any{"query": "routing"}},
		{"list models", "model.catalog.list", map[string]any{}},
	}
	a := newAnalyzer()
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			plan := a.Analyze(tc.text, nil)
			if plan.CanonicalIntent != tc.intent {
				t.Fatalf("expected %s, got %s", tc.intent, plan.CanonicalIntent)
			}
			for k, v := range tc.payload {
				if plan.Payload[k] != v {
					t.Errorf("payload[%s]: expected %v, got %v", k, v, plan.Payload[k])
				}
			}
			if plan.Confidence < intent.ConfidenceThreshold {
				t.Errorf("rule match should be confident, got %v", plan.Confidence)
			}
		})
	}
}

func TestAnalyze_MutationOverlaysConfirmation(t *testing.T) {
	plan := newAnalyzer().Analyze("write file notes.md with hello", nil)
	if !plan.RequiredConfirmation {
		t.Error("memory.write should require confirmation per catalog")
	}
	if plan.RiskClass != "mutate" {
		t.Errorf("risk class overlay missing: %q", plan.RiskClass)
	}
}

func TestAnalyze_InterviewContextFallback(t *testing.T) {
	ctx := map[string]any{"interview": map[string]any{"awaiting_answer": true}}
	plan := newAnalyzer().Analyze("blue, mostly", ctx)
	if plan.CanonicalIntent != "workflow.interview.continue" {
		t.Fatalf("expected interview continue, got %s", plan.CanonicalIntent)
	}
	if plan.Payload["answer"] != "blue, mostly" {
		t.Errorf("answer payload wrong: %v", plan.Payload)
	}
}

func TestAnalyze_DefaultModelChatFallback(t *testing.T) {
	plan := newAnalyzer().Analyze("tell me about lighthouses", nil)
	if plan.CanonicalIntent != "model.chat.complete" {
		t.Fatalf("expected model chat fallback, got %s", plan.CanonicalIntent)
	}
	if plan.ReasonCodes[0] != "fallback_model_chat" {
		t.Errorf("expected fallback reason, got %v", plan.ReasonCodes)
	}
	if plan.Confidence != 0.86 {
		t.Errorf("fallback confidence wrong: %v", plan.Confidence)
	}
}

func TestAnalyze_UnavailableCapability(t *testing.T) {
	a := intent.NewAnalyzer(func() map[string][]map[string]any {
		return map[string][]map[string]any{}
	})
	plan := a.Analyze("list folders", nil)
	if !plan.ClarificationRequired {
		t.Fatal("unavailable capability should clarify")
	}
	if plan.ErrorCode != "E_NO_ROUTE" {
		t.Errorf("expected E_NO_ROUTE, got %q", plan.ErrorCode)
	}
}

func TestRoute_StatusTransitions(t *testing.T) {
	var lastMsg *protocol.Message
	respond := func(resp *protocol.Message) intent.RouteFunc {
		return func(ctx context.Context, msg *protocol.Message) *protocol.Message {
			lastMsg = msg
			return resp
		}
	}

	ok := protocol.MakeResponse("memory.write.result", map[string]any{"saved": true}, "", nil)
	r := intent.NewRouter(newAnalyzer(), respond(ok))

	result := r.Route(context.Background(), intent.Request{Text: "write file notes.md with hello", Confirm: true})
	if result.Status != intent.StatusRouted {
		t.Fatalf("expected routed, got %s", result.Status)
	}
	confirmation := lastMsg.Extensions["confirmation"].(map[string]any)
	if confirmation["status"] != "approved" {
		t.Errorf("confirm=true should approve: %v", confirmation)
	}
	confidence := lastMsg.Extensions["confidence"].(map[string]any)
	if confidence["basis"] != "intent.router.nl" {
		t.Errorf("confidence basis missing: %v", confidence)
	}

	denied := protocol.MakeError(protocol.ErrConfirmationRequired, "needs approval", "", false, nil)
	r = intent.NewRouter(newAnalyzer(), respond(denied))
	result = r.Route(context.Background(), intent.Request{Text: "write file notes.md with hello", Confirm: false})
	if result.Status != intent.StatusRouteError {
		t.Fatalf("expected route_error, got %s", result.Status)
	}
	confirmation = lastMsg.Extensions["confirmation"].(map[string]any)
	if confirmation["status"] != "pending" {
		t.Errorf("confirm=false should leave status pending: %v", confirmation)
	}

	result = r.Route(context.Background(), intent.Request{Text: ""})
	if result.Status != intent.StatusNeedsClarification {
		t.Fatalf("expected needs_clarification, got %s", result.Status)
	}
	if result.RouteMessage != nil {
		t.Error("clarifications must not build a route message")
	}
}
