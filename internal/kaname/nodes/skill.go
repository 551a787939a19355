package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

// interviewQuestions is the fixed script every project interview walks.
var interviewQuestions = []string{
	"What is this project about, in one or two sentences?",
	"Who will use it, and what do they need from it?",
	"What are the three most important features?",
	"What is explicitly out of scope?",
	"Are there deadlines, dependencies, or other constraints?",
}

// SkillNode drives the project workflow: the interview state machine and the
// spec/plan generation built on its answers. Generation prefers routing a
// model.chat.complete sub-request; when no model answers it falls back to a
// deterministic template so the workflow never stalls.
type SkillNode struct {
	base
	env *Context
}

// NewSkillNode builds the workflow provider.
func NewSkillNode(env *Context) *SkillNode {
	n := &SkillNode{base: base{id: "skill-node"}, env: env}
	n.ops = map[string]opHandler{
		"workflow.interview.start":    n.interviewStart,
		"workflow.interview.continue": n.interviewContinue,
		"workflow.interview.complete": n.interviewComplete,
		"workflow.spec.generate":      n.specGenerate,
		"workflow.plan.generate":      n.planGenerate,
		"workflow.spec.propose_save":  n.specProposeSave,
		"workflow.plan.propose_save":  n.planProposeSave,
	}
	return n
}

func (n *SkillNode) ID() string { return n.id }

func (n *SkillNode) Capabilities() []registry.CapabilityMetadata {
	stateOp := func(name, desc, example string) registry.CapabilityMetadata {
		return registry.CapabilityMetadata{
			Name:              name,
			Description:       desc,
			RiskClass:         registry.RiskMutate,
			SideEffectScope:   registry.ScopeNone,
			Idempotency:       registry.Idempotent,
			Examples:          []string{example},
			CapabilityVersion: "1.0.0",
		}
	}
	genOp := func(name, desc, example string) registry.CapabilityMetadata {
		return registry.CapabilityMetadata{
			Name:              name,
			Description:       desc,
			RiskClass:         registry.RiskRead,
			SideEffectScope:   registry.ScopeExternal,
			Idempotency:       registry.NonIdempotent,
			Examples:          []string{example},
			CapabilityVersion: "1.0.0",
		}
	}
	saveOp := func(name, desc, example string) registry.CapabilityMetadata {
		return registry.CapabilityMetadata{
			Name:              name,
			Description:       desc,
			RiskClass:         registry.RiskMutate,
			SideEffectScope:   registry.ScopeFile,
			ApprovalRequired:  true,
			Idempotency:       registry.Idempotent,
			Examples:          []string{example},
			CapabilityVersion: "1.0.0",
		}
	}
	return []registry.CapabilityMetadata{
		stateOp("workflow.interview.start", "Start the project interview for the active folder.", "start the interview"),
		stateOp("workflow.interview.continue", "Record an answer and ask the next question.", "answer the interview question"),
		stateOp("workflow.interview.complete", "Close the interview and summarize the answers.", "finish the interview"),
		genOp("workflow.spec.generate", "Draft a specification from the interview answers.", "generate the spec"),
		genOp("workflow.plan.generate", "Draft an implementation plan from the spec.", "generate the plan"),
		saveOp("workflow.spec.propose_save", "Write the drafted specification to spec.md.", "save the spec"),
		saveOp("workflow.plan.propose_save", "Write the drafted plan to plan.md.", "save the plan"),
	}
}

func (n *SkillNode) Handler() registry.Handler { return n.handle }

// activeFolder resolves the folder the workflow operates on.
func (n *SkillNode) activeFolder(msg *protocol.Message) (string, *protocol.Message) {
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
	return folder, nil
}

func interviewFor(state map[string]any, folder string) map[string]any {
	interviews, _ := state["interviews"].(map[string]any)
	if interviews == nil {
		interviews = map[string]any{}
		state["interviews"] = interviews
	}
	record, _ := interviews[folder].(map[string]any)
	if record == nil {
		record = map[string]any{
			"question_index":  float64(0),
			"answers":         []any{},
			"awaiting_answer": false,
			"complete":        false,
		}
		interviews[folder] = record
	}
	return record
}

func questionIndex(record map[string]any) int {
	switch v := record["question_index"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func (n *SkillNode) interviewStart(ctx context.Context, msg *protocol.Message) *protocol.Message {
	folder, errMsg := n.activeFolder(msg)
	if errMsg != nil {
		return errMsg
	}
	_, err := n.env.Workflow.Mutate(func(state map[string]any) {
		interviews, _ := state["interviews"].(map[string]any)
		if interviews == nil {
			interviews = map[string]any{}
			state["interviews"] = interviews
		}
		interviews[folder] = map[string]any{
			"question_index":  float64(0),
			"answers":         []any{},
			"awaiting_answer": true,
			"complete":        false,
		}
	})
	if err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("update state: %v", err), false, nil)
	}
	return n.ok(msg, "workflow.interview.question", map[string]any{
		"folder":    folder,
		"question":  interviewQuestions[0],
		"number":    1,
		"remaining": len(interviewQuestions) - 1,
	})
}

func (n *SkillNode) interviewContinue(ctx context.Context, msg *protocol.Message) *protocol.Message {
	folder, errMsg := n.activeFolder(msg)
	if errMsg != nil {
		return errMsg
	}
	answer := stringArg(msg, "answer")
	if answer == "" {
		return n.fail(msg, protocol.ErrBadMessage, "answer is required", false, nil)
	}

	var accepted, done bool
	var nextIndex int
	_, err := n.env.Workflow.Mutate(func(state map[string]any) {
		record := interviewFor(state, folder)
		if awaiting, _ := record["awaiting_answer"].(bool); !awaiting {
			return
		}
		accepted = true
		answers, _ := record["answers"].([]any)
		answers = append(answers, answer)
		record["answers"] = answers
		nextIndex = questionIndex(record) + 1
		record["question_index"] = float64(nextIndex)
		if nextIndex >= len(interviewQuestions) {
			record["awaiting_answer"] = false
			record["complete"] = true
			done = true
		}
	})
	if err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("update state: %v", err), false, nil)
	}
	if !accepted {
		return n.fail(msg, protocol.ErrBadMessage,
			fmt.Sprintf("no interview awaiting an answer for folder %q", folder), false, nil)
	}

	if done {
		return n.ok(msg, "workflow.interview.done", map[string]any{
			"folder":    folder,
			"questions": len(interviewQuestions),
		})
	}
	return n.ok(msg, "workflow.interview.question", map[string]any{
		"folder":    folder,
		"question":  interviewQuestions[nextIndex],
		"number":    nextIndex + 1,
		"remaining": len(interviewQuestions) - nextIndex - 1,
	})
}

func (n *SkillNode) interviewComplete(ctx context.Context, msg *protocol.Message) *protocol.Message {
	folder, errMsg := n.activeFolder(msg)
	if errMsg != nil {
		return errMsg
	}
	var answers []any
	_, err := n.env.Workflow.Mutate(func(state map[string]any) {
		record := interviewFor(state, folder)
		record["awaiting_answer"] = false
		record["complete"] = true
		answers, _ = record["answers"].([]any)
	})
	if err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("update state: %v", err), false, nil)
	}
	if answers == nil {
		answers = []any{}
	}
	return n.ok(msg, "workflow.interview.done", map[string]any{
		"folder":  folder,
		"answers": answers,
	})
}

// interviewSummary renders the question/answer pairs for prompting and for
// the template fallback.
func (n *SkillNode) interviewSummary(folder string) string {
	interviews, _ := n.env.Workflow.Read("interviews", map[string]any{}).(map[string]any)
	record, _ := interviews[folder].(map[string]any)
	answers, _ := record["answers"].([]any)
	var b strings.Builder
	for i, q := range interviewQuestions {
		if i >= len(answers) {
			break
		}
		fmt.Fprintf(&b, "Q: %s\nA: %v\n\n", q, answers[i])
	}
	return b.String()
}

// generateViaModel routes a model.chat.complete sub-request. The empty string
// return means the model path is unavailable and the caller should fall back.
func (n *SkillNode) generateViaModel(ctx context.Context, parent *protocol.Message, prompt string) string {
	if n.env.Route == nil {
		return ""
	}
	sub := protocol.New("model.chat.complete", map[string]any{"prompt": prompt})
	if trace, ok := parent.Extensions["trace"]; ok {
		sub.Extensions = map[string]any{"trace": trace}
	}
	resp := n.env.Route(ctx, sub)
	if resp == nil || protocol.IsError(resp) {
		return ""
	}
	text, _ := resp.Payload["text"].(string)
	return text
}

func (n *SkillNode) generateDocument(ctx context.Context, msg *protocol.Message, kind string) *protocol.Message {
	folder, errMsg := n.activeFolder(msg)
	if errMsg != nil {
		return errMsg
	}
	summary := n.interviewSummary(folder)
	if summary == "" {
		return n.fail(msg, protocol.ErrBadMessage,
			fmt.Sprintf("no interview answers for folder %q; run the interview first", folder), false, nil)
	}

	var prompt, fallback string
	switch kind {
	case "spec":
		prompt = "Write a concise project specification in markdown from this interview:\n\n" + summary
		fallback = fmt.Sprintf("# %s specification\n\n## Interview notes\n\n%s", folder, summary)
	case "plan":
		prompt = "Write a step-by-step implementation plan in markdown from this interview:\n\n" + summary
		fallback = fmt.Sprintf("# %s plan\n\n## Derived from interview\n\n%s", folder, summary)
	}

	source := "model"
	text := n.generateViaModel(ctx, msg, prompt)
	if text == "" {
		source = "template"
		text = fallback
	}
	return n.ok(msg, fmt.Sprintf("workflow.%s.draft", kind), map[string]any{
		"folder": folder,
		"kind":   kind,
		"source": source,
		"text":   text,
	})
}

func (n *SkillNode) specGenerate(ctx context.Context, msg *protocol.Message) *protocol.Message {
	return n.generateDocument(ctx, msg, "spec")
}

func (n *SkillNode) planGenerate(ctx context.Context, msg *protocol.Message) *protocol.Message {
	return n.generateDocument(ctx, msg, "plan")
}

func (n *SkillNode) proposeSave(msg *protocol.Message, filename string) *protocol.Message {
	folder, errMsg := n.activeFolder(msg)
	if errMsg != nil {
		return errMsg
	}
	text := stringArg(msg, "text")
	if text == "" {
		return n.fail(msg, protocol.ErrBadMessage, "text is required", false, nil)
	}
	dir := filepath.Join(n.env.LibraryRoot, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("create folder: %v", err), false, nil)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return n.fail(msg, protocol.ErrNodeError, fmt.Sprintf("write %s: %v", filename, err), false, nil)
	}
	return n.ok(msg, "workflow.save.result", map[string]any{
		"folder": folder,
		"file":   filename,
		"bytes":  len(text),
	})
}

func (n *SkillNode) specProposeSave(ctx context.Context, msg *protocol.Message) *protocol.Message {
	return n.proposeSave(msg, "spec.md")
}

func (n *SkillNode) planProposeSave(ctx context.Context, msg *protocol.Message) *protocol.Message {
	return n.proposeSave(msg, "plan.md")
}
