// Package runtime assembles one complete router process: persistence,
// workflow state, the registry with its built-in nodes, the routing core,
// the intent analyzer, and the optional async and streaming surfaces. The
// cmd entrypoints build a Runtime and hand its parts to httpapi.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bdobrica/Kaname/internal/kaname/asyncq"
	"github.com/bdobrica/Kaname/internal/kaname/config"
	"github.com/bdobrica/Kaname/internal/kaname/httpapi"
	"github.com/bdobrica/Kaname/internal/kaname/intent"
	"github.com/bdobrica/Kaname/internal/kaname/llm"
	"github.com/bdobrica/Kaname/internal/kaname/nodes"
	"github.com/bdobrica/Kaname/internal/kaname/persist"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
	"github.com/bdobrica/Kaname/internal/kaname/router"
	"github.com/bdobrica/Kaname/internal/kaname/stream"
	"github.com/bdobrica/Kaname/internal/kaname/workflow"
)

// builtinPriority is the selection priority for in-process nodes. Remote
// registrations can outrank them by declaring a higher value.
const builtinPriority = 100

// Options configure a runtime. DataRoot and RegistrationToken are required;
// everything else has a working default.
type Options struct {
	DataRoot          string
	LibraryRoot       string
	UserConfigPath    string
	RegistrationToken string

	HeartbeatTTL time.Duration // default 15s
	NodeTimeout  time.Duration // default 3s

	// Providers are the configured model backends, keyed by provider name.
	// Each one gets a model node registered for it.
	Providers    map[string]llm.Provider
	ModelOptions nodes.ModelOptions

	// Broker and Control enable the async pipeline; leave both nil to run
	// without it.
	Broker  asyncq.Broker
	Control asyncq.Control

	// AsyncMinChars and DefaultStop tune the streaming front-end.
	AsyncMinChars int
	DefaultStop   []string
}

// Runtime is the wired process.
type Runtime struct {
	Store    *persist.Store
	Workflow *workflow.State
	Registry *registry.Registry
	Resolver *config.Resolver
	Router   *router.Router
	Intent   *intent.Router
	Enqueuer *asyncq.Enqueuer
	Sink     *asyncq.ResultSink
	Stream   *stream.Handler

	env *nodes.Context
	log *slog.Logger
}

// New builds and wires a runtime, registering every built-in node.
func New(opts Options) (*Runtime, error) {
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 15 * time.Second
	}
	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = 3 * time.Second
	}

	store, err := persist.New(opts.DataRoot)
	if err != nil {
		return nil, err
	}
	wf := workflow.New(store)
	reg := registry.New(store, opts.RegistrationToken, opts.HeartbeatTTL)
	resolver := config.NewResolver(opts.UserConfigPath)
	rt := router.New(reg, resolver, store, opts.LibraryRoot, opts.NodeTimeout)

	env := &nodes.Context{
		LibraryRoot: opts.LibraryRoot,
		Persist:     store,
		Workflow:    wf,
		Route:       rt.Route,
	}

	builtins := []nodes.Node{
		nodes.NewChatNode(),
		nodes.NewFolderNode(env),
		nodes.NewMemoryNode(env),
		nodes.NewSkillNode(env),
		nodes.NewApprovalNode(env),
		nodes.NewAuditNode(env),
		nodes.NewGitNode(env),
	}
	for _, name := range sortedProviderNames(opts.Providers) {
		builtins = append(builtins, nodes.NewModelNode(opts.Providers[name], opts.ModelOptions))
	}
	for _, n := range builtins {
		result := reg.Register(nodes.Descriptor(n, opts.RegistrationToken, builtinPriority), n.Handler())
		if !result.OK {
			return nil, fmt.Errorf("runtime: register %s: %s", n.ID(), result.Reason)
		}
	}

	analyzer := intent.NewAnalyzer(reg.Catalog)
	ir := intent.NewRouter(analyzer, rt.Route)

	r := &Runtime{
		Store:    store,
		Workflow: wf,
		Registry: reg,
		Resolver: resolver,
		Router:   rt,
		Intent:   ir,
		env:      env,
		log:      slog.Default().With("component", "runtime"),
	}

	if opts.Broker != nil && opts.Control != nil {
		r.Enqueuer = asyncq.NewEnqueuer(rt, opts.Control, opts.Broker)
		r.Sink = asyncq.NewResultSink(opts.Control, store)
	}

	if len(opts.Providers) > 0 {
		var enqueue stream.EnqueueFunc
		if r.Enqueuer != nil {
			enqueue = r.Enqueuer.Enqueue
		}
		r.Stream = stream.NewHandler(stream.Options{
			Resolver:         resolver,
			Providers:        opts.Providers,
			Enqueue:          enqueue,
			Store:            store,
			MinChars:         opts.AsyncMinChars,
			DefaultMaxTokens: opts.ModelOptions.DefaultMaxTokens,
			DefaultStop:      opts.DefaultStop,
		})
	}

	sel := resolver.Resolve(nil)
	r.log.Info(resolver.StartupNotice(sel), "nodes", len(builtins))
	return r, nil
}

// HTTPDeps packages the runtime for the HTTP surface.
func (r *Runtime) HTTPDeps() httpapi.Deps {
	return httpapi.Deps{
		Router:   r.Router,
		Intent:   r.Intent,
		Enqueuer: r.Enqueuer,
		Sink:     r.Sink,
		Stream:   r.Stream,
	}
}

// NodeEnv exposes the shared node context, mainly for tests and workers that
// host built-in handlers out of process.
func (r *Runtime) NodeEnv() *nodes.Context {
	return r.env
}

// FlowRequest drives one guarded mutation through the approval gate.
type FlowRequest struct {
	// Mutation is the approval-required message to run once approved.
	Mutation  *protocol.Message
	Decision  string
	DecidedBy string
	Note      string

	// CommitPaths are the library-relative paths to commit after the
	// mutation succeeds. When empty they are derived from the mutation
	// response (folder/file payload fields); if none can be derived the
	// commit step is skipped.
	CommitPaths   []string
	CommitMessage string
}

// FlowOutcome reports what the flow did.
type FlowOutcome struct {
	RequestID string
	Decision  string
	// Response is the guarded mutation's response; nil when the request was
	// denied and the mutation never ran.
	Response *protocol.Message
	// Commit is the git.commit response, nil when the commit step was
	// skipped.
	Commit *protocol.Message
}

// ApprovalFlow runs request, resolve, and (when approved) the guarded
// mutation with the approved confirmation attached, then commits the touched
// paths. The error message return covers failures of the flow itself; the
// mutation's own outcome, error or not, lands in FlowOutcome.Response.
func (r *Runtime) ApprovalFlow(ctx context.Context, req FlowRequest) (*FlowOutcome, *protocol.Message) {
	if req.Mutation == nil {
		return nil, protocol.MakeError(protocol.ErrBadMessage, "mutation message is required", "", false, nil)
	}

	request := protocol.New("approval.request", map[string]any{
		"intent": req.Mutation.Intent,
		"changes": []any{map[string]any{
			"intent":  req.Mutation.Intent,
			"payload": protocol.DeepCopyMap(req.Mutation.Payload),
		}},
	})
	resp := r.Router.Route(ctx, request)
	if protocol.IsError(resp) {
		return nil, resp
	}
	record, _ := resp.Payload["record"].(map[string]any)
	requestID, _ := record["request_id"].(string)
	if requestID == "" {
		return nil, protocol.MakeError(protocol.ErrInternal, "approval record has no request_id", request.MessageID, false, nil)
	}

	resolve := protocol.New("approval.resolve", map[string]any{
		"request_id": requestID,
		"decision":   req.Decision,
		"decided_by": req.DecidedBy,
		"note":       req.Note,
	})
	resp = r.Router.Route(ctx, resolve)
	if protocol.IsError(resp) {
		return nil, resp
	}

	outcome := &FlowOutcome{RequestID: requestID, Decision: req.Decision}
	if req.Decision != nodes.DecisionApproved {
		return outcome, nil
	}

	confirmation := map[string]any{
		"required":   true,
		"status":     nodes.DecisionApproved,
		"request_id": requestID,
	}
	mutation := req.Mutation.Clone()
	mutation.MessageID = protocol.NewID()
	if mutation.Extensions == nil {
		mutation.Extensions = map[string]any{}
	}
	mutation.Extensions["confirmation"] = confirmation
	outcome.Response = r.Router.Route(ctx, mutation)
	if protocol.IsError(outcome.Response) {
		return outcome, nil
	}

	paths := req.CommitPaths
	if len(paths) == 0 {
		paths = derivePaths(outcome.Response.Payload)
	}
	if len(paths) == 0 {
		return outcome, nil
	}
	message := req.CommitMessage
	if message == "" {
		message = fmt.Sprintf("approved change %s (%s)", req.Mutation.Intent, requestID)
	}
	commit := protocol.New("git.commit", map[string]any{
		"paths":   toAny(paths),
		"message": message,
	})
	commit.Extensions = map[string]any{"confirmation": confirmation}
	outcome.Commit = r.Router.Route(ctx, commit)
	return outcome, nil
}

// derivePaths extracts a library-relative path from responses that name the
// folder and file they touched.
func derivePaths(payload map[string]any) []string {
	folder, _ := payload["folder"].(string)
	file, _ := payload["file"].(string)
	if folder == "" || file == "" {
		return nil
	}
	return []string{folder + "/" + file}
}

func sortedProviderNames(providers map[string]llm.Provider) []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
