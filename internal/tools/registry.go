// Package tools routes tool calls from worker agents to the servers that
// execute them. The registry enforces capability tokens client-side before
// any dispatch and records every invocation in the delegation trace, so the
// audit trail covers tool activity as well as agent activity.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-helm/internal/audit"
	"github.com/basket/go-helm/internal/capability"
	"github.com/basket/go-helm/internal/otel"
	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/safety"
	"github.com/basket/go-helm/internal/shared"
	"github.com/basket/go-helm/internal/trace"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ErrUnknownTool is returned when no route exists for the requested tool.
// Nothing is dispatched and no trace row is opened.
var ErrUnknownTool = errors.New("unknown tool")

const maxTraceSummary = 500

// Server executes tools on behalf of the registry. Implementations own
// transport and isolation; the registry owns routing, enforcement, and audit.
type Server interface {
	Name() string
	Execute(ctx context.Context, tool string, args map[string]any) (string, error)
}

// Route binds a tool name to the server that executes it and the capability
// action a token must grant. ArgsSchema is optional; when set, arguments are
// validated before enforcement so malformed calls fail without spending a
// capability check or a network round trip.
type Route struct {
	Server         Server
	RequiredAction string
	ArgsSchema     *jsonschema.Schema
}

// Call is one tool invocation. Token may be nil for trusted internal
// callers. GoalID and Delegatee tie the call into the delegation trace;
// either empty means the call runs untraced.
type Call struct {
	Tool      string
	Args      map[string]any
	Token     *capability.Token
	GoalID    string
	Delegatee string
}

// Deps are the registry's collaborators. All of them are optional except
// Logger defaults; a registry with nil traces, audit, and metrics still
// routes and enforces.
type Deps struct {
	Traces        *trace.Service
	Audit         *audit.Recorder
	Leaks         *safety.LeakDetector
	Metrics       *otel.Metrics
	Tracer        oteltrace.Tracer
	Logger        *slog.Logger
	ConfigVersion string
}

// Registry maps tool names to routes and guards every dispatch.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]Route

	traces  *trace.Service
	audit   *audit.Recorder
	leaks   *safety.LeakDetector
	metrics *otel.Metrics
	tracer  oteltrace.Tracer
	logger  *slog.Logger
	version string
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		routes:  make(map[string]Route),
		traces:  deps.Traces,
		audit:   deps.Audit,
		leaks:   deps.Leaks,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		logger:  logger,
		version: deps.ConfigVersion,
	}
}

// Register binds a tool name to a route. Re-registering a name replaces the
// previous route.
func (r *Registry) Register(tool string, route Route) error {
	if tool == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if route.Server == nil {
		return fmt.Errorf("register tool %q: nil server", tool)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[tool] = route
	return nil
}

// RegisterServer registers every named tool against one server with a shared
// required action.
func (r *Registry) RegisterServer(srv Server, requiredAction string, tools ...string) error {
	for _, t := range tools {
		if err := r.Register(t, Route{Server: srv, RequiredAction: requiredAction}); err != nil {
			return err
		}
	}
	return nil
}

// Tools lists the registered tool names. Order is unspecified.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for name := range r.routes {
		out = append(out, name)
	}
	return out
}

// Call routes one tool invocation. The order is fixed: unknown tools are
// refused before anything else happens, argument validation and capability
// enforcement both run client-side before the server sees the call, and the
// trace row opened for the dispatch is always closed, on failure included.
func (r *Registry) Call(ctx context.Context, call Call) (string, error) {
	r.mu.RLock()
	route, ok := r.routes[call.Tool]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, call.Tool)
	}

	if route.ArgsSchema != nil {
		if err := validateArgs(route.ArgsSchema, call.Args); err != nil {
			return "", fmt.Errorf("invalid args for %q: %w", call.Tool, err)
		}
	}

	if err := capability.Enforce(call.Tool, route.RequiredAction, call.Token); err != nil {
		if r.metrics != nil {
			r.metrics.CapabilityDenials.Add(ctx, 1, metric.WithAttributes(
				otel.AttrToolName.String(call.Tool),
				otel.AttrDelegatee.String(call.Delegatee)))
		}
		if r.audit != nil {
			r.audit.Record(audit.CategoryCapability, "deny", call.Tool, err.Error(), r.version)
		}
		r.logger.Warn("tool call refused",
			"tool", call.Tool,
			"delegatee", call.Delegatee,
			"error", err)
		return "", err
	}

	callCtx := ctx
	var span oteltrace.Span
	if r.tracer != nil {
		callCtx, span = otel.StartClientSpan(ctx, r.tracer, "tool.call",
			otel.AttrToolName.String(call.Tool),
			otel.AttrAction.String(route.RequiredAction),
			otel.AttrGoalID.String(call.GoalID),
			otel.AttrDelegatee.String(call.Delegatee),
			attribute.String("helm.tool.server", route.Server.Name()),
		)
		defer span.End()
	}

	traceID := r.openTrace(callCtx, call)
	start := time.Now()

	result, err := route.Server.Execute(callCtx, call.Tool, call.Args)
	elapsed := time.Since(start)

	if r.metrics != nil {
		attrs := metric.WithAttributes(
			otel.AttrToolName.String(call.Tool),
			attribute.String("helm.tool.server", route.Server.Name()))
		r.metrics.ToolCalls.Add(ctx, 1, attrs)
		r.metrics.ToolDuration.Record(ctx, elapsed.Seconds(), attrs)
	}

	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		r.closeTraceFailed(callCtx, traceID, err)
		return "", fmt.Errorf("tool %q: %w", call.Tool, err)
	}

	r.scanForLeaks(call.Tool, result)
	r.closeTraceCompleted(callCtx, traceID, result, elapsed)
	return result, nil
}

// openTrace starts a delegation trace row for the call when a trace service
// and both identifiers are present. The agent making the call is the
// delegator of the tool step. Trace failures are logged and swallowed; audit
// gaps never abort a tool call.
func (r *Registry) openTrace(ctx context.Context, call Call) string {
	if r.traces == nil || call.GoalID == "" || call.Delegatee == "" {
		return ""
	}
	input := call.Tool
	if len(call.Args) > 0 {
		if b, err := json.Marshal(call.Args); err == nil {
			input = call.Tool + " " + string(b)
		}
	}
	traceID, err := r.traces.Start(ctx, call.GoalID, call.Delegatee, "tool:"+call.Tool,
		shared.Truncate(input, maxTraceSummary))
	if err != nil {
		r.logger.Warn("tool trace open failed", "tool", call.Tool, "error", err)
		return ""
	}
	return traceID
}

func (r *Registry) closeTraceCompleted(ctx context.Context, traceID, result string, elapsed time.Duration) {
	if traceID == "" {
		return
	}
	err := r.traces.Complete(ctx, traceID,
		shared.Truncate(result, maxTraceSummary), 0, elapsed.Milliseconds(), nil,
		persistence.TraceStatusCompleted)
	if err != nil {
		r.logger.Warn("tool trace close failed", "trace_id", traceID, "error", err)
	}
}

func (r *Registry) closeTraceFailed(ctx context.Context, traceID string, callErr error) {
	if traceID == "" {
		return
	}
	if err := r.traces.Fail(ctx, traceID, callErr.Error()); err != nil {
		r.logger.Warn("tool trace fail-close failed", "trace_id", traceID, "error", err)
	}
}

// scanForLeaks warns when a tool result carries credential-shaped content.
// The result still flows back to the caller; redaction happens at the
// persistence boundary, the scan exists so the operator hears about it.
func (r *Registry) scanForLeaks(tool, result string) {
	if r.leaks == nil {
		return
	}
	for _, w := range r.leaks.Scan(result) {
		r.logger.Warn("tool result may leak secrets",
			"tool", tool,
			"pattern", w.Pattern,
			"sample", w.Sample)
		if r.audit != nil {
			r.audit.Record(audit.CategoryLeak, "warn", tool, w.Pattern, r.version)
		}
	}
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numbers arrive the way the validator
	// expects them regardless of how the caller built the map.
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return err
	}
	return schema.Validate(v)
}

// CompileArgsSchema compiles a JSON Schema document for use in a Route.
func CompileArgsSchema(schemaJSON []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal args schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("args.json", doc); err != nil {
		return nil, fmt.Errorf("add args schema: %w", err)
	}
	schema, err := c.Compile("args.json")
	if err != nil {
		return nil, fmt.Errorf("compile args schema: %w", err)
	}
	return schema, nil
}
