package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-helm/internal/agent"
	"github.com/basket/go-helm/internal/capability"
	"github.com/basket/go-helm/internal/engine"
	"github.com/basket/go-helm/internal/shared"
	"github.com/basket/go-helm/internal/tools"
)

const maxToolNote = 2000

// registerWorkers binds a handler to every built-in agent type. Worker
// domain logic stays behind the Handler contract; these defaults run an
// optional tool pass under the delegation's capability token, then one
// reasoner call that produces the deliverable.
func registerWorkers(d *agent.Dispatcher, reasoner engine.Reasoner, registry *tools.Registry, logger *slog.Logger) error {
	for _, t := range agent.BuiltinTypes() {
		profile, ok := agent.BuiltinProfile(t)
		if !ok {
			return fmt.Errorf("no profile for builtin agent type %q", t)
		}
		if err := d.RegisterHandler(t, newWorkerHandler(profile, reasoner, registry, logger)); err != nil {
			return fmt.Errorf("register %s handler: %w", t, err)
		}
	}
	return nil
}

func newWorkerHandler(p agent.Profile, reasoner engine.Reasoner, registry *tools.Registry, logger *slog.Logger) agent.Handler {
	return func(ctx context.Context, task agent.Task, token *capability.Token) agent.Result {
		start := time.Now()

		var toolNotes []string
		if registry != nil {
			for _, call := range toolCallsForTask(p, task) {
				call.Token = token
				call.GoalID = shared.GoalID(ctx)
				call.Delegatee = string(p.Type)
				out, err := registry.Call(ctx, call)
				if err != nil {
					// Capability violations fail the delegation; the
					// coordinator decides what happens next.
					var v *capability.Violation
					if errors.As(err, &v) {
						return agent.Result{
							Success:         false,
							Error:           err.Error(),
							ExecutionTimeMS: time.Since(start).Milliseconds(),
						}
					}
					toolNotes = append(toolNotes, fmt.Sprintf("%s failed: %v", call.Tool, err))
					continue
				}
				toolNotes = append(toolNotes, fmt.Sprintf("%s:\n%s", call.Tool, shared.Truncate(out, maxToolNote)))
			}
		}

		out, err := reasoner.Generate(ctx, workerPrompt(p, task, toolNotes), workerSystemPrompt(p))
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			return agent.Result{Success: false, Error: err.Error(), ExecutionTimeMS: elapsed}
		}
		return agent.Result{
			Success:         true,
			Data:            out,
			TokensUsed:      shared.EstimateTokens(out) + shared.EstimateTokens(task.Description),
			ExecutionTimeMS: elapsed,
		}
	}
}

// toolCallsForTask selects the tool pass for one delegation. A url parameter
// always yields a fetch; a search pass runs only for profiles allowed to
// read the web, so denied profiles skip straight to the reasoner instead of
// burning a violation.
func toolCallsForTask(p agent.Profile, task agent.Task) []tools.Call {
	var calls []tools.Call
	if raw, ok := task.Parameters["url"].(string); ok && strings.TrimSpace(raw) != "" {
		calls = append(calls, tools.Call{Tool: "fetch_url", Args: map[string]any{"url": strings.TrimSpace(raw)}})
	}
	if !profileAllows(p, "read_web") {
		return calls
	}
	query, _ := task.Parameters["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" && (p.Type == agent.TypeScout || p.Type == agent.TypeHunter) {
		query = strings.TrimSpace(task.Description)
	}
	if query != "" {
		calls = append(calls, tools.Call{Tool: "web_search", Args: map[string]any{"query": query}})
	}
	return calls
}

func profileAllows(p agent.Profile, action string) bool {
	for _, a := range p.DeniedActions {
		if a == action {
			return false
		}
	}
	for _, a := range p.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

func workerSystemPrompt(p agent.Profile) string {
	return fmt.Sprintf("You are a %s agent: %s. Produce the requested deliverable directly, without preamble.", p.Type, p.Description)
}

func workerPrompt(p agent.Profile, task agent.Task, toolNotes []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Description)
	if len(task.Parameters) > 0 {
		fmt.Fprintf(&b, "Parameters: %v\n", task.Parameters)
	}
	if len(toolNotes) > 0 {
		b.WriteString("\nTool results:\n")
		for _, note := range toolNotes {
			b.WriteString(note)
			b.WriteString("\n")
		}
	}
	return b.String()
}
