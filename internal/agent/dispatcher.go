package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/basket/go-helm/internal/capability"
)

// Task is one bounded sub-task handed to a worker agent.
type Task struct {
	Description        string         `json:"description"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	ExpectedDurationMS int64          `json:"expected_duration_ms,omitempty"`
	TimeoutMS          int64          `json:"timeout_ms,omitempty"`
}

// Result is what a dispatched agent hands back. Failures travel inside the
// struct so the caller can feed them to failure analysis.
type Result struct {
	Success         bool   `json:"success"`
	Data            string `json:"data,omitempty"`
	Error           string `json:"error,omitempty"`
	TokensUsed      int    `json:"tokens_used"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// Handler executes one task under the authority of the supplied token.
// Handlers own the domain logic; the dispatcher owns routing, timing, and
// panic containment.
type Handler func(ctx context.Context, task Task, token *capability.Token) Result

// Dispatcher routes tasks to registered handlers by agent type. Built-in
// types must have a handler registered before dispatch; extension types
// register a profile and handler together.
type Dispatcher struct {
	mu         sync.RWMutex
	handlers   map[Type]Handler
	extensions map[Type]Profile
	logger     *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers:   make(map[Type]Handler),
		extensions: make(map[Type]Profile),
		logger:     logger,
	}
}

// RegisterHandler binds a handler to a built-in agent type.
func (d *Dispatcher) RegisterHandler(t Type, h Handler) error {
	if _, ok := builtinProfiles[t]; !ok {
		return fmt.Errorf("register handler: unknown agent type %q", t)
	}
	if h == nil {
		return fmt.Errorf("register handler: nil handler for %q", t)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
	return nil
}

// RegisterExtension adds a dynamically defined agent type with its own
// capability profile and handler. Extension types may not shadow built-ins.
func (d *Dispatcher) RegisterExtension(p Profile, h Handler) error {
	if p.Type == "" {
		return fmt.Errorf("register extension: empty agent type")
	}
	if _, ok := builtinProfiles[p.Type]; ok {
		return fmt.Errorf("register extension: %q is a built-in type", p.Type)
	}
	if h == nil {
		return fmt.Errorf("register extension: nil handler for %q", p.Type)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.extensions[p.Type]; dup {
		return fmt.Errorf("register extension: %q already registered", p.Type)
	}
	d.extensions[p.Type] = p
	d.handlers[p.Type] = h
	return nil
}

// Profile resolves the capability profile for a type, built-in or extension.
func (d *Dispatcher) Profile(t Type) (Profile, bool) {
	if p, ok := builtinProfiles[t]; ok {
		return p, true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.extensions[t]
	return p, ok
}

// Known reports whether the type can be dispatched to at all.
func (d *Dispatcher) Known(t Type) bool {
	_, ok := d.Profile(t)
	return ok
}

// Profiles lists the profiles of every type with a registered handler,
// sorted by type. Profiles without handlers are omitted; offering an agent
// that cannot be dispatched would waste an iteration.
func (d *Dispatcher) Profiles() []Profile {
	d.mu.RLock()
	types := make([]Type, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	d.mu.RUnlock()

	slices.Sort(types)
	out := make([]Profile, 0, len(types))
	for _, t := range types {
		if p, ok := d.Profile(t); ok {
			out = append(out, p)
		}
	}
	return out
}

// Dispatch runs the task on the handler registered for the agent type.
// Unknown types, missing handlers, and handler panics all come back as
// failed Results rather than errors or panics.
func (d *Dispatcher) Dispatch(ctx context.Context, agentType Type, task Task, token *capability.Token) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Success:         false,
				Error:           fmt.Sprintf("agent %q panicked: %v", agentType, r),
				ExecutionTimeMS: time.Since(start).Milliseconds(),
			}
			d.logger.Error("agent handler panicked", "agent_type", agentType, "panic", r)
		}
	}()

	if !d.Known(agentType) {
		return Result{Success: false, Error: fmt.Sprintf("unknown agent type %q", agentType)}
	}

	d.mu.RLock()
	h, ok := d.handlers[agentType]
	d.mu.RUnlock()
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("no handler registered for agent type %q", agentType)}
	}

	result = h(ctx, task, token)
	if result.ExecutionTimeMS == 0 {
		result.ExecutionTimeMS = time.Since(start).Milliseconds()
	}
	d.logger.Debug("agent dispatched",
		"agent_type", agentType,
		"success", result.Success,
		"tokens_used", result.TokensUsed,
		"execution_time_ms", result.ExecutionTimeMS)
	return result
}
