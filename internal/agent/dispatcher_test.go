package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/go-helm/internal/capability"
)

func TestParseType_Builtins(t *testing.T) {
	for _, name := range []string{"scout", "analyst", "hunter", "scribe", "strategist", "operator", "verifier", "executor"} {
		tt, err := ParseType(name)
		if err != nil {
			t.Fatalf("ParseType(%q): %v", name, err)
		}
		if string(tt) != name {
			t.Fatalf("ParseType(%q) = %q", name, tt)
		}
	}
}

func TestParseType_Unknown(t *testing.T) {
	if _, err := ParseType("wizard"); err == nil {
		t.Fatal("expected error for unknown agent type")
	}
}

func TestProfileMint_ScopedToken(t *testing.T) {
	p, ok := BuiltinProfile(TypeScout)
	if !ok {
		t.Fatal("scout profile missing")
	}
	tok := p.Mint("goal-1")
	if tok.Delegatee != "scout" {
		t.Fatalf("delegatee = %q, want scout", tok.Delegatee)
	}
	if tok.GoalID != "goal-1" {
		t.Fatalf("goal_id = %q, want goal-1", tok.GoalID)
	}
	if !tok.CanPerform("read_exa") {
		t.Fatal("scout token must allow read_exa")
	}
	if tok.CanPerform("write_crm") {
		t.Fatal("scout token must deny write_crm")
	}
	if !tok.IsValid() {
		t.Fatal("freshly minted token must be valid")
	}
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	d := NewDispatcher(nil)
	var got Task
	err := d.RegisterHandler(TypeScout, func(ctx context.Context, task Task, token *capability.Token) Result {
		got = task
		return Result{Success: true, Data: "found 3 leads", TokensUsed: 42}
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}

	res := d.Dispatch(context.Background(), TypeScout, Task{Description: "find leads"}, nil)
	if !res.Success {
		t.Fatalf("dispatch failed: %s", res.Error)
	}
	if res.Data != "found 3 leads" {
		t.Fatalf("data = %q", res.Data)
	}
	if res.TokensUsed != 42 {
		t.Fatalf("tokens_used = %d, want 42", res.TokensUsed)
	}
	if got.Description != "find leads" {
		t.Fatalf("handler saw task %+v", got)
	}
	if res.ExecutionTimeMS < 0 {
		t.Fatalf("execution_time_ms = %d", res.ExecutionTimeMS)
	}
}

func TestDispatch_UnknownType(t *testing.T) {
	d := NewDispatcher(nil)
	res := d.Dispatch(context.Background(), Type("wizard"), Task{}, nil)
	if res.Success {
		t.Fatal("unknown type must not succeed")
	}
	if !strings.Contains(res.Error, "unknown agent type") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestDispatch_MissingHandler(t *testing.T) {
	d := NewDispatcher(nil)
	res := d.Dispatch(context.Background(), TypeAnalyst, Task{}, nil)
	if res.Success {
		t.Fatal("missing handler must not succeed")
	}
	if !strings.Contains(res.Error, "no handler registered") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestDispatch_PanicContained(t *testing.T) {
	d := NewDispatcher(nil)
	_ = d.RegisterHandler(TypeExecutor, func(ctx context.Context, task Task, token *capability.Token) Result {
		panic("handler exploded")
	})

	res := d.Dispatch(context.Background(), TypeExecutor, Task{}, nil)
	if res.Success {
		t.Fatal("panicking handler must not succeed")
	}
	if !strings.Contains(res.Error, "handler exploded") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestRegisterHandler_UnknownType(t *testing.T) {
	d := NewDispatcher(nil)
	err := d.RegisterHandler(Type("wizard"), func(ctx context.Context, task Task, token *capability.Token) Result {
		return Result{Success: true}
	})
	if err == nil {
		t.Fatal("expected error registering handler for unknown type")
	}
}

func TestRegisterExtension(t *testing.T) {
	d := NewDispatcher(nil)
	ext := Profile{
		Type:             Type("translator"),
		AllowedActions:   []string{"read_docs"},
		TimeLimitSeconds: 120,
	}
	err := d.RegisterExtension(ext, func(ctx context.Context, task Task, token *capability.Token) Result {
		return Result{Success: true, Data: "translated"}
	})
	if err != nil {
		t.Fatalf("register extension: %v", err)
	}

	p, ok := d.Profile(Type("translator"))
	if !ok {
		t.Fatal("extension profile not resolvable")
	}
	if p.TimeLimitSeconds != 120 {
		t.Fatalf("time_limit_seconds = %d", p.TimeLimitSeconds)
	}

	res := d.Dispatch(context.Background(), Type("translator"), Task{}, nil)
	if !res.Success || res.Data != "translated" {
		t.Fatalf("extension dispatch = %+v", res)
	}
}

func TestRegisterExtension_Duplicate(t *testing.T) {
	d := NewDispatcher(nil)
	ext := Profile{Type: Type("translator"), AllowedActions: []string{"read_docs"}}
	h := func(ctx context.Context, task Task, token *capability.Token) Result { return Result{Success: true} }
	if err := d.RegisterExtension(ext, h); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := d.RegisterExtension(ext, h); err == nil {
		t.Fatal("duplicate extension must error")
	}
}

func TestRegisterExtension_CannotShadowBuiltin(t *testing.T) {
	d := NewDispatcher(nil)
	ext := Profile{Type: TypeScout, AllowedActions: []string{"write_crm"}}
	h := func(ctx context.Context, task Task, token *capability.Token) Result { return Result{Success: true} }
	if err := d.RegisterExtension(ext, h); err == nil {
		t.Fatal("extension shadowing a built-in must error")
	}
}

func TestBuiltinTypes_Sorted(t *testing.T) {
	types := BuiltinTypes()
	if len(types) != 8 {
		t.Fatalf("builtin count = %d, want 8", len(types))
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Fatalf("types not sorted: %v", types)
		}
	}
}
