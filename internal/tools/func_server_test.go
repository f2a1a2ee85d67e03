package tools

import (
	"context"
	"fmt"
	"testing"
)

func TestFuncServer(t *testing.T) {
	srv := NewFuncServer("builtin")
	if srv.Name() != "builtin" {
		t.Fatalf("unexpected name %q", srv.Name())
	}

	srv.RegisterFunc("echo", func(ctx context.Context, args map[string]any) (string, error) {
		return fmt.Sprintf("%v", args["msg"]), nil
	})

	got, err := srv.Execute(context.Background(), "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "hi" {
		t.Fatalf("expected hi, got %q", got)
	}

	if _, err := srv.Execute(context.Background(), "missing", nil); err == nil {
		t.Fatal("unregistered tool should error")
	}
}

func TestFuncServer_Replace(t *testing.T) {
	srv := NewFuncServer("builtin")
	srv.RegisterFunc("v", func(ctx context.Context, args map[string]any) (string, error) {
		return "one", nil
	})
	srv.RegisterFunc("v", func(ctx context.Context, args map[string]any) (string, error) {
		return "two", nil
	})
	got, err := srv.Execute(context.Background(), "v", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "two" {
		t.Fatalf("expected re-registration to replace, got %q", got)
	}
}
