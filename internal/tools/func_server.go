package tools

import (
	"context"
	"fmt"
	"sync"
)

// ToolFunc is one in-process tool implementation.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// FuncServer serves tools from registered Go functions. It backs the
// built-in tools and keeps tests free of network and docker dependencies.
type FuncServer struct {
	name string
	mu   sync.RWMutex
	fns  map[string]ToolFunc
}

// NewFuncServer creates an empty func server.
func NewFuncServer(name string) *FuncServer {
	return &FuncServer{
		name: name,
		fns:  make(map[string]ToolFunc),
	}
}

func (f *FuncServer) Name() string { return f.name }

// RegisterFunc binds a tool name to a function. Re-registering replaces.
func (f *FuncServer) RegisterFunc(tool string, fn ToolFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[tool] = fn
}

func (f *FuncServer) Execute(ctx context.Context, tool string, args map[string]any) (string, error) {
	f.mu.RLock()
	fn, ok := f.fns[tool]
	f.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("server %q does not serve %q", f.name, tool)
	}
	return fn(ctx, args)
}
