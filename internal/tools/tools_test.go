package tools

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/voyantlabs/concourse/internal/protocol"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p := NewProvider("test-tools", "0.1.0")
	err := p.Register(Tool{Name: "echo", Description: "echoes its arguments"},
		func(ctx context.Context, args map[string]any, callCtx map[string]any) (any, error) {
			return args, nil
		})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return p
}

func TestRegister_MissingName(t *testing.T) {
	p := NewProvider("test-tools", "0.1.0")
	err := p.Register(Tool{}, func(ctx context.Context, args, callCtx map[string]any) (any, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected error for missing tool name")
	}
}

func TestList_Sorted(t *testing.T) {
	p := newTestProvider(t)
	for _, name := range []string{"zeta", "alpha"} {
		err := p.Register(Tool{Name: name}, func(ctx context.Context, args, callCtx map[string]any) (any, error) {
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	var names []string
	for _, tool := range p.List() {
		names = append(names, tool.Name)
	}
	want := []string{"alpha", "echo", "zeta"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("List order = %v, want %v", names, want)
	}
}

func TestInvoke_Success(t *testing.T) {
	p := newTestProvider(t)
	res := p.Invoke(context.Background(), protocol.ToolCall{
		ToolName:  "echo",
		Arguments: map[string]any{"x": 1},
	})
	if !res.Success {
		t.Fatalf("Invoke failed: %s", res.Error)
	}
	args, ok := res.Result.(map[string]any)
	if !ok || args["x"] != 1 {
		t.Errorf("result = %v", res.Result)
	}
}

func TestInvoke_UnknownTool(t *testing.T) {
	p := newTestProvider(t)
	res := p.Invoke(context.Background(), protocol.ToolCall{ToolName: "does_not_exist"})
	if res.Success {
		t.Fatal("expected failure for unknown tool")
	}
	if want := "tool 'does_not_exist' not found"; res.Error != want {
		t.Errorf("error = %q, want %q", res.Error, want)
	}
}

func TestInvoke_ExecError(t *testing.T) {
	p := newTestProvider(t)
	err := p.Register(Tool{Name: "broken"}, func(ctx context.Context, args, callCtx map[string]any) (any, error) {
		return nil, errors.New("upstream unavailable")
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	res := p.Invoke(context.Background(), protocol.ToolCall{ToolName: "broken"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "upstream unavailable" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestInvoke_PanicContained(t *testing.T) {
	p := newTestProvider(t)
	err := p.Register(Tool{Name: "explosive"}, func(ctx context.Context, args, callCtx map[string]any) (any, error) {
		panic(fmt.Errorf("boom"))
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	res := p.Invoke(context.Background(), protocol.ToolCall{ToolName: "explosive"})
	if res.Success {
		t.Fatal("expected failure for panicking tool")
	}
	if res.Error == "" {
		t.Error("panic produced no error text")
	}
}

func TestGet(t *testing.T) {
	p := newTestProvider(t)
	tool, ok := p.Get("echo")
	if !ok {
		t.Fatal("Get(echo) not found")
	}
	if tool.Description != "echoes its arguments" {
		t.Errorf("description = %q", tool.Description)
	}
	if _, ok := p.Get("nope"); ok {
		t.Error("Get(nope) found")
	}
}
