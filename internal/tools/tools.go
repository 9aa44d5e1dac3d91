// Package tools implements named capability providers. Agents invoke tools
// synchronously through a provider; unknown tools and internal faults are
// returned as failed results and never propagate.
package tools

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/voyantlabs/concourse/internal/protocol"
)

// Tool describes one named capability and its input contract.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ExecFunc runs a tool. Returned errors are converted to failed ToolResults
// at the provider boundary.
type ExecFunc func(ctx context.Context, args map[string]any, callCtx map[string]any) (any, error)

// Provider holds a fixed set of registered tools for one agent type.
type Provider struct {
	name    string
	version string

	mu    sync.RWMutex
	tools map[string]Tool
	execs map[string]ExecFunc
}

// NewProvider creates an empty tool provider.
func NewProvider(name, version string) *Provider {
	if version == "" {
		version = "1.0.0"
	}
	return &Provider{
		name:    name,
		version: version,
		tools:   make(map[string]Tool),
		execs:   make(map[string]ExecFunc),
	}
}

// Register binds a tool definition to its implementation.
func (p *Provider) Register(tool Tool, exec ExecFunc) error {
	if tool.Name == "" {
		return fmt.Errorf("tools: name is required")
	}
	if exec == nil {
		return fmt.Errorf("tools: exec is required for %q", tool.Name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools[tool.Name] = tool
	p.execs[tool.Name] = exec
	return nil
}

// List returns all registered tools sorted by name.
func (p *Provider) List() []Tool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Tool, 0, len(p.tools))
	for _, t := range p.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named tool definition.
func (p *Provider) Get(name string) (Tool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tools[name]
	return t, ok
}

// Invoke runs the named tool. An unknown tool name yields a failed result;
// execution errors and panics are contained and reported the same way.
func (p *Provider) Invoke(ctx context.Context, call protocol.ToolCall) (result protocol.ToolResult) {
	p.mu.RLock()
	exec, ok := p.execs[call.ToolName]
	p.mu.RUnlock()
	if !ok {
		return protocol.ToolResult{Success: false, Error: fmt.Sprintf("tool '%s' not found", call.ToolName)}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("tools: %s: panic in %s: %v", p.name, call.ToolName, r)
			result = protocol.ToolResult{Success: false, Error: fmt.Sprintf("tool '%s' panicked: %v", call.ToolName, r)}
		}
	}()

	out, err := exec(ctx, call.Arguments, call.Context)
	if err != nil {
		return protocol.ToolResult{Success: false, Error: err.Error()}
	}
	return protocol.ToolResult{Success: true, Result: out}
}

// Info describes the provider and its tools for discovery.
func (p *Provider) Info() map[string]any {
	list := p.List()
	tools := make([]map[string]any, len(list))
	for i, t := range list {
		tools[i] = map[string]any{"name": t.Name, "description": t.Description}
	}
	return map[string]any{
		"name":    p.name,
		"version": p.version,
		"tools":   tools,
	}
}
