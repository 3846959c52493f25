package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// Tool operations.
const (
	OpExecute = "execute"
	OpList    = "list"
)

// ToolFunc runs one tool invocation.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is a named operation the agent may execute through the TOOL action.
type Tool struct {
	Name        string
	Description string
	Run         ToolFunc
}

// ToolProvider serves a registry of named tools.
type ToolProvider struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolProvider returns an empty tool registry.
func NewToolProvider() *ToolProvider {
	return &ToolProvider{tools: make(map[string]Tool)}
}

// RegisterTool adds a tool. Names must be unique.
func (p *ToolProvider) RegisterTool(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if t.Run == nil {
		return fmt.Errorf("register tool %q: nil func", t.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tools[t.Name]; exists {
		return fmt.Errorf("register tool %q: already registered", t.Name)
	}
	p.tools[t.Name] = t
	return nil
}

func (p *ToolProvider) Name() string { return "tool-registry" }

func (p *ToolProvider) Capabilities() []types.Capability {
	return []types.Capability{types.CapabilityTool}
}

func (p *ToolProvider) Operations(types.Capability) []string {
	return []string{OpExecute, OpList}
}

func (p *ToolProvider) Call(ctx context.Context, req types.Request) (types.Response, error) {
	switch req.Operation {
	case OpExecute:
		name := stringParam(req.Params, "name")
		if name == "" {
			return types.Response{}, &types.ValidationError{Field: "name", Reason: "execute requires a tool name"}
		}

		p.mu.RLock()
		tool, ok := p.tools[name]
		p.mu.RUnlock()
		if !ok {
			return types.Response{}, &types.ValidationError{
				Field:  "name",
				Reason: fmt.Sprintf("unknown tool %q", name),
			}
		}

		args, _ := req.Params["args"].(map[string]any)
		logging.HandlersDebug("Executing tool %q", name)
		result, err := tool.Run(ctx, args)
		if err != nil {
			return types.Response{}, fmt.Errorf("tool %q: %w", name, err)
		}
		return types.Response{Content: result, Data: map[string]any{"tool": name}}, nil

	case OpList:
		p.mu.RLock()
		listed := make([]map[string]any, 0, len(p.tools))
		for _, t := range p.tools {
			listed = append(listed, map[string]any{"name": t.Name, "description": t.Description})
		}
		p.mu.RUnlock()
		sort.Slice(listed, func(i, j int) bool {
			return listed[i]["name"].(string) < listed[j]["name"].(string)
		})
		return types.Response{Data: map[string]any{"tools": listed}}, nil

	default:
		return types.Response{}, &types.ValidationError{
			Field:  "operation",
			Reason: fmt.Sprintf("tool does not support %q", req.Operation),
		}
	}
}

// DefaultTools returns the built-in tools wired by the CLI: an echo for
// smoke tests and a clock read.
func DefaultTools(clock types.Clock) []Tool {
	return []Tool{
		{
			Name:        "echo",
			Description: "returns its text argument unchanged",
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				text, _ := args["text"].(string)
				return text, nil
			},
		},
		{
			Name:        "utc_time",
			Description: "returns the current UTC time in RFC 3339",
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return clock.Now().UTC().Format(time.RFC3339), nil
			},
		},
	}
}
